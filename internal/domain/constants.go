package domain

import "time"

// Параметры восприятия
const (
	DefaultVisionRadius = 20.0
	DefaultCellSize     = 1.0
)

// Параметры памяти по умолчанию
const (
	DefaultDecayRate     = 0.05 // за интервал
	DefaultDecayInterval = time.Minute
	DefaultMemoryFloor   = 0.1
	DefaultMaxPoints     = 1000
)

// Темы синхронизации
const (
	TopicFogUpdate      = "fog_update"
	TopicFogDelete      = "fog_delete"
	TopicFogReset       = "fog_reset"
	TopicLightingUpdate = "lighting-update"
	TopicAmbientUpdate  = "ambient-light-update"
	TopicMemoryUpdate   = "memory_update"
	TopicObstacleUpdate = "obstacle-update"
)

// AllTopics - все темы, на которые подписывается узел.
var AllTopics = []string{
	TopicFogUpdate,
	TopicFogDelete,
	TopicFogReset,
	TopicLightingUpdate,
	TopicAmbientUpdate,
	TopicMemoryUpdate,
	TopicObstacleUpdate,
}
