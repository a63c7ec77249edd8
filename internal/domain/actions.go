package domain

import "strings"

// ActionType - Внутренний числовой идентификатор команды
type ActionType uint8

const (
	ActionUnknown ActionType = iota
	ActionInit
	ActionMove
	ActionSetVision
	ActionSetFactors
	ActionClearMemory
	ActionRevealArea
	ActionDeleteArea
	ActionResetFog
	ActionUpsertLight
	ActionDeleteLight
	ActionSetAmbient
	ActionUpsertObstacle
	ActionDeleteObstacle
)

// Маппинг для конвертации JSON -> Domain
var actionStringToCmd = map[string]ActionType{
	"INIT":            ActionInit,
	"MOVE":            ActionMove,
	"SET_VISION":      ActionSetVision,
	"SET_FACTORS":     ActionSetFactors,
	"CLEAR_MEMORY":    ActionClearMemory,
	"REVEAL_AREA":     ActionRevealArea,
	"DELETE_AREA":     ActionDeleteArea,
	"RESET_FOG":       ActionResetFog,
	"UPSERT_LIGHT":    ActionUpsertLight,
	"DELETE_LIGHT":    ActionDeleteLight,
	"SET_AMBIENT":     ActionSetAmbient,
	"UPSERT_OBSTACLE": ActionUpsertObstacle,
	"DELETE_OBSTACLE": ActionDeleteObstacle,
}

// Маппинг для логов Domain -> String
var actionCmdToString = func() map[ActionType]string {
	m := make(map[ActionType]string, len(actionStringToCmd))
	for k, v := range actionStringToCmd {
		m[v] = k
	}
	return m
}()

// ParseAction конвертирует строку из JSON в ActionType
func ParseAction(s string) ActionType {
	// Делаем нечувствительным к регистру
	upper := strings.ToUpper(s)
	if val, ok := actionStringToCmd[upper]; ok {
		return val
	}
	return ActionUnknown
}

// String реализует интерфейс Stringer (для fmt.Printf)
func (a ActionType) String() string {
	if val, ok := actionCmdToString[a]; ok {
		return val
	}
	return "UNKNOWN"
}

// IsGameMasterOnly - команда меняет туман, свет или препятствия.
func (a ActionType) IsGameMasterOnly() bool {
	switch a {
	case ActionRevealArea, ActionDeleteArea, ActionResetFog,
		ActionUpsertLight, ActionDeleteLight, ActionSetAmbient,
		ActionUpsertObstacle, ActionDeleteObstacle:
		return true
	}
	return false
}
