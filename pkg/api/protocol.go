package api

import (
	"encoding/json"
)

// Типы сообщений сервер -> клиент.
const (
	MsgTypeFrame  = "FRAME"
	MsgTypeSync   = "SYNC"
	MsgTypeResult = "RESULT"
	MsgTypeError  = "ERROR"
	MsgTypeState  = "STATE"
)

// --- СЕРВЕР -> КЛИЕНТ ---

// ServerMessage это корневой объект, который сервер отправляет клиенту.
type ServerMessage struct {
	// Type тип сообщения: FRAME, SYNC, RESULT, ERROR, STATE.
	Type string `json:"type"`

	// Tick номер тика карты, на котором построено сообщение.
	Tick uint64 `json:"tick"`

	MapID    string `json:"mapId,omitempty"`
	ViewerID string `json:"viewerId,omitempty"`

	// Frame скомпонованный туман для наблюдателя (FRAME).
	Frame *FrameView `json:"frame,omitempty"`

	// Event сырой конверт синхронизации (SYNC).
	Event json.RawMessage `json:"event,omitempty"`

	// State полный снимок карты (STATE, ответ на full pull).
	State *MapStateView `json:"state,omitempty"`

	// Result результат команды (RESULT).
	Result *ResultView `json:"result,omitempty"`

	// Error ошибка команды (ERROR).
	Error *ErrorView `json:"error,omitempty"`
}

// FrameView - сетка непрозрачности и яркости для рендерера (row-major).
type FrameView struct {
	Cols     int     `json:"cols"`
	Rows     int     `json:"rows"`
	CellSize float64 `json:"cellSize"`
	OriginX  float64 `json:"originX"`
	OriginY  float64 `json:"originY"`

	// Opacity 1 - скрыто туманом, 0 - полностью открыто.
	Opacity []float64 `json:"opacity"`
	// Intensity яркость клетки с учетом освещения.
	Intensity []float64 `json:"intensity"`
	// State 0 unseen, 1 visible, 2 fading.
	State []int `json:"state"`

	Viewer  PointView   `json:"viewer"`
	Outline []PointView `json:"outline,omitempty"`
	Lights  []LightView `json:"lights,omitempty"`
}

// MapStateView - полное состояние карты (full pull).
type MapStateView struct {
	MapID     string             `json:"mapId"`
	Ambient   float64            `json:"ambient"`
	Width     float64            `json:"width"`
	Height    float64            `json:"height"`
	CellSize  float64            `json:"cellSize"`
	Obstacles []ObstacleView     `json:"obstacles"`
	Lights    []LightView        `json:"lights"`
	Areas     []AreaView         `json:"areas"`
	Memory    []MemoryPointView  `json:"memory,omitempty"`
	Viewers   []ViewerStatusView `json:"viewers,omitempty"`
}

// PointView - точка на карте.
type PointView struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LightView - источник света для клиента.
type LightView struct {
	ID               string  `json:"id"`
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
	Radius           float64 `json:"radius"`
	Color            string  `json:"color"`
	Intensity        float64 `json:"intensity"`
	Flickering       bool    `json:"flickering"`
	FlickerIntensity float64 `json:"flickerIntensity,omitempty"`
	CastShadows      bool    `json:"castShadows"`
}

// ObstacleView - препятствие для клиента.
type ObstacleView struct {
	ID           string  `json:"id"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Width        float64 `json:"width"`
	Height       float64 `json:"height"`
	Kind         string  `json:"kind"`
	BlocksVision bool    `json:"blocksVision"`
	Opacity      float64 `json:"opacity"`
	Tint         string  `json:"tint,omitempty"`
}

// AreaView - открытая область тумана.
type AreaView struct {
	ID        string      `json:"id"`
	Shape     string      `json:"shape"`
	X         float64     `json:"x"`
	Y         float64     `json:"y"`
	Radius    float64     `json:"radius,omitempty"`
	Points    []PointView `json:"points,omitempty"`
	Color     string      `json:"color,omitempty"`
	Opacity   float64     `json:"opacity"`
	CreatedBy string      `json:"createdBy"`
	CreatedAt int64       `json:"createdAt"` // Unix milliseconds
}

// MemoryPointView - точка памяти (debug и full pull для ГМ).
type MemoryPointView struct {
	ViewerID  string  `json:"seenBy"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Radius    float64 `json:"radius"`
	Intensity float64 `json:"intensity"`
	State     string  `json:"state"`
	LastSeen  int64   `json:"lastSeen"` // Unix milliseconds
}

// ViewerStatusView - наблюдатель на карте.
type ViewerStatusView struct {
	ID       string  `json:"id"`
	Role     string  `json:"role"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Radius   float64 `json:"radius"`
	Memories int     `json:"memories"`
}

// ResultView - успешный результат команды.
type ResultView struct {
	Action string `json:"action"`
	ID     string `json:"id,omitempty"`
}

// ErrorView - ошибка команды с машинно-читаемым кодом.
type ErrorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// --- КЛИЕНТ -> СЕРВЕР ---

// ClientCommand это корневой объект для всех сообщений от клиента к серверу.
type ClientCommand struct {
	// Action название действия, которое нужно выполнить.
	Action string `json:"action"`

	// Payload JSON-объект с данными для действия. Его структура зависит от Action.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// --- Payloads ---

// InitPayload - первое сообщение сессии (INIT). Роль приходит от внешней аутентификации.
type InitPayload struct {
	MapID    string  `json:"mapId"`
	CallerID string  `json:"callerId"`
	Role     string  `json:"role"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// PositionPayload - перемещение наблюдателя (MOVE).
type PositionPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SenseView - одно чувство наблюдателя.
type SenseView struct {
	Mode   string  `json:"mode"`
	Radius float64 `json:"radius"`
}

// VisionPayload - настройки зрения (SET_VISION).
type VisionPayload struct {
	Radius float64     `json:"radius"`
	Senses []SenseView `json:"senses,omitempty"`
}

// FactorsPayload - когнитивные факторы (SET_FACTORS).
type FactorsPayload struct {
	ViewerID      string  `json:"viewerId,omitempty"`
	QualityScore  float64 `json:"qualityScore"`
	DurationScore float64 `json:"durationScore"`
	DetailScore   float64 `json:"detailScore"`
}

// ViewerPayload - операция над памятью наблюдателя (CLEAR_MEMORY).
type ViewerPayload struct {
	ViewerID string `json:"viewerId,omitempty"`
}

// AreaPayload - открытие области (REVEAL_AREA).
type AreaPayload struct {
	ID      string      `json:"id,omitempty"`
	Shape   string      `json:"shape"`
	X       float64     `json:"x"`
	Y       float64     `json:"y"`
	Radius  float64     `json:"radius,omitempty"`
	Points  []PointView `json:"points,omitempty"`
	Color   string      `json:"color,omitempty"`
	Opacity float64     `json:"opacity,omitempty"`
}

// IDPayload - операции по ID (DELETE_AREA, DELETE_LIGHT, DELETE_OBSTACLE).
type IDPayload struct {
	ID string `json:"id"`
}

// LightPayload - создание/изменение источника (UPSERT_LIGHT).
type LightPayload struct {
	ID               string  `json:"id,omitempty"`
	X                float64 `json:"x"`
	Y                float64 `json:"y"`
	Radius           float64 `json:"radius"`
	Color            string  `json:"color,omitempty"`
	Intensity        float64 `json:"intensity"`
	Flickering       bool    `json:"flickering,omitempty"`
	FlickerIntensity float64 `json:"flickerIntensity,omitempty"`
	CastShadows      bool    `json:"castShadows,omitempty"`
}

// AmbientPayload - фоновое освещение карты (SET_AMBIENT).
type AmbientPayload struct {
	Ambient float64 `json:"ambient"`
}

// ObstaclePayload - создание/изменение препятствия (UPSERT_OBSTACLE).
// Незаданные BlocksVision/Opacity/Tint берутся из умолчаний вида.
type ObstaclePayload struct {
	ID           string   `json:"id,omitempty"`
	X            float64  `json:"x"`
	Y            float64  `json:"y"`
	Width        float64  `json:"width"`
	Height       float64  `json:"height"`
	Kind         string   `json:"kind"`
	BlocksVision *bool    `json:"blocksVision,omitempty"`
	Opacity      *float64 `json:"opacity,omitempty"`
	Tint         string   `json:"tint,omitempty"`
}
