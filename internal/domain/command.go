package domain

import "encoding/json"

// InternalCommand - команда для движка карты.
// Использует ActionType вместо string.
type InternalCommand struct {
	Action  ActionType      // Число! Быстро и безопасно.
	Actor   Actor           // Кто вызывает (роль приходит извне)
	Payload json.RawMessage // Сырые данные (парсятся хендлером)

	// Reply получает результат выполнения. Может быть nil.
	Reply chan CommandResult
}

// CommandResult - ответ движка на команду.
type CommandResult struct {
	ID  string // ID созданной сущности (область, свет, препятствие)
	Err error
}
