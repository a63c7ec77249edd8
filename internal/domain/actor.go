package domain

import "strings"

// Role - роль вызывающего. Определяется снаружи (сессия/аутентификация).
type Role string

const (
	RoleGameMaster Role = "gm"
	RolePlayer     Role = "player"
)

// ParseRole нормализует строковое представление роли.
// Неизвестные значения трактуются как player.
func ParseRole(s string) Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gm", "game-master", "game_master", "gamemaster", "dm":
		return RoleGameMaster
	default:
		return RolePlayer
	}
}

// Actor - кто выполняет операцию.
type Actor struct {
	Role     Role   `json:"role"`
	CallerID string `json:"callerId"`
}

// IsGameMaster - только game-master может менять туман, свет и препятствия.
func (a Actor) IsGameMaster() bool {
	return a.Role == RoleGameMaster
}

// Authorize возвращает AuthorizationError, если актор не game-master.
func (a Actor) Authorize(operation string) error {
	if a.IsGameMaster() {
		return nil
	}
	return &AuthorizationError{CallerID: a.CallerID, Role: a.Role, Operation: operation}
}

// SystemActor используется для внутренних мутаций (decay job, restore).
var SystemActor = Actor{Role: RoleGameMaster, CallerID: "system"}
