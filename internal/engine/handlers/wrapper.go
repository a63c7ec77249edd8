package handlers

import (
	"encoding/json"
	"fmt"

	"vision-server/internal/domain"
	"vision-server/pkg/api"
)

// TypedHandlerFunc - это "чистый" хендлер, который работает с готовой структурой T
type TypedHandlerFunc[T any] func(ctx Context, payload T) (Result, error)

// EmptyHandlerFunc - хендлер, которому НЕ нужны данные (RESET_FOG)
type EmptyHandlerFunc func(ctx Context) (Result, error)

// WithPayload берет "чистый" хендлер и превращает его в стандартный HandlerFunc.
// Она берет на себя Unmarshal и Validate.
func WithPayload[T any](handler TypedHandlerFunc[T]) HandlerFunc {
	return func(ctx Context, raw json.RawMessage) (Result, error) {
		var payload T

		// 1. Распаковка JSON
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return Result{}, &domain.ValidationError{Field: "payload", Message: fmt.Sprintf("invalid payload format: %v", err)}
		}

		// 2. Автоматическая валидация
		// Проверяем, реализует ли структура T интерфейс Validator
		if v, ok := any(payload).(api.Validator); ok {
			if err := v.Validate(); err != nil {
				return Result{}, &domain.ValidationError{Field: "payload", Message: err.Error()}
			}
		}

		// 3. Вызов чистой логики
		return handler(ctx, payload)
	}
}

// WithEmptyPayload - обертка для команд без данных
func WithEmptyPayload(handler EmptyHandlerFunc) HandlerFunc {
	return func(ctx Context, _ json.RawMessage) (Result, error) {
		// Мы просто игнорируем входящий JSON, так как он не нужен логике.
		return handler(ctx)
	}
}

// GameMasterOnly проверяет роль до разбора payload: игрок получает отказ,
// даже если данные некорректны.
func GameMasterOnly(action domain.ActionType, handler HandlerFunc) HandlerFunc {
	return func(ctx Context, raw json.RawMessage) (Result, error) {
		if err := ctx.Actor.Authorize(action.String()); err != nil {
			return Result{}, err
		}
		return handler(ctx, raw)
	}
}

// PayloadSchema проверяет payload по JSON-схеме действия.
type PayloadSchema interface {
	ValidatePayload(action string, payload json.RawMessage) error
}

// WithSchema проверяет payload по схеме до распаковки. schema может быть nil.
func WithSchema(schema PayloadSchema, action domain.ActionType, handler HandlerFunc) HandlerFunc {
	if schema == nil {
		return handler
	}
	return func(ctx Context, raw json.RawMessage) (Result, error) {
		if err := schema.ValidatePayload(action.String(), raw); err != nil {
			return Result{}, &domain.ValidationError{Field: "payload", Message: err.Error()}
		}
		return handler(ctx, raw)
	}
}
