package domain

import (
	"errors"
	"fmt"
)

// Коды ошибок, которые уходят клиенту.
const (
	CodeValidation    = "validation_error"
	CodeForbidden     = "forbidden"
	CodeTransport     = "transport_error"
	CodeNotFound      = "not_found"
	CodeInternalError = "internal_error"
)

// ValidationError - некорректная форма/параметры. Отклоняется до любой мутации.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidationError создает ошибку валидации для поля.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// AuthorizationError - попытка мутации без роли game-master.
type AuthorizationError struct {
	CallerID  string
	Role      Role
	Operation string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("forbidden: %s (role %s) may not %s", e.CallerID, e.Role, e.Operation)
}

// TransportError - сбой персистентности или рассылки. Никогда не фатален.
type TransportError struct {
	Op       string
	Topic    string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("transport %s on %s failed after %d attempts: %v", e.Op, e.Topic, e.Attempts, e.Err)
	}
	return fmt.Sprintf("transport %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFoundError - запрошенная сущность отсутствует.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// IsValidation проверяет, является ли ошибка ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsAuthorization проверяет, является ли ошибка AuthorizationError.
func IsAuthorization(err error) bool {
	var target *AuthorizationError
	return errors.As(err, &target)
}

// IsTransport проверяет, является ли ошибка TransportError.
func IsTransport(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

// IsNotFound проверяет, является ли ошибка NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// ErrorCode возвращает код ошибки для протокола.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case IsValidation(err):
		return CodeValidation
	case IsAuthorization(err):
		return CodeForbidden
	case IsTransport(err):
		return CodeTransport
	case IsNotFound(err):
		return CodeNotFound
	default:
		return CodeInternalError
	}
}
