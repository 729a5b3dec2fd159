package service

import "fmt"

// ValidationError 表示请求参数不合法。
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a validation error with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError 表示目标资源不存在或对调用者不可见。
type NotFoundError struct {
	Resource string
	ID       uint
}

func (e *NotFoundError) Error() string {
	if e.ID > 0 {
		return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Resource)
}

// StateConflictError 表示当前行状态不允许请求的转换。
type StateConflictError struct {
	Message string
}

func (e *StateConflictError) Error() string {
	return e.Message
}

// NewStateConflictError creates a state conflict error with a formatted message.
func NewStateConflictError(format string, args ...interface{}) *StateConflictError {
	return &StateConflictError{Message: fmt.Sprintf(format, args...)}
}

// InsufficientCreditsError 表示余额不足，携带所需与当前余额。
type InsufficientCreditsError struct {
	Required float64
	Current  float64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %.2f, current %.2f", e.Required, e.Current)
}
