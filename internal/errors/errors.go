// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 应用错误的分类
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation_error"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeError      ErrorType = "processing_error"
	ErrorTypeConflict   ErrorType = "conflict"
)

// AppError 带分类和用户可见错误码的应用错误
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError 创建指定分类的应用错误
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     cause,
		Code:    errorCode(errType),
	}
}

// NewValidationError 创建参数校验错误
func NewValidationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeValidation, message, cause)
}

// NewNotFoundError 创建资源不存在错误
func NewNotFoundError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, cause)
}

// NewProcessingError 创建处理失败错误
func NewProcessingError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeError, message, cause)
}

// NewConflictError 创建状态冲突错误
func NewConflictError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConflict, message, cause)
}

// IsNotFoundError 检查错误链中是否有资源不存在错误
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsValidationError 检查错误链中是否有参数校验错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsConflictError 检查错误链中是否有状态冲突错误
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func isType(err error, errType ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == errType
	}
	return false
}

func errorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeConflict:
		return "CONFLICT"
	default:
		return "PROCESSING_ERROR"
	}
}
