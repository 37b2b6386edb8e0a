// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies an AppError: the core's error kinds, kept alongside
// the original request-facing categories this package started with.
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation_error"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeError        ErrorType = "processing_error"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeTimeout      ErrorType = "timeout"

	// Provider/orchestration kinds.
	ErrorTypeProviderNetwork ErrorType = "provider_network_error"
	ErrorTypeProviderHTTP    ErrorType = "provider_http_error"
	ErrorTypeProviderAbort   ErrorType = "provider_abort"
	ErrorTypeSchemaParse     ErrorType = "schema_parse_error"
	ErrorTypeInvalidRef      ErrorType = "invalid_reference"
	ErrorTypeConfig          ErrorType = "config_error"
	ErrorTypeCancelled       ErrorType = "cancelled"
)

// AppError is the application-wide error envelope.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
	Code    string // stable, user-facing identifier

	// Status and Body are set only for ErrorTypeProviderHTTP.
	Status int
	Body   string
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

func NewAppError(errType ErrorType, message string, originalError error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Err:     originalError,
		Code:    generateErrorCode(errType),
	}
}

func NewValidationError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeValidation, message, originalError)
}

func NewNotFoundError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeNotFound, message, originalError)
}

func NewProcessingError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeError, message, originalError)
}

func NewConfigError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeConfig, message, originalError)
}

func NewCancelledError(message string) *AppError {
	return NewAppError(ErrorTypeCancelled, message, nil)
}

// NewProviderHTTPError carries the failing status and body.
func NewProviderHTTPError(status int, body string) *AppError {
	return &AppError{
		Type:    ErrorTypeProviderHTTP,
		Message: fmt.Sprintf("provider returned HTTP %d", status),
		Status:  status,
		Body:    body,
		Code:    generateErrorCode(ErrorTypeProviderHTTP),
	}
}

func NewProviderNetworkError(originalError error) *AppError {
	return NewAppError(ErrorTypeProviderNetwork, "provider request failed", originalError)
}

func NewSchemaParseError(message string, originalError error) *AppError {
	return NewAppError(ErrorTypeSchemaParse, message, originalError)
}

func NewInvalidReferenceError(entryID string) *AppError {
	return NewAppError(ErrorTypeInvalidRef, fmt.Sprintf("unknown entry reference: %s", entryID), nil)
}

func IsValidationError(err error) bool       { return isType(err, ErrorTypeValidation) }
func IsNotFoundError(err error) bool         { return isType(err, ErrorTypeNotFound) }
func IsConfigError(err error) bool           { return isType(err, ErrorTypeConfig) }
func IsCancelledError(err error) bool        { return isType(err, ErrorTypeCancelled) }
func IsProviderHTTPError(err error) bool     { return isType(err, ErrorTypeProviderHTTP) }
func IsProviderNetworkError(err error) bool  { return isType(err, ErrorTypeProviderNetwork) }
func IsSchemaParseError(err error) bool      { return isType(err, ErrorTypeSchemaParse) }
func IsInvalidReferenceError(err error) bool { return isType(err, ErrorTypeInvalidRef) }

// IsRetryableProviderError reports whether err is a 5xx ProviderHttpError or
// a ProviderNetworkError.
func IsRetryableProviderError(err error) bool {
	var appError *AppError
	if !errors.As(err, &appError) {
		return false
	}
	if appError.Type == ErrorTypeProviderNetwork {
		return true
	}
	return appError.Type == ErrorTypeProviderHTTP && appError.Status >= 500
}

func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}

func generateErrorCode(errType ErrorType) string {
	switch errType {
	case ErrorTypeValidation:
		return "VALIDATION_ERROR"
	case ErrorTypeNotFound:
		return "NOT_FOUND"
	case ErrorTypeError:
		return "PROCESSING_ERROR"
	case ErrorTypeUnauthorized:
		return "UNAUTHORIZED"
	case ErrorTypeForbidden:
		return "FORBIDDEN"
	case ErrorTypeConflict:
		return "CONFLICT"
	case ErrorTypeTimeout:
		return "TIMEOUT"
	case ErrorTypeProviderNetwork:
		return "PROVIDER_NETWORK_ERROR"
	case ErrorTypeProviderHTTP:
		return "PROVIDER_HTTP_ERROR"
	case ErrorTypeProviderAbort:
		return "PROVIDER_ABORT"
	case ErrorTypeSchemaParse:
		return "SCHEMA_PARSE_ERROR"
	case ErrorTypeInvalidRef:
		return "INVALID_REFERENCE"
	case ErrorTypeConfig:
		return "CONFIG_ERROR"
	case ErrorTypeCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// WrapError wraps err, preserving its ErrorType if it is already an
// AppError.
func WrapError(err error, message string, errType ErrorType) error {
	if err == nil {
		return nil
	}

	var appError *AppError
	if errors.As(err, &appError) {
		return &AppError{
			Type:    appError.Type,
			Message: fmt.Sprintf("%s: %s", message, appError.Message),
			Err:     appError,
			Code:    appError.Code,
			Status:  appError.Status,
			Body:    appError.Body,
		}
	}

	return NewAppError(errType, message, err)
}
