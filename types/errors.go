package types

import (
	"errors"
	"fmt"
)

// Code classifies an engine error. Values are stable and travel over the API.
type Code string

const (
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeConfigUnsupported    Code = "CONFIG_UNSUPPORTED"
	CodeArgumentUnsupported  Code = "ARGUMENT_UNSUPPORTED"
	CodeXML                  Code = "XML_ERROR"
	CodeOperationInvalid     Code = "OPERATION_INVALID"
	CodeOperationUnsupported Code = "OPERATION_UNSUPPORTED"
	CodeOperationFailed      Code = "OPERATION_FAILED"
	CodeInternal             Code = "INTERNAL_ERROR"
	CodeNoDomain             Code = "NO_DOMAIN"
	CodeNoBackup             Code = "NO_DOMAIN_BACKUP"
	CodeNoCheckpoint         Code = "NO_DOMAIN_CHECKPOINT"
	CodeAlreadyExists        Code = "ALREADY_EXISTS"
	CodeSystem               Code = "SYSTEM_ERROR"
)

// Category groups codes by how the caller is expected to react.
type Category string

const (
	// CategoryValidation errors are detected before any side effect.
	CategoryValidation Category = "validation"
	// CategoryConflict errors mean the domain is busy or the name is taken.
	CategoryConflict Category = "conflict"
	// CategoryResource errors come from local storage or labelling and trigger rollback.
	CategoryResource Category = "resource"
	// CategoryTransport errors come from the monitor and trigger rollback.
	CategoryTransport Category = "transport"
	// CategoryFatal errors are invariant violations.
	CategoryFatal Category = "fatal"
)

// Error is the coded error returned by the backup and checkpoint engine.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds a coded error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to a lower level error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// CategoryOf maps an error to its handling category.
func CategoryOf(err error) Category {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeConfigUnsupported, CodeArgumentUnsupported, CodeXML,
		CodeOperationUnsupported, CodeNoDomain, CodeNoBackup, CodeNoCheckpoint:
		return CategoryValidation
	case CodeOperationInvalid, CodeAlreadyExists:
		return CategoryConflict
	case CodeSystem:
		return CategoryResource
	case CodeOperationFailed:
		return CategoryTransport
	default:
		return CategoryFatal
	}
}
