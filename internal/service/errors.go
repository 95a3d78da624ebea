package service

import (
	"bitwise74/asset-api/internal/quota"
	"bitwise74/asset-api/internal/repository"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation  = errors.New("validation failed")
	ErrTransientIO = errors.New("storage operation failed")
)

// Error kinds reported to clients next to the message
const (
	KindValidation    = "validation"
	KindQuotaExceeded = "quota_exceeded"
	KindIO            = "io"
	KindNotFound      = "not_found"
	KindInternal      = "internal"
)

type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func validationErr(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TransientIOError is a filesystem failure the client may retry
type TransientIOError struct {
	Op  string
	Err error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("failed to %s, %v", e.Op, e.Err)
}

func (e *TransientIOError) Unwrap() error {
	return e.Err
}

func (e *TransientIOError) Is(target error) bool {
	return target == ErrTransientIO
}

// ErrorKind classifies err for API responses
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, quota.ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, repository.ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrTransientIO):
		return KindIO
	default:
		return KindInternal
	}
}

func StatusForKind(kind string) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindQuotaExceeded:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
