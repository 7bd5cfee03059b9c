package api

import (
	"errors"
	"log/slog"
	"net/http"
)

// AppError is an error that maps to an HTTP status. Message is returned to
// the client verbatim in the error envelope.
type AppError struct {
	Code    int    `json:"-"`
	Message string `json:"error"`
}

func (e *AppError) Error() string {
	return e.Message
}

var (
	ErrBadRequest     = &AppError{Code: http.StatusBadRequest, Message: "bad request"}
	ErrUnauthorized   = &AppError{Code: http.StatusUnauthorized, Message: "unauthorized"}
	ErrInvalidToken   = &AppError{Code: http.StatusUnauthorized, Message: "invalid or expired token"}
	ErrInternalServer = &AppError{Code: http.StatusInternalServerError, Message: "internal server error"}

	// ErrQuotaExceeded is returned by the admission check when a service is
	// stopped for the current period.
	ErrQuotaExceeded = &AppError{Code: http.StatusTooManyRequests, Message: "quota exceeded, retry after period rollover"}

	// ErrServiceUnavailable is returned when usage cannot be read from the store.
	ErrServiceUnavailable = &AppError{Code: http.StatusServiceUnavailable, Message: "usage store unavailable"}
)

func NewNotFoundError(msg string) *AppError {
	return &AppError{Code: http.StatusNotFound, Message: msg}
}

func NewValidationError(msg string) *AppError {
	return &AppError{Code: http.StatusBadRequest, Message: msg}
}

// HandleError writes err as an error envelope. Errors that are not an
// AppError are logged and hidden behind a 500.
func HandleError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		JSONErrorMessage(w, appErr.Code, appErr.Message)
		return
	}
	slog.Error("api: unhandled error", "error", err)
	JSONErrorMessage(w, ErrInternalServer.Code, ErrInternalServer.Message)
}
