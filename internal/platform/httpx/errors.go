// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrValidation   = errors.New("validation failed")
	ErrForbidden    = errors.New("forbidden")
	ErrUnauthorized = errors.New("unauthorized")
)

// Envelope error codes.
const (
	CodeValidation   = "VALIDATION_ERROR"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeNotFound     = "NOT_FOUND"
	CodeInternal     = "INTERNAL_ERROR"
)

// Detailer is implemented by errors that carry field-level details.
type Detailer interface {
	Details() any
}

// RespondError maps domain errors to envelope responses.
func RespondError(w http.ResponseWriter, err error) {
	var details any
	var d Detailer
	if errors.As(err, &d) {
		details = d.Details()
	}
	switch {
	case errors.Is(err, ErrValidation):
		Fail(w, http.StatusBadRequest, CodeValidation, "Invalid request data", details)
	case errors.Is(err, ErrUnauthorized):
		Fail(w, http.StatusUnauthorized, CodeUnauthorized, "Authentication required", nil)
	case errors.Is(err, ErrForbidden):
		Fail(w, http.StatusForbidden, CodeForbidden, err.Error(), nil)
	case errors.Is(err, ErrNotFound):
		Fail(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	default:
		msg := "Internal server error"
		if err != nil && err.Error() != "" {
			msg = err.Error()
		}
		Fail(w, http.StatusInternalServerError, CodeInternal, msg, nil)
	}
}
