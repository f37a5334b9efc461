package jobs

import (
	"errors"
	"net/http"
)

// Domain errors for job operations.
var (
	ErrNotFound          = errors.New("job not found")
	ErrUnknownStep       = errors.New("unknown step")
	ErrMissingInput      = errors.New("missing required input")
	ErrInvalidTransition = errors.New("invalid step transition")
	ErrDuplicate         = errors.New("job already exists")
)

// MapHTTPStatus maps job domain errors to appropriate HTTP status codes.
func MapHTTPStatus(err error) int {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnknownStep) {
		return http.StatusNotFound
	}
	if errors.Is(err, ErrMissingInput) {
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, ErrInvalidTransition) {
		return http.StatusConflict
	}
	if errors.Is(err, ErrDuplicate) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
