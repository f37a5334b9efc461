package prompts

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// NotFoundError reports that no candidate in the fallback chain produced
// a prompt. Candidates lists every key tried, most specific first.
type NotFoundError struct {
	Name       string   `json:"name"`
	Candidates []string `json:"candidates"`
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("prompt %q not found (tried %s)", e.Name, strings.Join(e.Candidates, ", "))
}

// FormatError reports placeholders left unbound after merging defaults,
// domain overrides, and call-time variables.
type FormatError struct {
	Key     string   `json:"key"`
	Missing []string `json:"missing"`
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("prompt %q missing variables: %s", e.Key, strings.Join(e.Missing, ", "))
}

// MapHTTPStatus maps prompt resolution errors to HTTP status codes.
func MapHTTPStatus(err error) int {
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		return http.StatusNotFound
	}
	var format *FormatError
	if errors.As(err, &format) {
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, ErrUnavailable) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
