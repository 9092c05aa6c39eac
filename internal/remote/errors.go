package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mesh-intelligence/workbook/pkg/types"
)

// ErrUnauthorized is wrapped by APIError for 401 and 403 responses.
var ErrUnauthorized = errors.New("not authorized")

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %d: %s", e.StatusCode, e.Message)
}

// UserMessage returns the server-provided message.
func (e *APIError) UserMessage() string {
	return e.Message
}

// Unwrap exposes the sentinel matching the status code.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict, http.StatusPreconditionFailed:
		return types.ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	}
	return nil
}

// temporary reports whether the status is worth retrying.
func (e *APIError) temporary() bool {
	switch e.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
