package client

import (
	"errors"
	"fmt"
)

var (
	// ErrServerUnavailable is returned when the server is unreachable or
	// reports a transient store condition.
	ErrServerUnavailable = errors.New("intermail server unavailable")

	// ErrUnauthorized is returned when the bearer key is missing or unknown.
	ErrUnauthorized = errors.New("unauthorized: invalid or missing api key")

	// ErrForbidden is returned when the key does not cover the project.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound matches every *_NOT_FOUND failure.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidRequest is returned for caller mistakes (HTTP 400).
	ErrInvalidRequest = errors.New("invalid request parameters")
)

// APIError wraps a failed call with the server's structured error.
type APIError struct {
	Operation   string
	StatusCode  int
	Kind        string
	Message     string
	Recoverable bool
	Data        map[string]any
	Err         error
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("intermail: %s failed (HTTP %d %s): %s", e.Operation, e.StatusCode, e.Kind, e.Message)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("intermail: %s failed (HTTP %d): %v", e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("intermail: %s failed: %v", e.Operation, e.Err)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Suggestions returns the near-miss names a not-found error carried.
func (e *APIError) Suggestions() []string {
	raw, _ := e.Data["suggestions"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsServerUnavailable(err error) bool {
	return errors.Is(err, ErrServerUnavailable)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// KindOf returns the server error kind of err, or "".
func KindOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}
