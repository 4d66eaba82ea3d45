package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mistakeknot/intermail/internal/core"
)

// maxBody bounds request bodies; messages are the largest payload.
const maxBody = 1 << 20

type apiError struct {
	Kind        string         `json:"kind"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable"`
	Data        map[string]any `json:"data,omitempty"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a store failure onto an HTTP status. The recoverable flag
// separates caller mistakes from commit failures.
func statusFor(err error) int {
	e, ok := core.AsError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch {
	case e.IsNotFound():
		return http.StatusNotFound
	case e.IsBusy():
		return http.StatusServiceUnavailable
	case e.Recoverable:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := apiError{Kind: string(core.KindStoreFailed), Message: "internal error"}
	if e, ok := core.AsError(err); ok {
		body = apiError{Kind: string(e.Kind), Message: e.Message, Recoverable: e.Recoverable, Data: e.Data}
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func writeForbidden(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusForbidden, errorResponse{Error: apiError{Kind: "FORBIDDEN", Message: msg}})
}

// decode reads a JSON body into v. An empty body leaves v at its zero value.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return core.Invalid("malformed request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, core.Invalid("%s must be a positive integer, got %q", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, core.Invalid("%s must be a non-negative integer, got %q", name, raw)
	}
	return n, nil
}

// queryBool treats a missing parameter as def.
func queryBool(r *http.Request, name string, def bool) (bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, core.Invalid("%s must be a boolean, got %q", name, raw)
	}
	return b, nil
}
