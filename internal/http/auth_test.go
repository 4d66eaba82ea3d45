package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mistakeknot/intermail/internal/auth"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

// keyedRouter serves one project keyed by slug and one keyed by human key.
func keyedRouter(t *testing.T) (http.Handler, string, string) {
	t.Helper()
	env := newTestEnv(t)
	a := env.seed(t, "/home/dev/alpha", "Amber Fox")
	b := env.seed(t, "/home/dev/beta", "Jade Wolf")
	ring := auth.NewKeyring(false, map[string]string{"key-a": a, "key-b": "/home/dev/beta"})
	svc := NewService(env.store).WithSweeper(sqlite.NewSweeper(env.store, nil, 0, 30, env.store.Logger()))
	return NewRouter(svc, RouterOptions{Auth: auth.Middleware(ring)}), a, b
}

func do(h http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "203.0.113.10:9999"
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAPIKeyScopesProjects(t *testing.T) {
	h, a, b := keyedRouter(t)

	tests := []struct {
		name, method, path, key string
		body                    any
		want                    int
	}{
		{"no key", http.MethodGet, "/api/projects/" + a + "/agents", "", nil, http.StatusUnauthorized},
		{"own project by slug", http.MethodGet, "/api/projects/" + a + "/agents", "key-a", nil, http.StatusOK},
		{"foreign project", http.MethodGet, "/api/projects/" + b + "/agents", "key-a", nil, http.StatusForbidden},
		{"own project by human key", http.MethodGet, "/api/projects/" + b + "/agents", "key-b", nil, http.StatusOK},
		{"ensure own project", http.MethodPost, "/api/projects/", "key-b", ensureProjectRequest{HumanKey: "/home/dev/beta"}, http.StatusOK},
		{"ensure foreign project", http.MethodPost, "/api/projects/", "key-a", ensureProjectRequest{HumanKey: "/home/dev/gamma"}, http.StatusForbidden},
		{"delete is local only", http.MethodDelete, "/api/projects/" + a, "key-a", nil, http.StatusForbidden},
		{"sweep is local only", http.MethodPost, "/api/admin/sweep", "key-a", nil, http.StatusForbidden},
		{"health needs no key", http.MethodGet, "/health", "", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := do(h, tt.method, tt.path, tt.key, tt.body); rr.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestAPIKeyListsOnlyItsProject(t *testing.T) {
	h, a, _ := keyedRouter(t)
	rr := do(h, http.MethodGet, "/api/projects/", "key-a", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var list listProjectsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Projects) != 1 || list.Projects[0].Slug != a {
		t.Fatalf("expected only %s, got %+v", a, list.Projects)
	}
}
