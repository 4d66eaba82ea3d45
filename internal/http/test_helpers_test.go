package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/auth"
	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

// testEnv bundles a Service over an in-memory store behind httptest.Server.
// Callers are loopback and pass the localhost bypass.
type testEnv struct {
	srv   *httptest.Server
	store *sqlite.Store
	clock *sqlite.Clock
	bus   *recordingBus
}

type nudge struct {
	project, agent string
	event          map[string]any
}

type recordingBus struct {
	ch chan nudge
}

func (b *recordingBus) Broadcast(project, agent string, event any) {
	ev, _ := event.(map[string]any)
	select {
	case b.ch <- nudge{project: project, agent: agent, event: ev}:
	default:
	}
}

func newTestEnv(t *testing.T, opts ...sqlite.Option) *testEnv {
	t.Helper()
	st, clock := sqlite.NewSQLiteTest(t, opts...)
	bus := &recordingBus{ch: make(chan nudge, 64)}
	svc := NewService(st).WithBroadcaster(bus).WithSweeper(sqlite.NewSweeper(st, bus, 0, 30, zerolog.Nop()))
	srv := httptest.NewServer(NewRouter(svc, RouterOptions{Auth: auth.Middleware(nil), Metrics: true}))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, clock: clock, bus: bus}
}

// seed creates a project with the named agents and returns its slug.
func (e *testEnv) seed(t *testing.T, humanKey string, agents ...string) string {
	t.Helper()
	ctx := context.Background()
	p, err := e.store.EnsureProject(ctx, humanKey)
	if err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	for _, name := range agents {
		if _, err := e.store.RegisterAgent(ctx, core.RegisterRequest{
			Project: p.Slug, NameHint: name, Program: "claude-code", Model: "opus",
		}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	return p.Slug
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) delete(t *testing.T, path string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, e.srv.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body := new(bytes.Buffer)
		_, _ = body.ReadFrom(resp.Body)
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d: %s", want, resp.StatusCode, body.String())
	}
}

// requireError checks status and error kind of a failed call.
func requireError(t *testing.T, resp *http.Response, status int, kind string) apiError {
	t.Helper()
	if resp.StatusCode != status {
		resp.Body.Close()
		t.Fatalf("expected status %d, got %d", status, resp.StatusCode)
	}
	body := decodeJSON[errorResponse](t, resp)
	if body.Error.Kind != kind {
		t.Fatalf("expected kind %s, got %+v", kind, body.Error)
	}
	return body.Error
}
