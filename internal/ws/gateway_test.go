package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/intermail/internal/auth"
	"github.com/mistakeknot/intermail/internal/core"
	httpapi "github.com/mistakeknot/intermail/internal/http"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
)

type wsEnv struct {
	srv   *httptest.Server
	hub   *Hub
	store *sqlite.Store
}

func newWSEnv(t *testing.T, ring *auth.Keyring) *wsEnv {
	t.Helper()
	st, _ := sqlite.NewSQLiteTest(t)
	hub := NewHub()
	svc := httpapi.NewService(st).WithBroadcaster(hub)
	router := httpapi.NewRouter(svc, httpapi.RouterOptions{WS: hub.Handler(st), Auth: auth.Middleware(ring)})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &wsEnv{srv: srv, hub: hub, store: st}
}

// project registers a project with the given agents and returns its slug.
func (e *wsEnv) project(t *testing.T, humanKey string, agents ...string) string {
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

func (e *wsEnv) wsURL(agent, project string) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/agents/" + url.PathEscape(agent) + "?project=" + url.QueryEscape(project)
}

// dialWS connects a websocket client for agent in project.
func dialWS(t *testing.T, e *wsEnv, agent, project string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.wsURL(agent, project), nil)
	if err != nil {
		t.Fatalf("ws dial %s/%s: %v", project, agent, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	waitSubscribed(t, e.hub, project, agent)
	return conn
}

// waitSubscribed blocks until the server side registered the connection.
func waitSubscribed(t *testing.T, hub *Hub, project, agent string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers(project, agent) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription %s/%s never registered", project, agent)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readWSEvent reads a single JSON event from a WS connection with a timeout.
func readWSEvent(t *testing.T, conn *websocket.Conn, timeout time.Duration) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var event map[string]any
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return event
}

func expectSilence(t *testing.T, conn *websocket.Conn, who string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var noop map[string]any
	if err := wsjson.Read(ctx, conn, &noop); err == nil {
		t.Fatalf("%s should not have received %v", who, noop)
	}
}

func sendMsg(t *testing.T, e *wsEnv, project, from string, to []string, subject string) {
	t.Helper()
	payload := map[string]any{"sender_name": from, "to": to, "subject": subject, "body_md": "hi"}
	buf, _ := json.Marshal(payload)
	resp, err := http.Post(e.srv.URL+"/api/projects/"+project+"/messages", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("send msg: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send msg status: %d", resp.StatusCode)
	}
}

func TestWSAuthRejection(t *testing.T) {
	e := newWSEnv(t, nil)
	a := e.project(t, "/work/a", "Amber Fox")
	b := e.project(t, "/work/b", "Jade Wolf")
	ring := auth.NewKeyring(true, map[string]string{"secret-a": a, "secret-b": b})
	router := httpapi.NewRouter(httpapi.NewService(e.store), httpapi.RouterOptions{
		WS:   e.hub.Handler(e.store),
		Auth: auth.Middleware(ring),
	})

	t.Run("remote caller without bearer rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/agents/Amber%20Fox?project="+a, nil)
		req.RemoteAddr = "203.0.113.10:9999"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("bearer for another project rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/agents/Jade%20Wolf?project="+b, nil)
		req.RemoteAddr = "203.0.113.10:9999"
		req.Header.Set("Authorization", "Bearer secret-a")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Fatalf("expected 403 for project mismatch, got %d", rr.Code)
		}
	})

	t.Run("unknown project rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/agents/Amber%20Fox?project=nowhere", nil)
		req.RemoteAddr = "127.0.0.1:9999"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("missing project rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ws/agents/Amber%20Fox", nil)
		req.RemoteAddr = "127.0.0.1:9999"
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rr.Code)
		}
	})

	t.Run("localhost accepted", func(t *testing.T) {
		dialWS(t, e, "Amber Fox", a)
	})
}

func TestWSBearerMatchingProjectAccepted(t *testing.T) {
	st, _ := sqlite.NewSQLiteTest(t)
	p, err := st.EnsureProject(context.Background(), "/work/keyed")
	if err != nil {
		t.Fatalf("ensure project: %v", err)
	}
	hub := NewHub()
	ring := auth.NewKeyring(false, map[string]string{"secret": p.HumanKey})
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.NewService(st), httpapi.RouterOptions{
		WS:   hub.Handler(st),
		Auth: auth.Middleware(ring),
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/agents/Amber%20Fox?project=" + p.Slug
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer secret"}},
	})
	if err != nil {
		t.Fatalf("ws dial failed (valid auth): %v", err)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestWSReceivesMessageEvents(t *testing.T) {
	e := newWSEnv(t, nil)
	slug := e.project(t, "/work/repo", "Amber Fox", "Jade Wolf")
	conn := dialWS(t, e, "Jade Wolf", slug)

	sendMsg(t, e, slug, "Amber Fox", []string{"Jade Wolf"}, "status")

	event := readWSEvent(t, conn, 2*time.Second)
	if event["type"] != string(core.EventMessageCreated) {
		t.Fatalf("expected message.created, got %v", event["type"])
	}
	if event["from"] != "Amber Fox" || event["project"] != slug {
		t.Fatalf("unexpected event %v", event)
	}
}

func TestWSNameIsCaseInsensitive(t *testing.T) {
	e := newWSEnv(t, nil)
	slug := e.project(t, "/work/repo", "Amber Fox", "Jade Wolf")
	conn := dialWS(t, e, "jade wolf", slug)

	sendMsg(t, e, slug, "Amber Fox", []string{"Jade Wolf"}, "status")
	if ev := readWSEvent(t, conn, 2*time.Second); ev["type"] != string(core.EventMessageCreated) {
		t.Fatalf("expected message.created, got %v", ev["type"])
	}
}

func TestWSBroadcastFanout(t *testing.T) {
	e := newWSEnv(t, nil)
	slug := e.project(t, "/work/repo", "Amber Fox", "Jade Wolf", "Silver Hawk")
	connJade := dialWS(t, e, "Jade Wolf", slug)
	connSilver := dialWS(t, e, "Silver Hawk", slug)
	connAmber := dialWS(t, e, "Amber Fox", slug)

	sendMsg(t, e, slug, "Amber Fox", []string{"all"}, "standup")

	for who, conn := range map[string]*websocket.Conn{"Jade Wolf": connJade, "Silver Hawk": connSilver} {
		if ev := readWSEvent(t, conn, 2*time.Second); ev["type"] != string(core.EventMessageCreated) {
			t.Fatalf("%s expected message.created, got %v", who, ev["type"])
		}
	}
	expectSilence(t, connAmber, "the sender")
}

func TestWSProjectIsolation(t *testing.T) {
	e := newWSEnv(t, nil)
	a := e.project(t, "/work/a", "Amber Fox", "Jade Wolf")
	b := e.project(t, "/work/b", "Jade Wolf")
	connA := dialWS(t, e, "Jade Wolf", a)
	connB := dialWS(t, e, "Jade Wolf", b)

	sendMsg(t, e, a, "Amber Fox", []string{"Jade Wolf"}, "a only")

	if ev := readWSEvent(t, connA, 2*time.Second); ev["type"] != string(core.EventMessageCreated) {
		t.Fatalf("expected message.created, got %v", ev["type"])
	}
	expectSilence(t, connB, "Jade Wolf in project b")
}

func TestWSReadReceiptNudgesSender(t *testing.T) {
	e := newWSEnv(t, nil)
	slug := e.project(t, "/work/repo", "Amber Fox", "Jade Wolf")

	msg, err := e.store.SendMessage(context.Background(), core.SendRequest{
		Project: slug, Sender: "Amber Fox", To: []core.Target{core.Direct("Jade Wolf")}, Subject: "review",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	conn := dialWS(t, e, "Amber Fox", slug)

	buf, _ := json.Marshal(map[string]string{"agent_name": "Jade Wolf"})
	resp, err := http.Post(fmt.Sprintf("%s/api/projects/%s/messages/%d/read", e.srv.URL, slug, msg.ID), "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark read status %d", resp.StatusCode)
	}
	ev := readWSEvent(t, conn, 2*time.Second)
	if ev["type"] != string(core.EventMessageRead) || ev["agent"] != "Jade Wolf" {
		t.Fatalf("unexpected receipt nudge %v", ev)
	}
}

func TestWSSubscriptionCleanup(t *testing.T) {
	e := newWSEnv(t, nil)
	slug := e.project(t, "/work/repo", "Amber Fox", "Jade Wolf")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, e.wsURL("Jade Wolf", slug), nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	waitSubscribed(t, e.hub, slug, "Jade Wolf")
	conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Subscribers(slug, "Jade Wolf") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not removed after close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Sending after the client left must still succeed.
	sendMsg(t, e, slug, "Amber Fox", []string{"Jade Wolf"}, "after close")
}

func TestWSConcurrentBroadcast(t *testing.T) {
	e := newWSEnv(t, nil)
	const numSubscribers = 10
	const numMessages = 5

	agents := make([]string, numSubscribers)
	for i := range agents {
		agents[i] = fmt.Sprintf("worker %d", i)
	}
	slug := e.project(t, "/work/repo", "Amber Fox")
	ctx := context.Background()
	for i, hint := range agents {
		a, err := e.store.RegisterAgent(ctx, core.RegisterRequest{Project: slug, NameHint: hint, Program: "codex", Model: "gpt"})
		if err != nil {
			t.Fatalf("register %s: %v", hint, err)
		}
		agents[i] = a.Name
	}

	conns := make([]*websocket.Conn, numSubscribers)
	for i, name := range agents {
		conns[i] = dialWS(t, e, name, slug)
	}
	for i := 0; i < numMessages; i++ {
		sendMsg(t, e, slug, "Amber Fox", agents, fmt.Sprintf("broadcast-%d", i))
	}

	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			for j := 0; j < numMessages; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				var event map[string]any
				err := wsjson.Read(ctx, conns[idx], &event)
				cancel()
				if err != nil {
					t.Errorf("subscriber %d failed to read message %d: %v", idx, j, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestBroadcastDoesNotWaitOnStalledSubscriber(t *testing.T) {
	hub := NewHub()
	stalled := &subscriber{send: make(chan any, 1)}
	hub.add("proj", "jade wolf", stalled)
	defer hub.remove("proj", "jade wolf", stalled)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Broadcast("proj", "Jade Wolf", map[string]any{"type": "message", "n": i})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a subscriber that never reads")
	}
	if got := len(stalled.send); got != 1 {
		t.Fatalf("expected the queue to hold 1 nudge, got %d", got)
	}
}
