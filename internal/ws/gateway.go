// Package ws pushes best-effort nudges to agents over websockets. A nudge
// only tells an agent to poll; the inbox stays the delivery record.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/mistakeknot/intermail/internal/auth"
	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/metrics"
)

const (
	writeTimeout = 5 * time.Second
	// sendBuffer is how many nudges may queue behind a slow reader.
	sendBuffer = 16
)

// ProjectResolver canonicalises the ?project= parameter of a subscription.
type ProjectResolver interface {
	GetProject(ctx context.Context, slugOrKey string) (core.Project, error)
}

type subscriber struct {
	conn *websocket.Conn
	send chan any
}

// Hub tracks subscriptions keyed by project slug and lowercased agent name.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[string]map[*subscriber]struct{}
	log   zerolog.Logger
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[string]map[*subscriber]struct{}), log: zerolog.Nop()}
}

func (h *Hub) WithLogger(l zerolog.Logger) *Hub {
	h.log = l
	return h
}

// Handler serves /ws/agents/{agent}?project={slug}. An API key may only
// subscribe inside the project it was issued for.
func (h *Hub) Handler(projects ProjectResolver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/agents/"), "/")
		requested := strings.TrimSpace(r.URL.Query().Get("project"))
		if agent == "" || requested == "" {
			http.Error(w, "agent and project are required", http.StatusBadRequest)
			return
		}
		slug, humanKey := requested, ""
		if projects != nil {
			p, err := projects.GetProject(r.Context(), requested)
			if err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			slug, humanKey = p.Slug, p.HumanKey
		}
		if info, _ := auth.FromContext(r.Context()); info.Mode == auth.ModeAPIKey {
			if info.Project != slug && info.Project != humanKey {
				http.Error(w, "api key is not valid for project "+slug, http.StatusForbidden)
				return
			}
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.log.Debug().Err(err).Str("agent", agent).Msg("websocket accept")
			return
		}

		sub := &subscriber{conn: conn, send: make(chan any, sendBuffer)}
		h.add(slug, agent, sub)
		defer h.remove(slug, agent, sub)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		go h.writeLoop(ctx, slug, agent, sub)

		// Reads only detect the close; clients have nothing to say.
		for {
			var v any
			if err := wsjson.Read(ctx, conn, &v); err != nil {
				return
			}
		}
	}
}

type connEntry struct {
	sub     *subscriber
	project string
	agent   string
}

// Broadcast queues event for every connection of agent in project. An empty
// agent reaches the whole project. It never waits on a socket: a connection
// whose queue is full loses the nudge.
func (h *Hub) Broadcast(project, agent string, event any) {
	for _, e := range h.snapshot(project, agent) {
		select {
		case e.sub.send <- event:
		default:
			metrics.WSNudges.WithLabelValues("dropped").Inc()
			h.log.Debug().Str("project", e.project).Str("agent", e.agent).Msg("websocket queue full, nudge dropped")
		}
	}
}

// writeLoop drains sub's queue until ctx ends or a write fails. A failed
// write closes the connection, which ends the handler's read loop.
func (h *Hub) writeLoop(ctx context.Context, project, agent string, sub *subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, sub.conn, event)
			cancel()
			if err != nil {
				metrics.WSNudges.WithLabelValues("dropped").Inc()
				h.log.Debug().Err(err).Str("project", project).Str("agent", agent).Msg("websocket nudge dropped")
				sub.conn.Close(websocket.StatusGoingAway, "write error")
				return
			}
			metrics.WSNudges.WithLabelValues("sent").Inc()
		}
	}
}

// Subscribers counts open connections for agent in project.
func (h *Hub) Subscribers(project, agent string) int {
	return len(h.snapshot(project, agent))
}

func (h *Hub) snapshot(project, agent string) []connEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	perProject := h.conns[project]
	var out []connEntry
	if agent == "" {
		for name, conns := range perProject {
			for sub := range conns {
				out = append(out, connEntry{sub: sub, project: project, agent: name})
			}
		}
		return out
	}
	key := strings.ToLower(agent)
	for sub := range perProject[key] {
		out = append(out, connEntry{sub: sub, project: project, agent: key})
	}
	return out
}

func (h *Hub) add(project, agent string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := strings.ToLower(agent)
	perProject, ok := h.conns[project]
	if !ok {
		perProject = make(map[string]map[*subscriber]struct{})
		h.conns[project] = perProject
	}
	perAgent, ok := perProject[key]
	if !ok {
		perAgent = make(map[*subscriber]struct{})
		perProject[key] = perAgent
	}
	perAgent[sub] = struct{}{}
	metrics.WSConnections.Inc()
}

func (h *Hub) remove(project, agent string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := strings.ToLower(agent)
	perAgent, ok := h.conns[project][key]
	if !ok {
		return
	}
	if _, ok := perAgent[sub]; !ok {
		return
	}
	delete(perAgent, sub)
	metrics.WSConnections.Dec()
	if len(perAgent) == 0 {
		delete(h.conns[project], key)
	}
	if len(h.conns[project]) == 0 {
		delete(h.conns, project)
	}
}
