package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Nudge is a push hint. Only Type, Project and Agent are always set; the
// rest depend on the type. Nudges are lost when nobody is listening, so the
// inbox remains authoritative.
type Nudge struct {
	Type          string `json:"type"`
	Project       string `json:"project"`
	Agent         string `json:"agent"`
	MessageID     int64  `json:"message_id,omitempty"`
	From          string `json:"from,omitempty"`
	Importance    string `json:"importance,omitempty"`
	ReservationID int64  `json:"reservation_id,omitempty"`
	PathPattern   string `json:"path_pattern,omitempty"`
}

// EventTypes lists the nudge types the server emits.
var EventTypes = struct {
	MessageCreated     string
	MessageRead        string
	MessageAck         string
	ReservationExpired string
}{
	MessageCreated:     "message.created",
	MessageRead:        "message.read",
	MessageAck:         "message.ack",
	ReservationExpired: "reservation.expired",
}

// NudgeHandler is called for each nudge, from the read goroutine.
type NudgeHandler func(Nudge)

// WSClient keeps one agent's nudge subscription open.
type WSClient struct {
	baseURL   string
	apiKey    string
	project   string
	agent     string
	reconnect bool

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []NudgeHandler

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type WSOption func(*WSClient)

func WithWSAPIKey(key string) WSOption {
	return func(c *WSClient) {
		c.apiKey = key
	}
}

// WithAutoReconnect controls redialing with backoff after a dropped
// connection. It is on by default.
func WithAutoReconnect(enabled bool) WSOption {
	return func(c *WSClient) {
		c.reconnect = enabled
	}
}

// NewWSClient subscribes agent in project once Connect is called.
func NewWSClient(baseURL, project, agent string, opts ...WSOption) *WSClient {
	c := &WSClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		project:   project,
		agent:     agent,
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WSClient) OnNudge(handler NudgeHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, handler)
}

// Connect dials the server and starts reading nudges until ctx is done or
// Close is called.
func (c *WSClient) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx)
	}()
	return nil
}

func (c *WSClient) dial(ctx context.Context) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if c.apiKey != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + c.apiKey}}
	}
	conn, resp, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		if resp != nil {
			return &APIError{Operation: "subscribe", StatusCode: resp.StatusCode, Err: dialStatusError(resp.StatusCode, err)}
		}
		return &APIError{Operation: "subscribe", Err: fmt.Errorf("%w: %v", ErrServerUnavailable, err)}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

func dialStatusError(status int, err error) error {
	switch status {
	case 401:
		return ErrUnauthorized
	case 403:
		return ErrForbidden
	case 404:
		return ErrNotFound
	case 400:
		return ErrInvalidRequest
	}
	return err
}

// Close stops the subscription and waits for the read loop to exit.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "client closing")
		}
	})
	c.wg.Wait()
	return err
}

func (c *WSClient) buildWSURL() (string, error) {
	if c.project == "" || c.agent == "" {
		return "", errors.New("project and agent are required")
	}
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/agents/" + c.agent
	u.RawPath = "/ws/agents/" + url.PathEscape(c.agent)
	u.RawQuery = url.Values{"project": {c.project}}.Encode()
	return u.String(), nil
}

func (c *WSClient) readLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		var nudge Nudge
		err := wsjson.Read(ctx, conn, &nudge)
		if err == nil {
			c.dispatch(nudge)
			continue
		}
		if !c.reconnect || c.closed() || ctx.Err() != nil {
			return
		}
		if !c.redial(ctx) {
			return
		}
	}
}

func (c *WSClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *WSClient) dispatch(n Nudge) {
	c.mu.RLock()
	handlers := make([]NudgeHandler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(n)
	}
}

// redial retries with exponential backoff. It returns false once the
// client is closed or ctx ends.
func (c *WSClient) redial(ctx context.Context) bool {
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-c.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		if err := c.dial(ctx); err == nil {
			return true
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// FilterTypes wraps handler so it only sees the listed nudge types.
func FilterTypes(handler NudgeHandler, types ...string) NudgeHandler {
	return func(n Nudge) {
		for _, t := range types {
			if n.Type == t {
				handler(n)
				return
			}
		}
	}
}
