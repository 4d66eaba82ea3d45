// Package client is a Go client for the intermail HTTP boundary.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	APIKey  string
	// Project is the slug used by every project-scoped call.
	Project string
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.APIKey = strings.TrimSpace(key)
	}
}

func WithProject(project string) Option {
	return func(c *Client) {
		c.Project = strings.TrimSpace(project)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

type Project struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	HumanKey  string    `json:"human_key"`
	CreatedAt time.Time `json:"created_at"`
}

type Agent struct {
	ID              int64     `json:"id"`
	ProjectID       int64     `json:"project_id"`
	Name            string    `json:"name"`
	Program         string    `json:"program"`
	Model           string    `json:"model"`
	TaskDescription string    `json:"task_description"`
	InceptionTS     time.Time `json:"inception_ts"`
	LastActiveTS    time.Time `json:"last_active_ts"`
}

// Registration is the payload of RegisterAgent and CreateIdentity. Name is
// a hint; the server may pick another.
type Registration struct {
	Name            string `json:"name,omitempty"`
	Program         string `json:"program"`
	Model           string `json:"model"`
	TaskDescription string `json:"task_description,omitempty"`
}

type Message struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	SenderID    int64      `json:"sender_id"`
	ThreadID    string     `json:"thread_id,omitempty"`
	Subject     string     `json:"subject"`
	BodyMD      string     `json:"body_md,omitempty"`
	From        string     `json:"from"`
	To          []string   `json:"to"`
	CC          []string   `json:"cc,omitempty"`
	BCC         []string   `json:"bcc,omitempty"`
	Importance  string     `json:"importance"`
	AckRequired bool       `json:"ack_required"`
	CreatedTS   time.Time  `json:"created_ts"`
	Kind        string     `json:"kind,omitempty"`
	ReadTS      *time.Time `json:"read_ts,omitempty"`
	AckTS       *time.Time `json:"ack_ts,omitempty"`
}

// Outgoing is a new message. To may contain "all" to reach every other
// agent in the project.
type Outgoing struct {
	Sender      string   `json:"sender_name"`
	To          []string `json:"to"`
	CC          []string `json:"cc,omitempty"`
	BCC         []string `json:"bcc,omitempty"`
	Subject     string   `json:"subject"`
	BodyMD      string   `json:"body_md"`
	ThreadID    string   `json:"thread_id,omitempty"`
	Importance  string   `json:"importance,omitempty"`
	AckRequired bool     `json:"ack_required,omitempty"`
}

type Reply struct {
	Sender        string   `json:"sender_name"`
	BodyMD        string   `json:"body_md"`
	To            []string `json:"to,omitempty"`
	CC            []string `json:"cc,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	Importance    string   `json:"importance,omitempty"`
	AckRequired   bool     `json:"ack_required,omitempty"`
}

// InboxOptions filters FetchInbox. Zero values mean no filter.
type InboxOptions struct {
	Limit      int
	UrgentOnly bool
	UnreadOnly bool
	Since      time.Time
	SkipBodies bool
}

type InboxCounts struct {
	Total   int `json:"total"`
	Unread  int `json:"unread"`
	Pending int `json:"pending_ack"`
}

type Recipient struct {
	Agent  string     `json:"agent"`
	Kind   string     `json:"kind"`
	ReadTS *time.Time `json:"read_ts,omitempty"`
	AckTS  *time.Time `json:"ack_ts,omitempty"`
}

type ReadReceipt struct {
	MessageID int64     `json:"message_id"`
	Read      bool      `json:"read"`
	ReadAt    time.Time `json:"read_at"`
}

type AckReceipt struct {
	MessageID      int64     `json:"message_id"`
	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
	ReadAt         time.Time `json:"read_at"`
}

type Reservation struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	Project     string     `json:"project"`
	AgentName   string     `json:"agent_name"`
	PathPattern string     `json:"path_pattern"`
	Exclusive   bool       `json:"exclusive"`
	Reason      string     `json:"reason"`
	CreatedTS   time.Time  `json:"created_ts"`
	ExpiresTS   time.Time  `json:"expires_ts"`
	ReleasedTS  *time.Time `json:"released_ts,omitempty"`
}

type Holder struct {
	ReservationID int64     `json:"reservation_id"`
	Agent         string    `json:"agent"`
	PathPattern   string    `json:"path_pattern"`
	ExpiresTS     time.Time `json:"expires_ts"`
}

type Conflict struct {
	Path    string   `json:"path"`
	Holders []Holder `json:"holders"`
}

type ReserveRequest struct {
	Agent    string
	Patterns []string
	TTL      time.Duration
	// Shared requests a non-exclusive reservation.
	Shared bool
	Reason string
}

type ReserveResult struct {
	Granted   []Reservation `json:"granted"`
	Conflicts []Conflict    `json:"conflicts"`
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) EnsureProject(ctx context.Context, humanKey string) (Project, error) {
	var out Project
	err := c.do(ctx, "ensure_project", http.MethodPost, "/api/projects/", map[string]string{"human_key": humanKey}, &out)
	return out, err
}

func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var out struct {
		Projects []Project `json:"projects"`
	}
	err := c.do(ctx, "list_projects", http.MethodGet, "/api/projects/", nil, &out)
	return out.Projects, err
}

func (c *Client) RegisterAgent(ctx context.Context, reg Registration) (Agent, error) {
	var out Agent
	err := c.do(ctx, "register_agent", http.MethodPost, c.scoped("/agents"), reg, &out)
	return out, err
}

func (c *Client) CreateIdentity(ctx context.Context, reg Registration) (Agent, error) {
	var out Agent
	err := c.do(ctx, "create_agent_identity", http.MethodPost, c.scoped("/agents/identities"), reg, &out)
	return out, err
}

func (c *Client) Whois(ctx context.Context, agent string) (Agent, error) {
	var out Agent
	err := c.do(ctx, "whois", http.MethodGet, c.scoped("/agents/"+url.PathEscape(agent)), nil, &out)
	return out, err
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	err := c.do(ctx, "list_agents", http.MethodGet, c.scoped("/agents"), nil, &out)
	return out.Agents, err
}

func (c *Client) SendMessage(ctx context.Context, msg Outgoing) (Message, error) {
	var out Message
	err := c.do(ctx, "send_message", http.MethodPost, c.scoped("/messages"), msg, &out)
	return out, err
}

func (c *Client) ReplyMessage(ctx context.Context, messageID int64, reply Reply) (Message, error) {
	var out Message
	err := c.do(ctx, "reply_message", http.MethodPost, c.messagePath(messageID, "/reply"), reply, &out)
	return out, err
}

func (c *Client) GetMessage(ctx context.Context, messageID int64) (Message, error) {
	var out Message
	err := c.do(ctx, "get_message", http.MethodGet, c.messagePath(messageID, ""), nil, &out)
	return out, err
}

func (c *Client) FetchInbox(ctx context.Context, agent string, opts InboxOptions) ([]Message, error) {
	values := url.Values{}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.UrgentOnly {
		values.Set("urgent_only", "true")
	}
	if opts.UnreadOnly {
		values.Set("unread_only", "true")
	}
	if !opts.Since.IsZero() {
		values.Set("since_ts", opts.Since.UTC().Format(time.RFC3339Nano))
	}
	if opts.SkipBodies {
		values.Set("include_bodies", "false")
	}
	path := c.scoped("/agents/" + url.PathEscape(agent) + "/inbox")
	if len(values) > 0 {
		path += "?" + values.Encode()
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, "fetch_inbox", http.MethodGet, path, nil, &out)
	return out.Messages, err
}

func (c *Client) FetchOutbox(ctx context.Context, agent string, limit int) ([]Message, error) {
	path := c.scoped("/agents/" + url.PathEscape(agent) + "/outbox")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, "fetch_outbox", http.MethodGet, path, nil, &out)
	return out.Messages, err
}

func (c *Client) InboxCounts(ctx context.Context, agent string) (InboxCounts, error) {
	var out InboxCounts
	err := c.do(ctx, "inbox_counts", http.MethodGet, c.scoped("/agents/"+url.PathEscape(agent)+"/counts"), nil, &out)
	return out, err
}

func (c *Client) MarkRead(ctx context.Context, agent string, messageID int64) (ReadReceipt, error) {
	var out ReadReceipt
	err := c.do(ctx, "mark_message_read", http.MethodPost, c.messagePath(messageID, "/read"), map[string]string{"agent_name": agent}, &out)
	return out, err
}

func (c *Client) Acknowledge(ctx context.Context, agent string, messageID int64) (AckReceipt, error) {
	var out AckReceipt
	err := c.do(ctx, "acknowledge_message", http.MethodPost, c.messagePath(messageID, "/ack"), map[string]string{"agent_name": agent}, &out)
	return out, err
}

func (c *Client) RecipientStatus(ctx context.Context, messageID int64) ([]Recipient, error) {
	var out struct {
		Recipients []Recipient `json:"recipients"`
	}
	err := c.do(ctx, "recipient_status", http.MethodGet, c.messagePath(messageID, "/recipients"), nil, &out)
	return out.Recipients, err
}

func (c *Client) Thread(ctx context.Context, threadID string, limit int) ([]Message, error) {
	path := c.scoped("/threads/" + url.PathEscape(threadID))
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.do(ctx, "thread", http.MethodGet, path, nil, &out)
	return out.Messages, err
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]Message, error) {
	values := url.Values{"q": {query}}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Results []Message `json:"results"`
	}
	err := c.do(ctx, "search_messages", http.MethodGet, c.scoped("/search?"+values.Encode()), nil, &out)
	return out.Results, err
}

func (c *Client) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	exclusive := !req.Shared
	body := map[string]any{
		"agent_name":  req.Agent,
		"paths":       req.Patterns,
		"ttl_seconds": int(req.TTL / time.Second),
		"exclusive":   exclusive,
		"reason":      req.Reason,
	}
	var out ReserveResult
	err := c.do(ctx, "file_reservation_paths", http.MethodPost, c.scoped("/reservations"), body, &out)
	return out, err
}

func (c *Client) CheckConflicts(ctx context.Context, agent string, patterns []string) ([]Conflict, error) {
	var out struct {
		Conflicts []Conflict `json:"conflicts"`
	}
	body := map[string]any{"agent_name": agent, "paths": patterns}
	err := c.do(ctx, "check_conflicts", http.MethodPost, c.scoped("/reservations/check"), body, &out)
	return out.Conflicts, err
}

// Release releases the named patterns, or every active reservation of
// agent when patterns is empty.
func (c *Client) Release(ctx context.Context, agent string, patterns []string) (int64, error) {
	body := map[string]any{"agent_name": agent, "paths": patterns, "all": len(patterns) == 0}
	var out struct {
		Released int64 `json:"released"`
	}
	err := c.do(ctx, "release_file_reservations", http.MethodPost, c.scoped("/reservations/release"), body, &out)
	return out.Released, err
}

func (c *Client) Renew(ctx context.Context, agent string, patterns []string, extend time.Duration) ([]Reservation, error) {
	body := map[string]any{"agent_name": agent, "paths": patterns, "extend_seconds": int(extend / time.Second)}
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	err := c.do(ctx, "renew_file_reservations", http.MethodPost, c.scoped("/reservations/renew"), body, &out)
	return out.Reservations, err
}

func (c *Client) ListReservations(ctx context.Context, activeOnly bool) ([]Reservation, error) {
	var out struct {
		Reservations []Reservation `json:"reservations"`
	}
	path := c.scoped("/reservations?active=" + strconv.FormatBool(activeOnly))
	err := c.do(ctx, "list_reservations", http.MethodGet, path, nil, &out)
	return out.Reservations, err
}

type Health struct {
	Status  string `json:"status"`
	Circuit string `json:"circuit,omitempty"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	err := c.do(ctx, "health", http.MethodGet, "/health", nil, &out)
	return out, err
}

type SweepResult struct {
	Expired             []Reservation `json:"expired"`
	MessagesDeleted     int64         `json:"messages_deleted"`
	ReservationsDeleted int64         `json:"reservations_deleted"`
}

// Sweep runs one retention pass. The server only accepts it from localhost.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var out SweepResult
	err := c.do(ctx, "sweep", http.MethodPost, "/api/admin/sweep", nil, &out)
	return out, err
}

func (c *Client) scoped(suffix string) string {
	return "/api/projects/" + url.PathEscape(c.Project) + suffix
}

func (c *Client) messagePath(id int64, suffix string) string {
	return c.scoped("/messages/" + strconv.FormatInt(id, 10) + suffix)
}

// do sends payload (when non-nil) and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, op, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return &APIError{Operation: op, Err: err}
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return &APIError{Operation: op, Err: err}
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &APIError{Operation: op, Err: fmt.Errorf("%w: %v", ErrServerUnavailable, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	apiErr := &APIError{Operation: op, StatusCode: resp.StatusCode}
	var envelope struct {
		Error struct {
			Kind        string         `json:"kind"`
			Message     string         `json:"message"`
			Recoverable bool           `json:"recoverable"`
			Data        map[string]any `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil {
		apiErr.Kind = envelope.Error.Kind
		apiErr.Message = envelope.Error.Message
		apiErr.Recoverable = envelope.Error.Recoverable
		apiErr.Data = envelope.Error.Data
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		apiErr.Err = ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		apiErr.Err = ErrUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		apiErr.Err = ErrForbidden
	case resp.StatusCode == http.StatusServiceUnavailable:
		apiErr.Err = ErrServerUnavailable
	case resp.StatusCode == http.StatusBadRequest:
		apiErr.Err = ErrInvalidRequest
	default:
		apiErr.Err = fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return apiErr
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
}
