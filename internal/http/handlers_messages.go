package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mistakeknot/intermail/internal/core"
)

type sendMessageRequest struct {
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

type replyRequest struct {
	Sender        string   `json:"sender_name"`
	BodyMD        string   `json:"body_md"`
	To            []string `json:"to,omitempty"`
	CC            []string `json:"cc,omitempty"`
	SubjectPrefix string   `json:"subject_prefix,omitempty"`
	Importance    string   `json:"importance,omitempty"`
	AckRequired   bool     `json:"ack_required,omitempty"`
}

type actorRequest struct {
	Agent string `json:"agent_name"`
}

type inboxResponse struct {
	Messages []apiMessage `json:"messages"`
}

type readResponse struct {
	MessageID int64     `json:"message_id"`
	Read      bool      `json:"read"`
	ReadAt    time.Time `json:"read_at"`
}

type ackResponse struct {
	MessageID      int64     `json:"message_id"`
	Acknowledged   bool      `json:"acknowledged"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
	ReadAt         time.Time `json:"read_at"`
}

type countsResponse struct {
	Total   int `json:"total"`
	Unread  int `json:"unread"`
	Pending int `json:"pending_ack"`
}

func (s *Service) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p := projectFrom(r)
	msg, err := s.store.SendMessage(r.Context(), core.SendRequest{
		Project:     p.Slug,
		Sender:      req.Sender,
		To:          core.ParseTargets(req.To),
		CC:          req.CC,
		BCC:         req.BCC,
		Subject:     req.Subject,
		Body:        req.BodyMD,
		ThreadID:    req.ThreadID,
		Importance:  core.Importance(strings.ToLower(strings.TrimSpace(req.Importance))),
		AckRequired: req.AckRequired,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.announce(p.Slug, msg)
	writeJSON(w, http.StatusCreated, toAPIMessage(msg))
}

func (s *Service) handleReply(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req replyRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p := projectFrom(r)
	msg, err := s.store.ReplyMessage(r.Context(), core.ReplyRequest{
		Project:       p.Slug,
		MessageID:     id,
		Sender:        req.Sender,
		Body:          req.BodyMD,
		To:            req.To,
		CC:            req.CC,
		SubjectPrefix: req.SubjectPrefix,
		Importance:    core.Importance(strings.ToLower(strings.TrimSpace(req.Importance))),
		AckRequired:   req.AckRequired,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.announce(p.Slug, msg)
	writeJSON(w, http.StatusCreated, toAPIMessage(msg))
}

// announce nudges every recipient of msg. Polling stays authoritative.
func (s *Service) announce(project string, msg core.Message) {
	for _, group := range [][]string{msg.To, msg.CC, msg.BCC} {
		for _, agent := range group {
			s.broadcast(project, agent, map[string]any{
				"type":       string(core.EventMessageCreated),
				"project":    project,
				"message_id": msg.ID,
				"from":       msg.From,
				"agent":      agent,
				"importance": string(msg.Importance),
			})
		}
	}
}

func (s *Service) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	msg, err := s.store.GetMessage(r.Context(), projectFrom(r).Slug, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIMessage(msg))
}

func (s *Service) handleInbox(w http.ResponseWriter, r *http.Request) {
	q, err := inboxQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q.Project = projectFrom(r).Slug
	q.Agent = chi.URLParam(r, "agent")
	msgs, err := s.store.FetchInbox(r.Context(), q)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inboxResponse{Messages: toAPIInbox(msgs)})
}

// inboxQuery parses limit, urgent_only, unread_only, since_ts and
// include_bodies. Bodies are included unless asked otherwise.
func inboxQuery(r *http.Request) (core.InboxQuery, error) {
	var (
		q   core.InboxQuery
		err error
	)
	if q.Limit, err = queryInt(r, "limit"); err != nil {
		return q, err
	}
	if q.UrgentOnly, err = queryBool(r, "urgent_only", false); err != nil {
		return q, err
	}
	if q.UnreadOnly, err = queryBool(r, "unread_only", false); err != nil {
		return q, err
	}
	if q.IncludeBodies, err = queryBool(r, "include_bodies", true); err != nil {
		return q, err
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("since_ts")); raw != "" {
		since, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return q, core.Invalid("since_ts must be an ISO-8601 timestamp, got %q", raw)
		}
		q.Since = &since
	}
	return q, nil
}

func (s *Service) handleOutbox(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.store.FetchOutbox(r.Context(), projectFrom(r).Slug, chi.URLParam(r, "agent"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inboxResponse{Messages: toAPIMessages(msgs)})
}

func (s *Service) handleInboxCounts(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.InboxCounts(r.Context(), projectFrom(r).Slug, chi.URLParam(r, "agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, countsResponse{Total: c.Total, Unread: c.Unread, Pending: c.Pending})
}

func (s *Service) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.messageAction(w, r)
	if !ok {
		return
	}
	p := projectFrom(r)
	receipt, err := s.store.MarkRead(r.Context(), p.Slug, req.Agent, id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notifySender(r.Context(), p.Slug, id, core.EventMessageRead, req.Agent)
	writeJSON(w, http.StatusOK, readResponse{MessageID: receipt.MessageID, Read: receipt.Read, ReadAt: receipt.ReadAt})
}

func (s *Service) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, req, ok := s.messageAction(w, r)
	if !ok {
		return
	}
	p := projectFrom(r)
	receipt, err := s.store.Acknowledge(r.Context(), p.Slug, req.Agent, id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notifySender(r.Context(), p.Slug, id, core.EventMessageAck, req.Agent)
	writeJSON(w, http.StatusOK, ackResponse{
		MessageID:      receipt.MessageID,
		Acknowledged:   receipt.Acknowledged,
		AcknowledgedAt: receipt.AckAt,
		ReadAt:         receipt.ReadAt,
	})
}

func (s *Service) messageAction(w http.ResponseWriter, r *http.Request) (int64, actorRequest, bool) {
	var req actorRequest
	id, err := pathID(r, "id")
	if err == nil {
		err = decode(w, r, &req)
	}
	if err != nil {
		writeError(w, err)
		return 0, req, false
	}
	return id, req, true
}

// notifySender tells the original sender that a receipt changed.
func (s *Service) notifySender(ctx context.Context, project string, id int64, ev core.EventType, agent string) {
	if s.bus == nil {
		return
	}
	msg, err := s.store.GetMessage(ctx, project, id)
	if err != nil {
		s.log.Debug().Err(err).Int64("message_id", id).Msg("skip receipt nudge")
		return
	}
	s.broadcast(project, msg.From, map[string]any{
		"type":       string(ev),
		"project":    project,
		"message_id": id,
		"agent":      agent,
	})
}
