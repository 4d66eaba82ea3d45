package httpapi

import (
	"time"

	"github.com/mistakeknot/intermail/internal/core"
)

// Wire types. Timestamps are encoded by encoding/json as RFC 3339 in UTC.

type apiProject struct {
	ID        int64     `json:"id"`
	Slug      string    `json:"slug"`
	HumanKey  string    `json:"human_key"`
	CreatedAt time.Time `json:"created_at"`
}

type apiAgent struct {
	ID              int64     `json:"id"`
	ProjectID       int64     `json:"project_id"`
	Name            string    `json:"name"`
	Program         string    `json:"program"`
	Model           string    `json:"model"`
	TaskDescription string    `json:"task_description"`
	InceptionTS     time.Time `json:"inception_ts"`
	LastActiveTS    time.Time `json:"last_active_ts"`
}

type apiMessage struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	SenderID    int64      `json:"sender_id"`
	ThreadID    *string    `json:"thread_id,omitempty"`
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

type apiRecipient struct {
	Agent  string     `json:"agent"`
	Kind   string     `json:"kind"`
	ReadTS *time.Time `json:"read_ts,omitempty"`
	AckTS  *time.Time `json:"ack_ts,omitempty"`
}

type apiReservation struct {
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

type apiHolder struct {
	ReservationID int64     `json:"reservation_id"`
	Agent         string    `json:"agent"`
	PathPattern   string    `json:"path_pattern"`
	ExpiresTS     time.Time `json:"expires_ts"`
}

type apiConflict struct {
	Path    string      `json:"path"`
	Holders []apiHolder `json:"holders"`
}

func toAPIProject(p core.Project) apiProject {
	return apiProject{ID: p.ID, Slug: p.Slug, HumanKey: p.HumanKey, CreatedAt: p.CreatedAt}
}

func toAPIProjects(ps []core.Project) []apiProject {
	out := make([]apiProject, 0, len(ps))
	for _, p := range ps {
		out = append(out, toAPIProject(p))
	}
	return out
}

func toAPIAgent(a core.Agent) apiAgent {
	return apiAgent{
		ID:              a.ID,
		ProjectID:       a.ProjectID,
		Name:            a.Name,
		Program:         a.Program,
		Model:           a.Model,
		TaskDescription: a.TaskDescription,
		InceptionTS:     a.InceptionTS,
		LastActiveTS:    a.LastActiveTS,
	}
}

func toAPIMessage(m core.Message) apiMessage {
	out := apiMessage{
		ID:          m.ID,
		ProjectID:   m.ProjectID,
		SenderID:    m.SenderID,
		Subject:     m.Subject,
		BodyMD:      m.Body,
		From:        m.From,
		To:          nonNil(m.To),
		CC:          m.CC,
		BCC:         m.BCC,
		Importance:  string(m.Importance),
		AckRequired: m.AckRequired,
		CreatedTS:   m.CreatedTS,
	}
	if m.ThreadID != "" {
		thread := m.ThreadID
		out.ThreadID = &thread
	}
	return out
}

func toAPIMessages(ms []core.Message) []apiMessage {
	out := make([]apiMessage, 0, len(ms))
	for _, m := range ms {
		out = append(out, toAPIMessage(m))
	}
	return out
}

func toAPIInbox(ms []core.InboxMessage) []apiMessage {
	out := make([]apiMessage, 0, len(ms))
	for _, m := range ms {
		am := toAPIMessage(m.Message)
		am.Kind = string(m.Kind)
		am.ReadTS = m.ReadTS
		am.AckTS = m.AckTS
		out = append(out, am)
	}
	return out
}

func toAPIReservation(r core.Reservation) apiReservation {
	return apiReservation{
		ID:          r.ID,
		ProjectID:   r.ProjectID,
		Project:     r.Project,
		AgentName:   r.AgentName,
		PathPattern: r.PathPattern,
		Exclusive:   r.Exclusive,
		Reason:      r.Reason,
		CreatedTS:   r.CreatedTS,
		ExpiresTS:   r.ExpiresTS,
		ReleasedTS:  r.ReleasedTS,
	}
}

func toAPIReservations(rs []core.Reservation) []apiReservation {
	out := make([]apiReservation, 0, len(rs))
	for _, r := range rs {
		out = append(out, toAPIReservation(r))
	}
	return out
}

func toAPIConflicts(cs []core.Conflict) []apiConflict {
	out := make([]apiConflict, 0, len(cs))
	for _, c := range cs {
		holders := make([]apiHolder, 0, len(c.Holders))
		for _, h := range c.Holders {
			holders = append(holders, apiHolder{
				ReservationID: h.ReservationID,
				Agent:         h.Agent,
				PathPattern:   h.PathPattern,
				ExpiresTS:     h.ExpiresTS,
			})
		}
		out = append(out, apiConflict{Path: c.Path, Holders: holders})
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
