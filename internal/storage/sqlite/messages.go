package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/metrics"
)

const messageColumns = `m.id, m.project_id, m.sender_id, s.name, COALESCE(m.thread_id, ''), m.subject, m.body, m.importance, m.ack_required, m.created_ts`

const defaultReplyPrefix = "Re:"

type recipient struct {
	agent core.Agent
	kind  core.RecipientKind
}

// recipientSet keeps one entry per agent. A stronger kind replaces a weaker
// one: to beats cc, cc beats bcc.
type recipientSet struct {
	order []int64
	byID  map[int64]*recipient
}

func newRecipientSet() *recipientSet {
	return &recipientSet{byID: make(map[int64]*recipient)}
}

var kindRank = map[core.RecipientKind]int{core.KindTo: 3, core.KindCC: 2, core.KindBCC: 1}

func (rs *recipientSet) add(a core.Agent, kind core.RecipientKind) {
	if r, ok := rs.byID[a.ID]; ok {
		if kindRank[kind] > kindRank[r.kind] {
			r.kind = kind
		}
		return
	}
	rs.order = append(rs.order, a.ID)
	rs.byID[a.ID] = &recipient{agent: a, kind: kind}
}

func (rs *recipientSet) list() []recipient {
	out := make([]recipient, 0, len(rs.order))
	for _, id := range rs.order {
		out = append(out, *rs.byID[id])
	}
	return out
}

// SendMessage delivers one message to every resolved recipient in a single
// transaction. Any unknown recipient aborts the whole send.
func (s *Store) SendMessage(ctx context.Context, req core.SendRequest) (core.Message, error) {
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		return core.Message{}, core.Invalid("subject is required")
	}
	importance, ok := core.ParseImportance(string(req.Importance))
	if !ok {
		return core.Message{}, core.Invalid("unknown importance %q", req.Importance)
	}

	p, err := s.resolveProject(ctx, s.db, req.Project)
	if err != nil {
		return core.Message{}, err
	}
	sender, err := s.resolveAgent(ctx, s.db, p.ID, req.Sender)
	if err != nil {
		return core.Message{}, err
	}
	recipients, err := s.expandRecipients(ctx, p.ID, sender.ID, req)
	if err != nil {
		return core.Message{}, err
	}
	if len(recipients) == 0 {
		return core.Message{}, core.NoRecipients()
	}

	now := s.clock()
	msg := core.Message{
		ProjectID:   p.ID,
		SenderID:    sender.ID,
		From:        sender.Name,
		ThreadID:    strings.TrimSpace(req.ThreadID),
		Subject:     subject,
		Body:        req.Body,
		Importance:  importance,
		AckRequired: req.AckRequired,
		CreatedTS:   parseTS(formatTS(now)),
	}
	var thread any
	if msg.ThreadID != "" {
		thread = msg.ThreadID
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO messages (project_id, sender_id, thread_id, subject, body, importance, ack_required, created_ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, sender.ID, thread, msg.Subject, msg.Body, string(importance), boolInt(msg.AckRequired), formatTS(now))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if msg.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		for _, r := range recipients {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO message_recipients (message_id, agent_id, kind) VALUES (?, ?, ?)`,
				msg.ID, r.agent.ID, string(r.kind)); err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
		}
		return s.touchAgent(ctx, tx, &sender)
	})
	if err != nil {
		return core.Message{}, core.Failed(core.KindMessageCreateFailed, err)
	}

	for _, r := range recipients {
		switch r.kind {
		case core.KindTo:
			msg.To = append(msg.To, r.agent.Name)
		case core.KindCC:
			msg.CC = append(msg.CC, r.agent.Name)
		case core.KindBCC:
			msg.BCC = append(msg.BCC, r.agent.Name)
		}
		metrics.RecipientsDelivered.WithLabelValues(string(r.kind)).Inc()
	}
	metrics.MessagesSent.WithLabelValues(string(importance)).Inc()

	s.log.Debug().
		Int64("message_id", msg.ID).
		Str("project", p.Slug).
		Str("from", sender.Name).
		Int("recipients", len(recipients)).
		Msg("message sent")
	return msg, nil
}

func (s *Store) expandRecipients(ctx context.Context, projectID, senderID int64, req core.SendRequest) ([]recipient, error) {
	set := newRecipientSet()
	var everyone []core.Agent

	for _, t := range req.To {
		if t.IsBroadcast() {
			if everyone == nil {
				all, err := s.projectAgents(ctx, projectID)
				if err != nil {
					return nil, err
				}
				everyone = all
			}
			for _, a := range everyone {
				if a.ID != senderID {
					set.add(a, core.KindTo)
				}
			}
			continue
		}
		a, err := s.resolveAgent(ctx, s.db, projectID, t.Name())
		if err != nil {
			return nil, err
		}
		set.add(a, core.KindTo)
	}

	for _, group := range []struct {
		names []string
		kind  core.RecipientKind
	}{{req.CC, core.KindCC}, {req.BCC, core.KindBCC}} {
		for _, name := range group.names {
			if strings.TrimSpace(name) == "" {
				continue
			}
			a, err := s.resolveAgent(ctx, s.db, projectID, name)
			if err != nil {
				return nil, err
			}
			set.add(a, group.kind)
		}
	}
	return set.list(), nil
}

func (s *Store) projectAgents(ctx context.Context, projectID int64) ([]core.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("query agents: %w", err))
	}
	defer rows.Close()
	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("scan agent: %w", err))
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("rows: %w", err))
	}
	return out, nil
}

// ReplyMessage answers an existing message. Recipients default to the
// original sender and the thread is inherited, or started at the original.
func (s *Store) ReplyMessage(ctx context.Context, req core.ReplyRequest) (core.Message, error) {
	orig, err := s.GetMessage(ctx, req.Project, req.MessageID)
	if err != nil {
		return core.Message{}, err
	}

	prefix := strings.TrimSpace(req.SubjectPrefix)
	if prefix == "" {
		prefix = defaultReplyPrefix
	}
	subject := orig.Subject
	if !strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		subject = prefix + " " + subject
	}

	thread := orig.ThreadID
	if thread == "" {
		thread = strconv.FormatInt(orig.ID, 10)
	}
	importance := req.Importance
	if importance == "" {
		importance = orig.Importance
	}
	to := req.To
	if len(to) == 0 {
		to = []string{orig.From}
	}

	return s.SendMessage(ctx, core.SendRequest{
		Project:     req.Project,
		Sender:      req.Sender,
		To:          core.ParseTargets(to),
		CC:          req.CC,
		Subject:     subject,
		Body:        req.Body,
		ThreadID:    thread,
		Importance:  importance,
		AckRequired: req.AckRequired || orig.AckRequired,
	})
}

// GetMessage returns one message of the project. Blind copies are not listed.
func (s *Store) GetMessage(ctx context.Context, project string, messageID int64) (core.Message, error) {
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return core.Message{}, err
	}
	m, err := s.messageByID(ctx, s.db, p.ID, messageID)
	if err != nil {
		return core.Message{}, err
	}
	if err := s.attachRecipients(ctx, []*core.Message{&m}, false); err != nil {
		return core.Message{}, err
	}
	return m, nil
}

func (s *Store) messageByID(ctx context.Context, q queryer, projectID, messageID int64) (core.Message, error) {
	m, err := scanMessage(q.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages m JOIN agents s ON s.id = m.sender_id
		 WHERE m.id = ? AND m.project_id = ?`, messageID, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Message{}, core.NotFound(core.KindMessageNotFound,
			fmt.Sprintf("message %d not found", messageID), nil)
	}
	if err != nil {
		return core.Message{}, core.Failed(core.KindStoreFailed, fmt.Errorf("lookup message: %w", err))
	}
	return m, nil
}

// FetchInbox lists messages addressed to the agent, newest first. Filters
// combine as a conjunction.
func (s *Store) FetchInbox(ctx context.Context, q core.InboxQuery) ([]core.InboxMessage, error) {
	p, err := s.resolveProject(ctx, s.db, q.Project)
	if err != nil {
		return nil, err
	}
	agent, err := s.resolveAgent(ctx, s.db, p.ID, q.Agent)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + messageColumns + `, mr.kind, mr.read_ts, mr.ack_ts
		FROM message_recipients mr
		JOIN messages m ON m.id = mr.message_id
		JOIN agents s ON s.id = m.sender_id
		WHERE mr.agent_id = ? AND m.project_id = ?`
	args := []any{agent.ID, p.ID}
	if q.UrgentOnly {
		query += ` AND m.importance IN ('high', 'urgent')`
	}
	if q.UnreadOnly {
		query += ` AND mr.read_ts IS NULL`
	}
	if q.Since != nil {
		query += ` AND m.created_ts > ?`
		args = append(args, formatTS(*q.Since))
	}
	query += ` ORDER BY m.created_ts DESC, m.id DESC LIMIT ?`
	args = append(args, clampLimit(q.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("query inbox: %w", err))
	}
	var out []core.InboxMessage
	for rows.Next() {
		var (
			im         core.InboxMessage
			kind       string
			read, ackd sql.NullString
		)
		dest := append(messageDest(&im.Message), &kind, &read, &ackd)
		if err := rows.Scan(dest...); err != nil {
			rows.Close()
			return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("scan inbox: %w", err))
		}
		finishMessage(&im.Message)
		im.Kind = core.RecipientKind(kind)
		im.ReadTS = parseNullTS(read)
		im.AckTS = parseNullTS(ackd)
		if !q.IncludeBodies {
			im.Body = ""
		}
		out = append(out, im)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("rows: %w", err))
	}

	ptrs := make([]*core.Message, len(out))
	for i := range out {
		ptrs[i] = &out[i].Message
	}
	if err := s.attachRecipients(ctx, ptrs, false); err != nil {
		return nil, err
	}
	if err := s.touchAgent(ctx, s.db, &agent); err != nil {
		return nil, err
	}
	return out, nil
}

// FetchOutbox lists messages the agent sent, newest first, including blind
// copies.
func (s *Store) FetchOutbox(ctx context.Context, project, agentName string, limit int) ([]core.Message, error) {
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return nil, err
	}
	agent, err := s.resolveAgent(ctx, s.db, p.ID, agentName)
	if err != nil {
		return nil, err
	}
	out, err := s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m JOIN agents s ON s.id = m.sender_id
		 WHERE m.project_id = ? AND m.sender_id = ?
		 ORDER BY m.created_ts DESC, m.id DESC LIMIT ?`,
		p.ID, agent.ID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if err := s.attachRecipients(ctx, pointers(out), true); err != nil {
		return nil, err
	}
	if err := s.touchAgent(ctx, s.db, &agent); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead stamps read_ts once. Later calls return the first timestamp.
func (s *Store) MarkRead(ctx context.Context, project, agentName string, messageID int64) (core.ReadReceipt, error) {
	agent, err := s.resolveRecipient(ctx, project, agentName, messageID)
	if err != nil {
		return core.ReadReceipt{}, err
	}

	var readAt sql.NullString
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE message_recipients SET read_ts = COALESCE(read_ts, ?)
			 WHERE message_id = ? AND agent_id = ?`,
			formatTS(s.clock()), messageID, agent.ID)
		if err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.NotRecipient(agent.Name, messageID)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT read_ts FROM message_recipients WHERE message_id = ? AND agent_id = ?`,
			messageID, agent.ID).Scan(&readAt); err != nil {
			return fmt.Errorf("reload read_ts: %w", err)
		}
		return s.touchAgent(ctx, tx, &agent)
	})
	if err != nil {
		return core.ReadReceipt{}, storeErr(core.KindStoreFailed, err)
	}
	return core.ReadReceipt{MessageID: messageID, Read: true, ReadAt: *parseNullTS(readAt)}, nil
}

// Acknowledge stamps ack_ts, and read_ts if it is still empty. Whether a
// repeat acknowledgement moves ack_ts is the store's ack policy.
func (s *Store) Acknowledge(ctx context.Context, project, agentName string, messageID int64) (core.AckReceipt, error) {
	agent, err := s.resolveRecipient(ctx, project, agentName, messageID)
	if err != nil {
		return core.AckReceipt{}, err
	}

	ackExpr := `?`
	if s.ackPolicy == core.AckWriteOnce {
		ackExpr = `COALESCE(ack_ts, ?)`
	}
	now := formatTS(s.clock())

	var readAt, ackAt sql.NullString
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE message_recipients SET read_ts = COALESCE(read_ts, ?), ack_ts = `+ackExpr+`
			 WHERE message_id = ? AND agent_id = ?`,
			now, now, messageID, agent.ID)
		if err != nil {
			return fmt.Errorf("acknowledge: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return core.NotRecipient(agent.Name, messageID)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT read_ts, ack_ts FROM message_recipients WHERE message_id = ? AND agent_id = ?`,
			messageID, agent.ID).Scan(&readAt, &ackAt); err != nil {
			return fmt.Errorf("reload ack: %w", err)
		}
		return s.touchAgent(ctx, tx, &agent)
	})
	if err != nil {
		return core.AckReceipt{}, storeErr(core.KindStoreFailed, err)
	}
	return core.AckReceipt{
		MessageID:    messageID,
		Acknowledged: true,
		AckAt:        *parseNullTS(ackAt),
		ReadAt:       *parseNullTS(readAt),
	}, nil
}

// resolveRecipient checks project, agent and message in that order so that
// a missing message is reported before a missing recipient row.
func (s *Store) resolveRecipient(ctx context.Context, project, agentName string, messageID int64) (core.Agent, error) {
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return core.Agent{}, err
	}
	agent, err := s.resolveAgent(ctx, s.db, p.ID, agentName)
	if err != nil {
		return core.Agent{}, err
	}
	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM messages WHERE id = ? AND project_id = ?`, messageID, p.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, core.NotFound(core.KindMessageNotFound,
			fmt.Sprintf("message %d not found", messageID), nil)
	}
	if err != nil {
		return core.Agent{}, core.Failed(core.KindStoreFailed, fmt.Errorf("lookup message: %w", err))
	}
	return agent, nil
}

// ThreadMessages returns a thread oldest first. The message whose id is the
// thread id is its root. limit <= 0 returns the whole thread.
func (s *Store) ThreadMessages(ctx context.Context, project, threadID string, limit int) ([]core.Message, error) {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, core.Invalid("thread id is required")
	}
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return nil, err
	}
	rootID := int64(-1)
	if id, err := strconv.ParseInt(threadID, 10, 64); err == nil {
		rootID = id
	}
	query := `SELECT ` + messageColumns + ` FROM messages m JOIN agents s ON s.id = m.sender_id
		WHERE m.project_id = ? AND (m.thread_id = ? OR m.id = ?)
		ORDER BY m.created_ts ASC, m.id ASC`
	args := []any{p.ID, threadID, rootID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	out, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if err := s.attachRecipients(ctx, pointers(out), false); err != nil {
		return nil, err
	}
	return out, nil
}

// RecipientStatus reports read and ack state for every recipient of a message.
func (s *Store) RecipientStatus(ctx context.Context, project string, messageID int64) ([]core.RecipientStatus, error) {
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return nil, err
	}
	if _, err := s.messageByID(ctx, s.db, p.ID, messageID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.name, mr.kind, mr.read_ts, mr.ack_ts
		 FROM message_recipients mr JOIN agents a ON a.id = mr.agent_id
		 WHERE mr.message_id = ? ORDER BY mr.rowid`, messageID)
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("query recipients: %w", err))
	}
	defer rows.Close()
	var out []core.RecipientStatus
	for rows.Next() {
		var (
			st         core.RecipientStatus
			kind       string
			read, ackd sql.NullString
		)
		if err := rows.Scan(&st.Agent, &kind, &read, &ackd); err != nil {
			return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("scan recipient: %w", err))
		}
		st.Kind = core.RecipientKind(kind)
		st.ReadTS = parseNullTS(read)
		st.AckTS = parseNullTS(ackd)
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("rows: %w", err))
	}
	return out, nil
}

// InboxCounts totals the agent's inbox.
func (s *Store) InboxCounts(ctx context.Context, project, agentName string) (core.InboxCounts, error) {
	p, err := s.resolveProject(ctx, s.db, project)
	if err != nil {
		return core.InboxCounts{}, err
	}
	agent, err := s.resolveAgent(ctx, s.db, p.ID, agentName)
	if err != nil {
		return core.InboxCounts{}, err
	}
	var c core.InboxCounts
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN mr.read_ts IS NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN m.ack_required = 1 AND mr.ack_ts IS NULL THEN 1 ELSE 0 END), 0)
		 FROM message_recipients mr JOIN messages m ON m.id = mr.message_id
		 WHERE mr.agent_id = ? AND m.project_id = ?`, agent.ID, p.ID).Scan(&c.Total, &c.Unread, &c.Pending)
	if err != nil {
		return core.InboxCounts{}, core.Failed(core.KindStoreFailed, fmt.Errorf("count inbox: %w", err))
	}
	return c, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("query messages: %w", err))
	}
	defer rows.Close()
	var out []core.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("scan message: %w", err))
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Failed(core.KindStoreFailed, fmt.Errorf("rows: %w", err))
	}
	return out, nil
}

// attachRecipients derives the to/cc (and optionally bcc) display lists
// from recipient rows.
func (s *Store) attachRecipients(ctx context.Context, msgs []*core.Message, withBCC bool) error {
	if len(msgs) == 0 {
		return nil
	}
	byID := make(map[int64]*core.Message, len(msgs))
	args := make([]any, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := byID[m.ID]; dup {
			continue
		}
		byID[m.ID] = m
		args = append(args, m.ID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT mr.message_id, a.name, mr.kind
		 FROM message_recipients mr JOIN agents a ON a.id = mr.agent_id
		 WHERE mr.message_id IN (`+placeholders(len(args))+`)
		 ORDER BY mr.message_id, mr.rowid`, args...)
	if err != nil {
		return core.Failed(core.KindStoreFailed, fmt.Errorf("query recipients: %w", err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id         int64
			name, kind string
		)
		if err := rows.Scan(&id, &name, &kind); err != nil {
			return core.Failed(core.KindStoreFailed, fmt.Errorf("scan recipient: %w", err))
		}
		m := byID[id]
		switch core.RecipientKind(kind) {
		case core.KindTo:
			m.To = append(m.To, name)
		case core.KindCC:
			m.CC = append(m.CC, name)
		case core.KindBCC:
			if withBCC {
				m.BCC = append(m.BCC, name)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return core.Failed(core.KindStoreFailed, fmt.Errorf("rows: %w", err))
	}
	return nil
}

func messageDest(m *core.Message) []any {
	return []any{&m.ID, &m.ProjectID, &m.SenderID, &m.From, &m.ThreadID, &m.Subject, &m.Body,
		(*string)(&m.Importance), scanBool{dst: &m.AckRequired}, scanTS{dst: &m.CreatedTS}}
}

// finishMessage fills defaults after a scan.
func finishMessage(m *core.Message) {
	if m.Importance == "" {
		m.Importance = core.ImportanceNormal
	}
}

func scanMessage(row rowScanner) (core.Message, error) {
	var m core.Message
	if err := row.Scan(messageDest(&m)...); err != nil {
		return core.Message{}, err
	}
	finishMessage(&m)
	return m, nil
}

func pointers(msgs []core.Message) []*core.Message {
	out := make([]*core.Message, len(msgs))
	for i := range msgs {
		out[i] = &msgs[i]
	}
	return out
}

// storeErr passes domain failures through and wraps everything else.
func storeErr(kind core.ErrorKind, err error) error {
	if e, ok := core.AsError(err); ok {
		return e
	}
	return core.Failed(kind, err)
}
