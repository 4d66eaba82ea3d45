package core

import "time"

type EventType string

const (
	EventMessageCreated     EventType = "message.created"
	EventMessageRead        EventType = "message.read"
	EventMessageAck         EventType = "message.ack"
	EventReservationExpired EventType = "reservation.expired"
)

// DefaultReservationTTL applies when a reservation request carries no TTL.
const DefaultReservationTTL = time.Hour

// MaxRetentionDays bounds the retention horizon to about a century.
const MaxRetentionDays = 36500

// MaxDurationSeconds is the largest whole-second count a time.Duration holds.
const MaxDurationSeconds = int64(1<<63-1) / int64(time.Second)

// DefaultFetchLimit caps inbox, outbox and search results when no limit is given.
const DefaultFetchLimit = 20

// MaxFetchLimit is the largest page any list query returns.
const MaxFetchLimit = 1000

type Importance string

const (
	ImportanceLow    Importance = "low"
	ImportanceNormal Importance = "normal"
	ImportanceHigh   Importance = "high"
	ImportanceUrgent Importance = "urgent"
)

// ParseImportance maps an empty string to normal and rejects unknown levels.
func ParseImportance(s string) (Importance, bool) {
	switch Importance(s) {
	case "":
		return ImportanceNormal, true
	case ImportanceLow, ImportanceNormal, ImportanceHigh, ImportanceUrgent:
		return Importance(s), true
	}
	return "", false
}

type RecipientKind string

const (
	KindTo  RecipientKind = "to"
	KindCC  RecipientKind = "cc"
	KindBCC RecipientKind = "bcc"
)

// AckPolicy decides what a repeated acknowledgement does to ack_ts.
type AckPolicy string

const (
	// AckOverwrite restamps ack_ts on every acknowledgement.
	AckOverwrite AckPolicy = "overwrite"
	// AckWriteOnce keeps the first ack_ts.
	AckWriteOnce AckPolicy = "write_once"
)

type Project struct {
	ID        int64
	Slug      string
	HumanKey  string
	CreatedAt time.Time
}

type Agent struct {
	ID              int64
	ProjectID       int64
	Name            string
	Program         string
	Model           string
	TaskDescription string
	InceptionTS     time.Time
	LastActiveTS    time.Time
}

type Message struct {
	ID          int64
	ProjectID   int64
	SenderID    int64
	From        string
	ThreadID    string
	Subject     string
	Body        string
	To          []string
	CC          []string
	BCC         []string
	Importance  Importance
	AckRequired bool
	CreatedTS   time.Time
}

// InboxMessage is a message as seen by one recipient.
type InboxMessage struct {
	Message
	Kind   RecipientKind
	ReadTS *time.Time
	AckTS  *time.Time
}

type RecipientStatus struct {
	Agent  string
	Kind   RecipientKind
	ReadTS *time.Time
	AckTS  *time.Time
}

type ReadReceipt struct {
	MessageID int64
	Read      bool
	ReadAt    time.Time
}

type AckReceipt struct {
	MessageID    int64
	Acknowledged bool
	AckAt        time.Time
	ReadAt       time.Time
}

type Reservation struct {
	ID          int64
	ProjectID   int64
	Project     string // slug
	AgentID     int64
	AgentName   string
	PathPattern string
	Exclusive   bool
	Reason      string
	CreatedTS   time.Time
	ExpiresTS   time.Time
	ReleasedTS  *time.Time
}

// ActiveAt reports whether the reservation is unreleased and unexpired at now.
func (r Reservation) ActiveAt(now time.Time) bool {
	return r.ReleasedTS == nil && r.ExpiresTS.After(now)
}

// ConflictHolder is another agent's active exclusive reservation that overlaps a request.
type ConflictHolder struct {
	ReservationID int64
	Agent         string
	PathPattern   string
	ExpiresTS     time.Time
}

type Conflict struct {
	Path    string
	Holders []ConflictHolder
}

type ReservationResult struct {
	Granted   []Reservation
	Conflicts []Conflict
}

// SweepResult summarises one retention pass.
type SweepResult struct {
	Expired             []Reservation
	MessagesDeleted     int64
	ReservationsDeleted int64
}

type InboxCounts struct {
	Total  int
	Unread int
	// Pending counts ack-required messages not yet acknowledged.
	Pending int
}
