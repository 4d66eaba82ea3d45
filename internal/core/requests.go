package core

import (
	"strings"
	"time"
)

// BroadcastAlias is the reserved recipient that expands to every other agent.
const BroadcastAlias = "all"

type targetKind int

const (
	targetDirect targetKind = iota
	targetBroadcast
)

// Target is one entry of a send's primary recipient list: either a named
// agent or the broadcast to every other agent in the project.
type Target struct {
	kind targetKind
	name string
}

func Direct(name string) Target { return Target{kind: targetDirect, name: name} }

func Broadcast() Target { return Target{kind: targetBroadcast} }

func (t Target) IsBroadcast() bool { return t.kind == targetBroadcast }

// Name is empty for a broadcast target.
func (t Target) Name() string { return t.name }

func (t Target) String() string {
	if t.IsBroadcast() {
		return BroadcastAlias
	}
	return t.name
}

// ParseTargets turns raw recipient strings into targets, recognising the
// broadcast alias case-insensitively. Blank entries are dropped.
func ParseTargets(entries []string) []Target {
	out := make([]Target, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.EqualFold(e, BroadcastAlias) {
			out = append(out, Broadcast())
			continue
		}
		out = append(out, Direct(e))
	}
	return out
}

type RegisterRequest struct {
	Project         string
	NameHint        string
	Program         string
	Model           string
	TaskDescription string
}

type SendRequest struct {
	Project     string
	Sender      string
	To          []Target
	CC          []string
	BCC         []string
	Subject     string
	Body        string
	ThreadID    string
	Importance  Importance
	AckRequired bool
}

type ReplyRequest struct {
	Project       string
	MessageID     int64
	Sender        string
	Body          string
	To            []string
	CC            []string
	SubjectPrefix string
	Importance    Importance
	AckRequired   bool
}

type InboxQuery struct {
	Project       string
	Agent         string
	Limit         int
	UrgentOnly    bool
	UnreadOnly    bool
	Since         *time.Time
	IncludeBodies bool
}

type ReserveRequest struct {
	Project   string
	Agent     string
	Patterns  []string
	TTL       time.Duration
	Exclusive bool
	Reason    string
}

// ReleaseRequest names either exact patterns or All, never both.
type ReleaseRequest struct {
	Project  string
	Agent    string
	Patterns []string
	All      bool
}

type RenewRequest struct {
	Project  string
	Agent    string
	Patterns []string
	Extend   time.Duration
}
