package storage

import (
	"context"

	"github.com/mistakeknot/intermail/internal/core"
)

// Store is the coordination state engine consumed by the request boundary.
// Every failure it returns is a *core.Error.
type Store interface {
	// Project registry
	EnsureProject(ctx context.Context, humanKey string) (core.Project, error)
	GetProject(ctx context.Context, slugOrKey string) (core.Project, error)
	ListProjects(ctx context.Context) ([]core.Project, error)
	DeleteProject(ctx context.Context, slugOrKey string) error

	// Agent directory
	RegisterAgent(ctx context.Context, req core.RegisterRequest) (core.Agent, error)
	CreateAgentIdentity(ctx context.Context, req core.RegisterRequest) (core.Agent, error)
	GetAgent(ctx context.Context, project, name string) (core.Agent, error)
	ListAgents(ctx context.Context, project string) ([]core.Agent, error)

	// Message engine
	SendMessage(ctx context.Context, req core.SendRequest) (core.Message, error)
	ReplyMessage(ctx context.Context, req core.ReplyRequest) (core.Message, error)
	GetMessage(ctx context.Context, project string, messageID int64) (core.Message, error)
	FetchInbox(ctx context.Context, q core.InboxQuery) ([]core.InboxMessage, error)
	FetchOutbox(ctx context.Context, project, agent string, limit int) ([]core.Message, error)
	MarkRead(ctx context.Context, project, agent string, messageID int64) (core.ReadReceipt, error)
	Acknowledge(ctx context.Context, project, agent string, messageID int64) (core.AckReceipt, error)
	ThreadMessages(ctx context.Context, project, threadID string, limit int) ([]core.Message, error)
	RecipientStatus(ctx context.Context, project string, messageID int64) ([]core.RecipientStatus, error)
	InboxCounts(ctx context.Context, project, agent string) (core.InboxCounts, error)

	// Search engine
	Search(ctx context.Context, project, query string, limit int) ([]core.Message, error)

	// Reservation engine
	Reserve(ctx context.Context, req core.ReserveRequest) (core.ReservationResult, error)
	CheckConflicts(ctx context.Context, project, agent string, patterns []string) ([]core.Conflict, error)
	ReleaseReservations(ctx context.Context, req core.ReleaseRequest) (int64, error)
	RenewReservations(ctx context.Context, req core.RenewRequest) ([]core.Reservation, error)
	ListReservations(ctx context.Context, project string, activeOnly bool) ([]core.Reservation, error)

	// Retention
	Sweep(ctx context.Context, retentionDays int) (core.SweepResult, error)

	Close() error
}
