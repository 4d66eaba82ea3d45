package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/metrics"
	"github.com/mistakeknot/intermail/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with a CircuitBreaker around
// RetryOnDBLock. A lock that outlasts the retry budget surfaces as
// STORE_BUSY and an open circuit as STORE_UNAVAILABLE, both recoverable.
// Domain failures pass through untouched and never trip the breaker.
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
	retry RetryConfig
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return NewResilientWithBreaker(inner, NewCircuitBreaker(5, 30*time.Second))
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	cb.SetTrips(isStoreFailure)
	log := inner.log
	cb.OnStateChange(func(from, to BreakerState) {
		metrics.CircuitState.Set(float64(to))
		ev := log.Info()
		if to == StateOpen {
			ev = log.Error()
		}
		ev.Str("from", from.String()).Str("to", to.String()).Msg("store circuit breaker")
	})
	retry := DefaultRetryConfig()
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		metrics.StoreRetries.Inc()
		log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("database locked, retrying")
	}
	return &ResilientStore{inner: inner, cb: cb, retry: retry}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

// Inner exposes the wrapped store, e.g. for the sweeper.
func (r *ResilientStore) Inner() *Store { return r.inner }

// Logger returns the store's logger.
func (r *ResilientStore) Logger() zerolog.Logger { return r.inner.Logger() }

// isStoreFailure counts everything except recoverable domain errors.
func isStoreFailure(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := core.AsError(err); ok && e.Recoverable {
		return false
	}
	return true
}

func (r *ResilientStore) guard(ctx context.Context, fn func() error) error {
	err := r.cb.Execute(func() error {
		return RetryOnDBLock(ctx, r.retry, fn)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCircuitOpen):
		return core.Unavailable(err)
	case isDBLocked(err):
		metrics.StoreBusy.Inc()
		return core.Busy(err)
	}
	return err
}

func call[T any](r *ResilientStore, ctx context.Context, fn func() (T, error)) (T, error) {
	var out T
	err := r.guard(ctx, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *ResilientStore) EnsureProject(ctx context.Context, humanKey string) (core.Project, error) {
	return call(r, ctx, func() (core.Project, error) { return r.inner.EnsureProject(ctx, humanKey) })
}

func (r *ResilientStore) GetProject(ctx context.Context, slugOrKey string) (core.Project, error) {
	return call(r, ctx, func() (core.Project, error) { return r.inner.GetProject(ctx, slugOrKey) })
}

func (r *ResilientStore) ListProjects(ctx context.Context) ([]core.Project, error) {
	return call(r, ctx, func() ([]core.Project, error) { return r.inner.ListProjects(ctx) })
}

func (r *ResilientStore) DeleteProject(ctx context.Context, slugOrKey string) error {
	return r.guard(ctx, func() error { return r.inner.DeleteProject(ctx, slugOrKey) })
}

func (r *ResilientStore) RegisterAgent(ctx context.Context, req core.RegisterRequest) (core.Agent, error) {
	return call(r, ctx, func() (core.Agent, error) { return r.inner.RegisterAgent(ctx, req) })
}

func (r *ResilientStore) CreateAgentIdentity(ctx context.Context, req core.RegisterRequest) (core.Agent, error) {
	return call(r, ctx, func() (core.Agent, error) { return r.inner.CreateAgentIdentity(ctx, req) })
}

func (r *ResilientStore) GetAgent(ctx context.Context, project, name string) (core.Agent, error) {
	return call(r, ctx, func() (core.Agent, error) { return r.inner.GetAgent(ctx, project, name) })
}

func (r *ResilientStore) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	return call(r, ctx, func() ([]core.Agent, error) { return r.inner.ListAgents(ctx, project) })
}

func (r *ResilientStore) SendMessage(ctx context.Context, req core.SendRequest) (core.Message, error) {
	return call(r, ctx, func() (core.Message, error) { return r.inner.SendMessage(ctx, req) })
}

func (r *ResilientStore) ReplyMessage(ctx context.Context, req core.ReplyRequest) (core.Message, error) {
	return call(r, ctx, func() (core.Message, error) { return r.inner.ReplyMessage(ctx, req) })
}

func (r *ResilientStore) GetMessage(ctx context.Context, project string, messageID int64) (core.Message, error) {
	return call(r, ctx, func() (core.Message, error) { return r.inner.GetMessage(ctx, project, messageID) })
}

func (r *ResilientStore) FetchInbox(ctx context.Context, q core.InboxQuery) ([]core.InboxMessage, error) {
	return call(r, ctx, func() ([]core.InboxMessage, error) { return r.inner.FetchInbox(ctx, q) })
}

func (r *ResilientStore) FetchOutbox(ctx context.Context, project, agent string, limit int) ([]core.Message, error) {
	return call(r, ctx, func() ([]core.Message, error) { return r.inner.FetchOutbox(ctx, project, agent, limit) })
}

func (r *ResilientStore) MarkRead(ctx context.Context, project, agent string, messageID int64) (core.ReadReceipt, error) {
	return call(r, ctx, func() (core.ReadReceipt, error) { return r.inner.MarkRead(ctx, project, agent, messageID) })
}

func (r *ResilientStore) Acknowledge(ctx context.Context, project, agent string, messageID int64) (core.AckReceipt, error) {
	return call(r, ctx, func() (core.AckReceipt, error) { return r.inner.Acknowledge(ctx, project, agent, messageID) })
}

func (r *ResilientStore) ThreadMessages(ctx context.Context, project, threadID string, limit int) ([]core.Message, error) {
	return call(r, ctx, func() ([]core.Message, error) { return r.inner.ThreadMessages(ctx, project, threadID, limit) })
}

func (r *ResilientStore) RecipientStatus(ctx context.Context, project string, messageID int64) ([]core.RecipientStatus, error) {
	return call(r, ctx, func() ([]core.RecipientStatus, error) { return r.inner.RecipientStatus(ctx, project, messageID) })
}

func (r *ResilientStore) InboxCounts(ctx context.Context, project, agent string) (core.InboxCounts, error) {
	return call(r, ctx, func() (core.InboxCounts, error) { return r.inner.InboxCounts(ctx, project, agent) })
}

func (r *ResilientStore) Search(ctx context.Context, project, query string, limit int) ([]core.Message, error) {
	return call(r, ctx, func() ([]core.Message, error) { return r.inner.Search(ctx, project, query, limit) })
}

func (r *ResilientStore) Reserve(ctx context.Context, req core.ReserveRequest) (core.ReservationResult, error) {
	return call(r, ctx, func() (core.ReservationResult, error) { return r.inner.Reserve(ctx, req) })
}

func (r *ResilientStore) CheckConflicts(ctx context.Context, project, agent string, patterns []string) ([]core.Conflict, error) {
	return call(r, ctx, func() ([]core.Conflict, error) { return r.inner.CheckConflicts(ctx, project, agent, patterns) })
}

func (r *ResilientStore) ReleaseReservations(ctx context.Context, req core.ReleaseRequest) (int64, error) {
	return call(r, ctx, func() (int64, error) { return r.inner.ReleaseReservations(ctx, req) })
}

func (r *ResilientStore) RenewReservations(ctx context.Context, req core.RenewRequest) ([]core.Reservation, error) {
	return call(r, ctx, func() ([]core.Reservation, error) { return r.inner.RenewReservations(ctx, req) })
}

func (r *ResilientStore) ListReservations(ctx context.Context, project string, activeOnly bool) ([]core.Reservation, error) {
	return call(r, ctx, func() ([]core.Reservation, error) { return r.inner.ListReservations(ctx, project, activeOnly) })
}

func (r *ResilientStore) Sweep(ctx context.Context, retentionDays int) (core.SweepResult, error) {
	return call(r, ctx, func() (core.SweepResult, error) { return r.inner.Sweep(ctx, retentionDays) })
}

func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
