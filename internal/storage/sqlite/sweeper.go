package sqlite

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/core"
)

// Broadcaster is the interface for emitting events to WebSocket clients.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

// sweepable is what the retention loop runs against; both *Store and
// *ResilientStore satisfy it.
type sweepable interface {
	Sweep(ctx context.Context, retentionDays int) (core.SweepResult, error)
}

// Sweeper runs one retention pass at start and then one per interval.
type Sweeper struct {
	store    sweepable
	bus      Broadcaster
	interval time.Duration
	days     int
	log      zerolog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping. bus may
// be nil.
func NewSweeper(store sweepable, bus Broadcaster, interval time.Duration, retentionDays int, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		bus:      bus,
		interval: interval,
		days:     retentionDays,
		log:      log,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		sw.RunOnce(ctx)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
		<-sw.done
	}
}

// RunOnce performs a single pass and announces every reservation it expired.
func (sw *Sweeper) RunOnce(ctx context.Context) (core.SweepResult, error) {
	res, err := sw.store.Sweep(ctx, sw.days)
	if err != nil {
		sw.log.Error().Err(err).Msg("retention sweep failed")
		return res, err
	}

	if len(res.Expired) > 0 || res.MessagesDeleted > 0 || res.ReservationsDeleted > 0 {
		sw.log.Info().
			Int("expired", len(res.Expired)).
			Int64("messages_deleted", res.MessagesDeleted).
			Int64("reservations_deleted", res.ReservationsDeleted).
			Msg("retention sweep")
	}

	if sw.bus != nil {
		for _, r := range res.Expired {
			sw.bus.Broadcast(r.Project, r.AgentName, map[string]any{
				"type":           string(core.EventReservationExpired),
				"project":        r.Project,
				"reservation_id": r.ID,
				"agent":          r.AgentName,
				"path_pattern":   r.PathPattern,
			})
		}
	}
	return res, nil
}
