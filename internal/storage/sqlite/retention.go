package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/metrics"
)

// Sweep stamps released_ts on expired reservations and, when retentionDays
// is positive, purges messages and released reservations created before the
// horizon. Everything happens in one transaction.
func (s *Store) Sweep(ctx context.Context, retentionDays int) (core.SweepResult, error) {
	now := s.clock()
	var res core.SweepResult

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		expired, err := expireBefore(ctx, tx, now)
		if err != nil {
			return err
		}
		res.Expired = expired
		if retentionDays <= 0 {
			return nil
		}

		horizon := formatTS(retentionHorizon(now, retentionDays))
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM message_recipients
			 WHERE message_id IN (SELECT id FROM messages WHERE created_ts < ?)`, horizon); err != nil {
			return fmt.Errorf("purge recipients: %w", err)
		}
		r, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE created_ts < ?`, horizon)
		if err != nil {
			return fmt.Errorf("purge messages: %w", err)
		}
		res.MessagesDeleted, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx,
			`DELETE FROM file_reservations WHERE released_ts IS NOT NULL AND created_ts < ?`, horizon)
		if err != nil {
			return fmt.Errorf("purge reservations: %w", err)
		}
		res.ReservationsDeleted, _ = r.RowsAffected()
		return nil
	})
	if err != nil {
		return core.SweepResult{}, core.Failed(core.KindStoreFailed, err)
	}

	metrics.ReservationsReleased.WithLabelValues("expired").Add(float64(len(res.Expired)))
	metrics.RetentionDeleted.WithLabelValues("message").Add(float64(res.MessagesDeleted))
	metrics.RetentionDeleted.WithLabelValues("reservation").Add(float64(res.ReservationsDeleted))
	return res, nil
}

// retentionHorizon counts calendar days back from now, capped at
// core.MaxRetentionDays so the horizon never lands in the future.
func retentionHorizon(now time.Time, days int) time.Time {
	if days > core.MaxRetentionDays {
		days = core.MaxRetentionDays
	}
	return now.AddDate(0, 0, -days)
}
