package sqlite

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// RetryConfig bounds the backoff applied to SQLITE_BUSY and SQLITE_LOCKED.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	JitterPct  float64 // e.g. 0.25 for 25% jitter

	// OnRetry, when set, observes each retry before its backoff.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultRetryConfig is 7 retries from a 50ms base with 25% jitter, about
// 6s of waiting in the worst case.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 7,
		BaseDelay:  50 * time.Millisecond,
		JitterPct:  0.25,
	}
}

// RetryOnDBLock runs fn and retries it while it fails with a lock error.
// Cancelling ctx ends the backoff early; the last error is returned.
func RetryOnDBLock(ctx context.Context, cfg RetryConfig, fn func() error) error {
	return retryOnDBLock(ctx, cfg, fn, sleepCtx)
}

func retryOnDBLock(ctx context.Context, cfg RetryConfig, fn func() error, sleep func(context.Context, time.Duration) bool) error {
	err := fn()
	for attempt := 1; err != nil && isDBLocked(err) && attempt <= cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return err
		}
		delay := cfg.backoff(attempt)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, err)
		}
		if !sleep(ctx, delay) {
			return err
		}
		err = fn()
	}
	return err
}

func (c RetryConfig) backoff(attempt int) time.Duration {
	delay := c.BaseDelay * (1 << (attempt - 1))
	return delay + time.Duration(float64(delay)*rand.Float64()*c.JitterPct)
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// isDBLocked prefers the driver's result code and falls back to the message
// for errors that lost their type on the way up.
func isDBLocked(err error) bool {
	if err == nil {
		return false
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}
