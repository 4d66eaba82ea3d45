package sqlite

import (
	"sync"
	"testing"
	"time"
)

// Clock is a settable time source for tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start.UTC()}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// NewSQLiteTest returns an ephemeral store driven by a fresh Clock.
func NewSQLiteTest(t testing.TB, opts ...Option) (*Store, *Clock) {
	t.Helper()
	clock := NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := NewInMemory(append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, clock
}
