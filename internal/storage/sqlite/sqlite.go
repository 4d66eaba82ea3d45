package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/storage"
)

//go:embed schema.sql
var schema string

// tsLayout is fixed width so that string order in SQL is time order.
const tsLayout = "2006-01-02T15:04:05.000000Z"

var _ storage.Store = (*Store)(nil)

// Store is the SQLite coordination store. It holds exactly one connection,
// which is the serialising entry point for every operation.
type Store struct {
	db          dbHandle
	log         zerolog.Logger
	now         func() time.Time
	ackPolicy   core.AckPolicy
	defaultTTL  time.Duration
	busyTimeout time.Duration
	slowQuery   time.Duration
}

type Option func(*Store)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithClock replaces time.Now; tests use it to simulate expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithAckPolicy(p core.AckPolicy) Option {
	return func(s *Store) { s.ackPolicy = p }
}

func WithDefaultTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.defaultTTL = d
		}
	}
}

func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) { s.busyTimeout = d }
}

func WithSlowQuery(d time.Duration) Option {
	return func(s *Store) { s.slowQuery = d }
}

func newStore(opts []Option) *Store {
	s := &Store{
		log:         zerolog.Nop(),
		now:         time.Now,
		ackPolicy:   core.AckOverwrite,
		defaultTTL:  core.DefaultReservationTTL,
		busyTimeout: 5 * time.Second,
		slowQuery:   defaultSlowQuery,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// New opens (creating if needed) a durable store at path in WAL mode.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	s := newStore(opts)
	dsn := "file:" + path + "?" + strings.Join([]string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.busyTimeout.Milliseconds()),
		"_pragma=journal_mode(WAL)",
		"_pragma=foreign_keys(1)",
		"_pragma=synchronous(NORMAL)",
		"_txlock=immediate",
	}, "&")
	if err := s.open(dsn); err != nil {
		return nil, err
	}
	return s, nil
}

// NewInMemory opens an ephemeral store. It lives as long as its single
// connection, which is kept open until Close.
func NewInMemory(opts ...Option) (*Store, error) {
	s := newStore(opts)
	if err := s.open(":memory:?_pragma=foreign_keys(1)"); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open(dsn string) error {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	// SQLite is single-writer; one connection also keeps PRAGMAs and an
	// in-memory database alive for the life of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if err := applySchema(db); err != nil {
		db.Close()
		return err
	}
	s.db = &queryLogger{inner: db, log: s.log, threshold: s.slowQuery}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Logger returns the store's logger.
func (s *Store) Logger() zerolog.Logger { return s.log }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) clock() time.Time {
	return s.now().UTC()
}

// withTx runs fn in one transaction, committing only when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		// rows written by other tools may carry RFC 3339
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func parseNullTS(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTS(ns.String)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return core.DefaultFetchLimit
	case limit > core.MaxFetchLimit:
		return core.MaxFetchLimit
	}
	return limit
}

// scanBool reads an INTEGER flag column.
type scanBool struct{ dst *bool }

func (b scanBool) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*b.dst = false
	case int64:
		*b.dst = x != 0
	case bool:
		*b.dst = x
	default:
		return fmt.Errorf("scan bool: unexpected %T", v)
	}
	return nil
}

// scanTS reads a TEXT timestamp column written with tsLayout.
type scanTS struct{ dst *time.Time }

func (t scanTS) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*t.dst = time.Time{}
	case string:
		*t.dst = parseTS(x)
	case []byte:
		*t.dst = parseTS(string(x))
	case time.Time:
		*t.dst = x.UTC()
	default:
		return fmt.Errorf("scan timestamp: unexpected %T", v)
	}
	return nil
}
