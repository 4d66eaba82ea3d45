// Package embedded runs a complete intermail server in-process: durable
// store, retention sweeper, websocket hub and HTTP boundary.
package embedded

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/auth"
	"github.com/mistakeknot/intermail/internal/config"
	"github.com/mistakeknot/intermail/internal/core"
	httpapi "github.com/mistakeknot/intermail/internal/http"
	"github.com/mistakeknot/intermail/internal/logging"
	"github.com/mistakeknot/intermail/internal/server"
	"github.com/mistakeknot/intermail/internal/storage"
	"github.com/mistakeknot/intermail/internal/storage/sqlite"
	"github.com/mistakeknot/intermail/internal/ws"
)

// Server owns every component built from one Config.
type Server struct {
	cfg     *config.Config
	inner   *sqlite.Store
	store   *sqlite.ResilientStore
	sweeper *sqlite.Sweeper
	hub     *ws.Hub
	handler http.Handler
	srv     *server.Server
	log     zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan error
}

// New opens the store and binds the listeners. Nothing is served until Run
// or Start.
func New(cfg *config.Config, log zerolog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	ring, err := auth.LoadKeyring(cfg.Auth.KeysFile)
	if err != nil {
		return nil, fmt.Errorf("load auth: %w", err)
	}

	inner, err := sqlite.New(cfg.Store.Path,
		sqlite.WithLogger(logging.Component(log, "store")),
		sqlite.WithBusyTimeout(cfg.Store.BusyTimeout),
		sqlite.WithSlowQuery(cfg.Store.SlowQuery),
		sqlite.WithDefaultTTL(cfg.Reservations.DefaultTTL),
		sqlite.WithAckPolicy(core.AckPolicy(cfg.Messages.AckPolicy)),
	)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	store := sqlite.NewResilient(inner)

	hub := ws.NewHub().WithLogger(logging.Component(log, "ws"))
	sweeper := sqlite.NewSweeper(store, hub, cfg.Retention.Interval, cfg.Retention.Days, logging.Component(log, "sweeper"))
	svc := httpapi.NewService(store).
		WithBroadcaster(hub).
		WithSweeper(sweeper).
		WithLogger(logging.Component(log, "http"))
	handler := httpapi.NewRouter(svc, httpapi.RouterOptions{
		WS:      hub.Handler(store),
		Auth:    auth.Middleware(ring),
		Metrics: cfg.Metrics.Enabled,
	})

	srv, err := server.New(server.Config{
		Addr:       cfg.Server.Addr,
		SocketPath: cfg.Server.SocketPath,
		Handler:    handler,
		Logger:     logging.Component(log, "server"),
	})
	if err != nil {
		inner.Close()
		return nil, err
	}

	log.Info().
		Str("db", cfg.Store.Path).
		Int("api_keys", ring.Len()).
		Int("retention_days", cfg.Retention.Days).
		Msg("intermail ready")

	return &Server{
		cfg:     cfg,
		inner:   inner,
		store:   store,
		sweeper: sweeper,
		hub:     hub,
		handler: handler,
		srv:     srv,
		log:     log,
	}, nil
}

// Run serves until ctx is done, then stops the sweeper and closes the store.
func (s *Server) Run(ctx context.Context) error {
	s.sweeper.Start(ctx)
	err := s.srv.Run(ctx)
	s.sweeper.Stop()
	if cerr := s.inner.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close store: %w", cerr)
	}
	return err
}

// Start runs the server in the background. It is a no-op when already
// started.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.Run(ctx) }()
}

// Stop shuts down a server begun with Start and waits for it.
func (s *Server) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	return <-done
}

// Addr returns the bound TCP address.
func (s *Server) Addr() string { return s.srv.Addr() }

// URL returns the base URL for the server.
func (s *Server) URL() string { return "http://" + s.srv.Addr() }

// Store exposes the resilient store for in-process callers.
func (s *Server) Store() storage.Store { return s.store }

// Handler is the full router, usable without the listeners.
func (s *Server) Handler() http.Handler { return s.handler }
