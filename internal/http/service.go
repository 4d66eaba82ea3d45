package httpapi

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/core"
	"github.com/mistakeknot/intermail/internal/storage"
)

// Service adapts HTTP requests onto a storage.Store.
type Service struct {
	store   storage.Store
	bus     Broadcaster
	sweeper Sweeper
	log     zerolog.Logger
}

// Broadcaster pushes best-effort nudges to connected agents.
type Broadcaster interface {
	Broadcast(project, agent string, event any)
}

// Sweeper runs one retention pass on demand.
type Sweeper interface {
	RunOnce(ctx context.Context) (core.SweepResult, error)
}

func NewService(store storage.Store) *Service {
	return &Service{store: store, log: zerolog.Nop()}
}

func (s *Service) WithBroadcaster(b Broadcaster) *Service {
	s.bus = b
	return s
}

func (s *Service) WithSweeper(sw Sweeper) *Service {
	s.sweeper = sw
	return s
}

func (s *Service) WithLogger(l zerolog.Logger) *Service {
	s.log = l
	return s
}

func (s *Service) broadcast(project, agent string, event map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(project, agent, event)
}
