package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions carries the optional pieces of the router.
type RouterOptions struct {
	// WS serves /ws/agents/{agent}. Nil disables websocket nudges.
	WS http.Handler
	// Auth wraps every /api and /ws route. Nil means no authentication.
	Auth func(http.Handler) http.Handler
	// Metrics exposes /metrics for Prometheus.
	Metrics bool
}

func NewRouter(svc *Service, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(metricsMiddleware)
	r.Use(requestID)
	r.Use(requestLogger(svc.log))
	r.Use(chimw.Recoverer)

	r.Get("/health", svc.handleHealth)
	if opts.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}

		r.Route("/api/projects", func(r chi.Router) {
			r.Post("/", svc.handleEnsureProject)
			r.Get("/", svc.handleListProjects)

			r.Route("/{project}", func(r chi.Router) {
				r.Use(svc.projectScope)
				r.Get("/", svc.handleGetProject)
				r.With(localOnly).Delete("/", svc.handleDeleteProject)

				r.Post("/agents", svc.handleRegisterAgent)
				r.Get("/agents", svc.handleListAgents)
				r.Post("/agents/identities", svc.handleCreateIdentity)
				r.Get("/agents/{agent}", svc.handleGetAgent)
				r.Get("/agents/{agent}/inbox", svc.handleInbox)
				r.Get("/agents/{agent}/outbox", svc.handleOutbox)
				r.Get("/agents/{agent}/counts", svc.handleInboxCounts)

				r.Post("/messages", svc.handleSendMessage)
				r.Get("/messages/{id}", svc.handleGetMessage)
				r.Post("/messages/{id}/reply", svc.handleReply)
				r.Post("/messages/{id}/read", svc.handleMarkRead)
				r.Post("/messages/{id}/ack", svc.handleAcknowledge)
				r.Get("/messages/{id}/recipients", svc.handleRecipientStatus)
				r.Get("/threads/{thread}", svc.handleThread)
				r.Get("/search", svc.handleSearch)

				r.Post("/reservations", svc.handleReserve)
				r.Get("/reservations", svc.handleListReservations)
				r.Post("/reservations/check", svc.handleCheckConflicts)
				r.Post("/reservations/release", svc.handleRelease)
				r.Post("/reservations/renew", svc.handleRenew)
			})
		})

		if svc.sweeper != nil {
			r.With(localOnly).Post("/api/admin/sweep", svc.handleSweep)
		}
		if opts.WS != nil {
			r.Handle("/ws/agents/*", opts.WS)
		}
	})

	return r
}
