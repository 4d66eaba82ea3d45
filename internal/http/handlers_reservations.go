package httpapi

import (
	"net/http"
	"time"

	"github.com/mistakeknot/intermail/internal/core"
)

type reserveRequest struct {
	Agent      string   `json:"agent_name"`
	Patterns   []string `json:"paths"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
	Exclusive  *bool    `json:"exclusive,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

type reserveResponse struct {
	Granted   []apiReservation `json:"granted"`
	Conflicts []apiConflict    `json:"conflicts"`
}

type checkRequest struct {
	Agent    string   `json:"agent_name"`
	Patterns []string `json:"paths"`
}

type checkResponse struct {
	Conflicts []apiConflict `json:"conflicts"`
}

type releaseRequest struct {
	Agent    string   `json:"agent_name"`
	Patterns []string `json:"paths,omitempty"`
	All      bool     `json:"all,omitempty"`
}

type releaseResponse struct {
	Released int64 `json:"released"`
}

type renewRequest struct {
	Agent         string   `json:"agent_name"`
	Patterns      []string `json:"paths,omitempty"`
	ExtendSeconds int64    `json:"extend_seconds,omitempty"`
}

type listReservationsResponse struct {
	Reservations []apiReservation `json:"reservations"`
}

func (s *Service) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := checkSeconds("ttl_seconds", req.TTLSeconds); err != nil {
		writeError(w, err)
		return
	}
	exclusive := true
	if req.Exclusive != nil {
		exclusive = *req.Exclusive
	}
	res, err := s.store.Reserve(r.Context(), core.ReserveRequest{
		Project:   projectFrom(r).Slug,
		Agent:     req.Agent,
		Patterns:  req.Patterns,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		Exclusive: exclusive,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reserveResponse{
		Granted:   toAPIReservations(res.Granted),
		Conflicts: toAPIConflicts(res.Conflicts),
	})
}

// handleCheckConflicts is a dry run of handleReserve.
func (s *Service) handleCheckConflicts(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	conflicts, err := s.store.CheckConflicts(r.Context(), projectFrom(r).Slug, req.Agent, req.Patterns)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Conflicts: toAPIConflicts(conflicts)})
}

func (s *Service) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	n, err := s.store.ReleaseReservations(r.Context(), core.ReleaseRequest{
		Project:  projectFrom(r).Slug,
		Agent:    req.Agent,
		Patterns: req.Patterns,
		All:      req.All,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Released: n})
}

func (s *Service) handleRenew(w http.ResponseWriter, r *http.Request) {
	var req renewRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := checkSeconds("extend_seconds", req.ExtendSeconds); err != nil {
		writeError(w, err)
		return
	}
	renewed, err := s.store.RenewReservations(r.Context(), core.RenewRequest{
		Project:  projectFrom(r).Slug,
		Agent:    req.Agent,
		Patterns: req.Patterns,
		Extend:   time.Duration(req.ExtendSeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listReservationsResponse{Reservations: toAPIReservations(renewed)})
}

func (s *Service) handleListReservations(w http.ResponseWriter, r *http.Request) {
	active, err := queryBool(r, "active", true)
	if err != nil {
		writeError(w, err)
		return
	}
	rs, err := s.store.ListReservations(r.Context(), projectFrom(r).Slug, active)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listReservationsResponse{Reservations: toAPIReservations(rs)})
}

// checkSeconds rejects negative counts and counts a time.Duration cannot hold.
func checkSeconds(field string, n int64) error {
	if n < 0 {
		return core.Invalid("%s must not be negative", field)
	}
	if n > core.MaxDurationSeconds {
		return core.Invalid("%s must be at most %d", field, core.MaxDurationSeconds)
	}
	return nil
}
