package httpapi

import (
	"net/http"
)

type healthResponse struct {
	Status  string `json:"status"`
	Circuit string `json:"circuit,omitempty"`
}

type sweepResponse struct {
	Expired             []apiReservation `json:"expired"`
	MessagesDeleted     int64            `json:"messages_deleted"`
	ReservationsDeleted int64            `json:"reservations_deleted"`
}

type circuitReporter interface {
	CircuitBreakerState() string
}

// handleHealth reports degraded while the store circuit is open.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if cr, ok := s.store.(circuitReporter); ok {
		resp.Circuit = cr.CircuitBreakerState()
		if resp.Circuit == "open" {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.sweeper.RunOnce(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		Expired:             toAPIReservations(res.Expired),
		MessagesDeleted:     res.MessagesDeleted,
		ReservationsDeleted: res.ReservationsDeleted,
	})
}
