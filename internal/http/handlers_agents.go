package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mistakeknot/intermail/internal/core"
)

type registerAgentRequest struct {
	Name            string `json:"name"`
	Program         string `json:"program"`
	Model           string `json:"model"`
	TaskDescription string `json:"task_description"`
}

type listAgentsResponse struct {
	Agents []apiAgent `json:"agents"`
}

func (req registerAgentRequest) toCore(project string) core.RegisterRequest {
	return core.RegisterRequest{
		Project:         project,
		NameHint:        req.Name,
		Program:         req.Program,
		Model:           req.Model,
		TaskDescription: req.TaskDescription,
	}
}

func (s *Service) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.store.RegisterAgent(r.Context(), req.toCore(projectFrom(r).Slug))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIAgent(agent))
}

func (s *Service) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.store.CreateAgentIdentity(r.Context(), req.toCore(projectFrom(r).Slug))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAPIAgent(agent))
}

func (s *Service) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context(), projectFrom(r).Slug)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]apiAgent, 0, len(agents))
	for _, a := range agents {
		out = append(out, toAPIAgent(a))
	}
	writeJSON(w, http.StatusOK, listAgentsResponse{Agents: out})
}

// handleGetAgent is the whois lookup; it counts as activity.
func (s *Service) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.store.GetAgent(r.Context(), projectFrom(r).Slug, chi.URLParam(r, "agent"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIAgent(agent))
}
