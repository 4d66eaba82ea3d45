package httpapi

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/mistakeknot/intermail/internal/auth"
)

type ensureProjectRequest struct {
	HumanKey string `json:"human_key"`
}

type listProjectsResponse struct {
	Projects []apiProject `json:"projects"`
}

func (s *Service) handleEnsureProject(w http.ResponseWriter, r *http.Request) {
	var req ensureProjectRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	info, _ := auth.FromContext(r.Context())
	if info.Mode == auth.ModeAPIKey && !s.keyCovers(r.Context(), info.Project, req.HumanKey) {
		writeForbidden(w, "api key is not valid for this project")
		return
	}
	p, err := s.store.EnsureProject(r.Context(), req.HumanKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIProject(p))
}

// keyCovers reports whether a key bound to keyProject may ensure humanKey.
func (s *Service) keyCovers(ctx context.Context, keyProject, humanKey string) bool {
	humanKey = strings.TrimSpace(humanKey)
	if humanKey != "" && filepath.Clean(humanKey) == keyProject {
		return true
	}
	p, err := s.store.GetProject(ctx, humanKey)
	return err == nil && (p.Slug == keyProject || p.HumanKey == keyProject)
}

func (s *Service) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if info, _ := auth.FromContext(r.Context()); info.Mode == auth.ModeAPIKey {
		visible := projects[:0]
		for _, p := range projects {
			if p.Slug == info.Project || p.HumanKey == info.Project {
				visible = append(visible, p)
			}
		}
		projects = visible
	}
	writeJSON(w, http.StatusOK, listProjectsResponse{Projects: toAPIProjects(projects)})
}

func (s *Service) handleGetProject(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toAPIProject(projectFrom(r)))
}

func (s *Service) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	p := projectFrom(r)
	if err := s.store.DeleteProject(r.Context(), p.Slug); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
