package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type threadResponse struct {
	ThreadID string       `json:"thread_id"`
	Messages []apiMessage `json:"messages"`
}

type searchResponse struct {
	Query   string       `json:"query"`
	Results []apiMessage `json:"results"`
}

type recipientsResponse struct {
	MessageID  int64          `json:"message_id"`
	Recipients []apiRecipient `json:"recipients"`
}

func (s *Service) handleThread(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	thread := chi.URLParam(r, "thread")
	msgs, err := s.store.ThreadMessages(r.Context(), projectFrom(r).Slug, thread, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, threadResponse{ThreadID: thread, Messages: toAPIMessages(msgs)})
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query().Get("q")
	msgs, err := s.store.Search(r.Context(), projectFrom(r).Slug, q, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Query: q, Results: toAPIMessages(msgs)})
}

func (s *Service) handleRecipientStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	statuses, err := s.store.RecipientStatus(r.Context(), projectFrom(r).Slug, id)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]apiRecipient, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, apiRecipient{Agent: st.Agent, Kind: string(st.Kind), ReadTS: st.ReadTS, AckTS: st.AckTS})
	}
	writeJSON(w, http.StatusOK, recipientsResponse{MessageID: id, Recipients: out})
}
