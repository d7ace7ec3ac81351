package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// requireUser writes 401 and returns false for anonymous callers.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	user := userFrom(r)
	if user == "" {
		writeError(w, http.StatusUnauthorized, "missing user identity")
		return "", false
	}
	return user, true
}

func (s *Server) createSource(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var in crawler.SourceInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	src, err := s.sources.Create(r.Context(), user, in)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) listMySources(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	list, err := s.sources.ListMine(r.Context(), user)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": nonNil(list)})
}

func (s *Server) listPublicSources(w http.ResponseWriter, r *http.Request) {
	list, err := s.sources.ListPublic(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": nonNil(list)})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.sources.Get(r.Context(), chi.URLParam(r, "source_id"), userFrom(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) updateSource(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var patch crawler.SourcePatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	src, err := s.sources.Update(r.Context(), chi.URLParam(r, "source_id"), user, patch)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) deleteSource(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.sources.Delete(r.Context(), chi.URLParam(r, "source_id"), user); err != nil {
		s.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "missing enabled flag")
		return
	}
	src, err := s.sources.SetEnabled(r.Context(), chi.URLParam(r, "source_id"), user, *req.Enabled)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

type publicRequest struct {
	PublicReadable *bool `json:"public_readable"`
}

func (s *Server) setPublic(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req publicRequest
	if err := decodeJSON(r, &req); err != nil || req.PublicReadable == nil {
		writeError(w, http.StatusBadRequest, "missing public_readable flag")
		return
	}
	src, err := s.sources.SetPublic(r.Context(), chi.URLParam(r, "source_id"), user, *req.PublicReadable)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
