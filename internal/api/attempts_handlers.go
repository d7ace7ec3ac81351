package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// runSource records a RUNNING attempt and queues it for a worker.
func (s *Server) runSource(w http.ResponseWriter, r *http.Request) {
	user, ok := requireUser(w, r)
	if !ok {
		return
	}
	sourceID := chi.URLParam(r, "source_id")
	attemptID, err := s.runner.StartAttempt(r.Context(), sourceID, user)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	item := crawler.QueueItem{
		AttemptID: attemptID,
		SourceID:  sourceID,
		Submitted: s.clock.Now().Unix(),
	}
	queueCtx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()
	if err := s.queue.Enqueue(queueCtx, item); err != nil {
		requestLogger(r, s.logger).Warn("enqueue attempt failed",
			zap.String("attempt_id", attemptID),
			zap.Error(err),
		)
		s.runner.Abandon(r.Context(), item, "attempt could not be queued: "+err.Error())
		writeError(w, http.StatusServiceUnavailable, "attempt queue unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"attempt_id": attemptID})
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	list, err := s.sources.Attempts(r.Context(), chi.URLParam(r, "source_id"), userFrom(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": nonNil(list)})
}

func (s *Server) getAttempt(w http.ResponseWriter, r *http.Request) {
	report, err := s.sources.Attempt(r.Context(), chi.URLParam(r, "attempt_id"), userFrom(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	attemptID := chi.URLParam(r, "attempt_id")
	items, err := s.sources.Items(r.Context(), attemptID, userFrom(r))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempt_id": attemptID, "items": nonNil(items)})
}
