package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/openorbit/internal/batch"
)

var validate = validator.New()

// EnrichRequest represents the request body for POST /jobs/enrich
type EnrichRequest struct {
	Pipeline string `json:"pipeline" validate:"required,max=200"`
}

// RunAccepted is the 202 body returned once the run row exists.
type RunAccepted struct {
	RunID  uuid.UUID `json:"run_id"`
	Kind   string    `json:"kind"`
	Total  int       `json:"total"`
	Status string    `json:"status"`
}

// JobStatus is the in-memory state of one job kind.
type JobStatus struct {
	Kind    string     `json:"kind"`
	Running bool       `json:"running"`
	RunID   *uuid.UUID `json:"run_id,omitempty"`
}

// startSink hands the run's start to the waiting request.
type startSink struct {
	started chan batch.Stats
}

func (s startSink) Started(st batch.Stats) {
	select {
	case s.started <- st:
	default:
	}
}

func (startSink) Progress(batch.Stats) {}

// handleEnrich starts an enrichment run in the background. The response waits
// only for resolution: 202 once the run row exists, otherwise the resolution
// or conflict error.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	if s.enrichJob == nil {
		s.writeError(w, &ErrUnavailable{Feature: "enrichment"})
		return
	}

	var req EnrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &ErrValidation{Field: "body", Message: "invalid JSON"})
		return
	}
	if err := validate.Struct(req); err != nil {
		s.writeError(w, &ErrValidation{Field: "pipeline", Message: err.Error()})
		return
	}

	job, err := s.enrichJob(req.Pipeline)
	if err != nil {
		s.writeError(w, err)
		return
	}

	sink := startSink{started: make(chan batch.Stats, 1)}
	errc := make(chan error, 1)
	err = s.startJob(func(ctx context.Context) {
		res, err := s.runner.Run(ctx, job, sink)
		if err != nil {
			errc <- err
			return
		}
		s.logger.Info("enrichment finished", "kind", res.Kind, "run_id", res.RunID,
			"processed_ok", res.ProcessedOK, "skipped", res.Skipped, "errors", res.Errors)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	accepted := func(st batch.Stats) {
		s.jsonResponse(w, http.StatusAccepted, RunAccepted{
			RunID:  st.RunID,
			Kind:   st.Kind,
			Total:  st.Total,
			Status: "running",
		})
	}

	select {
	case st := <-sink.started:
		accepted(st)
	case err := <-errc:
		// A run that started and then failed still started.
		select {
		case st := <-sink.started:
			accepted(st)
		default:
			s.writeError(w, err)
		}
	case <-r.Context().Done():
	}
}

// handleListRuns returns run history, most recent first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			s.writeError(w, &ErrValidation{Field: "limit", Message: "must be between 1 and 500"})
			return
		}
		limit = n
	}

	runs, err := s.runner.History(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGetRun returns one run row.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, &ErrValidation{Field: "id", Message: "invalid run ID"})
		return
	}

	run, err := s.runner.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}

// handleJobStatus reports whether a kind is running and, once bound, its run.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	status := JobStatus{Kind: kind, Running: s.runner.IsRunning(kind)}
	if id, ok := s.runner.CurrentRunID(kind); ok {
		status.RunID = &id
	}
	s.jsonResponse(w, http.StatusOK, status)
}
