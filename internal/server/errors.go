package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/jonathan/openorbit/internal/batch"
	"github.com/jonathan/openorbit/internal/session"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrUnavailable indicates a feature that is not configured on this server.
type ErrUnavailable struct {
	Feature string
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("%s is not configured", e.Feature)
}

// ErrShuttingDown is returned for work submitted after shutdown began.
var ErrShuttingDown = errors.New("server is shutting down")

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		conflict    *batch.ConflictError
		notFound    *batch.NotFoundError
		fatal       *batch.FatalResolutionError
		validation  *ErrValidation
		unavailable *ErrUnavailable
	)
	switch {
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &notFound), errors.Is(err, batch.ErrRunNotFound):
		return http.StatusNotFound
	case errors.As(err, &fatal):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrBudgetExhausted):
		return http.StatusTooManyRequests
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &unavailable), errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string     `json:"error"`
	Kind  string     `json:"kind,omitempty"`
	RunID *uuid.UUID `json:"run_id,omitempty"`
}

// writeError maps err to its status and writes it. Conflicts carry the active
// run's ID once it is known.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	body := errorBody{Error: err.Error()}

	var conflict *batch.ConflictError
	if errors.As(err, &conflict) {
		body.Kind = conflict.Kind
		if conflict.RunID != uuid.Nil {
			id := conflict.RunID
			body.RunID = &id
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	s.jsonResponse(w, status, body)
}
