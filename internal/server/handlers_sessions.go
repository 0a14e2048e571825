package server

import (
	"fmt"
	"net/http"
)

// handleListSessions returns every tracked platform session.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions := s.tracker.All()
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"limits":   s.tracker.Limits(),
	})
}

// handleGetSession returns one platform's session.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	state, ok := s.tracker.Snapshot(platform)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, fmt.Sprintf("no session for platform %q", platform))
		return
	}
	s.jsonResponse(w, http.StatusOK, state)
}

// handleListAdapters returns the discovered adapters. refresh=true rescans
// the plugin directory first.
func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	list := s.adapters.List()
	if r.URL.Query().Get("refresh") == "true" {
		refreshed, err := s.adapters.Refresh()
		if err != nil {
			s.writeError(w, fmt.Errorf("failed to refresh adapters: %w", err))
			return
		}
		list = refreshed
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"adapters": list, "count": len(list)})
}
