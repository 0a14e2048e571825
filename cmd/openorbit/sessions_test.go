package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/openorbit/internal/pacing"
	"github.com/jonathan/openorbit/internal/session"
)

// newSessionsServer serves GET /sessions in the API's shape from tracker and
// records the Authorization header it saw.
func newSessionsServer(t *testing.T, tracker *session.Tracker, gotAuth *string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sessions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		*gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sessions": tracker.All(),
			"limits":   tracker.Limits(),
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestSessionsCommand_PrintsSessions(t *testing.T) {
	tracker := session.NewTracker(pacing.Limits())
	require.NoError(t, tracker.SetState("lever", session.StateRunning, "streaming"))
	require.NoError(t, tracker.Reserve("lever", session.ActionApplication))
	tracker.Start("indeed")

	var auth string
	ts := newSessionsServer(t, tracker, &auth)

	out, err := execute(t, "sessions", "--server", ts.URL, "--token", "abc")
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", auth)
	assert.Contains(t, out, "SESSION LEVER")
	assert.Contains(t, out, "streaming")
	assert.Contains(t, out, "1/15")
	assert.Contains(t, out, "SESSION INDEED")

	out, err = execute(t, "sessions", "lever", "--server", ts.URL)
	require.NoError(t, err)
	assert.Empty(t, auth)
	assert.Contains(t, out, "SESSION LEVER")
	assert.NotContains(t, out, "SESSION INDEED")
}

func TestSessionsCommand_UnknownPlatformAndEmpty(t *testing.T) {
	var auth string
	ts := newSessionsServer(t, session.NewTracker(pacing.Limits()), &auth)

	out, err := execute(t, "sessions", "--server", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "No active sessions.")

	_, err = execute(t, "sessions", "workday", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `no session for platform "workday"`)
}

func TestSessionsCommand_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"missing bearer token"}`))
	}))
	defer ts.Close()

	_, err := execute(t, "sessions", "--server", ts.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned 401: missing bearer token")
}
