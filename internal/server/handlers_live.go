package server

import (
	"net/http"
	"time"

	"github.com/jonathan/openorbit/internal/live"
)

// keepAliveInterval spaces comment lines on idle streams.
const keepAliveInterval = 15 * time.Second

// handleLivePlatforms lists platforms with a registered frame producer.
func (s *Server) handleLivePlatforms(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{"platforms": s.hub.Platforms()})
}

// handleLiveStream streams views for one observer. Every platform's frames
// feed the gallery; focus selects one platform to follow and empty focus is
// gallery mode. A feed that fails to start is reported as an
// error event and in the view, and the stream stays open.
func (s *Server) handleLiveStream(w http.ResponseWriter, r *http.Request) {
	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	opts := []live.Option{live.WithLogger(s.logger)}
	if s.staleAfter > 0 {
		opts = append(opts, live.WithStaleAfter(s.staleAfter))
	}
	if s.renderTick > 0 {
		opts = append(opts, live.WithRenderTick(s.renderTick))
	}
	stream := live.NewStream(s.hub, opts...)
	defer stream.Close()

	ctx := r.Context()
	watch, err := s.hub.Watch(ctx)
	if err != nil {
		_ = sse.WriteError(err.Error())
		return
	}
	defer watch.Stop()
	go func() {
		for frame := range watch.Frames() {
			// The focused platform arrives through its own feed.
			if frame.Platform == stream.Focus() {
				continue
			}
			stream.Ingest(frame)
		}
	}()

	focus := r.URL.Query().Get("focus")
	if err := stream.SetFocus(ctx, focus); err != nil {
		if werr := sse.WriteError(err.Error()); werr != nil {
			return
		}
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.streamsDone:
			return
		case v := <-stream.Updates():
			if err := sse.WriteView(v); err != nil {
				s.logger.Debug("live stream write failed", "error", err)
				return
			}
		case <-keepAlive.C:
			if err := sse.WriteComment("keep-alive"); err != nil {
				return
			}
		}
	}
}
