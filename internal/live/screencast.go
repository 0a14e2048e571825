package live

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// Screencast defaults.
const (
	DefaultScreencastQuality = 60
	DefaultScreencastWidth   = 1280
	DefaultScreencastHeight  = 800
)

// Screencast captures a browser tab with the DevTools screencast and publishes
// the frames into a Hub under one platform name.
type Screencast struct {
	tab      context.Context
	platform string
	hub      *Hub
	params   *page.StartScreencastParams
	logger   *slog.Logger
}

// ScreencastOption configures a Screencast.
type ScreencastOption func(*Screencast)

// WithQuality sets the JPEG quality (0-100).
func WithQuality(q int64) ScreencastOption {
	return func(s *Screencast) { s.params = s.params.WithQuality(q) }
}

// WithMaxSize caps the frame dimensions.
func WithMaxSize(width, height int64) ScreencastOption {
	return func(s *Screencast) { s.params = s.params.WithMaxWidth(width).WithMaxHeight(height) }
}

// WithEveryNthFrame sends only every n-th frame.
func WithEveryNthFrame(n int64) ScreencastOption {
	return func(s *Screencast) { s.params = s.params.WithEveryNthFrame(n) }
}

// WithScreencastLogger sets the logger.
func WithScreencastLogger(l *slog.Logger) ScreencastOption {
	return func(s *Screencast) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScreencast prepares a screencast of tab, a chromedp tab context.
func NewScreencast(tab context.Context, platform string, hub *Hub, opts ...ScreencastOption) *Screencast {
	s := &Screencast{
		tab:      tab,
		platform: platform,
		hub:      hub,
		params: page.StartScreencast().
			WithFormat(page.ScreencastFormatJpeg).
			WithQuality(DefaultScreencastQuality).
			WithMaxWidth(DefaultScreencastWidth).
			WithMaxHeight(DefaultScreencastHeight),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run registers the platform with the hub and streams frames until ctx is
// done or the tab closes.
func (s *Screencast) Run(ctx context.Context) error {
	unregister := s.hub.Register(s.platform)
	defer unregister()

	listenCtx, cancel := context.WithCancel(s.tab)
	defer cancel()

	chromedp.ListenTarget(listenCtx, func(ev any) {
		e, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}
		sessionID := e.SessionID
		// Chrome stops sending until the frame is acknowledged. Listeners
		// must not block, so the ack runs on its own goroutine.
		go func() {
			if err := chromedp.Run(s.tab, page.ScreencastFrameAck(sessionID)); err != nil {
				s.logger.Debug("screencast ack failed", "platform", s.platform, "error", err)
			}
		}()

		frame, err := decodeFrame(s.platform, e.Data, time.Now())
		if err != nil {
			s.logger.Warn("dropping screencast frame", "platform", s.platform, "error", err)
			return
		}
		s.hub.Publish(frame)
	})

	if err := chromedp.Run(s.tab, s.params); err != nil {
		return fmt.Errorf("failed to start screencast for %s: %w", s.platform, err)
	}
	s.logger.Info("screencast started", "platform", s.platform)

	select {
	case <-ctx.Done():
	case <-s.tab.Done():
	}

	if s.tab.Err() == nil {
		stopCtx, cancelStop := context.WithTimeout(s.tab, 5*time.Second)
		defer cancelStop()
		if err := chromedp.Run(stopCtx, page.StopScreencast()); err != nil {
			s.logger.Debug("failed to stop screencast", "platform", s.platform, "error", err)
		}
	}
	s.logger.Info("screencast stopped", "platform", s.platform)

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func decodeFrame(platform, data string, now time.Time) (Frame, error) {
	payload, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Frame{}, fmt.Errorf("invalid frame data: %w", err)
	}
	if len(payload) == 0 {
		return Frame{}, errors.New("empty frame")
	}
	return Frame{Platform: platform, Payload: payload, ReceivedAt: now}, nil
}
