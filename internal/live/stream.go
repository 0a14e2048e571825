package live

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Stream defaults.
const (
	DefaultRenderTick = 16 * time.Millisecond
	DefaultStaleAfter = 10 * time.Second
)

// ErrStreamClosed is returned by SetFocus after Close.
var ErrStreamClosed = errors.New("stream closed")

// View is what an observer renders. In gallery mode (Focus == "") Gallery
// holds the latest frame of every platform; otherwise Frame is the focused
// platform's latest frame, if any.
type View struct {
	Seq     uint64  `json:"seq"`
	Focus   string  `json:"focus,omitempty"`
	Frame   *Frame  `json:"frame,omitempty"`
	Gallery []Frame `json:"gallery,omitempty"`
	Active  bool    `json:"active"`
	Stale   bool    `json:"stale"`
	Err     error   `json:"-"`
}

// timer is the part of *time.Timer the stream uses.
type timer interface {
	Stop() bool
}

// Stream is one observer's view of the live feeds. It caches the latest frame
// per platform, follows one focused platform's feed, flags it stale when its
// frames stop, and publishes at most one View per render tick.
type Stream struct {
	transport  Transport
	logger     *slog.Logger
	staleAfter time.Duration
	renderTick time.Duration
	tickSource <-chan time.Time
	afterFunc  func(time.Duration, func()) timer

	// focusMu serializes SetFocus and Exit so feed stops and starts never
	// interleave.
	focusMu sync.Mutex

	mu         sync.Mutex
	latest     map[string]Frame
	focus      string
	current    *Frame
	sub        Subscription
	active     bool
	stale      bool
	err        error
	staleTimer timer
	staleGen   uint64
	dirty      bool
	seq        uint64
	closed     bool

	updates chan View
	quit    chan struct{}
	done    chan struct{}
}

// Option configures a Stream.
type Option func(*Stream)

// WithStaleAfter sets how long the focused platform may go without a frame
// before the view is flagged stale.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithRenderTick sets the coalescing interval.
func WithRenderTick(d time.Duration) Option {
	return func(s *Stream) {
		if d > 0 {
			s.renderTick = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewStream starts a stream over transport in gallery mode.
func NewStream(transport Transport, opts ...Option) *Stream {
	s := &Stream{
		transport:  transport,
		logger:     slog.Default(),
		staleAfter: DefaultStaleAfter,
		renderTick: DefaultRenderTick,
		afterFunc: func(d time.Duration, f func()) timer {
			return time.AfterFunc(d, f)
		},
		latest:  make(map[string]Frame),
		updates: make(chan View, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	tick := s.tickSource
	var ticker *time.Ticker
	if tick == nil {
		ticker = time.NewTicker(s.renderTick)
		tick = ticker.C
	}
	go s.renderLoop(tick, ticker)
	return s
}

// Updates delivers coalesced views. Only the newest unconsumed view is kept.
// The channel is closed by Close.
func (s *Stream) Updates() <-chan View {
	return s.updates
}

// Ingest records a frame. Frames for the focused platform also become the
// displayed frame and reset the staleness timer. A frame older than the one
// already cached for its platform is dropped, so a frame arriving through a
// second path never replaces a newer one.
func (s *Stream) Ingest(frame Frame) {
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if cached, ok := s.latest[frame.Platform]; ok && frame.olderThan(cached) {
		return
	}
	s.latest[frame.Platform] = frame
	if s.focus != "" && frame.Platform == s.focus {
		f := frame
		s.current = &f
		s.stale = false
		s.armStaleLocked()
	}
	s.dirty = true
}

// SetFocus follows platform's live feed, or returns to gallery mode when
// platform is "". The previous feed is stopped before the next one starts.
// A cached frame for platform is shown immediately. When the feed cannot be
// started, the view carries a FeedStartError and is not active.
func (s *Stream) SetFocus(ctx context.Context, platform string) error {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if platform != "" && platform == s.focus && s.active {
		s.mu.Unlock()
		return nil
	}
	prev := s.sub
	s.sub = nil
	s.active = false
	s.err = nil
	s.stale = false
	s.stopStaleLocked()
	s.focus = platform
	s.current = nil
	if f, ok := s.latest[platform]; ok && platform != "" {
		s.current = &f
	}
	s.dirty = true
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	if platform == "" {
		return nil
	}

	sub, err := s.transport.StartFeed(ctx, platform)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if sub != nil {
			sub.Stop()
		}
		return ErrStreamClosed
	}
	s.dirty = true
	if err != nil {
		s.err = &FeedStartError{Platform: platform, Cause: err}
		s.logger.Warn("live feed start failed", "platform", platform, "error", err)
		return s.err
	}
	s.sub = sub
	s.active = true
	s.armStaleLocked()
	go s.pump(sub)
	s.logger.Debug("live feed started", "platform", platform)
	return nil
}

// Focus returns the focused platform, "" in gallery mode.
func (s *Stream) Focus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.focus
}

// Exit leaves live mode: the feed is stopped and cached frames, timers and
// focus are cleared. It is safe to call repeatedly.
func (s *Stream) Exit() {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()
	s.exit()
}

func (s *Stream) exit() {
	s.mu.Lock()
	prev := s.sub
	s.sub = nil
	s.active = false
	s.err = nil
	s.stale = false
	s.stopStaleLocked()
	s.focus = ""
	s.current = nil
	clear(s.latest)
	s.dirty = true
	s.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
}

// Close exits live mode and stops publishing views.
func (s *Stream) Close() {
	s.focusMu.Lock()
	defer s.focusMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.exit()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	<-s.done
}

func (s *Stream) pump(sub Subscription) {
	for frame := range sub.Frames() {
		s.Ingest(frame)
	}
}

// armStaleLocked restarts the staleness timer for the current focus.
func (s *Stream) armStaleLocked() {
	s.stopStaleLocked()
	gen := s.staleGen
	s.staleTimer = s.afterFunc(s.staleAfter, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen != s.staleGen || s.closed || s.focus == "" {
			return
		}
		s.stale = true
		s.dirty = true
	})
}

func (s *Stream) stopStaleLocked() {
	s.staleGen++
	if s.staleTimer != nil {
		s.staleTimer.Stop()
		s.staleTimer = nil
	}
}

func (s *Stream) renderLoop(tick <-chan time.Time, ticker *time.Ticker) {
	defer close(s.done)
	defer close(s.updates)
	if ticker != nil {
		defer ticker.Stop()
	}

	for {
		select {
		case <-s.quit:
			return
		case <-tick:
			if v, ok := s.takeView(); ok {
				s.publish(v)
			}
		}
	}
}

// takeView snapshots the state if it changed since the last tick.
func (s *Stream) takeView() (View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return View{}, false
	}
	s.dirty = false
	s.seq++

	v := View{
		Seq:    s.seq,
		Focus:  s.focus,
		Active: s.active,
		Stale:  s.stale,
		Err:    s.err,
	}
	if s.focus != "" {
		if s.current != nil {
			f := *s.current
			v.Frame = &f
		}
		return v, true
	}
	v.Gallery = make([]Frame, 0, len(s.latest))
	for _, f := range s.latest {
		v.Gallery = append(v.Gallery, f)
	}
	sort.Slice(v.Gallery, func(i, j int) bool { return v.Gallery[i].Platform < v.Gallery[j].Platform })
	return v, true
}

// publish replaces any unconsumed view with v. renderLoop is the only sender.
func (s *Stream) publish(v View) {
	select {
	case s.updates <- v:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- v:
	default:
	}
}
