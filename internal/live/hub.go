package live

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSubscriberBuffer is the per-subscription frame buffer.
const DefaultSubscriberBuffer = 4

// allPlatforms keys Watch subscriptions.
const allPlatforms = "*"

// Hub is an in-process Transport. Producers register a platform and publish
// its frames; subscribers receive them without ever blocking a producer. When
// a subscriber falls behind, its oldest buffered frame is dropped.
type Hub struct {
	mu        sync.RWMutex
	producers map[string]int
	subs      map[string]map[*hubSub]struct{}
	buffer    int
	closed    bool
	seq       atomic.Uint64
}

// NewHub constructs a hub. buffer <= 0 uses DefaultSubscriberBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Hub{
		producers: make(map[string]int),
		subs:      make(map[string]map[*hubSub]struct{}),
		buffer:    buffer,
	}
}

// Register announces a producer for platform. Call the returned func when the
// producer stops.
func (h *Hub) Register(platform string) (unregister func()) {
	h.mu.Lock()
	h.producers[platform]++
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.producers[platform]--; h.producers[platform] <= 0 {
				delete(h.producers, platform)
			}
		})
	}
}

// Platforms returns the platforms with a registered producer.
func (h *Hub) Platforms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.producers))
	for p := range h.producers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Publish stamps frame with the next sequence number and fans it out to the
// platform's subscribers and every watcher.
func (h *Hub) Publish(frame Frame) {
	if frame.ReceivedAt.IsZero() {
		frame.ReceivedAt = time.Now()
	}
	frame.Seq = h.seq.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for sub := range h.subs[frame.Platform] {
		sub.offer(frame)
	}
	for sub := range h.subs[allPlatforms] {
		sub.offer(frame)
	}
}

// StartFeed implements Transport. It fails with ErrPlatformUnavailable when no
// producer is registered for platform.
func (h *Hub) StartFeed(ctx context.Context, platform string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.producers[platform] == 0 {
		return nil, ErrPlatformUnavailable
	}
	return h.subscribeLocked(platform), nil
}

// Watch subscribes to every platform's frames, including platforms whose
// producers register later. Gallery observers ingest from it.
func (h *Hub) Watch(ctx context.Context) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrPlatformUnavailable
	}
	return h.subscribeLocked(allPlatforms), nil
}

func (h *Hub) subscribeLocked(key string) *hubSub {
	sub := &hubSub{hub: h, platform: key, ch: make(chan Frame, h.buffer)}
	if h.subs[key] == nil {
		h.subs[key] = make(map[*hubSub]struct{})
	}
	h.subs[key][sub] = struct{}{}
	return sub
}

// Subscribers returns the number of active subscriptions for platform.
func (h *Hub) Subscribers(platform string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[platform])
}

// Close ends every subscription and drops future frames.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for platform, subs := range h.subs {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, platform)
	}
}

func (h *Hub) remove(sub *hubSub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.subs[sub.platform]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.platform)
	}
	close(sub.ch)
}

type hubSub struct {
	hub      *Hub
	platform string
	ch       chan Frame
	once     sync.Once
}

func (s *hubSub) Frames() <-chan Frame {
	return s.ch
}

func (s *hubSub) Stop() {
	s.once.Do(func() { s.hub.remove(s) })
}

// offer is called with the hub read lock held, so ch is open.
func (s *hubSub) offer(frame Frame) {
	for {
		select {
		case s.ch <- frame:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}
