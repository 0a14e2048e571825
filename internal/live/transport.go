// Package live streams per-platform frames of automated sessions to observers.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPlatformUnavailable is returned when no producer serves a platform.
var ErrPlatformUnavailable = errors.New("platform feed unavailable")

// Frame is one captured image of a platform's session. Seq is stamped by the
// Hub in publication order; zero means unsequenced.
type Frame struct {
	Platform   string    `json:"platform"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
	Seq        uint64    `json:"seq,omitempty"`
}

// olderThan reports whether f was produced before other. Sequenced frames
// compare by Seq, so a frame delivered twice counts as older than itself.
func (f Frame) olderThan(other Frame) bool {
	if f.Seq != 0 && other.Seq != 0 {
		return f.Seq <= other.Seq
	}
	return f.ReceivedAt.Before(other.ReceivedAt)
}

// Subscription is an active feed. Frames is closed after Stop. Stop is
// idempotent and releases the feed before returning.
type Subscription interface {
	Frames() <-chan Frame
	Stop()
}

// Transport starts platform feeds.
type Transport interface {
	StartFeed(ctx context.Context, platform string) (Subscription, error)
}

// FeedStartError reports that a platform feed could not be started. Streams
// surface it in View.Err.
type FeedStartError struct {
	Platform string
	Cause    error
}

func (e *FeedStartError) Error() string {
	return fmt.Sprintf("failed to start feed for %s: %v", e.Platform, e.Cause)
}

func (e *FeedStartError) Unwrap() error {
	return e.Cause
}
