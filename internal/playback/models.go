// Package playback attaches adaptive-streaming sessions to a video sink.
package playback

import (
	"context"
	"time"
)

// Segment is a single media segment delivered to a sink.
type Segment struct {
	Sequence int64
	Duration float64
	URI      string

	// ReceivedAt is stamped by whoever stores the segment.
	ReceivedAt time.Time
}

// Sink is the video output a playback URL is attached to.
type Sink interface {
	// SetSource assigns url as the sink's direct source. Used when no
	// adaptive-streaming engine is available.
	SetSource(url string)
	// Append delivers the next segment of an attached adaptive session.
	Append(seg Segment) error
	// Reset drops whatever the sink is playing.
	Reset()
}

// Engine creates adaptive-streaming sessions.
type Engine interface {
	// Supported reports whether the engine can run in this environment.
	Supported() bool
	// Open loads the manifest at url and starts feeding sink.
	Open(ctx context.Context, url string, sink Sink) (Session, error)
}

// Session is one live adaptive-streaming attachment. Close releases every
// resource it holds and is safe to call more than once.
type Session interface {
	Close() error
}

// State of a Manager.
type State int

const (
	Detached State = iota
	Attached
)

func (s State) String() string {
	if s == Attached {
		return "attached"
	}
	return "detached"
}
