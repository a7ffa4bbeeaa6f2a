package session

import (
	"context"
	"errors"
	"time"

	"avatar-console/internal/assets"
	"avatar-console/internal/mediaservice"
)

// Phase is the client-observed lifecycle phase of the stream.
type Phase int

const (
	Idle Phase = iota
	Starting
	Live
	Stopping
)

var phaseNames = [...]string{"idle", "starting", "live", "stopping"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Operator-facing status lines. Only the latest one is ever shown.
const (
	StatusMissingKey    = "Please enter a stream key."
	StatusMissingAssets = "Please select avatar, background, and logo files."
	StatusStarted       = "Stream started."
	StatusStartFailed   = "Failed to start stream."
	StatusStopped       = "Stream stopped."
	StatusStopFailed    = "Failed to stop stream."
	StatusTextQueued    = "Text queued for synthesis."
	StatusTextFailed    = "Failed to send text."
)

// ErrorKind classifies the failure behind the current status line.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindService    ErrorKind = "service"
	KindProtocol   ErrorKind = "protocol"
	KindTransport  ErrorKind = "transport"
	KindInternal   ErrorKind = "internal"
)

// ErrorInfo describes the last failed operation.
type ErrorInfo struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"statusCode,omitempty"`
}

// Snapshot is an immutable copy of the controller state.
type Snapshot struct {
	Phase       Phase      `json:"phase"`
	StreamKey   string     `json:"streamKey,omitempty"`
	PlaybackURL string     `json:"playbackUrl,omitempty"`
	Status      string     `json:"status,omitempty"`
	Err         *ErrorInfo `json:"error,omitempty"`
	Token       uint64     `json:"token"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

var (
	// ErrEmptyStreamKey is returned when an operation has no stream key.
	ErrEmptyStreamKey = errors.New("stream key is empty")
	// ErrSuperseded is returned when a lifecycle result arrived after a
	// later start or stop was issued; the result was discarded.
	ErrSuperseded = errors.New("superseded by a later operation")
	// ErrClosed is returned by operations on a closed controller.
	ErrClosed = errors.New("session controller closed")
)

// Lifecycle starts and stops streams on the media service.
type Lifecycle interface {
	Start(ctx context.Context, b *assets.Bundle) (mediaservice.StartResult, error)
	Stop(ctx context.Context, streamKey string) error
	PlaybackURL(path string) string
}

// TextSender dispatches live text. sent is false when nothing was sent.
type TextSender interface {
	Send(ctx context.Context, streamKey, text string) (sent bool, err error)
}

// PlaybackTarget follows the controller's playback URL.
type PlaybackTarget interface {
	Update(url string) error
}

// StartRequest carries the operator's inputs for a start.
type StartRequest struct {
	StreamKey  string
	Avatar     assets.Source
	Background assets.Source
	Logo       assets.Source
}
