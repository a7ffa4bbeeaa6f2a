package hls

import (
	"sync"

	"avatar-console/internal/platform/metrics"
	"avatar-console/internal/playback"
)

// Mirror is a playback.Sink that keeps the segments of the attached stream
// in a Window so they can be re-served as a local live playlist. In direct
// mode it only remembers the assigned source URL.
type Mirror struct {
	window  *Window
	metrics *metrics.Metrics

	mu     sync.RWMutex
	source string
}

var _ playback.Sink = (*Mirror)(nil)

// NewMirror returns an empty Mirror with a window of windowSize segments.
func NewMirror(windowSize int, m *metrics.Metrics) *Mirror {
	return &Mirror{window: NewWindow(windowSize), metrics: m}
}

// SetSource implements playback.Sink.
func (m *Mirror) SetSource(url string) {
	m.mu.Lock()
	m.source = url
	m.mu.Unlock()
	m.window.Reset()
}

// Append implements playback.Sink.
func (m *Mirror) Append(seg playback.Segment) error {
	if m.window.Add(seg) {
		m.metrics.IncPlaybackSegments()
	}
	return nil
}

// End marks the mirrored stream as finished.
func (m *Mirror) End() {
	m.window.End()
}

// Reset implements playback.Sink.
func (m *Mirror) Reset() {
	m.mu.Lock()
	m.source = ""
	m.mu.Unlock()
	m.window.Reset()
}

// Segments returns the currently visible segments.
func (m *Mirror) Segments() []playback.Segment {
	return m.window.Visible()
}

// Playlist returns what a player should load. In direct mode redirect is the
// assigned source; otherwise body is the mirrored live playlist. ok is false
// when nothing is attached or no segment has arrived yet.
func (m *Mirror) Playlist() (body, redirect string, ok bool) {
	m.mu.RLock()
	source := m.source
	m.mu.RUnlock()

	if source != "" {
		return "", source, true
	}
	if m.window.Len() == 0 {
		return "", "", false
	}
	return m.window.Playlist(), "", true
}
