package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"avatar-console/internal/platform/logger"
	"avatar-console/internal/platform/metrics"
)

// ErrClosed is returned by Manager operations after Close.
var ErrClosed = errors.New("playback manager closed")

// Manager owns the video sink and keeps at most one adaptive session
// attached to it. A new URL always replaces the previous attachment, and the
// previous session is released before the new one is opened.
type Manager struct {
	mu      sync.Mutex
	engine  Engine
	sink    Sink
	log     *slog.Logger
	metrics *metrics.Metrics

	state   State
	url     string
	session Session
	direct  bool
	closed  bool
}

// NewManager returns a detached Manager. engine may be nil, in which case
// URLs are assigned to the sink directly. log and m may be nil.
func NewManager(engine Engine, log *slog.Logger, m *metrics.Metrics) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{engine: engine, log: log, metrics: m}
}

// SetSink makes sink the playback target. Any current attachment is released
// first; a nil sink leaves the manager detached until a sink is set again.
// The last requested URL is re-attached to the new sink.
func (m *Manager) SetSink(sink Sink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	url := m.url
	m.releaseLocked()
	m.sink = sink
	m.url = url
	if sink == nil || url == "" {
		return nil
	}
	return m.attachLocked(url)
}

// Update reacts to a new playback URL. An empty url detaches.
func (m *Manager) Update(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if url == "" {
		m.releaseLocked()
		m.url = ""
		return nil
	}
	if url == m.url && m.state == Attached {
		return nil
	}

	m.releaseLocked()
	m.url = url
	if m.sink == nil {
		m.log.Debug("playback url pending, no sink", slog.String("url", url))
		return nil
	}
	return m.attachLocked(url)
}

// Close releases the current attachment. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.releaseLocked()
	m.url = ""
	m.closed = true
	return nil
}

// State returns the attachment state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// URL returns the attached URL, or "" when detached.
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Attached {
		return ""
	}
	return m.url
}

// Adaptive reports whether the current attachment is an adaptive session
// rather than a direct source assignment.
func (m *Manager) Adaptive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Attached && !m.direct
}

// attachLocked requires m.sink != nil and no current attachment.
func (m *Manager) attachLocked(url string) error {
	if m.engine == nil || !m.engine.Supported() {
		m.sink.SetSource(url)
		m.state = Attached
		m.direct = true
		m.metrics.PlaybackAttached()
		m.log.Info("playback attached", slog.String("url", url), slog.String("mode", "direct"))
		return nil
	}

	sess, err := m.engine.Open(context.Background(), url, m.sink)
	if err != nil {
		m.log.Error("playback attach failed", slog.String("url", url), slog.String("error", err.Error()))
		return fmt.Errorf("open playback session: %w", err)
	}
	m.session = sess
	m.state = Attached
	m.direct = false
	m.metrics.PlaybackAttached()
	m.log.Info("playback attached", slog.String("url", url), slog.String("mode", "adaptive"))
	return nil
}

func (m *Manager) releaseLocked() {
	if m.state != Attached {
		return
	}
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			m.log.Warn("playback session close failed", slog.String("error", err.Error()))
		}
		m.session = nil
	}
	if m.sink != nil {
		m.sink.Reset()
	}
	m.log.Info("playback released", slog.String("url", m.url))
	m.state = Detached
	m.direct = false
	m.metrics.PlaybackReleased()
}
