// Package session owns the stream session state and sequences asset
// submission, stream start/stop, live text and playback attachment.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"avatar-console/internal/assets"
	"avatar-console/internal/livetext"
	"avatar-console/internal/mediaservice"
	"avatar-console/internal/platform/logger"
	"avatar-console/internal/platform/metrics"
)

// Controller is the session state machine. Operations may overlap; every
// start and stop takes a new token and only the result of the latest token
// is applied.
//
// Subscribers are notified in commit order. A subscriber must not call
// Start, Stop, Send or Close.
type Controller struct {
	lifecycle Lifecycle
	text      TextSender
	log       *slog.Logger
	metrics   *metrics.Metrics

	mu     sync.Mutex
	state  Snapshot
	closed bool

	// notifyMu is taken before mu is released so deliveries keep commit order.
	notifyMu  sync.Mutex
	listeners map[int]func(Snapshot)
	nextID    int
}

// New returns an Idle controller. log and m may be nil.
func New(lifecycle Lifecycle, text TextSender, log *slog.Logger, m *metrics.Metrics) *Controller {
	if log == nil {
		log = logger.Discard()
	}
	return &Controller{
		lifecycle: lifecycle,
		text:      text,
		log:       log,
		metrics:   m,
		state:     Snapshot{Phase: Idle, UpdatedAt: time.Now().UTC()},
		listeners: make(map[int]func(Snapshot)),
	}
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for every state change and returns a function that
// removes it.
func (c *Controller) Subscribe(fn func(Snapshot)) (cancel func()) {
	c.notifyMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.notifyMu.Unlock()

	return func() {
		c.notifyMu.Lock()
		delete(c.listeners, id)
		c.notifyMu.Unlock()
	}
}

// Bind keeps target attached to the current playback URL: it is updated now
// and on every change of Snapshot.PlaybackURL.
func (c *Controller) Bind(target PlaybackTarget) (cancel func()) {
	var last string
	apply := func(s Snapshot) {
		if s.PlaybackURL == last {
			return
		}
		last = s.PlaybackURL
		if err := target.Update(s.PlaybackURL); err != nil {
			c.log.Error("playback update failed", slog.String("url", s.PlaybackURL), slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	current := c.state
	c.notifyMu.Lock()
	c.mu.Unlock()
	apply(current)
	id := c.nextID
	c.nextID++
	c.listeners[id] = apply
	c.notifyMu.Unlock()

	return func() {
		c.notifyMu.Lock()
		delete(c.listeners, id)
		c.notifyMu.Unlock()
	}
}

// Start validates the request, uploads the assets and, on success, moves to
// Live with the stream's playback URL. Every failure ends in Idle.
func (c *Controller) Start(ctx context.Context, req StartRequest) (Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.state, ErrClosed
	}
	if strings.TrimSpace(req.StreamKey) == "" {
		return c.commit(func(s *Snapshot) {
			s.Status = StatusMissingKey
			s.Err = describe(ErrEmptyStreamKey)
		}), ErrEmptyStreamKey
	}
	bundle, err := assets.Build(req.StreamKey, req.Avatar, req.Background, req.Logo)
	if err != nil {
		return c.commit(func(s *Snapshot) {
			s.Status = StatusMissingAssets
			s.Err = describe(err)
		}), err
	}

	token := c.state.Token + 1
	c.commit(func(s *Snapshot) {
		s.Phase = Starting
		s.StreamKey = req.StreamKey
		s.Token = token
		s.Err = nil
	})
	log := c.log.With(slog.String("stream_key", req.StreamKey), slog.Uint64("token", token))
	log.Info("starting stream")

	res, err := c.lifecycle.Start(ctx, bundle)

	c.mu.Lock()
	if c.stale(token) {
		defer c.mu.Unlock()
		log.Info("discarding superseded start result")
		c.metrics.ObserveOperation("start", metrics.OutcomeStale)
		return c.state, ErrSuperseded
	}
	if err != nil {
		log.Warn("start failed", slog.String("error", err.Error()))
		c.metrics.ObserveOperation("start", metrics.OutcomeFailure)
		c.metrics.SetLive(false)
		return c.commit(func(s *Snapshot) {
			s.Phase = Idle
			s.PlaybackURL = ""
			s.Status = StatusStartFailed
			s.Err = describe(err)
		}), err
	}

	url := c.lifecycle.PlaybackURL(res.PlaybackPath)
	log.Info("stream live", slog.String("url", url))
	c.metrics.ObserveOperation("start", metrics.OutcomeSuccess)
	c.metrics.SetLive(true)
	return c.commit(func(s *Snapshot) {
		s.Phase = Live
		s.StreamKey = res.StreamKey
		s.PlaybackURL = url
		s.Status = StatusStarted
		s.Err = nil
	}), nil
}

// Stop asks the service to stop the stream. An empty streamKey means the
// key of the current session. The stop request is issued even when Idle;
// the service's answer decides the status. On failure a session that was
// Live when the stop began stays Live with its playback untouched; from any
// other phase it ends Idle with the playback URL cleared.
func (c *Controller) Stop(ctx context.Context, streamKey string) (Snapshot, error) {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.state, ErrClosed
	}
	if streamKey == "" {
		streamKey = c.state.StreamKey
	}
	if strings.TrimSpace(streamKey) == "" {
		return c.commit(func(s *Snapshot) {
			s.Status = StatusMissingKey
			s.Err = describe(ErrEmptyStreamKey)
		}), ErrEmptyStreamKey
	}

	prev := c.state
	token := prev.Token + 1
	c.commit(func(s *Snapshot) {
		s.Phase = Stopping
		s.Token = token
		s.Err = nil
	})
	log := c.log.With(slog.String("stream_key", streamKey), slog.Uint64("token", token))
	log.Info("stopping stream")

	err := c.lifecycle.Stop(ctx, streamKey)

	c.mu.Lock()
	if c.stale(token) {
		defer c.mu.Unlock()
		log.Info("discarding superseded stop result")
		c.metrics.ObserveOperation("stop", metrics.OutcomeStale)
		return c.state, ErrSuperseded
	}
	if err != nil {
		log.Warn("stop failed", slog.String("error", err.Error()))
		c.metrics.ObserveOperation("stop", metrics.OutcomeFailure)
		return c.commit(func(s *Snapshot) {
			if prev.Phase == Live {
				s.Phase = Live
				s.StreamKey = prev.StreamKey
				s.PlaybackURL = prev.PlaybackURL
			} else {
				s.Phase = Idle
				s.PlaybackURL = ""
			}
			s.Status = StatusStopFailed
			s.Err = describe(err)
		}), err
	}

	log.Info("stream stopped")
	c.metrics.ObserveOperation("stop", metrics.OutcomeSuccess)
	c.metrics.SetLive(false)
	return c.commit(func(s *Snapshot) {
		s.Phase = Idle
		s.PlaybackURL = ""
		s.Status = StatusStopped
		s.Err = nil
	}), nil
}

// Send dispatches live text regardless of the lifecycle phase. Blank text
// changes nothing and returns sent == false. An empty streamKey means the
// key of the current session.
func (c *Controller) Send(ctx context.Context, streamKey, text string) (Snapshot, bool, error) {
	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.state, false, ErrClosed
	}
	if streamKey == "" {
		streamKey = c.state.StreamKey
	}
	if streamKey == "" && strings.TrimSpace(text) != "" {
		return c.commit(func(s *Snapshot) {
			s.Status = StatusMissingKey
			s.Err = describe(ErrEmptyStreamKey)
		}), false, ErrEmptyStreamKey
	}
	c.mu.Unlock()

	sent, err := c.text.Send(ctx, streamKey, text)
	if !sent && err == nil {
		return c.Snapshot(), false, nil
	}

	c.mu.Lock()
	if c.closed {
		defer c.mu.Unlock()
		return c.state, sent, err
	}
	if err != nil {
		return c.commit(func(s *Snapshot) {
			s.Status = StatusTextFailed
			s.Err = describe(err)
		}), false, err
	}
	return c.commit(func(s *Snapshot) {
		s.Status = StatusTextQueued
		s.Err = nil
	}), true, nil
}

// Close detaches playback and invalidates in-flight operations. It does not
// stop the remote stream.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.metrics.SetLive(false)
	c.commit(func(s *Snapshot) {
		s.Phase = Idle
		s.PlaybackURL = ""
		s.Token++
	})
	return nil
}

// stale reports whether token was overtaken. Caller must hold c.mu.
func (c *Controller) stale(token uint64) bool {
	return c.closed || c.state.Token != token
}

// commit applies update to the state, releases c.mu and notifies
// subscribers. Caller must hold c.mu.
func (c *Controller) commit(update func(*Snapshot)) Snapshot {
	update(&c.state)
	c.state.UpdatedAt = time.Now().UTC()
	snap := c.state

	c.notifyMu.Lock()
	c.mu.Unlock()
	defer c.notifyMu.Unlock()
	for _, fn := range c.listeners {
		fn(snap)
	}
	return snap
}

// describe converts an operation error into the structured form exposed in
// snapshots.
func describe(err error) *ErrorInfo {
	info := &ErrorInfo{Kind: KindInternal, Message: err.Error()}

	var (
		se *mediaservice.ServiceError
		pe *mediaservice.ProtocolError
		te *mediaservice.TransportError
	)
	switch {
	case errors.Is(err, assets.ErrMissingAsset),
		errors.Is(err, ErrEmptyStreamKey),
		errors.Is(err, livetext.ErrTextTooLong):
		info.Kind = KindValidation
	case errors.As(err, &se):
		info.Kind = KindService
		info.StatusCode = se.StatusCode
	case errors.As(err, &pe):
		info.Kind = KindProtocol
	case errors.As(err, &te):
		info.Kind = KindTransport
	}
	return info
}
