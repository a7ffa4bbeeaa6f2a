// Package livetext pushes operator text to a running stream for speech
// synthesis.
package livetext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"avatar-console/internal/platform/logger"
	"avatar-console/internal/platform/metrics"
)

// MaxTextChars is the longest message the media service accepts.
const MaxTextChars = 500

// ErrTextTooLong is returned for messages over MaxTextChars characters.
var ErrTextTooLong = errors.New("text too long")

// Transport delivers one message to the media service.
type Transport interface {
	SendText(ctx context.Context, streamKey, text string) error
}

// Dispatcher validates messages and hands them to a Transport. It keeps no
// state between calls.
type Dispatcher struct {
	transport Transport
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewDispatcher returns a Dispatcher over t. log and m may be nil.
func NewDispatcher(t Transport, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{transport: t, log: log, metrics: m}
}

// Send forwards text unless it is blank. Blank text is not an error: Send
// returns sent == false and issues no request. The text is sent as typed,
// surrounding whitespace included.
func (d *Dispatcher) Send(ctx context.Context, streamKey, text string) (sent bool, err error) {
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	if n := utf8.RuneCountInString(text); n > MaxTextChars {
		return false, fmt.Errorf("%w: %d characters, limit %d", ErrTextTooLong, n, MaxTextChars)
	}

	if err := d.transport.SendText(ctx, streamKey, text); err != nil {
		d.metrics.ObserveOperation("text", metrics.OutcomeFailure)
		d.log.Warn("text dispatch failed", slog.String("stream_key", streamKey), slog.String("error", err.Error()))
		return false, err
	}

	d.metrics.ObserveOperation("text", metrics.OutcomeSuccess)
	d.metrics.IncTextsSent()
	d.log.Debug("text queued", slog.String("stream_key", streamKey), slog.Int("chars", utf8.RuneCountInString(text)))
	return true, nil
}
