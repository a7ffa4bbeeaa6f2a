package livetext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"avatar-console/internal/mediaservice"
	"avatar-console/internal/platform/logger"

	"github.com/gorilla/websocket"
)

// statusQueued is the acknowledgement the media service sends per message.
const statusQueued = "queued"

// WSTransport sends text over the media service's per-stream WebSocket
// (/ws/{streamKey}). Connections are opened on first use, cached per stream
// key and dropped on any error.
type WSTransport struct {
	baseURL string
	dialer  *websocket.Dialer
	log     *slog.Logger

	// mu serializes sends so each acknowledgement matches its write.
	mu    sync.Mutex
	conns map[string]*websocket.Conn
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport returns a transport for the service at the given http(s)
// base URL.
func NewWSTransport(httpBaseURL string, log *slog.Logger) (*WSTransport, error) {
	u, err := url.Parse(strings.TrimRight(httpBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse media service url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported media service scheme %q", u.Scheme)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &WSTransport{
		baseURL: u.String(),
		dialer:  &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second},
		log:     log.With(slog.String("transport", "ws")),
		conns:   make(map[string]*websocket.Conn),
	}, nil
}

// SendText implements Transport.
func (t *WSTransport) SendText(ctx context.Context, streamKey, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := t.connLocked(ctx, streamKey)
	if err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
		conn.SetReadDeadline(time.Time{})
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		t.dropLocked(streamKey)
		return t.classify(err)
	}

	var ack struct {
		Status string `json:"status"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		t.dropLocked(streamKey)
		return t.classify(err)
	}
	if ack.Status != statusQueued {
		t.dropLocked(streamKey)
		return &mediaservice.ProtocolError{Op: mediaservice.OpText, Err: fmt.Errorf("unexpected ack status %q", ack.Status)}
	}
	return nil
}

// Close closes every cached connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.conns {
		t.dropLocked(key)
	}
	return nil
}

func (t *WSTransport) connLocked(ctx context.Context, streamKey string) (*websocket.Conn, error) {
	if c, ok := t.conns[streamKey]; ok {
		return c, nil
	}

	target := t.baseURL + "/ws/" + url.PathEscape(streamKey)
	c, resp, err := t.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &mediaservice.ServiceError{Op: mediaservice.OpText, StatusCode: resp.StatusCode}
		}
		return nil, &mediaservice.TransportError{Op: mediaservice.OpText, Err: err}
	}
	t.log.Debug("text socket connected", slog.String("stream_key", streamKey))
	t.conns[streamKey] = c
	return c, nil
}

func (t *WSTransport) dropLocked(streamKey string) {
	if c, ok := t.conns[streamKey]; ok {
		c.Close()
		delete(t.conns, streamKey)
		t.log.Debug("text socket closed", slog.String("stream_key", streamKey))
	}
}

// classify maps a socket error to the media service error types. A policy
// violation close means the stream does not exist.
func (t *WSTransport) classify(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.ClosePolicyViolation {
			return &mediaservice.ServiceError{Op: mediaservice.OpText, StatusCode: http.StatusNotFound, Body: ce.Text}
		}
		return &mediaservice.ServiceError{Op: mediaservice.OpText, StatusCode: http.StatusBadGateway, Body: ce.Error()}
	}
	return &mediaservice.TransportError{Op: mediaservice.OpText, Err: err}
}
