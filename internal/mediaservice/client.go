// Package mediaservice is the HTTP client for the remote media service that
// renders avatar streams.
package mediaservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"avatar-console/internal/assets"
	"avatar-console/internal/platform/logger"

	"github.com/google/uuid"
)

// Endpoint paths relative to the service base URL.
const (
	PathStart = "/streams/start"
	PathStop  = "/streams/stop"
	PathText  = "/streams/text"
)

// Operation names used in errors and logs.
const (
	OpStart = "start"
	OpStop  = "stop"
	OpText  = "text"
)

// maxErrorBody bounds how much of a failed response body is kept.
const maxErrorBody = 4 << 10

// StartResult is the decoded body of a successful start call.
type StartResult struct {
	StreamKey    string
	PlaybackPath string
}

// Client issues single-shot requests against the media service. It never
// retries and applies no timeout of its own.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger used for request tracing.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New returns a Client for the service at baseURL. A trailing slash on
// baseURL is dropped so that paths can be appended directly.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		log:     logger.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the service address without trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// PlaybackURL joins the base URL with a playback path returned by Start.
func (c *Client) PlaybackURL(path string) string {
	return c.baseURL + path
}

// Start uploads the bundle and asks the service to start the stream.
func (c *Client) Start(ctx context.Context, b *assets.Bundle) (StartResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	writeErr := make(chan error, 1)
	go func() {
		err := b.WriteMultipart(mw)
		if err == nil {
			err = mw.Close()
		}
		writeErr <- err
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathStart, pr)
	if err != nil {
		pr.Close()
		return StartResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.do(req, OpStart, b.StreamKey())
	if err != nil {
		select {
		case werr := <-writeErr:
			if werr != nil && !errors.Is(werr, io.ErrClosedPipe) {
				return StartResult{}, fmt.Errorf("encode assets: %w", werr)
			}
		default:
		}
		return StartResult{}, err
	}
	defer resp.Body.Close()

	var body struct {
		StreamKey   string  `json:"streamKey"`
		PlaybackURL *string `json:"playbackUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StartResult{}, &ProtocolError{Op: OpStart, Err: err}
	}
	if body.PlaybackURL == nil || *body.PlaybackURL == "" {
		return StartResult{}, &ProtocolError{Op: OpStart, Err: errors.New("playbackUrl missing")}
	}

	key := body.StreamKey
	if key == "" {
		key = b.StreamKey()
	}
	return StartResult{StreamKey: key, PlaybackPath: *body.PlaybackURL}, nil
}

// Stop asks the service to stop the stream named by streamKey.
func (c *Client) Stop(ctx context.Context, streamKey string) error {
	return c.postJSON(ctx, OpStop, PathStop, streamKey, map[string]string{"streamKey": streamKey})
}

// SendText queues text for speech synthesis on the stream named by streamKey.
func (c *Client) SendText(ctx context.Context, streamKey, text string) error {
	return c.postJSON(ctx, OpText, PathText, streamKey, map[string]string{"streamKey": streamKey, "text": text})
}

func (c *Client) postJSON(ctx context.Context, op, path, streamKey string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s body: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(req, op, streamKey)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}

// do sends req and turns transport failures and non-2xx answers into typed
// errors. On success the caller owns resp.Body.
func (c *Client) do(req *http.Request, op, streamKey string) (*http.Response, error) {
	id := requestID(req.Context())
	req.Header.Set(logger.RequestIDHeader, id)

	log := c.log.With(
		slog.String("op", op),
		slog.String("stream_key", streamKey),
		slog.String("request_id", id),
	)
	log.Debug("media service request", slog.String("url", req.URL.String()))

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn("media service unreachable", slog.String("error", err.Error()))
		return nil, &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		log.Warn("media service rejected request", slog.Int("status", resp.StatusCode))
		return nil, &ServiceError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	log.Debug("media service response", slog.Int("status", resp.StatusCode))
	return resp, nil
}

type requestIDKey struct{}

// WithRequestID returns a context whose outgoing media service requests carry id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
