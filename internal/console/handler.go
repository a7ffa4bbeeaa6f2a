// Package console is the operator HTTP surface of the session controller.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"

	"avatar-console/internal/assets"
	"avatar-console/internal/livetext"
	"avatar-console/internal/mediaservice"
	"avatar-console/internal/platform/logger"
	"avatar-console/internal/platform/metrics"
	"avatar-console/internal/session"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// maxFormBytes bounds a start upload: three files of up to 50 MiB each.
	maxFormBytes = 150 << 20
	// maxFormMemory is kept in memory; larger files spill to disk.
	maxFormMemory = 32 << 20
	maxJSONBytes  = 64 << 10
)

// Controller is the part of *session.Controller the console drives.
type Controller interface {
	Snapshot() session.Snapshot
	Start(ctx context.Context, req session.StartRequest) (session.Snapshot, error)
	Stop(ctx context.Context, streamKey string) (session.Snapshot, error)
	Send(ctx context.Context, streamKey, text string) (session.Snapshot, bool, error)
}

// PlaylistSource serves what the local player should load.
type PlaylistSource interface {
	Playlist() (body, redirect string, ok bool)
}

// Handler exposes the session endpoints using go-chi.
type Handler struct {
	ctrl       Controller
	player     PlaylistSource
	defaultKey string
	log        *slog.Logger
	metrics    *metrics.Metrics
}

// NewHandler returns a Handler. player may be nil, in which case the
// playback endpoint always answers 404. Metrics may be nil.
func NewHandler(ctrl Controller, player PlaylistSource, defaultKey string, log *slog.Logger, m *metrics.Metrics) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{ctrl: ctrl, player: player, defaultKey: defaultKey, log: log, metrics: m}
}

// Mount registers the console routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/start", h.StartStream)
		r.Post("/stop", h.StopStream)
		r.Post("/text", h.SendText)
	})
	r.Get("/playback/index.m3u8", h.GetPlaylist)
}

// GetSession handles GET /session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

// StartStream handles POST /session/start.
// Body: multipart form with streamKey, avatar, background and logo.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		h.log.Debug("invalid start form", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	key := h.defaultKey
	if v, ok := r.MultipartForm.Value[assets.FieldStreamKey]; ok && len(v) > 0 {
		key = v[0]
	}
	req := session.StartRequest{
		StreamKey:  key,
		Avatar:     formFile(r.MultipartForm, assets.FieldAvatar),
		Background: formFile(r.MultipartForm, assets.FieldBackground),
		Logo:       formFile(r.MultipartForm, assets.FieldLogo),
	}

	snap, err := h.ctrl.Start(h.operationContext(w, r), req)
	h.respond(w, "start", snap, err)
}

type stopRequest struct {
	StreamKey string `json:"streamKey"`
}

// StopStream handles POST /session/stop.
// Body: { "streamKey": "demo-stream" }. An empty body stops the current
// session's stream.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	var body stopRequest
	if !h.decode(w, r, &body) {
		return
	}
	snap, err := h.ctrl.Stop(h.operationContext(w, r), body.StreamKey)
	h.respond(w, "stop", snap, err)
}

type textRequest struct {
	StreamKey string `json:"streamKey"`
	Text      string `json:"text"`
}

type textResponse struct {
	Sent     bool             `json:"sent"`
	Snapshot session.Snapshot `json:"snapshot"`
}

// SendText handles POST /session/text.
// Body: { "streamKey": "demo-stream", "text": "Hello" }.
func (h *Handler) SendText(w http.ResponseWriter, r *http.Request) {
	var body textRequest
	if !h.decode(w, r, &body) {
		return
	}
	snap, sent, err := h.ctrl.Send(h.operationContext(w, r), body.StreamKey, body.Text)
	if err != nil {
		h.logFailure("text", snap, err)
	}
	writeJSON(w, statusFor(err), textResponse{Sent: sent, Snapshot: snap})
}

// GetPlaylist handles GET /playback/index.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	if h.player == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, redirect, ok := h.player.Playlist()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if redirect != "" {
		http.Redirect(w, r, redirect, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

// operationContext detaches the operation from the client connection so an
// in-flight media request is never abandoned halfway, and forwards the
// console request ID to the media service.
func (h *Handler) operationContext(w http.ResponseWriter, r *http.Request) context.Context {
	ctx := context.WithoutCancel(r.Context())
	if id := w.Header().Get(logger.RequestIDHeader); id != "" {
		ctx = mediaservice.WithRequestID(ctx, id)
	}
	return ctx
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		h.log.Debug("invalid json body", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, op string, snap session.Snapshot, err error) {
	if err != nil {
		h.logFailure(op, snap, err)
	}
	writeJSON(w, statusFor(err), snap)
}

func (h *Handler) logFailure(op string, snap session.Snapshot, err error) {
	attrs := []any{
		slog.String("op", op),
		slog.String("stream_key", snap.StreamKey),
		slog.String("error", err.Error()),
	}
	switch statusFor(err) {
	case http.StatusBadRequest, http.StatusConflict:
		h.log.Info("operation rejected", attrs...)
	default:
		h.log.Error("operation failed", attrs...)
	}
}

// statusFor maps an operation error to the console response code.
func statusFor(err error) int {
	var verr *assets.ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr),
		errors.Is(err, assets.ErrMissingAsset),
		errors.Is(err, session.ErrEmptyStreamKey),
		errors.Is(err, livetext.ErrTextTooLong):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	}

	var (
		se *mediaservice.ServiceError
		pe *mediaservice.ProtocolError
		te *mediaservice.TransportError
	)
	if errors.As(err, &se) || errors.As(err, &pe) || errors.As(err, &te) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func formFile(form *multipart.Form, field string) assets.Source {
	if fhs := form.File[field]; len(fhs) > 0 {
		return assets.FromFileHeader(fhs[0])
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
