package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"avatar-console/internal/livetext"
	"avatar-console/internal/mediaservice"
	"avatar-console/internal/mediaservice/mediaservicetest"
	"avatar-console/internal/platform/logger"
	"avatar-console/internal/playback"
	"avatar-console/internal/playback/hls"
	"avatar-console/internal/session"

	"github.com/go-chi/chi/v5"
)

type testConsole struct {
	srv    *mediaservicetest.Server
	router *chi.Mux
	mirror *hls.Mirror
}

func newTestConsole(t *testing.T, engine playback.Engine) *testConsole {
	t.Helper()
	srv := mediaservicetest.NewServer()
	t.Cleanup(srv.Close)

	client := mediaservice.New(srv.URL)
	ctrl := session.New(client, livetext.NewDispatcher(client, nil, nil), nil, nil)
	t.Cleanup(func() { ctrl.Close() })

	mirror := hls.NewMirror(6, nil)
	mgr := playback.NewManager(engine, nil, nil)
	mgr.SetSink(mirror)
	ctrl.Bind(mgr)
	t.Cleanup(func() { mgr.Close() })

	h := NewHandler(ctrl, mirror, "demo-stream", nil, nil)
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(logger.Discard()))
	h.Mount(r)
	return &testConsole{srv: srv, router: r, mirror: mirror}
}

func (c *testConsole) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	c.router.ServeHTTP(rec, req)
	return rec
}

func startForm(t *testing.T, fields map[string]string, files ...string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f, f+".bin")
		if err != nil {
			t.Fatal(err)
		}
		fmt.Fprintf(fw, "%s-bytes", f)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/session/start", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeSnapshot(t *testing.T, rec *httptest.ResponseRecorder) session.Snapshot {
	t.Helper()
	var raw struct {
		Phase       string `json:"phase"`
		StreamKey   string `json:"streamKey"`
		PlaybackURL string `json:"playbackUrl"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	snap := session.Snapshot{StreamKey: raw.StreamKey, PlaybackURL: raw.PlaybackURL, Status: raw.Status}
	for _, p := range []session.Phase{session.Idle, session.Starting, session.Live, session.Stopping} {
		if p.String() == raw.Phase {
			snap.Phase = p
		}
	}
	return snap
}

var allFiles = []string{"avatar", "background", "logo"}

func TestHandler_GetSession(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(httptest.NewRequest(http.MethodGet, "/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"phase":"idle"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandler_StartStream(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(startForm(t, map[string]string{"streamKey": "op-stream"}, allFiles...))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap := decodeSnapshot(t, rec)
	want := c.srv.URL + "/live/op-stream/index.m3u8"
	if snap.Phase != session.Live || snap.PlaybackURL != want || snap.Status != session.StatusStarted {
		t.Errorf("unexpected snapshot: %+v", snap)
	}

	st, ok := c.srv.Stream("op-stream")
	if !ok || string(st.Assets["background"]) != "background-bytes" {
		t.Errorf("assets not uploaded: %+v", st)
	}
}

func TestHandler_StartStream_default_key(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(startForm(t, nil, allFiles...))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if snap := decodeSnapshot(t, rec); snap.StreamKey != "demo-stream" {
		t.Errorf("StreamKey = %q", snap.StreamKey)
	}
}

func TestHandler_StartStream_empty_key(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(startForm(t, map[string]string{"streamKey": ""}, allFiles...))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if snap := decodeSnapshot(t, rec); snap.Status != session.StatusMissingKey {
		t.Errorf("Status = %q", snap.Status)
	}
	if len(c.srv.Requests()) != 0 {
		t.Error("no request should reach the media service")
	}
}

func TestHandler_StartStream_missing_asset(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(startForm(t, map[string]string{"streamKey": "demo-stream"}, "avatar", "background"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if snap := decodeSnapshot(t, rec); snap.Phase != session.Idle || snap.Status != session.StatusMissingAssets {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if len(c.srv.Requests()) != 0 {
		t.Error("no request should reach the media service")
	}
}

func TestHandler_StartStream_not_multipart(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(jsonRequest("/session/start", `{"streamKey":"demo-stream"}`))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_StartStream_service_failure(t *testing.T) {
	c := newTestConsole(t, nil)
	c.srv.FailWith(mediaservice.PathStart, http.StatusInternalServerError)

	rec := c.do(startForm(t, nil, allFiles...))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	snap := decodeSnapshot(t, rec)
	if snap.Phase != session.Idle || snap.PlaybackURL != "" || snap.Status != session.StatusStartFailed {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
	if !strings.Contains(rec.Body.String(), `"kind":"service"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestHandler_request_id_forwarded(t *testing.T) {
	c := newTestConsole(t, nil)

	req := startForm(t, nil, allFiles...)
	req.Header.Set(logger.RequestIDHeader, "req-123")
	c.do(req)

	reqs := c.srv.Requests()
	if len(reqs) != 1 || reqs[0].RequestID != "req-123" {
		t.Errorf("requests = %+v", reqs)
	}
}

func TestHandler_StopStream(t *testing.T) {
	c := newTestConsole(t, nil)
	c.do(startForm(t, nil, allFiles...))

	rec := c.do(jsonRequest("/session/stop", `{"streamKey":"demo-stream"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	snap := decodeSnapshot(t, rec)
	if snap.Phase != session.Idle || snap.PlaybackURL != "" || snap.Status != session.StatusStopped {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestHandler_StopStream_empty_body_uses_session_key(t *testing.T) {
	c := newTestConsole(t, nil)
	c.do(startForm(t, map[string]string{"streamKey": "op-stream"}, allFiles...))

	req := httptest.NewRequest(http.MethodPost, "/session/stop", nil)
	if rec := c.do(req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := c.srv.Stream("op-stream"); ok {
		t.Error("stream should be stopped")
	}
}

func TestHandler_StopStream_unknown_stream(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(jsonRequest("/session/stop", `{"streamKey":"demo-stream"}`))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if snap := decodeSnapshot(t, rec); snap.Status != session.StatusStopFailed || snap.Phase != session.Idle {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestHandler_SendText(t *testing.T) {
	c := newTestConsole(t, nil)
	c.do(startForm(t, nil, allFiles...))

	rec := c.do(jsonRequest("/session/text", `{"streamKey":"demo-stream","text":"Hello"}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Sent     bool `json:"sent"`
		Snapshot struct {
			Phase  string `json:"phase"`
			Status string `json:"status"`
		} `json:"snapshot"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Sent || resp.Snapshot.Phase != "live" || resp.Snapshot.Status != session.StatusTextQueued {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandler_SendText_blank(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(jsonRequest("/session/text", `{"streamKey":"demo-stream","text":"  \n "}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"sent":false`) {
		t.Errorf("body = %s", rec.Body.String())
	}
	if len(c.srv.Requests()) != 0 {
		t.Error("no request should reach the media service")
	}
}

func TestHandler_SendText_too_long(t *testing.T) {
	c := newTestConsole(t, nil)

	body, _ := json.Marshal(map[string]string{"streamKey": "demo-stream", "text": strings.Repeat("x", livetext.MaxTextChars+1)})
	rec := c.do(jsonRequest("/session/text", string(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_SendText_bad_request(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(jsonRequest("/session/text", "not json"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandler_GetPlaylist_detached(t *testing.T) {
	c := newTestConsole(t, nil)

	rec := c.do(httptest.NewRequest(http.MethodGet, "/playback/index.m3u8", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetPlaylist_direct_redirects(t *testing.T) {
	c := newTestConsole(t, nil)
	c.do(startForm(t, nil, allFiles...))

	rec := c.do(httptest.NewRequest(http.MethodGet, "/playback/index.m3u8", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != c.srv.URL+"/live/demo-stream/index.m3u8" {
		t.Errorf("Location = %q", loc)
	}

	c.do(jsonRequest("/session/stop", `{}`))
	if rec := c.do(httptest.NewRequest(http.MethodGet, "/playback/index.m3u8", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("after stop expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetPlaylist_adaptive_mirror(t *testing.T) {
	engine := hls.NewEngine(hls.Config{MinPollInterval: 10 * time.Millisecond})
	c := newTestConsole(t, engine)
	c.do(startForm(t, nil, allFiles...))
	c.srv.AddSegments("demo-stream", 2)

	deadline := time.Now().Add(5 * time.Second)
	for len(c.mirror.Segments()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("mirror has %d segments", len(c.mirror.Segments()))
		}
		time.Sleep(10 * time.Millisecond)
	}

	rec := c.do(httptest.NewRequest(http.MethodGet, "/playback/index.m3u8", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, "#EXTM3U") || !strings.Contains(body, "segment_00002.ts") {
		t.Errorf("body = %s", body)
	}
}

// stubController returns a fixed error from every operation.
type stubController struct{ err error }

func (s stubController) Snapshot() session.Snapshot { return session.Snapshot{} }

func (s stubController) Start(context.Context, session.StartRequest) (session.Snapshot, error) {
	return session.Snapshot{}, s.err
}

func (s stubController) Stop(context.Context, string) (session.Snapshot, error) {
	return session.Snapshot{}, s.err
}

func (s stubController) Send(context.Context, string, string) (session.Snapshot, bool, error) {
	return session.Snapshot{}, false, s.err
}

func TestHandler_StopStream_superseded(t *testing.T) {
	h := NewHandler(stubController{err: session.ErrSuperseded}, nil, "demo-stream", nil, nil)
	r := chi.NewRouter()
	h.Mount(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, jsonRequest("/session/stop", `{"streamKey":"demo-stream"}`))
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{session.ErrEmptyStreamKey, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", livetext.ErrTextTooLong), http.StatusBadRequest},
		{session.ErrSuperseded, http.StatusConflict},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{&mediaservice.ServiceError{Op: "stop", StatusCode: 404}, http.StatusBadGateway},
		{&mediaservice.ProtocolError{Op: "start", Err: errors.New("bad json")}, http.StatusBadGateway},
		{&mediaservice.TransportError{Op: "text", Err: errors.New("refused")}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
