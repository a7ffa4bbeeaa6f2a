// Package mediaservicetest provides an in-process fake of the media service
// for tests: the stream endpoints, the per-stream text socket and a live
// playlist per started stream.
package mediaservicetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"

	"avatar-console/internal/playback"
	"avatar-console/internal/playback/hls"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

var streamKeyRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,64}$`)

// Request is one call recorded by the Server.
type Request struct {
	Method    string
	Path      string
	StreamKey string
	Text      string
	RequestID string
	Files     map[string]string
}

// Stream is the server-side state of a started stream.
type Stream struct {
	Key    string
	Assets map[string][]byte
	Texts  []string
}

// Gate blocks requests to one path until released.
type Gate struct {
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

// Arrived receives once per request that reached the gate.
func (g *Gate) Arrived() <-chan struct{} { return g.arrived }

// Release lets every held and future request through.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// Server is a fake media service. Create it with NewServer and Close it
// when done.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	streams   map[string]*Stream
	segments  map[string][]playback.Segment
	requests  []Request
	failures  map[string]int
	startBody string
	gates     map[string]*Gate
	upgrader  websocket.Upgrader
}

// NewServer starts a fake media service.
func NewServer() *Server {
	s := &Server{
		streams:  make(map[string]*Stream),
		segments: make(map[string][]playback.Segment),
		failures: make(map[string]int),
		gates:    make(map[string]*Gate),
	}

	r := chi.NewRouter()
	r.Post("/streams/start", s.handleStart)
	r.Post("/streams/text", s.handleText)
	r.Post("/streams/stop", s.handleStop)
	r.Get("/ws/{stream_key}", s.handleSocket)
	r.Get("/live/{stream_key}/index.m3u8", s.handlePlaylist)

	s.Server = httptest.NewServer(s.intercept(r))
	return s
}

// FailWith makes every later request to path answer status.
func (s *Server) FailWith(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = status
}

// ClearFailures undoes FailWith.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]int)
}

// RespondToStartWith makes successful start calls answer with body verbatim.
func (s *Server) RespondToStartWith(body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startBody = body
}

// Hold installs a gate on path. Requests to path are recorded, then wait
// until the gate is released or the client goes away.
func (s *Server) Hold(path string) *Gate {
	g := &Gate{arrived: make(chan struct{}, 16), release: make(chan struct{})}
	s.mu.Lock()
	s.gates[path] = g
	s.mu.Unlock()
	return g
}

// Requests returns every recorded request in arrival order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Count returns how many requests hit path.
func (s *Server) Count(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.Path == path {
			n++
		}
	}
	return n
}

// Stream returns a copy of the named stream's state.
func (s *Server) Stream(key string) (Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return Stream{}, false
	}
	return Stream{Key: st.Key, Assets: st.Assets, Texts: append([]string(nil), st.Texts...)}, true
}

// AddSegments appends n two-second segments to the stream's playlist.
func (s *Server) AddSegments(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendSegmentsLocked(key, n)
}

func (s *Server) appendSegmentsLocked(key string, n int) {
	segs := s.segments[key]
	for i := 0; i < n; i++ {
		seq := int64(len(segs))
		segs = append(segs, playback.Segment{Sequence: seq, Duration: 2.0, URI: fmt.Sprintf("segment_%05d.ts", seq)})
	}
	s.segments[key] = segs
}

// intercept records stream calls, applies gates and injected failures.
func (s *Server) intercept(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		status := s.failures[r.URL.Path]
		gate := s.gates[r.URL.Path]
		s.mu.Unlock()

		if gate != nil {
			gate.arrived <- struct{}{}
			select {
			case <-gate.release:
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			s.record(r, Request{})
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) record(r *http.Request, req Request) {
	req.Method = r.Method
	req.Path = r.URL.Path
	req.RequestID = r.Header.Get("X-Request-ID")
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.record(r, Request{})
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := r.FormValue("streamKey")
	req := Request{StreamKey: key, Files: make(map[string]string)}
	assets := make(map[string][]byte)
	for _, field := range []string{"avatar", "background", "logo"} {
		f, fh, err := r.FormFile(field)
		if err != nil {
			continue
		}
		data, _ := io.ReadAll(f)
		f.Close()
		req.Files[field] = fh.Filename
		assets[field] = data
	}
	s.record(r, req)

	if !streamKeyRE.MatchString(key) {
		http.Error(w, `{"detail":"Invalid streamKey format"}`, http.StatusBadRequest)
		return
	}
	if len(assets) != 3 {
		http.Error(w, `{"detail":"missing upload"}`, http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	s.streams[key] = &Stream{Key: key, Assets: assets}
	delete(s.segments, key)
	s.appendSegmentsLocked(key, 1)
	body := s.startBody
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if body != "" {
		io.WriteString(w, body)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"streamKey":   key,
		"playbackUrl": "/live/" + key + "/index.m3u8",
	})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StreamKey string `json:"streamKey"`
		Text      string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.record(r, Request{})
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.record(r, Request{StreamKey: body.StreamKey, Text: body.Text})

	if !s.enqueue(body.StreamKey, body.Text) {
		http.Error(w, `{"detail":"Stream not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"status":"queued"}`)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StreamKey string `json:"streamKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.record(r, Request{})
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	s.record(r, Request{StreamKey: body.StreamKey})

	s.mu.Lock()
	_, ok := s.streams[body.StreamKey]
	delete(s.streams, body.StreamKey)
	delete(s.segments, body.StreamKey)
	s.mu.Unlock()

	if !ok {
		http.Error(w, `{"detail":"Stream not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"status":"stopped"}`)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "stream_key")
	s.record(r, Request{StreamKey: key})

	s.mu.Lock()
	_, ok := s.streams[key]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "stream not found", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if !s.enqueue(key, string(msg)) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "stream not found"))
			return
		}
		if err := conn.WriteJSON(map[string]string{"status": "queued"}); err != nil {
			return
		}
	}
}

func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "stream_key")
	s.mu.Lock()
	segs, ok := s.segments[key]
	segs = append([]playback.Segment(nil), segs...)
	s.mu.Unlock()

	if !ok {
		http.Error(w, `{"detail":"Playlist not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	io.WriteString(w, hls.BuildLivePlaylist(segs, false))
}

func (s *Server) enqueue(key, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[key]
	if !ok {
		return false
	}
	st.Texts = append(st.Texts, text)
	return true
}
