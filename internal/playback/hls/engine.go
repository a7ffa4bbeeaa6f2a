package hls

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"avatar-console/internal/platform/logger"
	"avatar-console/internal/playback"
)

// DefaultMinPollInterval floors the playlist reload interval.
const DefaultMinPollInterval = 500 * time.Millisecond

// maxPlaylistBytes bounds a single playlist download.
const maxPlaylistBytes = 1 << 20

// Config configures an Engine.
type Config struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// MaxBandwidth caps variant selection on master playlists, in bits per
	// second. Zero means no cap.
	MaxBandwidth int64
	// MinPollInterval floors the reload interval.
	MinPollInterval time.Duration
}

// Engine follows live HLS playlists over HTTP.
type Engine struct {
	cfg Config
}

var _ playback.Engine = (*Engine)(nil)

// Ender is implemented by sinks that want to know when a playlist ended.
type Ender interface {
	End()
}

// NewEngine returns an Engine, filling in defaults for unset fields.
func NewEngine(cfg Config) *Engine {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Discard()
	}
	if cfg.MinPollInterval <= 0 {
		cfg.MinPollInterval = DefaultMinPollInterval
	}
	return &Engine{cfg: cfg}
}

// Supported implements playback.Engine. The engine is plain HTTP and runs
// wherever the console runs.
func (e *Engine) Supported() bool { return true }

// Open implements playback.Engine. It validates the URL and starts a poller
// goroutine that lives until the returned session is closed or the playlist
// ends.
func (e *Engine) Open(ctx context.Context, rawURL string, sink playback.Sink) (playback.Session, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse playback url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported playback url scheme %q", u.Scheme)
	}
	if sink == nil {
		return nil, fmt.Errorf("nil sink")
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		engine:  e,
		url:     u,
		sink:    sink,
		log:     e.cfg.Logger.With(slog.String("url", rawURL)),
		cancel:  cancel,
		done:    make(chan struct{}),
		lastSeq: -1,
	}
	go s.run(ctx)
	return s, nil
}

type session struct {
	engine *Engine
	url    *url.URL
	sink   playback.Sink
	log    *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mediaURL *url.URL
	lastSeq  int64
	// cadence is the last reload interval; failed reloads retry at it.
	cadence time.Duration
}

// Close stops the poller and waits for it to exit. No segment is delivered
// to the sink after Close returns.
func (s *session) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

func (s *session) run(ctx context.Context) {
	defer close(s.done)

	for {
		wait, ended := s.poll(ctx)
		if ended {
			s.log.Info("playlist ended")
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// poll reloads the media playlist once and returns how long to wait before
// the next reload. A failed reload keeps the current cadence, or the floor
// before the first successful one.
func (s *session) poll(ctx context.Context) (time.Duration, bool) {
	minWait := s.engine.cfg.MinPollInterval

	pl, err := s.load(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Debug("playlist reload failed", slog.String("error", err.Error()))
		}
		if s.cadence > 0 {
			return s.cadence, false
		}
		return minWait, false
	}

	appended := 0
	if n := len(pl.Segments); n > 0 && pl.Segments[n-1].Sequence < s.lastSeq {
		s.log.Info("media sequence restarted", slog.Int64("last", s.lastSeq), slog.Int64("now", pl.Segments[n-1].Sequence))
		s.lastSeq = -1
		s.sink.Reset()
	}
	for _, seg := range pl.Segments {
		if seg.Sequence <= s.lastSeq {
			continue
		}
		if ctx.Err() != nil {
			return 0, false
		}
		seg.URI = resolve(s.mediaURL, seg.URI)
		if err := s.sink.Append(seg); err != nil {
			s.log.Warn("sink rejected segment", slog.Int64("sequence", seg.Sequence), slog.String("error", err.Error()))
			break
		}
		s.lastSeq = seg.Sequence
		appended++
	}

	if pl.Ended {
		if e, ok := s.sink.(Ender); ok {
			e.End()
		}
		return 0, true
	}

	wait := time.Duration(pl.TargetDuration * float64(time.Second))
	if appended == 0 {
		wait /= 2
	}
	if wait < minWait {
		wait = minWait
	}
	s.cadence = wait
	return wait, false
}

// load fetches the media playlist, resolving a master playlist to one
// variant on first use.
func (s *session) load(ctx context.Context) (*Playlist, error) {
	if s.mediaURL == nil {
		pl, err := s.fetch(ctx, s.url)
		if err != nil {
			return nil, err
		}
		if !pl.Master {
			s.mediaURL = s.url
			return pl, nil
		}
		v, ok := selectVariant(pl.Variants, s.engine.cfg.MaxBandwidth)
		if !ok {
			return nil, fmt.Errorf("master playlist has no variants")
		}
		variantURL, err := s.url.Parse(v.URI)
		if err != nil {
			return nil, fmt.Errorf("variant url: %w", err)
		}
		s.log.Info("variant selected", slog.String("variant", variantURL.String()), slog.Int64("bandwidth", v.Bandwidth))
		s.mediaURL = variantURL
	}

	pl, err := s.fetch(ctx, s.mediaURL)
	if err != nil {
		return nil, err
	}
	if pl.Master {
		return nil, fmt.Errorf("variant %s is a master playlist", s.mediaURL)
	}
	return pl, nil
}

func (s *session) fetch(ctx context.Context, u *url.URL) (*Playlist, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.engine.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxPlaylistBytes))
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}
	return ParsePlaylist(io.LimitReader(resp.Body, maxPlaylistBytes))
}

// selectVariant picks the highest bandwidth not above limit, or the lowest
// variant when none fits. A limit of 0 means no cap.
func selectVariant(variants []Variant, limit int64) (Variant, bool) {
	if len(variants) == 0 {
		return Variant{}, false
	}
	sorted := make([]Variant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Bandwidth < sorted[j].Bandwidth })

	if limit <= 0 {
		return sorted[len(sorted)-1], true
	}
	best := sorted[0]
	for _, v := range sorted {
		if v.Bandwidth <= limit {
			best = v
		}
	}
	return best, true
}

// resolve returns ref resolved against base, or ref unchanged if it cannot
// be parsed.
func resolve(base *url.URL, ref string) string {
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
