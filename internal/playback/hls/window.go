package hls

import (
	"sort"
	"sync"
	"time"

	"avatar-console/internal/playback"
)

// DefaultWindowSize is the default number of segments kept in the window.
const DefaultWindowSize = 6

// Window is a concurrency-safe sliding window of received segments keyed by
// sequence number.
type Window struct {
	mu       sync.RWMutex
	size     int
	segments map[int64]playback.Segment
	ended    bool
}

// NewWindow returns a Window keeping at most size segments. If size <= 0,
// DefaultWindowSize is used.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{size: size, segments: make(map[int64]playback.Segment)}
}

// Add records seg. Duplicate sequence numbers are ignored and do not corrupt
// state; Add reports whether seg was new. Segments older than the window
// are dropped.
func (w *Window) Add(seg playback.Segment) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.segments[seg.Sequence]; exists {
		return false
	}
	if seg.ReceivedAt.IsZero() {
		seg.ReceivedAt = time.Now().UTC()
	}
	w.segments[seg.Sequence] = seg
	w.pruneLocked()
	return true
}

// End marks the window as finished; the playlist gets #EXT-X-ENDLIST.
func (w *Window) End() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ended = true
}

// Reset drops every segment and the ended flag.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.segments = make(map[int64]playback.Segment)
	w.ended = false
}

// Len returns the number of stored segments.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.segments)
}

// Visible returns the segments a player may see: the last window of stored
// segments, cut at the first sequence gap.
func (w *Window) Visible() []playback.Segment {
	segs, _ := w.snapshot()
	return mirroredRun(segs, w.size)
}

// Playlist renders the visible segments as a live playlist.
func (w *Window) Playlist() string {
	segs, ended := w.snapshot()
	return BuildLivePlaylist(mirroredRun(segs, w.size), ended)
}

// snapshot returns a copy of the stored segments sorted by sequence.
func (w *Window) snapshot() ([]playback.Segment, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]playback.Segment, 0, len(w.segments))
	for _, seg := range w.segments {
		out = append(out, seg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, w.ended
}

// pruneLocked keeps only the newest w.size sequences. Caller must hold w.mu.
func (w *Window) pruneLocked() {
	if len(w.segments) <= w.size {
		return
	}
	seqs := make([]int64, 0, len(w.segments))
	for seq := range w.segments {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs[:len(seqs)-w.size] {
		delete(w.segments, seq)
	}
}

// mirroredRun picks what the mirror publishes from segs (sorted by
// sequence): at most limit of the newest entries, ending before the first
// missing sequence so local players never skip over a hole.
func mirroredRun(segs []playback.Segment, limit int) []playback.Segment {
	if len(segs) > limit {
		segs = segs[len(segs)-limit:]
	}
	n := 0
	for n < len(segs) && (n == 0 || segs[n].Sequence == segs[n-1].Sequence+1) {
		n++
	}
	if n == 0 {
		return nil
	}
	return append([]playback.Segment(nil), segs[:n]...)
}
