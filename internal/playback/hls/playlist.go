// Package hls is a small HLS engine: it follows a live playlist, delivers new
// segments to a playback sink and re-serves what it received as a local live
// playlist.
package hls

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"avatar-console/internal/playback"

	"github.com/grafov/m3u8"
)

// ErrNotPlaylist is returned by ParsePlaylist when the input does not start
// with #EXTM3U.
var ErrNotPlaylist = errors.New("not an m3u8 playlist")

// Variant is one entry of a master playlist.
type Variant struct {
	URI       string
	Bandwidth int64
}

// Playlist is a parsed master or media playlist. Segment URIs are kept as
// written; callers resolve them against the playlist URL.
type Playlist struct {
	Master         bool
	Variants       []Variant
	TargetDuration float64
	MediaSequence  int64
	Segments       []playback.Segment
	Ended          bool
}

// ParsePlaylist reads an m3u8 document in strict mode, so malformed tags
// are errors. Segments are numbered from the media sequence.
func ParsePlaylist(r io.Reader) (*Playlist, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), " \t\r\n")
	if !bytes.HasPrefix(trimmed, []byte("#EXTM3U")) {
		return nil, ErrNotPlaylist
	}

	decoded, kind, err := m3u8.DecodeFrom(bytes.NewReader(trimmed), true)
	if err != nil {
		return nil, fmt.Errorf("decode playlist: %w", err)
	}

	switch kind {
	case m3u8.MASTER:
		master, ok := decoded.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, fmt.Errorf("decode playlist: unexpected type %T", decoded)
		}
		pl := &Playlist{Master: true}
		for _, v := range master.Variants {
			if v == nil || v.URI == "" {
				continue
			}
			pl.Variants = append(pl.Variants, Variant{URI: v.URI, Bandwidth: int64(v.Bandwidth)})
		}
		return pl, nil

	case m3u8.MEDIA:
		media, ok := decoded.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, fmt.Errorf("decode playlist: unexpected type %T", decoded)
		}
		pl := &Playlist{
			TargetDuration: media.TargetDuration,
			MediaSequence:  int64(media.SeqNo),
			Ended:          media.Closed,
		}
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			pl.Segments = append(pl.Segments, playback.Segment{
				Sequence: pl.MediaSequence + int64(len(pl.Segments)),
				Duration: seg.Duration,
				URI:      seg.URI,
			})
		}
		return pl, nil
	}
	return nil, fmt.Errorf("decode playlist: unknown playlist type %v", kind)
}

// BuildLivePlaylist renders the playlist the mirror hands to local players:
// segments in sequence order, media sequence taken from the first one, and
// #EXT-X-ENDLIST once the followed stream has finished. With no segments it
// still yields a loadable playlist that a player will keep reloading.
func BuildLivePlaylist(segments []playback.Segment, ended bool) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")

	var first int64
	if len(segments) > 0 {
		first = segments[0].Sequence
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(segments))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	if len(segments) > 0 {
		b.WriteString("\n")
	}
	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.1f,\n%s\n", seg.Duration, seg.URI)
	}
	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// targetDuration is the longest mirrored segment rounded up to whole
// seconds, never below one.
func targetDuration(segments []playback.Segment) int {
	longest := 0.0
	for _, seg := range segments {
		longest = math.Max(longest, seg.Duration)
	}
	return int(math.Max(1, math.Ceil(longest)))
}
