// Package hls parses Twitch master/media playlists and persists the capture manifest in
// native m3u8 form, so a restarted process re-reads it with the same parser.
package hls

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
)

// ErrNoVariants is returned when a master playlist lists no playable variant.
var ErrNoVariants = errors.New("master playlist has no variants")

// SegmentRef identifies one media segment. Identity is URI equality.
type SegmentRef struct {
	URI      string
	Sequence int64
	Duration float64
}

// Manifest is the ordered segment list captured so far.
type Manifest struct {
	TargetDuration float64
	Segments       []SegmentRef
	Ended          bool
}

// Len returns the number of segments.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Segments)
}

// Tail returns the last segment, or false for an empty manifest.
func (m *Manifest) Tail() (SegmentRef, bool) {
	if m.Len() == 0 {
		return SegmentRef{}, false
	}
	return m.Segments[len(m.Segments)-1], true
}

// Contains reports whether a segment with the given URI is present.
func (m *Manifest) Contains(uri string) bool {
	if m == nil {
		return false
	}
	for _, s := range m.Segments {
		if s.URI == uri {
			return true
		}
	}
	return false
}

// TotalDuration sums the nominal segment durations.
func (m *Manifest) TotalDuration() float64 {
	var total float64
	if m == nil {
		return 0
	}
	for _, s := range m.Segments {
		total += s.Duration
	}
	return total
}

// Normalize orders segments by sequence and drops entries that would repeat a URI or
// fail to advance the sequence. The first occurrence wins.
func (m *Manifest) Normalize() {
	if m == nil {
		return
	}
	sort.SliceStable(m.Segments, func(i, j int) bool { return m.Segments[i].Sequence < m.Segments[j].Sequence })
	seen := make(map[string]struct{}, len(m.Segments))
	out := m.Segments[:0]
	for _, s := range m.Segments {
		if _, dup := seen[s.URI]; dup {
			continue
		}
		if n := len(out); n > 0 && s.Sequence <= out[n-1].Sequence {
			continue
		}
		seen[s.URI] = struct{}{}
		out = append(out, s)
	}
	m.Segments = out
}

// Merge returns prior extended with the segments of next that prior lacks, normalized.
// A segment of next whose sequence is already in prior under a different URI (Twitch renames
// muted segments in place) replaces that entry and counts as new. The second return value
// lists the new segments in sequence order.
func Merge(prior, next *Manifest) (*Manifest, []SegmentRef) {
	merged := &Manifest{}
	bySeq := make(map[int64]int)
	if prior != nil {
		merged.TargetDuration = prior.TargetDuration
		merged.Segments = append(merged.Segments, prior.Segments...)
		for i, s := range merged.Segments {
			bySeq[s.Sequence] = i
		}
	}
	var added []SegmentRef
	if next != nil {
		if next.TargetDuration > merged.TargetDuration {
			merged.TargetDuration = next.TargetDuration
		}
		merged.Ended = next.Ended
		fresh := make(map[string]struct{})
		for _, s := range next.Segments {
			if _, dup := fresh[s.URI]; dup || prior.Contains(s.URI) {
				continue
			}
			fresh[s.URI] = struct{}{}
			if i, ok := bySeq[s.Sequence]; ok {
				merged.Segments[i] = s
			} else {
				merged.Segments = append(merged.Segments, s)
			}
			added = append(added, s)
		}
	}
	merged.Normalize()
	// Drop anything Normalize rejected from the added list.
	kept := make(map[string]struct{}, merged.Len())
	for _, s := range merged.Segments {
		kept[s.URI] = struct{}{}
	}
	out := added[:0]
	for _, s := range added {
		if _, ok := kept[s.URI]; ok {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return merged, out
}

// VariantURL returns the absolute URL of the first variant in a master playlist.
// Twitch lists the source quality first.
func VariantURL(r io.Reader, base string) (string, error) {
	p, kind, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return "", fmt.Errorf("decode master playlist: %w", err)
	}
	if kind != m3u8.MASTER {
		return "", errors.New("expected master playlist, got media playlist")
	}
	master := p.(*m3u8.MasterPlaylist)
	for _, v := range master.Variants {
		if v != nil && v.URI != "" {
			return Resolve(base, v.URI)
		}
	}
	return "", ErrNoVariants
}

// ParseMedia decodes a media playlist into a Manifest. URIs are kept as written.
func ParseMedia(r io.Reader) (*Manifest, error) {
	p, kind, err := m3u8.DecodeFrom(r, false)
	if err != nil {
		return nil, fmt.Errorf("decode media playlist: %w", err)
	}
	if kind != m3u8.MEDIA {
		return nil, errors.New("expected media playlist, got master playlist")
	}
	media := p.(*m3u8.MediaPlaylist)
	m := &Manifest{TargetDuration: media.TargetDuration, Ended: media.Closed}
	for _, seg := range media.Segments {
		if seg == nil || seg.URI == "" {
			continue
		}
		m.Segments = append(m.Segments, SegmentRef{URI: seg.URI, Sequence: int64(seg.SeqId), Duration: seg.Duration})
	}
	return m, nil
}

// Encode writes the manifest as an HLS media playlist. Sequence numbers are written through
// EXT-X-MEDIA-SEQUENCE and are contiguous from the first segment, which Normalize guarantees
// for playlists captured from a single source.
func (m *Manifest) Encode(w io.Writer) error {
	capacity := uint(m.Len())
	if capacity == 0 {
		capacity = 1
	}
	p, err := m3u8.NewMediaPlaylist(0, capacity)
	if err != nil {
		return fmt.Errorf("new media playlist: %w", err)
	}
	if t, ok := m.head(); ok {
		p.SeqNo = uint64(t.Sequence)
	}
	p.TargetDuration = m.TargetDuration
	for _, s := range m.Segments {
		if err := p.Append(s.URI, s.Duration, ""); err != nil {
			return fmt.Errorf("append %s: %w", s.URI, err)
		}
		if t := p.Segments[p.Count()-1]; t != nil {
			t.SeqId = uint64(s.Sequence)
		}
	}
	if m.Ended {
		p.Close()
	}
	_, err = io.Copy(w, p.Encode())
	return err
}

// Bytes returns the encoded manifest.
func (m *Manifest) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *Manifest) head() (SegmentRef, bool) {
	if m.Len() == 0 {
		return SegmentRef{}, false
	}
	return m.Segments[0], true
}

// Resolve makes ref absolute against base.
func Resolve(base, ref string) (string, error) {
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse uri %q: %w", ref, err)
	}
	if r.IsAbs() {
		return r.String(), nil
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base %q: %w", base, err)
	}
	return b.ResolveReference(r).String(), nil
}

// LocalName maps a segment URI to a safe file name: the last path element without query.
func LocalName(uri string) string {
	u := uri
	if parsed, err := url.Parse(uri); err == nil && parsed.Path != "" {
		u = parsed.Path
	}
	name := path.Base(u)
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == ".." || name == "_" {
		return "segment.ts"
	}
	return name
}
