package vod

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/telemetry"
)

// minTailSeconds is the shortest part worth emitting; shorter remainders join the previous part.
const minTailSeconds = 1.0

// Transcoder is the subset of transcode.Runner the processor needs.
type Transcoder interface {
	Remux(ctx context.Context, in, out string) error
	Cut(ctx context.Context, in, out string, start, duration float64) error
	Duration(ctx context.Context, path string) (float64, error)
}

// Part is one output file of a processed broadcast.
type Part struct {
	Index    int
	FilePath string
	Start    float64
	Duration float64
	Chapters []db.Chapter
}

// Window is a [Start, Start+Duration) range of the remuxed file.
type Window struct {
	Start    float64
	Duration float64
}

// Processor turns a captured transport stream into upload-ready parts.
type Processor struct {
	Transcoder Transcoder
	Logger     *slog.Logger
}

func (p *Processor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Process remuxes captured, measures it and splits it into parts no longer than maxPart
// seconds. captured and the remuxed intermediate are removed only after every part exists.
func (p *Processor) Process(ctx context.Context, id, captured string, chapters []db.Chapter, maxPart float64) ([]Part, error) {
	remuxed, duration, err := p.Prepare(ctx, id, captured)
	if err != nil {
		return nil, err
	}
	parts, err := p.Split(ctx, id, remuxed, duration, chapters, maxPart)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(captured); err != nil && !os.IsNotExist(err) {
		p.logger().Warn("remove captured file", slog.String("path", captured), slog.Any("err", err))
	}
	return parts, nil
}

// Prepare remuxes captured into <dir>/<id>.mp4 and returns its probed duration. The probe
// result is authoritative; segment durations from the playlist are never summed.
func (p *Processor) Prepare(ctx context.Context, id, captured string) (string, float64, error) {
	ctx, span := telemetry.StartSpan(ctx, "vod", "vod.prepare", telemetry.VODID(id))
	remuxed := filepath.Join(filepath.Dir(captured), id+".mp4")
	duration, err := func() (float64, error) {
		if err := p.Transcoder.Remux(ctx, captured, remuxed); err != nil {
			return 0, fmt.Errorf("remux %s: %w", id, err)
		}
		d, err := p.Transcoder.Duration(ctx, remuxed)
		if err != nil {
			return 0, fmt.Errorf("probe %s: %w", id, err)
		}
		return d, nil
	}()
	telemetry.EndSpan(span, err)
	if err != nil {
		return "", 0, err
	}
	p.logger().Info("remux complete", slog.String("vod_id", id), slog.String("path", remuxed), slog.Float64("duration_s", duration))
	return remuxed, duration, nil
}

// Split cuts remuxed into windows of maxPart seconds. A file that fits in one window is
// returned as a single part with the chapters unchanged. When the file is split, remuxed
// is removed after the last cut succeeds. A failed cut leaves remuxed and every part
// written so far on disk for inspection.
func (p *Processor) Split(ctx context.Context, id, remuxed string, duration float64, chapters []db.Chapter, maxPart float64) ([]Part, error) {
	windows := SplitWindows(duration, maxPart)
	if len(windows) <= 1 {
		return []Part{{Index: 0, FilePath: remuxed, Start: 0, Duration: duration, Chapters: chapters}}, nil
	}

	ctx, span := telemetry.StartSpan(ctx, "vod", "vod.split", telemetry.VODID(id))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	dir := filepath.Dir(remuxed)
	parts := make([]Part, 0, len(windows))
	for i, w := range windows {
		out := filepath.Join(dir, fmt.Sprintf("%s-part%d.mp4", id, i+1))
		if err = p.Transcoder.Cut(ctx, remuxed, out, w.Start, w.Duration); err != nil {
			err = fmt.Errorf("cut part %d of %s: %w", i+1, id, err)
			return nil, err
		}
		parts = append(parts, Part{
			Index:    i,
			FilePath: out,
			Start:    w.Start,
			Duration: w.Duration,
			Chapters: SliceChapters(chapters, w, maxPart),
		})
		p.logger().Info("part written", slog.String("vod_id", id), slog.Int("part", i+1), slog.Int("of", len(windows)), slog.Float64("start_s", w.Start))
	}
	if rmErr := os.Remove(remuxed); rmErr != nil && !os.IsNotExist(rmErr) {
		p.logger().Warn("remove remuxed file", slog.String("path", remuxed), slog.Any("err", rmErr))
	}
	return parts, nil
}

// Clip cuts w out of src into pieces of at most maxPart seconds, written next to src as
// <tag>.mp4, or <tag>-part<n>.mp4 when more than one piece is needed. Part offsets are relative
// to src. src is never removed; a failed cut leaves the pieces already written.
func (p *Processor) Clip(ctx context.Context, src, tag string, w Window, maxPart float64) ([]Part, error) {
	pieces := SplitWindows(w.Duration, maxPart)
	if len(pieces) == 0 {
		return nil, fmt.Errorf("clip %s: empty window", tag)
	}
	ctx, span := telemetry.StartSpan(ctx, "vod", "vod.clip")
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	dir := filepath.Dir(src)
	parts := make([]Part, 0, len(pieces))
	for i, piece := range pieces {
		name := tag + ".mp4"
		if len(pieces) > 1 {
			name = fmt.Sprintf("%s-part%d.mp4", tag, i+1)
		}
		out := filepath.Join(dir, name)
		start := w.Start + piece.Start
		if err = p.Transcoder.Cut(ctx, src, out, start, piece.Duration); err != nil {
			err = fmt.Errorf("clip %s piece %d: %w", tag, i+1, err)
			return nil, err
		}
		parts = append(parts, Part{Index: i, FilePath: out, Start: start, Duration: piece.Duration})
	}
	p.logger().Info("clip written", slog.String("tag", tag), slog.Int("pieces", len(parts)), slog.Float64("start_s", w.Start))
	return parts, nil
}

// SplitWindows divides duration into consecutive windows of maxPart seconds; the last one
// may be shorter. A remainder under one second is folded into the previous window.
func SplitWindows(duration, maxPart float64) []Window {
	if duration <= 0 {
		return nil
	}
	if maxPart <= 0 || duration <= maxPart {
		return []Window{{Start: 0, Duration: duration}}
	}
	var out []Window
	for start := 0.0; start < duration; start += maxPart {
		d := maxPart
		if rest := duration - start; rest < d {
			d = rest
		}
		if d < minTailSeconds && len(out) > 0 {
			out[len(out)-1].Duration += d
			break
		}
		out = append(out, Window{Start: start, Duration: d})
	}
	return out
}

// SliceChapters returns the chapters overlapping w with offsets rebased to the window start.
// A chapter that starts inside the window and is shorter than maxPart keeps its full
// length; any other chapter is clamped to the window.
func SliceChapters(chapters []db.Chapter, w Window, maxPart float64) []db.Chapter {
	end := w.Start + w.Duration
	var out []db.Chapter
	for _, c := range chapters {
		if c.End <= w.Start || c.Start >= end {
			continue
		}
		rebased := db.Chapter{Name: c.Name, GameID: c.GameID, Start: c.Start - w.Start, End: c.End - w.Start}
		if c.Start >= w.Start && c.Duration() < maxPart {
			out = append(out, rebased)
			continue
		}
		if rebased.Start < 0 {
			rebased.Start = 0
		}
		if rebased.End > w.Duration {
			rebased.End = w.Duration
		}
		out = append(out, rebased)
	}
	return out
}
