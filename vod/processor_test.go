package vod

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/vod-archiver/db"
)

// fakeTranscoder writes small placeholder files and reports a fixed duration.
type fakeTranscoder struct {
	mu       sync.Mutex
	duration float64
	cuts     []Window
	failCut  int // 1-based cut index that fails; 0 never fails
	remuxErr error
}

func (f *fakeTranscoder) Remux(_ context.Context, in, out string) error {
	if f.remuxErr != nil {
		return f.remuxErr
	}
	if _, err := os.Stat(in); err != nil {
		return err
	}
	return os.WriteFile(out, []byte("mp4"), 0o644)
}

func (f *fakeTranscoder) Cut(_ context.Context, in, out string, start, duration float64) error {
	f.mu.Lock()
	f.cuts = append(f.cuts, Window{Start: start, Duration: duration})
	n := len(f.cuts)
	f.mu.Unlock()
	if f.failCut == n {
		return errors.New("ffmpeg exited with status 1")
	}
	if _, err := os.Stat(in); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("%s@%.0f", filepath.Base(in), start)), 0o644)
}

func (f *fakeTranscoder) Duration(context.Context, string) (float64, error) {
	return f.duration, nil
}

func writeCaptured(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1001.ts")
	if err := os.WriteFile(path, []byte("ts"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSplitWindows(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		maxPart  float64
		want     []Window
	}{
		{name: "fits in one part", duration: 3600, maxPart: 7200, want: []Window{{0, 3600}}},
		{name: "exactly max", duration: 7200, maxPart: 7200, want: []Window{{0, 7200}}},
		{name: "two equal parts", duration: 14400, maxPart: 7200, want: []Window{{0, 7200}, {7200, 7200}}},
		{name: "short last part", duration: 10000, maxPart: 4000, want: []Window{{0, 4000}, {4000, 4000}, {8000, 2000}}},
		{name: "sub-second remainder folded", duration: 14400.4, maxPart: 7200, want: []Window{{0, 7200}, {7200, 7200.4}}},
		{name: "zero duration", duration: 0, maxPart: 7200, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitWindows(tt.duration, tt.maxPart)
			if len(got) != len(tt.want) {
				t.Fatalf("SplitWindows() = %v, want %v", got, tt.want)
			}
			var sum float64
			for i := range got {
				if math.Abs(got[i].Start-tt.want[i].Start) > 1e-9 || math.Abs(got[i].Duration-tt.want[i].Duration) > 1e-9 {
					t.Errorf("window %d = %+v, want %+v", i, got[i], tt.want[i])
				}
				sum += got[i].Duration
			}
			if len(got) > 0 && math.Abs(sum-tt.duration) > 1e-9 {
				t.Errorf("windows sum to %v, want %v", sum, tt.duration)
			}
		})
	}
}

func TestSliceChapters(t *testing.T) {
	chapters := []db.Chapter{
		{Name: "Just Chatting", Start: 0, End: 1800},
		{Name: "Elden Ring", Start: 1800, End: 9000},
		{Name: "Tetris", Start: 9000, End: 9600},
		{Name: "Outro", Start: 13000, End: 14400},
	}
	const maxPart = 7200

	first := SliceChapters(chapters, Window{Start: 0, Duration: 7200}, maxPart)
	wantFirst := []db.Chapter{
		{Name: "Just Chatting", Start: 0, End: 1800},
		{Name: "Elden Ring", Start: 1800, End: 7200},
	}
	if !equalChapters(first, wantFirst) {
		t.Errorf("part 1 chapters = %+v, want %+v", first, wantFirst)
	}

	second := SliceChapters(chapters, Window{Start: 7200, Duration: 7200}, maxPart)
	wantSecond := []db.Chapter{
		{Name: "Elden Ring", Start: 0, End: 1800},
		{Name: "Tetris", Start: 1800, End: 2400},
		{Name: "Outro", Start: 5800, End: 7200},
	}
	if !equalChapters(second, wantSecond) {
		t.Errorf("part 2 chapters = %+v, want %+v", second, wantSecond)
	}
}

func TestSliceChaptersShortChapterKeptVerbatim(t *testing.T) {
	// Starts inside the first window, crosses into the second, shorter than maxPart.
	chapters := []db.Chapter{{Name: "Celeste", Start: 6000, End: 8000}}
	got := SliceChapters(chapters, Window{Start: 0, Duration: 7200}, 7200)
	if len(got) != 1 || got[0].Start != 6000 || got[0].End != 8000 {
		t.Errorf("first part = %+v, want verbatim 6000-8000", got)
	}
	got = SliceChapters(chapters, Window{Start: 7200, Duration: 7200}, 7200)
	if len(got) != 1 || got[0].Start != 0 || got[0].End != 800 {
		t.Errorf("second part = %+v, want clamped 0-800", got)
	}
}

// Every chapter appears in exactly the parts whose window it overlaps.
func TestSliceChaptersCoverage(t *testing.T) {
	chapters := []db.Chapter{
		{Name: "a", Start: 0, End: 100},
		{Name: "b", Start: 100, End: 7300},
		{Name: "c", Start: 7300, End: 20000},
		{Name: "d", Start: 20000, End: 21601},
	}
	windows := SplitWindows(21601, 7200)
	for _, c := range chapters {
		for i, w := range windows {
			overlaps := c.End > w.Start && c.Start < w.Start+w.Duration
			found := false
			for _, pc := range SliceChapters(chapters, w, 7200) {
				if pc.Name == c.Name {
					found = true
				}
			}
			if found != overlaps {
				t.Errorf("chapter %s in part %d = %v, overlaps = %v", c.Name, i, found, overlaps)
			}
		}
	}
}

func equalChapters(a, b []db.Chapter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || math.Abs(a[i].Start-b[i].Start) > 1e-9 || math.Abs(a[i].End-b[i].End) > 1e-9 {
			return false
		}
	}
	return true
}

func TestProcessTwoParts(t *testing.T) {
	captured := writeCaptured(t)
	tc := &fakeTranscoder{duration: 14400}
	p := &Processor{Transcoder: tc}
	chapters := []db.Chapter{{Name: "Just Chatting", Start: 0, End: 14400}}

	parts, err := p.Process(context.Background(), "1001", captured, chapters, 7200)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}
	for i, part := range parts {
		if part.Index != i || part.Duration != 7200 || part.Start != float64(i)*7200 {
			t.Errorf("part %d = %+v", i, part)
		}
		if !strings.HasSuffix(part.FilePath, fmt.Sprintf("1001-part%d.mp4", i+1)) {
			t.Errorf("part %d path = %s", i, part.FilePath)
		}
		if _, err := os.Stat(part.FilePath); err != nil {
			t.Errorf("part %d missing: %v", i, err)
		}
		if len(part.Chapters) != 1 || part.Chapters[0].Start != 0 || part.Chapters[0].End != 7200 {
			t.Errorf("part %d chapters = %+v", i, part.Chapters)
		}
	}
	for _, src := range []string{captured, filepath.Join(filepath.Dir(captured), "1001.mp4")} {
		if _, err := os.Stat(src); !os.IsNotExist(err) {
			t.Errorf("source %s not removed", src)
		}
	}
}

func TestProcessSinglePart(t *testing.T) {
	captured := writeCaptured(t)
	p := &Processor{Transcoder: &fakeTranscoder{duration: 5400}}
	chapters := []db.Chapter{{Name: "Chess", Start: 0, End: 5400}}

	parts, err := p.Process(context.Background(), "1001", captured, chapters, 7200)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(parts) != 1 || parts[0].Duration != 5400 || !equalChapters(parts[0].Chapters, chapters) {
		t.Fatalf("parts = %+v", parts)
	}
	if filepath.Base(parts[0].FilePath) != "1001.mp4" {
		t.Errorf("single part path = %s", parts[0].FilePath)
	}
	if _, err := os.Stat(parts[0].FilePath); err != nil {
		t.Errorf("single part removed: %v", err)
	}
}

func TestProcessCutFailureKeepsInputs(t *testing.T) {
	captured := writeCaptured(t)
	tc := &fakeTranscoder{duration: 14400, failCut: 2}
	p := &Processor{Transcoder: tc}

	if _, err := p.Process(context.Background(), "1001", captured, nil, 7200); err == nil {
		t.Fatal("expected error from failing cut")
	}
	dir := filepath.Dir(captured)
	if _, err := os.Stat(captured); err != nil {
		t.Errorf("captured file removed on failure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "1001.mp4")); err != nil {
		t.Errorf("remuxed file removed on failure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "1001-part1.mp4")); err != nil {
		t.Errorf("finished part removed after a later cut failed: %v", err)
	}
}

func TestProcessLaterCutFailureKeepsEarlierParts(t *testing.T) {
	captured := writeCaptured(t)
	tc := &fakeTranscoder{duration: 21600, failCut: 3}
	p := &Processor{Transcoder: tc}

	_, err := p.Process(context.Background(), "1001", captured, nil, 7200)
	if err == nil || !strings.Contains(err.Error(), "cut part 3 of 1001") {
		t.Fatalf("Process() error = %v", err)
	}
	dir := filepath.Dir(captured)
	for _, name := range []string{"1001-part1.mp4", "1001-part2.mp4", "1001.mp4", "1001.ts"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s removed after failed cut: %v", name, err)
		}
	}
}

func TestProcessRemuxFailure(t *testing.T) {
	captured := writeCaptured(t)
	p := &Processor{Transcoder: &fakeTranscoder{remuxErr: errors.New("invalid data")}}
	_, err := p.Process(context.Background(), "1001", captured, nil, 7200)
	if err == nil || !strings.Contains(err.Error(), "remux 1001") {
		t.Fatalf("Process() error = %v", err)
	}
	if _, err := os.Stat(captured); err != nil {
		t.Errorf("captured file removed: %v", err)
	}
}

func TestClip(t *testing.T) {
	src := filepath.Join(t.TempDir(), "1001.mp4")
	if err := os.WriteFile(src, []byte("mp4"), 0o644); err != nil {
		t.Fatal(err)
	}
	tr := &fakeTranscoder{}
	p := &Processor{Transcoder: tr}

	parts, err := p.Clip(context.Background(), src, "1001-game2", Window{Start: 3600, Duration: 10000}, 7200)
	if err != nil {
		t.Fatalf("Clip() error = %v", err)
	}
	if len(parts) != 2 {
		t.Fatalf("parts = %+v, want 2", parts)
	}
	want := []Window{{3600, 7200}, {10800, 2800}}
	for i, w := range want {
		if tr.cuts[i] != w {
			t.Errorf("cut %d = %+v, want %+v", i, tr.cuts[i], w)
		}
		if name := filepath.Base(parts[i].FilePath); name != fmt.Sprintf("1001-game2-part%d.mp4", i+1) {
			t.Errorf("part %d name = %s", i, name)
		}
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source removed: %v", err)
	}

	single, err := p.Clip(context.Background(), src, "1001-game1", Window{Start: 0, Duration: 3600}, 7200)
	if err != nil || len(single) != 1 || filepath.Base(single[0].FilePath) != "1001-game1.mp4" {
		t.Errorf("single clip = %+v, %v", single, err)
	}
	if _, err := p.Clip(context.Background(), src, "empty", Window{Start: 10, Duration: 0}, 7200); err == nil {
		t.Error("empty window accepted")
	}
}
