// Package transcode wraps the ffmpeg and ffprobe binaries: codec-copy remux, cut and concat,
// plus duration probing. Every ffmpeg run is bounded by a shared Limiter and killed when its
// context ends.
package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/vod-archiver/telemetry"
)

const stderrTailLines = 20

// ProgressFunc receives the media time ffmpeg has written so far.
type ProgressFunc func(op string, done time.Duration)

// Runner invokes ffmpeg/ffprobe. The zero value uses binaries from PATH without a limit.
type Runner struct {
	FFmpeg   string
	FFprobe  string
	Limiter  *Limiter
	Progress ProgressFunc
}

// Error is returned when ffmpeg or ffprobe exits unsuccessfully.
type Error struct {
	Op       string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (r *Runner) ffmpeg() string {
	if b := strings.TrimSpace(r.FFmpeg); b != "" {
		return b
	}
	return "ffmpeg"
}

func (r *Runner) ffprobe() string {
	if b := strings.TrimSpace(r.FFprobe); b != "" {
		return b
	}
	return "ffprobe"
}

// Remux copies the streams of in into an MP4 (or the container implied by out) with the
// ADTS-to-ASC audio bitstream filter Twitch segments need.
func (r *Runner) Remux(ctx context.Context, in, out string) error {
	args := []string{"-i", in, "-c", "copy", "-bsf:a", "aac_adtstoasc"}
	return r.write(ctx, "remux", out, args)
}

// Cut writes the window [start, start+duration) of in to out without re-encoding.
func (r *Runner) Cut(ctx context.Context, in, out string, start, duration float64) error {
	if duration <= 0 {
		return fmt.Errorf("cut %s: non-positive duration %v", in, duration)
	}
	args := []string{
		"-ss", formatSeconds(start),
		"-i", in,
		"-t", formatSeconds(duration),
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
	}
	return r.write(ctx, "cut", out, args)
}

// Concat joins inputs in order into out with the concat demuxer.
func (r *Runner) Concat(ctx context.Context, inputs []string, out string) error {
	if len(inputs) == 0 {
		return errors.New("concat: no inputs")
	}
	list := out + ".list.txt"
	var b strings.Builder
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return err
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	if err := os.WriteFile(list, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	defer os.Remove(list)
	args := []string{"-f", "concat", "-safe", "0", "-i", list, "-c", "copy"}
	return r.write(ctx, "concat", out, args)
}

// write runs ffmpeg into a temporary file next to out and renames it into place on success.
func (r *Runner) write(ctx context.Context, op, out string, args []string) error {
	format := containerFormat(out)
	tmp := out + ".tmp"
	full := append([]string{"-hide_banner", "-nostdin", "-y"}, args...)
	if format == "mp4" {
		full = append(full, "-movflags", "+faststart")
	}
	full = append(full, "-f", format, tmp)
	if err := r.run(ctx, op, full); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, out); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%s: rename output: %w", op, err)
	}
	if fi, err := os.Stat(out); err == nil {
		slog.Debug("ffmpeg output written", slog.String("op", op), slog.String("path", out), slog.String("size", humanize.Bytes(uint64(fi.Size()))))
	}
	return nil
}

var timeRe = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)

func (r *Runner) run(ctx context.Context, op string, args []string) (err error) {
	if err := r.Limiter.Acquire(ctx); err != nil {
		return err
	}
	defer r.Limiter.Release()

	ctx, span := telemetry.StartSpan(ctx, "transcode", "ffmpeg."+op)
	start := time.Now()
	defer func() {
		telemetry.ObserveTranscode(op, time.Since(start), err)
		telemetry.EndSpan(span, err)
	}()

	cmd := exec.CommandContext(ctx, r.ffmpeg(), args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return &Error{Op: op, ExitCode: -1, Err: err}
	}

	tail := make([]string, 0, stderrTailLines)
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(scanLinesOrCR)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if m := timeRe.FindStringSubmatch(line); m != nil {
			if r.Progress != nil {
				r.Progress(op, parseClock(m[1], m[2], m[3]))
			}
			continue
		}
		if len(tail) == stderrTailLines {
			tail = tail[1:]
		}
		tail = append(tail, line)
	}

	if werr := cmd.Wait(); werr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(werr, &exitErr) {
			code = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			werr = fmt.Errorf("%w: %w", ctx.Err(), werr)
		}
		return &Error{Op: op, ExitCode: code, Stderr: strings.Join(tail, "\n"), Err: werr}
	}
	return nil
}

// output runs a short-lived command and returns its stdout.
func (r *Runner) output(ctx context.Context, op, bin string, args ...string) (out []byte, err error) {
	start := time.Now()
	defer func() { telemetry.ObserveTranscode(op, time.Since(start), err) }()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stderr = &stderr
	out, err = cmd.Output()
	if err != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return nil, &Error{Op: op, ExitCode: code, Stderr: lastLines(stderr.String(), stderrTailLines), Err: err}
	}
	return out, nil
}

func scanLinesOrCR(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func parseClock(h, m, s string) time.Duration {
	hh, _ := strconv.Atoi(h)
	mm, _ := strconv.Atoi(m)
	ss, _ := strconv.ParseFloat(s, 64)
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss*float64(time.Second))
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func formatSeconds(v float64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func containerFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ts":
		return "mpegts"
	case ".mkv":
		return "matroska"
	default:
		return "mp4"
	}
}
