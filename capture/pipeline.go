package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/onnwee/vod-archiver/telemetry"
)

// DefaultInterval is the delay between poll cycles.
const DefaultInterval = time.Minute

// Finalizer receives the reassembled capture once a broadcast has ended.
type Finalizer interface {
	Finalize(ctx context.Context, vodID, capturedFile string) error
}

// Concatenator joins segment files into one container without re-encoding.
type Concatenator interface {
	Concat(ctx context.Context, inputs []string, out string) error
}

// Phase names a capture state.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhasePolling      Phase = "polling"
	PhaseDownloading  Phase = "downloading"
	PhaseWaiting      Phase = "waiting"
	PhaseFinalizing   Phase = "finalizing"
	PhaseArchived     Phase = "archived"
	PhaseFailed       Phase = "failed"
)

// Snapshot is a point-in-time view of a running capture, served by the status endpoint.
type Snapshot struct {
	BroadcastID string    `json:"broadcast_id"`
	Phase       Phase     `json:"phase"`
	Retry       int       `json:"retry"`
	Segments    int       `json:"segments"`
	LastResult  string    `json:"last_result,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Pipeline drives the poll loop of one broadcast at a time per call to Run. Several
// broadcasts may run concurrently on the same Pipeline.
type Pipeline struct {
	DataDir    string
	Poller     *Poller
	Transcoder Concatenator
	Finalizer  Finalizer
	Interval   time.Duration
	Logger     *slog.Logger

	mu     sync.Mutex
	states map[string]Snapshot
}

func (p *Pipeline) interval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultInterval
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Run captures the broadcast until it ends, then finalizes it. The capture directory is
// removed only after the Finalizer succeeds. Run returns ctx.Err() when cancelled, leaving
// the directory in place so a later Run resumes from the persisted manifest.
func (p *Pipeline) Run(ctx context.Context, id string) error {
	log := p.logger().With(slog.String("component", "capture"), slog.String("vod_id", id))
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		log = log.With(slog.String("corr", corr))
	}
	p.setPhase(id, PhaseInitializing, nil, "")

	store, err := OpenStore(p.DataDir, id)
	if err != nil {
		p.setPhase(id, PhaseFailed, nil, err.Error())
		return err
	}
	defer store.Close()

	manifest, err := store.LoadManifest()
	if err != nil {
		log.Warn("ignoring unreadable manifest", slog.Any("err", err))
		manifest = nil
	}
	st := &State{BroadcastID: id, Manifest: manifest, Retry: 1}
	if tail, ok := manifest.Tail(); ok {
		st.LastSeenTailURI = tail.URI
		log.Info("resuming capture", slog.Int("segments", manifest.Len()), slog.String("tail", tail.URI))
	} else {
		log.Info("capture started", slog.String("dir", store.Dir()))
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.forget(id)
			return ctx.Err()
		case <-timer.C:
		}

		p.setPhase(id, PhasePolling, st, "")
		res := p.Poller.Poll(ctx, st, store)
		if ctx.Err() != nil {
			p.forget(id)
			return ctx.Err()
		}
		st.Apply(res)

		switch res.Kind {
		case Ended:
			log.Info("broadcast ended", slog.String("reason", res.Reason), slog.Int("segments", st.Manifest.Len()))
			p.setPhase(id, PhaseFinalizing, st, res.Kind.String())
			if err := p.finalize(ctx, id, st, store, log); err != nil {
				p.setPhase(id, PhaseFailed, st, err.Error())
				return err
			}
			telemetry.CaptureFinalized()
			p.setPhase(id, PhaseArchived, st, res.Kind.String())
			return nil
		case Updated:
			p.setPhase(id, PhaseDownloading, st, res.Kind.String())
		case Unchanged:
			log.Debug("playlist unchanged", slog.Int("retry", st.Retry))
		case Unavailable:
			log.Warn("playlist unavailable",
				slog.String("stage", res.Reason),
				slog.String("class", ClassifyFetchError(res.Err).String()),
				slog.Any("err", res.Err))
		}

		p.setPhase(id, PhaseWaiting, st, res.Kind.String())
		timer.Reset(p.interval())
	}
}

func (p *Pipeline) finalize(ctx context.Context, id string, st *State, store *SegmentStore, log *slog.Logger) error {
	files, missing := store.SegmentFiles(st.Manifest)
	if len(missing) > 0 {
		log.Warn("finalizing with missing segments", slog.Int("missing", len(missing)), slog.Int("present", len(files)))
	}
	if len(files) == 0 {
		return fmt.Errorf("capture %s: no segments captured", id)
	}

	captured := filepath.Join(p.DataDir, id+".ts")
	if err := p.Transcoder.Concat(ctx, files, captured); err != nil {
		return fmt.Errorf("concat segments: %w", err)
	}
	if err := p.Finalizer.Finalize(ctx, id, captured); err != nil {
		return fmt.Errorf("finalize %s: %w", id, err)
	}
	if err := store.Remove(); err != nil {
		log.Warn("failed to remove capture dir", slog.String("dir", store.Dir()), slog.Any("err", err))
	}
	// The finalizer normally consumes the captured file.
	if err := os.Remove(captured); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove captured file", slog.String("path", captured), slog.Any("err", err))
	}
	return nil
}

func (p *Pipeline) setPhase(id string, phase Phase, st *State, last string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.states == nil {
		p.states = make(map[string]Snapshot)
	}
	snap := p.states[id]
	snap.BroadcastID = id
	snap.Phase = phase
	if st != nil {
		snap.Retry = st.Retry
		snap.Segments = st.Manifest.Len()
	}
	if last != "" {
		snap.LastResult = last
	}
	snap.UpdatedAt = time.Now().UTC()
	p.states[id] = snap
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	delete(p.states, id)
	p.mu.Unlock()
}

// Snapshot returns the state of one capture.
func (p *Pipeline) Snapshot(id string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.states[id]
	return s, ok
}

// Snapshots returns every known capture ordered by id.
func (p *Pipeline) Snapshots() []Snapshot {
	p.mu.Lock()
	out := make([]Snapshot, 0, len(p.states))
	for _, s := range p.states {
		out = append(out, s)
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BroadcastID < out[j].BroadcastID })
	return out
}
