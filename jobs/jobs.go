// Package jobs runs long-lived per-broadcast workers (capture, harvest) keyed by a string,
// refusing a second start for a key that is already running.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/vod-archiver/telemetry"
)

// ErrAlreadyRunning is returned by Go when a job with the same key is active.
var ErrAlreadyRunning = errors.New("job already running")

// Func is the body of a job. It should return when ctx is cancelled.
type Func func(ctx context.Context) error

// Info describes a running job.
type Info struct {
	Key     string    `json:"key"`
	RunID   string    `json:"run_id"`
	Started time.Time `json:"started"`
}

type entry struct {
	info   Info
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry tracks running jobs. The zero value is ready to use.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*entry
	wg   sync.WaitGroup
}

// Key builds a job key such as "capture:1001".
func Key(kind, id string) string { return kind + ":" + id }

// Go starts fn in a new goroutine under key. The job's context carries a correlation id
// equal to its run id and is cancelled by Cancel or when parent ends.
func (r *Registry) Go(parent context.Context, key string, fn Func) (string, error) {
	r.mu.Lock()
	if r.jobs == nil {
		r.jobs = make(map[string]*entry)
	}
	if _, ok := r.jobs[key]; ok {
		r.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	runID := uuid.NewString()
	ctx, cancel := context.WithCancel(telemetry.WithCorrelation(context.WithoutCancel(parent), runID))
	stop := context.AfterFunc(parent, cancel)
	e := &entry{
		info:   Info{Key: key, RunID: runID, Started: time.Now().UTC()},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.jobs[key] = e
	r.wg.Add(1)
	r.publish(kindOf(key))
	r.mu.Unlock()

	log := slog.Default().With(slog.String("job", key), slog.String("corr", runID))
	log.Info("job started")
	go func() {
		defer r.wg.Done()
		defer close(e.done)
		defer stop()
		defer cancel()
		start := time.Now()
		err := fn(ctx)
		r.mu.Lock()
		if r.jobs[key] == e {
			delete(r.jobs, key)
		}
		r.publish(kindOf(key))
		r.mu.Unlock()
		switch {
		case err == nil:
			log.Info("job finished", slog.Duration("elapsed", time.Since(start)))
		case errors.Is(err, context.Canceled):
			log.Info("job cancelled", slog.Duration("elapsed", time.Since(start)))
		default:
			log.Error("job failed", slog.Duration("elapsed", time.Since(start)), slog.Any("err", err))
		}
	}()
	return runID, nil
}

// Cancel stops the job under key and waits for it to return. It reports whether a job was found.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	e, ok := r.jobs[key]
	r.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	<-e.done
	return true
}

// Running reports whether a job is active under key.
func (r *Registry) Running(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[key]
	return ok
}

// List returns the running jobs ordered by key.
func (r *Registry) List() []Info {
	r.mu.Lock()
	out := make([]Info, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Wait blocks until every started job has returned.
func (r *Registry) Wait() { r.wg.Wait() }

// publish updates the active-jobs gauge for kind. Callers hold r.mu.
func (r *Registry) publish(kind string) {
	n := 0
	for k := range r.jobs {
		if kindOf(k) == kind {
			n++
		}
	}
	telemetry.SetActiveJobs(kind, n)
}

func kindOf(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
