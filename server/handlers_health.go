package server

import (
	"errors"
	"net/http"

	"github.com/onnwee/vod-archiver/capture"
	"github.com/onnwee/vod-archiver/jobs"
	"github.com/onnwee/vod-archiver/youtubeapi"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.opts.Store != nil {
		if err := h.opts.Store.Ping(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.opts.Store == nil {
				return errors.New("no record store")
			}
			return h.opts.Store.Ping(r.Context())
		}},
		{"credentials", func() error {
			if !h.opts.RequireYouTube {
				return nil
			}
			n, err := h.opts.Store.CountOAuthTokens(r.Context(), youtubeapi.Provider)
			if err != nil {
				return err
			}
			if n < 1 {
				return errors.New("missing YouTube OAuth token")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Captures []capture.Snapshot `json:"captures"`
	Jobs     []jobs.Info        `json:"jobs"`
}

// HandleStatus lists in-flight captures and running jobs.
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Captures: []capture.Snapshot{}, Jobs: []jobs.Info{}}
	if h.opts.Captures != nil {
		resp.Captures = append(resp.Captures, h.opts.Captures.Snapshots()...)
	}
	if h.opts.Jobs != nil {
		resp.Jobs = append(resp.Jobs, h.opts.Jobs.List()...)
	}
	h.writeJSON(w, http.StatusOK, resp)
}
