package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/onnwee/vod-archiver/jobs"
)

// vodID returns the {id} URL parameter when it is a Twitch video id.
func vodID(r *http.Request) (string, bool) {
	id := strings.TrimPrefix(chi.URLParam(r, "id"), "v")
	if id == "" || len(id) > 32 {
		return "", false
	}
	for _, c := range id {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return id, true
}

// HandleStartCapture starts capture and chat harvest for a broadcast.
func (h *Handlers) HandleStartCapture(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, "archive", func(id string) error { return h.opts.Control.StartArchive(r.Context(), id) })
}

// HandleStartHarvest starts a chat harvest for a broadcast.
func (h *Handlers) HandleStartHarvest(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, "harvest", func(id string) error { return h.opts.Control.StartHarvest(r.Context(), id) })
}

func (h *Handlers) start(w http.ResponseWriter, r *http.Request, what string, fn func(string) error) {
	id, ok := vodID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid vod id")
		return
	}
	if h.opts.Control == nil {
		h.writeError(w, http.StatusServiceUnavailable, "archiving not configured")
		return
	}
	if err := fn(id); err != nil {
		if errors.Is(err, jobs.ErrAlreadyRunning) {
			h.writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.log.Error("admin start failed", slog.String("what", what), slog.String("vod_id", id), slog.Any("err", err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.log.Info("admin start", slog.String("what", what), slog.String("vod_id", id))
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "vod_id": id})
}

// HandleCancel stops the capture and harvest jobs of a broadcast. The capture directory is
// kept so a later start resumes it.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := vodID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid vod id")
		return
	}
	if h.opts.Jobs == nil {
		h.writeError(w, http.StatusServiceUnavailable, "archiving not configured")
		return
	}
	var cancelled []string
	for _, kind := range []string{"capture", "harvest"} {
		if key := jobs.Key(kind, id); h.opts.Jobs.Cancel(key) {
			cancelled = append(cancelled, key)
		}
	}
	if len(cancelled) == 0 {
		h.writeError(w, http.StatusNotFound, "no running jobs")
		return
	}
	h.log.Info("admin cancel", slog.String("vod_id", id), slog.Any("jobs", cancelled))
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled", "jobs": cancelled})
}

type importRequest struct {
	Path string `json:"path"`
}

// HandleImportLogs loads a chat archive file that is already on the server. Relative paths
// are resolved against ImportDir and the result must stay inside it.
func (h *Handlers) HandleImportLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := vodID(r)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid vod id")
		return
	}
	if h.opts.Control == nil || h.opts.ImportDir == "" {
		h.writeError(w, http.StatusServiceUnavailable, "import not configured")
		return
	}
	var req importRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil || req.Path == "" {
		h.writeError(w, http.StatusBadRequest, "body must be {\"path\": \"...\"}")
		return
	}
	path, ok := confine(h.opts.ImportDir, req.Path)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "path outside import directory")
		return
	}
	n, err := h.opts.Control.ImportLogs(r.Context(), id, path)
	if err != nil {
		h.log.Error("chat import failed", slog.String("vod_id", id), slog.String("path", path), slog.Any("err", err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "imported", "vod_id": id, "stored": n})
}

// confine resolves p against dir and reports whether the result lies inside dir.
func confine(dir, p string) (string, bool) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return "", false
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(base, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(base, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return p, true
}
