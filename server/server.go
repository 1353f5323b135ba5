// Package server exposes the HTTP API: health, readiness, metrics, capture status, the
// YouTube OAuth flow and admin endpoints that start or cancel archive jobs. Requests carry a
// correlation id (X-Correlation-ID) into their context for consistent logging.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/onnwee/vod-archiver/capture"
	"github.com/onnwee/vod-archiver/jobs"
)

// Controller starts archive work on behalf of the admin endpoints. The ctx passed in is the
// request context; started jobs must outlive it.
type Controller interface {
	// StartArchive starts capture and chat harvest for a broadcast.
	StartArchive(ctx context.Context, vodID string) error
	// StartHarvest starts only the chat harvest.
	StartHarvest(ctx context.Context, vodID string) error
	// ImportLogs loads a pre-fetched chat archive from path.
	ImportLogs(ctx context.Context, vodID, path string) (int, error)
}

// HealthStore is the record-store surface used by the probes.
type HealthStore interface {
	Ping(ctx context.Context) error
	CountOAuthTokens(ctx context.Context, providers ...string) (int, error)
}

// CaptureStatus lists in-flight captures.
type CaptureStatus interface {
	Snapshots() []capture.Snapshot
}

// JobRegistry lists and cancels running jobs.
type JobRegistry interface {
	List() []jobs.Info
	Cancel(key string) bool
}

// YouTubeAuth runs the YouTube authorization code flow.
type YouTubeAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Options wires the server's collaborators. Nil collaborators disable their routes.
type Options struct {
	Store    HealthStore
	Control  Controller
	Captures CaptureStatus
	Jobs     JobRegistry
	YouTube  YouTubeAuth

	// RequireYouTube makes readiness depend on a stored YouTube token.
	RequireYouTube bool
	AdminToken     string
	// ImportDir confines chat archive imports to files below it.
	ImportDir string
	Logger    *slog.Logger
}

// NewRouter returns the HTTP handler with all routes.
func NewRouter(o Options) http.Handler {
	h := newHandlers(o)

	r := chi.NewRouter()
	r.Use(correlation)
	r.Use(requestLogger(h.log))

	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/status", h.HandleStatus)

	if o.YouTube != nil {
		r.Get("/auth/youtube/start", h.HandleYouTubeOAuthStart)
		r.Get("/auth/youtube/callback", h.HandleYouTubeOAuthCallback)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth(o.AdminToken, h.log))
		r.Post("/capture/{id}", h.HandleStartCapture)
		r.Delete("/capture/{id}", h.HandleCancel)
		r.Post("/logs/{id}", h.HandleStartHarvest)
		r.Post("/logs/{id}/import", h.HandleImportLogs)
	})

	return otelhttp.NewHandler(r, "http-server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
