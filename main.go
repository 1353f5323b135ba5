// Command vod-archiver is the main entrypoint for the Twitch broadcast archiver.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the auto-archive watcher (AUTO_ARCHIVE=1) and OAuth token refreshers.
//   - Exposes the admin HTTP API with /healthz, /readyz, /status, /metrics and capture triggers.
//
// Shutdown is graceful on SIGINT/SIGTERM: running captures and harvests are cancelled and
// waited for; captures resume from their persisted manifest on the next start.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/vod-archiver/app"
	"github.com/onnwee/vod-archiver/config"
	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/server"
	"github.com/onnwee/vod-archiver/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	slog.SetDefault(newLogger())

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; without OTEL_EXPORTER_OTLP_ENDPOINT this is a no-op.
	shutdown, err := telemetry.InitTracing("vod-archiver", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.EnsureSchema(ctx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	a, err := app.New(ctx, cfg, database, nil, slog.Default())
	if err != nil {
		slog.Error("failed to build archiver", slog.Any("err", err))
		os.Exit(1)
	}

	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		tctx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := a.Helix.AppTokenSource.Get(tctx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
	} else {
		slog.Warn("twitch client credentials missing; capture disabled")
	}

	if cfg.AutoArchive {
		go a.Watcher().Run(ctx)
	} else {
		slog.Info("auto archive disabled (AUTO_ARCHIVE!=1); use the admin API or archivectl")
	}

	for _, r := range a.Refreshers(nil) {
		r.Start(ctx)
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof()
	}

	opts := server.Options{
		Store:          a.Store,
		Control:        a,
		Captures:       a.Capture,
		Jobs:           a.Jobs,
		RequireYouTube: a.YouTube != nil,
		AdminToken:     cfg.AdminToken,
		ImportDir:      cfg.ImportDir,
		Logger:         slog.Default(),
	}
	if a.YouTube != nil {
		opts.YouTube = a.YouTube
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewRouter(opts)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down; waiting for running jobs")
	a.Wait()
	slog.Info("shutdown complete")
}

// newLogger configures level and format from LOG_LEVEL and LOG_FORMAT. Defaults: info, text.
func newLogger() *slog.Logger {
	lvl := slog.LevelInfo
	unknown := false
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		unknown = true
	}
	var handler slog.Handler
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	log := slog.New(handler)
	if unknown {
		log.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	log.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
	return log
}

func startPprof() {
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
