// Package app assembles the archiver from configuration: Twitch clients, the capture
// pipeline with its finalizer, the chat harvester, the upload sink and the job registry.
// App implements the admin API's Controller and backs the operator CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/vod-archiver/capture"
	"github.com/onnwee/vod-archiver/chat"
	"github.com/onnwee/vod-archiver/config"
	"github.com/onnwee/vod-archiver/crypto"
	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/jobs"
	"github.com/onnwee/vod-archiver/oauth"
	"github.com/onnwee/vod-archiver/transcode"
	"github.com/onnwee/vod-archiver/twitchapi"
	"github.com/onnwee/vod-archiver/vod"
	"github.com/onnwee/vod-archiver/youtubeapi"
)

// App owns the long-lived components. Jobs started through it run under the context passed
// to New, not under the caller's.
type App struct {
	Config    *config.Config
	Store     *db.Store
	Helix     *twitchapi.HelixClient
	GQL       *twitchapi.GQLClient
	Runner    *transcode.Runner
	Capture   *capture.Pipeline
	Archiver  *vod.Archiver
	Harvester *chat.Harvester
	// YouTube is nil when the upload client is not configured.
	YouTube *youtubeapi.Service
	Jobs    *jobs.Registry
	Logger  *slog.Logger

	ctx context.Context
}

// New wires every component. httpClient is used for all Twitch traffic; nil means
// http.DefaultClient.
func New(ctx context.Context, cfg *config.Config, database *sql.DB, httpClient *http.Client, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	store := db.New(database)
	if cfg.EncryptionKey != "" {
		enc, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		store.Cipher = enc
	}

	tokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: httpClient}
	helix := &twitchapi.HelixClient{AppTokenSource: tokens, ClientID: cfg.TwitchClientID, HTTPClient: httpClient}
	gql := &twitchapi.GQLClient{ClientID: cfg.TwitchGQLClientID, HTTPClient: httpClient}

	runner := &transcode.Runner{
		FFmpeg:  cfg.FFmpegPath,
		FFprobe: cfg.FFprobePath,
		Limiter: transcode.NewLimiter(cfg.MaxConcurrentTranscodes),
		Progress: func(op string, done time.Duration) {
			log.Debug("transcode progress", slog.String("op", op), slog.Duration("done", done))
		},
	}

	a := &App{
		Config: cfg,
		Store:  store,
		Helix:  helix,
		GQL:    gql,
		Runner: runner,
		Jobs:   &jobs.Registry{},
		Logger: log,
		ctx:    ctx,
	}

	a.Archiver = &vod.Archiver{
		Store:         store,
		Processor:     &vod.Processor{Transcoder: runner, Logger: log},
		Chapters:      gql,
		Channel:       cfg.TwitchChannel,
		MaxPart:       cfg.SplitDuration.Seconds(),
		TitleFormat:   cfg.YTTitleFormat,
		Description:   cfg.YTDescription,
		CommentPrefix: cfg.YTCommentPrefix,
		Privacy:       cfg.YTPrivacy,
		PerGame:       cfg.PerGameUpload,
		Logger:        log,
	}
	if err := cfg.ValidateUploadReady(); err == nil {
		a.YouTube = youtubeapi.New(cfg, store)
		a.Archiver.Uploader = a.YouTube
	} else {
		log.Info("upload sink disabled", slog.Any("reason", err))
	}

	a.Capture = &capture.Pipeline{
		DataDir: cfg.DataDir,
		Poller: &capture.Poller{
			Status:     helix,
			Tokens:     gql,
			Transport:  &twitchapi.Fetcher{HTTPClient: httpClient},
			MaxRetries: cfg.CaptureMaxRetries,
			Logger:     log,
		},
		Transcoder: runner,
		Finalizer:  a.Archiver,
		Interval:   cfg.CapturePollInterval,
		Logger:     log,
	}

	a.Harvester = &chat.Harvester{
		Source:     gql,
		Store:      store,
		Live:       helix,
		Channel:    cfg.TwitchChannel,
		BatchSize:  cfg.ChatBatchSize,
		PageDelay:  cfg.ChatPageDelay,
		RearmDelay: cfg.ChatRearmDelay,
		Logger:     log,
	}
	return a, nil
}

// EnsureVOD makes sure a record exists for the video and returns it. Missing records are
// filled from Helix when credentials allow, otherwise a bare record is created.
func (a *App) EnsureVOD(ctx context.Context, vodID string) (*db.VOD, error) {
	v, err := a.Store.GetVOD(ctx, vodID)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}

	rec := db.VOD{ID: vodID, CreatedAt: time.Now().UTC()}
	if a.Config.ValidateCaptureReady() == nil {
		meta, err := a.Helix.GetVideo(ctx, vodID)
		if err != nil {
			return nil, fmt.Errorf("video metadata: %w", err)
		}
		rec.Title = meta.Title
		rec.StreamID = meta.StreamID
		rec.ThumbnailURL = meta.ThumbnailURL
		if !meta.CreatedAt.IsZero() {
			rec.CreatedAt = meta.CreatedAt
		}
	}
	created, err := a.Store.CreateVOD(ctx, rec)
	if err != nil {
		return nil, err
	}
	a.Logger.Info("vod recorded", slog.String("vod_id", vodID), slog.String("title", rec.Title))
	return created, nil
}

// StartArchive starts capture and chat harvest for a video. A harvest that is already
// running is left alone.
func (a *App) StartArchive(ctx context.Context, vodID string) error {
	if err := a.Config.ValidateCaptureReady(); err != nil {
		return err
	}
	if a.Jobs.Running(jobs.Key("capture", vodID)) {
		return jobs.ErrAlreadyRunning
	}
	v, err := a.EnsureVOD(ctx, vodID)
	if err != nil {
		return err
	}
	if _, err := a.Jobs.Go(a.ctx, jobs.Key("capture", vodID), func(jctx context.Context) error {
		return a.runCapture(jctx, v)
	}); err != nil {
		return err
	}
	if err := a.StartHarvest(ctx, vodID); err != nil && !errors.Is(err, jobs.ErrAlreadyRunning) {
		return err
	}
	return nil
}

// StartHarvest starts a chat harvest that keeps re-arming while the channel is live.
func (a *App) StartHarvest(ctx context.Context, vodID string) error {
	if _, err := a.EnsureVOD(ctx, vodID); err != nil {
		return err
	}
	_, err := a.Jobs.Go(a.ctx, jobs.Key("harvest", vodID), func(jctx context.Context) error {
		return a.Harvester.Tail(jctx, vodID)
	})
	return err
}

// ImportLogs loads a chat archive file for a video.
func (a *App) ImportLogs(ctx context.Context, vodID, path string) (int, error) {
	if _, err := a.EnsureVOD(ctx, vodID); err != nil {
		return 0, err
	}
	return a.Harvester.ImportFile(ctx, vodID, path)
}

// Archive runs capture for a video in the foreground and returns once it is finalized.
func (a *App) Archive(ctx context.Context, vodID string) error {
	if err := a.Config.ValidateCaptureReady(); err != nil {
		return err
	}
	v, err := a.EnsureVOD(ctx, vodID)
	if err != nil {
		return err
	}
	return a.runCapture(ctx, v)
}

// runCapture runs the capture pipeline, with the IRC tap alongside it when enabled.
func (a *App) runCapture(ctx context.Context, v *db.VOD) error {
	if tap := a.ircTap(v); tap != nil {
		tctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := tap.Run(tctx); err != nil {
				a.Logger.Warn("irc tap stopped", slog.String("vod_id", v.ID), slog.Any("err", err))
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}
	return a.Capture.Run(ctx, v.ID)
}

func (a *App) ircTap(v *db.VOD) *chat.IRCTap {
	if !a.Config.ChatIRCTap || a.Config.TwitchChannel == "" {
		return nil
	}
	return &chat.IRCTap{
		Channel:  a.Config.TwitchChannel,
		Username: a.Config.TwitchBotUsername,
		Token:    a.Config.TwitchOAuthToken,
		Store:    a.Store,
		VODID:    v.ID,
		Start:    v.CreatedAt,
		Logger:   a.Logger,
	}
}

// Watcher returns the auto-archive watcher for the configured channel.
func (a *App) Watcher() *vod.Watcher {
	return &vod.Watcher{
		Channel:  a.Config.TwitchChannel,
		Helix:    a.Helix,
		Store:    a.Store,
		Start:    a.StartArchive,
		Interval: a.Config.LivePollInterval,
		Logger:   a.Logger,
	}
}

// Refreshers returns token refreshers for every provider with client credentials.
func (a *App) Refreshers(httpClient *http.Client) []*oauth.Refresher {
	var out []*oauth.Refresher
	if a.Config.TwitchClientID != "" && a.Config.TwitchClientSecret != "" {
		out = append(out, &oauth.Refresher{
			Store:    a.Store,
			Provider: "twitch",
			Refresh:  twitchapi.Refresher(httpClient, a.Config.TwitchClientID, a.Config.TwitchClientSecret),
			Interval: 5 * time.Minute,
			Window:   15 * time.Minute,
			Logger:   a.Logger,
		})
	}
	if a.YouTube != nil {
		out = append(out, &oauth.Refresher{
			Store:    a.Store,
			Provider: youtubeapi.Provider,
			Refresh:  youtubeapi.Refresher(a.Config),
			Interval: 10 * time.Minute,
			Window:   20 * time.Minute,
			Logger:   a.Logger,
		})
	}
	return out
}

// Wait blocks until every started job has returned.
func (a *App) Wait() { a.Jobs.Wait() }
