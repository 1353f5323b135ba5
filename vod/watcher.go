package vod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/jobs"
	"github.com/onnwee/vod-archiver/twitchapi"
)

// ChannelSource is the Helix surface the watcher polls.
type ChannelSource interface {
	GetStreams(ctx context.Context, login string) ([]twitchapi.Stream, error)
	ListVideos(ctx context.Context, userID, after string, first int) ([]twitchapi.VideoMeta, string, error)
}

// VODCreator records a newly discovered archive video.
type VODCreator interface {
	VODExists(ctx context.Context, id string) (bool, error)
	CreateVOD(ctx context.Context, v db.VOD) (*db.VOD, error)
}

// StartFunc launches capture and harvest for an archive video. It must not block and may
// return jobs.ErrAlreadyRunning.
type StartFunc func(ctx context.Context, vodID string) error

// Watcher polls the channel's live status and, when a new broadcast starts, finds the
// archive video Twitch creates for it and starts archiving it.
type Watcher struct {
	Channel  string
	Helix    ChannelSource
	Store    VODCreator
	Start    StartFunc
	Interval time.Duration
	Logger   *slog.Logger

	lastStream string
}

func (w *Watcher) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Run checks once immediately and then every Interval until ctx ends.
func (w *Watcher) Run(ctx context.Context) {
	if w.Channel == "" {
		w.logger().Info("auto archive: TWITCH_CHANNEL empty; abort")
		return
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	w.logger().Info("auto archive: started poller", slog.String("channel", w.Channel), slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := w.Check(ctx); err != nil {
			w.logger().Debug("auto archive: check failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check performs one poll. A stream is handled once; an archive video that is not listed
// yet is looked up again on the next poll.
func (w *Watcher) Check(ctx context.Context) error {
	streams, err := w.Helix.GetStreams(ctx, w.Channel)
	if err != nil {
		return fmt.Errorf("streams: %w", err)
	}
	if len(streams) == 0 {
		w.lastStream = ""
		return nil
	}
	s := streams[0]
	if s.ID == w.lastStream {
		return nil
	}

	videos, _, err := w.Helix.ListVideos(ctx, s.UserID, "", 5)
	if err != nil {
		return fmt.Errorf("list videos: %w", err)
	}
	var video *twitchapi.VideoMeta
	for i := range videos {
		if videos[i].StreamID == s.ID {
			video = &videos[i]
			break
		}
	}
	if video == nil {
		// Twitch publishes the archive a little after the stream starts.
		w.logger().Debug("auto archive: archive video not listed yet", slog.String("stream_id", s.ID))
		return nil
	}

	log := w.logger().With(slog.String("vod_id", video.ID), slog.String("stream_id", s.ID))
	exists, err := w.Store.VODExists(ctx, video.ID)
	if err != nil {
		return err
	}
	if !exists {
		created, _ := time.Parse(time.RFC3339, video.CreatedAt)
		if created.IsZero() {
			created = s.StartedAt
		}
		if _, err := w.Store.CreateVOD(ctx, db.VOD{ID: video.ID, Title: video.Title, StreamID: s.ID, CreatedAt: created}); err != nil {
			return err
		}
		log.Info("auto archive: vod recorded", slog.String("title", video.Title))
	}

	if err := w.Start(ctx, video.ID); err != nil && !errors.Is(err, jobs.ErrAlreadyRunning) {
		return fmt.Errorf("start %s: %w", video.ID, err)
	}
	w.lastStream = s.ID
	log.Info("auto archive: stream live; archiving started")
	return nil
}
