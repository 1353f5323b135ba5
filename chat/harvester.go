package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/telemetry"
	"github.com/onnwee/vod-archiver/twitchapi"
)

const (
	// DefaultPageDelay is the pause between two replay pages.
	DefaultPageDelay = 50 * time.Millisecond
	// DefaultRearmDelay is how long Tail waits before resuming while the channel is live.
	DefaultRearmDelay = time.Minute
)

// PageSource fetches chat replay pages.
type PageSource interface {
	CommentsPage(ctx context.Context, vodID string, offset int, cursor string) (*twitchapi.CommentPage, error)
}

// LiveChecker reports whether a channel is broadcasting.
type LiveChecker interface {
	IsLive(ctx context.Context, login string) (bool, error)
}

// Store is the record-store surface of the harvester.
type Store interface {
	CommentStore
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// Checkpoint is where a harvest resumes: the cursor of the last page fetched, or the
// content offset of the last comment seen when no cursor has been handed out yet.
type Checkpoint struct {
	Cursor string `json:"cursor,omitempty"`
	Offset int    `json:"offset"`
}

// Harvester copies chat replay into the record store.
type Harvester struct {
	Source PageSource
	Store  Store
	// Live may be nil, in which case Tail makes a single pass.
	Live    LiveChecker
	Channel string

	BatchSize  int
	PageDelay  time.Duration
	RearmDelay time.Duration
	Logger     *slog.Logger
}

func (h *Harvester) logger(ctx context.Context, vodID string) *slog.Logger {
	l := h.Logger
	if l == nil {
		l = slog.Default()
	}
	l = l.With(slog.String("component", "harvester"), slog.String("vod_id", vodID))
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		l = l.With(slog.String("corr", corr))
	}
	return l
}

func checkpointKey(vodID string) string { return "harvest_cursor:" + vodID }

// LoadCheckpoint returns the stored checkpoint for vodID, or the zero checkpoint.
func (h *Harvester) LoadCheckpoint(ctx context.Context, vodID string) (Checkpoint, error) {
	raw, err := h.Store.GetKV(ctx, checkpointKey(vodID))
	if err != nil || raw == "" {
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint %s: %w", vodID, err)
	}
	return cp, nil
}

func (h *Harvester) saveCheckpoint(ctx context.Context, vodID string, cp Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return h.Store.SetKV(ctx, checkpointKey(vodID), string(b))
}

// Run fetches replay pages starting at cp until the cursor runs out or a fetch fails, and
// returns the checkpoint to resume from. A failed fetch ends the run without error; a
// deleted video is reported in the log only. Buffered comments are flushed before returning.
func (h *Harvester) Run(ctx context.Context, vodID string, cp Checkpoint) (Checkpoint, error) {
	ctx, span := telemetry.StartSpan(ctx, "chat", "chat.harvest", telemetry.VODID(vodID))
	var err error
	defer func() { telemetry.EndSpan(span, err) }()

	log := h.logger(ctx, vodID)
	delay := h.PageDelay
	if delay <= 0 {
		delay = DefaultPageDelay
	}
	buf := NewBuffer(h.Store, h.BatchSize)
	start := time.Now()
	pages := 0
	cursor := cp.Cursor

	for {
		page, ferr := h.Source.CommentsPage(ctx, vodID, cp.Offset, cursor)
		if ferr != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
				break
			}
			if twitchapi.IsNotFound(ferr) {
				log.Info("no more comments, video deleted")
			} else {
				log.Warn("comments page failed", slog.Any("err", ferr))
			}
			break
		}
		pages++
		telemetry.HarvestPage()
		cp.Cursor = cursor
		for _, c := range page.Comments {
			if _, aerr := buf.Add(ctx, commentRecord(vodID, c)); aerr != nil {
				log.Warn("buffer comment failed", slog.Any("err", aerr))
			}
			if off := int(c.OffsetSeconds); off > cp.Offset {
				cp.Offset = off
			}
		}
		if page.Next == "" {
			break
		}
		cursor = page.Next
		if err = sleepCtx(ctx, delay); err != nil {
			break
		}
	}

	// Flush even when cancelled so fetched comments are not lost.
	flushCtx := context.WithoutCancel(ctx)
	if ferr := buf.Flush(flushCtx); ferr != nil {
		log.Error("final flush failed", slog.Any("err", ferr))
		if err == nil {
			err = ferr
		}
		return cp, err
	}
	if serr := h.saveCheckpoint(flushCtx, vodID, cp); serr != nil {
		log.Warn("save checkpoint failed", slog.Any("err", serr))
	}
	log.Info("harvest pass finished",
		slog.Int("pages", pages),
		slog.Int("stored", buf.Stored()),
		slog.Int("skipped", buf.Skipped()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return cp, err
}

// Tail harvests vodID from its stored checkpoint and, while the channel is live, waits
// RearmDelay and resumes from where the previous pass stopped. It returns once the
// channel is offline after a pass, or when ctx ends.
func (h *Harvester) Tail(ctx context.Context, vodID string) error {
	log := h.logger(ctx, vodID)
	cp, err := h.LoadCheckpoint(ctx, vodID)
	if err != nil {
		log.Warn("load checkpoint failed, starting over", slog.Any("err", err))
		cp = Checkpoint{}
	}
	rearm := h.RearmDelay
	if rearm <= 0 {
		rearm = DefaultRearmDelay
	}
	for {
		if cp, err = h.Run(ctx, vodID, cp); err != nil {
			return err
		}
		if h.Live == nil || h.Channel == "" {
			return nil
		}
		live, lerr := h.Live.IsLive(ctx, h.Channel)
		if lerr != nil {
			log.Warn("live check failed, stopping harvest", slog.Any("err", lerr))
			return nil
		}
		if !live {
			log.Info("channel offline, harvest complete")
			return nil
		}
		log.Debug("channel live, harvest re-armed", slog.Duration("delay", rearm), slog.Int("offset", cp.Offset))
		if err := sleepCtx(ctx, rearm); err != nil {
			return err
		}
	}
}

func commentRecord(vodID string, c twitchapi.Comment) db.Comment {
	rec := db.Comment{
		ID:            c.ID,
		VODID:         vodID,
		DisplayName:   c.DisplayName,
		OffsetSeconds: c.OffsetSeconds,
		Color:         c.Color,
	}
	for _, f := range c.Fragments {
		frag := db.Fragment{Text: f.Text}
		if f.EmoteID != "" {
			frag.Emote = &db.Emote{EmoteID: f.EmoteID}
		}
		rec.Fragments = append(rec.Fragments, frag)
	}
	for _, b := range c.Badges {
		rec.Badges = append(rec.Badges, db.Badge{SetID: b.SetID, Version: b.Version})
	}
	return rec
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
