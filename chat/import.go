package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/vod-archiver/db"
)

var errNoComments = errors.New("archive has no comments array")

// archive is the on-disk shape of a pre-fetched chat log.
type archive struct {
	Comments *[]archivedComment `json:"comments"`
}

type archivedComment struct {
	ID        string `json:"_id"`
	Commenter struct {
		DisplayName string `json:"display_name"`
	} `json:"commenter"`
	ContentOffsetSeconds float64 `json:"content_offset_seconds"`
	Message              struct {
		Fragments []struct {
			Text     string `json:"text"`
			Emoticon *struct {
				EmoticonID string `json:"emoticon_id"`
			} `json:"emoticon"`
		} `json:"fragments"`
		UserBadges []struct {
			ID      string `json:"_id"`
			Version string `json:"version"`
		} `json:"user_badges"`
		UserColor string `json:"user_color"`
	} `json:"message"`
}

func (a archivedComment) record(vodID string) db.Comment {
	rec := db.Comment{
		ID:            a.ID,
		VODID:         vodID,
		DisplayName:   a.Commenter.DisplayName,
		OffsetSeconds: a.ContentOffsetSeconds,
		Color:         a.Message.UserColor,
	}
	for _, f := range a.Message.Fragments {
		frag := db.Fragment{Text: f.Text}
		if f.Emoticon != nil && f.Emoticon.EmoticonID != "" {
			frag.Emote = &db.Emote{EmoteID: f.Emoticon.EmoticonID}
		}
		rec.Fragments = append(rec.Fragments, frag)
	}
	for _, b := range a.Message.UserBadges {
		rec.Badges = append(rec.Badges, db.Badge{SetID: b.ID, Version: b.Version})
	}
	return rec
}

// ImportFile loads the chat archive at path into vodID.
func (h *Harvester) ImportFile(ctx context.Context, vodID, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open chat archive: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			slog.Warn("failed to close chat archive", slog.Any("err", err))
		}
	}()
	return h.Import(ctx, vodID, f)
}

// Import reads a {"comments":[...]} archive from r and stores the comments that are not
// already present, in batches. It returns the number of comments written.
func (h *Harvester) Import(ctx context.Context, vodID string, r io.Reader) (int, error) {
	log := h.logger(ctx, vodID)
	start := time.Now()

	var a archive
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return 0, fmt.Errorf("decode chat archive: %w", err)
	}
	if a.Comments == nil {
		return 0, errNoComments
	}

	buf := NewBuffer(h.Store, h.BatchSize)
	for _, c := range *a.Comments {
		if err := ctx.Err(); err != nil {
			// Keep what was already buffered.
			if ferr := buf.Flush(context.WithoutCancel(ctx)); ferr != nil {
				log.Error("flush after cancel failed", slog.Any("err", ferr))
			}
			return buf.Stored(), err
		}
		if _, err := buf.Add(ctx, c.record(vodID)); err != nil {
			log.Warn("buffer comment failed", slog.Any("err", err))
		}
	}
	if err := buf.Flush(ctx); err != nil {
		return buf.Stored(), err
	}
	log.Info("chat import finished",
		slog.Int("comments", len(*a.Comments)),
		slog.Int("stored", buf.Stored()),
		slog.Int("skipped", buf.Skipped()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return buf.Stored(), nil
}
