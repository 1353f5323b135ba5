// Package vod turns a finished capture into archived YouTube videos: remux, probe, split on
// fixed windows with per-part chapters, upload each part and record the result. It also runs
// the watcher that starts a capture when the channel goes live.
package vod

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/telemetry"
	"github.com/onnwee/vod-archiver/twitchapi"
	"github.com/onnwee/vod-archiver/youtubeapi"
)

// ArchiveStore is the record-store surface used by the archiver.
type ArchiveStore interface {
	GetVOD(ctx context.Context, id string) (*db.VOD, error)
	PatchVOD(ctx context.Context, id string, p db.VODPatch) (*db.VOD, error)
	AddYouTubeID(ctx context.Context, id string, index int, youtubeID string) error
	SetYouTubeID(ctx context.Context, id string, index int, youtubeID string) error
	SaveChapters(ctx context.Context, vodID string, chapters []db.Chapter) error
	Chapters(ctx context.Context, vodID string) ([]db.Chapter, error)
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
}

// ChapterSource looks up game segments of a Twitch video.
type ChapterSource interface {
	Moments(ctx context.Context, vodID string) ([]twitchapi.Moment, error)
	VideoGame(ctx context.Context, vodID string) (*twitchapi.Game, error)
}

// Uploader is the video-hosting sink.
type Uploader interface {
	Upload(ctx context.Context, req youtubeapi.UploadRequest) (videoID, thumbnail string, err error)
	Comment(ctx context.Context, videoID, text string) error
}

// DefaultTitleFormat is used when Archiver.TitleFormat is empty.
const DefaultTitleFormat = "{channel} {date} Vod"

// Archiver is the capture Finalizer: it processes the captured file and uploads every part.
type Archiver struct {
	Store     ArchiveStore
	Processor *Processor
	Chapters  ChapterSource
	// Uploader may be nil, in which case parts are left on disk.
	Uploader Uploader

	Channel string
	// MaxPart is the longest part in seconds.
	MaxPart       float64
	TitleFormat   string
	Description   string
	CommentPrefix string
	Privacy       string
	// PerGame also uploads every chapter as its own video before the full parts.
	PerGame bool
	Logger  *slog.Logger
}

func (a *Archiver) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Finalize remuxes and splits captured, then uploads each part in order. A part file is
// deleted once its upload is recorded. Any error aborts the remaining parts; running Finalize
// again skips every upload already recorded for the broadcast.
func (a *Archiver) Finalize(ctx context.Context, vodID, captured string) error {
	log := a.logger().With(slog.String("component", "archiver"), slog.String("vod_id", vodID))
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		log = log.With(slog.String("corr", corr))
	}

	v, err := a.Store.GetVOD(ctx, vodID)
	if err != nil {
		return fmt.Errorf("load vod: %w", err)
	}

	remuxed, duration, err := a.Processor.Prepare(ctx, vodID, captured)
	if err != nil {
		return err
	}
	if _, err := a.Store.PatchVOD(ctx, vodID, db.VODPatch{Duration: &duration}); err != nil {
		log.Warn("save duration failed", slog.Any("err", err))
	}

	chapters, err := a.loadChapters(ctx, vodID, duration, log)
	if err != nil {
		log.Warn("chapters unavailable", slog.Any("err", err))
	}

	if a.PerGame && a.Uploader != nil {
		if err := a.uploadGames(ctx, v, remuxed, duration, chapters, log); err != nil {
			return err
		}
	}

	parts, err := a.Processor.Split(ctx, vodID, remuxed, duration, chapters, a.MaxPart)
	if err != nil {
		return err
	}
	if err := os.Remove(captured); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove captured file", slog.String("path", captured), slog.Any("err", err))
	}
	log.Info("archive processed", slog.Int("parts", len(parts)), slog.Float64("duration_s", duration), slog.Int("chapters", len(chapters)))

	if a.Uploader == nil {
		for _, p := range parts {
			log.Info("upload disabled, part kept", slog.String("path", p.FilePath))
		}
		return nil
	}

	for _, p := range parts {
		if err := a.uploadPart(ctx, v, p, len(parts), log); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	if _, err := a.Store.PatchVOD(ctx, vodID, db.VODPatch{ArchivedAt: &now}); err != nil {
		return fmt.Errorf("mark archived: %w", err)
	}
	log.Info("archive uploaded", slog.Int("parts", len(parts)))
	return nil
}

// uploadKey names the kv marker recording one finished upload.
func uploadKey(vodID, piece string) string {
	return "upload:" + vodID + ":" + piece
}

// uploadOnce uploads req unless key records an earlier upload, in which case the file is
// dropped and the recorded id returned with fresh false. The marker is written before the
// caller records anything else.
func (a *Archiver) uploadOnce(ctx context.Context, key string, req youtubeapi.UploadRequest, log *slog.Logger) (videoID, thumb string, fresh bool, err error) {
	prior, err := a.Store.GetKV(ctx, key)
	if err != nil {
		return "", "", false, fmt.Errorf("check upload %s: %w", key, err)
	}
	if prior == "" {
		if videoID, thumb, err = a.Uploader.Upload(ctx, req); err != nil {
			return "", "", false, err
		}
		if err := a.Store.SetKV(ctx, key, videoID); err != nil {
			return "", "", false, fmt.Errorf("record upload %s as %s: %w", key, videoID, err)
		}
		fresh = true
	} else {
		videoID = prior
		log.Info("already uploaded, skipping", slog.String("key", key), slog.String("youtube_id", videoID))
	}
	if err := os.Remove(req.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove uploaded file", slog.String("path", req.Path), slog.Any("err", err))
	}
	return videoID, thumb, fresh, nil
}

func (a *Archiver) uploadPart(ctx context.Context, v *db.VOD, p Part, total int, log *slog.Logger) error {
	req := youtubeapi.UploadRequest{
		Path:        p.FilePath,
		Title:       a.Title(v, p.Index, total),
		Description: Description(a.Description, p.Chapters),
		Privacy:     a.Privacy,
	}
	key := uploadKey(v.ID, fmt.Sprintf("part%d", p.Index+1))
	videoID, thumb, fresh, err := a.uploadOnce(ctx, key, req, log)
	if err != nil {
		return fmt.Errorf("upload part %d: %w", p.Index+1, err)
	}
	if !fresh {
		if slices.Contains(v.YouTubeIDs, videoID) {
			return nil
		}
		log.Warn("recorded upload missing from vod, adding it", slog.Int("part", p.Index+1), slog.String("youtube_id", videoID))
	}
	if err := a.Store.AddYouTubeID(ctx, v.ID, p.Index, videoID); err != nil {
		return fmt.Errorf("record youtube id %s: %w", videoID, err)
	}
	if !fresh {
		return nil
	}
	if p.Index == 0 && thumb != "" {
		if _, err := a.Store.PatchVOD(ctx, v.ID, db.VODPatch{ThumbnailURL: &thumb}); err != nil {
			log.Warn("save thumbnail failed", slog.Any("err", err))
		}
	}
	log.Info("part uploaded", slog.Int("part", p.Index+1), slog.String("youtube_id", videoID))
	a.comment(ctx, v, videoID, log)
	return nil
}

func (a *Archiver) comment(ctx context.Context, v *db.VOD, videoID string, log *slog.Logger) {
	if a.CommentPrefix == "" {
		return
	}
	if err := a.Uploader.Comment(ctx, videoID, a.CommentPrefix+v.ID); err != nil {
		log.Warn("youtube comment failed", slog.String("youtube_id", videoID), slog.Any("err", err))
	}
}

// uploadGames clips every chapter out of remuxed and uploads it as "<channel> plays <game>
// <date>", split into parts when the chapter is longer than MaxPart. These videos are not
// added to the broadcast's part list.
func (a *Archiver) uploadGames(ctx context.Context, v *db.VOD, remuxed string, duration float64, chapters []db.Chapter, log *slog.Logger) error {
	for ci, c := range chapters {
		end := c.End
		if duration > 0 && end > duration {
			end = duration
		}
		if end <= c.Start {
			continue
		}
		tag := fmt.Sprintf("%s-game%d", v.ID, ci+1)
		log.Info("trimming game", slog.String("game", c.Name), slog.Float64("start_s", c.Start), slog.Float64("end_s", end))
		clips, err := a.Processor.Clip(ctx, remuxed, tag, Window{Start: c.Start, Duration: end - c.Start}, a.MaxPart)
		if err != nil {
			return err
		}
		for _, clip := range clips {
			req := youtubeapi.UploadRequest{
				Path:        clip.FilePath,
				Title:       a.GameTitle(v, c.Name, clip.Index, len(clips)),
				Description: a.Description,
				Privacy:     a.Privacy,
			}
			key := uploadKey(v.ID, fmt.Sprintf("game%d:part%d", ci+1, clip.Index+1))
			videoID, _, fresh, err := a.uploadOnce(ctx, key, req, log)
			if err != nil {
				return fmt.Errorf("upload %s: %w", req.Title, err)
			}
			if fresh {
				log.Info("game uploaded", slog.String("game", c.Name), slog.Int("part", clip.Index+1), slog.String("youtube_id", videoID))
			}
		}
	}
	return nil
}

// ReuploadPart cuts part (1-based) of source again on the same windows Finalize uses and
// uploads it, replacing the recorded id for that part. source is usually the remuxed
// broadcast and is left in place.
func (a *Archiver) ReuploadPart(ctx context.Context, vodID, source string, part int) (string, error) {
	if a.Uploader == nil {
		return "", errors.New("reupload: uploads are disabled")
	}
	log := a.logger().With(slog.String("component", "archiver"), slog.String("vod_id", vodID))
	v, err := a.Store.GetVOD(ctx, vodID)
	if err != nil {
		return "", fmt.Errorf("load vod: %w", err)
	}
	duration, err := a.Processor.Transcoder.Duration(ctx, source)
	if err != nil {
		return "", fmt.Errorf("duration of %s: %w", source, err)
	}
	windows := SplitWindows(duration, a.MaxPart)
	if part < 1 || part > len(windows) {
		return "", fmt.Errorf("reupload: part %d out of range, %s has %d", part, vodID, len(windows))
	}
	w := windows[part-1]
	chapters, err := a.Store.Chapters(ctx, vodID)
	if err != nil {
		log.Warn("chapters unavailable", slog.Any("err", err))
	}

	clips, err := a.Processor.Clip(ctx, source, fmt.Sprintf("%s-reupload%d", vodID, part), w, w.Duration)
	if err != nil {
		return "", err
	}
	req := youtubeapi.UploadRequest{
		Path:        clips[0].FilePath,
		Title:       a.Title(v, part-1, len(windows)),
		Description: Description(a.Description, SliceChapters(chapters, w, a.MaxPart)),
		Privacy:     a.Privacy,
	}
	videoID, thumb, err := a.Uploader.Upload(ctx, req)
	if err != nil {
		return "", fmt.Errorf("upload part %d: %w", part, err)
	}
	if err := a.Store.SetKV(ctx, uploadKey(vodID, fmt.Sprintf("part%d", part)), videoID); err != nil {
		log.Warn("record upload marker failed", slog.Any("err", err))
	}
	if err := a.Store.SetYouTubeID(ctx, vodID, part-1, videoID); err != nil {
		return videoID, fmt.Errorf("record youtube id %s: %w", videoID, err)
	}
	if part == 1 && thumb != "" {
		if _, err := a.Store.PatchVOD(ctx, vodID, db.VODPatch{ThumbnailURL: &thumb}); err != nil {
			log.Warn("save thumbnail failed", slog.Any("err", err))
		}
	}
	if err := os.Remove(req.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("remove uploaded file", slog.String("path", req.Path), slog.Any("err", err))
	}
	log.Info("part reuploaded", slog.Int("part", part), slog.String("youtube_id", videoID))
	a.comment(ctx, v, videoID, log)
	return videoID, nil
}

// loadChapters prefers stored chapters and otherwise fetches and stores them.
func (a *Archiver) loadChapters(ctx context.Context, vodID string, duration float64, log *slog.Logger) ([]db.Chapter, error) {
	stored, err := a.Store.Chapters(ctx, vodID)
	if err != nil {
		return nil, err
	}
	if len(stored) > 0 || a.Chapters == nil {
		return stored, nil
	}
	moments, err := a.Chapters.Moments(ctx, vodID)
	if err != nil {
		log.Warn("moments lookup failed", slog.Any("err", err))
	}
	var game *twitchapi.Game
	if len(moments) == 0 {
		if game, err = a.Chapters.VideoGame(ctx, vodID); err != nil && !twitchapi.IsNotFound(err) {
			return nil, err
		}
	}
	chapters := ChaptersFromMoments(moments, game, duration)
	if len(chapters) > 0 {
		if err := a.Store.SaveChapters(ctx, vodID, chapters); err != nil {
			log.Warn("save chapters failed", slog.Any("err", err))
		}
	}
	return chapters, nil
}

// Title renders TitleFormat for one part. "PART n" is appended when there is more than one part.
func (a *Archiver) Title(v *db.VOD, index, total int) string {
	format := a.TitleFormat
	if format == "" {
		format = DefaultTitleFormat
	}
	title := strings.NewReplacer(
		"{channel}", a.Channel,
		"{date}", v.CreatedAt.Format("01/02/2006"),
		"{title}", v.Title,
	).Replace(format)
	if total > 1 {
		title = fmt.Sprintf("%s PART %d", title, index+1)
	}
	return strings.TrimSpace(title)
}

// GameTitle names a per-game upload; "PART n" is appended when the game spans several videos.
func (a *Archiver) GameTitle(v *db.VOD, game string, index, total int) string {
	title := fmt.Sprintf("%s plays %s %s", a.Channel, game, v.CreatedAt.Format("01/02/2006"))
	if total > 1 {
		title = fmt.Sprintf("%s PART %d", title, index+1)
	}
	return title
}
