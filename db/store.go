package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/vod-archiver/crypto"
)

// Store is the record store used by the capture, archive and chat workers.
// Callers follow an exists-then-create pattern; at most one worker writes a given id.
type Store struct {
	DB *sql.DB
	// Cipher encrypts OAuth tokens at rest when set. Rows written without it stay readable.
	Cipher crypto.Encryptor
}

func New(database *sql.DB) *Store { return &Store{DB: database} }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// VODExists reports whether a VOD row exists.
func (s *Store) VODExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM vods WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("vod exists %s: %w", id, err)
	}
	return true, nil
}

// GetVOD returns the VOD or ErrNotFound.
func (s *Store) GetVOD(ctx context.Context, id string) (*VOD, error) {
	var (
		v        VOD
		streamID sql.NullString
		ytRaw    []byte
		archived sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, title, stream_id, platform, duration_seconds, thumbnail_url, youtube_ids, archived_at, created_at
		 FROM vods WHERE id=$1`, id).
		Scan(&v.ID, &v.Title, &streamID, &v.Platform, &v.Duration, &v.ThumbnailURL, &ytRaw, &archived, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vod %s: %w", id, err)
	}
	v.StreamID = streamID.String
	if archived.Valid {
		t := archived.Time
		v.ArchivedAt = &t
	}
	if len(ytRaw) > 0 {
		if err := json.Unmarshal(ytRaw, &v.YouTubeIDs); err != nil {
			return nil, fmt.Errorf("decode youtube ids for %s: %w", id, err)
		}
	}
	return &v, nil
}

// CreateVOD inserts a new VOD row. It fails if the id already exists.
func (s *Store) CreateVOD(ctx context.Context, v VOD) (*VOD, error) {
	if v.ID == "" {
		return nil, errors.New("create vod: empty id")
	}
	if v.Platform == "" {
		v.Platform = "twitch"
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	ids := v.YouTubeIDs
	if ids == nil {
		ids = []string{}
	}
	ytRaw, err := json.Marshal(ids)
	if err != nil {
		return nil, err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO vods (id, title, stream_id, platform, duration_seconds, thumbnail_url, youtube_ids, created_at, updated_at)
		 VALUES ($1,$2,NULLIF($3,''),$4,$5,$6,$7::jsonb,$8,NOW())`,
		v.ID, v.Title, v.StreamID, v.Platform, v.Duration, v.ThumbnailURL, string(ytRaw), v.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create vod %s: %w", v.ID, err)
	}
	return &v, nil
}

// PatchVOD updates the non-nil fields of p and returns the stored row.
func (s *Store) PatchVOD(ctx context.Context, id string, p VODPatch) (*VOD, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE vods SET
			title = COALESCE($2, title),
			duration_seconds = COALESCE($3, duration_seconds),
			thumbnail_url = COALESCE($4, thumbnail_url),
			archived_at = COALESCE($5, archived_at),
			updated_at = NOW()
		 WHERE id=$1`,
		id, nullString(p.Title), nullFloat(p.Duration), nullString(p.ThumbnailURL), nullTime(p.ArchivedAt))
	if err != nil {
		return nil, fmt.Errorf("patch vod %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return s.GetVOD(ctx, id)
}

// AddYouTubeID records an uploaded part. Part 0 is prepended so the first part always leads the list.
func (s *Store) AddYouTubeID(ctx context.Context, id string, index int, youtubeID string) error {
	return s.updateYouTubeIDs(ctx, id, func(ids []string) []string {
		if index == 0 {
			return append([]string{youtubeID}, ids...)
		}
		return append(ids, youtubeID)
	})
}

// SetYouTubeID replaces the id at index, appending when the list is shorter. Used when a
// single part is uploaded again.
func (s *Store) SetYouTubeID(ctx context.Context, id string, index int, youtubeID string) error {
	return s.updateYouTubeIDs(ctx, id, func(ids []string) []string {
		if index >= 0 && index < len(ids) {
			ids[index] = youtubeID
			return ids
		}
		return append(ids, youtubeID)
	})
}

// updateYouTubeIDs rewrites the id list under a row lock.
func (s *Store) updateYouTubeIDs(ctx context.Context, id string, fn func([]string) []string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	if err := tx.QueryRowContext(ctx, `SELECT youtube_ids FROM vods WHERE id=$1 FOR UPDATE`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load youtube ids %s: %w", id, err)
	}
	var ids []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ids); err != nil {
			return fmt.Errorf("decode youtube ids %s: %w", id, err)
		}
	}
	out, err := json.Marshal(fn(ids))
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE vods SET youtube_ids=$2::jsonb, updated_at=NOW() WHERE id=$1`, id, string(out)); err != nil {
		return fmt.Errorf("update youtube ids %s: %w", id, err)
	}
	return tx.Commit()
}

// SaveChapters replaces the chapter list of a VOD.
func (s *Store) SaveChapters(ctx context.Context, vodID string, chapters []Chapter) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM chapters WHERE vod_id=$1`, vodID); err != nil {
		return fmt.Errorf("clear chapters %s: %w", vodID, err)
	}
	for i, c := range chapters {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chapters (vod_id, position, name, game_id, start_seconds, end_seconds) VALUES ($1,$2,$3,$4,$5,$6)`,
			vodID, i, c.Name, c.GameID, c.Start, c.End); err != nil {
			return fmt.Errorf("insert chapter %d for %s: %w", i, vodID, err)
		}
	}
	return tx.Commit()
}

// Chapters returns the stored chapters ordered by start.
func (s *Store) Chapters(ctx context.Context, vodID string) ([]Chapter, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT name, game_id, start_seconds, end_seconds FROM chapters WHERE vod_id=$1 ORDER BY start_seconds, position`, vodID)
	if err != nil {
		return nil, fmt.Errorf("list chapters %s: %w", vodID, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []Chapter
	for rows.Next() {
		var c Chapter
		if err := rows.Scan(&c.Name, &c.GameID, &c.Start, &c.End); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CommentExists reports whether a chat comment id has already been persisted.
func (s *Store) CommentExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.DB.QueryRowContext(ctx, `SELECT 1 FROM logs WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("comment exists %s: %w", id, err)
	}
	return true, nil
}

// InsertComments writes a batch of comments in one transaction. Either every row lands or none does.
func (s *Store) InsertComments(ctx context.Context, comments []Comment) error {
	if len(comments) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO logs (id, vod_id, display_name, content_offset_seconds, message, user_badges, user_color)
		 VALUES ($1,$2,$3,$4,$5::jsonb,$6::jsonb,$7)`)
	if err != nil {
		return fmt.Errorf("prepare insert logs: %w", err)
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			slog.Warn("failed to close prepared statement", slog.Any("err", err))
		}
	}()

	for _, c := range comments {
		frags, err := json.Marshal(nonNil(c.Fragments))
		if err != nil {
			return err
		}
		badges, err := json.Marshal(nonNil(c.Badges))
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.VODID, c.DisplayName, c.OffsetSeconds, string(frags), string(badges), c.Color); err != nil {
			return fmt.Errorf("insert comment %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit logs: %w", err)
	}
	return nil
}

// CountComments returns the number of stored comments for a VOD.
func (s *Store) CountComments(ctx context.Context, vodID string) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs WHERE vod_id=$1`, vodID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count comments %s: %w", vodID, err)
	}
	return n, nil
}

// GetKV returns the value of a kv key, or "" when unset.
func (s *Store) GetKV(ctx context.Context, key string) (string, error) {
	var v sql.NullString
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get kv %s: %w", key, err)
	}
	return v.String, nil
}

// SetKV upserts a kv key.
func (s *Store) SetKV(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ($1,$2,NOW())
		 ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, updated_at=NOW()`, key, value)
	if err != nil {
		return fmt.Errorf("set kv %s: %w", key, err)
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}
