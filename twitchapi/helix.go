// Package twitchapi contains the Twitch clients used by the archiver: Helix (app token) for
// stream and video metadata, the public GQL endpoint for playback tokens, chat replay and
// chapter data, and the usher playlist host.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const helixBaseURL = "https://api.twitch.tv/helix"

// helixMaxRetries bounds attempts for 429/5xx and transport errors. A 401 earns one extra
// attempt after the app token is refreshed.
const helixMaxRetries = 3

var helixBackoff = 250 * time.Millisecond

// ErrNotFound is returned when Twitch reports no such user, video or stream.
var ErrNotFound = errors.New("twitch: not found")

// HelixClient provides the Helix calls needed for live detection and VOD metadata.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// get issues an authenticated GET against a Helix path and decodes the JSON body into out.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	if hc.AppTokenSource == nil {
		return errors.New("helix client has no app token source")
	}
	refreshed := false
	var lastErr error
	for attempt := 1; attempt <= helixMaxRetries || (refreshed && attempt == helixMaxRetries+1); attempt++ {
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, helixBaseURL+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.http().Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			if werr := sleepCtx(ctx, helixBackoff*time.Duration(attempt)); werr != nil {
				return werr
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			defer closeBody(resp)
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("decode %s: %w", path, err)
			}
			return nil
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			drain(resp)
			hc.AppTokenSource.Invalidate(tok)
			refreshed = true
			lastErr = fmt.Errorf("helix %s: %s", path, resp.Status)
			slog.Debug("helix token rejected, refreshing", slog.String("path", path))
			continue
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			wait := retryAfter(resp, helixBackoff*time.Duration(attempt))
			drain(resp)
			lastErr = fmt.Errorf("helix %s: %s", path, resp.Status)
			slog.Debug("helix retry", slog.String("path", path), slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt))
			if werr := sleepCtx(ctx, wait); werr != nil {
				return werr
			}
			continue
		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			closeBody(resp)
			return fmt.Errorf("helix %s: %s: %s", path, resp.Status, strings.TrimSpace(string(b)))
		}
	}
	return fmt.Errorf("helix %s: retries exhausted: %w", path, lastErr)
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found: %w", ErrNotFound)
	}
	return body.Data[0].ID, nil
}

// VideoMeta is one row of a Helix archive listing.
type VideoMeta struct {
	ID, StreamID, Title, Duration, CreatedAt string
}

// ListVideos lists archive videos for a user, newest first.
func (hc *HelixClient) ListVideos(ctx context.Context, userID, after string, first int) ([]VideoMeta, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID empty")
	}
	if first <= 0 {
		first = 20
	}
	q := url.Values{}
	q.Set("user_id", userID)
	q.Set("type", "archive")
	q.Set("first", strconv.Itoa(first))
	if after != "" {
		q.Set("after", after)
	}
	var body struct {
		Data []struct {
			ID        string `json:"id"`
			StreamID  string `json:"stream_id"`
			Title     string `json:"title"`
			Duration  string `json:"duration"`
			CreatedAt string `json:"created_at"`
		} `json:"data"`
		Pagination struct {
			Cursor string `json:"cursor"`
		} `json:"pagination"`
	}
	if err := hc.get(ctx, "/videos", q, &body); err != nil {
		return nil, "", err
	}
	out := make([]VideoMeta, 0, len(body.Data))
	for _, v := range body.Data {
		out = append(out, VideoMeta{ID: v.ID, StreamID: v.StreamID, Title: v.Title, Duration: v.Duration, CreatedAt: v.CreatedAt})
	}
	return out, body.Pagination.Cursor, nil
}

// Video is the Helix metadata of a single VOD.
type Video struct {
	ID           string
	StreamID     string
	UserID       string
	UserLogin    string
	Title        string
	CreatedAt    time.Time
	Duration     time.Duration
	ThumbnailURL string
}

// GetVideo fetches metadata for one video. A deleted or unknown video yields ErrNotFound.
func (hc *HelixClient) GetVideo(ctx context.Context, id string) (*Video, error) {
	if id == "" {
		return nil, fmt.Errorf("video id empty")
	}
	var body struct {
		Data []struct {
			ID           string `json:"id"`
			StreamID     string `json:"stream_id"`
			UserID       string `json:"user_id"`
			UserLogin    string `json:"user_login"`
			Title        string `json:"title"`
			CreatedAt    string `json:"created_at"`
			Duration     string `json:"duration"`
			ThumbnailURL string `json:"thumbnail_url"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/videos", url.Values{"id": {id}}, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	d := body.Data[0]
	v := &Video{
		ID:           d.ID,
		StreamID:     d.StreamID,
		UserID:       d.UserID,
		UserLogin:    d.UserLogin,
		Title:        d.Title,
		ThumbnailURL: d.ThumbnailURL,
	}
	if t, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
		v.CreatedAt = t
	}
	if dur, err := ParseDuration(d.Duration); err == nil {
		v.Duration = dur
	}
	return v, nil
}

// Stream is a currently live broadcast.
type Stream struct {
	ID        string
	UserID    string
	UserLogin string
	GameID    string
	GameName  string
	Title     string
	StartedAt time.Time
}

// GetStreams returns the live streams for a login; empty when offline.
func (hc *HelixClient) GetStreams(ctx context.Context, login string) ([]Stream, error) {
	return hc.streams(ctx, url.Values{"user_login": {login}})
}

func (hc *HelixClient) streams(ctx context.Context, q url.Values) ([]Stream, error) {
	var body struct {
		Data []struct {
			ID        string `json:"id"`
			UserID    string `json:"user_id"`
			UserLogin string `json:"user_login"`
			GameID    string `json:"game_id"`
			GameName  string `json:"game_name"`
			Title     string `json:"title"`
			StartedAt string `json:"started_at"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/streams", q, &body); err != nil {
		return nil, err
	}
	out := make([]Stream, 0, len(body.Data))
	for _, s := range body.Data {
		st := Stream{ID: s.ID, UserID: s.UserID, UserLogin: s.UserLogin, GameID: s.GameID, GameName: s.GameName, Title: s.Title}
		if t, err := time.Parse(time.RFC3339, s.StartedAt); err == nil {
			st.StartedAt = t
		}
		out = append(out, st)
	}
	return out, nil
}

// IsLive reports whether the channel login is broadcasting.
func (hc *HelixClient) IsLive(ctx context.Context, login string) (bool, error) {
	streams, err := hc.GetStreams(ctx, login)
	if err != nil {
		return false, err
	}
	return len(streams) > 0, nil
}

// VideoStatus describes a VOD for the capture loop.
type VideoStatus struct {
	Video *Video
	// Gone is set when Twitch no longer knows the video.
	Gone bool
	// Live is set while the broadcast that produced the video is still running.
	Live bool
}

// VideoStatus reports whether a VOD still exists and whether its broadcast is still live.
func (hc *HelixClient) VideoStatus(ctx context.Context, id string) (VideoStatus, error) {
	v, err := hc.GetVideo(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return VideoStatus{Gone: true}, nil
	}
	if err != nil {
		return VideoStatus{}, err
	}
	st := VideoStatus{Video: v}
	if v.UserID == "" {
		return st, nil
	}
	streams, err := hc.streams(ctx, url.Values{"user_id": {v.UserID}})
	if err != nil {
		return VideoStatus{}, err
	}
	for _, s := range streams {
		if s.ID != "" && s.ID == v.StreamID {
			st.Live = true
		}
	}
	return st, nil
}

// ParseDuration parses Twitch's "1h2m3s" duration format.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", s, err)
	}
	return d, nil
}

func retryAfter(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := resp.Header.Get("Ratelimit-Reset"); v != "" && resp.StatusCode == http.StatusTooManyRequests {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 && d < time.Minute {
				return d
			}
		}
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	closeBody(resp)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}
