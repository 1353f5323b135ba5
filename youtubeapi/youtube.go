// Package youtubeapi wraps Google OAuth2 client config and the YouTube Data API
// for uploading archive parts and posting the comment that links back to the VOD.
// Tokens are persisted via the provided TokenStore so they can be refreshed and reused by workers.
package youtubeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/vod-archiver/config"
	"github.com/onnwee/vod-archiver/telemetry"
)

// Provider is the oauth_tokens key of the stored YouTube credentials.
const Provider = "youtube"

// gamingCategory is the YouTube "Gaming" category id.
const gamingCategory = "20"

// ErrNoToken is returned before the operator has completed the OAuth consent flow.
var ErrNoToken = errors.New("no youtube token stored")

type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

// UploadRequest describes one part upload.
type UploadRequest struct {
	Path        string
	Title       string
	Description string
	// Privacy is public, unlisted or private; empty means the configured default.
	Privacy string
}

type Service struct {
	cfg      *config.Config
	db       TokenStore
	oauth    *oauth2.Config
	endpoint string
}

func New(cfg *config.Config, ts TokenStore) *Service {
	scopes := []string{yt.YoutubeUploadScope}
	if cfg.YTScopes != "" {
		// allow comma or space separated
		s := strings.ReplaceAll(cfg.YTScopes, ",", " ")
		if fields := strings.Fields(s); len(fields) > 0 {
			scopes = fields
		}
	}
	oauth := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.YTRedirectURI,
		Scopes:       scopes,
	}
	return &Service{cfg: cfg, db: ts, oauth: oauth}
}

// AuthCodeURL returns the consent page URL. Offline access is forced so Google issues a refresh token.
func (s *Service) AuthCodeURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades the callback code for a token and stores it.
func (s *Service) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := s.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := s.store(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// Refresher returns a refresh callback for the oauth package using the configured client.
func Refresher(cfg *config.Config) func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	oc := &oauth2.Config{ClientID: cfg.YTClientID, ClientSecret: cfg.YTClientSecret, Endpoint: google.Endpoint, RedirectURL: cfg.YTRedirectURI}
	return func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if cfg.YTClientID == "" {
			return "", "", time.Time{}, "", errors.New("youtube client id not configured")
		}
		newTok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err != nil {
			return "", "", time.Time{}, "", err
		}
		return newTok.AccessToken, newTok.RefreshToken, newTok.Expiry, "", nil
	}
}

// Connected reports whether a token has been stored.
func (s *Service) Connected(ctx context.Context) bool {
	access, _, _, _, err := s.db.GetOAuthToken(ctx, Provider)
	return err == nil && access != ""
}

func (s *Service) store(ctx context.Context, tok *oauth2.Token) error {
	rawBytes, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return s.db.UpsertOAuthToken(ctx, Provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes))
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.db.GetOAuthToken(ctx, Provider)
	if err != nil {
		return nil, err
	}
	if access == "" {
		return nil, ErrNoToken
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if time.Until(tok.Expiry) > 2*time.Minute {
		return &tok, nil
	}
	newTok, err := s.oauth.TokenSource(ctx, &tok).Token()
	if err != nil {
		return &tok, fmt.Errorf("refresh youtube token: %w", err)
	}
	if err := s.store(ctx, newTok); err != nil {
		slog.Warn("youtube token store failed", slog.Any("err", err))
	}
	return newTok, nil
}

// Client returns an authorized YouTube service.
func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	opts := []option.ClientOption{option.WithHTTPClient(s.oauth.Client(ctx, tok))}
	if s.endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.endpoint))
	}
	return yt.NewService(ctx, opts...)
}

// Upload inserts the file as a new video and returns its id and medium thumbnail URL.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (videoID, thumbnail string, err error) {
	ctx, span := telemetry.StartSpan(ctx, "youtubeapi", "youtube.upload")
	start := time.Now()
	defer func() {
		telemetry.ObserveUpload(time.Since(start), err)
		telemetry.EndSpan(span, err)
	}()

	svc, err := s.Client(ctx)
	if err != nil {
		return "", "", err
	}
	privacy := req.Privacy
	if privacy == "" {
		privacy = s.cfg.YTPrivacy
	}
	res, err := UploadVideo(ctx, svc, req.Path, req.Title, req.Description, privacy)
	if err != nil {
		return "", "", err
	}
	if res.Snippet != nil && res.Snippet.Thumbnails != nil && res.Snippet.Thumbnails.Medium != nil {
		thumbnail = res.Snippet.Thumbnails.Medium.Url
	}
	return res.Id, thumbnail, nil
}

// Comment posts a top-level comment on a video.
func (s *Service) Comment(ctx context.Context, videoID, text string) error {
	svc, err := s.Client(ctx)
	if err != nil {
		return err
	}
	thread := &yt.CommentThread{
		Snippet: &yt.CommentThreadSnippet{
			VideoId: videoID,
			TopLevelComment: &yt.Comment{
				Snippet: &yt.CommentSnippet{TextOriginal: text},
			},
		},
	}
	if _, err := svc.CommentThreads.Insert([]string{"snippet"}, thread).Context(ctx).Do(); err != nil {
		return fmt.Errorf("youtube comment: %w", err)
	}
	return nil
}

// UploadVideo uploads a video file at path with given title/description/privacy using provided YouTube service.
func UploadVideo(ctx context.Context, svc *yt.Service, path, title, description, privacy string) (*yt.Video, error) {
	if svc == nil {
		return nil, fmt.Errorf("nil youtube service")
	}
	if privacy == "" {
		privacy = "private"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{Title: truncateTitle(title), Description: description, CategoryId: gamingCategory},
		Status:  &yt.VideoStatus{PrivacyStatus: privacy},
	}
	res, err := svc.Videos.Insert([]string{"snippet", "status"}, video).
		NotifySubscribers(false).
		Media(f).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("youtube upload: %w", err)
	}
	if res.Id == "" {
		return nil, fmt.Errorf("youtube upload: empty id")
	}
	return res, nil
}

// YouTube rejects titles longer than 100 characters.
func truncateTitle(title string) string {
	r := []rune(title)
	if len(r) <= 100 {
		return title
	}
	return string(r[:100])
}
