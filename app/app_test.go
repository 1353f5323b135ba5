package app

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onnwee/vod-archiver/config"
	"github.com/onnwee/vod-archiver/testutil"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newApp(t *testing.T, cfg *config.Config, database *sql.DB, hc *http.Client) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, database, hc, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func baseConfig() *config.Config {
	return &config.Config{
		TwitchChannel:           "somechannel",
		TwitchGQLClientID:       config.DefaultGQLClientID,
		DataDir:                 "data",
		CapturePollInterval:     time.Minute,
		CaptureMaxRetries:       10,
		SplitDuration:           3 * time.Hour,
		ChatBatchSize:           2500,
		ChatPageDelay:           50 * time.Millisecond,
		ChatRearmDelay:          time.Minute,
		MaxConcurrentTranscodes: 1,
		YTPrivacy:               "unlisted",
		YTTitleFormat:           "{channel} {date} VOD",
		LivePollInterval:        30 * time.Second,
	}
}

func TestNewUploaderWiring(t *testing.T) {
	tests := []struct {
		name         string
		configure    func(*config.Config)
		wantUploader bool
	}{
		{name: "no youtube client", configure: func(c *config.Config) { c.UploadEnabled = true }},
		{name: "upload disabled", configure: func(c *config.Config) {
			c.YTClientID, c.YTClientSecret = "id", "secret"
		}},
		{name: "configured", configure: func(c *config.Config) {
			c.UploadEnabled = true
			c.YTClientID, c.YTClientSecret = "id", "secret"
		}, wantUploader: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.configure(cfg)
			a := newApp(t, cfg, nil, nil)
			if got := a.Archiver.Uploader != nil; got != tt.wantUploader {
				t.Errorf("uploader set = %v, want %v", got, tt.wantUploader)
			}
			if got := a.YouTube != nil; got != tt.wantUploader {
				t.Errorf("youtube set = %v, want %v", got, tt.wantUploader)
			}
		})
	}
}

func TestNewCarriesSettings(t *testing.T) {
	cfg := baseConfig()
	cfg.SplitDuration = 2 * time.Hour
	cfg.ChatBatchSize = 100
	a := newApp(t, cfg, nil, nil)

	if a.Archiver.MaxPart != 7200 {
		t.Errorf("MaxPart = %v, want 7200", a.Archiver.MaxPart)
	}
	if a.Harvester.BatchSize != 100 || a.Harvester.Channel != "somechannel" {
		t.Errorf("harvester = %+v", a.Harvester)
	}
	if a.Capture.Poller.MaxRetries != 10 || a.Capture.Finalizer != a.Archiver {
		t.Errorf("capture pipeline not wired to archiver")
	}
	if a.Runner.Limiter.Max() != 1 {
		t.Errorf("limiter max = %d, want 1", a.Runner.Limiter.Max())
	}
	w := a.Watcher()
	if w.Channel != "somechannel" || w.Interval != 30*time.Second || w.Start == nil {
		t.Errorf("watcher = %+v", w)
	}
}

func TestStartArchiveRequiresTwitchCredentials(t *testing.T) {
	a := newApp(t, baseConfig(), nil, nil)
	if err := a.StartArchive(context.Background(), "1001"); err == nil {
		t.Fatal("expected error without twitch credentials")
	}
	if n := len(a.Jobs.List()); n != 0 {
		t.Errorf("jobs started = %d, want 0", n)
	}
	if err := a.Archive(context.Background(), "1001"); err == nil {
		t.Fatal("expected foreground archive to fail without credentials")
	}
}

func TestRefreshers(t *testing.T) {
	cfg := baseConfig()
	if n := len(newApp(t, cfg, nil, nil).Refreshers(nil)); n != 0 {
		t.Errorf("refreshers without credentials = %d, want 0", n)
	}

	cfg.TwitchClientID, cfg.TwitchClientSecret = "cid", "secret"
	cfg.UploadEnabled = true
	cfg.YTClientID, cfg.YTClientSecret = "id", "secret"
	rs := newApp(t, cfg, nil, nil).Refreshers(nil)
	if len(rs) != 2 {
		t.Fatalf("refreshers = %d, want 2", len(rs))
	}
	if rs[0].Provider != "twitch" || rs[1].Provider != "youtube" {
		t.Errorf("providers = %s, %s", rs[0].Provider, rs[1].Provider)
	}
}

func TestEnsureVODFromHelix(t *testing.T) {
	database := testutil.SetupTestDB(t)
	mock := testutil.NewMockTwitchServer(t)
	mock.MockOAuthTokenResponse("app-token", 3600)
	mock.MockVideosResponse([]map[string]string{{
		"id":            "1001",
		"stream_id":     "s1",
		"user_id":       "u1",
		"user_login":    "somechannel",
		"title":         "Speedruns",
		"created_at":    "2024-03-09T18:00:00Z",
		"duration":      "1h2m3s",
		"thumbnail_url": "https://example.com/thumb.jpg",
	}}, "")

	cfg := baseConfig()
	cfg.TwitchClientID, cfg.TwitchClientSecret = "cid", "secret"
	a := newApp(t, cfg, database, mock.Client())

	ctx := context.Background()
	v, err := a.EnsureVOD(ctx, "1001")
	if err != nil {
		t.Fatalf("EnsureVOD: %v", err)
	}
	if v.Title != "Speedruns" || v.StreamID != "s1" {
		t.Errorf("vod = %+v", v)
	}
	if want := time.Date(2024, 3, 9, 18, 0, 0, 0, time.UTC); !v.CreatedAt.Equal(want) {
		t.Errorf("created = %v, want %v", v.CreatedAt, want)
	}

	if _, err := a.EnsureVOD(ctx, "1001"); err != nil {
		t.Fatalf("EnsureVOD again: %v", err)
	}
	if hits := mock.Hits("/helix/videos"); hits != 1 {
		t.Errorf("helix video lookups = %d, want 1", hits)
	}
}

func TestImportLogsCreatesRecord(t *testing.T) {
	database := testutil.SetupTestDB(t)
	a := newApp(t, baseConfig(), database, nil)

	path := filepath.Join(t.TempDir(), "1001.json")
	body := `{"comments":[
		{"_id":"a","commenter":{"display_name":"Viewer1"},"content_offset_seconds":1,"message":{"fragments":[{"text":"hi"}]}},
		{"_id":"b","commenter":{"display_name":"Viewer2"},"content_offset_seconds":2,"message":{"fragments":[{"text":"yo"}]}}
	]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	n, err := a.ImportLogs(ctx, "1001", path)
	if err != nil || n != 2 {
		t.Fatalf("ImportLogs = %d, %v; want 2, nil", n, err)
	}
	if n, err = a.ImportLogs(ctx, "1001", path); err != nil || n != 0 {
		t.Fatalf("second ImportLogs = %d, %v; want 0, nil", n, err)
	}
	count, err := a.Store.CountComments(ctx, "1001")
	if err != nil || count != 2 {
		t.Errorf("CountComments = %d, %v; want 2", count, err)
	}
}

func TestNewEncryptionKey(t *testing.T) {
	cfg := baseConfig()
	cfg.EncryptionKey = "not-a-key"
	if _, err := New(context.Background(), cfg, nil, nil, quietLogger()); err == nil {
		t.Fatal("expected error for malformed ENCRYPTION_KEY")
	}
	cfg.EncryptionKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	if a := newApp(t, cfg, nil, nil); a.Store.Cipher == nil {
		t.Error("store cipher not set")
	}
}
