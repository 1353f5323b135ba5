package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"CAPTURE_POLL_INTERVAL", "CAPTURE_MAX_RETRIES", "SPLIT_DURATION", "CHAT_BATCH_SIZE", "CHAT_PAGE_DELAY", "CHAT_REARM_DELAY", "TWITCH_GQL_CLIENT_ID"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.CapturePollInterval != time.Minute {
		t.Errorf("CapturePollInterval = %s, want 1m", cfg.CapturePollInterval)
	}
	if cfg.CaptureMaxRetries != 10 {
		t.Errorf("CaptureMaxRetries = %d, want 10", cfg.CaptureMaxRetries)
	}
	if cfg.ChatBatchSize != 2500 {
		t.Errorf("ChatBatchSize = %d, want 2500", cfg.ChatBatchSize)
	}
	if cfg.ChatPageDelay != 50*time.Millisecond {
		t.Errorf("ChatPageDelay = %s, want 50ms", cfg.ChatPageDelay)
	}
	if cfg.ChatRearmDelay != time.Minute {
		t.Errorf("ChatRearmDelay = %s, want 1m", cfg.ChatRearmDelay)
	}
	if cfg.SplitDuration != 3*time.Hour {
		t.Errorf("SplitDuration = %s, want 3h", cfg.SplitDuration)
	}
	if cfg.TwitchGQLClientID != DefaultGQLClientID {
		t.Errorf("TwitchGQLClientID = %q, want default", cfg.TwitchGQLClientID)
	}
}

func TestLoadPerGameUpload(t *testing.T) {
	for _, tt := range []struct {
		value string
		want  bool
	}{{"", false}, {"0", false}, {"1", true}, {"true", true}} {
		t.Setenv("PER_GAME_UPLOAD", tt.value)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		if cfg.PerGameUpload != tt.want {
			t.Errorf("PER_GAME_UPLOAD=%q: PerGameUpload = %v, want %v", tt.value, cfg.PerGameUpload, tt.want)
		}
	}
}

func TestLoadDurations(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"go duration", "90s", 90 * time.Second},
		{"bare seconds", "7200", 2 * time.Hour},
		{"fractional seconds", "0.5", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SPLIT_DURATION", tt.value)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			if cfg.SplitDuration != tt.want {
				t.Errorf("SplitDuration = %s, want %s", cfg.SplitDuration, tt.want)
			}
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct{ key, value string }{
		{"CAPTURE_MAX_RETRIES", "ten"},
		{"CAPTURE_MAX_RETRIES", "0"},
		{"CHAT_BATCH_SIZE", "-1"},
		{"CHAT_PAGE_DELAY", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := Load(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestValidateIRCReady(t *testing.T) {
	t.Setenv("TWITCH_CHANNEL", "chan")
	t.Setenv("TWITCH_BOT_USERNAME", "bot")
	t.Setenv("TWITCH_OAUTH_TOKEN", "oauth:token")
	cfg, _ := Load()
	if err := cfg.ValidateIRCReady(); err != nil {
		t.Errorf("expected valid irc config, got %v", err)
	}
	if err := os.Unsetenv("TWITCH_CHANNEL"); err != nil {
		t.Fatalf("failed to unset TWITCH_CHANNEL: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateIRCReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
}

func TestValidateUploadReady(t *testing.T) {
	t.Setenv("YT_CLIENT_ID", "id")
	t.Setenv("YT_CLIENT_SECRET", "secret")
	t.Setenv("UPLOAD_ENABLED", "0")
	cfg, _ := Load()
	if err := cfg.ValidateUploadReady(); err == nil {
		t.Errorf("expected error when upload disabled")
	}
	t.Setenv("UPLOAD_ENABLED", "")
	cfg, _ = Load()
	if err := cfg.ValidateUploadReady(); err != nil {
		t.Errorf("expected upload ready, got %v", err)
	}
}
