package chat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

const archiveJSON = `{
  "comments": [
    {
      "_id": "a",
      "commenter": {"display_name": "Viewer1"},
      "content_offset_seconds": 12.5,
      "message": {
        "fragments": [{"text": "nice "}, {"text": "PogChamp", "emoticon": {"emoticon_id": "88"}}],
        "user_badges": [{"_id": "subscriber", "version": "3"}],
        "user_color": "#1E90FF"
      }
    },
    {
      "_id": "b",
      "commenter": {"display_name": "Viewer2"},
      "content_offset_seconds": 14,
      "message": {"fragments": [{"text": "gg"}]}
    },
    {
      "_id": "c",
      "commenter": {"display_name": "Viewer3"},
      "content_offset_seconds": 20,
      "message": {"fragments": [{"text": "o7"}]}
    }
  ]
}`

func TestImport(t *testing.T) {
	store := newMemStore()
	store.seed("b")
	h := newHarvester(nil, store)

	n, err := h.Import(context.Background(), "1001", strings.NewReader(archiveJSON))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if n != 2 {
		t.Errorf("stored = %d, want 2", n)
	}
	a := store.comments["a"]
	if a.VODID != "1001" || a.DisplayName != "Viewer1" || a.OffsetSeconds != 12.5 || a.Color != "#1E90FF" {
		t.Errorf("comment a = %+v", a)
	}
	if len(a.Fragments) != 2 || a.Fragments[1].Emote == nil || a.Fragments[1].Emote.EmoteID != "88" {
		t.Errorf("fragments = %+v", a.Fragments)
	}
	if len(a.Badges) != 1 || a.Badges[0].SetID != "subscriber" || a.Badges[0].Version != "3" {
		t.Errorf("badges = %+v", a.Badges)
	}
	if store.comments["b"].DisplayName != "" {
		t.Error("existing comment b was overwritten")
	}
}

// cancellingStore cancels the import context on the nth existence check.
type cancellingStore struct {
	*memStore
	cancel context.CancelFunc
	after  int
	calls  int
}

func (s *cancellingStore) CommentExists(ctx context.Context, id string) (bool, error) {
	s.calls++
	if s.calls == s.after {
		s.cancel()
	}
	return s.memStore.CommentExists(ctx, id)
}

func TestImportCancelledFlushesBuffered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancellingStore{memStore: newMemStore(), cancel: cancel, after: 2}
	h := newHarvester(nil, store)

	n, err := h.Import(ctx, "1001", strings.NewReader(archiveJSON))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Import() error = %v, want context.Canceled", err)
	}
	if n != 2 {
		t.Errorf("stored = %d, want 2", n)
	}
	if got := strings.Join(store.ids(), ","); got != "a,b" {
		t.Errorf("stored ids = %s, want a,b", got)
	}
}

func TestImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1001.json")
	if err := os.WriteFile(path, []byte(archiveJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	store := newMemStore()
	h := newHarvester(nil, store)
	h.BatchSize = 2
	n, err := h.ImportFile(context.Background(), "1001", path)
	if err != nil || n != 3 {
		t.Fatalf("ImportFile() = %d, %v", n, err)
	}
	if store.inserts != 2 {
		t.Errorf("insert transactions = %d, want 2", store.inserts)
	}

	// Importing again stores nothing.
	if n, err := h.ImportFile(context.Background(), "1001", path); err != nil || n != 0 {
		t.Errorf("second ImportFile() = %d, %v", n, err)
	}
}

func TestImportErrors(t *testing.T) {
	h := newHarvester(nil, newMemStore())
	if _, err := h.Import(context.Background(), "1001", strings.NewReader(`{"data": []}`)); !errors.Is(err, errNoComments) {
		t.Errorf("missing comments error = %v", err)
	}
	if _, err := h.Import(context.Background(), "1001", strings.NewReader(`{"comments": [`)); err == nil {
		t.Error("expected decode error")
	}
	if _, err := h.ImportFile(context.Background(), "1001", filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected open error")
	}
}

func TestMessageComment(t *testing.T) {
	start := time.Date(2024, 3, 9, 22, 0, 0, 0, time.UTC)
	msg := twitch.PrivateMessage{
		ID:      "irc-1",
		Message: "hi Kappa there Kappa",
		Time:    start.Add(90 * time.Second),
		User: twitch.User{
			Name:        "viewer",
			DisplayName: "Viewer",
			Color:       "#00FF00",
			Badges:      map[string]int{"subscriber": 6, "broadcaster": 1},
		},
		Emotes: []*twitch.Emote{{Name: "Kappa", ID: "25"}},
	}
	c := MessageComment("1001", start, msg)
	if c.ID != "irc-1" || c.VODID != "1001" || c.DisplayName != "Viewer" || c.OffsetSeconds != 90 || c.Color != "#00FF00" {
		t.Errorf("comment = %+v", c)
	}
	wantText := []string{"hi ", "Kappa", " there ", "Kappa"}
	if len(c.Fragments) != len(wantText) {
		t.Fatalf("fragments = %+v", c.Fragments)
	}
	for i, f := range c.Fragments {
		if f.Text != wantText[i] {
			t.Errorf("fragment %d = %q, want %q", i, f.Text, wantText[i])
		}
		if isEmote := f.Emote != nil; isEmote != (wantText[i] == "Kappa") {
			t.Errorf("fragment %d emote = %v", i, f.Emote)
		}
	}
	if len(c.Badges) != 2 || c.Badges[0].SetID != "broadcaster" || c.Badges[1].Version != "6" {
		t.Errorf("badges = %+v", c.Badges)
	}

	plain := MessageComment("1001", time.Time{}, twitch.PrivateMessage{ID: "irc-2", Message: "hello", User: twitch.User{Name: "lurker"}})
	if plain.DisplayName != "lurker" || plain.OffsetSeconds != 0 || len(plain.Fragments) != 1 || plain.Fragments[0].Text != "hello" {
		t.Errorf("plain comment = %+v", plain)
	}
}
