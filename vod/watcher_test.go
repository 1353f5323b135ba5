package vod

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/jobs"
	"github.com/onnwee/vod-archiver/twitchapi"
)

type fakeChannel struct {
	streams []twitchapi.Stream
	videos  []twitchapi.VideoMeta
	err     error
}

func (f *fakeChannel) GetStreams(context.Context, string) ([]twitchapi.Stream, error) {
	return f.streams, f.err
}

func (f *fakeChannel) ListVideos(context.Context, string, string, int) ([]twitchapi.VideoMeta, string, error) {
	return f.videos, "", nil
}

type fakeCreator struct {
	vods map[string]db.VOD
}

func (f *fakeCreator) VODExists(_ context.Context, id string) (bool, error) {
	_, ok := f.vods[id]
	return ok, nil
}

func (f *fakeCreator) CreateVOD(_ context.Context, v db.VOD) (*db.VOD, error) {
	if f.vods == nil {
		f.vods = map[string]db.VOD{}
	}
	f.vods[v.ID] = v
	return &v, nil
}

func TestWatcherCheck(t *testing.T) {
	started := time.Date(2024, 3, 9, 22, 0, 0, 0, time.UTC)
	channel := &fakeChannel{
		streams: []twitchapi.Stream{{ID: "s1", UserID: "42", UserLogin: "somechannel", StartedAt: started}},
	}
	store := &fakeCreator{}
	var starts []string
	w := &Watcher{
		Channel: "somechannel",
		Helix:   channel,
		Store:   store,
		Start: func(_ context.Context, id string) error {
			starts = append(starts, id)
			return nil
		},
	}
	ctx := context.Background()

	// Live, but the archive video is not listed yet.
	if err := w.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if len(starts) != 0 || len(store.vods) != 0 {
		t.Fatalf("started before video listed: %v", starts)
	}

	channel.videos = []twitchapi.VideoMeta{
		{ID: "999", StreamID: "old"},
		{ID: "1001", StreamID: "s1", Title: "late night", CreatedAt: "2024-03-09T22:00:05Z"},
	}
	if err := w.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if len(starts) != 1 || starts[0] != "1001" {
		t.Fatalf("starts = %v", starts)
	}
	v, ok := store.vods["1001"]
	if !ok || v.StreamID != "s1" || v.Title != "late night" || !v.CreatedAt.Equal(started.Add(5*time.Second)) {
		t.Errorf("created vod = %+v", v)
	}

	// Same stream: no second start.
	if err := w.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if len(starts) != 1 {
		t.Errorf("stream started twice: %v", starts)
	}

	// Offline then live again with the same stream id starts again.
	channel.streams = nil
	if err := w.Check(ctx); err != nil {
		t.Fatal(err)
	}
	channel.streams = []twitchapi.Stream{{ID: "s1", UserID: "42"}}
	if err := w.Check(ctx); err != nil {
		t.Fatal(err)
	}
	if len(starts) != 2 {
		t.Errorf("starts after reconnect = %v", starts)
	}
}

func TestWatcherCheckAlreadyRunning(t *testing.T) {
	channel := &fakeChannel{
		streams: []twitchapi.Stream{{ID: "s1", UserID: "42"}},
		videos:  []twitchapi.VideoMeta{{ID: "1001", StreamID: "s1"}},
	}
	w := &Watcher{
		Channel: "somechannel",
		Helix:   channel,
		Store:   &fakeCreator{vods: map[string]db.VOD{"1001": {ID: "1001"}}},
		Start:   func(context.Context, string) error { return jobs.ErrAlreadyRunning },
	}
	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if w.lastStream != "s1" {
		t.Errorf("lastStream = %q", w.lastStream)
	}
}

func TestWatcherCheckErrors(t *testing.T) {
	w := &Watcher{Channel: "somechannel", Helix: &fakeChannel{err: errors.New("boom")}, Store: &fakeCreator{}}
	if err := w.Check(context.Background()); err == nil {
		t.Fatal("expected streams error")
	}

	failing := errors.New("capture dir locked")
	w = &Watcher{
		Channel: "somechannel",
		Helix: &fakeChannel{
			streams: []twitchapi.Stream{{ID: "s1"}},
			videos:  []twitchapi.VideoMeta{{ID: "1001", StreamID: "s1"}},
		},
		Store: &fakeCreator{},
		Start: func(context.Context, string) error { return failing },
	}
	if err := w.Check(context.Background()); !errors.Is(err, failing) {
		t.Fatalf("Check() error = %v", err)
	}
	if w.lastStream != "" {
		t.Error("failed start marked stream handled")
	}
}
