package vod

import (
	"testing"

	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/twitchapi"
)

func TestChaptersFromMoments(t *testing.T) {
	tests := []struct {
		name     string
		moments  []twitchapi.Moment
		game     *twitchapi.Game
		duration float64
		want     []db.Chapter
	}{
		{
			name:     "no moments no game",
			duration: 3600,
			want:     nil,
		},
		{
			name:     "game fallback",
			game:     &twitchapi.Game{ID: "509658", DisplayName: "Just Chatting"},
			duration: 3600,
			want:     []db.Chapter{{Name: "Just Chatting", GameID: "509658", Start: 0, End: 3600}},
		},
		{
			name: "sorted and bounded",
			moments: []twitchapi.Moment{
				{GameID: "2", GameName: "Elden Ring", PositionMS: 1_800_000, DurationMS: 3_600_000},
				{GameID: "1", GameName: "Just Chatting", PositionMS: 0, DurationMS: 1_800_000},
				{GameID: "3", GameName: "Tetris", PositionMS: 5_400_000, DurationMS: 9_000_000},
			},
			duration: 7200,
			want: []db.Chapter{
				{Name: "Just Chatting", GameID: "1", Start: 0, End: 1800},
				{Name: "Elden Ring", GameID: "2", Start: 1800, End: 5400},
				{Name: "Tetris", GameID: "3", Start: 5400, End: 7200},
			},
		},
		{
			name: "zero duration runs to next moment",
			moments: []twitchapi.Moment{
				{GameID: "1", GameName: "A", PositionMS: 0},
				{GameID: "2", GameName: "B", PositionMS: 600_000},
			},
			duration: 1200,
			want: []db.Chapter{
				{Name: "A", GameID: "1", Start: 0, End: 600},
				{Name: "B", GameID: "2", Start: 600, End: 1200},
			},
		},
		{
			name: "overlap trimmed",
			moments: []twitchapi.Moment{
				{GameID: "1", GameName: "A", PositionMS: 0, DurationMS: 1_000_000},
				{GameID: "2", GameName: "B", PositionMS: 600_000, DurationMS: 600_000},
			},
			duration: 1200,
			want: []db.Chapter{
				{Name: "A", GameID: "1", Start: 0, End: 600},
				{Name: "B", GameID: "2", Start: 600, End: 1200},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChaptersFromMoments(tt.moments, tt.game, tt.duration)
			if len(got) != len(tt.want) {
				t.Fatalf("ChaptersFromMoments() = %+v, want %+v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chapter %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	tests := map[float64]string{
		0:       "00:00:00",
		59.9:    "00:00:59",
		61:      "00:01:01",
		3600:    "01:00:00",
		45296.5: "12:34:56",
		-3:      "00:00:00",
	}
	for in, want := range tests {
		if got := FormatTimestamp(in); got != want {
			t.Errorf("FormatTimestamp(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestDescription(t *testing.T) {
	chapters := []db.Chapter{
		{Name: "Just Chatting", Start: 0, End: 1800},
		{Name: "Elden Ring", Start: 1800, End: 7200},
	}
	want := "Archived stream\n00:00:00 Just Chatting\n00:30:00 Elden Ring\n"
	if got := Description("Archived stream", chapters); got != want {
		t.Errorf("Description() = %q, want %q", got, want)
	}
	if got := Description("", nil); got != "" {
		t.Errorf("Description(empty) = %q", got)
	}
}
