package db

import "time"

// VOD is one archived broadcast.
type VOD struct {
	ID           string
	Title        string
	StreamID     string
	Platform     string
	Duration     float64
	ThumbnailURL string
	YouTubeIDs   []string
	ArchivedAt   *time.Time
	CreatedAt    time.Time
}

// VODPatch lists the fields to change; nil fields are left untouched.
type VODPatch struct {
	Title        *string
	Duration     *float64
	ThumbnailURL *string
	ArchivedAt   *time.Time
}

// Chapter is one game segment of a broadcast, in seconds from the broadcast start.
type Chapter struct {
	Name   string  `json:"name"`
	GameID string  `json:"game_id,omitempty"`
	Start  float64 `json:"start"`
	End    float64 `json:"end"`
}

// Duration returns End - Start.
func (c Chapter) Duration() float64 { return c.End - c.Start }

// Comment is one chat message persisted in the logs table. ID is unique across all VODs.
type Comment struct {
	ID            string     `json:"id"`
	VODID         string     `json:"vod_id"`
	DisplayName   string     `json:"display_name"`
	OffsetSeconds float64    `json:"content_offset_seconds"`
	Fragments     []Fragment `json:"message"`
	Badges        []Badge    `json:"user_badges"`
	Color         string     `json:"user_color"`
}

// Fragment is a run of message text, optionally an emote.
type Fragment struct {
	Text  string `json:"text"`
	Emote *Emote `json:"emote,omitempty"`
}

type Emote struct {
	EmoteID string `json:"emoteID"`
}

type Badge struct {
	SetID   string `json:"setID"`
	Version string `json:"version"`
}
