package vod

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/onnwee/vod-archiver/db"
	"github.com/onnwee/vod-archiver/twitchapi"
)

// ChaptersFromMoments converts Twitch video moments into ordered, non-overlapping chapters
// bounded by duration. When there are no moments and game is set, the whole broadcast
// becomes a single chapter.
func ChaptersFromMoments(moments []twitchapi.Moment, game *twitchapi.Game, duration float64) []db.Chapter {
	if len(moments) == 0 {
		if game == nil || duration <= 0 {
			return nil
		}
		return []db.Chapter{{Name: game.DisplayName, GameID: game.ID, Start: 0, End: duration}}
	}

	sorted := append([]twitchapi.Moment(nil), moments...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].PositionMS < sorted[j].PositionMS })

	out := make([]db.Chapter, 0, len(sorted))
	for i, m := range sorted {
		start := float64(m.PositionMS) / 1000
		end := start + float64(m.DurationMS)/1000
		if m.DurationMS <= 0 {
			end = duration
			if i+1 < len(sorted) {
				end = float64(sorted[i+1].PositionMS) / 1000
			}
		}
		if duration > 0 && end > duration {
			end = duration
		}
		if n := len(out); n > 0 && out[n-1].End > start {
			out[n-1].End = start
			if out[n-1].End <= out[n-1].Start {
				out = out[:n-1]
			}
		}
		if end <= start {
			continue
		}
		out = append(out, db.Chapter{Name: m.GameName, GameID: m.GameID, Start: start, End: end})
	}
	return out
}

// FormatTimestamp renders seconds as HH:MM:SS.
func FormatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	s := int64(math.Floor(seconds))
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s%3600)/60, s%60)
}

// Description appends one "HH:MM:SS Name" line per chapter to header.
func Description(header string, chapters []db.Chapter) string {
	var b strings.Builder
	b.WriteString(header)
	if header != "" && !strings.HasSuffix(header, "\n") {
		b.WriteString("\n")
	}
	for _, c := range chapters {
		b.WriteString(FormatTimestamp(c.Start))
		b.WriteString(" ")
		b.WriteString(c.Name)
		b.WriteString("\n")
	}
	return b.String()
}
