package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/vod-archiver/db"
)

// IRCTap records live chat from Twitch IRC for one broadcast. Messages are stored under
// their IRC message id, so a later replay harvest skips them.
type IRCTap struct {
	Channel string
	// Username and Token authenticate the bot; both empty connects anonymously.
	Username string
	Token    string

	Store CommentStore
	VODID string
	// Start is the broadcast start used to compute content offsets.
	Start time.Time

	BatchSize     int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Run connects, joins Channel and records messages until ctx ends. Pending messages are
// flushed on return.
func (t *IRCTap) Run(ctx context.Context) error {
	if t.Channel == "" {
		return errors.New("irc tap: channel empty")
	}
	log := t.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "irc_tap"), slog.String("vod_id", t.VODID), slog.String("channel", t.Channel))

	var client *twitch.Client
	if t.Username == "" && t.Token == "" {
		client = twitch.NewAnonymousClient()
	} else {
		client = twitch.NewClient(t.Username, "oauth:"+strings.TrimPrefix(t.Token, "oauth:"))
	}

	size := t.BatchSize
	if size <= 0 {
		size = 100
	}
	buf := NewBuffer(t.Store, size)
	client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		if _, err := buf.Add(ctx, MessageComment(t.VODID, t.Start, msg)); err != nil {
			log.Warn("irc message not recorded", slog.Any("err", err))
		}
	})

	interval := t.FlushInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				client.Disconnect()
				return
			case <-ticker.C:
				if err := buf.Flush(ctx); err != nil {
					log.Warn("irc flush failed", slog.Any("err", err))
				}
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	client.Join(t.Channel)
	log.Info("irc tap connecting")
	err := client.Connect()
	<-done
	if ferr := buf.Flush(context.WithoutCancel(ctx)); ferr != nil {
		log.Error("irc final flush failed", slog.Any("err", ferr))
	}
	log.Info("irc tap stopped", slog.Int("stored", buf.Stored()))
	if err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
		return fmt.Errorf("irc connect: %w", err)
	}
	return nil
}

// MessageComment converts an IRC message into a stored comment. Words matching one of
// the message's emotes become emote fragments.
func MessageComment(vodID string, start time.Time, msg twitch.PrivateMessage) db.Comment {
	at := msg.Time
	if at.IsZero() {
		at = time.Now()
	}
	offset := at.Sub(start).Seconds()
	if start.IsZero() || offset < 0 {
		offset = 0
	}
	name := msg.User.DisplayName
	if name == "" {
		name = msg.User.Name
	}
	c := db.Comment{
		ID:            msg.ID,
		VODID:         vodID,
		DisplayName:   name,
		OffsetSeconds: offset,
		Color:         msg.User.Color,
		Fragments:     messageFragments(msg),
	}
	sets := make([]string, 0, len(msg.User.Badges))
	for set := range msg.User.Badges {
		sets = append(sets, set)
	}
	sort.Strings(sets)
	for _, set := range sets {
		c.Badges = append(c.Badges, db.Badge{SetID: set, Version: fmt.Sprint(msg.User.Badges[set])})
	}
	return c
}

func messageFragments(msg twitch.PrivateMessage) []db.Fragment {
	if len(msg.Emotes) == 0 {
		return []db.Fragment{{Text: msg.Message}}
	}
	emotes := make(map[string]string, len(msg.Emotes))
	for _, e := range msg.Emotes {
		emotes[e.Name] = e.ID
	}
	var out []db.Fragment
	var text strings.Builder
	for i, word := range strings.Split(msg.Message, " ") {
		if i > 0 {
			text.WriteString(" ")
		}
		id, ok := emotes[word]
		if !ok {
			text.WriteString(word)
			continue
		}
		if text.Len() > 0 {
			out = append(out, db.Fragment{Text: text.String()})
			text.Reset()
		}
		out = append(out, db.Fragment{Text: word, Emote: &db.Emote{EmoteID: id}})
	}
	if text.Len() > 0 {
		out = append(out, db.Fragment{Text: text.String()})
	}
	return out
}
