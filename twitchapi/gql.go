package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	gqlEndpoint = "https://gql.twitch.tv/gql"

	hashPlaybackAccessToken = "0828119ded1c13477966434e15800ff57ddacf13ba1911c129dc2200705b0712"
	hashVideoComments       = "b70a3591ff0f4e0313d126c6a1502d79a1c02baebb288227c582044aa76adf6a"
	hashVideoMoments        = "0094e99aab3438c7a220c0b1897d144be01954f8b4765b884d330d0c0893dbde"
	hashContentMetadata     = "2dbf505ee929438369e68e72319d1106bb3c142e295332fac157c90638968586"
)

// GQLClient talks to Twitch's public GraphQL endpoint using persisted queries.
type GQLClient struct {
	ClientID   string
	Endpoint   string
	HTTPClient *http.Client
}

func (c *GQLClient) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *GQLClient) endpoint() string {
	if c.Endpoint != "" {
		return c.Endpoint
	}
	return gqlEndpoint
}

type gqlRequest struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Extensions    struct {
		PersistedQuery struct {
			Version    int    `json:"version"`
			SHA256Hash string `json:"sha256Hash"`
		} `json:"persistedQuery"`
	} `json:"extensions"`
}

type gqlError struct {
	Message string `json:"message"`
}

// query posts one persisted query and decodes the "data" member into out.
func (c *GQLClient) query(ctx context.Context, op, hash string, vars map[string]any, out any) error {
	body := gqlRequest{OperationName: op, Variables: vars}
	body.Extensions.PersistedQuery.Version = 1
	body.Extensions.PersistedQuery.SHA256Hash = hash
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Content-Type", "text/plain;charset=UTF-8")
	resp, err := c.http().Do(req)
	if err != nil {
		return fmt.Errorf("gql %s: %w", op, err)
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Code: resp.StatusCode, URL: c.endpoint(), Body: strings.TrimSpace(string(b))}
	}
	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []gqlError      `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("gql %s: decode: %w", op, err)
	}
	if len(envelope.Errors) > 0 && len(envelope.Data) == 0 {
		return fmt.Errorf("gql %s: %s", op, envelope.Errors[0].Message)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("gql %s: empty data", op)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("gql %s: decode data: %w", op, err)
	}
	return nil
}

// PlaybackToken is the signed access token usher requires for a VOD playlist.
type PlaybackToken struct {
	Value     string `json:"value"`
	Signature string `json:"signature"`
}

// PlaybackToken requests fresh VOD playback credentials.
func (c *GQLClient) PlaybackToken(ctx context.Context, vodID string) (PlaybackToken, error) {
	var data struct {
		Token *PlaybackToken `json:"videoPlaybackAccessToken"`
	}
	err := c.query(ctx, "PlaybackAccessToken", hashPlaybackAccessToken, map[string]any{
		"isLive":        false,
		"login":         "",
		"isVod":         true,
		"vodID":         vodID,
		"platform":      "web",
		"playerBackend": "mediaplayer",
		"playerType":    "site",
	}, &data)
	if err != nil {
		return PlaybackToken{}, err
	}
	if data.Token == nil || data.Token.Value == "" {
		return PlaybackToken{}, fmt.Errorf("playback token for %s: %w", vodID, ErrNotFound)
	}
	return *data.Token, nil
}

// Comment is one chat replay message as returned by the comments query.
type Comment struct {
	ID            string
	DisplayName   string
	OffsetSeconds float64
	Fragments     []CommentFragment
	Badges        []CommentBadge
	Color         string
}

// CommentFragment is a text run or emote within a message.
type CommentFragment struct {
	Text    string
	EmoteID string
}

// CommentBadge is a chat badge shown next to the author.
type CommentBadge struct {
	SetID   string
	Version string
}

// CommentPage is one page of chat replay. Next is empty on the last page.
type CommentPage struct {
	Comments []Comment
	Next     string
}

// CommentsPage fetches a page of chat replay: by content offset when cursor is empty,
// otherwise by cursor. A deleted video yields ErrNotFound.
func (c *GQLClient) CommentsPage(ctx context.Context, vodID string, offset int, cursor string) (*CommentPage, error) {
	vars := map[string]any{"videoID": vodID}
	if cursor != "" {
		vars["cursor"] = cursor
	} else {
		vars["contentOffsetSeconds"] = offset
	}
	var data struct {
		Video *struct {
			Comments *struct {
				Edges []struct {
					Cursor string `json:"cursor"`
					Node   struct {
						ID        string `json:"id"`
						Commenter *struct {
							DisplayName string `json:"displayName"`
						} `json:"commenter"`
						ContentOffsetSeconds float64 `json:"contentOffsetSeconds"`
						Message              struct {
							Fragments []struct {
								Text  string `json:"text"`
								Emote *struct {
									EmoteID string `json:"emoteID"`
								} `json:"emote"`
							} `json:"fragments"`
							UserBadges []struct {
								SetID   string `json:"setID"`
								Version string `json:"version"`
							} `json:"userBadges"`
							UserColor string `json:"userColor"`
						} `json:"message"`
					} `json:"node"`
				} `json:"edges"`
				PageInfo struct {
					HasNextPage bool `json:"hasNextPage"`
				} `json:"pageInfo"`
			} `json:"comments"`
		} `json:"video"`
	}
	if err := c.query(ctx, "VideoCommentsByOffsetOrCursor", hashVideoComments, vars, &data); err != nil {
		return nil, err
	}
	if data.Video == nil {
		return nil, fmt.Errorf("comments for %s: %w", vodID, ErrNotFound)
	}
	page := &CommentPage{}
	if data.Video.Comments == nil {
		return page, nil
	}
	edges := data.Video.Comments.Edges
	for _, e := range edges {
		n := e.Node
		cm := Comment{ID: n.ID, OffsetSeconds: n.ContentOffsetSeconds, Color: n.Message.UserColor}
		if n.Commenter != nil {
			cm.DisplayName = n.Commenter.DisplayName
		}
		for _, f := range n.Message.Fragments {
			frag := CommentFragment{Text: f.Text}
			if f.Emote != nil {
				frag.EmoteID = f.Emote.EmoteID
			}
			cm.Fragments = append(cm.Fragments, frag)
		}
		for _, b := range n.Message.UserBadges {
			cm.Badges = append(cm.Badges, CommentBadge{SetID: b.SetID, Version: b.Version})
		}
		page.Comments = append(page.Comments, cm)
	}
	if data.Video.Comments.PageInfo.HasNextPage && len(edges) > 0 {
		page.Next = edges[len(edges)-1].Cursor
	}
	return page, nil
}

// Moment is a game segment marker on a VOD timeline.
type Moment struct {
	GameID      string
	GameName    string
	PositionMS  int64
	DurationMS  int64
	Description string
}

// Moments returns the game-change markers of a VOD, in timeline order.
func (c *GQLClient) Moments(ctx context.Context, vodID string) ([]Moment, error) {
	var data struct {
		Video *struct {
			Moments *struct {
				Edges []struct {
					Node struct {
						Description          string `json:"description"`
						PositionMilliseconds int64  `json:"positionMilliseconds"`
						DurationMilliseconds int64  `json:"durationMilliseconds"`
						Details              *struct {
							Game *struct {
								ID          string `json:"id"`
								DisplayName string `json:"displayName"`
							} `json:"game"`
						} `json:"details"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"moments"`
		} `json:"video"`
	}
	if err := c.query(ctx, "VideoPreviewCard__VideoMoments", hashVideoMoments, map[string]any{"videoId": vodID}, &data); err != nil {
		return nil, err
	}
	if data.Video == nil {
		return nil, fmt.Errorf("moments for %s: %w", vodID, ErrNotFound)
	}
	if data.Video.Moments == nil {
		return nil, nil
	}
	out := make([]Moment, 0, len(data.Video.Moments.Edges))
	for _, e := range data.Video.Moments.Edges {
		m := Moment{
			PositionMS:  e.Node.PositionMilliseconds,
			DurationMS:  e.Node.DurationMilliseconds,
			Description: e.Node.Description,
		}
		if e.Node.Details != nil && e.Node.Details.Game != nil {
			m.GameID = e.Node.Details.Game.ID
			m.GameName = e.Node.Details.Game.DisplayName
		}
		if m.GameName == "" {
			m.GameName = m.Description
		}
		out = append(out, m)
	}
	return out, nil
}

// Game is the category a VOD was streamed under.
type Game struct {
	ID          string
	DisplayName string
}

// VideoGame returns the single game recorded on a VOD, used when it has no moments.
func (c *GQLClient) VideoGame(ctx context.Context, vodID string) (*Game, error) {
	var data struct {
		Video *struct {
			Game *struct {
				ID          string `json:"id"`
				DisplayName string `json:"displayName"`
			} `json:"game"`
		} `json:"video"`
	}
	err := c.query(ctx, "NielsenContentMetadata", hashContentMetadata, map[string]any{
		"isCollectionContent": false,
		"isLiveContent":       false,
		"isVODContent":        true,
		"collectionID":        "",
		"login":               "",
		"vodID":               vodID,
	}, &data)
	if err != nil {
		return nil, err
	}
	if data.Video == nil || data.Video.Game == nil {
		return nil, fmt.Errorf("game for %s: %w", vodID, ErrNotFound)
	}
	return &Game{ID: data.Video.Game.ID, DisplayName: data.Video.Game.DisplayName}, nil
}

// IsNotFound reports whether err means the video no longer exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
