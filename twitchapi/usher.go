package twitchapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const usherBaseURL = "https://usher.ttvnw.net/vod/"

// StatusError is returned when a Twitch host answers with a non-2xx status.
type StatusError struct {
	Code int
	URL  string
	Body string
}

func (e *StatusError) Error() string {
	u := e.URL
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: status %d: %s", u, e.Code, e.Body)
	}
	return fmt.Sprintf("%s: status %d", u, e.Code)
}

// Temporary reports whether retrying the request later may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// MasterURL builds the usher master playlist URL for a VOD and its playback token.
func MasterURL(vodID string, tok PlaybackToken) string {
	q := url.Values{}
	q.Set("allow_source", "true")
	q.Set("player", "mediaplayer")
	q.Set("include_unavailable", "true")
	q.Set("supported_codecs", "av1,h265,h264")
	q.Set("playlist_include_framerate", "true")
	q.Set("allow_spectre", "true")
	q.Set("nauthsig", tok.Signature)
	q.Set("nauth", tok.Value)
	return usherBaseURL + url.PathEscape(vodID) + ".m3u8?" + q.Encode()
}

// Fetcher performs plain GETs against usher and the segment CDN.
type Fetcher struct {
	HTTPClient *http.Client
}

func (f *Fetcher) http() *http.Client {
	if f != nil && f.HTTPClient != nil {
		return f.HTTPClient
	}
	return http.DefaultClient
}

// Get returns the response body of a successful GET. The caller closes it.
func (f *Fetcher) Get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		closeBody(resp)
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL, Body: strings.TrimSpace(string(b))}
	}
	return resp.Body, nil
}
