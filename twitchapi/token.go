package twitchapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// tokenEndpoint is the Twitch OAuth token URL (overridden in tests).
var tokenEndpoint = "https://id.twitch.tv/oauth2/token"

const (
	// appTokenMargin is how long before expiry a cached app token is replaced.
	appTokenMargin = time.Minute
	// defaultTokenLifetime applies when the token endpoint omits expires_in.
	defaultTokenLifetime = time.Hour
)

// twitchEndpoint describes the token endpoint. Twitch wants client credentials in the form body.
func twitchEndpoint() oauth2.Endpoint {
	return oauth2.Endpoint{TokenURL: tokenEndpoint, AuthStyle: oauth2.AuthStyleInParams}
}

func withHTTPClient(ctx context.Context, hc *http.Client) context.Context {
	if hc == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

// TokenSource caches a Twitch app access token from the client-credentials grant.
// App tokens cannot join chat; the IRC tap needs the bot's user token.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu  sync.Mutex
	tok *oauth2.Token
}

func (ts *TokenSource) cached() (string, bool) {
	if ts.tok == nil || ts.tok.AccessToken == "" {
		return "", false
	}
	if time.Until(ts.tok.Expiry) <= appTokenMargin {
		return "", false
	}
	return ts.tok.AccessToken, true
}

// Get returns the cached app token, fetching a new one when it is missing or about to expire.
// Concurrent callers share a single fetch.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("twitch app token: missing client id/secret")
	}

	cc := clientcredentials.Config{
		ClientID:     ts.ClientID,
		ClientSecret: ts.ClientSecret,
		TokenURL:     tokenEndpoint,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	tok, err := cc.Token(withHTTPClient(ctx, ts.HTTPClient))
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", err)
	}
	if tok.Expiry.IsZero() {
		tok.Expiry = time.Now().Add(defaultTokenLifetime)
	}
	ts.tok = tok
	slog.Debug("twitch app token fetched", slog.String("component", "twitch_token"), slog.Time("expires", tok.Expiry))
	return tok.AccessToken, nil
}

// SetToken seeds the cache, typically from a stored token.
func (ts *TokenSource) SetToken(access string, expiry time.Time) {
	ts.mu.Lock()
	ts.tok = &oauth2.Token{AccessToken: access, Expiry: expiry}
	ts.mu.Unlock()
}

// Invalidate drops the cached token if it is still tok, so the next Get fetches a new one.
// A token that was already replaced is left alone.
func (ts *TokenSource) Invalidate(tok string) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.tok != nil && ts.tok.AccessToken == tok {
		ts.tok = nil
	}
}
