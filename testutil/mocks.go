package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer serves canned Twitch responses keyed by request path. Client returns an
// http.Client that sends every Twitch host (Helix, id, GQL, usher) to it.
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	Handlers map[string]http.HandlerFunc
	hits     map[string]int
}

// NewMockTwitchServer creates a new mock Twitch API server
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for a path.
func (m *MockTwitchServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// Hits returns how many requests reached path.
func (m *MockTwitchServer) Hits(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

// Client returns an http.Client whose requests are rewritten to the mock server.
func (m *MockTwitchServer) Client() *http.Client {
	return &http.Client{Transport: &rewriteTransport{host: strings.TrimPrefix(m.URL, "http://")}}
}

type rewriteTransport struct {
	host string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(req)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}

// MockOAuthTokenResponse adds a handler for the app token endpoint.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handle("/oauth2/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	})
}

// MockVideosResponse answers /helix/videos with the given video objects.
func (m *MockTwitchServer) MockVideosResponse(videos []map[string]string, cursor string) {
	m.Handle("/helix/videos", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"data":       videos,
			"pagination": map[string]string{"cursor": cursor},
		})
	})
}

// MockStreamsResponse answers /helix/streams with the given stream objects.
func (m *MockTwitchServer) MockStreamsResponse(streams []map[string]any) {
	m.Handle("/helix/streams", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{"data": streams})
	})
}
