package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	opts Options
	log  *slog.Logger

	stateMu    sync.Mutex
	stateStore map[string]time.Time
}

func newHandlers(o Options) *Handlers {
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Handlers{opts: o, log: log, stateStore: make(map[string]time.Time)}
}

// addOAuthState records state until expiry. Expired states are swept every 100 inserts and
// new states are refused once the store is full.
func (h *Handlers) addOAuthState(state string, expiry time.Time) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if len(h.stateStore)%100 == 0 {
		now := time.Now()
		for s, exp := range h.stateStore {
			if now.After(exp) {
				delete(h.stateStore, s)
			}
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = expiry
	return true
}

// takeOAuthState consumes state and reports whether it was valid.
func (h *Handlers) takeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	delete(h.stateStore, state)
	return ok && time.Now().Before(exp)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
