// Package oauth keeps provider tokens stored in the oauth_tokens table fresh. A Refresher
// wakes on a jittered interval and refreshes a token once its remaining lifetime falls
// inside the configured window.
package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TokenStore is the oauth_tokens surface of the record store.
type TokenStore interface {
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error)
	UpdateOAuthAccess(ctx context.Context, provider, access, refresh string, expiry time.Time, scope string) error
}

// Refresher refreshes the token stored for one provider.
type Refresher struct {
	Store    TokenStore
	Provider string
	Refresh  RefreshFunc
	// Interval is how often to check; Window is how close to expiry a refresh happens.
	Interval time.Duration
	Window   time.Duration
	Logger   *slog.Logger
}

func (r *Refresher) logger() *slog.Logger {
	l := r.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String("provider", r.Provider))
}

func (r *Refresher) interval() time.Duration {
	if r.Interval <= 0 {
		return 5 * time.Minute
	}
	return r.Interval
}

func (r *Refresher) window() time.Duration {
	if r.Window <= 0 {
		return 15 * time.Minute
	}
	return r.Window
}

// Start runs the refresher in a new goroutine until ctx ends.
func (r *Refresher) Start(ctx context.Context) {
	go r.Run(ctx)
}

// Run checks the token after a random initial delay and then every Interval (±20%).
func (r *Refresher) Run(ctx context.Context) {
	interval := r.interval()
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initial := time.Duration(rand.Int63n(int64(interval/2) + 1))
	if !sleep(ctx, initial) {
		return
	}
	for {
		if _, err := r.Check(ctx); err != nil {
			r.logger().Warn("token refresh failed", slog.Any("err", err))
		}
		jitterRange := int64(interval / 5)
		//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
		next := interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
		if next < interval/2 {
			next = interval / 2
		}
		if !sleep(ctx, next) {
			return
		}
	}
}

// Check refreshes the stored token if it expires within Window. It reports whether a
// refresh happened. A provider with no stored token or no refresh token is skipped.
func (r *Refresher) Check(ctx context.Context) (bool, error) {
	_, rt, exp, _, err := r.Store.GetOAuthToken(ctx, r.Provider)
	if err != nil {
		return false, err
	}
	if rt == "" || time.Until(exp) > r.window() {
		return false, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, scope, err := r.Refresh(ctx2, rt)
	cancel()
	if err != nil {
		return false, fmt.Errorf("refresh %s: %w", r.Provider, err)
	}
	if newRT == "" {
		newRT = rt
	}
	if err := r.Store.UpdateOAuthAccess(ctx, r.Provider, newAT, newRT, newExp, strings.TrimSpace(scope)); err != nil {
		return false, fmt.Errorf("persist %s: %w", r.Provider, err)
	}
	r.logger().Info("token refreshed", slog.Time("expires_at", newExp))
	return true, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
