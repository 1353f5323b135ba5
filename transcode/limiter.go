package transcode

import (
	"context"
	"log/slog"
)

// Limiter bounds how many ffmpeg processes run at once. A nil Limiter never blocks.
type Limiter struct {
	slots chan struct{}
}

// NewLimiter returns a Limiter allowing n concurrent holders (minimum 1).
func NewLimiter(n int) *Limiter {
	if n <= 0 {
		n = 1
	}
	return &Limiter{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available or ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil {
		return nil
	}
	select {
	case l.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot taken by Acquire.
func (l *Limiter) Release() {
	if l == nil {
		return
	}
	select {
	case <-l.slots:
	default:
		slog.Warn("transcode slot release called without corresponding acquire")
	}
}

// Active returns the number of held slots.
func (l *Limiter) Active() int {
	if l == nil {
		return 0
	}
	return len(l.slots)
}

// Max returns the configured limit.
func (l *Limiter) Max() int {
	if l == nil {
		return 0
	}
	return cap(l.slots)
}
