package capture

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/onnwee/vod-archiver/twitchapi"
)

// ErrorClass represents whether a fetch failure is worth retrying on a later poll.
type ErrorClass int

const (
	// ErrorClassRetryable indicates a transient failure (network, 5xx, rate limit).
	ErrorClassRetryable ErrorClass = iota
	// ErrorClassFatal indicates the resource is gone or forbidden and will not come back.
	ErrorClassFatal
	// ErrorClassUnknown indicates the error type cannot be determined.
	ErrorClassUnknown
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassRetryable:
		return "retryable"
	case ErrorClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ClassifyFetchError classifies playlist and segment fetch errors.
//
// Typed errors win over message matching: a *twitchapi.StatusError is fatal for 401/403/404/410
// and retryable for 429/5xx, and twitchapi.ErrNotFound is fatal. Unrecognized errors are treated
// as retryable so a capture never gives up early.
func ClassifyFetchError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassFatal
	}
	if errors.Is(err, twitchapi.ErrNotFound) {
		return ErrorClassFatal
	}
	var se *twitchapi.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Temporary():
			return ErrorClassRetryable
		case se.Code == http.StatusUnauthorized, se.Code == http.StatusForbidden,
			se.Code == http.StatusNotFound, se.Code == http.StatusGone:
			return ErrorClassFatal
		}
	}

	msg := strings.ToLower(err.Error())
	for _, m := range messageClasses {
		for _, frag := range m.fragments {
			if strings.Contains(msg, frag) {
				return m.class
			}
		}
	}
	// Network, rate limiting, truncated bodies and anything else unrecognized.
	return ErrorClassRetryable
}

// messageClasses classifies untyped errors by text, first match wins.
var messageClasses = []struct {
	class     ErrorClass
	fragments []string
}{
	{ErrorClassRetryable, []string{"internal server error", "bad gateway", "service unavailable", "gateway timeout"}},
	{ErrorClassFatal, []string{"forbidden", "access denied", "unauthorized", "not found", "no longer available", "does not exist"}},
	{ErrorClassFatal, []string{"invalid url", "malformed url", "unsupported protocol scheme"}},
}

// IsRetryableError reports whether a later poll may succeed where this one failed.
func IsRetryableError(err error) bool {
	return ClassifyFetchError(err) == ErrorClassRetryable
}
