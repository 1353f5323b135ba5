// Package capture follows an in-progress Twitch broadcast: it polls the archive playlist,
// downloads new segments into a locked capture directory, decides when the broadcast has
// ended and hands the reassembled file to a Finalizer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/vod-archiver/hls"
	"github.com/onnwee/vod-archiver/telemetry"
	"github.com/onnwee/vod-archiver/twitchapi"
)

// DefaultMaxRetries is the number of unchanged polls after which a capture is finalized.
const DefaultMaxRetries = 10

// StatusSource reports whether a broadcast's video still exists and is still live.
type StatusSource interface {
	VideoStatus(ctx context.Context, id string) (twitchapi.VideoStatus, error)
}

// TokenSource issues playback credentials for a video.
type TokenSource interface {
	PlaybackToken(ctx context.Context, vodID string) (twitchapi.PlaybackToken, error)
}

// Transport fetches playlists and segments.
type Transport interface {
	Get(ctx context.Context, url string) (io.ReadCloser, error)
}

// Kind is the outcome of one poll.
type Kind int

const (
	Unavailable Kind = iota
	Unchanged
	Updated
	Ended
)

func (k Kind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Unchanged:
		return "unchanged"
	case Updated:
		return "updated"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Result is returned by Poll.
type Result struct {
	Kind        Kind
	NewSegments []hls.SegmentRef
	Manifest    *hls.Manifest
	// Reason explains Ended and Unavailable results.
	Reason string
	Err    error
}

// State is the mutable per-broadcast capture state.
type State struct {
	BroadcastID     string
	Manifest        *hls.Manifest
	Retry           int
	LastSeenTailURI string
}

// Apply advances the state after a poll. Unavailable and Ended leave it untouched.
func (s *State) Apply(r Result) {
	switch r.Kind {
	case Updated:
		s.Manifest = r.Manifest
		s.Retry = 1
		if tail, ok := r.Manifest.Tail(); ok {
			s.LastSeenTailURI = tail.URI
		}
	case Unchanged:
		if r.Manifest != nil {
			s.Manifest = r.Manifest
		}
		s.Retry++
	}
}

// Poller performs one poll cycle against Twitch.
type Poller struct {
	Status     StatusSource
	Tokens     TokenSource
	Transport  Transport
	MaxRetries int
	Logger     *slog.Logger
}

func (p *Poller) maxRetries() int {
	if p.MaxRetries > 0 {
		return p.MaxRetries
	}
	return DefaultMaxRetries
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Poll runs one cycle: termination check, fresh credentials, playlist fetch, merge,
// missing-segment download and finally the manifest write. A cycle that adds no segment to the
// manifest is Unchanged even when the playlist tail was renamed; segments that failed on earlier
// cycles are fetched again before it is reported.
func (p *Poller) Poll(ctx context.Context, st *State, store *SegmentStore) (res Result) {
	ctx, span := telemetry.StartSpan(ctx, "capture", "capture.poll", telemetry.VODID(st.BroadcastID))
	defer func() {
		telemetry.ObservePoll(res.Kind.String())
		telemetry.EndSpan(span, res.Err)
	}()
	log := p.logger().With(slog.String("vod_id", st.BroadcastID))

	if reason, ended := p.ended(ctx, st, store, log); ended {
		return Result{Kind: Ended, Manifest: st.Manifest, Reason: reason}
	}

	tok, err := p.Tokens.PlaybackToken(ctx, st.BroadcastID)
	if err != nil {
		return unavailable("playback token", err)
	}

	masterURL := twitchapi.MasterURL(st.BroadcastID, tok)
	variantURL, err := p.variant(ctx, masterURL)
	if err != nil {
		return unavailable("master playlist", err)
	}
	remote, err := p.media(ctx, variantURL)
	if err != nil {
		return unavailable("media playlist", err)
	}
	if remote.Len() == 0 {
		return Result{Kind: Unavailable, Reason: "media playlist has no segments"}
	}

	merged, added := hls.Merge(st.Manifest, remote)
	if len(added) == 0 {
		if _, missing := store.SegmentFiles(merged); len(missing) == 0 {
			return Result{Kind: Unchanged, Manifest: st.Manifest}
		}
	}

	var fetched, failed int
	var bytes int64
	for _, seg := range merged.Segments {
		if store.HasSegment(seg.URI) {
			continue
		}
		n, err := p.download(ctx, store, variantURL, seg.URI)
		if err != nil {
			if ctx.Err() != nil {
				return Result{Kind: Unavailable, Reason: "cancelled", Err: ctx.Err()}
			}
			failed++
			telemetry.SegmentFailed()
			log.Warn("segment download failed",
				slog.String("uri", seg.URI),
				slog.String("class", ClassifyFetchError(err).String()),
				slog.Any("err", err))
			continue
		}
		fetched++
		bytes += n
		telemetry.AddSegment(n)
	}

	if err := store.SaveManifest(merged); err != nil {
		return Result{Kind: Unavailable, Reason: "save manifest", Err: err}
	}
	if len(added) == 0 {
		// Only earlier failures were retried; the playlist itself has not moved.
		log.Info("recovered missing segments", slog.Int("downloaded", fetched), slog.Int("failed", failed))
		return Result{Kind: Unchanged, Manifest: merged}
	}
	log.Info("capture updated",
		slog.Int("new_segments", len(added)),
		slog.Int("downloaded", fetched),
		slog.Int("failed", failed),
		slog.Int("total_segments", merged.Len()),
		slog.String("bytes", humanize.Bytes(uint64(bytes))))
	return Result{Kind: Updated, NewSegments: added, Manifest: merged}
}

// ended decides termination. A broadcast that is over only counts as ended once a manifest
// has been persisted; an exhausted retry budget always ends the capture.
func (p *Poller) ended(ctx context.Context, st *State, store *SegmentStore, log *slog.Logger) (string, bool) {
	if st.Retry >= p.maxRetries() {
		return "retries exhausted", true
	}
	status, err := p.Status.VideoStatus(ctx, st.BroadcastID)
	if err != nil {
		log.Warn("video status lookup failed, assuming live", slog.Any("err", err))
		return "", false
	}
	if !store.HasManifest() {
		return "", false
	}
	switch {
	case status.Gone:
		return "video gone", true
	case !status.Live:
		return "broadcast ended", true
	}
	return "", false
}

func (p *Poller) variant(ctx context.Context, masterURL string) (string, error) {
	body, err := p.Transport.Get(ctx, masterURL)
	if err != nil {
		return "", err
	}
	defer body.Close()
	return hls.VariantURL(body, masterURL)
}

func (p *Poller) media(ctx context.Context, mediaURL string) (*hls.Manifest, error) {
	body, err := p.Transport.Get(ctx, mediaURL)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return hls.ParseMedia(body)
}

func (p *Poller) download(ctx context.Context, store *SegmentStore, base, uri string) (int64, error) {
	u, err := hls.Resolve(base, uri)
	if err != nil {
		return 0, err
	}
	body, err := p.Transport.Get(ctx, u)
	if err != nil {
		return 0, err
	}
	defer body.Close()
	n, err := store.WriteSegment(uri, body)
	if err == nil && n == 0 {
		err = errors.New("empty segment body")
	}
	return n, err
}

func unavailable(stage string, err error) Result {
	return Result{Kind: Unavailable, Reason: stage, Err: err}
}
