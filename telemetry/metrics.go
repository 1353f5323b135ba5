// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Capture
	CapturePolls       *prometheus.CounterVec // label: result
	SegmentsDownloaded prometheus.Counter
	SegmentBytes       prometheus.Counter
	SegmentFailures    prometheus.Counter
	CapturesFinalized  prometheus.Counter

	// Chat
	CommentsStored       prometheus.Counter
	CommentsSkipped      prometheus.Counter
	CommentFlushFailures prometheus.Counter
	HarvestPages         prometheus.Counter

	// Transcode (label: op)
	TranscodeDuration *prometheus.HistogramVec
	TranscodeFailures *prometheus.CounterVec

	// Upload
	UploadsSucceeded prometheus.Counter
	UploadsFailed    prometheus.Counter
	UploadDuration   prometheus.Observer

	// Gauges
	ActiveJobs *prometheus.GaugeVec // label: kind
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CapturePolls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "archiver_capture_polls_total", Help: "Playlist polls by result"}, []string{"result"})
		SegmentsDownloaded = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_segments_downloaded_total", Help: "HLS segments written to disk"})
		SegmentBytes = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_segment_bytes_total", Help: "Bytes of HLS segments written to disk"})
		SegmentFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_segment_failures_total", Help: "Segment downloads that failed and were skipped"})
		CapturesFinalized = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_captures_finalized_total", Help: "Captures handed to post-processing"})
		CommentsStored = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_comments_stored_total", Help: "Chat comments persisted"})
		CommentsSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_comments_skipped_total", Help: "Chat comments skipped as duplicates"})
		CommentFlushFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_comment_flush_failures_total", Help: "Failed chat batch inserts"})
		HarvestPages = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_harvest_pages_total", Help: "Chat replay pages fetched"})
		TranscodeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "archiver_transcode_duration_seconds", Help: "ffmpeg/ffprobe invocation duration", Buckets: prometheus.ExponentialBuckets(0.5, 2, 14)}, []string{"op"})
		TranscodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "archiver_transcode_failures_total", Help: "Failed ffmpeg/ffprobe invocations"}, []string{"op"})
		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_uploads_succeeded_total", Help: "Archive parts uploaded"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "archiver_uploads_failed_total", Help: "Archive part uploads that failed"})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "archiver_upload_duration_seconds", Help: "Upload duration seconds", Buckets: prometheus.ExponentialBuckets(1, 2, 14)})
		ActiveJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "archiver_active_jobs", Help: "Running capture and harvest jobs"}, []string{"kind"})
	})
}

// ObservePoll counts one playlist poll outcome.
func ObservePoll(result string) {
	if CapturePolls != nil {
		CapturePolls.WithLabelValues(result).Inc()
	}
}

// AddSegment records a downloaded segment of n bytes.
func AddSegment(n int64) {
	if SegmentsDownloaded != nil {
		SegmentsDownloaded.Inc()
		SegmentBytes.Add(float64(n))
	}
}

// SegmentFailed records a skipped segment.
func SegmentFailed() {
	if SegmentFailures != nil {
		SegmentFailures.Inc()
	}
}

// CaptureFinalized records a completed capture hand-off.
func CaptureFinalized() {
	if CapturesFinalized != nil {
		CapturesFinalized.Inc()
	}
}

// AddComments records stored and skipped chat comments.
func AddComments(stored, skipped int) {
	if CommentsStored == nil {
		return
	}
	CommentsStored.Add(float64(stored))
	CommentsSkipped.Add(float64(skipped))
}

// FlushFailed records a failed chat batch insert.
func FlushFailed() {
	if CommentFlushFailures != nil {
		CommentFlushFailures.Inc()
	}
}

// HarvestPage records one fetched chat replay page.
func HarvestPage() {
	if HarvestPages != nil {
		HarvestPages.Inc()
	}
}

// ObserveTranscode records an ffmpeg/ffprobe invocation.
func ObserveTranscode(op string, d time.Duration, err error) {
	if TranscodeDuration == nil {
		return
	}
	TranscodeDuration.WithLabelValues(op).Observe(d.Seconds())
	if err != nil {
		TranscodeFailures.WithLabelValues(op).Inc()
	}
}

// ObserveUpload records an upload attempt.
func ObserveUpload(d time.Duration, err error) {
	if UploadsSucceeded == nil {
		return
	}
	if err != nil {
		UploadsFailed.Inc()
		return
	}
	UploadsSucceeded.Inc()
	UploadDuration.Observe(d.Seconds())
}

// SetActiveJobs sets the running job count for a kind (capture, harvest).
func SetActiveJobs(kind string, n int) {
	if ActiveJobs != nil {
		ActiveJobs.WithLabelValues(kind).Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
