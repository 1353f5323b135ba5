package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // idempotent

	if CapturePolls == nil || TranscodeDuration == nil || UploadDuration == nil || ActiveJobs == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestCaptureCounters(t *testing.T) {
	Init()

	before := counterValue(t, CapturePolls.WithLabelValues("updated"))
	ObservePoll("updated")
	ObservePoll("updated")
	if got := counterValue(t, CapturePolls.WithLabelValues("updated")) - before; got != 2 {
		t.Errorf("updated polls delta = %v, want 2", got)
	}

	segBefore := counterValue(t, SegmentsDownloaded)
	bytesBefore := counterValue(t, SegmentBytes)
	AddSegment(1024)
	if counterValue(t, SegmentsDownloaded)-segBefore != 1 || counterValue(t, SegmentBytes)-bytesBefore != 1024 {
		t.Errorf("AddSegment did not record count and bytes")
	}
}

func TestCommentCounters(t *testing.T) {
	Init()

	stored := counterValue(t, CommentsStored)
	skipped := counterValue(t, CommentsSkipped)
	AddComments(10, 3)
	if got := counterValue(t, CommentsStored) - stored; got != 10 {
		t.Errorf("stored delta = %v, want 10", got)
	}
	if got := counterValue(t, CommentsSkipped) - skipped; got != 3 {
		t.Errorf("skipped delta = %v, want 3", got)
	}
}

func TestObserveTranscode(t *testing.T) {
	Init()

	failBefore := counterValue(t, TranscodeFailures.WithLabelValues("cut"))
	ObserveTranscode("cut", 2*time.Second, nil)
	ObserveTranscode("cut", time.Second, errors.New("exit status 1"))
	if got := counterValue(t, TranscodeFailures.WithLabelValues("cut")) - failBefore; got != 1 {
		t.Errorf("failures delta = %v, want 1", got)
	}

	m := &dto.Metric{}
	obs := TranscodeDuration.WithLabelValues("cut").(prometheus.Metric)
	if err := obs.Write(m); err != nil {
		t.Fatal(err)
	}
	if m.GetHistogram().GetSampleCount() < 2 {
		t.Errorf("sample count = %d, want >= 2", m.GetHistogram().GetSampleCount())
	}
}

func TestObserveUpload(t *testing.T) {
	Init()

	ok := counterValue(t, UploadsSucceeded)
	failed := counterValue(t, UploadsFailed)
	ObserveUpload(time.Minute, nil)
	ObserveUpload(time.Second, errors.New("quota"))
	if counterValue(t, UploadsSucceeded)-ok != 1 || counterValue(t, UploadsFailed)-failed != 1 {
		t.Errorf("upload counters not updated")
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() == 0 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Errorf("expected empty correlation id")
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("GetCorrelation() = %q, want abc", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Errorf("LoggerWithCorr returned nil")
	}
}
