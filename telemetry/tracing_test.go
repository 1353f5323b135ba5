package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingWithoutEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	shutdown, err := InitTracing("vod-archiver", "test")
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	shutdown()
}

func TestSamplerFromEnv(t *testing.T) {
	tests := []struct {
		arg  string
		want string
	}{
		{arg: "", want: "AlwaysOnSampler"},
		{arg: "1", want: "AlwaysOnSampler"},
		{arg: "bogus", want: "AlwaysOnSampler"},
		{arg: "0.25", want: "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.arg)
			want := "ParentBased{root:" + tt.want
			if got := samplerFromEnv().Description(); len(got) < len(want) || got[:len(want)] != want {
				t.Errorf("sampler = %q, want prefix %q", got, want)
			}
		})
	}
}

func TestSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx := WithCorrelation(context.Background(), "corr-1")
	_, ok := StartSpan(ctx, "test", "ok", VODID("1001"))
	EndSpan(ok, nil)
	_, bad := StartSpan(context.Background(), "test", "bad")
	EndSpan(bad, errors.New("boom"))

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Ok || spans[1].Status().Code != codes.Error {
		t.Errorf("statuses = %v, %v", spans[0].Status(), spans[1].Status())
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs["vod.id"] != "1001" || attrs["correlation_id"] != "corr-1" {
		t.Errorf("attributes = %v", attrs)
	}
	if len(spans[1].Events()) == 0 {
		t.Error("error not recorded on span")
	}
}
