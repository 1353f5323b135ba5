package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/vod-archiver/telemetry"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		token          string
		header         string
		value          string
		expectedStatus int
	}{
		{name: "no token configured allows request", expectedStatus: http.StatusOK},
		{name: "valid admin header", token: "test-token-12345", header: "X-Admin-Token", value: "test-token-12345", expectedStatus: http.StatusOK},
		{name: "valid bearer", token: "test-token-12345", header: "Authorization", value: "Bearer test-token-12345", expectedStatus: http.StatusOK},
		{name: "wrong token", token: "test-token-12345", header: "X-Admin-Token", value: "wrong-token", expectedStatus: http.StatusUnauthorized},
		{name: "wrong scheme", token: "test-token-12345", header: "Authorization", value: "Basic dGVzdA==", expectedStatus: http.StatusUnauthorized},
		{name: "missing token", token: "test-token-12345", expectedStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
			h := adminAuth(tt.token, quietLogger())(next)

			req := httptest.NewRequest(http.MethodPost, "/admin/capture/1001", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatus)
			}
		})
	}
}

func TestCorrelationMiddleware(t *testing.T) {
	var seen string
	h := correlation(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = telemetry.GetCorrelation(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if seen != "corr-123" || rr.Header().Get("X-Correlation-ID") != "corr-123" {
		t.Errorf("provided id not propagated: ctx=%q header=%q", seen, rr.Header().Get("X-Correlation-ID"))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if seen == "" || seen == "corr-123" || rr.Header().Get("X-Correlation-ID") != seen {
		t.Errorf("generated id = %q, header = %q", seen, rr.Header().Get("X-Correlation-ID"))
	}
}

func TestStatusRecorder(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: rr, statusCode: http.StatusOK}
	rec.WriteHeader(http.StatusTeapot)
	rec.Flush()
	if rec.statusCode != http.StatusTeapot || rr.Code != http.StatusTeapot {
		t.Errorf("status = %d / %d", rec.statusCode, rr.Code)
	}
	if !rr.Flushed {
		t.Error("Flush not forwarded")
	}
}
