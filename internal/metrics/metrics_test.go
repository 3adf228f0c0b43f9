package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableElectionLabel: true})
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.httpRequestsTotal == nil {
		t.Error("httpRequestsTotal is nil")
	}
	if m.cryptoRPCTotal == nil {
		t.Error("cryptoRPCTotal is nil")
	}
	if m.jobsCreatedTotal == nil {
		t.Error("jobsCreatedTotal is nil")
	}
}

func TestMetrics_RecordHTTPRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableElectionLabel: true})
	m.RecordHTTPRequest(context.Background(), "GET", "/api/jobs/abc-123/status", http.StatusOK, 100*time.Millisecond, 1024)
}

func TestMetrics_RecordCryptoRPC(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableElectionLabel: true})
	m.RecordCryptoRPC(context.Background(), "/tally", 50*time.Millisecond)
	m.RecordCryptoRPCError("/tally", "TRANSPORT_ERROR")
}

func TestMetrics_RecordPoolUsageHighWater(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableElectionLabel: true})
	m.RecordPoolUsage(0.95, 0, true)
	m.RecordPoolUsage(0.1, 3, false)
}

func TestMetrics_JobAndChunkCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableElectionLabel: true})
	m.RecordJobCreated("TALLY")
	m.RecordJobTerminal("TALLY", "COMPLETED")
	m.RecordChunkDispatched("TALLY")
	m.RecordChunkRetry("TALLY")
	m.RecordChunkExhausted("TALLY")
	m.ObserveTickDuration(2 * time.Millisecond)
}

func TestMetrics_Handler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetricsWithRegistry(reg, Config{EnableElectionLabel: true})

	m.RecordHTTPRequest(context.Background(), "GET", "/test", http.StatusOK, 100*time.Millisecond, 1024)
	m.RecordCryptoRPC(context.Background(), "/tally", 50*time.Millisecond)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	body := w.Body.String()
	for _, metric := range []string{"http_requests_total", "crypto_rpc_total"} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metrics output to contain %q", metric)
		}
	}
}

func TestSanitizePathLabelCollapsesIDs(t *testing.T) {
	cases := map[string]string{
		"/":                                "/",
		"/api/jobs/abc-123/status":         "/api/jobs/*/status",
		"/api/election/election-1/cached-results": "/api/election/*/cached-results",
		"/health":                          "/health",
	}
	for in, want := range cases {
		if got := sanitizePathLabel(in); got != want {
			t.Errorf("sanitizePathLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
