package metrics

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSanitizePathLabelTable(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/", "/"},
		{"/metrics", "/metrics"},
		{"/health", "/health"},
		{"/api/jobs/job-0001/status", "/api/jobs/*/status"},
		{"/api/jobs/job-0001/status?x=1", "/api/jobs/*/status"},
		{"", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			result := sanitizePathLabel(tt.path)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRecordHTTPRequest_CollapsesJobIDCardinality(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHTTPRequest(context.Background(), "GET", "/api/jobs/job-0001/status", http.StatusOK, time.Millisecond, 100)
	m.RecordHTTPRequest(context.Background(), "GET", "/api/jobs/job-0002/status", http.StatusOK, time.Millisecond, 100)

	count := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/api/jobs/*/status", "OK"))
	assert.Equal(t, 2.0, count)
}
