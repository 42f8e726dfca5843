package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"candlestream/breaker"
	"candlestream/metricsink"
	"candlestream/writer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSupervisor struct{ running bool }

func (f fakeSupervisor) Running() bool { return f.running }

type fakeWriter struct {
	succeeded bool
	state     breaker.State
}

func (f fakeWriter) HasSucceeded() bool          { return f.succeeded }
func (f fakeWriter) BreakerState() breaker.State { return f.state }
func (f fakeWriter) Stats() writer.WriterStats   { return writer.WriterStats{} }

func TestHealthHealthyWhenClosedAndRunning(t *testing.T) {
	router := Router(fakeSupervisor{running: true}, fakeWriter{succeeded: true, state: breaker.Closed}, nil, metricsink.New())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("expected healthy status, got %q", resp.Status)
	}
}

func TestHealthDegradedWhenBreakerOpenAndNeverSucceeded(t *testing.T) {
	router := Router(fakeSupervisor{running: true}, fakeWriter{succeeded: false, state: breaker.Open}, nil, metricsink.New())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHealthHealthyWhenBreakerOpenButPreviouslySucceeded(t *testing.T) {
	router := Router(fakeSupervisor{running: true}, fakeWriter{succeeded: true, state: breaker.Open}, nil, metricsink.New())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when a prior submission succeeded, got %d", rec.Code)
	}
}

type statsFakeWriter struct {
	fakeWriter
	stats writer.WriterStats
}

func (f statsFakeWriter) Stats() writer.WriterStats { return f.stats }

func TestHealthReportsWriterStats(t *testing.T) {
	w := statsFakeWriter{
		fakeWriter: fakeWriter{succeeded: true, state: breaker.Closed},
		stats: writer.WriterStats{
			BatchesWritten: 42,
			CandlesWritten: 4200,
			WriteErrors:    1,
			AvgWriteTime:   25 * 1_000_000, // 25ms in nanoseconds via time.Duration
			PoolTotalConns: 10,
			PoolIdleConns:  7,
		},
	}
	router := Router(fakeSupervisor{running: true}, w, nil, metricsink.New())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Writer == nil {
		t.Fatal("expected writer stats to be present in the health payload")
	}
	if resp.Writer.BatchesWritten != 42 || resp.Writer.CandlesWritten != 4200 {
		t.Errorf("expected writer stats to be carried through, got %+v", resp.Writer)
	}
	if resp.Writer.AvgWriteTimeMs != 25 {
		t.Errorf("expected avg write time of 25ms, got %v", resp.Writer.AvgWriteTimeMs)
	}
	if resp.Writer.PoolTotalConns != 10 || resp.Writer.PoolIdleConns != 7 {
		t.Errorf("expected pool stats to be carried through, got %+v", resp.Writer)
	}
}

func TestHealthDegradedWhenSupervisorNotRunning(t *testing.T) {
	router := Router(fakeSupervisor{running: false}, fakeWriter{succeeded: true, state: breaker.Closed}, nil, metricsink.New())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when supervisor is not running, got %d", rec.Code)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	sink := metricsink.New()
	sink.IncRecordsConsumed(5)
	router := Router(fakeSupervisor{running: true}, fakeWriter{succeeded: true, state: breaker.Closed}, nil, sink)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !containsSubstr(rec.Body.String(), "candlestream_records_consumed_total") {
		t.Error("expected metrics body to contain the records-consumed counter")
	}
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
