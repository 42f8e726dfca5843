// Package httpapi is the Health & Admin Surface: a gin router exposing
// GET /health and GET /metrics, grounded on the teacher's
// handlers/telemetry.go HealthCheck and main.go's setupRouter.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"candlestream/breaker"
	"candlestream/metricsink"
	"candlestream/wal"
	"candlestream/writer"
)

// WriterStatus is the subset of Writer state the /health handler reads.
type WriterStatus interface {
	HasSucceeded() bool
	BreakerState() breaker.State
	Stats() writer.WriterStats
}

// SupervisorStatus reports whether the service is still running its
// main loop, as opposed to draining or stopped.
type SupervisorStatus interface {
	Running() bool
}

// WriterStatsResponse is the writer/pool statistics slice of the
// /health payload, adapted from the IIoT writer's Stats().
type WriterStatsResponse struct {
	BatchesWritten    int64  `json:"batches_written"`
	CandlesWritten    int64  `json:"candles_written"`
	WriteErrors       int64  `json:"write_errors"`
	AvgWriteTimeMs    float64 `json:"avg_write_time_ms"`
	PoolTotalConns    int32  `json:"pool_total_conns"`
	PoolIdleConns     int32  `json:"pool_idle_conns"`
	PoolAcquiredConns int32  `json:"pool_acquired_conns"`
}

// HealthResponse is the /health payload. WALSizeBytes and WALRecordCount
// are zero when no WAL is configured; Writer is omitted when w is nil.
type HealthResponse struct {
	Status         string               `json:"status"`
	Timestamp      string               `json:"timestamp"`
	BreakerState   string               `json:"breaker_state"`
	WALSizeBytes   int64                `json:"wal_size_bytes"`
	WALRecordCount int                  `json:"wal_record_count"`
	Writer         *WriterStatsResponse `json:"writer,omitempty"`
}

// Router builds the gin engine. wl is an optional WAL status source;
// sup, w and wl may each be nil.
func Router(sup SupervisorStatus, w WriterStatus, wl *wal.WAL, sink *metricsink.Sink) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) { handleHealth(c, sup, w, wl) })
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(sink.Registry(), promhttp.HandlerOpts{})))

	return router
}

func handleHealth(c *gin.Context, sup SupervisorStatus, w WriterStatus, wl *wal.WAL) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	httpStatus := http.StatusOK

	running := sup == nil || sup.Running()
	breakerOK := w == nil || w.BreakerState() != breaker.Open || w.HasSucceeded()

	if !running || !breakerOK {
		resp.Status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	if w != nil {
		resp.BreakerState = w.BreakerState().String()

		stats := w.Stats()
		resp.Writer = &WriterStatsResponse{
			BatchesWritten:    stats.BatchesWritten,
			CandlesWritten:    stats.CandlesWritten,
			WriteErrors:       stats.WriteErrors,
			AvgWriteTimeMs:    float64(stats.AvgWriteTime.Microseconds()) / 1000,
			PoolTotalConns:    stats.PoolTotalConns,
			PoolIdleConns:     stats.PoolIdleConns,
			PoolAcquiredConns: stats.PoolAcquiredConns,
		}
	}
	if wl != nil {
		resp.WALSizeBytes = wl.Size()
		if count, err := wl.Count(); err == nil {
			resp.WALRecordCount = count
		}
	}

	c.JSON(httpStatus, resp)
}
