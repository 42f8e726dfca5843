// Package metricsink is the Clock & Metrics Sink's recording half: a
// fire-and-forget counter/gauge/histogram recorder backed by
// Prometheus, exposed at GET /metrics per spec.md §6.
package metricsink

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"candlestream/breaker"
)

// Sink records every metric spec.md §6 requires: records consumed,
// batches written, batch size, write latency, breaker state, poll
// timeout, max batch, poison records, commit failures.
type Sink struct {
	registry *prometheus.Registry

	recordsConsumed prometheus.Counter
	batchesWritten  prometheus.Counter
	poisonRecords   prometheus.Counter
	commitFailures  prometheus.Counter

	batchSize    prometheus.Histogram
	writeLatency prometheus.Histogram

	breakerState prometheus.Gauge
	pollTimeout  prometheus.Gauge
	maxBatch     prometheus.Gauge
}

// New creates a Sink registered against a fresh registry, grounded on
// the Helios ingestion consumer's promauto usage. Batch size uses an
// explicit bucket list; write latency uses the default buckets.
func New() *Sink {
	reg := prometheus.NewRegistry()

	s := &Sink{
		registry: reg,

		recordsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_records_consumed_total",
			Help: "Total number of broker records consumed.",
		}),
		batchesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_batches_written_total",
			Help: "Total number of batches successfully written to the database.",
		}),
		poisonRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_poison_records_total",
			Help: "Total number of records excluded from a batch by validation.",
		}),
		commitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "candlestream_commit_failures_total",
			Help: "Total number of broker offset commit failures.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlestream_batch_size",
			Help:    "Number of candles written per batch.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "candlestream_write_latency_seconds",
			Help:    "Database write latency in seconds, from breaker gate to commit return.",
			Buckets: prometheus.DefBuckets,
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlestream_breaker_state",
			Help: "Circuit breaker state: 0=CLOSED, 1=OPEN, 2=HALF_OPEN.",
		}),
		pollTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlestream_poll_timeout_seconds",
			Help: "Current adaptive poll timeout in seconds.",
		}),
		maxBatch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "candlestream_max_batch",
			Help: "Current adaptive max batch size.",
		}),
	}

	reg.MustRegister(
		s.recordsConsumed, s.batchesWritten, s.poisonRecords, s.commitFailures,
		s.batchSize, s.writeLatency,
		s.breakerState, s.pollTimeout, s.maxBatch,
	)

	return s
}

// Registry exposes the underlying registry for the promhttp handler.
func (s *Sink) Registry() *prometheus.Registry { return s.registry }

func (s *Sink) IncRecordsConsumed(n int)     { s.recordsConsumed.Add(float64(n)) }
func (s *Sink) IncBatchesWritten()           { s.batchesWritten.Inc() }
func (s *Sink) IncPoisonRecords(n int)       { s.poisonRecords.Add(float64(n)) }
func (s *Sink) IncCommitFailures()           { s.commitFailures.Inc() }
func (s *Sink) ObserveBatchSize(n int)       { s.batchSize.Observe(float64(n)) }
func (s *Sink) ObserveWriteLatency(d time.Duration) { s.writeLatency.Observe(d.Seconds()) }

func (s *Sink) SetPollTimeout(d time.Duration) { s.pollTimeout.Set(d.Seconds()) }
func (s *Sink) SetMaxBatch(n int)              { s.maxBatch.Set(float64(n)) }

func (s *Sink) SetBreakerState(state breaker.State) {
	switch state {
	case breaker.Closed:
		s.breakerState.Set(0)
	case breaker.Open:
		s.breakerState.Set(1)
	case breaker.HalfOpen:
		s.breakerState.Set(2)
	}
}
