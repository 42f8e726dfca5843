// Package writer implements the Writer: validate, gate on the circuit
// breaker, upsert under the retry policy, and emit a CommitToken on
// success. At most one submission is in flight per Writer instance.
package writer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"candlestream/breaker"
	"candlestream/candle"
	"candlestream/clock"
	"candlestream/errs"
	"candlestream/retry"
)

// DB is the subset of *pgxpool.Pool the Writer needs. Satisfied directly
// by *pgxpool.Pool; narrowed here so tests can fake it.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Ping(ctx context.Context) error
}

// Recorder receives the Writer's metrics side effects.
type Recorder interface {
	ObserveWriteLatency(d time.Duration)
	ObserveBatchSize(n int)
	IncBatchesWritten()
	IncPoisonRecords(n int)
	IncCommitFailures()
	SetBreakerState(s breaker.State)
}

// Writer validates, dedup-keys, and upserts a Batch into the candles
// table under the circuit breaker and retry policy.
type Writer struct {
	db       DB
	table    string
	breaker  *breaker.Breaker
	retry    *retry.Policy
	clock    clock.Clock
	log      zerolog.Logger
	recorder Recorder

	mu        sync.Mutex
	inFlight  bool
	succeeded bool // at least one successful submission since startup

	batchesWritten   int64
	candlesWritten   int64
	writeErrors      int64
	totalWriteTimeNs int64
}

// WriterStats summarizes Writer and connection-pool activity, adapted
// from the IIoT TimescaleDB writer's Stats() for the /health handler's
// richer status payload. Pool fields are zero when db does not expose
// pool statistics.
type WriterStats struct {
	BatchesWritten    int64
	CandlesWritten    int64
	WriteErrors       int64
	AvgWriteTime      time.Duration
	PoolTotalConns    int32
	PoolIdleConns     int32
	PoolAcquiredConns int32
}

// poolStatter is satisfied by *pgxpool.Pool. Narrowed into its own
// interface rather than folded into DB so tests can fake DB without
// also faking pgxpool.Stat.
type poolStatter interface {
	Stat() *pgxpool.Stat
}

// New creates a Writer. table is the fully-qualified candles table name.
func New(db DB, table string, b *breaker.Breaker, maxAttempts int, baseDelay time.Duration, c clock.Clock, log zerolog.Logger, recorder Recorder) *Writer {
	if c == nil {
		c = clock.Real{}
	}
	w := &Writer{
		db:       db,
		table:    table,
		breaker:  b,
		clock:    c,
		log:      log.With().Str("component", "writer").Logger(),
		recorder: recorder,
	}
	w.retry = retry.New(maxAttempts, baseDelay, w.isRetryable)
	return w
}

// Submit validates the batch, gates on the breaker, and upserts the
// surviving candles under the retry policy. It returns a CommitToken
// covering every offset in the batch (including those of poison records
// that were never persisted) on success, or an error — the caller must
// not advance offsets on error.
//
// At most one call is in flight at a time. Both the Consumer Loop and
// the WAL Replayer call Submit; a call made while another is in flight
// is rejected by a guard that returns an error rather than silently
// serializing.
func (w *Writer) Submit(ctx context.Context, batch candle.Batch) (candle.CommitToken, error) {
	w.mu.Lock()
	if w.inFlight {
		w.mu.Unlock()
		return candle.CommitToken{}, fmt.Errorf("writer: submit called while a previous submission is in flight")
	}
	w.inFlight = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.inFlight = false
		w.mu.Unlock()
	}()

	valid, poisonCount := w.revalidate(batch.Candles)
	if poisonCount > 0 {
		w.recorder.IncPoisonRecords(poisonCount)
	}

	token := candle.CommitToken{Offsets: batch.CoveredOffset}

	if len(valid) == 0 {
		// Poison-only batch: still advances offsets, never touches the DB.
		return token, nil
	}

	if w.breaker.Allow() != breaker.Proceed {
		w.recorder.SetBreakerState(w.breaker.State())
		return candle.CommitToken{}, errs.ErrBreakerOpen
	}

	// submissionID ties together every retry attempt's log line for this
	// batch, since a submission's attempts otherwise look identical.
	submissionID := uuid.New().String()
	sublog := w.log.With().Str("submission_id", submissionID).Logger()

	attempt := 0
	startedAt := w.clock.Now()
	err := w.retry.Do(ctx, func(ctx context.Context) error {
		attempt++
		sublog.Debug().Int("attempt", attempt).Int("batch_size", len(valid)).Msg("attempting upsert")
		return w.upsert(ctx, valid)
	})
	duration := w.clock.Now().Sub(startedAt)
	w.recorder.ObserveWriteLatency(duration)

	if err != nil {
		w.breaker.RecordFailure()
		w.recorder.SetBreakerState(w.breaker.State())
		atomic.AddInt64(&w.writeErrors, 1)

		if errs.IsPermanent(err) {
			sublog.Error().Err(err).Int("attempts", attempt).Msg("permanent database error, surfacing as fatal")
			return candle.CommitToken{}, err
		}
		sublog.Error().Err(err).Int("attempts", attempt).Int("batch_size", len(valid)).Msg("write failed after retries")
		return candle.CommitToken{}, err
	}

	atomic.AddInt64(&w.batchesWritten, 1)
	atomic.AddInt64(&w.candlesWritten, int64(len(valid)))
	atomic.AddInt64(&w.totalWriteTimeNs, duration.Nanoseconds())

	w.breaker.RecordSuccess()
	w.recorder.SetBreakerState(w.breaker.State())
	w.recorder.IncBatchesWritten()
	w.recorder.ObserveBatchSize(len(valid))

	w.mu.Lock()
	w.succeeded = true
	w.mu.Unlock()

	sublog.Debug().Int("attempts", attempt).Int("batch_size", len(valid)).Dur("duration", duration).Msg("batch written")

	return token, nil
}

// HasSucceeded reports whether at least one submission has succeeded
// since startup, feeding the /health liveness contract.
func (w *Writer) HasSucceeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.succeeded
}

// Stats reports cumulative write activity and, when db exposes pool
// statistics, connection-pool occupancy.
func (w *Writer) Stats() WriterStats {
	batches := atomic.LoadInt64(&w.batchesWritten)
	totalNs := atomic.LoadInt64(&w.totalWriteTimeNs)

	var avg time.Duration
	if batches > 0 {
		avg = time.Duration(totalNs / batches)
	}

	stats := WriterStats{
		BatchesWritten: batches,
		CandlesWritten: atomic.LoadInt64(&w.candlesWritten),
		WriteErrors:    atomic.LoadInt64(&w.writeErrors),
		AvgWriteTime:   avg,
	}

	if ps, ok := w.db.(poolStatter); ok {
		poolStat := ps.Stat()
		stats.PoolTotalConns = poolStat.TotalConns()
		stats.PoolIdleConns = poolStat.IdleConns()
		stats.PoolAcquiredConns = poolStat.AcquiredConns()
	}

	return stats
}

// BreakerState returns a snapshot of the gating breaker's state.
func (w *Writer) BreakerState() breaker.State {
	return w.breaker.State()
}

// revalidate is a defense-in-depth pass: candles are already validated
// by candle.Validate before they enter the Batcher, so this only guards
// against a Batcher bug smuggling a malformed candle through. Any candle
// failing here is dropped and counted as poison without an offset (its
// offset was already advanced when it first entered the Batcher).
func (w *Writer) revalidate(candles []candle.Candle) ([]candle.Candle, int) {
	valid := make([]candle.Candle, 0, len(candles))
	poison := 0

	for _, c := range candles {
		if c.Low > c.High || c.Open < c.Low || c.Open > c.High || c.Close < c.Low || c.Close > c.High {
			poison++
			w.log.Warn().Str("symbol", c.Symbol).Str("interval", c.Interval).Msg("poison candle dropped at writer defense-in-depth check")
			continue
		}
		valid = append(valid, c)
	}

	return valid, poison
}

// upsert performs a bulk INSERT ... ON CONFLICT (symbol, interval,
// open_time) DO UPDATE in one transaction-equivalent pgx.Batch
// round-trip so replaying the same Candle is a no-op.
func (w *Writer) upsert(ctx context.Context, candles []candle.Candle) error {
	stmt := fmt.Sprintf(`
		INSERT INTO %s (
			symbol, interval, open_time, open, high, low, close, volume, trade_count, ingest_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, interval, open_time) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			trade_count = EXCLUDED.trade_count,
			ingest_time = EXCLUDED.ingest_time
	`, w.table)

	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(stmt, c.Symbol, c.Interval, c.OpenTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount, c.IngestTime)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			return classify(err)
		}
	}

	return nil
}

// classify wraps a database error as permanent when it is a constraint
// violation, schema, or authentication error not covered by the upsert;
// otherwise it is left as a transient, retryable error.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint violation
			return errs.NewPermanent(err)
		case strings.HasPrefix(pgErr.Code, "42"): // syntax/schema error
			return errs.NewPermanent(err)
		case pgErr.Code == "28000", pgErr.Code == "28P01": // invalid/bad authorization
			return errs.NewPermanent(err)
		}
	}
	return err
}

// isRetryable classifies transient failures: connection reset,
// serialization failure, deadlock, pool exhaustion. Permanent errors are
// already wrapped by classify and rejected here.
func (w *Writer) isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errs.IsPermanent(err) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}

	msg := err.Error()
	for _, needle := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"timeout",
		"i/o timeout",
		"pool exhausted",
		"too many clients",
		"conn closed",
	} {
		if strings.Contains(strings.ToLower(msg), needle) {
			return true
		}
	}

	return false
}
