package writer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"candlestream/breaker"
	"candlestream/candle"
	"candlestream/clock"
)

type nopRecorder struct{}

func (nopRecorder) ObserveWriteLatency(time.Duration)      {}
func (nopRecorder) ObserveBatchSize(int)                   {}
func (nopRecorder) IncBatchesWritten()                     {}
func (nopRecorder) IncPoisonRecords(int)                   {}
func (nopRecorder) IncCommitFailures()                      {}
func (nopRecorder) SetBreakerState(breaker.State)          {}

// fakeBatchResults replays a scripted sequence of errors, one per Exec call.
type fakeBatchResults struct {
	errs []error
	idx  int
}

func (f *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	if f.idx >= len(f.errs) {
		return pgconn.CommandTag{}, nil
	}
	err := f.errs[f.idx]
	f.idx++
	return pgconn.CommandTag{}, err
}
func (f *fakeBatchResults) Query() (pgx.Rows, error)                                   { return nil, nil }
func (f *fakeBatchResults) QueryRow() pgx.Row                                          { return nil }
func (f *fakeBatchResults) QueryFunc(scans []any, fn func(pgx.QueryFuncRow) error) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}
func (f *fakeBatchResults) Close() error { return nil }

type fakeDB struct {
	script    [][]error // one []error per call to SendBatch
	callCount int
	pingErr   error
}

func (f *fakeDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	var errsForCall []error
	if f.callCount < len(f.script) {
		errsForCall = f.script[f.callCount]
	}
	f.callCount++
	return &fakeBatchResults{errs: errsForCall}
}

func (f *fakeDB) Ping(ctx context.Context) error { return f.pingErr }

func okBatch(offset int64) candle.Batch {
	return candle.Batch{
		Candles: []candle.Candle{
			{Symbol: "BTC-USD", Interval: "1m", OpenTime: time.Now(), Open: 10, High: 20, Low: 5, Close: 15},
		},
		CoveredOffset: map[int32]int64{0: offset},
	}
}

func newTestWriter(db DB) *Writer {
	b := breaker.New(3, 30*time.Second, 0, clock.Real{})
	return New(db, "candles", b, 3, time.Millisecond, clock.Real{}, zerolog.Nop(), nopRecorder{})
}

func TestSubmitSucceedsAndEmitsToken(t *testing.T) {
	db := &fakeDB{script: [][]error{{nil}}}
	w := newTestWriter(db)

	token, err := w.Submit(context.Background(), okBatch(5))
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if token.Offsets[0] != 5 {
		t.Errorf("expected covered offset 5, got %d", token.Offsets[0])
	}
	if !w.HasSucceeded() {
		t.Error("expected HasSucceeded to be true after a success")
	}
}

func TestSubmitPoisonOnlyBatchStillAdvancesOffset(t *testing.T) {
	db := &fakeDB{}
	w := newTestWriter(db)

	batch := candle.Batch{
		Candles:       nil,
		CoveredOffset: map[int32]int64{0: 9},
	}

	token, err := w.Submit(context.Background(), batch)
	if err != nil {
		t.Fatalf("expected poison-only batch to succeed without DB call, got %v", err)
	}
	if token.Offsets[0] != 9 {
		t.Errorf("expected offset 9, got %d", token.Offsets[0])
	}
	if db.callCount != 0 {
		t.Error("expected no database call for a poison-only batch")
	}
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	transient := errors.New("connection reset by peer")
	db := &fakeDB{script: [][]error{{transient}, {nil}}}
	w := newTestWriter(db)

	_, err := w.Submit(context.Background(), okBatch(1))
	if err != nil {
		t.Fatalf("expected eventual success after retry, got %v", err)
	}
	if db.callCount != 2 {
		t.Errorf("expected 2 SendBatch calls, got %d", db.callCount)
	}
}

func TestSubmitPermanentErrorDoesNotRetry(t *testing.T) {
	permanent := &pgconn.PgError{Code: "23505"} // unique_violation
	db := &fakeDB{script: [][]error{{permanent}}}
	w := newTestWriter(db)

	_, err := w.Submit(context.Background(), okBatch(1))
	if err == nil {
		t.Fatal("expected permanent error to surface")
	}
	if db.callCount != 1 {
		t.Errorf("expected exactly 1 attempt for a permanent error, got %d", db.callCount)
	}
}

func TestSubmitRejectsWhenBreakerOpen(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := breaker.New(1, time.Hour, 0, fc)
	b.RecordFailure() // opens the breaker
	db := &fakeDB{}
	w := New(db, "candles", b, 3, time.Millisecond, fc, zerolog.Nop(), nopRecorder{})

	_, err := w.Submit(context.Background(), okBatch(1))
	if err == nil {
		t.Fatal("expected BreakerOpen rejection")
	}
	if db.callCount != 0 {
		t.Error("expected no database call while the breaker is open")
	}
}

func TestSubmitRejectsReentrantCall(t *testing.T) {
	db := &fakeDB{script: [][]error{{nil}}}
	w := newTestWriter(db)

	w.mu.Lock()
	w.inFlight = true
	w.mu.Unlock()

	_, err := w.Submit(context.Background(), okBatch(1))
	if err == nil {
		t.Fatal("expected re-entrant Submit to be rejected")
	}
}

func TestSubmitFailureOpensBreakerAfterThreshold(t *testing.T) {
	transient := errors.New("connection reset")
	db := &fakeDB{script: [][]error{
		{transient, transient, transient},
	}}
	fc := clock.NewFake(time.Unix(0, 0))
	b := breaker.New(1, time.Hour, 0, fc)
	w := New(db, "candles", b, 1, time.Millisecond, fc, zerolog.Nop(), nopRecorder{})

	_, err := w.Submit(context.Background(), okBatch(1))
	if err == nil {
		t.Fatal("expected submit to fail")
	}
	if w.BreakerState() != breaker.Open {
		t.Errorf("expected breaker to open after a failed submission, got %s", w.BreakerState())
	}
}
