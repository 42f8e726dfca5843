package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"candlestream/batcher"
	"candlestream/breaker"
	"candlestream/broker"
	"candlestream/candle"
	"candlestream/clock"
	"candlestream/controller"
)

type fakeReader struct {
	closed bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (broker.Message, error) {
	<-ctx.Done()
	return broker.Message{}, ctx.Err()
}
func (f *fakeReader) CommitOffsets(ctx context.Context, offsets map[int32]int64) error { return nil }
func (f *fakeReader) SetMaxWait(d time.Duration)                                      {}
func (f *fakeReader) Close() error                                                    { f.closed = true; return nil }

type fakeSubmitter struct{}

func (fakeSubmitter) Submit(ctx context.Context, batch candle.Batch) (candle.CommitToken, error) {
	return candle.CommitToken{Offsets: batch.CoveredOffset}, nil
}
func (fakeSubmitter) BreakerState() breaker.State { return breaker.Closed }

type fakeRecorder struct{}

func (fakeRecorder) IncRecordsConsumed(int)       {}
func (fakeRecorder) IncCommitFailures()           {}
func (fakeRecorder) SetPollTimeout(time.Duration) {}
func (fakeRecorder) SetMaxBatch(int)              {}

func newTestLoop(reader *fakeReader) *broker.Loop {
	b := batcher.New(10, time.Hour, nil)
	ctl := controller.New(5,
		controller.Thresholds{LatencyHigh: time.Second, LatencyLow: 100 * time.Millisecond},
		controller.Bounds{PollMin: 10 * time.Millisecond, PollMax: time.Second, BatchMin: 1, BatchMax: 100},
		controller.Steps{PollStep: 10 * time.Millisecond, BatchStep: 1},
		50*time.Millisecond, 2)
	return broker.NewLoop(reader, b, fakeSubmitter{}, ctl, nil, fakeRecorder{}, zerolog.Nop(), clock.Real{}, broker.LoopConfig{})
}

func TestRunStopsOnCancelAndClosesReader(t *testing.T) {
	reader := &fakeReader{}
	loop := newTestLoop(reader)
	sup := New(loop, nil, reader, time.Second, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	if !sup.Running() {
		t.Error("expected supervisor to report running while active")
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down in time")
	}

	if !reader.closed {
		t.Error("expected reader to be closed during shutdown drain")
	}
	if sup.Running() {
		t.Error("expected supervisor to report not running after shutdown")
	}
}

func TestStopTriggersShutdown(t *testing.T) {
	reader := &fakeReader{}
	loop := newTestLoop(reader)
	sup := New(loop, nil, reader, time.Second, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	sup.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after Stop")
	}
}
