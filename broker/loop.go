package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"candlestream/batcher"
	"candlestream/breaker"
	"candlestream/candle"
	"candlestream/clock"
	"candlestream/controller"
	"candlestream/errs"
)

// Submitter is the Writer's surface the Consumer Loop depends on.
type Submitter interface {
	Submit(ctx context.Context, batch candle.Batch) (candle.CommitToken, error)
	BreakerState() breaker.State
}

// WALSpiller persists a batch the Writer could not accept because the
// breaker has been open past the loop's patience, so it is not lost
// while the loop keeps making progress on offset delivery.
type WALSpiller interface {
	Spill(batch candle.Batch) error
}

// Recorder receives the Consumer Loop's metrics side effects.
type Recorder interface {
	IncRecordsConsumed(n int)
	IncCommitFailures()
	SetPollTimeout(d time.Duration)
	SetMaxBatch(n int)
}

// LoopConfig configures the bound on how many consecutive
// breaker-open rejections the loop tolerates before it gives up holding
// a sealed batch in memory and spills it to the WAL.
type LoopConfig struct {
	MaxIdleCyclesBeforeSpill int
}

// Loop is the Consumer Loop: poll, batch, submit, commit, tune.
type Loop struct {
	reader     Reader
	batcher    *batcher.Batcher
	writer     Submitter
	controller *controller.Controller
	wal        WALSpiller
	recorder   Recorder
	log        zerolog.Logger
	clock      clock.Clock
	cfg        LoopConfig

	idleCycles int
}

// NewLoop creates a Consumer Loop. wal may be nil, in which case a batch
// stuck behind an open breaker is held in the Batcher (blocking further
// growth) rather than spilled.
func NewLoop(reader Reader, b *batcher.Batcher, w Submitter, ctl *controller.Controller, wal WALSpiller, recorder Recorder, log zerolog.Logger, c clock.Clock, cfg LoopConfig) *Loop {
	if c == nil {
		c = clock.Real{}
	}
	return &Loop{
		reader:     reader,
		batcher:    b,
		writer:     w,
		controller: ctl,
		wal:        wal,
		recorder:   recorder,
		log:        log.With().Str("component", "consumer_loop").Logger(),
		clock:      c,
		cfg:        cfg,
	}
}

// Run drives the loop until ctx is cancelled. On cancellation it returns
// nil; the Supervisor is responsible for the subsequent drain sequence.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if err := l.iterate(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			var commitFailed *errs.CommitFailedError
			if errors.As(err, &commitFailed) {
				return err // fatal: commit loss is not tolerable
			}
			l.log.Error().Err(err).Msg("poll iteration failed, backing off")
			l.sleep(ctx, 100*time.Millisecond)
		}
	}
}

func (l *Loop) iterate(ctx context.Context) error {
	pollTimeout, maxBatch := l.controller.Current()
	l.batcher.SetMaxBatch(maxBatch)
	l.recorder.SetPollTimeout(pollTimeout)
	l.recorder.SetMaxBatch(maxBatch)

	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	consumed := 0
	for consumed < maxBatch {
		msg, err := l.reader.FetchMessage(pollCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return err
		}
		consumed++
		l.ingest(msg)
	}
	if consumed > 0 {
		l.recorder.IncRecordsConsumed(consumed)
	}

	now := l.clock.Now()
	batch, sealed := l.batcher.Tick(now)
	if !sealed {
		return nil
	}

	return l.submitAndCommit(ctx, batch)
}

func (l *Loop) ingest(msg Message) {
	rec := decodeRecord(msg)
	outcome := candle.Validate(rec, l.clock.Now())
	if outcome.Valid {
		l.batcher.Add(outcome.Candle, rec.Partition, rec.Offset, rec.BrokerTimestamp)
		return
	}
	l.log.Warn().Int32("partition", rec.Partition).Int64("offset", rec.Offset).Str("reason", outcome.Reason).Msg("poison record")
	l.batcher.AdvanceOffset(rec.Partition, rec.Offset)
}

// submitAndCommit hands a sealed batch to the Writer over the implicit
// one-slot hand-off (Submit blocks until the previous call returns — the
// Consumer Loop never calls Submit again before the prior call has
// resolved, since iterate is sequential), then commits the resulting
// CommitToken's offsets.
func (l *Loop) submitAndCommit(ctx context.Context, batch candle.Batch) error {
	token, err := l.writer.Submit(ctx, batch)
	if err != nil {
		if errors.Is(err, errs.ErrBreakerOpen) {
			// Submit is still called on every sealed batch regardless of
			// breaker state, so Allow() keeps observing reset_timeout and
			// the HALF_OPEN probe still fires once it elapses.
			l.idleCycles++
			if l.wal != nil && l.cfg.MaxIdleCyclesBeforeSpill > 0 && l.idleCycles >= l.cfg.MaxIdleCyclesBeforeSpill {
				if spillErr := l.wal.Spill(batch); spillErr != nil {
					l.log.Error().Err(spillErr).Msg("failed to spill batch to WAL, batch held in memory")
					return nil
				}
				l.log.Warn().Int("batch_size", len(batch.Candles)).Msg("breaker open past patience window, batch spilled to WAL")
			}
			return nil
		}
		if errs.IsPermanent(err) {
			return err // fatal: Supervisor shuts the service down
		}
		return nil // transient failure already logged and breaker-tracked by Writer
	}

	l.idleCycles = 0

	sample := l.clock.Now().Sub(batch.SealedAt)

	if err := l.reader.CommitOffsets(ctx, token.Offsets); err != nil {
		l.recorder.IncCommitFailures()
		return &errs.CommitFailedError{Err: err}
	}

	l.controller.Observe(sample)
	return nil
}

// Drain forces the Batcher to emit any residual batch and submits it,
// for use during the Supervisor's shutdown sequence. It ignores a
// breaker-open rejection (the residual batch is then lost per spec.md
// §4.7 step 5 if the shutdown deadline expires) but still reports fatal
// errors.
func (l *Loop) Drain(ctx context.Context) error {
	batch, sealed := l.batcher.Drain()
	if !sealed {
		return nil
	}
	return l.submitAndCommit(ctx, batch)
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func decodeRecord(msg Message) candle.Record {
	return decodePayload(msg)
}
