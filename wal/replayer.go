package wal

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"candlestream/candle"
)

// Submitter is the Writer's surface the Replayer depends on.
type Submitter interface {
	Submit(ctx context.Context, batch candle.Batch) (candle.CommitToken, error)
}

// Replayer periodically checks the WAL for spilled batches and replays
// them through the Writer, clearing the WAL once every record has been
// successfully resubmitted. Grounded on the teacher's HealthMonitor, but
// it does not probe database health itself: it resubmits on every
// interval and relies on the Writer's breaker gate to reject the
// submission while the circuit is open.
type Replayer struct {
	wal           *WAL
	writer        Submitter
	checkInterval time.Duration
	log           zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReplayer creates a Replayer polling every checkInterval.
func NewReplayer(w *WAL, writer Submitter, checkInterval time.Duration, log zerolog.Logger) *Replayer {
	return &Replayer{
		wal:           w,
		writer:        writer,
		checkInterval: checkInterval,
		log:           log.With().Str("component", "wal_replayer").Logger(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start runs the replay loop in a goroutine until Stop is called.
func (r *Replayer) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop signals the replay loop to exit and waits for it to finish.
func (r *Replayer) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Replayer) loop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.replayOnce(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Replayer) replayOnce(ctx context.Context) {
	records, err := r.wal.ReadAll()
	if err != nil {
		r.log.Error().Err(err).Msg("failed to read WAL")
		return
	}
	if len(records) == 0 {
		return
	}

	r.log.Info().Int("count", len(records)).Msg("replaying spilled batches from WAL")

	for _, rec := range records {
		batch := candle.Batch{Candles: rec.Candles, CoveredOffset: rec.CoveredOffset, SealedAt: rec.SealedAt}
		if _, err := r.writer.Submit(ctx, batch); err != nil {
			r.log.Warn().Err(err).Msg("WAL replay submission failed, will retry on next check")
			return // leave the WAL intact, retry next interval
		}
	}

	if err := r.wal.Clear(); err != nil {
		r.log.Error().Err(err).Msg("failed to clear WAL after successful replay")
		return
	}
	r.log.Info().Int("count", len(records)).Msg("WAL replay complete")
}
