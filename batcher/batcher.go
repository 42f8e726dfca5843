// Package batcher accumulates validated Candles until a size or age
// threshold fires, then emits a sealed Batch carrying the offsets it
// covers. It is a pure set of operations (add/tick/drain); the Consumer
// Loop owns the polling and timing that drives it.
package batcher

import (
	"sync"
	"time"

	"candlestream/candle"
	"candlestream/clock"
)

// Batcher holds at most maxBatch Candles and at most maxAge wall time
// worth; both bounds are enforced jointly — whichever trips first seals
// the batch.
type Batcher struct {
	mu sync.Mutex

	clock clock.Clock

	maxBatch int
	maxAge   time.Duration

	candles       []candle.Candle
	coveredOffset map[int32]int64
	earliestAdded time.Time
	earliestBroker time.Time
}

// New creates an empty Batcher.
func New(maxBatch int, maxAge time.Duration, c clock.Clock) *Batcher {
	if c == nil {
		c = clock.Real{}
	}
	return &Batcher{
		clock:    c,
		maxBatch: maxBatch,
		maxAge:   maxAge,
	}
}

// SetMaxBatch updates the size bound, as read from the Adaptive
// Controller before each poll. It does not retroactively seal an
// in-progress batch that already exceeds the new, smaller bound; that is
// left to the next Tick to catch.
func (b *Batcher) SetMaxBatch(maxBatch int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxBatch = maxBatch
}

// Add appends a Candle derived from a validated Record outcome, tracking
// the partition/offset it advances and the earliest broker timestamp
// seen. Only call Add with the outcome of candle.Validate for a Valid
// result; poison records never enter the Batcher.
func (b *Batcher) Add(c candle.Candle, partition int32, offset int64, brokerTimestamp time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.startIfEmpty()

	b.candles = append(b.candles, c)

	if cur, ok := b.coveredOffset[partition]; !ok || offset > cur {
		b.coveredOffset[partition] = offset
	}
	if brokerTimestamp.Before(b.earliestBroker) || b.earliestBroker.IsZero() {
		b.earliestBroker = brokerTimestamp
	}
}

// AdvanceOffset records that a poison record at (partition, offset) was
// discarded but still advances the covered offset, so a batch consisting
// only of poison records still yields a CommitToken. It also starts the
// age clock the same way Add does, so a sustained run of poison-only
// records still trips the age bound in Tick instead of only flushing at
// Drain/shutdown.
func (b *Batcher) AdvanceOffset(partition int32, offset int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.startIfEmpty()

	if cur, ok := b.coveredOffset[partition]; !ok || offset > cur {
		b.coveredOffset[partition] = offset
	}
}

// startIfEmpty stamps earliestAdded and allocates coveredOffset the first
// time anything — a valid Candle or a poison offset advance — enters an
// otherwise-sealed Batcher. Must be called with mu held.
func (b *Batcher) startIfEmpty() {
	if b.coveredOffset != nil {
		return
	}
	b.earliestAdded = b.clock.Now()
	b.coveredOffset = make(map[int32]int64)
}

// Tick checks the joint size/age bound against now and returns a sealed
// Batch if either trips. A batch holding only poison-advanced offsets
// (no Candles at all) can still trip the age bound, so a sustained run
// of poison records still respects the age bound instead of only
// flushing at Drain/shutdown. It returns (Batch{}, false) when the
// Batcher is empty or neither bound has tripped.
func (b *Batcher) Tick(now time.Time) (candle.Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.candles) == 0 && len(b.coveredOffset) == 0 {
		return candle.Batch{}, false
	}

	sizeTripped := len(b.candles) >= b.maxBatch
	ageTripped := b.maxAge > 0 && !b.earliestAdded.IsZero() && now.Sub(b.earliestAdded) >= b.maxAge

	if !sizeTripped && !ageTripped {
		return candle.Batch{}, false
	}

	return b.seal(now), true
}

// Drain forces emission even if neither bound has tripped, for use
// during shutdown. It returns (Batch{}, false) only when there is
// nothing at all to emit — no candles and no pending offset advances.
func (b *Batcher) Drain() (candle.Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.candles) == 0 && len(b.coveredOffset) == 0 {
		return candle.Batch{}, false
	}

	return b.seal(b.clock.Now()), true
}

// seal must be called with mu held.
func (b *Batcher) seal(now time.Time) candle.Batch {
	batch := candle.Batch{
		Candles:        b.candles,
		CoveredOffset:  b.coveredOffset,
		EarliestBroker: b.earliestBroker,
		SealedAt:       now,
	}

	b.candles = nil
	b.coveredOffset = nil
	b.earliestAdded = time.Time{}
	b.earliestBroker = time.Time{}

	return batch
}

// Len returns the current number of buffered candles.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.candles)
}
