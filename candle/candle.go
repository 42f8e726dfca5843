// Package candle holds the domain model: the Record delivered by the
// broker, the Candle derived from it by validation, and the Batch and
// CommitToken that flow between the Batcher, Writer, and Consumer Loop.
package candle

import (
	"math"
	"strings"
	"time"
)

// Record is a single broker delivery: a partition, an offset, and a raw
// payload the broker decoded into structured fields.
type Record struct {
	Partition       int32
	Offset          int64
	BrokerTimestamp time.Time

	Symbol     string
	Interval   string
	OpenTime   time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount int64

	// RawErr is set when the broker payload itself could not be decoded
	// into the structured fields above (malformed bytes, not a domain
	// validation failure). It still carries Partition/Offset so the
	// record can be counted as poison without blocking progress.
	RawErr error
}

// Candle is the validated, persistable form of a Record.
type Candle struct {
	Symbol     string
	Interval   string
	OpenTime   time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	TradeCount int64
	IngestTime time.Time
}

// Outcome is the explicit result of validating a Record, replacing
// exception-for-control-flow: callers switch on Valid rather than
// catching a validation error.
type Outcome struct {
	Valid     bool
	Candle    Candle
	Reason    string
	Partition int32
	Offset    int64
}

// Validate checks a Record's key fields, numeric sanity, and OHLC
// monotonicity, returning either a Valid outcome carrying a Candle or a
// Poison outcome carrying a reason and the record's offset. It never
// panics and never returns an error — poison handling is a data path.
func Validate(r Record, ingestTime time.Time) Outcome {
	poison := func(reason string) Outcome {
		return Outcome{Valid: false, Reason: reason, Partition: r.Partition, Offset: r.Offset}
	}

	if r.RawErr != nil {
		return poison("malformed payload: " + r.RawErr.Error())
	}
	if strings.TrimSpace(r.Symbol) == "" {
		return poison("missing symbol")
	}
	if strings.TrimSpace(r.Interval) == "" {
		return poison("missing interval")
	}
	if r.OpenTime.IsZero() {
		return poison("missing open_time")
	}
	if !isFinite(r.Open) || !isFinite(r.High) || !isFinite(r.Low) || !isFinite(r.Close) || !isFinite(r.Volume) {
		return poison("non-numeric OHLCV value")
	}
	if r.Volume < 0 {
		return poison("negative volume")
	}
	if r.TradeCount < 0 {
		return poison("negative trade_count")
	}
	if r.Low > r.High {
		return poison("low > high")
	}
	if r.Open < r.Low || r.Open > r.High {
		return poison("open out of [low, high] bounds")
	}
	if r.Close < r.Low || r.Close > r.High {
		return poison("close out of [low, high] bounds")
	}

	return Outcome{
		Valid: true,
		Candle: Candle{
			Symbol:     r.Symbol,
			Interval:   r.Interval,
			OpenTime:   r.OpenTime.UTC(),
			Open:       r.Open,
			High:       r.High,
			Low:        r.Low,
			Close:      r.Close,
			Volume:     r.Volume,
			TradeCount: r.TradeCount,
			IngestTime: ingestTime.UTC(),
		},
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Batch is a sealed, ordered sequence of Candles plus the offsets it
// covers and the earliest broker timestamp among its source records.
type Batch struct {
	Candles       []Candle
	CoveredOffset map[int32]int64
	EarliestBroker time.Time
	SealedAt      time.Time
}

// CommitToken is the {partition -> offset} map that became durable. It is
// emitted by the Writer on success and consumed once by the Consumer
// Loop to advance broker offsets.
type CommitToken struct {
	Offsets map[int32]int64
}
