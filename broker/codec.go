package broker

import (
	"encoding/json"
	"time"

	"candlestream/candle"
)

// wireCandle is the broker's binary payload shape, decoded as JSON per
// the contract in spec.md §6.
type wireCandle struct {
	Symbol     string    `json:"symbol"`
	Interval   string    `json:"interval"`
	OpenTime   time.Time `json:"open_time"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int64     `json:"trade_count"`
}

// decodePayload turns a raw broker Message into a candle.Record. A
// malformed payload does not panic or short-circuit the loop: it yields
// a Record carrying RawErr, which candle.Validate turns into a poison
// outcome so the offset still advances.
func decodePayload(msg Message) candle.Record {
	rec := candle.Record{
		Partition:       msg.Partition,
		Offset:          msg.Offset,
		BrokerTimestamp: msg.Timestamp,
	}

	var wc wireCandle
	if err := json.Unmarshal(msg.Value, &wc); err != nil {
		rec.RawErr = err
		return rec
	}

	rec.Symbol = wc.Symbol
	rec.Interval = wc.Interval
	rec.OpenTime = wc.OpenTime
	rec.Open = wc.Open
	rec.High = wc.High
	rec.Low = wc.Low
	rec.Close = wc.Close
	rec.Volume = wc.Volume
	rec.TradeCount = wc.TradeCount

	return rec
}
