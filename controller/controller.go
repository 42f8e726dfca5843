// Package controller implements the Adaptive Controller: a pure state
// machine deriving (poll_timeout, max_batch) from a sliding window of
// recent end-to-end latency samples.
package controller

import (
	"sort"
	"time"
)

// Bounds are the configured rails the controller never steps outside of.
type Bounds struct {
	PollMin  time.Duration
	PollMax  time.Duration
	BatchMin int
	BatchMax int
}

// Thresholds are the hysteresis thresholds deciding slow-down/speed-up.
type Thresholds struct {
	LatencyHigh time.Duration
	LatencyLow  time.Duration
}

// Steps are the per-sample adjustment magnitudes.
type Steps struct {
	PollStep  time.Duration
	BatchStep int
}

// Controller holds the rolling latency window and the last-emitted
// tuning parameters. It is mutated by exactly one caller (the Consumer
// Loop); other readers should use a snapshot via Current().
type Controller struct {
	window     []time.Duration
	windowCap  int
	thresholds Thresholds
	bounds     Bounds
	steps      Steps

	pollTimeout time.Duration
	maxBatch    int
}

// New creates a Controller seeded with initial tuning parameters. windowSize
// is N, the number of most recent samples the median is computed over.
func New(windowSize int, thresholds Thresholds, bounds Bounds, steps Steps, initialPoll time.Duration, initialBatch int) *Controller {
	if windowSize < 1 {
		windowSize = 1
	}
	c := &Controller{
		windowCap:   windowSize,
		thresholds:  thresholds,
		bounds:      bounds,
		steps:       steps,
		pollTimeout: clampDuration(initialPoll, bounds.PollMin, bounds.PollMax),
		maxBatch:    clampInt(initialBatch, bounds.BatchMin, bounds.BatchMax),
	}
	return c
}

// Observe feeds one latency sample (batch-sealed-at to commit-returned)
// into the rolling window and recomputes (poll_timeout, max_batch).
//
// If the median of the window exceeds LatencyHigh: max_batch decreases by
// one step (floored at BatchMin), poll_timeout increases by one step
// (ceilinged at PollMax). If the median is below LatencyLow: the inverse.
// Otherwise both hold. This adjusts by at most one step per sample.
func (c *Controller) Observe(sample time.Duration) {
	c.window = append(c.window, sample)
	if len(c.window) > c.windowCap {
		c.window = c.window[len(c.window)-c.windowCap:]
	}

	median := medianOf(c.window)

	switch {
	case median > c.thresholds.LatencyHigh:
		c.maxBatch = clampInt(c.maxBatch-c.steps.BatchStep, c.bounds.BatchMin, c.bounds.BatchMax)
		c.pollTimeout = clampDuration(c.pollTimeout+c.steps.PollStep, c.bounds.PollMin, c.bounds.PollMax)
	case median < c.thresholds.LatencyLow:
		c.maxBatch = clampInt(c.maxBatch+c.steps.BatchStep, c.bounds.BatchMin, c.bounds.BatchMax)
		c.pollTimeout = clampDuration(c.pollTimeout-c.steps.PollStep, c.bounds.PollMin, c.bounds.PollMax)
	}
}

// Current returns the current (poll_timeout, max_batch) snapshot.
func (c *Controller) Current() (time.Duration, int) {
	return c.pollTimeout, c.maxBatch
}

func medianOf(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
