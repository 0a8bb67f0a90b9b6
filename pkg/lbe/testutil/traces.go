package testutil

import (
	"github.com/thesyncim/lbe/pkg/lbe"
)

// TrafficStep is one step of a synthetic byte-counter trace.
type TrafficStep struct {
	DeltaMs int64
	TxBytes int64
	RxBytes int64
}

// Apply advances counters by one step.
func (s TrafficStep) Apply(c *FakeCounters) {
	c.Advance(s.DeltaMs, s.TxBytes, s.RxBytes)
}

// ConstantTraffic generates count steps of intervalMs each moving the same
// number of bytes.
//
// Parameters:
//   - count: Number of steps
//   - intervalMs: Step duration in milliseconds
//   - tx, rx: Bytes transferred per step
func ConstantTraffic(count int, intervalMs, tx, rx int64) []TrafficStep {
	steps := make([]TrafficStep, count)
	for i := range steps {
		steps[i] = TrafficStep{DeltaMs: intervalMs, TxBytes: tx, RxBytes: rx}
	}
	return steps
}

// BurstyTraffic alternates busy and quiet periods. Each busy period lasts
// busySteps steps moving tx/rx bytes, each quiet period quietSteps steps
// moving nothing.
func BurstyTraffic(cycles, busySteps, quietSteps int, intervalMs, tx, rx int64) []TrafficStep {
	steps := make([]TrafficStep, 0, cycles*(busySteps+quietSteps))
	for c := 0; c < cycles; c++ {
		for i := 0; i < busySteps; i++ {
			steps = append(steps, TrafficStep{DeltaMs: intervalMs, TxBytes: tx, RxBytes: rx})
		}
		for i := 0; i < quietSteps; i++ {
			steps = append(steps, TrafficStep{DeltaMs: intervalMs})
		}
	}
	return steps
}

// Activity builds an activity snapshot with all transmit time in the first
// power bucket.
func Activity(timestampMs, txMs, rxMs int64) lbe.ActivityInfo {
	info := lbe.ActivityInfo{TimestampMs: timestampMs, RxTimeMs: rxMs}
	info.TxTimeMs[0] = txMs
	return info
}

// ActivityTrace produces a monotonic sequence of activity snapshots.
type ActivityTrace struct {
	ts int64
	tx int64
	rx int64
}

// NewActivityTrace starts a trace at the given snapshot values.
func NewActivityTrace(timestampMs, txMs, rxMs int64) *ActivityTrace {
	return &ActivityTrace{ts: timestampMs, tx: txMs, rx: rxMs}
}

// Current returns the snapshot at the trace's current position.
func (t *ActivityTrace) Current() lbe.ActivityInfo {
	return Activity(t.ts, t.tx, t.rx)
}

// Next advances the trace by the given deltas and returns the new snapshot.
func (t *ActivityTrace) Next(wallMs, txMs, rxMs int64) lbe.ActivityInfo {
	t.ts += wallMs
	t.tx += txMs
	t.rx += rxMs
	return t.Current()
}
