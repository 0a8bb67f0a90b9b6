// Package testutil provides fake collaborators and synthetic traffic traces
// for exercising the lbe package.
//
// Note: This package imports lbe, so it is meant for external tests
// (package lbe_test) and for tools such as the soak runner.
package testutil

import (
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/thesyncim/lbe/pkg/lbe"
	"github.com/thesyncim/lbe/pkg/lbe/internal"
)

// FakeCounters is a ByteCounterSource whose values are set by the test.
// Elapsed time is either advanced manually or follows a clock.
// It is safe for concurrent use.
type FakeCounters struct {
	mu        sync.Mutex
	elapsedMs int64
	elapsed   *internal.Elapsed
	tx        int64
	rx        int64
}

// NewFakeCounters returns counters with manually advanced elapsed time.
func NewFakeCounters() *FakeCounters {
	return &FakeCounters{}
}

// NewClockCounters returns counters whose elapsed time follows clk.
func NewClockCounters(clk clock.Clock) *FakeCounters {
	return &FakeCounters{elapsed: internal.NewElapsed(clk)}
}

// ElapsedTimeMs implements lbe.ByteCounterSource.
func (c *FakeCounters) ElapsedTimeMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.elapsed != nil {
		return c.elapsed.Ms()
	}
	return c.elapsedMs
}

// TxBytes implements lbe.ByteCounterSource.
func (c *FakeCounters) TxBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx
}

// RxBytes implements lbe.ByteCounterSource.
func (c *FakeCounters) RxBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rx
}

// Add adds transferred bytes.
func (c *FakeCounters) Add(tx, rx int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tx += tx
	c.rx += rx
}

// Advance moves manual elapsed time forward and adds transferred bytes.
func (c *FakeCounters) Advance(ms, tx, rx int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsedMs += ms
	c.tx += tx
	c.rx += rx
}

// Set overwrites all values, e.g. to simulate a counter reset.
func (c *FakeCounters) Set(elapsedMs, tx, rx int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsedMs = elapsedMs
	c.tx = tx
	c.rx = rx
}

// FakeRadio is an ActivitySource that queues requests until the test
// answers them. It is safe for concurrent use.
type FakeRadio struct {
	mu       sync.Mutex
	pending  []func(lbe.ActivityInfo)
	requests int
}

// NewFakeRadio returns a radio with no pending requests.
func NewFakeRadio() *FakeRadio {
	return &FakeRadio{}
}

// RequestActivityInfo implements lbe.ActivitySource.
func (r *FakeRadio) RequestActivityInfo(reply func(lbe.ActivityInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests++
	r.pending = append(r.pending, reply)
}

// Requests returns the number of requests received so far.
func (r *FakeRadio) Requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}

// Pending returns the number of unanswered requests.
func (r *FakeRadio) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reply answers the oldest pending request with info. It reports false when
// nothing is pending.
func (r *FakeRadio) Reply(info lbe.ActivityInfo) bool {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return false
	}
	reply := r.pending[0]
	r.pending = r.pending[1:]
	r.mu.Unlock()

	reply(info)
	return true
}

// StaticCarrier is a CarrierConfigSource backed by a map. Unknown classes
// return Fallback, marked as a fallback. It is safe for concurrent use.
type StaticCarrier struct {
	mu       sync.RWMutex
	bounds   map[lbe.RATClass]lbe.Bounds
	Fallback lbe.Bounds
}

// NewStaticCarrier returns a carrier with the LTE default of 15000/30000 kbps
// (tx/rx) and the given fallback for every other class.
func NewStaticCarrier(fallback lbe.Bounds) *StaticCarrier {
	return &StaticCarrier{
		bounds: map[lbe.RATClass]lbe.Bounds{
			"LTE": {TxKbps: 15000, RxKbps: 30000},
		},
		Fallback: fallback,
	}
}

// Set overrides the bounds of one class.
func (c *StaticCarrier) Set(rat lbe.RATClass, b lbe.Bounds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bounds[rat] = b
}

// LinkBandwidthDefaults implements lbe.CarrierConfigSource.
func (c *StaticCarrier) LinkBandwidthDefaults(rat lbe.RATClass) lbe.Bounds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if b, ok := c.bounds[rat]; ok {
		return b
	}
	b := c.Fallback
	b.Fallback = true
	return b
}

// RecordingConsumer records every published estimate. It is safe for
// concurrent use.
type RecordingConsumer struct {
	mu      sync.Mutex
	updates []lbe.Estimate
}

// UpdateLinkBandwidthEstimation implements lbe.Consumer.
func (c *RecordingConsumer) UpdateLinkBandwidthEstimation(est lbe.Estimate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, est)
}

// Updates returns a copy of the recorded estimates.
func (c *RecordingConsumer) Updates() []lbe.Estimate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]lbe.Estimate(nil), c.updates...)
}

// Count returns the number of recorded estimates.
func (c *RecordingConsumer) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.updates)
}

// Last returns the most recent estimate.
func (c *RecordingConsumer) Last() (lbe.Estimate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.updates) == 0 {
		return lbe.Estimate{}, false
	}
	return c.updates[len(c.updates)-1], true
}
