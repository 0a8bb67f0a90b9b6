// Package internal provides internal utilities for the lbe packages.
package internal

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Elapsed reports monotonic time since a start point on a clock. It stands
// in for time since boot where the platform offers no such counter, and lets
// tests drive elapsed time with a clock.Mock.
type Elapsed struct {
	clock clock.Clock
	start time.Time
}

// NewElapsed starts measuring on c. A nil clock uses the system clock.
func NewElapsed(c clock.Clock) *Elapsed {
	if c == nil {
		c = clock.New()
	}
	return &Elapsed{clock: c, start: c.Now()}
}

// Since returns the duration since the start point.
func (e *Elapsed) Since() time.Duration {
	return e.clock.Since(e.start)
}

// Ms returns the elapsed time in milliseconds.
func (e *Elapsed) Ms() int64 {
	return e.Since().Milliseconds()
}
