// Package netcounters reads cellular byte counters from network interfaces
// over netlink.
package netcounters

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/thesyncim/lbe/pkg/lbe"
)

// ErrNoInterface is returned when no configured interface exists.
var ErrNoInterface = errors.New("netcounters: no matching interface")

// Reading is one snapshot of the summed counters.
type Reading struct {
	TxBytes    int64
	RxBytes    int64
	Interfaces int
}

// Counters implements lbe.ByteCounterSource over one or more interfaces.
// A name ending in "*" matches every interface with that prefix, e.g.
// "rmnet_data*". It is safe for concurrent use.
type Counters struct {
	names []string
	log   *zap.Logger

	links   func() ([]netlink.Link, error)
	elapsed func() int64

	mu   sync.Mutex
	last Reading
}

// New creates counters summing the named interfaces.
func New(names []string, log *zap.Logger) *Counters {
	if log == nil {
		log = zap.NewNop()
	}
	return &Counters{
		names:   names,
		log:     log,
		links:   netlink.LinkList,
		elapsed: bootTimeMs,
	}
}

// ElapsedTimeMs implements lbe.ByteCounterSource. Time spent suspended is
// included.
func (c *Counters) ElapsedTimeMs() int64 {
	return c.elapsed()
}

// ReadTraffic implements lbe.TrafficReader with a single link dump, so both
// directions come from the same snapshot.
func (c *Counters) ReadTraffic() lbe.TrafficReading {
	r := c.readOrLast()
	return lbe.TrafficReading{
		ElapsedMs: c.elapsed(),
		TxBytes:   r.TxBytes,
		RxBytes:   r.RxBytes,
	}
}

// TxBytes implements lbe.ByteCounterSource. On read errors the last good
// value is returned.
func (c *Counters) TxBytes() int64 {
	return c.readOrLast().TxBytes
}

// RxBytes implements lbe.ByteCounterSource. On read errors the last good
// value is returned.
func (c *Counters) RxBytes() int64 {
	return c.readOrLast().RxBytes
}

func (c *Counters) readOrLast() Reading {
	r, err := c.Read()
	if err != nil {
		c.log.Warn("reading interface counters", zap.Strings("interfaces", c.names), zap.Error(err))
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.last
	}
	return r
}

// Read sums the counters of every matching interface.
func (c *Counters) Read() (Reading, error) {
	links, err := c.links()
	if err != nil {
		return Reading{}, fmt.Errorf("list links: %w", err)
	}
	var r Reading
	for _, link := range links {
		attrs := link.Attrs()
		if attrs == nil || !c.matches(attrs.Name) || attrs.Statistics == nil {
			continue
		}
		r.TxBytes += int64(attrs.Statistics.TxBytes)
		r.RxBytes += int64(attrs.Statistics.RxBytes)
		r.Interfaces++
	}
	if r.Interfaces == 0 {
		return Reading{}, fmt.Errorf("%w: %s", ErrNoInterface, strings.Join(c.names, ","))
	}

	c.mu.Lock()
	c.last = r
	c.mu.Unlock()
	return r, nil
}

func (c *Counters) matches(name string) bool {
	for _, pattern := range c.names {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		} else if name == pattern {
			return true
		}
	}
	return false
}
