package lbe

import (
	"time"

	"go.uber.org/zap"
)

// TrafficReading is one read of the byte counters.
type TrafficReading struct {
	ElapsedMs int64
	TxBytes   int64
	RxBytes   int64
}

// TickResult describes the outcome of one sampler tick.
type TickResult struct {
	// Skipped is set when the tick produced no rate (no baseline yet, window
	// too short, or a counter reset).
	Skipped bool

	Reading TrafficReading
	TxKbps  float64
	RxKbps  float64

	// TrafficHigh is set when either instantaneous rate exceeded the traffic
	// threshold or the accumulated bytes reached their threshold.
	TrafficHigh bool
}

// TrafficSampler reads byte counters on every tick and decides whether the
// traffic level warrants a radio-activity poll. It only tracks counters;
// the poll gate itself lives in ActivityPoller.
type TrafficSampler struct {
	config   SamplerConfig
	counters ByteCounterSource
	log      *zap.Logger

	last    TrafficReading
	hasLast bool

	// Bytes accumulated since the last poll reply.
	accTx int64
	accRx int64
}

// NewTrafficSampler creates a sampler reading from counters.
func NewTrafficSampler(config SamplerConfig, counters ByteCounterSource, log *zap.Logger) *TrafficSampler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TrafficSampler{
		config:   config,
		counters: counters,
		log:      log,
	}
}

// Read returns the current counters without touching the baseline.
func (s *TrafficSampler) Read() TrafficReading {
	if r, ok := s.counters.(TrafficReader); ok {
		return r.ReadTraffic()
	}
	return TrafficReading{
		ElapsedMs: s.counters.ElapsedTimeMs(),
		TxBytes:   s.counters.TxBytes(),
		RxBytes:   s.counters.RxBytes(),
	}
}

// Prime establishes the baseline without producing a rate.
func (s *TrafficSampler) Prime() TrafficReading {
	r := s.Read()
	s.last = r
	s.hasLast = true
	return r
}

// Tick samples the counters and computes instantaneous rates against the
// previous sample point.
func (s *TrafficSampler) Tick() TickResult {
	r := s.Read()
	if !s.hasLast {
		s.last = r
		s.hasLast = true
		return TickResult{Skipped: true, Reading: r}
	}

	deltaMs := r.ElapsedMs - s.last.ElapsedMs
	if time.Duration(deltaMs)*time.Millisecond < s.config.MinSampleWindow {
		return TickResult{Skipped: true, Reading: r}
	}

	deltaTx := r.TxBytes - s.last.TxBytes
	deltaRx := r.RxBytes - s.last.RxBytes
	if deltaTx < 0 || deltaRx < 0 {
		s.log.Warn("byte counters went backwards, re-baselining",
			zap.Int64("delta_tx", deltaTx), zap.Int64("delta_rx", deltaRx))
		s.last = r
		return TickResult{Skipped: true, Reading: r}
	}
	s.last = r

	s.accTx += deltaTx
	s.accRx += deltaRx

	res := TickResult{
		Reading: r,
		TxKbps:  toKbps(deltaTx, deltaMs),
		RxKbps:  toKbps(deltaRx, deltaMs),
	}
	res.TrafficHigh = res.TxKbps > s.config.TrafficHighKbps ||
		res.RxKbps > s.config.TrafficHighKbps ||
		s.accumulatedHigh()

	s.log.Debug("traffic tick",
		zap.Int64("delta_ms", deltaMs),
		zap.Float64("tx_kbps", res.TxKbps),
		zap.Float64("rx_kbps", res.RxKbps),
		zap.Int64("acc_tx", s.accTx),
		zap.Int64("acc_rx", s.accRx),
		zap.Bool("high", res.TrafficHigh))
	return res
}

func (s *TrafficSampler) accumulatedHigh() bool {
	thr := s.config.AccumulatedBytesThreshold
	return thr > 0 && (s.accTx >= thr || s.accRx >= thr)
}

// ResetAccumulated clears the bytes accumulated since the last poll reply.
func (s *TrafficSampler) ResetAccumulated() {
	s.accTx = 0
	s.accRx = 0
}

// Reset drops the baseline and accumulators so that a later resume does not
// attribute the idle gap to traffic.
func (s *TrafficSampler) Reset() {
	s.last = TrafficReading{}
	s.hasLast = false
	s.ResetAccumulated()
}
