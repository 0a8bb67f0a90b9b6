package lbe

import (
	"time"

	"go.uber.org/zap"
)

// PollOutcome is the result of handling one activity reply. Rates are only
// meaningful when Result is PollSampled.
type PollOutcome struct {
	Result PollResult

	// Window deltas between the baseline snapshot and this one.
	WallMs     int64
	TxActiveMs int64
	RxActiveMs int64
	TxBytes    int64
	RxBytes    int64

	TxKbps float64
	RxKbps float64
	HasTx  bool
	HasRx  bool
}

// activityBaseline pairs an activity snapshot with the byte counters read
// when the poll that produced it was issued.
type activityBaseline struct {
	info   ActivityInfo
	marker TrafficReading
}

// ActivityPoller issues on-demand modem activity polls and turns
// consecutive snapshots into active-time based rates.
//
// At most one poll is in flight. Each issuance carries a sequence number so
// that a reply belonging to an abandoned poll is recognized as stale.
type ActivityPoller struct {
	config PollerConfig
	source ActivitySource
	log    *zap.Logger

	seq      uint64
	inFlight bool
	pending  TrafficReading

	lastIssuedMs int64
	hasIssued    bool

	baseline *activityBaseline
}

// NewActivityPoller creates a poller requesting snapshots from source.
func NewActivityPoller(config PollerConfig, source ActivitySource, log *zap.Logger) *ActivityPoller {
	if log == nil {
		log = zap.NewNop()
	}
	return &ActivityPoller{
		config: config,
		source: source,
		log:    log,
	}
}

// InFlight reports whether a poll is outstanding.
func (p *ActivityPoller) InFlight() bool {
	return p.inFlight
}

// Seq returns the sequence number of the most recent poll.
func (p *ActivityPoller) Seq() uint64 {
	return p.seq
}

// CanIssue reports whether a new poll may be issued at nowMs.
func (p *ActivityPoller) CanIssue(nowMs int64) bool {
	if p.inFlight {
		return false
	}
	if !p.hasIssued {
		return true
	}
	return time.Duration(nowMs-p.lastIssuedMs)*time.Millisecond >= p.config.MinPollInterval
}

// Issue records marker as the issuance point, marks the poll in flight and
// requests a snapshot. reply is invoked with the poll's sequence number when
// the snapshot arrives.
func (p *ActivityPoller) Issue(marker TrafficReading, reply func(seq uint64, info ActivityInfo)) uint64 {
	p.seq++
	seq := p.seq
	p.inFlight = true
	p.pending = marker
	p.lastIssuedMs = marker.ElapsedMs
	p.hasIssued = true

	p.log.Debug("requesting modem activity",
		zap.Uint64("seq", seq),
		zap.Int64("elapsed_ms", marker.ElapsedMs),
		zap.Int64("tx_bytes", marker.TxBytes),
		zap.Int64("rx_bytes", marker.RxBytes))

	p.source.RequestActivityInfo(func(info ActivityInfo) {
		reply(seq, info)
	})
	return seq
}

// Expired reports whether the outstanding poll has exceeded PollTimeout.
// It is always false when no timeout is configured.
func (p *ActivityPoller) Expired(nowMs int64) bool {
	if !p.inFlight || p.config.PollTimeout <= 0 {
		return false
	}
	return time.Duration(nowMs-p.pending.ElapsedMs)*time.Millisecond >= p.config.PollTimeout
}

// Abandon drops the outstanding poll. A reply that arrives later is stale.
func (p *ActivityPoller) Abandon() {
	p.inFlight = false
}

// Reset abandons any outstanding poll and forgets the activity baseline.
func (p *ActivityPoller) Reset() {
	p.Abandon()
	p.baseline = nil
}

// Complete handles the reply for poll seq.
func (p *ActivityPoller) Complete(seq uint64, info ActivityInfo) PollOutcome {
	if !p.inFlight || seq != p.seq {
		p.log.Debug("ignoring stale activity reply",
			zap.Uint64("seq", seq), zap.Uint64("current", p.seq), zap.Bool("in_flight", p.inFlight))
		return PollOutcome{Result: PollStale}
	}
	p.inFlight = false
	current := &activityBaseline{info: info, marker: p.pending}

	prev := p.baseline
	if prev == nil {
		p.baseline = current
		return PollOutcome{Result: PollBaseline}
	}

	out := PollOutcome{
		WallMs:     info.TimestampMs - prev.info.TimestampMs,
		TxActiveMs: info.TotalTxTimeMs() - prev.info.TotalTxTimeMs(),
		RxActiveMs: info.RxTimeMs - prev.info.RxTimeMs,
		TxBytes:    current.marker.TxBytes - prev.marker.TxBytes,
		RxBytes:    current.marker.RxBytes - prev.marker.RxBytes,
	}

	if out.WallMs <= 0 {
		// Out of order or duplicate snapshot; the older baseline stays.
		p.log.Warn("activity snapshot not newer than baseline", zap.Int64("delta_wall_ms", out.WallMs))
		out.Result = PollRejected
		return out
	}
	p.baseline = current

	if out.TxActiveMs < 0 || out.RxActiveMs < 0 {
		p.log.Warn("activity counters went backwards, re-baselining",
			zap.Int64("delta_tx_ms", out.TxActiveMs), zap.Int64("delta_rx_ms", out.RxActiveMs))
		out.Result = PollRejected
		return out
	}
	if time.Duration(out.WallMs)*time.Millisecond > p.config.MaxActivityWindow {
		p.log.Debug("activity window too long, re-baselining", zap.Int64("delta_wall_ms", out.WallMs))
		out.Result = PollRejected
		return out
	}
	if out.TxBytes < 0 || out.RxBytes < 0 {
		out.Result = PollRejected
		return out
	}

	out.TxKbps, out.HasTx = p.rate(out.TxBytes, out.TxActiveMs, out.WallMs)
	out.RxKbps, out.HasRx = p.rate(out.RxBytes, out.RxActiveMs, out.WallMs)
	out.Result = PollSampled
	return out
}

// rate divides bytes by radio active time, falling back to wall time when
// the radio reports no activity for a window that still moved bytes.
func (p *ActivityPoller) rate(bytes, activeMs, wallMs int64) (float64, bool) {
	if bytes <= 0 || bytes < p.config.MinSampleBytes {
		return 0, false
	}
	if activeMs > 0 {
		return toKbps(bytes, activeMs), true
	}
	return toKbps(bytes, wallMs), true
}
