package lbe

import (
	"math"

	"go.uber.org/zap"
)

// Publisher decides when an estimate is pushed to the consumer.
// It publishes the first estimate, any estimate whose rounded rates differ
// from the last published pair (by at least ChangeThresholdPercent when set),
// and every estimate whose reason is forced.
type Publisher struct {
	config   PublisherConfig
	consumer Consumer
	log      *zap.Logger

	last    Estimate
	hasLast bool
	count   int
}

// NewPublisher creates a publisher that notifies consumer.
func NewPublisher(config PublisherConfig, consumer Consumer, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		config:   config,
		consumer: consumer,
		log:      log,
	}
}

// ShouldPublish determines whether est would be published for reason.
func (p *Publisher) ShouldPublish(est Estimate, reason Reason) bool {
	if !p.hasLast || reason.Forced() {
		return true
	}
	if est.SameRates(p.last) {
		return false
	}
	if p.config.ChangeThresholdPercent <= 0 {
		return true
	}
	return changedPercent(p.last.TxKbps, est.TxKbps) >= p.config.ChangeThresholdPercent ||
		changedPercent(p.last.RxKbps, est.RxKbps) >= p.config.ChangeThresholdPercent
}

// MaybePublish publishes est when ShouldPublish allows it and reports
// whether the consumer was called.
func (p *Publisher) MaybePublish(est Estimate, reason Reason) bool {
	if !p.ShouldPublish(est, reason) {
		return false
	}
	p.last = est
	p.hasLast = true
	p.count++

	p.log.Info("publishing link bandwidth estimate",
		zap.Int("tx_kbps", est.TxKbps),
		zap.Int("rx_kbps", est.RxKbps),
		zap.Stringer("tx_source", est.TxSource),
		zap.Stringer("rx_source", est.RxSource),
		zap.Stringer("reason", reason))
	p.consumer.UpdateLinkBandwidthEstimation(est)
	return true
}

// LastPublished returns the last published estimate, if any.
func (p *Publisher) LastPublished() (Estimate, bool) {
	return p.last, p.hasLast
}

// Count returns the number of estimates published so far.
func (p *Publisher) Count() int {
	return p.count
}

func changedPercent(old, cur int) float64 {
	if old == cur {
		return 0
	}
	if old == 0 {
		return math.Inf(1)
	}
	return math.Abs(float64(cur-old)) / math.Abs(float64(old)) * 100
}
