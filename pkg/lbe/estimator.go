package lbe

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrMissingCollaborator is returned by NewEstimator when a required
// collaborator is nil.
var ErrMissingCollaborator = errors.New("lbe: missing collaborator")

// Environment bundles the external collaborators of an Estimator.
type Environment struct {
	Counters ByteCounterSource
	Radio    ActivitySource
	Carrier  CarrierConfigSource
	Consumer Consumer
}

func (env Environment) validate() error {
	switch {
	case env.Counters == nil:
		return fmt.Errorf("%w: byte counters", ErrMissingCollaborator)
	case env.Radio == nil:
		return fmt.Errorf("%w: radio activity source", ErrMissingCollaborator)
	case env.Carrier == nil:
		return fmt.Errorf("%w: carrier config source", ErrMissingCollaborator)
	case env.Consumer == nil:
		return fmt.Errorf("%w: consumer", ErrMissingCollaborator)
	}
	return nil
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithLogger sets the logger. The default discards all output.
func WithLogger(log *zap.Logger) Option {
	return func(e *Estimator) {
		if log != nil {
			e.log = log
		}
	}
}

// WithObserver sets the instrumentation observer.
func WithObserver(o Observer) Option {
	return func(e *Estimator) {
		if o != nil {
			e.observer = o
		}
	}
}

// Estimator is the link bandwidth estimation state machine.
//
// It combines the traffic sampler, the activity poller, the statistics store
// and the publisher, and tracks screen, network and radio topology to decide
// when sampling runs.
//
// Estimator is not safe for concurrent use. Every method, including the
// activity reply callback, must run on one goroutine; Router provides that
// discipline.
type Estimator struct {
	config   Config
	env      Environment
	log      *zap.Logger
	observer Observer

	sampler   *TrafficSampler
	poller    *ActivityPoller
	stats     *StatStore
	publisher *Publisher

	// deliver routes an activity reply back into the estimator. It runs the
	// reply inline unless a Router redirects it through its inbox.
	deliver func(seq uint64, info ActivityInfo)

	state      State
	screenOn   bool
	transports Transports
	cell       CellKey
	tech       RadioTech
	freq       FrequencyRange
	signal     int
	defaults   Bounds
}

// NewEstimator creates an estimator. Zero config fields take their defaults.
func NewEstimator(config Config, env Environment, opts ...Option) (*Estimator, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := env.validate(); err != nil {
		return nil, err
	}

	e := &Estimator{
		config:   config,
		env:      env,
		log:      zap.NewNop(),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}

	stats, err := NewStatStore(config.Stats, e.log.Named("stats"), func(cell CellKey, rat RATClass) {
		e.observer.CellEvicted(cell, rat)
	})
	if err != nil {
		return nil, err
	}
	e.stats = stats
	e.sampler = NewTrafficSampler(config.Sampler, env.Counters, e.log.Named("sampler"))
	e.poller = NewActivityPoller(config.Poller, env.Radio, e.log.Named("poller"))
	e.publisher = NewPublisher(config.Publisher, env.Consumer, e.log.Named("publisher"))
	e.deliver = e.handleActivityReply
	e.defaults = env.Carrier.LinkBandwidthDefaults(e.ratClass())
	return e, nil
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config {
	return e.config
}

// TickInterval returns the sampling period.
func (e *Estimator) TickInterval() time.Duration {
	return e.config.Sampler.TickInterval
}

// State returns the current sampling state.
func (e *Estimator) State() State {
	return e.state
}

// Sampling reports whether the periodic tick should be running.
func (e *Estimator) Sampling() bool {
	return e.state == StateActive
}

// Tick runs one traffic sampling step. It is a no-op while idle.
func (e *Estimator) Tick() {
	if e.state != StateActive {
		return
	}
	res := e.sampler.Tick()

	if e.poller.Expired(res.Reading.ElapsedMs) {
		e.log.Warn("activity poll timed out, re-arming", zap.Uint64("seq", e.poller.Seq()))
		e.poller.Abandon()
	}
	if res.Skipped || !res.TrafficHigh {
		return
	}
	if !e.poller.CanIssue(res.Reading.ElapsedMs) {
		return
	}
	e.poller.Issue(res.Reading, func(seq uint64, info ActivityInfo) {
		e.deliver(seq, info)
	})
	e.observer.PollIssued()
}

// HandleActivityInfo applies info as the reply to the most recent poll. It
// is ignored when no poll is in flight.
func (e *Estimator) HandleActivityInfo(info ActivityInfo) {
	e.handleActivityReply(e.poller.Seq(), info)
}

func (e *Estimator) handleActivityReply(seq uint64, info ActivityInfo) {
	out := e.poller.Complete(seq, info)
	e.observer.PollCompleted(out.Result)
	if out.Result == PollStale {
		return
	}
	e.sampler.ResetAccumulated()
	if out.Result != PollSampled {
		return
	}

	sample := e.capSample(Sample{
		TxKbps:      out.TxKbps,
		RxKbps:      out.RxKbps,
		HasTx:       out.HasTx,
		HasRx:       out.HasRx,
		Cell:        e.cell,
		TimestampMs: info.TimestampMs,
	})
	e.log.Debug("activity sample",
		zap.Int64("delta_wall_ms", out.WallMs),
		zap.Int64("delta_tx_ms", out.TxActiveMs),
		zap.Int64("delta_rx_ms", out.RxActiveMs),
		zap.Int64("tx_bytes", out.TxBytes),
		zap.Int64("rx_bytes", out.RxBytes),
		zap.Float64("tx_kbps", sample.TxKbps),
		zap.Float64("rx_kbps", sample.RxKbps),
		zap.Bool("has_tx", sample.HasTx),
		zap.Bool("has_rx", sample.HasRx))
	if sample.Empty() {
		return
	}

	rat := e.ratClass()
	e.stats.Record(e.cell, rat, sample)
	e.observer.SampleRecorded(rat, sample)
	e.evaluate(ReasonSample)
}

// capSample drops directions whose rate is implausibly far above the
// carrier default. Fallback defaults say nothing about the link and do not
// cap.
func (e *Estimator) capSample(s Sample) Sample {
	ratio := e.config.Poller.MaxRateToDefaultRatio
	if ratio <= 0 || e.defaults.Fallback {
		return s
	}
	if s.HasTx && e.defaults.TxKbps > 0 && s.TxKbps > ratio*float64(e.defaults.TxKbps) {
		e.log.Warn("discarding implausible tx rate",
			zap.Float64("tx_kbps", s.TxKbps), zap.Int("default_kbps", e.defaults.TxKbps))
		s.HasTx, s.TxKbps = false, 0
	}
	if s.HasRx && e.defaults.RxKbps > 0 && s.RxKbps > ratio*float64(e.defaults.RxKbps) {
		e.log.Warn("discarding implausible rx rate",
			zap.Float64("rx_kbps", s.RxKbps), zap.Int("default_kbps", e.defaults.RxKbps))
		s.HasRx, s.RxKbps = false, 0
	}
	return s
}

// evaluate recomputes the estimate and hands it to the publisher. Nothing is
// published while idle.
func (e *Estimator) evaluate(reason Reason) bool {
	if e.state != StateActive {
		return false
	}
	est := e.stats.Estimate(e.cell, e.ratClass(), e.defaults)
	if !e.publisher.MaybePublish(est, reason) {
		return false
	}
	e.observer.Published(est, reason)
	return true
}

// CurrentEstimate returns what would be published now, regardless of state.
func (e *Estimator) CurrentEstimate() Estimate {
	return e.stats.Estimate(e.cell, e.ratClass(), e.defaults)
}

// Cells lists the tracked statistics without affecting eviction order.
func (e *Estimator) Cells() []CellSnapshot {
	return e.stats.Snapshot()
}

// Snapshot is a point-in-time copy of the estimator state.
type Snapshot struct {
	State       State
	ScreenOn    bool
	Transports  Transports
	Cell        CellKey
	Tech        RadioTech
	Frequency   FrequencyRange
	SignalLevel int
	RAT         RATClass
	Defaults    Bounds

	Current      Estimate
	Published    Estimate
	HasPublished bool
	PublishCount int

	PollInFlight bool
	TrackedCells int
}

// Snapshot returns a copy of the current state.
func (e *Estimator) Snapshot() Snapshot {
	published, ok := e.publisher.LastPublished()
	return Snapshot{
		State:        e.state,
		ScreenOn:     e.screenOn,
		Transports:   e.transports,
		Cell:         e.cell,
		Tech:         e.tech,
		Frequency:    e.freq,
		SignalLevel:  e.signal,
		RAT:          e.ratClass(),
		Defaults:     e.defaults,
		Current:      e.CurrentEstimate(),
		Published:    published,
		HasPublished: ok,
		PublishCount: e.publisher.Count(),
		PollInFlight: e.poller.InFlight(),
		TrackedCells: e.stats.Len(),
	}
}
