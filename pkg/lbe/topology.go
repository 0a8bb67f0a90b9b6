package lbe

import "go.uber.org/zap"

// HandleScreenState records the screen state.
func (e *Estimator) HandleScreenState(on bool) {
	if e.screenOn == on {
		return
	}
	e.screenOn = on
	e.updateState()
}

// HandleDefaultNetwork records the transports of the default network. Zero
// means no default network.
func (e *Estimator) HandleDefaultNetwork(t Transports) {
	if e.transports == t {
		return
	}
	e.transports = t
	e.updateState()
}

// HandleCellChanged redirects recording and estimation to cell. Statistics
// of other cells are kept.
func (e *Estimator) HandleCellChanged(cell CellKey) {
	if e.cell == cell {
		return
	}
	e.log.Debug("cell changed", zap.Stringer("from", e.cell), zap.Stringer("to", cell))
	e.cell = cell
	e.evaluate(ReasonCellChanged)
}

// HandleRadioTechChanged records the data radio technology and forces a
// republish while active.
func (e *Estimator) HandleRadioTechChanged(tech RadioTech) {
	if e.tech == tech {
		return
	}
	e.log.Info("radio technology changed", zap.Stringer("from", e.tech), zap.Stringer("to", tech))
	e.tech = tech
	e.refreshDefaults()
	e.evaluate(ReasonRadioTech)
}

// HandleNRFrequencyChanged records the NR frequency range. Only a change
// into or out of millimeter wave alters the RATClass and forces a republish.
func (e *Estimator) HandleNRFrequencyChanged(freq FrequencyRange) {
	if e.freq == freq {
		return
	}
	before := e.ratClass()
	e.freq = freq
	if e.ratClass() == before {
		return
	}
	e.log.Info("NR frequency class changed", zap.String("from", string(before)), zap.String("to", string(e.ratClass())))
	e.refreshDefaults()
	e.evaluate(ReasonNRFrequency)
}

// HandleSignalLevelChanged records the signal strength level and forces a
// republish while active.
func (e *Estimator) HandleSignalLevelChanged(level int) {
	if e.signal == level {
		return
	}
	e.signal = level
	e.evaluate(ReasonSignalLevel)
}

// HandleCarrierConfigChanged re-reads carrier defaults and forces a
// republish while active.
func (e *Estimator) HandleCarrierConfigChanged() {
	e.refreshDefaults()
	e.evaluate(ReasonCarrierConfig)
}

func (e *Estimator) ratClass() RATClass {
	return ClassOf(e.tech, e.freq)
}

func (e *Estimator) refreshDefaults() {
	e.defaults = e.env.Carrier.LinkBandwidthDefaults(e.ratClass())
}

func (e *Estimator) updateState() {
	want := StateIdle
	if e.screenOn && e.transports.Has(TransportCellular) {
		want = StateActive
	}
	if want == e.state {
		return
	}
	e.state = want
	e.log.Info("estimator state changed",
		zap.Stringer("state", want),
		zap.Bool("screen_on", e.screenOn),
		zap.Uint8("transports", uint8(e.transports)))
	e.observer.StateChanged(want)

	if want == StateIdle {
		e.poller.Reset()
		e.sampler.Reset()
		return
	}
	e.sampler.Prime()
	e.refreshDefaults()
	e.evaluate(ReasonActivated)
}
