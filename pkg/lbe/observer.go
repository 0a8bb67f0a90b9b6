package lbe

// PollResult is the outcome of handling one activity reply.
type PollResult int

const (
	// PollStale means no matching poll was in flight; the reply was ignored.
	PollStale PollResult = iota
	// PollBaseline means the reply became the first activity baseline.
	PollBaseline
	// PollRejected means the reply violated monotonicity or the window bound.
	PollRejected
	// PollSampled means the reply produced a sample candidate.
	PollSampled
)

// String returns a string representation of the PollResult.
func (r PollResult) String() string {
	switch r {
	case PollBaseline:
		return "baseline"
	case PollRejected:
		return "rejected"
	case PollSampled:
		return "sampled"
	default:
		return "stale"
	}
}

// Reason is the event that caused an estimate re-evaluation.
type Reason int

const (
	ReasonActivated Reason = iota
	ReasonSample
	ReasonCellChanged
	ReasonRadioTech
	ReasonNRFrequency
	ReasonSignalLevel
	ReasonCarrierConfig
)

// String returns a string representation of the Reason.
func (r Reason) String() string {
	switch r {
	case ReasonActivated:
		return "activated"
	case ReasonSample:
		return "sample"
	case ReasonCellChanged:
		return "cell_changed"
	case ReasonRadioTech:
		return "radio_tech"
	case ReasonNRFrequency:
		return "nr_frequency"
	case ReasonSignalLevel:
		return "signal_level"
	case ReasonCarrierConfig:
		return "carrier_config"
	default:
		return "unknown"
	}
}

// Forced reports whether the reason republishes even when the estimate did
// not change numerically.
func (r Reason) Forced() bool {
	switch r {
	case ReasonRadioTech, ReasonNRFrequency, ReasonSignalLevel, ReasonCarrierConfig:
		return true
	}
	return false
}

// Observer receives estimator events for instrumentation. All methods are
// called from the estimator's event goroutine.
type Observer interface {
	StateChanged(s State)
	PollIssued()
	PollCompleted(r PollResult)
	SampleRecorded(rat RATClass, s Sample)
	CellEvicted(cell CellKey, rat RATClass)
	Published(est Estimate, r Reason)
}

// NopObserver ignores all events.
type NopObserver struct{}

func (NopObserver) StateChanged(State)              {}
func (NopObserver) PollIssued()                     {}
func (NopObserver) PollCompleted(PollResult)        {}
func (NopObserver) SampleRecorded(RATClass, Sample) {}
func (NopObserver) CellEvicted(CellKey, RATClass)   {}
func (NopObserver) Published(Estimate, Reason)      {}
