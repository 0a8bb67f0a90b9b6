package lbe

// ByteCounterSource provides device-wide cellular byte counters. Counters
// are monotonic except across a reboot or interface reset; the sampler
// re-baselines when they go backwards.
type ByteCounterSource interface {
	// ElapsedTimeMs returns monotonic time since boot in milliseconds.
	ElapsedTimeMs() int64
	// TxBytes returns the cumulative transmitted bytes.
	TxBytes() int64
	// RxBytes returns the cumulative received bytes.
	RxBytes() int64
}

// TrafficReader is implemented by counter sources that can read elapsed time
// and both byte counters from one snapshot. The sampler prefers it over the
// three ByteCounterSource calls.
type TrafficReader interface {
	ReadTraffic() TrafficReading
}

// ActivitySource requests modem activity snapshots.
//
// RequestActivityInfo must not block. The reply is delivered at most once,
// from any goroutine, after RequestActivityInfo has returned. A request that
// is never answered keeps its poll in flight until a reply arrives or, when
// PollerConfig.PollTimeout is set, until the timeout re-arms the gate.
type ActivitySource interface {
	RequestActivityInfo(reply func(ActivityInfo))
}

// CarrierConfigSource returns carrier-declared default bandwidths.
type CarrierConfigSource interface {
	LinkBandwidthDefaults(rat RATClass) Bounds
}

// Consumer receives published estimates. Calls are fire-and-forget and are
// made from the estimator's event goroutine, so implementations must return
// promptly.
type Consumer interface {
	UpdateLinkBandwidthEstimation(est Estimate)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(est Estimate)

// UpdateLinkBandwidthEstimation calls f(est).
func (f ConsumerFunc) UpdateLinkBandwidthEstimation(est Estimate) {
	f(est)
}
