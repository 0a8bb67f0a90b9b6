// Package metrics exports estimator events as Prometheus metrics and serves
// them together with health endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/lbe/pkg/lbe"
)

const (
	namespace = "lbe"
	subsystem = "estimator"
)

// Observer implements lbe.Observer with Prometheus collectors. Register it
// on a registry with MustRegister.
type Observer struct {
	state          prometheus.Gauge
	pollsIssued    prometheus.Counter
	pollResults    *prometheus.CounterVec
	samples        *prometheus.CounterVec
	sampleKbps     *prometheus.HistogramVec
	evictions      prometheus.Counter
	publishes      *prometheus.CounterVec
	estimateKbps   *prometheus.GaugeVec
	estimateSource *prometheus.GaugeVec
}

// NewObserver creates the collectors.
func NewObserver() *Observer {
	return &Observer{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "1 while the estimator is sampling, 0 while idle.",
		}),
		pollsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "polls_issued_total",
			Help:      "Modem activity polls issued.",
		}),
		pollResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "poll_results_total",
			Help:      "Modem activity replies by outcome.",
		}, []string{"result"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_total",
			Help:      "Recorded bandwidth samples by technology and direction.",
		}, []string{"rat", "direction"}),
		sampleKbps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sample_kbps",
			Help:      "Recorded bandwidth sample rates in kbps.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 9),
		}, []string{"rat", "direction"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cells_evicted_total",
			Help:      "Cell statistics evicted from the bounded store.",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "publishes_total",
			Help:      "Published estimates by trigger.",
		}, []string{"reason"}),
		estimateKbps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "estimate_kbps",
			Help:      "Last published estimate in kbps.",
		}, []string{"direction"}),
		estimateSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "estimate_source",
			Help:      "1 for the source tier of the last published estimate per direction.",
		}, []string{"direction", "source"}),
	}
}

// Describe implements prometheus.Collector.
func (o *Observer) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range o.collectors() {
		c.Describe(ch)
	}
}

// Collect implements prometheus.Collector.
func (o *Observer) Collect(ch chan<- prometheus.Metric) {
	for _, c := range o.collectors() {
		c.Collect(ch)
	}
}

func (o *Observer) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		o.state, o.pollsIssued, o.pollResults, o.samples, o.sampleKbps,
		o.evictions, o.publishes, o.estimateKbps, o.estimateSource,
	}
}

// StateChanged implements lbe.Observer.
func (o *Observer) StateChanged(s lbe.State) {
	if s == lbe.StateActive {
		o.state.Set(1)
	} else {
		o.state.Set(0)
	}
}

// PollIssued implements lbe.Observer.
func (o *Observer) PollIssued() {
	o.pollsIssued.Inc()
}

// PollCompleted implements lbe.Observer.
func (o *Observer) PollCompleted(r lbe.PollResult) {
	o.pollResults.WithLabelValues(r.String()).Inc()
}

// SampleRecorded implements lbe.Observer.
func (o *Observer) SampleRecorded(rat lbe.RATClass, s lbe.Sample) {
	if s.HasTx {
		o.samples.WithLabelValues(string(rat), "tx").Inc()
		o.sampleKbps.WithLabelValues(string(rat), "tx").Observe(s.TxKbps)
	}
	if s.HasRx {
		o.samples.WithLabelValues(string(rat), "rx").Inc()
		o.sampleKbps.WithLabelValues(string(rat), "rx").Observe(s.RxKbps)
	}
}

// CellEvicted implements lbe.Observer.
func (o *Observer) CellEvicted(lbe.CellKey, lbe.RATClass) {
	o.evictions.Inc()
}

// Published implements lbe.Observer.
func (o *Observer) Published(est lbe.Estimate, r lbe.Reason) {
	o.publishes.WithLabelValues(r.String()).Inc()
	o.estimateKbps.WithLabelValues("tx").Set(float64(est.TxKbps))
	o.estimateKbps.WithLabelValues("rx").Set(float64(est.RxKbps))
	o.setSource("tx", est.TxSource)
	o.setSource("rx", est.RxSource)
}

func (o *Observer) setSource(direction string, src lbe.Source) {
	for _, s := range []lbe.Source{lbe.SourceCarrierDefault, lbe.SourceAggregate, lbe.SourceCell} {
		v := 0.0
		if s == src {
			v = 1
		}
		o.estimateSource.WithLabelValues(direction, s.String()).Set(v)
	}
}
