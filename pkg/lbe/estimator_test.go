package lbe_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	zapobserver "go.uber.org/zap/zaptest/observer"

	"github.com/thesyncim/lbe/pkg/lbe"
	"github.com/thesyncim/lbe/pkg/lbe/testutil"
)

var (
	homeCellA = lbe.CellKey{MCC: "310", MNC: "260", TAC: 7, CellID: 1001}
	homeCellB = lbe.CellKey{MCC: "310", MNC: "260", TAC: 7, CellID: 1002}
	homeCellC = lbe.CellKey{MCC: "310", MNC: "260", TAC: 8, CellID: 1003}
	roamCell  = lbe.CellKey{MCC: "234", MNC: "15", TAC: 7, CellID: 1001}

	lteDefaults = lbe.Estimate{TxKbps: 15000, RxKbps: 30000}
)

// recordingObserver captures estimator events.
type recordingObserver struct {
	lbe.NopObserver
	states    []lbe.State
	polls     int
	completed []lbe.PollResult
	samples   []lbe.Sample
	evicted   []lbe.CellKey
	reasons   []lbe.Reason
}

func (o *recordingObserver) StateChanged(s lbe.State) {
	o.states = append(o.states, s)
}

func (o *recordingObserver) PollIssued() {
	o.polls++
}

func (o *recordingObserver) PollCompleted(r lbe.PollResult) {
	o.completed = append(o.completed, r)
}

func (o *recordingObserver) SampleRecorded(_ lbe.RATClass, s lbe.Sample) {
	o.samples = append(o.samples, s)
}

func (o *recordingObserver) CellEvicted(c lbe.CellKey, _ lbe.RATClass) {
	o.evicted = append(o.evicted, c)
}

func (o *recordingObserver) Published(_ lbe.Estimate, r lbe.Reason) {
	o.reasons = append(o.reasons, r)
}

type harness struct {
	counters *testutil.FakeCounters
	radio    *testutil.FakeRadio
	carrier  *testutil.StaticCarrier
	consumer *testutil.RecordingConsumer
	observer *recordingObserver
	trace    *testutil.ActivityTrace
	est      *lbe.Estimator
}

func newHarness(t *testing.T, config lbe.Config, opts ...lbe.Option) *harness {
	t.Helper()
	h := &harness{
		counters: testutil.NewFakeCounters(),
		radio:    testutil.NewFakeRadio(),
		carrier:  testutil.NewStaticCarrier(lbe.Bounds{TxKbps: 100, RxKbps: 200}),
		consumer: &testutil.RecordingConsumer{},
		observer: &recordingObserver{},
		trace:    testutil.NewActivityTrace(1000, 0, 0),
	}
	h.carrier.Set("NR", lbe.Bounds{TxKbps: 20000, RxKbps: 100000})
	h.carrier.Set("NR_MMWAVE", lbe.Bounds{TxKbps: 50000, RxKbps: 500000})

	opts = append([]lbe.Option{lbe.WithObserver(h.observer)}, opts...)
	est, err := lbe.NewEstimator(config, lbe.Environment{
		Counters: h.counters,
		Radio:    h.radio,
		Carrier:  h.carrier,
		Consumer: h.consumer,
	}, opts...)
	require.NoError(t, err)
	h.est = est
	return h
}

// activate puts the estimator on LTE in homeCellA and turns sampling on.
func (h *harness) activate() {
	h.est.HandleRadioTechChanged(lbe.TechLTE)
	h.est.HandleCellChanged(homeCellA)
	h.est.HandleScreenState(true)
	h.est.HandleDefaultNetwork(lbe.TransportCellular)
}

// start activates and establishes the first activity baseline.
func (h *harness) start(t *testing.T) {
	t.Helper()
	h.activate()
	h.counters.Advance(1000, 20_000, 20_000)
	h.est.Tick()
	require.Equal(t, 1, h.radio.Pending())
	require.True(t, h.radio.Reply(h.trace.Current()))
}

// window runs five one-second high-traffic ticks moving tx/rx bytes in total,
// then answers the poll issued on the last tick with the given active times.
func (h *harness) window(t *testing.T, tx, rx, txMs, rxMs int64) {
	t.Helper()
	for i := 0; i < 5; i++ {
		h.counters.Advance(1000, tx/5, rx/5)
		h.est.Tick()
	}
	require.Equal(t, 1, h.radio.Pending(), "one poll per window")
	require.True(t, h.radio.Reply(h.trace.Next(5000, txMs, rxMs)))
}

// =============================================================================
// Construction
// =============================================================================

func TestNewEstimator_MissingCollaborator(t *testing.T) {
	_, err := lbe.NewEstimator(lbe.DefaultConfig(), lbe.Environment{
		Counters: testutil.NewFakeCounters(),
		Carrier:  testutil.NewStaticCarrier(lbe.Bounds{}),
		Consumer: &testutil.RecordingConsumer{},
	})
	require.ErrorIs(t, err, lbe.ErrMissingCollaborator)
	assert.Contains(t, err.Error(), "radio")
}

func TestNewEstimator_InvalidConfig(t *testing.T) {
	config := lbe.DefaultConfig()
	config.Stats.CountThreshold = -1
	_, err := lbe.NewEstimator(config, lbe.Environment{
		Counters: testutil.NewFakeCounters(),
		Radio:    testutil.NewFakeRadio(),
		Carrier:  testutil.NewStaticCarrier(lbe.Bounds{}),
		Consumer: &testutil.RecordingConsumer{},
	})
	require.ErrorIs(t, err, lbe.ErrInvalidConfig)
}

func TestNewEstimator_ZeroConfigUsesDefaults(t *testing.T) {
	h := newHarness(t, lbe.Config{})
	config := h.est.Config()

	assert.Equal(t, time.Second, h.est.TickInterval())
	assert.Equal(t, 5, config.Stats.CountThreshold)
	assert.Equal(t, 1024, config.Stats.MaxTrackedCells)
	assert.Equal(t, 10*time.Second, config.Poller.MaxActivityWindow)
	assert.Equal(t, lbe.StateIdle, h.est.State())
}

// =============================================================================
// Threshold gating
// =============================================================================

func TestEstimator_LowTrafficNoPoll(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()

	for i := 0; i < 10; i++ {
		h.counters.Advance(2100, 10_000, 10_000)
		h.est.Tick()
	}
	assert.Equal(t, 0, h.radio.Requests())
}

func TestEstimator_HighTrafficSinglePollInFlight(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()

	for i := 0; i < 30; i++ {
		h.counters.Advance(1000, 20_000, 20_000)
		h.est.Tick()
	}
	assert.Equal(t, 1, h.radio.Requests(), "no second poll while one is in flight")
	assert.True(t, h.est.Snapshot().PollInFlight)
}

func TestEstimator_IdleTicksIgnored(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.est.HandleScreenState(true)

	for i := 0; i < 5; i++ {
		h.counters.Advance(1000, 1_000_000, 1_000_000)
		h.est.Tick()
	}
	assert.Equal(t, 0, h.radio.Requests())
	assert.Equal(t, 0, h.consumer.Count())
}

func TestEstimator_ModerateTrafficTwoPolls(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.counters.Advance(4100, 0, 0)
	h.activate()
	require.Equal(t, 1, h.consumer.Count())

	// 20 kB of rx over 2.1 s is about 76 kbps.
	h.counters.Advance(2100, 10_000, 20_000)
	h.est.Tick()
	require.Equal(t, 1, h.radio.Requests())
	require.True(t, h.radio.Reply(h.trace.Current()))

	h.counters.Advance(5100, 100_000, 200_000)
	h.est.Tick()
	require.Equal(t, 2, h.radio.Requests())
	require.True(t, h.radio.Reply(h.trace.Next(5100, 500, 1000)))

	assert.Equal(t, []lbe.PollResult{lbe.PollBaseline, lbe.PollSampled}, h.observer.completed)
	require.Len(t, h.observer.samples, 1)
	assert.InDelta(t, 1600.0, h.observer.samples[0].TxKbps, 1e-9)
	assert.InDelta(t, 1600.0, h.observer.samples[0].RxKbps, 1e-9)

	last, ok := h.consumer.Last()
	require.True(t, ok)
	assert.True(t, last.SameRates(lteDefaults))
}

// =============================================================================
// Active-time sampling and fallback hierarchy
// =============================================================================

func TestEstimator_ColdStartPublishesCarrierDefaults(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.start(t)

	// 100 kB of tx over 100 ms and 200 kB of rx over 200 ms of radio time.
	h.window(t, 100_000, 200_000, 100, 200)

	require.Len(t, h.observer.samples, 1)
	assert.InDelta(t, 8000.0, h.observer.samples[0].TxKbps, 1e-9)
	assert.InDelta(t, 8000.0, h.observer.samples[0].RxKbps, 1e-9)

	last, ok := h.consumer.Last()
	require.True(t, ok)
	assert.True(t, last.SameRates(lteDefaults), "one sample does not beat the carrier default")
	assert.Equal(t, 1, h.consumer.Count())
}

func TestEstimator_CellStatisticsReplaceDefaultsAtThreshold(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.start(t)

	// 4000 kbps tx, 10000 kbps rx.
	for i := 0; i < 4; i++ {
		h.window(t, 100_000, 500_000, 200, 400)
	}
	assert.Equal(t, 1, h.consumer.Count(), "below the threshold defaults stay")

	h.window(t, 100_000, 500_000, 200, 400)
	last, _ := h.consumer.Last()
	assert.Equal(t, lbe.Estimate{TxKbps: 4000, RxKbps: 10000, TxSource: lbe.SourceCell, RxSource: lbe.SourceCell}, last)
	assert.Equal(t, 2, h.consumer.Count())

	// Identical samples keep the estimate stable and unpublished.
	for i := 0; i < 5; i++ {
		h.window(t, 100_000, 500_000, 200, 400)
	}
	assert.Equal(t, 2, h.consumer.Count())
	assert.Equal(t, []lbe.Reason{lbe.ReasonActivated, lbe.ReasonSample}, h.observer.reasons)
}

func TestEstimator_ImplausibleRateDiscarded(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.start(t)

	// 100 kB of tx in 2 ms is 400000 kbps, above 15x the 15000 kbps default.
	h.window(t, 100_000, 500_000, 2, 400)

	cells := h.est.Cells()
	require.Len(t, cells, 1)
	assert.Equal(t, 0, cells[0].Stats.TxCount)
	assert.Equal(t, 1, cells[0].Stats.RxCount)
}

func TestEstimator_FallbackDefaultsDoNotCapRates(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.est.HandleCellChanged(homeCellA)
	h.est.HandleScreenState(true)
	h.est.HandleDefaultNetwork(lbe.TransportCellular)
	require.True(t, h.est.Snapshot().Defaults.Fallback)

	h.counters.Advance(1000, 20_000, 20_000)
	h.est.Tick()
	require.True(t, h.radio.Reply(h.trace.Current()))

	// 8000 kbps is far above 15x the 100/200 kbps fallback.
	h.window(t, 100_000, 200_000, 100, 200)

	require.Len(t, h.observer.samples, 1)
	assert.True(t, h.observer.samples[0].HasTx)
	assert.True(t, h.observer.samples[0].HasRx)
	assert.InDelta(t, 8000.0, h.observer.samples[0].RxKbps, 1e-9)
}

func TestEstimator_AggregateAcrossCellsAndCarrierSwitch(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.start(t)
	for i := 0; i < 5; i++ {
		h.window(t, 100_000, 500_000, 200, 400)
	}
	require.Equal(t, 2, h.consumer.Count())

	// A new cell of the same operator inherits the aggregate, which has the
	// same rates, so nothing is republished.
	h.est.HandleCellChanged(homeCellB)
	snap := h.est.Snapshot()
	assert.Equal(t, lbe.SourceAggregate, snap.Current.TxSource)
	assert.Equal(t, 4000, snap.Current.TxKbps)
	assert.Equal(t, 2, h.consumer.Count())

	// Another operator has no history: cold start.
	h.est.HandleCellChanged(roamCell)
	last, _ := h.consumer.Last()
	assert.True(t, last.SameRates(lteDefaults))
	assert.Equal(t, lbe.SourceCarrierDefault, last.TxSource)
	assert.Equal(t, 3, h.consumer.Count())

	// Coming home restores the cell statistics.
	h.est.HandleCellChanged(homeCellA)
	last, _ = h.consumer.Last()
	assert.Equal(t, 4000, last.TxKbps)
	assert.Equal(t, lbe.SourceCell, last.TxSource)
}

func TestEstimator_EvictsLeastRecentlyUsedCells(t *testing.T) {
	config := lbe.DefaultConfig()
	config.Stats.MaxTrackedCells = 2
	h := newHarness(t, config)
	h.start(t)

	for _, cell := range []lbe.CellKey{homeCellA, homeCellB, homeCellC} {
		h.est.HandleCellChanged(cell)
		h.window(t, 100_000, 500_000, 200, 400)
	}

	assert.Equal(t, 2, h.est.Snapshot().TrackedCells)
	assert.Equal(t, []lbe.CellKey{homeCellA}, h.observer.evicted)
}

// =============================================================================
// Topology
// =============================================================================

func TestEstimator_ActivationRequiresScreenAndCellular(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.est.HandleRadioTechChanged(lbe.TechLTE)

	h.est.HandleDefaultNetwork(lbe.TransportCellular)
	assert.Equal(t, lbe.StateIdle, h.est.State(), "screen off")

	h.est.HandleScreenState(true)
	assert.Equal(t, lbe.StateActive, h.est.State())
	assert.Equal(t, 1, h.consumer.Count())

	h.est.HandleDefaultNetwork(lbe.TransportWiFi)
	assert.Equal(t, lbe.StateIdle, h.est.State(), "wifi default network")

	h.est.HandleDefaultNetwork(lbe.TransportCellular | lbe.TransportVPN)
	assert.Equal(t, lbe.StateActive, h.est.State(), "vpn over cellular")

	h.est.HandleScreenState(false)
	assert.Equal(t, lbe.StateIdle, h.est.State())
	assert.Equal(t,
		[]lbe.State{lbe.StateActive, lbe.StateIdle, lbe.StateActive, lbe.StateIdle},
		h.observer.states)
}

func TestEstimator_ToggleNetworkIsIdempotent(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()
	require.Equal(t, 1, h.consumer.Count())

	for i := 0; i < 3; i++ {
		h.est.HandleDefaultNetwork(0)
		// Traffic while idle is not attributed to the next active period.
		h.counters.Advance(60_000, 5_000_000, 5_000_000)
		h.est.HandleDefaultNetwork(lbe.TransportCellular)

		h.counters.Advance(1000, 0, 0)
		h.est.Tick()
	}
	assert.Equal(t, 0, h.radio.Requests())
	assert.Equal(t, 1, h.consumer.Count())
}

func TestEstimator_StaleReplyAfterIdleIgnored(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()
	h.counters.Advance(1000, 20_000, 20_000)
	h.est.Tick()
	require.Equal(t, 1, h.radio.Pending())

	h.est.HandleScreenState(false)
	h.est.HandleScreenState(true)
	assert.False(t, h.est.Snapshot().PollInFlight)

	h.radio.Reply(h.trace.Current())
	assert.Equal(t, []lbe.PollResult{lbe.PollStale}, h.observer.completed)

	h.counters.Advance(5000, 100_000, 100_000)
	h.est.Tick()
	assert.Equal(t, 2, h.radio.Requests())
	h.radio.Reply(h.trace.Next(5000, 0, 0))
	assert.Equal(t, []lbe.PollResult{lbe.PollStale, lbe.PollBaseline}, h.observer.completed)
}

func TestEstimator_HandleActivityInfoWithoutPoll(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()

	h.est.HandleActivityInfo(h.trace.Current())
	assert.Equal(t, []lbe.PollResult{lbe.PollStale}, h.observer.completed)
}

// =============================================================================
// Forced republish
// =============================================================================

func TestEstimator_CarrierConfigChangeForcesRepublish(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()

	h.carrier.Set("LTE", lbe.Bounds{TxKbps: 20000, RxKbps: 40000})
	h.est.HandleCarrierConfigChanged()
	last, _ := h.consumer.Last()
	assert.True(t, last.SameRates(lbe.Estimate{TxKbps: 20000, RxKbps: 40000}))

	// Same values still republish because the cause changed.
	h.est.HandleCarrierConfigChanged()
	assert.Equal(t, 3, h.consumer.Count())
}

func TestEstimator_RadioTechChangeForcesRepublish(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()

	h.est.HandleRadioTechChanged(lbe.TechNR)
	last, _ := h.consumer.Last()
	assert.True(t, last.SameRates(lbe.Estimate{TxKbps: 20000, RxKbps: 100000}))
	assert.Equal(t, lbe.RATClass("NR"), h.est.Snapshot().RAT)

	h.est.HandleRadioTechChanged(lbe.TechNR)
	assert.Equal(t, 2, h.consumer.Count(), "unchanged technology is not an event")
}

func TestEstimator_NRFrequencyOnlyMatters(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()
	h.est.HandleRadioTechChanged(lbe.TechNR)
	require.Equal(t, 2, h.consumer.Count())

	h.est.HandleNRFrequencyChanged(lbe.FrequencyMid)
	assert.Equal(t, 2, h.consumer.Count(), "still sub-6 NR")

	h.est.HandleNRFrequencyChanged(lbe.FrequencyMMWave)
	last, _ := h.consumer.Last()
	assert.True(t, last.SameRates(lbe.Estimate{TxKbps: 50000, RxKbps: 500000}))
	assert.Equal(t, lbe.RATClass("NR_MMWAVE"), h.est.Snapshot().RAT)

	h.est.HandleNRFrequencyChanged(lbe.FrequencyHigh)
	last, _ = h.consumer.Last()
	assert.True(t, last.SameRates(lbe.Estimate{TxKbps: 20000, RxKbps: 100000}))
	assert.Equal(t, 4, h.consumer.Count())
}

func TestEstimator_SignalLevelForcesRepublish(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()

	h.est.HandleSignalLevelChanged(3)
	assert.Equal(t, 2, h.consumer.Count())
	h.est.HandleSignalLevelChanged(3)
	assert.Equal(t, 2, h.consumer.Count())
	h.est.HandleSignalLevelChanged(4)
	assert.Equal(t, 3, h.consumer.Count())
	assert.Equal(t, lbe.ReasonSignalLevel, h.observer.reasons[2])
}

func TestEstimator_NoPublishWhileIdle(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.est.HandleRadioTechChanged(lbe.TechLTE)
	h.est.HandleCarrierConfigChanged()
	h.est.HandleSignalLevelChanged(2)
	h.est.HandleCellChanged(homeCellA)
	assert.Equal(t, 0, h.consumer.Count())

	// Defaults refreshed while idle are picked up on activation.
	h.carrier.Set("LTE", lbe.Bounds{TxKbps: 1000, RxKbps: 2000})
	h.est.HandleCarrierConfigChanged()
	h.est.HandleScreenState(true)
	h.est.HandleDefaultNetwork(lbe.TransportCellular)
	last, _ := h.consumer.Last()
	assert.True(t, last.SameRates(lbe.Estimate{TxKbps: 1000, RxKbps: 2000}))
}

// =============================================================================
// Logging
// =============================================================================

func TestEstimator_LogsStateAndPublishes(t *testing.T) {
	core, logs := zapobserver.New(zapcore.InfoLevel)
	h := newHarness(t, lbe.DefaultConfig(), lbe.WithLogger(zap.New(core)))
	h.activate()

	states := logs.FilterMessage("estimator state changed").All()
	require.Len(t, states, 1)
	assert.Equal(t, "Active", states[0].ContextMap()["state"])

	published := logs.FilterMessage("publishing link bandwidth estimate").All()
	require.Len(t, published, 1)
	assert.Equal(t, "publisher", published[0].LoggerName)
	assert.Equal(t, int64(30000), published[0].ContextMap()["rx_kbps"])
	assert.Equal(t, "activated", published[0].ContextMap()["reason"])
}

// =============================================================================
// Poll timeout
// =============================================================================

func TestEstimator_PollTimeoutRearmsGate(t *testing.T) {
	config := lbe.DefaultConfig()
	config.Poller.PollTimeout = 3 * time.Second
	h := newHarness(t, config)
	h.activate()

	for i := 0; i < 6; i++ {
		h.counters.Advance(1000, 20_000, 20_000)
		h.est.Tick()
	}
	assert.Equal(t, 2, h.radio.Requests(), "unanswered poll re-armed after the timeout")

	h.radio.Reply(h.trace.Current())
	h.radio.Reply(h.trace.Current())
	assert.Equal(t, []lbe.PollResult{lbe.PollStale, lbe.PollBaseline}, h.observer.completed)
}

func TestEstimator_NoPollTimeoutByDefault(t *testing.T) {
	h := newHarness(t, lbe.DefaultConfig())
	h.activate()

	for i := 0; i < 120; i++ {
		h.counters.Advance(1000, 20_000, 20_000)
		h.est.Tick()
	}
	assert.Equal(t, 1, h.radio.Requests())
}
