package interceptor

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/lbe/pkg/lbe"
)

// mockRTCPWriter is a test RTCPWriter that captures written packets.
type mockRTCPWriter struct {
	mu      sync.Mutex
	packets []rtcp.Packet
}

func (m *mockRTCPWriter) Write(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, pkts...)
	return len(pkts), nil
}

func (m *mockRTCPWriter) rembs() []*rtcp.ReceiverEstimatedMaximumBitrate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rtcp.ReceiverEstimatedMaximumBitrate
	for _, p := range m.packets {
		if remb, ok := p.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
			out = append(out, remb)
		}
	}
	return out
}

// mockRTPReader returns the same packet on every read.
type mockRTPReader struct {
	data []byte
}

func (m *mockRTPReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	return copy(b, m.data), a, nil
}

func makeRTP(t *testing.T, ssrc uint32) []byte {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: 1,
			Timestamp:      90000,
			SSRC:           ssrc,
		},
		Payload: make([]byte, 100),
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)
	return raw
}

func newTestInterceptor(t *testing.T, opts ...FactoryOption) (*Factory, *REMBInterceptor, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	factory, err := NewFactory(append([]FactoryOption{WithClock(mock)}, opts...)...)
	require.NoError(t, err)
	i, err := factory.NewInterceptor("test")
	require.NoError(t, err)
	ri := i.(*REMBInterceptor)
	t.Cleanup(func() { _ = ri.Close() })
	return factory, ri, mock
}

func waitREMBs(t *testing.T, w *mockRTCPWriter, n int) []*rtcp.ReceiverEstimatedMaximumBitrate {
	t.Helper()
	require.Eventually(t, func() bool { return len(w.rembs()) >= n }, time.Second, time.Millisecond)
	return w.rembs()
}

// =============================================================================
// Stream tracking
// =============================================================================

func TestBindRemoteStream_TracksSSRC(t *testing.T) {
	_, ri, _ := newTestInterceptor(t)

	reader := ri.BindRemoteStream(&interceptor.StreamInfo{SSRC: 0x1234}, &mockRTPReader{data: makeRTP(t, 0x1234)})
	assert.Equal(t, []uint32{0x1234}, ri.ssrcs())

	buf := make([]byte, 1500)
	n, _, err := reader.Read(buf, nil)
	require.NoError(t, err)
	assert.Greater(t, n, 100)

	state, ok := ri.streams.Load(uint32(0x1234))
	require.True(t, ok)
	assert.Equal(t, uint64(n), state.(*streamState).Bytes())
}

func TestUnbindRemoteStream(t *testing.T) {
	_, ri, _ := newTestInterceptor(t)
	info := &interceptor.StreamInfo{SSRC: 0x1234}
	ri.BindRemoteStream(info, &mockRTPReader{})

	ri.UnbindRemoteStream(info)
	assert.Empty(t, ri.ssrcs())
}

func TestStreamTimeout_RemovesInactiveStreams(t *testing.T) {
	_, ri, mock := newTestInterceptor(t)
	ri.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1}, &mockRTPReader{})

	ri.cleanupInactiveStreams(mock.Now().Add(time.Second))
	assert.Len(t, ri.ssrcs(), 1, "1s of silence is tolerated")

	ri.cleanupInactiveStreams(mock.Now().Add(3 * time.Second))
	assert.Empty(t, ri.ssrcs())
}

func TestStreamTimeout_ActiveStreamNotRemoved(t *testing.T) {
	_, ri, mock := newTestInterceptor(t)
	reader := ri.BindRemoteStream(&interceptor.StreamInfo{SSRC: 7}, &mockRTPReader{data: makeRTP(t, 7)})

	buf := make([]byte, 1500)
	for k := 0; k < 5; k++ {
		mock.Add(time.Second)
		_, _, err := reader.Read(buf, nil)
		require.NoError(t, err)
	}
	ri.cleanupInactiveStreams(mock.Now().Add(time.Second))
	assert.Equal(t, []uint32{7}, ri.ssrcs())
}

// =============================================================================
// REMB
// =============================================================================

func TestREMB_CarriesDownlinkEstimate(t *testing.T) {
	var (
		mu       sync.Mutex
		callback []float32
	)
	factory, ri, _ := newTestInterceptor(t,
		WithSenderSSRC(0xCAFE),
		WithOnREMB(func(bitrate float32, _ []uint32) {
			mu.Lock()
			callback = append(callback, bitrate)
			mu.Unlock()
		}),
	)
	writer := &mockRTCPWriter{}
	ri.BindRemoteStream(&interceptor.StreamInfo{SSRC: 0x1111}, &mockRTPReader{})
	ri.BindRTCPWriter(writer)

	factory.UpdateLinkBandwidthEstimation(lbe.Estimate{TxKbps: 15000, RxKbps: 30000})

	rembs := waitREMBs(t, writer, 1)
	assert.Equal(t, float32(30_000_000), rembs[0].Bitrate)
	assert.Equal(t, uint32(0xCAFE), rembs[0].SenderSSRC)
	assert.Equal(t, []uint32{0x1111}, rembs[0].SSRCs)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(callback) == 1
	}, time.Second, time.Millisecond)
}

func TestREMB_IntervalAndImmediateDecrease(t *testing.T) {
	factory, ri, mock := newTestInterceptor(t)
	writer := &mockRTCPWriter{}
	ri.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1}, &mockRTPReader{})
	ri.BindRTCPWriter(writer)

	factory.UpdateLinkBandwidthEstimation(lbe.Estimate{RxKbps: 30000})
	waitREMBs(t, writer, 1)

	// A small increase waits for the interval.
	factory.UpdateLinkBandwidthEstimation(lbe.Estimate{RxKbps: 31000})
	assert.Never(t, func() bool { return len(writer.rembs()) > 1 }, 50*time.Millisecond, 5*time.Millisecond)

	// Stream stays alive across the tick.
	ri.streams.Store(uint32(1), newStreamState(1, mock.Now().Add(time.Second)))
	mock.Add(time.Second)
	rembs := waitREMBs(t, writer, 2)
	assert.Equal(t, float32(31_000_000), rembs[1].Bitrate)

	// A 50% decrease goes out without waiting.
	factory.UpdateLinkBandwidthEstimation(lbe.Estimate{RxKbps: 15500})
	rembs = waitREMBs(t, writer, 3)
	assert.Equal(t, float32(15_500_000), rembs[2].Bitrate)
}

func TestREMB_NothingWithoutStreamsOrEstimate(t *testing.T) {
	factory, ri, _ := newTestInterceptor(t)
	writer := &mockRTCPWriter{}
	ri.BindRTCPWriter(writer)

	factory.UpdateLinkBandwidthEstimation(lbe.Estimate{RxKbps: 30000})
	ri.maybeSendREMB(time.Now())
	assert.Empty(t, writer.rembs(), "no remote streams")

	_, ri2, _ := newTestInterceptor(t)
	writer2 := &mockRTCPWriter{}
	ri2.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1}, &mockRTPReader{})
	ri2.BindRTCPWriter(writer2)
	ri2.maybeSendREMB(time.Now())
	assert.Empty(t, writer2.rembs(), "no estimate yet")
}

func TestREMB_WriterNotBound(t *testing.T) {
	factory, ri, mock := newTestInterceptor(t)
	ri.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1}, &mockRTPReader{})
	factory.UpdateLinkBandwidthEstimation(lbe.Estimate{RxKbps: 30000})

	assert.NotPanics(t, func() { ri.maybeSendREMB(mock.Now()) })
}

func TestClose_StopsLoop(t *testing.T) {
	factory, ri, _ := newTestInterceptor(t)
	ri.BindRTCPWriter(&mockRTCPWriter{})

	done := make(chan struct{})
	go func() {
		_ = ri.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, factory.Interceptors())

	// Updates after close must not block.
	factory.UpdateLinkBandwidthEstimation(lbe.Estimate{RxKbps: 1000})
}

// =============================================================================
// Scheduler
// =============================================================================

func TestScheduler_FirstCallAlwaysDue(t *testing.T) {
	s := newScheduler(DefaultSchedulerConfig())
	assert.True(t, s.due(1_000_000, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestScheduler_RegularInterval(t *testing.T) {
	s := newScheduler(DefaultSchedulerConfig())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.record(1_000_000, t0)

	assert.False(t, s.due(1_000_000, t0.Add(500*time.Millisecond)), "too soon")
	assert.True(t, s.due(1_000_000, t0.Add(time.Second)), "interval elapsed")
	assert.False(t, s.due(2_000_000, t0.Add(500*time.Millisecond)), "increases wait for the interval")
}

func TestScheduler_DecreaseThreshold(t *testing.T) {
	s := newScheduler(DefaultSchedulerConfig())
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.record(1_000_000, t0)

	assert.False(t, s.due(980_000, t0.Add(100*time.Millisecond)), "2% decrease")
	assert.True(t, s.due(960_000, t0.Add(100*time.Millisecond)), "4% decrease")
}
