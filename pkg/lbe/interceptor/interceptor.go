package interceptor

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

const (
	// streamTimeout is how long to keep tracking an inactive stream.
	// Streams with no packets for this duration are removed.
	streamTimeout = 2 * time.Second
)

// REMBInterceptor is a Pion interceptor that advertises the link bandwidth
// estimate of its Factory as REMB feedback for every active remote stream.
type REMBInterceptor struct {
	interceptor.NoOp

	factory *Factory
	clock   clock.Clock
	log     *zap.Logger
	streams sync.Map // SSRC (uint32) -> *streamState

	mu         sync.Mutex
	rtcpWriter interceptor.RTCPWriter
	scheduler  *scheduler

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

func newREMBInterceptor(f *Factory, log *zap.Logger) *REMBInterceptor {
	return &REMBInterceptor{
		factory:   f,
		clock:     f.clock,
		log:       log,
		scheduler: newScheduler(f.scheduler),
		notify:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
}

// Close shuts down the interceptor and releases resources.
func (i *REMBInterceptor) Close() error {
	i.closeOnce.Do(func() {
		close(i.closed)
		i.factory.remove(i)
	})
	i.wg.Wait()
	return nil
}

// BindRTCPWriter is called by Pion when the RTCP writer is ready.
// It captures the writer for sending REMB packets and starts the send loop.
func (i *REMBInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	i.startOnce.Do(func() {
		ticker := i.clock.Ticker(i.factory.scheduler.Interval)
		i.wg.Add(1)
		go i.loop(ticker)
	})
	return writer
}

// BindRemoteStream is called by Pion when a new remote stream is detected.
// It tracks the stream and wraps the reader to observe its packets.
func (i *REMBInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	i.streams.Store(info.SSRC, newStreamState(info.SSRC, i.clock.Now()))

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err == nil && n > 0 {
			i.observeRTP(b[:n], info.SSRC)
		}
		return n, a, err
	})
}

// UnbindRemoteStream is called by Pion when a remote stream is removed.
func (i *REMBInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.streams.Delete(info.SSRC)
}

func (i *REMBInterceptor) observeRTP(raw []byte, ssrc uint32) {
	var header rtp.Header
	if _, err := header.Unmarshal(raw); err != nil {
		return
	}
	now := i.clock.Now()
	state, ok := i.streams.Load(header.SSRC)
	if !ok {
		// RTX or a renegotiated SSRC arriving on a bound stream.
		state, ok = i.streams.Load(ssrc)
	}
	if ok {
		state.(*streamState).observe(len(raw), now)
	}
}

// wake asks the loop to re-evaluate without blocking.
func (i *REMBInterceptor) wake() {
	select {
	case i.notify <- struct{}{}:
	default:
	}
}

func (i *REMBInterceptor) loop(ticker *clock.Ticker) {
	defer i.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case now := <-ticker.C:
			i.cleanupInactiveStreams(now)
			i.maybeSendREMB(now)
		case <-i.notify:
			i.maybeSendREMB(i.clock.Now())
		}
	}
}

// ssrcs returns the tracked remote SSRCs.
func (i *REMBInterceptor) ssrcs() []uint32 {
	var out []uint32
	i.streams.Range(func(key, _ any) bool {
		out = append(out, key.(uint32))
		return true
	})
	return out
}

// maybeSendREMB sends the current estimate when the scheduler allows it.
func (i *REMBInterceptor) maybeSendREMB(now time.Time) {
	bitrate := i.factory.Bitrate()
	if bitrate == 0 {
		return
	}
	ssrcs := i.ssrcs()
	if len(ssrcs) == 0 {
		return
	}

	i.mu.Lock()
	writer := i.rtcpWriter
	due := writer != nil && i.scheduler.due(bitrate, now)
	if due {
		i.scheduler.record(bitrate, now)
	}
	i.mu.Unlock()
	if !due {
		return
	}

	pkt := NewREMB(i.factory.senderSSRC, bitrate, ssrcs)
	if _, err := writer.Write([]rtcp.Packet{pkt}, nil); err != nil {
		i.log.Debug("REMB write failed", zap.Error(err))
		return
	}
	if i.factory.onREMB != nil {
		i.factory.onREMB(pkt.Bitrate, pkt.SSRCs)
	}
}

// cleanupInactiveStreams removes streams that haven't received packets
// for longer than streamTimeout.
func (i *REMBInterceptor) cleanupInactiveStreams(now time.Time) {
	i.streams.Range(func(key, value any) bool {
		if now.Sub(value.(*streamState).LastPacket()) > streamTimeout {
			i.streams.Delete(key)
		}
		return true
	})
}
