package interceptor

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"go.uber.org/zap"

	"github.com/thesyncim/lbe/pkg/lbe"
)

// FactoryOption configures the Factory.
type FactoryOption func(*Factory) error

// Factory creates one REMBInterceptor per PeerConnection and fans estimates
// out to all of them. It implements lbe.Consumer; register it both with the
// estimator and with the interceptor registry.
type Factory struct {
	scheduler  SchedulerConfig
	senderSSRC uint32
	onREMB     func(bitrate float32, ssrcs []uint32)
	clock      clock.Clock
	log        *zap.Logger

	bitrate atomic.Uint64 // bits per second, 0 until the first estimate

	mu           sync.Mutex
	interceptors map[*REMBInterceptor]struct{}
}

// WithREMBInterval sets how often REMB packets are sent.
// Default: 1 second
func WithREMBInterval(interval time.Duration) FactoryOption {
	return func(f *Factory) error {
		if interval <= 0 {
			return errors.New("REMB interval must be positive")
		}
		f.scheduler.Interval = interval
		return nil
	}
}

// WithDecreaseThreshold sets the relative decrease that sends a REMB
// immediately instead of waiting for the interval.
// Default: 0.03
func WithDecreaseThreshold(threshold float64) FactoryOption {
	return func(f *Factory) error {
		if threshold <= 0 || threshold > 1 {
			return errors.New("decrease threshold must be in (0, 1]")
		}
		f.scheduler.DecreaseThreshold = threshold
		return nil
	}
}

// WithSenderSSRC sets the sender SSRC for REMB packets.
// Default: 0 (many implementations use 0)
func WithSenderSSRC(ssrc uint32) FactoryOption {
	return func(f *Factory) error {
		f.senderSSRC = ssrc
		return nil
	}
}

// WithOnREMB sets a callback that is invoked each time a REMB packet is sent.
// The callback receives the bitrate and the SSRCs included in the REMB.
func WithOnREMB(fn func(bitrate float32, ssrcs []uint32)) FactoryOption {
	return func(f *Factory) error {
		f.onREMB = fn
		return nil
	}
}

// WithClock sets the clock driving REMB timing. Default: the system clock.
func WithClock(c clock.Clock) FactoryOption {
	return func(f *Factory) error {
		if c == nil {
			return errors.New("clock must not be nil")
		}
		f.clock = c
		return nil
	}
}

// WithLogger sets the logger. Default: no-op.
func WithLogger(log *zap.Logger) FactoryOption {
	return func(f *Factory) error {
		if log != nil {
			f.log = log
		}
		return nil
	}
}

// NewFactory creates a new Factory.
//
// Example:
//
//	factory, err := NewFactory(
//	    WithREMBInterval(500*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewFactory(opts ...FactoryOption) (*Factory, error) {
	f := &Factory{
		scheduler:    DefaultSchedulerConfig(),
		clock:        clock.New(),
		log:          zap.NewNop(),
		interceptors: make(map[*REMBInterceptor]struct{}),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// NewInterceptor creates a new REMBInterceptor for a PeerConnection.
// This method is called by the interceptor registry when setting up a connection.
func (f *Factory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	i := newREMBInterceptor(f, f.log.With(zap.String("pc", id)))
	f.mu.Lock()
	f.interceptors[i] = struct{}{}
	f.mu.Unlock()
	return i, nil
}

// UpdateLinkBandwidthEstimation implements lbe.Consumer. The downlink
// estimate becomes the advertised REMB bitrate.
func (f *Factory) UpdateLinkBandwidthEstimation(est lbe.Estimate) {
	if est.RxKbps <= 0 {
		return
	}
	bps := uint64(est.RxKbps) * 1000
	prev := f.bitrate.Swap(bps)
	if prev == bps {
		return
	}
	f.log.Debug("downlink estimate updated", zap.Uint64("bitrate_bps", bps), zap.Uint64("previous_bps", prev))

	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.interceptors {
		i.wake()
	}
}

// Bitrate returns the advertised bitrate in bits per second, or 0 before the
// first estimate.
func (f *Factory) Bitrate() uint64 {
	return f.bitrate.Load()
}

// Interceptors returns the number of live interceptors.
func (f *Factory) Interceptors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.interceptors)
}

func (f *Factory) remove(i *REMBInterceptor) {
	f.mu.Lock()
	delete(f.interceptors, i)
	f.mu.Unlock()
}
