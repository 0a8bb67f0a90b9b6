package lbe

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ErrRouterClosed is returned when posting to a Router whose Run loop has
// exited.
var ErrRouterClosed = errors.New("lbe: router closed")

// DefaultInboxSize is the inbox capacity used when RouterConfig.InboxSize is
// zero.
const DefaultInboxSize = 64

// RouterConfig configures a Router.
type RouterConfig struct {
	// InboxSize is the number of events buffered before posters block.
	// Default: 64.
	InboxSize int

	// Clock drives the sampling ticker. Default: the system clock.
	Clock clock.Clock

	// Logger receives router lifecycle logs. Default: no-op.
	Logger *zap.Logger
}

type event func(*Estimator)

// Router serializes every input of an Estimator onto one goroutine.
//
// Topology and configuration events, activity replies and sampling ticks
// are executed one at a time by Run. The sampling ticker only runs while the
// estimator is active. All posting methods are safe for concurrent use.
type Router struct {
	est   *Estimator
	clock clock.Clock
	log   *zap.Logger

	inbox   chan event
	done    chan struct{}
	running atomic.Bool
}

// NewRouter creates a router owning est. After this call est must only be
// touched through the router.
func NewRouter(est *Estimator, config RouterConfig) *Router {
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultInboxSize
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	r := &Router{
		est:   est,
		clock: config.Clock,
		log:   config.Logger,
		inbox: make(chan event, config.InboxSize),
		done:  make(chan struct{}),
	}
	est.deliver = r.deliverActivity
	return r
}

// Run processes events until ctx is done. It returns nil on cancellation and
// an error if called more than once.
func (r *Router) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("lbe: router already running")
	}
	defer close(r.done)

	var ticker *clock.Ticker
	var tickC <-chan time.Time
	arm := func() {
		switch {
		case r.est.Sampling() && ticker == nil:
			ticker = r.clock.Ticker(r.est.TickInterval())
			tickC = ticker.C
			r.log.Debug("sampling ticker armed", zap.Duration("interval", r.est.TickInterval()))
		case !r.est.Sampling() && ticker != nil:
			ticker.Stop()
			ticker, tickC = nil, nil
			r.log.Debug("sampling ticker disarmed")
		}
	}
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	arm()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-r.inbox:
			ev(r.est)
			arm()
		case <-tickC:
			r.est.Tick()
		}
	}
}

// Done is closed when Run has returned.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

func (r *Router) post(ctx context.Context, ev event) error {
	select {
	case <-r.done:
		return ErrRouterClosed
	default:
	}
	select {
	case r.inbox <- ev:
		return nil
	case <-r.done:
		return ErrRouterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliverActivity re-enters an activity reply through the inbox. It never
// blocks the caller, which may be the loop goroutine itself.
func (r *Router) deliverActivity(seq uint64, info ActivityInfo) {
	ev := func(e *Estimator) { e.handleActivityReply(seq, info) }
	select {
	case r.inbox <- ev:
	case <-r.done:
	default:
		go func() {
			if err := r.post(context.Background(), ev); err != nil {
				r.log.Debug("dropping activity reply", zap.Uint64("seq", seq), zap.Error(err))
			}
		}()
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (r *Router) Do(ctx context.Context, fn func(*Estimator)) error {
	finished := make(chan struct{})
	if err := r.post(ctx, func(e *Estimator) {
		fn(e)
		close(finished)
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		// Run may have executed fn just before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrRouterClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every event posted before the call has been handled.
func (r *Router) Flush(ctx context.Context) error {
	return r.Do(ctx, func(*Estimator) {})
}

// Snapshot returns the estimator state as seen by the loop goroutine.
func (r *Router) Snapshot(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := r.Do(ctx, func(e *Estimator) { s = e.Snapshot() })
	return s, err
}

// Cells returns the tracked cell statistics.
func (r *Router) Cells(ctx context.Context) ([]CellSnapshot, error) {
	var cells []CellSnapshot
	err := r.Do(ctx, func(e *Estimator) { cells = e.Cells() })
	return cells, err
}

// ScreenState posts a screen on/off event.
func (r *Router) ScreenState(on bool) error {
	return r.post(context.Background(), func(e *Estimator) { e.HandleScreenState(on) })
}

// DefaultNetwork posts a default network change.
func (r *Router) DefaultNetwork(t Transports) error {
	return r.post(context.Background(), func(e *Estimator) { e.HandleDefaultNetwork(t) })
}

// CellChanged posts a serving cell change.
func (r *Router) CellChanged(cell CellKey) error {
	return r.post(context.Background(), func(e *Estimator) { e.HandleCellChanged(cell) })
}

// RadioTechChanged posts a data radio technology change.
func (r *Router) RadioTechChanged(tech RadioTech) error {
	return r.post(context.Background(), func(e *Estimator) { e.HandleRadioTechChanged(tech) })
}

// NRFrequencyChanged posts an NR frequency range change.
func (r *Router) NRFrequencyChanged(freq FrequencyRange) error {
	return r.post(context.Background(), func(e *Estimator) { e.HandleNRFrequencyChanged(freq) })
}

// SignalLevelChanged posts a signal strength level change.
func (r *Router) SignalLevelChanged(level int) error {
	return r.post(context.Background(), func(e *Estimator) { e.HandleSignalLevelChanged(level) })
}

// CarrierConfigChanged posts a carrier configuration change.
func (r *Router) CarrierConfigChanged() error {
	return r.post(context.Background(), func(e *Estimator) { e.HandleCarrierConfigChanged() })
}

// ActivityInfo posts an activity snapshot as the reply to the most recent
// poll, for sources that push snapshots instead of answering callbacks.
func (r *Router) ActivityInfo(info ActivityInfo) error {
	return r.post(context.Background(), func(e *Estimator) { e.HandleActivityInfo(info) })
}
