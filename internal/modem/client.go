// Package modem connects to a modem agent over websocket and serves radio
// activity snapshots to the estimator.
//
// The agent speaks JSON text frames. The client sends
//
//	{"type":"request_activity_info","id":7}
//
// and the agent answers with
//
//	{"type":"activity_info","id":7,"info":{...}}
package modem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thesyncim/lbe/pkg/lbe"
)

// ErrAgentUnavailable is reported while no agent connection is up.
var ErrAgentUnavailable = errors.New("modem: agent unavailable")

// Message types.
const (
	TypeRequest  = "request_activity_info"
	TypeActivity = "activity_info"
)

// Message is one websocket frame.
type Message struct {
	Type  string        `json:"type"`
	ID    uint64        `json:"id"`
	Info  *ActivityJSON `json:"info,omitempty"`
	Error string        `json:"error,omitempty"`
}

// ActivityJSON is the wire form of lbe.ActivityInfo.
type ActivityJSON struct {
	TimestampMs int64   `json:"timestamp_ms"`
	SleepTimeMs int64   `json:"sleep_time_ms"`
	IdleTimeMs  int64   `json:"idle_time_ms"`
	TxTimeMs    []int64 `json:"tx_time_ms"`
	RxTimeMs    int64   `json:"rx_time_ms"`
}

// ActivityInfo converts to the estimator type. Extra transmit power buckets
// are folded into the last one.
func (a ActivityJSON) ActivityInfo() lbe.ActivityInfo {
	info := lbe.ActivityInfo{
		TimestampMs: a.TimestampMs,
		SleepTimeMs: a.SleepTimeMs,
		IdleTimeMs:  a.IdleTimeMs,
		RxTimeMs:    a.RxTimeMs,
	}
	for i, v := range a.TxTimeMs {
		if i >= lbe.NumTxPowerBuckets {
			i = lbe.NumTxPowerBuckets - 1
		}
		info.TxTimeMs[i] += v
	}
	return info
}

// NewActivityJSON converts from the estimator type.
func NewActivityJSON(info lbe.ActivityInfo) *ActivityJSON {
	return &ActivityJSON{
		TimestampMs: info.TimestampMs,
		SleepTimeMs: info.SleepTimeMs,
		IdleTimeMs:  info.IdleTimeMs,
		TxTimeMs:    append([]int64(nil), info.TxTimeMs[:]...),
		RxTimeMs:    info.RxTimeMs,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithDialer sets the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithBackoff sets the reconnect delay bounds. The delay doubles after each
// failed attempt.
func WithBackoff(minDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		if minDelay > 0 && maxDelay >= minDelay {
			c.minBackoff, c.maxBackoff = minDelay, maxDelay
		}
	}
}

type request func(lbe.ActivityInfo)

// Client implements lbe.ActivitySource over a websocket connection that Run
// keeps open.
type Client struct {
	url          string
	dialer       *websocket.Dialer
	log          *zap.Logger
	minBackoff   time.Duration
	maxBackoff   time.Duration
	writeTimeout time.Duration

	requests  chan request
	connected atomic.Bool
	running   atomic.Bool

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]request
}

// NewClient creates a client for the agent at url.
func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		dialer:       websocket.DefaultDialer,
		log:          zap.NewNop(),
		minBackoff:   500 * time.Millisecond,
		maxBackoff:   30 * time.Second,
		writeTimeout: 5 * time.Second,
		requests:     make(chan request, 16),
		pending:      make(map[uint64]request),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connected reports whether an agent connection is up.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Health returns ErrAgentUnavailable while disconnected.
func (c *Client) Health() error {
	if !c.Connected() {
		return ErrAgentUnavailable
	}
	return nil
}

// Pending returns the number of requests awaiting a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RequestActivityInfo implements lbe.ActivitySource. While disconnected the
// request is dropped and never answered.
func (c *Client) RequestActivityInfo(reply func(lbe.ActivityInfo)) {
	if !c.Connected() {
		c.log.Debug("dropping activity request", zap.Error(ErrAgentUnavailable))
		return
	}
	select {
	case c.requests <- reply:
	default:
		c.log.Warn("activity request queue full, dropping request")
	}
}

// Run keeps a connection to the agent until ctx is done, reconnecting with
// backoff. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("modem: client already running")
	}
	defer c.running.Store(false)

	delay := c.minBackoff
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			c.log.Info("modem agent connected", zap.String("url", c.url))
			delay = c.minBackoff
			err = c.serve(ctx, conn)
		} else {
			err = fmt.Errorf("%w: %v", ErrAgentUnavailable, err)
		}
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("modem agent connection lost", zap.Error(err), zap.Duration("retry_in", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	c.drainRequests()
	c.connected.Store(true)
	defer func() {
		c.connected.Store(false)
		_ = conn.Close()
		c.dropPending()
	}()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case reply := <-c.requests:
			c.mu.Lock()
			c.nextID++
			id := c.nextID
			c.pending[id] = reply
			c.mu.Unlock()

			_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := conn.WriteJSON(Message{Type: TypeRequest, ID: id}); err != nil {
				return fmt.Errorf("write request %d: %w", id, err)
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type != TypeActivity {
			c.log.Debug("ignoring agent message", zap.String("type", msg.Type))
			continue
		}

		c.mu.Lock()
		reply, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.mu.Unlock()

		switch {
		case !ok:
			c.log.Debug("reply for unknown request", zap.Uint64("id", msg.ID))
		case msg.Error != "" || msg.Info == nil:
			// The request stays unanswered; the estimator's poll timeout
			// re-arms polling.
			c.log.Warn("agent failed activity request", zap.Uint64("id", msg.ID), zap.String("error", msg.Error))
		default:
			reply(msg.Info.ActivityInfo())
		}
	}
}

// dropPending forgets requests sent on a lost connection.
func (c *Client) dropPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.pending); n > 0 {
		c.log.Debug("dropping unanswered activity requests", zap.Int("count", n))
	}
	c.pending = make(map[uint64]request)
}

// drainRequests discards requests queued before the connection came up.
func (c *Client) drainRequests() {
	for {
		select {
		case <-c.requests:
		default:
			return
		}
	}
}
