// Package webrtcrx terminates receive-only WebRTC sessions whose senders are
// steered by REMB feedback carrying the cellular downlink estimate.
package webrtcrx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	lbeinterceptor "github.com/thesyncim/lbe/pkg/lbe/interceptor"
)

// ErrClosed is returned by Answer after Close.
var ErrClosed = errors.New("webrtcrx: receiver closed")

// Receiver answers offers with receive-only peer connections. Every session
// gets a REMB interceptor from the shared factory.
type Receiver struct {
	factory *lbeinterceptor.Factory
	log     *zap.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[*webrtc.PeerConnection]struct{}
}

// NewReceiver creates a receiver advertising estimates from factory.
func NewReceiver(factory *lbeinterceptor.Factory, log *zap.Logger) *Receiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Receiver{
		factory:  factory,
		log:      log,
		sessions: make(map[*webrtc.PeerConnection]struct{}),
	}
}

func (r *Receiver) newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	i := &interceptor.Registry{}
	lbeinterceptor.ConfigureWebRTC(m, i, r.factory)

	// No TWCC: the sender must rely on REMB alone.
	if err := webrtc.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("rtcp reports: %w", err)
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("nack generator: %w", err)
	}
	i.Add(generator)

	return webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i)), nil
}

// Answer creates a session for offer and returns the answer once ICE
// gathering has completed.
func (r *Receiver) Answer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	api, err := r.newAPI()
	if err != nil {
		return nil, err
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	if !r.track(pc) {
		_ = pc.Close()
		return nil, ErrClosed
	}

	answer, err := r.negotiate(ctx, pc, offer)
	if err != nil {
		r.untrack(pc)
		return nil, multierr.Append(err, pc.Close())
	}
	return answer, nil
}

func (r *Receiver) negotiate(ctx context.Context, pc *webrtc.PeerConnection, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		return nil, fmt.Errorf("add transceiver: %w", err)
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.log.Info("receiving track", zap.String("codec", track.Codec().MimeType), zap.Uint32("ssrc", uint32(track.SSRC())))
		go func() {
			buf := make([]byte, 1500)
			for {
				// Reading drives the interceptor chain.
				if _, _, err := track.Read(buf); err != nil {
					r.log.Debug("track read ended", zap.Error(err))
					return
				}
			}
		}()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.log.Info("connection state", zap.Stringer("state", state))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			r.untrack(pc)
			_ = pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return pc.LocalDescription(), nil
}

func (r *Receiver) track(pc *webrtc.PeerConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.sessions[pc] = struct{}{}
	return true
}

func (r *Receiver) untrack(pc *webrtc.PeerConnection) {
	r.mu.Lock()
	delete(r.sessions, pc)
	r.mu.Unlock()
}

// Sessions returns the number of open sessions.
func (r *Receiver) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close closes every session. Later offers fail with ErrClosed.
func (r *Receiver) Close() error {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[*webrtc.PeerConnection]struct{})
	r.mu.Unlock()

	var err error
	for pc := range sessions {
		err = multierr.Append(err, pc.Close())
	}
	return err
}
