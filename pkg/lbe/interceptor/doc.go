// Package interceptor provides a Pion WebRTC interceptor that advertises the
// cellular downlink estimate to remote senders as REMB (Receiver Estimated
// Maximum Bitrate) RTCP feedback.
//
// The Factory is both an interceptor.Factory and an lbe.Consumer: wire it as
// the estimator's consumer and register it with the interceptor registry of
// every PeerConnection that receives media over the cellular link.
//
// # Quick Start
//
//	import (
//	    "github.com/pion/interceptor"
//	    "github.com/pion/webrtc/v4"
//	    lbeint "github.com/thesyncim/lbe/pkg/lbe/interceptor"
//	)
//
//	func setupPeerConnection(f *lbeint.Factory) (*webrtc.PeerConnection, error) {
//	    m := &webrtc.MediaEngine{}
//	    if err := m.RegisterDefaultCodecs(); err != nil {
//	        return nil, err
//	    }
//	    i := &interceptor.Registry{}
//	    lbeint.ConfigureWebRTC(m, i, f)
//
//	    api := webrtc.NewAPI(
//	        webrtc.WithMediaEngine(m),
//	        webrtc.WithInterceptorRegistry(i),
//	    )
//	    return api.NewPeerConnection(webrtc.Configuration{})
//	}
//
// # How It Works
//
// 1. When a remote stream is bound (BindRemoteStream), its SSRC is tracked and
// every RTP packet read refreshes the stream's activity time.
//
// 2. When the RTCP writer is bound (BindRTCPWriter), a background goroutine
// starts sending REMB packets carrying the downlink estimate in bits per
// second for all tracked SSRCs.
//
// 3. REMB is sent at the configured interval, and immediately when a new
// estimate is a significant decrease.
//
// 4. Inactive streams (no packets for 2 seconds) are dropped from REMB.
package interceptor
