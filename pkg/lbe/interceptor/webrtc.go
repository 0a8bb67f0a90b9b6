package interceptor

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ConfigureWebRTC negotiates goog-remb feedback for video on m and adds the
// factory to r.
func ConfigureWebRTC(m *webrtc.MediaEngine, r *interceptor.Registry, f *Factory) {
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBGoogREMB}, webrtc.RTPCodecTypeVideo)
	r.Add(f)
}
