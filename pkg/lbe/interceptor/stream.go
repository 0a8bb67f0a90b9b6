package interceptor

import (
	"sync/atomic"
	"time"
)

// streamState tracks the activity of one remote stream. The reader updates
// it on every packet while the send loop reads it, so fields are atomic.
type streamState struct {
	ssrc       uint32
	lastPacket atomic.Int64 // unix nanoseconds
	bytes      atomic.Uint64
}

func newStreamState(ssrc uint32, now time.Time) *streamState {
	s := &streamState{ssrc: ssrc}
	s.lastPacket.Store(now.UnixNano())
	return s
}

// observe records a packet of n bytes received at now.
func (s *streamState) observe(n int, now time.Time) {
	s.lastPacket.Store(now.UnixNano())
	s.bytes.Add(uint64(n))
}

// LastPacket returns the arrival time of the most recent packet.
func (s *streamState) LastPacket() time.Time {
	return time.Unix(0, s.lastPacket.Load())
}

// Bytes returns the number of RTP bytes read on the stream.
func (s *streamState) Bytes() uint64 {
	return s.bytes.Load()
}
