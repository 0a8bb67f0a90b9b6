package interceptor

import (
	"github.com/pion/rtcp"
)

// REMBPacket represents a REMB (Receiver Estimated Maximum Bitrate) packet.
// This is a convenience wrapper around pion/rtcp.ReceiverEstimatedMaximumBitrate.
type REMBPacket struct {
	// SenderSSRC is the SSRC of the sender of this REMB packet (us, the receiver).
	SenderSSRC uint32

	// Bitrate is the estimated maximum bitrate in bits per second.
	Bitrate uint64

	// SSRCs is the list of media source SSRCs this estimate applies to.
	SSRCs []uint32
}

// NewREMB creates the RTCP packet for a bitrate in bits per second.
func NewREMB(senderSSRC uint32, bitrateBps uint64, mediaSSRCs []uint32) *rtcp.ReceiverEstimatedMaximumBitrate {
	return &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: senderSSRC,
		Bitrate:    float32(bitrateBps),
		SSRCs:      mediaSSRCs,
	}
}

// BuildREMB creates a marshaled REMB RTCP packet. The bitrate is encoded by
// pion/rtcp using REMB's 6-bit exponent and 18-bit mantissa, so large values
// lose precision.
func BuildREMB(senderSSRC uint32, bitrateBps uint64, mediaSSRCs []uint32) ([]byte, error) {
	return NewREMB(senderSSRC, bitrateBps, mediaSSRCs).Marshal()
}

// ParseREMB parses a REMB packet from raw bytes.
func ParseREMB(data []byte) (*REMBPacket, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, err
	}
	return &REMBPacket{
		SenderSSRC: pkt.SenderSSRC,
		Bitrate:    uint64(pkt.Bitrate),
		SSRCs:      pkt.SSRCs,
	}, nil
}
