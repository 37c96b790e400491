package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubcompPacket represents an MQTT PUBCOMP control packet (QoS 2, step 3).
type PubcompPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubcompPacket) Type() uint8 {
	return Pubcomp
}

// WriteTo writes the PUBCOMP packet to w.
func (p *PubcompPacket) WriteTo(w io.Writer) (int64, error) {
	header := &FixedHeader{
		PacketType:      Pubcomp,
		Flags:           0,
		RemainingLength: 2,
	}

	total, err := header.WriteTo(w)
	if err != nil {
		return total, err
	}

	var packetIDBytes [2]byte
	binary.BigEndian.PutUint16(packetIDBytes[:], p.PacketID)
	n, err := w.Write(packetIDBytes[:])
	total += int64(n)
	return total, err
}

// DecodePubcomp decodes a PUBCOMP packet from buf.
func DecodePubcomp(buf []byte) (*PubcompPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for PUBCOMP packet")
	}
	return &PubcompPacket{PacketID: binary.BigEndian.Uint16(buf[0:2])}, nil
}
