package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubrelPacket represents an MQTT PUBREL control packet (QoS 2, step 2).
// Its fixed header flags are fixed at 0x02 per the spec.
type PubrelPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrelPacket) Type() uint8 {
	return Pubrel
}

// WriteTo writes the PUBREL packet to w.
func (p *PubrelPacket) WriteTo(w io.Writer) (int64, error) {
	header := &FixedHeader{
		PacketType:      Pubrel,
		Flags:           0x02,
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

// DecodePubrel decodes a PUBREL packet from buf.
func DecodePubrel(buf []byte) (*PubrelPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for PUBREL packet")
	}
	return &PubrelPacket{PacketID: binary.BigEndian.Uint16(buf[0:2])}, nil
}
