package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// PubrecPacket represents an MQTT PUBREC control packet (QoS 2, step 1).
type PubrecPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *PubrecPacket) Type() uint8 {
	return Pubrec
}

// WriteTo writes the PUBREC packet to w.
func (p *PubrecPacket) WriteTo(w io.Writer) (int64, error) {
	header := &FixedHeader{
		PacketType:      Pubrec,
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

// DecodePubrec decodes a PUBREC packet from buf.
func DecodePubrec(buf []byte) (*PubrecPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for PUBREC packet")
	}
	return &PubrecPacket{PacketID: binary.BigEndian.Uint16(buf[0:2])}, nil
}
