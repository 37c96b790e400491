package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// UnsubackPacket represents an MQTT UNSUBACK control packet.
type UnsubackPacket struct {
	PacketID uint16
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() uint8 {
	return Unsuback
}

// WriteTo writes the UNSUBACK packet to w.
func (p *UnsubackPacket) WriteTo(w io.Writer) (int64, error) {
	header := &FixedHeader{
		PacketType:      Unsuback,
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

// DecodeUnsuback decodes an UNSUBACK packet from buf.
func DecodeUnsuback(buf []byte) (*UnsubackPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for UNSUBACK packet")
	}
	return &UnsubackPacket{PacketID: binary.BigEndian.Uint16(buf[0:2])}, nil
}
