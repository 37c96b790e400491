package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SubackPacket represents an MQTT SUBACK control packet.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []uint8
}

// Type returns the packet type.
func (p *SubackPacket) Type() uint8 {
	return Suback
}

// WriteTo writes the SUBACK packet to w.
func (p *SubackPacket) WriteTo(w io.Writer) (int64, error) {
	header := &FixedHeader{
		PacketType:      Suback,
		Flags:           0,
		RemainingLength: 2 + len(p.ReturnCodes),
	}

	total, err := header.WriteTo(w)
	if err != nil {
		return total, err
	}

	var packetIDBytes [2]byte
	binary.BigEndian.PutUint16(packetIDBytes[:], p.PacketID)
	n, err := w.Write(packetIDBytes[:])
	total += int64(n)
	if err != nil {
		return total, err
	}

	n, err = w.Write(p.ReturnCodes)
	total += int64(n)
	return total, err
}

// DecodeSuback decodes a SUBACK packet from buf.
func DecodeSuback(buf []byte) (*SubackPacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for SUBACK packet")
	}

	pkt := &SubackPacket{
		PacketID: binary.BigEndian.Uint16(buf[0:2]),
	}

	if len(buf) > 2 {
		pkt.ReturnCodes = make([]uint8, len(buf)-2)
		copy(pkt.ReturnCodes, buf[2:])
	}

	return pkt, nil
}
