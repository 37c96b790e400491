package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// SubscribePacket represents an MQTT SUBSCRIBE control packet.
type SubscribePacket struct {
	PacketID uint16
	Topics   []string
	QoS      []uint8 // requested QoS level for each topic
}

// Type returns the packet type.
func (p *SubscribePacket) Type() uint8 {
	return Subscribe
}

// WriteTo writes the SUBSCRIBE packet to w.
func (p *SubscribePacket) WriteTo(w io.Writer) (int64, error) {
	var total int64

	var payloadLen int
	topicBytesList := make([][]byte, len(p.Topics))
	for i, topic := range p.Topics {
		tb := encodeString(topic)
		topicBytesList[i] = tb
		payloadLen += len(tb) + 1 // topic + QoS byte
	}

	header := &FixedHeader{
		PacketType:      Subscribe,
		Flags:           0x02,
		RemainingLength: 2 + payloadLen,
	}

	hN, err := header.WriteTo(w)
	total += hN
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

	for i, tb := range topicBytesList {
		n, err = w.Write(tb)
		total += int64(n)
		if err != nil {
			return total, err
		}

		qos := uint8(QoS0)
		if i < len(p.QoS) {
			qos = p.QoS[i]
		}
		if err := binary.Write(w, binary.BigEndian, qos&0x03); err != nil {
			return total, err
		}
		total++
	}

	return total, nil
}

// DecodeSubscribe decodes a SUBSCRIBE packet from buf.
func DecodeSubscribe(buf []byte) (*SubscribePacket, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("buffer too short for SUBSCRIBE packet")
	}

	pkt := &SubscribePacket{}
	offset := 0

	pkt.PacketID = binary.BigEndian.Uint16(buf[offset : offset+2])
	offset += 2

	for offset < len(buf) {
		topic, n, err := decodeString(buf[offset:])
		if err != nil {
			return nil, fmt.Errorf("failed to decode topic filter: %w", err)
		}
		offset += n

		if offset >= len(buf) {
			return nil, fmt.Errorf("buffer too short for QoS byte")
		}
		qos := buf[offset] & 0x03
		offset++

		pkt.Topics = append(pkt.Topics, topic)
		pkt.QoS = append(pkt.QoS, qos)
	}

	return pkt, nil
}
