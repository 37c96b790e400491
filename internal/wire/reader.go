package wire

import (
	"fmt"
	"io"
)

// packetDecoders maps each packet type to its decoder function.
var packetDecoders = map[uint8]func(remaining []byte, header *FixedHeader) (Packet, error){
	Connect: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeConnect(remaining) },
	Connack: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeConnack(remaining) },
	Publish: func(remaining []byte, header *FixedHeader) (Packet, error) { return DecodePublish(remaining, header) },
	Puback:  func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePuback(remaining) },
	Pubrec:  func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePubrec(remaining) },
	Pubrel:  func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePubrel(remaining) },
	Pubcomp: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePubcomp(remaining) },
	Subscribe: func(remaining []byte, _ *FixedHeader) (Packet, error) {
		return DecodeSubscribe(remaining)
	},
	Suback: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeSuback(remaining) },
	Unsubscribe: func(remaining []byte, _ *FixedHeader) (Packet, error) {
		return DecodeUnsubscribe(remaining)
	},
	Unsuback:   func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeUnsuback(remaining) },
	Pingreq:    func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePingreq(remaining) },
	Pingresp:   func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodePingresp(remaining) },
	Disconnect: func(remaining []byte, _ *FixedHeader) (Packet, error) { return DecodeDisconnect(remaining) },
}

// mqttSpecMax is the largest remaining length a variable byte integer can carry.
const mqttSpecMax = 268435455

// ReadPacket reads one complete MQTT control packet from r. maxIncomingPacket
// caps the remaining length accepted; 0 or a value above the spec maximum
// falls back to the spec maximum.
func ReadPacket(r io.Reader, maxIncomingPacket int) (Packet, error) {
	header, err := DecodeFixedHeader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fixed header: %w", err)
	}

	maxPacketSize := maxIncomingPacket
	if maxPacketSize <= 0 || maxPacketSize > mqttSpecMax {
		maxPacketSize = mqttSpecMax
	}
	if header.RemainingLength > maxPacketSize {
		return nil, fmt.Errorf("packet size %d exceeds maximum %d", header.RemainingLength, maxPacketSize)
	}

	var remaining []byte
	var bufPtr *[]byte

	if header.RemainingLength > 0 {
		bufPtr = GetBuffer(header.RemainingLength)
		remaining = (*bufPtr)[:header.RemainingLength]

		if _, err := io.ReadFull(r, remaining); err != nil {
			PutBuffer(bufPtr)
			return nil, fmt.Errorf("failed to read packet body: %w", err)
		}
	}

	decoder, ok := packetDecoders[header.PacketType]
	if !ok {
		if bufPtr != nil {
			PutBuffer(bufPtr)
		}
		return nil, fmt.Errorf("unknown packet type: %d", header.PacketType)
	}

	pkt, err := decoder(remaining, header)

	if bufPtr != nil {
		PutBuffer(bufPtr)
	}

	return pkt, err
}
