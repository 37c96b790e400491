package wire

import (
	"fmt"
	"io"
)

// FixedHeader is the fixed header present in every MQTT control packet:
// one byte of packet type + flags, followed by a 1-4 byte remaining length.
type FixedHeader struct {
	PacketType      uint8
	Flags           uint8
	RemainingLength int
}

// appendBytes appends the encoded fixed header to dst and returns the
// extended slice. Used by packets that build their frame in a buffer
// before a single Write call.
func (h *FixedHeader) appendBytes(dst []byte) []byte {
	dst = append(dst, (h.PacketType<<4)|(h.Flags&0x0F))
	return appendVarInt(dst, h.RemainingLength)
}

// WriteTo writes the fixed header directly to w.
func (h *FixedHeader) WriteTo(w io.Writer) (int64, error) {
	firstByte := (h.PacketType << 4) | (h.Flags & 0x0F)

	if bw, ok := w.(io.ByteWriter); ok {
		var n int64
		if err := bw.WriteByte(firstByte); err != nil {
			return n, err
		}
		n++

		x := h.RemainingLength
		for {
			b := byte(x % 128)
			x /= 128
			if x > 0 {
				b |= 128
			}
			if err := bw.WriteByte(b); err != nil {
				return n, err
			}
			n++
			if x == 0 {
				break
			}
		}
		return n, nil
	}

	var buf [5]byte
	buf[0] = firstByte
	encoded := appendVarInt(buf[:1], h.RemainingLength)
	nw, err := w.Write(encoded)
	return int64(nw), err
}

// DecodeFixedHeader reads and decodes a fixed header from r.
func DecodeFixedHeader(r io.Reader) (*FixedHeader, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, err
	}

	firstByte := buf[0]
	remainingLength, err := decodeVarInt(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode remaining length: %w", err)
	}

	return &FixedHeader{
		PacketType:      firstByte >> 4,
		Flags:           firstByte & 0x0F,
		RemainingLength: remainingLength,
	}, nil
}
