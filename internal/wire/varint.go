package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxRemainingLength is the largest value the four-byte variable byte
// integer encoding can represent (MQTT 3.1.1 section 2.2.3).
const maxRemainingLength = 268435455

// appendVarInt appends the variable byte integer encoding of value to dst
// and returns the extended slice.
func appendVarInt(dst []byte, value int) []byte {
	if value < 0 || value > maxRemainingLength {
		panic(fmt.Sprintf("value %d out of range for variable byte integer", value))
	}

	for {
		digit := byte(value % 128)
		value /= 128
		if value > 0 {
			digit |= 0x80
		}
		dst = append(dst, digit)
		if value == 0 {
			break
		}
	}
	return dst
}

// decodeVarInt reads a variable byte integer from r.
func decodeVarInt(r io.Reader) (int, error) {
	br, ok := r.(io.ByteReader)
	if !ok {
		br = &byteReader{r: r}
	}

	val, err := binary.ReadUvarint(br)
	if err != nil {
		return 0, err
	}
	if val > maxRemainingLength {
		return 0, fmt.Errorf("variable byte integer exceeds limit")
	}

	return int(val), nil
}

// byteReader adapts an io.Reader lacking ReadByte to io.ByteReader.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func (br *byteReader) ReadByte() (byte, error) {
	_, err := io.ReadFull(br.r, br.buf[:])
	return br.buf[0], err
}
