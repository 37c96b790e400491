package wire

import (
	"bytes"
	"io"
	"testing"
)

// genericWriter does NOT implement io.ByteWriter, forcing the fallback
// path in FixedHeader.WriteTo.
type genericWriter struct {
	w io.Writer
}

func (g *genericWriter) Write(p []byte) (n int, err error) {
	return g.w.Write(p)
}

func TestFixedHeaderWriteToFallback(t *testing.T) {
	tests := []struct {
		name   string
		header FixedHeader
	}{
		{
			name:   "Connect Header",
			header: FixedHeader{PacketType: Connect, Flags: 0, RemainingLength: 10},
		},
		{
			name:   "Large Payload Header",
			header: FixedHeader{PacketType: Publish, Flags: 0x02, RemainingLength: 128 * 128 * 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			gw := &genericWriter{w: &buf}

			n, err := tt.header.WriteTo(gw)
			if err != nil {
				t.Fatalf("WriteTo() error = %v", err)
			}

			expectedBytes := 1 + encodedVarIntLen(tt.header.RemainingLength)
			if int(n) != expectedBytes {
				t.Errorf("WriteTo() returned %d bytes, want %d", n, expectedBytes)
			}

			var expectedBuf bytes.Buffer
			_, _ = tt.header.WriteTo(&expectedBuf)

			if !bytes.Equal(buf.Bytes(), expectedBuf.Bytes()) {
				t.Errorf("written bytes mismatch:\ngot  %x\nwant %x", buf.Bytes(), expectedBuf.Bytes())
			}
		})
	}
}

func TestFixedHeaderRoundTrip(t *testing.T) {
	h := FixedHeader{PacketType: Publish, Flags: 0x0D, RemainingLength: 300}

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}

	got, err := DecodeFixedHeader(&buf)
	if err != nil {
		t.Fatalf("DecodeFixedHeader() error = %v", err)
	}

	if *got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", *got, h)
	}
}

func encodedVarIntLen(x int) int {
	if x == 0 {
		return 1
	}
	count := 0
	for x > 0 {
		x /= 128
		count++
	}
	return count
}
