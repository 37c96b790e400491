package wire

import "sync"

// bufferPool holds byte slices used to assemble and read control packets.
// 4KB comfortably covers a CONNECT or a small PUBLISH; larger packets just
// allocate their own slice.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 4096)
		return &buf
	},
}

// GetBuffer returns a buffer from the pool, or a fresh allocation if size
// exceeds the pooled capacity.
func GetBuffer(size int) *[]byte {
	if size > 4096 {
		buf := make([]byte, size)
		return &buf
	}
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer to the pool. Oversized buffers are dropped
// rather than pooled.
func PutBuffer(bufPtr *[]byte) {
	if cap(*bufPtr) != 4096 {
		return
	}
	bufferPool.Put(bufPtr)
}
