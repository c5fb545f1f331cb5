package util

import "sync"

// DefaultBufSize fits the largest possible UDP datagram, so a single
// read never truncates.
const DefaultBufSize = 64 * 1024

// BufPool provides reusable byte buffers for network reads, reducing
// GC pressure on the datagram and worker read paths.
var BufPool = sync.Pool{ //nolint:gochecknoglobals
	New: func() any {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer from the pool.  Callers must return it
// with [PutBuf] when finished and must copy out anything they keep.
func GetBuf() *[]byte {
	return BufPool.Get().(*[]byte)
}

// PutBuf returns a buffer to the pool for reuse.
func PutBuf(buf *[]byte) {
	if buf == nil {
		return
	}
	BufPool.Put(buf)
}
