// Package buffers provides reusable byte buffers for stream copies,
// reducing heap churn on large backups. The encryptor's stdout relay is
// its only user.
package buffers

import "sync"

// CopyBufferSize is the size of buffers used for stream copies (the
// encryptor's gpg stdout relay).
const CopyBufferSize = 1 << 20 // 1 MiB

var copyPool = &sync.Pool{
	New: func() interface{} {
		buf := make([]byte, CopyBufferSize)
		return &buf
	},
}

// Get retrieves a CopyBufferSize buffer from the pool.
func Get() *[]byte {
	return copyPool.Get().(*[]byte)
}

// Put returns a buffer to the pool. Buffers of the wrong size are dropped
// rather than pooled.
func Put(buf *[]byte) {
	if buf != nil && len(*buf) == CopyBufferSize {
		copyPool.Put(buf)
	}
}
