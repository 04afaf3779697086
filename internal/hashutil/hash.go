// Package hashutil provides the content hash type and the truncation-tolerant
// streaming reader used to hash files while they are archived.
package hashutil

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
)

// Size is the byte width of a Hash (SHA-512).
const Size = sha512.Size

// Hash is a fixed-width content digest. Equality is byte-exact.
type Hash [Size]byte

// emptyHash is SHA-512 of the empty string, computed once.
var emptyHash = sha512.Sum512(nil)

// Empty returns the well-known hash of zero bytes.
func Empty() Hash { return emptyHash }

// String renders the hash as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes a lowercase hex string into a Hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != Size {
		return h, fmt.Errorf("invalid hash %q: want %d bytes, got %d", s, Size, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// FileReader wraps a source stream and a declared size N, reading at most N
// bytes while updating a running SHA-512 digest. If the source is exhausted
// (returns io.EOF) before N bytes have been produced, the reader enters
// truncation mode: all further reads synthesize zero bytes until exactly N
// bytes have been handed to the caller. This lets a tar writer that already
// committed N to the entry header keep receiving exactly that many bytes,
// while the digest and the bytes-read counter reflect what was actually read
// from the source.
type FileReader struct {
	src       io.Reader
	remaining int64 // bytes of real, unread source data we still expect
	padding   int64 // zero bytes still owed to the caller after truncation
	bytesRead int64
	digest    interface {
		Write([]byte) (int, error)
		Sum([]byte) []byte
	}
	truncated bool
}

// NewFileReader creates a FileReader that will produce exactly n bytes to
// its caller, hashing whatever prefix of those bytes actually came from src.
func NewFileReader(src io.Reader, n int64) *FileReader {
	if n < 0 {
		n = 0
	}
	return &FileReader{
		src:       src,
		remaining: n,
		digest:    sha512.New(),
	}
}

// Read implements io.Reader, satisfying exactly N bytes per NewFileReader,
// zero-padding any shortfall once the source runs dry.
func (r *FileReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	total := 0

	if r.remaining > 0 {
		want := int64(len(p))
		if want > r.remaining {
			want = r.remaining
		}
		n, err := r.src.Read(p[:want])
		if n > 0 {
			r.digest.Write(p[:n])
			r.bytesRead += int64(n)
			r.remaining -= int64(n)
			total += n
		}
		if err != nil {
			if err != io.EOF {
				return total, err
			}
			// Source truncated: everything still owed becomes padding.
			r.truncated = true
			r.padding += r.remaining
			r.remaining = 0
		}
		if total > 0 {
			return total, nil
		}
		// n == 0 and err == nil: fall through and try again on next call,
		// but avoid busy-looping the caller by returning now.
		if err == nil {
			return 0, nil
		}
	}

	if r.padding > 0 {
		n := int64(len(p) - total)
		if n > r.padding {
			n = r.padding
		}
		for i := int64(0); i < n; i++ {
			p[total+int(i)] = 0
		}
		r.padding -= n
		total += int(n)
	}

	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// BytesRead returns the number of bytes actually read from the source
// (excluding any zero padding emitted after truncation).
func (r *FileReader) BytesRead() int64 {
	return r.bytesRead
}

// Truncated reports whether the source ran dry before N bytes were produced.
func (r *FileReader) Truncated() bool {
	return r.truncated
}

// Hash returns the SHA-512 of the bytes actually read from the source; the
// zero padding emitted after truncation is not hashed. Call only after the
// reader has been fully drained.
func (r *FileReader) Hash() Hash {
	var h Hash
	copy(h[:], r.digest.Sum(nil))
	return h
}
