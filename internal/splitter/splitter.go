// Package splitter turns one logical ciphertext stream into a sequence of
// bounded chunk sub-streams, so each chunk can be handed to a cloud
// provider's append-at-offset upload call without ever buffering more than
// one chunk in memory. Each sub-stream is itself a channel of byte slices;
// the synchronous (unbuffered) channel semantics are the back-pressure
// mechanism — a producer blocks until the uploader has drained the
// previous payload.
package splitter

import "fmt"

// Data is one message on the input channel: either a ciphertext fragment,
// or the terminal end-of-stream record carrying the whole-stream checksum.
type Data struct {
	Payload  []byte
	Eof      bool
	Checksum string // hex digest, set when Eof is true
	Err      error  // set on upstream failure; terminates the splitter
}

// ChunkStream is one message on the output channel: either the start of a
// new bounded sub-stream, or the terminal end-of-stream record.
type ChunkStream struct {
	Offset   int64
	Stream   <-chan []byte // non-nil when this record opens a sub-stream
	Eof      bool
	Total    int64
	Checksum string
	Err      error
}

// Split reads Data from in and writes ChunkStream records to out, closing
// out when the input is exhausted or an error/EOF record is seen.
// maxStreamSize caps the number of bytes forwarded through one sub-stream
// before it is closed and a new one opened; <= 0 means no cap (the whole
// stream becomes a single sub-stream).
func Split(in <-chan Data, out chan<- ChunkStream, maxStreamSize int64) {
	defer close(out)

	var tx chan []byte
	var offset int64
	var sentInCurrent int64

	closeCurrent := func() {
		if tx != nil {
			close(tx)
			tx = nil
		}
	}

	for d := range in {
		if d.Err != nil {
			closeCurrent()
			out <- ChunkStream{Err: d.Err}
			return
		}
		if d.Eof {
			closeCurrent()
			out <- ChunkStream{Eof: true, Total: offset, Checksum: d.Checksum}
			return
		}

		payload := d.Payload
		for len(payload) > 0 {
			if tx == nil {
				tx = make(chan []byte)
				sentInCurrent = 0
				out <- ChunkStream{Offset: offset, Stream: tx}
			}

			chunk := payload
			if maxStreamSize > 0 {
				room := maxStreamSize - sentInCurrent
				if room <= 0 {
					closeCurrent()
					continue
				}
				if int64(len(chunk)) > room {
					chunk = chunk[:room]
				}
			}

			tx <- chunk
			sentInCurrent += int64(len(chunk))
			offset += int64(len(chunk))
			payload = payload[len(chunk):]

			if maxStreamSize > 0 && sentInCurrent >= maxStreamSize {
				closeCurrent()
			}
		}
	}
	// Input channel closed without an explicit Eof/Err record: treat as a
	// protocol violation rather than silently truncating the stream.
	closeCurrent()
	out <- ChunkStream{Err: fmt.Errorf("splitter: input channel closed without an EOF record")}
}
