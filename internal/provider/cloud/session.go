package cloud

import (
	"context"
	"fmt"

	"github.com/vsb-project/vsb/internal/provider"
)

// sessionDriver is the provider-specific half of a chunked upload: start a
// session, append a chunk at an offset, and finish it, returning the
// server's reported content hash for comparison against the client's.
type sessionDriver interface {
	startSession(ctx context.Context, dir, tempName string) (sessionID string, err error)
	appendChunk(ctx context.Context, sessionID string, offset int64, data []byte) error
	finishSession(ctx context.Context, sessionID string, dir, tempName, finalName string, totalSize int64) (serverHash string, err error)
	deleteTemp(ctx context.Context, dir, tempName string) error
}

// runChunkedUpload drives the generic protocol shared by every provider's
// UploadFile: open a session, append each Stream chunk in order, finalize
// on the terminal chunk, and compare content hashes.
func runChunkedUpload(ctx context.Context, d sessionDriver, dir, tempName, finalName string, chunks <-chan provider.Chunk) error {
	sessionID, err := d.startSession(ctx, dir, tempName)
	if err != nil {
		return fmt.Errorf("cloud: start upload session: %w", err)
	}

	for chunk := range chunks {
		if chunk.Final {
			serverHash, err := d.finishSession(ctx, sessionID, dir, tempName, finalName, chunk.Size)
			if err != nil {
				_ = d.deleteTemp(ctx, dir, tempName)
				return fmt.Errorf("cloud: finish upload: %w", err)
			}
			if serverHash != chunk.ContentHash {
				_ = d.deleteTemp(ctx, dir, tempName)
				return fmt.Errorf("cloud: content hash mismatch: client=%s server=%s", chunk.ContentHash, serverHash)
			}
			return nil
		}
		if err := d.appendChunk(ctx, sessionID, chunk.Offset, chunk.Data); err != nil {
			_ = d.deleteTemp(ctx, dir, tempName)
			return fmt.Errorf("cloud: append chunk at offset %d: %w", chunk.Offset, err)
		}
	}
	return fmt.Errorf("cloud: chunk stream closed before terminal chunk")
}
