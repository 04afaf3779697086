// Package uploadpipeline drives one local-backup-to-cloud upload through
// three concurrent stages (archiver, encryptor+splitter, uploader) joined
// with errgroup, plus the retention sync/prune logic that decides which
// groups and backups need to move.
package uploadpipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"
	"github.com/vsb-project/vsb/internal/encryptor"
	"github.com/vsb-project/vsb/internal/logging"
	"github.com/vsb-project/vsb/internal/provider"
	"github.com/vsb-project/vsb/internal/splitter"
	"github.com/vsb-project/vsb/internal/storage"
)

// UploadBackup archives localBackupDir as a tar stream, encrypts it with
// passphrase, splits the ciphertext into chunks bounded by dest's
// MaxRequestSize, and uploads it to dest under groupName/backupName.tar.gpg.
func UploadBackup(ctx context.Context, local provider.Reader, dest provider.Upload, groupName, backupName, localBackupPath, passphrase string, log *logging.Logger) error {
	finalName := backupName + storage.Extension(provider.Cloud)
	tempName := storage.TempName(finalName) + "-" + uuid.NewString()[:8]

	splitIn := make(chan splitter.Data)
	splitOut := make(chan splitter.ChunkStream)
	encOut := &channelSender{ch: splitIn}

	enc, err := encryptor.New(ctx, passphrase, dest.Hasher(), encOut)
	if err != nil {
		return fmt.Errorf("uploadpipeline: start encryptor: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		splitter.Split(splitIn, splitOut, dest.MaxRequestSize())
		return nil
	})

	g.Go(func() error {
		archErr := archiveTree(gctx, local, localBackupPath, enc)
		return enc.Finish(archErr)
	})

	g.Go(func() error {
		return drive(gctx, dest, groupName, tempName, finalName, splitOut)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("uploadpipeline: %w", err)
	}
	return nil
}

// channelSender adapts encryptor.Sender onto the splitter's Data channel
// protocol.
type channelSender struct{ ch chan<- splitter.Data }

func (s *channelSender) Send(payload []byte, eof bool, checksum string, err error) {
	s.ch <- splitter.Data{Payload: payload, Eof: eof, Checksum: checksum, Err: err}
	if eof || err != nil {
		close(s.ch)
	}
}

// drive converts the splitter's ChunkStream records into the provider.Chunk
// protocol UploadFile expects, reading each sub-stream to completion before
// advancing.
func drive(ctx context.Context, dest provider.Upload, groupName, tempName, finalName string, in <-chan splitter.ChunkStream) error {
	chunks := make(chan provider.Chunk)
	uploadErr := make(chan error, 1)

	go func() {
		uploadErr <- dest.UploadFile(ctx, groupName, tempName, finalName, chunks)
	}()

	var sendErr error
	for cs := range in {
		if cs.Err != nil {
			sendErr = cs.Err
			break
		}
		if cs.Eof {
			chunks <- provider.Chunk{Final: true, Size: cs.Total, ContentHash: cs.Checksum}
			break
		}
		offset := cs.Offset
		for payload := range cs.Stream {
			chunks <- provider.Chunk{Offset: offset, Data: payload}
			offset += int64(len(payload))
		}
	}
	close(chunks)

	upErr := <-uploadErr
	if sendErr != nil {
		return sendErr
	}
	return upErr
}
