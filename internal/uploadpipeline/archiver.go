package uploadpipeline

import (
	"archive/tar"
	"context"
	"fmt"
	"io"

	"github.com/vsb-project/vsb/internal/provider"
)

// archiveTree tar-streams every file under backupPath (as listed through
// local) into w — this is the archiver stage of the upload pipeline,
// producing the plaintext the encryptor consumes. Unlike the backup
// engine's own archiver, this one reads through the Reader abstraction so
// it works unmodified against any future local-like source.
func archiveTree(ctx context.Context, local provider.Reader, backupPath string, w io.Writer) error {
	tw := tar.NewWriter(w)
	if err := addDir(ctx, local, backupPath, "", tw); err != nil {
		tw.Close()
		return err
	}
	return tw.Close()
}

func addDir(ctx context.Context, local provider.Reader, fullPath, archivePrefix string, tw *tar.Writer) error {
	entries, err := local.ListDirectory(ctx, fullPath)
	if err != nil {
		return fmt.Errorf("uploadpipeline: list %q: %w", fullPath, err)
	}
	for _, e := range entries {
		childFull := joinPath(fullPath, e.Name)
		childArchive := joinPath(archivePrefix, e.Name)

		switch e.Type {
		case provider.Directory:
			hdr := &tar.Header{Name: childArchive + "/", Typeflag: tar.TypeDir, Mode: 0o700}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("uploadpipeline: write dir header %q: %w", childArchive, err)
			}
			if err := addDir(ctx, local, childFull, childArchive, tw); err != nil {
				return err
			}
		case provider.File:
			if err := addFile(ctx, local, childFull, childArchive, e.Size, tw); err != nil {
				return err
			}
		default:
			// Other entry types have no place in a backup-directory mirror;
			// skip rather than fail the whole upload over a stray entry.
		}
	}
	return nil
}

func addFile(ctx context.Context, local provider.Reader, fullPath, archiveName string, size int64, tw *tar.Writer) error {
	rc, err := local.OpenFile(ctx, fullPath)
	if err != nil {
		return fmt.Errorf("uploadpipeline: open %q: %w", fullPath, err)
	}
	defer rc.Close()

	hdr := &tar.Header{Name: archiveName, Typeflag: tar.TypeReg, Mode: 0o600, Size: size}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("uploadpipeline: write file header %q: %w", archiveName, err)
	}
	if _, err := io.CopyN(tw, rc, size); err != nil {
		return fmt.Errorf("uploadpipeline: copy %q: %w", fullPath, err)
	}
	return nil
}

func joinPath(a, b string) string {
	if a == "" {
		return b
	}
	return a + "/" + b
}
