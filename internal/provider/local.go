package provider

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// LocalProvider implements Reader and Writer over the OS filesystem rooted
// at Root. It never implements Upload: the local back end is never a sync
// target, only the source the upload pipeline reads from.
type LocalProvider struct {
	Root string
}

func NewLocal(root string) *LocalProvider {
	return &LocalProvider{Root: root}
}

func (p *LocalProvider) Name() string { return "local" }
func (p *LocalProvider) Kind() Kind   { return Local }

func (p *LocalProvider) full(path string) string {
	return filepath.Join(p.Root, filepath.FromSlash(path))
}

func (p *LocalProvider) ListDirectory(_ context.Context, path string) ([]Entry, error) {
	dirents, err := os.ReadDir(p.full(path))
	if err != nil {
		if fsErrIsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("local: list %q: %w", path, err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		info, err := d.Info()
		var size int64 = -1
		if err == nil && info.Mode().IsRegular() {
			size = info.Size()
		}
		et := File
		switch {
		case d.IsDir():
			et = Directory
		case info != nil && info.Mode().IsRegular():
			et = File
		default:
			et = Other
		}
		entries = append(entries, Entry{Name: d.Name(), Type: et, Size: size})
	}
	return entries, nil
}

func (p *LocalProvider) OpenFile(_ context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(p.full(path))
	if err != nil {
		if fsErrIsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("local: open %q: %w", path, err)
	}
	return f, nil
}

func (p *LocalProvider) CreateDirectory(_ context.Context, path string) error {
	if err := os.MkdirAll(p.full(path), 0o700); err != nil {
		return fmt.Errorf("local: mkdir %q: %w", path, err)
	}
	return nil
}

func (p *LocalProvider) Delete(_ context.Context, path string) error {
	if err := os.RemoveAll(p.full(path)); err != nil {
		return fmt.Errorf("local: delete %q: %w", path, err)
	}
	return nil
}

func fsErrIsNotExist(err error) bool {
	return err != nil && (os.IsNotExist(err) || err == fs.ErrNotExist)
}
