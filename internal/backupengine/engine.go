// Package backupengine walks a configured backup's items, archives them
// into a zstd-compressed tar plus a bzip2-compressed manifest, and
// finalizes both atomically under the local storage root.
package backupengine

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/vsb-project/vsb/internal/config"
	"github.com/vsb-project/vsb/internal/hashutil"
	"github.com/vsb-project/vsb/internal/logging"
	"github.com/vsb-project/vsb/internal/metadata"
	"github.com/vsb-project/vsb/internal/pathfilter"
	"github.com/vsb-project/vsb/internal/pathutil"
	"github.com/vsb-project/vsb/internal/storage"
)

// Result summarizes one run for the caller (CLI exit code, metrics).
type Result struct {
	OK         bool
	UniqueCount int
	ExternCount int
	DataSize    int64
	MetadataSize int64
}

// Engine runs one backup definition.
type Engine struct {
	Backup config.Backup
	Root   string // local storage root for this backup (config.Backup.Path)
	Log    *logging.Logger
	Now    func() time.Time
}

// New constructs an Engine for backup b, rooted at its configured local
// storage path.
func New(b config.Backup, log *logging.Logger) *Engine {
	return &Engine{Backup: b, Root: b.Path, Log: log, Now: time.Now}
}

// Run executes one backup: traversal, archiving, and atomic finalization.
// It returns ok=false (but a nil error) if any per-path error occurred but
// the run otherwise completed; err is reserved for conditions that abort
// the whole run (e.g. failing to create the temp directory).
func (e *Engine) Run(ctx context.Context) (Result, error) {
	now := e.Now()
	groupName := storage.FormatGroupName(now)
	backupName := storage.FormatBackupName(now)

	groupDir := filepath.Join(e.Root, groupName)
	if err := os.MkdirAll(groupDir, 0o700); err != nil {
		return Result{}, fmt.Errorf("backupengine: create group dir: %w", err)
	}

	tempDir := filepath.Join(groupDir, storage.TempName(backupName))
	finalDir := filepath.Join(groupDir, backupName)
	if err := os.Mkdir(tempDir, 0o700); err != nil {
		return Result{}, fmt.Errorf("backupengine: create temp backup dir: %w", err)
	}

	res, runErr := e.runInto(ctx, tempDir, groupDir, backupName)
	if runErr != nil {
		os.RemoveAll(tempDir)
		return Result{}, runErr
	}

	if err := fsyncDir(tempDir); err != nil {
		e.Log.Warnf("fsync temp backup dir: %v", err)
	}
	if err := os.Rename(tempDir, finalDir); err != nil {
		os.RemoveAll(tempDir)
		return Result{}, fmt.Errorf("backupengine: finalize backup: %w", err)
	}
	if err := fsyncDir(groupDir); err != nil {
		e.Log.Warnf("fsync group dir: %v", err)
	}

	return res, nil
}

func (e *Engine) runInto(ctx context.Context, tempDir, groupDir, backupName string) (Result, error) {
	dataPath := filepath.Join(tempDir, "data.tar.zst")
	metaPath := filepath.Join(tempDir, "metadata.zst")

	dataFile, err := os.Create(dataPath)
	if err != nil {
		return Result{}, fmt.Errorf("backupengine: create data archive: %w", err)
	}
	defer dataFile.Close()

	zw, err := zstd.NewWriter(dataFile)
	if err != nil {
		return Result{}, fmt.Errorf("backupengine: open zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	metaFile, err := os.Create(metaPath)
	if err != nil {
		return Result{}, fmt.Errorf("backupengine: create metadata file: %w", err)
	}
	defer metaFile.Close()

	mw, err := metadata.NewWriter(metaFile)
	if err != nil {
		return Result{}, fmt.Errorf("backupengine: open metadata writer: %w", err)
	}

	w := &walker{
		ctx:      ctx,
		tw:       tw,
		mw:       mw,
		log:      e.Log,
		dedup:    loadDedupIndex(groupDir, backupName),
		seenRoots: nil,
		seenDirs:  make(map[string]bool),
	}

	var anyErr bool
	for _, item := range e.Backup.Items {
		if err := w.runItem(item); err != nil {
			e.Log.Errorf("item %q: %v", item.Path, err)
			anyErr = true
		}
	}
	if w.anyPathError {
		anyErr = true
	}

	if err := tw.Close(); err != nil {
		return Result{}, fmt.Errorf("backupengine: close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return Result{}, fmt.Errorf("backupengine: close zstd writer: %w", err)
	}
	if err := dataFile.Sync(); err != nil {
		return Result{}, fmt.Errorf("backupengine: sync data archive: %w", err)
	}
	if err := mw.Finish(); err != nil {
		return Result{}, fmt.Errorf("backupengine: finish metadata writer: %w", err)
	}
	if err := metaFile.Sync(); err != nil {
		return Result{}, fmt.Errorf("backupengine: sync metadata file: %w", err)
	}

	dataInfo, _ := dataFile.Stat()
	metaInfo, _ := metaFile.Stat()

	return Result{
		OK:           !anyErr,
		UniqueCount:  w.uniqueCount,
		ExternCount:  w.externCount,
		DataSize:     statSize(dataInfo),
		MetadataSize: statSize(metaInfo),
	}, nil
}

func statSize(info os.FileInfo) int64 {
	if info == nil {
		return 0
	}
	return info.Size()
}

// dedupIndex is the write-time dedup bookkeeping described in DESIGN.md:
// byPath holds the previous backup's manifest entries (for the fingerprint
// fast path), and availableHashes holds every hash already known to be
// materialized somewhere earlier in the group (for the general case where
// a file moved, was renamed, or is simply identical content at a new
// path).
type dedupIndex struct {
	byPath          map[string]metadata.Item
	availableHashes map[hashutil.Hash]bool
}

func loadDedupIndex(groupDir, currentBackupName string) *dedupIndex {
	idx := &dedupIndex{byPath: map[string]metadata.Item{}, availableHashes: map[hashutil.Hash]bool{}}

	entries, err := os.ReadDir(groupDir)
	if err != nil {
		return idx
	}
	var priorNames []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") || e.Name() == currentBackupName {
			continue
		}
		if _, err := storage.ParseBackupName(e.Name()); err == nil {
			priorNames = append(priorNames, e.Name())
		}
	}
	sort.Strings(priorNames)

	for _, name := range priorNames {
		items, err := readGroupManifest(groupDir, name)
		if err != nil {
			continue
		}
		for _, it := range items {
			if it.Status == metadata.StatusUnique {
				idx.availableHashes[it.Hash] = true
			}
		}
		if name == priorNames[len(priorNames)-1] {
			for _, it := range items {
				idx.byPath[it.Path] = it
			}
		}
	}
	return idx
}

func readGroupManifest(groupDir, backupName string) ([]metadata.Item, error) {
	f, err := os.Open(filepath.Join(groupDir, backupName, "metadata.zst"))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return metadata.ReadAll(f)
}

// lookupByFingerprint returns the previous backup's manifest entry for
// relPath if its recorded fingerprint equals fp (the file is unchanged).
func (idx *dedupIndex) lookupByFingerprint(relPath string, fp metadata.Fingerprint) (metadata.Item, bool) {
	prev, ok := idx.byPath[relPath]
	if !ok || prev.Fingerprint != fp {
		return metadata.Item{}, false
	}
	return prev, true
}

func (idx *dedupIndex) markUnique(h hashutil.Hash) { idx.availableHashes[h] = true }

// hasHash reports whether h is already materialized somewhere earlier in
// the group, by this backup or an older one.
func (idx *dedupIndex) hasHash(h hashutil.Hash) bool { return idx.availableHashes[h] }

type walker struct {
	ctx  context.Context
	tw   *tar.Writer
	mw   *metadata.Writer
	log  *logging.Logger
	dedup *dedupIndex

	seenRoots []string
	seenDirs  map[string]bool // archived parent-directory dedup set

	uniqueCount  int
	externCount  int
	anyPathError bool
}

func (w *walker) runItem(item config.Item) error {
	root, err := pathutil.ResolveAbsolutePath(item.Path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	if !filepath.IsAbs(root) {
		return fmt.Errorf("path %q did not resolve to an absolute path", item.Path)
	}
	for _, prior := range w.seenRoots {
		if root == prior || strings.HasPrefix(root, prior+string(filepath.Separator)) || strings.HasPrefix(prior, root+string(filepath.Separator)) {
			return fmt.Errorf("path %q overlaps already-archived root %q", root, prior)
		}
	}
	w.seenRoots = append(w.seenRoots, root)

	var filter *pathfilter.Filter
	if item.Filter != "" {
		filter, err = pathfilter.Parse(item.Filter)
		if err != nil {
			return fmt.Errorf("parse filter: %w", err)
		}
	}

	if item.Before != "" {
		if err := runHook(w.ctx, item.Before); err != nil {
			w.log.Errorf("before hook for %q: %v", item.Path, err)
			w.anyPathError = true
		}
	}

	walkErr := w.materializeParents(root)
	if walkErr == nil {
		walkErr = w.walkEntry(root, root, filter, true)
	}

	if item.After != "" {
		if err := runHook(w.ctx, item.After); err != nil {
			w.log.Errorf("after hook for %q: %v", item.Path, err)
			w.anyPathError = true
		}
	}

	return walkErr
}

func runHook(ctx context.Context, shellCmd string) error {
	cmd := exec.CommandContext(ctx, "bash", "-c", shellCmd)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// materializeParents appends directory-only tar entries for every ancestor
// of root, once per ancestor across the whole run.
func (w *walker) materializeParents(root string) error {
	parents := []string{}
	for dir := filepath.Dir(root); dir != "/" && dir != "."; dir = filepath.Dir(dir) {
		parents = append(parents, dir)
	}
	for i := len(parents) - 1; i >= 0; i-- {
		dir := parents[i]
		if w.seenDirs[dir] {
			continue
		}
		info, err := os.Lstat(dir)
		if err != nil {
			continue
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			continue
		}
		hdr.Name = archiveName(dir)
		if err := w.tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write parent dir header %q: %w", dir, err)
		}
		w.seenDirs[dir] = true
	}
	return nil
}

func archiveName(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

// walkEntry handles one filesystem entry. topLevel distinguishes the error
// severity rules of §4.5 (hard error at top level, warn below it).
func (w *walker) walkEntry(path, root string, filter *pathfilter.Filter, topLevel bool) error {
	info, err := os.Lstat(path)
	if err != nil {
		return w.handleAccessError(path, err, topLevel)
	}

	switch {
	case info.Mode().IsDir():
		return w.walkDir(path, root, info, filter, topLevel)
	case info.Mode().IsRegular():
		return w.archiveRegularFile(path, info, topLevel)
	case info.Mode()&os.ModeSymlink != 0:
		return w.archiveSymlink(path, info)
	case info.Mode()&(os.ModeDevice|os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0:
		if topLevel {
			return fmt.Errorf("%q is a device/fifo/socket, refusing to archive as a top-level item", path)
		}
		w.log.Warnf("skipping device/fifo/socket %q", path)
		return nil
	default:
		return fmt.Errorf("%q has an unsupported file type", path)
	}
}

func (w *walker) walkDir(path, root string, info os.FileInfo, filter *pathfilter.Filter, topLevel bool) error {
	if !w.seenDirs[path] {
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("build dir header %q: %w", path, err)
		}
		hdr.Name = archiveName(path)
		if err := w.tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write dir header %q: %w", path, err)
		}
		w.seenDirs[path] = true
	}

	children, err := os.ReadDir(path)
	if err != nil {
		return w.handleAccessError(path, err, topLevel)
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })

	for _, c := range children {
		childPath := filepath.Join(path, c.Name())
		if filter != nil {
			rel, err := filepath.Rel(root, childPath)
			if err != nil {
				w.log.Errorf("relative path for filter check on %q: %v", childPath, err)
				w.anyPathError = true
				continue
			}
			if filter.Check(rel) == pathfilter.Deny {
				w.log.Debugf("filter denies %q", childPath)
				continue
			}
		}
		if err := w.walkEntry(childPath, root, filter, false); err != nil {
			w.log.Errorf("%q: %v", childPath, err)
			w.anyPathError = true
		}
	}
	return nil
}

func (w *walker) archiveRegularFile(path string, info os.FileInfo, topLevel bool) error {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		return w.handleAccessError(path, err, topLevel)
	}
	defer f.Close()

	restat, err := f.Stat()
	if err != nil {
		return w.handleAccessError(path, err, topLevel)
	}
	if !restat.Mode().IsRegular() {
		msg := fmt.Errorf("%q changed type between stat and open (TOCTOU)", path)
		if topLevel {
			return msg
		}
		w.log.Warnf("%v", msg)
		return nil
	}

	fp := fingerprintOf(restat)
	if prev, ok := w.dedup.lookupByFingerprint(archiveName(path), fp); ok {
		w.externCount++
		return w.mw.WriteItem(metadata.Item{
			Status:      metadata.StatusExtern,
			Hash:        prev.Hash,
			Fingerprint: prev.Fingerprint,
			Size:        prev.Size,
			Path:        archiveName(path),
		})
	}

	if st, ok := restat.Sys().(*syscall.Stat_t); ok && st.Nlink > 1 {
		w.log.Warnf("%q has multiple hard links (nlink=%d)", path, st.Nlink)
	}

	// The fingerprint fast path only catches a file unchanged since the
	// previous backup. It has no opinion on a new or moved file whose
	// content is already unique elsewhere in the group, so the general
	// case has to hash before it can decide: §3's invariant needs
	// availableHashes consulted before Status is fixed, not after.
	probe := hashutil.NewFileReader(f, restat.Size())
	if _, err := io.Copy(io.Discard, probe); err != nil {
		return fmt.Errorf("hash file contents %q: %w", path, err)
	}

	if h := probe.Hash(); w.dedup.hasHash(h) {
		w.externCount++
		return w.mw.WriteItem(metadata.Item{
			Status:      metadata.StatusExtern,
			Hash:        h,
			Fingerprint: fp,
			Size:        probe.BytesRead(),
			Path:        archiveName(path),
		})
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewind file %q after hashing: %w", path, err)
	}

	hdr, err := tar.FileInfoHeader(restat, "")
	if err != nil {
		return fmt.Errorf("build file header %q: %w", path, err)
	}
	hdr.Name = archiveName(path)
	if err := w.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write file header %q: %w", path, err)
	}

	fr := hashutil.NewFileReader(f, restat.Size())
	if _, err := io.Copy(w.tw, fr); err != nil {
		return fmt.Errorf("archive file contents %q: %w", path, err)
	}

	h := fr.Hash()
	w.dedup.markUnique(h)
	w.uniqueCount++

	return w.mw.WriteItem(metadata.Item{
		Status:      metadata.StatusUnique,
		Hash:        h,
		Fingerprint: fp,
		Size:        fr.BytesRead(),
		Path:        archiveName(path),
	})
}

func fingerprintOf(info os.FileInfo) metadata.Fingerprint {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return metadata.Fingerprint{}
	}
	return metadata.Fingerprint{
		Device:  uint64(st.Dev),
		Inode:   st.Ino,
		MtimeNs: st.Mtim.Sec*int64(time.Second) + st.Mtim.Nsec,
	}
}

func (w *walker) archiveSymlink(path string, info os.FileInfo) error {
	target, err := os.Readlink(path)
	if err != nil {
		return fmt.Errorf("read symlink %q: %w", path, err)
	}
	hdr, err := tar.FileInfoHeader(info, target)
	if err != nil {
		return fmt.Errorf("build symlink header %q: %w", path, err)
	}
	hdr.Name = archiveName(path)
	return w.tw.WriteHeader(hdr)
}

// handleAccessError buckets a walk-time error by errno per §4.5's
// handle_access_error: ENOTDIR/ELOOP are type changes, ENOENT below top
// level is a benign mid-walk deletion, anything else is an error.
func (w *walker) handleAccessError(path string, err error, topLevel bool) error {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return fmt.Errorf("access %q: %w", path, err)
	}

	switch errno {
	case syscall.ENOTDIR, syscall.ELOOP:
		msg := fmt.Errorf("%q changed type during walk: %w", path, err)
		if topLevel {
			return msg
		}
		w.log.Warnf("%v", msg)
		return nil
	case syscall.ENOENT:
		if topLevel {
			return fmt.Errorf("%q does not exist: %w", path, err)
		}
		w.log.Warnf("%q was removed during the walk: %v", path, err)
		return nil
	default:
		return fmt.Errorf("access %q: %w", path, err)
	}
}

func fsyncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
