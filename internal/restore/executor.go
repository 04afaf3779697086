package restore

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/vsb-project/vsb/internal/hashutil"
	"github.com/vsb-project/vsb/internal/logging"
	"github.com/vsb-project/vsb/internal/provider"
)

// Result summarizes one restore execution.
type Result struct {
	OK           bool
	MissingFiles []string
	Errors       []error
}

// pendingMeta is a directory's metadata, applied only after every entry
// that might be created under it has been written — otherwise writing a
// child would bump the parent's mtime right back out from under us.
type pendingMeta struct {
	path  string
	mode  os.FileMode
	uid   int
	gid   int
	mtime time.Time
}

// Execute walks plan's steps (target backup first, then progressively
// older ones for extern content) and materializes restoreRoot, fanning
// each archive entry out to every destination the plan names for it. It
// continues through every step even when individual files fail, returning
// a Result with OK=false and the accumulated errors/missing files rather
// than aborting early.
func Execute(ctx context.Context, ro provider.Reader, plan *Plan, restoreRoot string, log *logging.Logger) (Result, error) {
	res := Result{OK: true, MissingFiles: append([]string(nil), plan.MissingFiles...)}
	if len(res.MissingFiles) > 0 {
		res.OK = false
	}

	e := &executor{
		ro:          ro,
		restoreRoot: restoreRoot,
		log:         log,
		asRoot:      os.Geteuid() == 0,
		uidCache:    map[string]int{},
		gidCache:    map[string]int{},
		created:     map[string]bool{},
	}

	for i, step := range plan.Steps {
		isTarget := i == 0
		if err := e.runStep(ctx, plan.GroupName, step, isTarget); err != nil {
			res.Errors = append(res.Errors, err)
			res.OK = false
		}
	}

	// Apply scheduled directory metadata in reverse insertion order so
	// child directories are finalized before their parents' mtimes are set.
	for i := len(e.pending) - 1; i >= 0; i-- {
		pm := e.pending[i]
		if err := applyMeta(pm.path, pm.mode, pm.uid, pm.gid, pm.mtime); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("restore: apply metadata to %q: %w", pm.path, err))
			res.OK = false
		}
	}

	if len(res.Errors) > 0 {
		res.OK = false
	}
	return res, nil
}

type executor struct {
	ro          provider.Reader
	restoreRoot string
	log         *logging.Logger
	asRoot      bool
	uidCache    map[string]int
	gidCache    map[string]int
	pending     []pendingMeta
	created     map[string]bool // directories already created (pre-created or from a tar dir entry)
}

func (e *executor) runStep(ctx context.Context, groupName string, step *Step, isTarget bool) error {
	archivePath := groupName + "/" + step.BackupName + "/data.tar.zst"
	rc, err := e.ro.OpenFile(ctx, archivePath)
	if err != nil {
		return fmt.Errorf("restore: open %q: %w", archivePath, err)
	}
	defer rc.Close()

	zr, err := zstd.NewReader(rc)
	if err != nil {
		return fmt.Errorf("restore: open zstd stream for %q: %w", archivePath, err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var stepErrs []error
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("restore: read %q: %w", archivePath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if !isTarget {
				continue
			}
			if err := e.handleDir(hdr); err != nil {
				stepErrs = append(stepErrs, err)
				e.log.Errorf("restore: directory %q: %v", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if !isTarget {
				continue
			}
			if err := e.handleSymlink(hdr); err != nil {
				stepErrs = append(stepErrs, err)
				e.log.Errorf("restore: symlink %q: %v", hdr.Name, err)
			}
		case tar.TypeReg:
			rf, wanted := step.Files[hdr.Name]
			if !wanted {
				continue
			}
			if err := e.handleFile(tr, hdr, rf); err != nil {
				stepErrs = append(stepErrs, err)
				e.log.Errorf("restore: file %q: %v", hdr.Name, err)
			}
		default:
			// Anything else (device, fifo, socket) was already refused at
			// backup time as a top-level item and never appears nested;
			// ignore defensively rather than fail the whole restore.
		}
	}
	if len(stepErrs) > 0 {
		return fmt.Errorf("restore: %d error(s) in backup %q", len(stepErrs), step.BackupName)
	}
	return nil
}

func (e *executor) handleDir(hdr *tar.Header) error {
	dest := filepath.Join(e.restoreRoot, strings.TrimSuffix(hdr.Name, "/"))
	if !e.created[dest] {
		if err := os.MkdirAll(dest, 0o700); err != nil {
			return fmt.Errorf("mkdir %q: %w", dest, err)
		}
		e.created[dest] = true
	}
	uid, gid := e.resolveOwner(hdr)
	e.pending = append(e.pending, pendingMeta{
		path:  dest,
		mode:  hdr.FileInfo().Mode().Perm(),
		uid:   uid,
		gid:   gid,
		mtime: hdr.ModTime,
	})
	return nil
}

func (e *executor) handleSymlink(hdr *tar.Header) error {
	dest := filepath.Join(e.restoreRoot, hdr.Name)
	if err := e.ensureParentDir(dest); err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing %q: %w", dest, err)
	}
	if err := os.Symlink(hdr.Linkname, dest); err != nil {
		return fmt.Errorf("symlink %q -> %q: %w", dest, hdr.Linkname, err)
	}
	uid, gid := e.resolveOwner(hdr)
	if e.asRoot {
		if err := os.Lchown(dest, uid, gid); err != nil {
			return fmt.Errorf("lchown %q: %w", dest, err)
		}
	}
	if err := os.Chtimes(dest, hdr.ModTime, hdr.ModTime); err != nil {
		e.log.Warnf("restore: could not set mtime on symlink %q: %v", dest, err)
	}
	return nil
}

func (e *executor) handleFile(tr *tar.Reader, hdr *tar.Header, rf *RestoringFile) error {
	files := make([]*os.File, 0, len(rf.Paths))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	for _, destRel := range rf.Paths {
		dest := filepath.Join(e.restoreRoot, destRel)
		if err := e.ensureParentDir(dest); err != nil {
			return err
		}
		f, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY|syscall.O_NOFOLLOW, 0o600)
		if err != nil {
			return fmt.Errorf("create %q: %w", dest, err)
		}
		files = append(files, f)
	}

	fr := hashutil.NewFileReader(tr, rf.Size)
	w := fanoutWriter{files: files}
	if _, err := io.Copy(w, fr); err != nil {
		return fmt.Errorf("copy %q: %w", hdr.Name, err)
	}
	if fr.BytesRead() != rf.Size {
		return fmt.Errorf("%q: short read, got %d bytes, want %d", hdr.Name, fr.BytesRead(), rf.Size)
	}
	if fr.Hash() != rf.Hash {
		return fmt.Errorf("%q: hash mismatch after restore", hdr.Name)
	}

	uid, gid := e.resolveOwner(hdr)
	mode := hdr.FileInfo().Mode().Perm()
	for i, f := range files {
		if e.asRoot {
			if err := f.Chown(uid, gid); err != nil {
				return fmt.Errorf("chown %q: %w", rf.Paths[i], err)
			}
		}
		if err := f.Chmod(mode); err != nil {
			return fmt.Errorf("chmod %q: %w", rf.Paths[i], err)
		}
	}
	for _, destRel := range rf.Paths {
		dest := filepath.Join(e.restoreRoot, destRel)
		if err := os.Chtimes(dest, hdr.ModTime, hdr.ModTime); err != nil {
			e.log.Warnf("restore: could not set mtime on %q: %v", dest, err)
		}
	}
	return nil
}

// ensureParentDir creates dest's parent directory tree if it hasn't been
// created yet (via a target-backup directory entry or an earlier fan-out
// destination sharing the same parent). Directories created this way for
// an extern destination never get a tar entry of their own, so their
// metadata is left at the MkdirAll default rather than scheduled.
func (e *executor) ensureParentDir(dest string) error {
	dir := filepath.Dir(dest)
	if e.created[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %q: %w", dir, err)
	}
	e.created[dir] = true
	return nil
}

func (e *executor) resolveOwner(hdr *tar.Header) (uid, gid int) {
	if !e.asRoot {
		return os.Getuid(), os.Getgid()
	}
	uid, ok := e.uidCache[hdr.Uname]
	if !ok {
		uid = hdr.Uid
		if hdr.Uname != "" {
			if u, err := user.Lookup(hdr.Uname); err == nil {
				if n, err := strconv.Atoi(u.Uid); err == nil {
					uid = n
				}
			}
		}
		e.uidCache[hdr.Uname] = uid
	}
	gid, ok = e.gidCache[hdr.Gname]
	if !ok {
		gid = hdr.Gid
		if hdr.Gname != "" {
			if g, err := user.LookupGroup(hdr.Gname); err == nil {
				if n, err := strconv.Atoi(g.Gid); err == nil {
					gid = n
				}
			}
		}
		e.gidCache[hdr.Gname] = gid
	}
	return uid, gid
}

func applyMeta(path string, mode os.FileMode, uid, gid int, mtime time.Time) error {
	if err := os.Chmod(path, mode); err != nil {
		return err
	}
	if uid >= 0 && gid >= 0 {
		if err := os.Chown(path, uid, gid); err != nil {
			return err
		}
	}
	return os.Chtimes(path, mtime, mtime)
}

// fanoutWriter duplicates every Write call to each underlying file so a
// single archive entry can be streamed once and materialized at every
// destination a dedup fan-out names.
type fanoutWriter struct{ files []*os.File }

func (w fanoutWriter) Write(p []byte) (int, error) {
	for _, f := range w.files {
		if _, err := f.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}
