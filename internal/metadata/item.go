// Package metadata implements the per-backup file manifest: a line-oriented,
// bzip2-compressed record of every regular file captured by a backup, and
// whether this backup or an earlier one in the group holds its bytes.
package metadata

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vsb-project/vsb/internal/hashutil"
)

// Status records whether this manifest entry is the authoritative copy of
// its hash's bytes (Unique) or points at an earlier backup in the group
// that already holds them (Extern).
type Status string

const (
	StatusUnique Status = "unique"
	StatusExtern Status = "extern"
)

// Fingerprint identifies a filesystem object's identity and version without
// reading its contents: (device, inode, mtime in nanoseconds).
type Fingerprint struct {
	Device uint64
	Inode  uint64
	MtimeNs int64
}

// String renders the fingerprint as "device:inode:mtime_ns".
func (f Fingerprint) String() string {
	return fmt.Sprintf("%d:%d:%d", f.Device, f.Inode, f.MtimeNs)
}

// ParseFingerprint parses the "device:inode:mtime_ns" form.
func ParseFingerprint(s string) (Fingerprint, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint %q", s)
	}
	device, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint device %q: %w", s, err)
	}
	inode, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint inode %q: %w", s, err)
	}
	mtime, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("invalid fingerprint mtime %q: %w", s, err)
	}
	return Fingerprint{Device: device, Inode: inode, MtimeNs: mtime}, nil
}

// Item is one record about a regular file captured by a backup.
type Item struct {
	Status      Status
	Hash        hashutil.Hash
	Fingerprint Fingerprint
	Size        int64
	Path        string
}

// Validate rejects paths that would break the line-oriented wire format.
func (it Item) Validate() error {
	if strings.ContainsAny(it.Path, "\r\n") {
		return fmt.Errorf("metadata path %q contains CR or LF", it.Path)
	}
	if it.Status != StatusUnique && it.Status != StatusExtern {
		return fmt.Errorf("metadata item for %q has invalid status %q", it.Path, it.Status)
	}
	return nil
}
