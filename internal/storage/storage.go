// Package storage implements the backup/group naming conventions and
// listing logic shared by local and cloud roots: group directories named
// YYYY.MM.DD, backups named YYYY.MM.DD-HH:MM:SS (plus a provider-specific
// extension), and atomic creation via a dot-prefixed temporary sibling.
package storage

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vsb-project/vsb/internal/hashutil"
	"github.com/vsb-project/vsb/internal/metadata"
	"github.com/vsb-project/vsb/internal/provider"
)

const timeLayout = "2006.01.02-15:04:05"

var (
	groupNameRe = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}$`)
	localNameRe = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}-\d{2}:\d{2}:\d{2}$`)
	cloudNameRe = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}-\d{2}:\d{2}:\d{2}\.tar\.gpg$`)
)

// Extension returns the per-kind backup file extension ("" for local
// directories, ".tar.gpg" for cloud objects).
func Extension(kind provider.Kind) string {
	if kind == provider.Cloud {
		return ".tar.gpg"
	}
	return ""
}

func nameRegexFor(kind provider.Kind) *regexp.Regexp {
	if kind == provider.Cloud {
		return cloudNameRe
	}
	return localNameRe
}

// entryTypeFor returns the EntryType a conforming backup entry has for
// kind: a directory holding data.tar.zst/metadata.zst locally, a single
// .tar.gpg object in the cloud.
func entryTypeFor(kind provider.Kind) provider.EntryType {
	if kind == provider.Cloud {
		return provider.File
	}
	return provider.Directory
}

// ParseBackupName parses "YYYY.MM.DD-HH:MM:SS" (optionally with a trailing
// extension already stripped by the caller) using the exact layout; any
// deviation is an error.
func ParseBackupName(name string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, name, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: invalid backup name %q: %w", name, err)
	}
	return t, nil
}

// FormatBackupName renders a timestamp in the canonical backup-name form.
func FormatBackupName(t time.Time) string {
	return t.Format(timeLayout)
}

// FormatGroupName renders a timestamp's calendar day in the canonical
// group-name form.
func FormatGroupName(t time.Time) string {
	return t.Format("2006.01.02")
}

// Backup is one backup entry within a group.
type Backup struct {
	Name string // bare timestamp name, no extension
	Time time.Time
}

// Group is one calendar-day group of backups, in ascending time order.
type Group struct {
	Name    string
	Backups []Backup
}

// BackupPath returns the storage-relative path of a backup within its
// group directory, including the kind-appropriate extension.
func BackupPath(groupName, backupName string, kind provider.Kind) string {
	return groupName + "/" + backupName + Extension(kind)
}

// TempName returns the dot-prefixed sibling name used while a backup is
// being written or uploaded.
func TempName(name string) string { return "." + name }

// ListGroups lists the storage root, skipping dot-prefixed entries, and
// returns every group whose directory name matches the group regex along
// with every backup inside it matching the kind-appropriate name regex.
// A non-conforming entry, at the top level or inside a group, is skipped
// and marks the listing inconsistent (ok=false) but does not stop it.
func ListGroups(ctx context.Context, p provider.Reader) (groups []Group, ok bool, err error) {
	top, err := p.ListDirectory(ctx, "")
	if err != nil {
		return nil, false, fmt.Errorf("storage: list root: %w", err)
	}
	ok = true
	for _, e := range top {
		if isDotPrefixed(e.Name) {
			continue
		}
		if e.Type != provider.Directory || !groupNameRe.MatchString(e.Name) {
			ok = false
			continue
		}
		g, gok, gerr := listGroup(ctx, p, e.Name)
		if gerr != nil {
			return nil, false, gerr
		}
		if !gok {
			ok = false
		}
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	return groups, ok, nil
}

// listGroup lists one group directory. ok is false if any non-dot-prefixed
// entry inside the group failed to match the expected kind/name, mirroring
// ListGroups's own top-level check — such an entry is very likely a stray
// temp file missed by a crashed run, so it is skipped rather than treated
// as a fatal error, but it still marks the result inconsistent.
func listGroup(ctx context.Context, p provider.Reader, groupName string) (Group, bool, error) {
	children, err := p.ListDirectory(ctx, groupName)
	if err != nil {
		return Group{}, false, fmt.Errorf("storage: list group %q: %w", groupName, err)
	}
	nameRe := nameRegexFor(p.Kind())
	wantType := entryTypeFor(p.Kind())
	ext := Extension(p.Kind())
	ok := true
	var backups []Backup
	for _, c := range children {
		if isDotPrefixed(c.Name) {
			continue
		}
		if c.Type != wantType || !nameRe.MatchString(c.Name) {
			ok = false
			continue
		}
		bare := c.Name[:len(c.Name)-len(ext)]
		t, err := ParseBackupName(bare)
		if err != nil {
			ok = false
			continue
		}
		backups = append(backups, Backup{Name: bare, Time: t})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Time.Before(backups[j].Time) })
	return Group{Name: groupName, Backups: backups}, ok, nil
}

// GetBackupGroups lists every group and, if verify is true, inspects every
// group in parallel: it walks each group's backups in order, accumulating
// available_hashes from every "unique" manifest entry, and checking that
// every "extern" entry's hash was already made available by an earlier
// backup in the same group. An empty or unrecoverable backup marks the
// overall result false without aborting the scan.
func GetBackupGroups(ctx context.Context, p provider.Reader, verify bool) ([]Group, bool, error) {
	groups, ok, err := ListGroups(ctx, p)
	if err != nil {
		return nil, false, err
	}
	if !verify || len(groups) == 0 {
		return groups, ok, nil
	}

	results := make([]bool, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	for i := range groups {
		i := i
		g.Go(func() error {
			good, verr := verifyGroup(gctx, p, groups[i])
			if verr != nil {
				return verr
			}
			results[i] = good
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}
	for _, good := range results {
		if !good {
			ok = false
		}
	}
	return groups, ok, nil
}

func verifyGroup(ctx context.Context, p provider.Reader, group Group) (bool, error) {
	if len(group.Backups) == 0 {
		return false, nil
	}
	available := make(map[hashutil.Hash]struct{})
	good := true
	for _, b := range group.Backups {
		items, err := ReadManifest(ctx, p, group.Name, b.Name)
		if err != nil {
			good = false
			continue
		}
		if len(items) == 0 {
			good = false
		}
		for _, it := range items {
			if it.Status == metadata.StatusExtern {
				if _, have := available[it.Hash]; !have {
					good = false
				}
				continue
			}
			available[it.Hash] = struct{}{}
		}
	}
	return good, nil
}

// ReadManifest opens and decodes the metadata.zst sidecar for a local
// backup, or returns an error for providers that can't read a manifest
// directly (cloud groups are verified against their local mirror, not by
// decrypting the .tar.gpg object).
func ReadManifest(ctx context.Context, p provider.Reader, groupName, backupName string) ([]metadata.Item, error) {
	if p.Kind() != provider.Local {
		return nil, fmt.Errorf("storage: cannot read manifest from a %s provider", p.Kind())
	}
	rc, err := p.OpenFile(ctx, groupName+"/"+backupName+"/metadata.zst")
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	items, err := metadata.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func isDotPrefixed(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
