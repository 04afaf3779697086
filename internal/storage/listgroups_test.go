package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vsb-project/vsb/internal/provider"
)

func mkBackupDir(t *testing.T, root, group, backup string) {
	t.Helper()
	dir := filepath.Join(root, group, backup)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir %q: %v", dir, err)
	}
}

func TestListGroupsOrdersBackupsAscending(t *testing.T) {
	root := t.TempDir()
	mkBackupDir(t, root, "2026.03.14", "2026.03.14-09:05:02")
	mkBackupDir(t, root, "2026.03.14", "2026.03.14-03:00:00")
	mkBackupDir(t, root, "2026.03.15", "2026.03.15-01:00:00")

	local := provider.NewLocal(root)
	groups, ok, err := ListGroups(context.Background(), local)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if !ok {
		t.Error("expected ok=true for a clean tree")
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	g := groups[0]
	if g.Name != "2026.03.14" {
		t.Fatalf("groups[0].Name = %q, want 2026.03.14", g.Name)
	}
	if len(g.Backups) != 2 {
		t.Fatalf("got %d backups in group, want 2", len(g.Backups))
	}
	if g.Backups[0].Name != "2026.03.14-03:00:00" || g.Backups[1].Name != "2026.03.14-09:05:02" {
		t.Errorf("backups not in ascending time order: %+v", g.Backups)
	}
}

func TestListGroupsSkipsDotPrefixedAndMalformedEntries(t *testing.T) {
	root := t.TempDir()
	mkBackupDir(t, root, "2026.03.14", "2026.03.14-09:05:02")
	mkBackupDir(t, root, ".2026.03.14-tmp", "whatever")
	mkBackupDir(t, root, "2026.03.14", ".2026.03.14-09:05:02-tmp")
	mkBackupDir(t, root, "not-a-group-name", "x")

	local := provider.NewLocal(root)
	groups, ok, err := ListGroups(context.Background(), local)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if ok {
		t.Error("expected ok=false: a non-conforming top-level entry should mark the listing inconsistent")
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if len(groups[0].Backups) != 1 {
		t.Fatalf("got %d backups, want 1 (dot-prefixed temp sibling must be skipped)", len(groups[0].Backups))
	}
}

func TestListGroupsStrayEntryInsideGroupMarksInconsistent(t *testing.T) {
	root := t.TempDir()
	mkBackupDir(t, root, "2026.03.14", "2026.03.14-09:05:02")
	// A plain file sitting inside an otherwise-good group: not dot-prefixed,
	// so it isn't silently ignored like a crash-leftover temp dir, but it
	// doesn't match the backup name pattern either.
	if err := os.WriteFile(filepath.Join(root, "2026.03.14", "stray.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write stray file: %v", err)
	}

	local := provider.NewLocal(root)
	groups, ok, err := ListGroups(context.Background(), local)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if ok {
		t.Error("expected ok=false: a stray non-conforming entry inside a group should mark the listing inconsistent")
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if len(groups[0].Backups) != 1 {
		t.Fatalf("got %d backups, want 1 (the stray entry must still be skipped, not fatal)", len(groups[0].Backups))
	}
}

func TestListGroupsEmptyRoot(t *testing.T) {
	root := t.TempDir()
	local := provider.NewLocal(root)
	groups, ok, err := ListGroups(context.Background(), local)
	if err != nil {
		t.Fatalf("ListGroups: %v", err)
	}
	if !ok {
		t.Error("expected ok=true for an empty root")
	}
	if len(groups) != 0 {
		t.Errorf("got %d groups, want 0", len(groups))
	}
}
