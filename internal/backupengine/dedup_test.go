package backupengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vsb-project/vsb/internal/hashutil"
	"github.com/vsb-project/vsb/internal/metadata"
)

func writeBackupManifest(t *testing.T, groupDir, backupName string, items []metadata.Item) {
	t.Helper()
	dir := filepath.Join(groupDir, backupName)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir %q: %v", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, "metadata.zst"))
	if err != nil {
		t.Fatalf("create metadata.zst: %v", err)
	}
	defer f.Close()
	w, err := metadata.NewWriter(f)
	if err != nil {
		t.Fatalf("metadata.NewWriter: %v", err)
	}
	for _, it := range items {
		if err := w.WriteItem(it); err != nil {
			t.Fatalf("WriteItem: %v", err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func hashOf(b byte) hashutil.Hash {
	var h hashutil.Hash
	h[0] = b
	return h
}

func TestLoadDedupIndexAccumulatesAvailableHashes(t *testing.T) {
	groupDir := t.TempDir()

	writeBackupManifest(t, groupDir, "2026.03.14-01:00:00", []metadata.Item{
		{Status: metadata.StatusUnique, Hash: hashOf(1), Path: "a.txt", Fingerprint: metadata.Fingerprint{Device: 1, Inode: 1, MtimeNs: 1}},
	})
	writeBackupManifest(t, groupDir, "2026.03.14-02:00:00", []metadata.Item{
		{Status: metadata.StatusExtern, Hash: hashOf(1), Path: "a.txt", Fingerprint: metadata.Fingerprint{Device: 1, Inode: 1, MtimeNs: 1}},
		{Status: metadata.StatusUnique, Hash: hashOf(2), Path: "b.txt", Fingerprint: metadata.Fingerprint{Device: 1, Inode: 2, MtimeNs: 2}},
	})

	idx := loadDedupIndex(groupDir, "2026.03.14-03:00:00")

	if !idx.availableHashes[hashOf(1)] {
		t.Error("hash 1 (unique in backup 1) should be available")
	}
	if !idx.availableHashes[hashOf(2)] {
		t.Error("hash 2 (unique in backup 2) should be available")
	}
	if idx.availableHashes[hashOf(3)] {
		t.Error("hash 3 was never seen and should not be available")
	}
}

func TestLoadDedupIndexFingerprintFastPathUsesLatestBackupOnly(t *testing.T) {
	groupDir := t.TempDir()

	writeBackupManifest(t, groupDir, "2026.03.14-01:00:00", []metadata.Item{
		{Status: metadata.StatusUnique, Hash: hashOf(9), Path: "stale.txt", Fingerprint: metadata.Fingerprint{Device: 1, Inode: 1, MtimeNs: 1}},
	})
	writeBackupManifest(t, groupDir, "2026.03.14-02:00:00", []metadata.Item{
		{Status: metadata.StatusUnique, Hash: hashOf(5), Path: "fresh.txt", Fingerprint: metadata.Fingerprint{Device: 1, Inode: 2, MtimeNs: 2}},
	})

	idx := loadDedupIndex(groupDir, "2026.03.14-03:00:00")

	// Only the latest prior backup's entries feed the fingerprint fast path.
	if _, ok := idx.lookupByFingerprint("stale.txt", metadata.Fingerprint{Device: 1, Inode: 1, MtimeNs: 1}); ok {
		t.Error("byPath should only be seeded from the most recent prior backup")
	}
	it, ok := idx.lookupByFingerprint("fresh.txt", metadata.Fingerprint{Device: 1, Inode: 2, MtimeNs: 2})
	if !ok {
		t.Fatal("expected a fingerprint hit for fresh.txt from the latest prior backup")
	}
	if it.Hash != hashOf(5) {
		t.Errorf("matched item hash = %x, want %x", it.Hash, hashOf(5))
	}
}

func TestLookupByFingerprintRejectsMismatchedFingerprint(t *testing.T) {
	groupDir := t.TempDir()
	writeBackupManifest(t, groupDir, "2026.03.14-01:00:00", []metadata.Item{
		{Status: metadata.StatusUnique, Hash: hashOf(1), Path: "a.txt", Fingerprint: metadata.Fingerprint{Device: 1, Inode: 1, MtimeNs: 100}},
	})
	idx := loadDedupIndex(groupDir, "2026.03.14-02:00:00")

	// Same path, different mtime: the file changed, so no fast-path hit.
	if _, ok := idx.lookupByFingerprint("a.txt", metadata.Fingerprint{Device: 1, Inode: 1, MtimeNs: 200}); ok {
		t.Error("expected no match when the fingerprint's mtime differs")
	}
}

func TestLoadDedupIndexSkipsCurrentAndNonConformingDirs(t *testing.T) {
	groupDir := t.TempDir()
	writeBackupManifest(t, groupDir, "2026.03.14-01:00:00", []metadata.Item{
		{Status: metadata.StatusUnique, Hash: hashOf(1), Path: "a.txt"},
	})
	if err := os.MkdirAll(filepath.Join(groupDir, "not-a-timestamp"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	// currentBackupName matches an existing dir name but must be excluded
	// from the prior-backups scan even though it conforms to the naming rule.
	idx := loadDedupIndex(groupDir, "2026.03.14-01:00:00")
	if idx.availableHashes[hashOf(1)] {
		t.Error("the current backup's own manifest must not seed its own dedup index")
	}
}

func TestMarkUnique(t *testing.T) {
	idx := &dedupIndex{byPath: map[string]metadata.Item{}, availableHashes: map[hashutil.Hash]bool{}}
	h := hashOf(42)
	if idx.availableHashes[h] {
		t.Fatal("hash should not be available before markUnique")
	}
	idx.markUnique(h)
	if !idx.availableHashes[h] {
		t.Error("markUnique should make the hash available")
	}
}
