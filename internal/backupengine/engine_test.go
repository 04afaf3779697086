package backupengine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vsb-project/vsb/internal/config"
	"github.com/vsb-project/vsb/internal/logging"
	"github.com/vsb-project/vsb/internal/metadata"
	"github.com/vsb-project/vsb/internal/storage"
)

// readManifest loads the metadata.zst written by a single Engine.Run into
// a path -> Item map for assertions.
func readManifest(t *testing.T, backupDir string) map[string]metadata.Item {
	t.Helper()
	f, err := os.Open(filepath.Join(backupDir, "metadata.zst"))
	if err != nil {
		t.Fatalf("open metadata.zst: %v", err)
	}
	defer f.Close()
	items, err := metadata.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	byPath := make(map[string]metadata.Item, len(items))
	for _, it := range items {
		byPath[it.Path] = it
	}
	return byPath
}

// TestRunDedupsIdenticalContentAtDifferentPathsInSameBackup is the §3
// invariant check: two files with identical bytes but unrelated paths (so
// the fingerprint fast path can't fire for either) must not both come out
// unique — the second one found must be extern, referencing the first
// one's hash.
func TestRunDedupsIdenticalContentAtDifferentPathsInSameBackup(t *testing.T) {
	src := t.TempDir()
	storageRoot := t.TempDir()

	content := []byte("duplicate payload, different name")
	if err := os.WriteFile(filepath.Join(src, "first.bin"), content, 0o600); err != nil {
		t.Fatalf("write first.bin: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "second.bin"), content, 0o600); err != nil {
		t.Fatalf("write second.bin: %v", err)
	}

	b := config.Backup{
		Name: "dup",
		Path: storageRoot,
		Items: []config.Item{
			{Path: filepath.Join(src, "first.bin")},
			{Path: filepath.Join(src, "second.bin")},
		},
	}
	e := New(b, logging.New())
	e.Now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }

	res, err := e.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.OK {
		t.Fatalf("Run reported !OK")
	}
	if res.UniqueCount != 1 || res.ExternCount != 1 {
		t.Fatalf("UniqueCount=%d ExternCount=%d, want 1 and 1", res.UniqueCount, res.ExternCount)
	}

	groupDir := filepath.Join(storageRoot, storage.FormatGroupName(e.Now()))
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		t.Fatalf("read group dir: %v", err)
	}
	var backupDir string
	for _, ent := range entries {
		if ent.IsDir() {
			backupDir = filepath.Join(groupDir, ent.Name())
		}
	}
	if backupDir == "" {
		t.Fatal("no backup directory produced")
	}

	items := readManifest(t, backupDir)
	first, ok := items[archiveName(mustAbs(t, filepath.Join(src, "first.bin")))]
	if !ok {
		t.Fatalf("manifest missing first.bin entry: %+v", items)
	}
	second, ok := items[archiveName(mustAbs(t, filepath.Join(src, "second.bin")))]
	if !ok {
		t.Fatalf("manifest missing second.bin entry: %+v", items)
	}

	if first.Status != metadata.StatusUnique {
		t.Errorf("first.bin status = %v, want unique", first.Status)
	}
	if second.Status != metadata.StatusExtern {
		t.Errorf("second.bin status = %v, want extern (identical content already unique elsewhere in the group)", second.Status)
	}
	if second.Hash != first.Hash {
		t.Errorf("second.bin hash = %x, want it to reference first.bin's hash %x", second.Hash, first.Hash)
	}
}

func mustAbs(t *testing.T, p string) string {
	t.Helper()
	abs, err := filepath.Abs(p)
	if err != nil {
		t.Fatalf("filepath.Abs(%q): %v", p, err)
	}
	return abs
}
