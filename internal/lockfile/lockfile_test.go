package lockfile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Should be acquirable again after release.
	lock2, err := Acquire(path)
	if err != nil {
		t.Fatalf("second Acquire after Release: %v", err)
	}
	if err := lock2.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireFailsWhenAlreadyLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}

	lock, err := Acquire(path)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	if _, err := Acquire(path); err == nil {
		t.Error("expected second Acquire on the same held lock to fail")
	}
}

func TestAcquireMissingFile(t *testing.T) {
	if _, err := Acquire(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Error("expected error acquiring a lock on a nonexistent file")
	}
}

func TestReleaseNilLockIsNoop(t *testing.T) {
	var l *Lock
	if err := l.Release(); err != nil {
		t.Errorf("Release on nil *Lock should be a no-op, got %v", err)
	}
}
