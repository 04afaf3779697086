package storage

import (
	"testing"
	"time"

	"github.com/vsb-project/vsb/internal/provider"
)

func TestBackupNameRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 5, 2, 0, time.Local)
	name := FormatBackupName(ts)
	if name != "2026.03.14-09:05:02" {
		t.Fatalf("FormatBackupName = %q, want 2026.03.14-09:05:02", name)
	}
	parsed, err := ParseBackupName(name)
	if err != nil {
		t.Fatalf("ParseBackupName: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("ParseBackupName round trip = %v, want %v", parsed, ts)
	}
}

func TestParseBackupNameRejectsGarbage(t *testing.T) {
	cases := []string{"", "not-a-time", "2026.03.14", "2026.03.14-09:05:02.tar.gpg"}
	for _, c := range cases {
		if _, err := ParseBackupName(c); err == nil {
			t.Errorf("ParseBackupName(%q): expected error", c)
		}
	}
}

func TestFormatGroupName(t *testing.T) {
	ts := time.Date(2026, 3, 14, 23, 59, 59, 0, time.Local)
	if got := FormatGroupName(ts); got != "2026.03.14" {
		t.Errorf("FormatGroupName = %q, want 2026.03.14", got)
	}
}

func TestExtensionByKind(t *testing.T) {
	if Extension(provider.Local) != "" {
		t.Errorf("Extension(Local) = %q, want empty", Extension(provider.Local))
	}
	if Extension(provider.Cloud) != ".tar.gpg" {
		t.Errorf("Extension(Cloud) = %q, want .tar.gpg", Extension(provider.Cloud))
	}
}

func TestBackupPath(t *testing.T) {
	got := BackupPath("2026.03.14", "2026.03.14-09:05:02", provider.Cloud)
	want := "2026.03.14/2026.03.14-09:05:02.tar.gpg"
	if got != want {
		t.Errorf("BackupPath = %q, want %q", got, want)
	}
}

func TestTempName(t *testing.T) {
	if got := TempName("2026.03.14-09:05:02.tar.gpg"); got != ".2026.03.14-09:05:02.tar.gpg" {
		t.Errorf("TempName = %q, want dot-prefixed", got)
	}
}
