package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vsb.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMinimalValid(t *testing.T) {
	path := writeConfig(t, `
backups:
  - name: home
    path: /home/user
    max_backups: 7
    max_backup_groups: 4
    items:
      - path: documents
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Backups) != 1 {
		t.Fatalf("got %d backups, want 1", len(cfg.Backups))
	}
	b, err := cfg.ByName("home")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if b.Path != "/home/user" {
		t.Errorf("Path = %q, want /home/user", b.Path)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `
backups:
  - name: home
    path: /home/user
    max_backups: 7
    max_backup_groups: 4
    items:
      - path: documents
    not_a_real_field: true
`)
	if _, err := Load(path); err == nil {
		t.Error("expected strict decoding to reject an unknown field")
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := Config{Backups: []Backup{
		{Name: "a", Path: "/a", MaxBackups: 1, MaxBackupGroups: 1, Items: []Item{{Path: "x"}}},
		{Name: "a", Path: "/b", MaxBackups: 1, MaxBackupGroups: 1, Items: []Item{{Path: "x"}}},
	}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for duplicate backup names")
	}
}

func TestValidateRequiresAtLeastOneItem(t *testing.T) {
	b := Backup{Name: "a", Path: "/a", MaxBackups: 1, MaxBackupGroups: 1}
	if err := b.Validate(); err == nil {
		t.Error("expected error for backup with no items")
	}
}

func TestValidateUploadRequiresFields(t *testing.T) {
	u := Upload{Provider: Provider{Name: "dropbox", ClientID: "id", ClientSecret: "secret", RefreshToken: "tok"}}
	if err := u.Validate(); err == nil {
		t.Error("expected error: path and passphrase are missing")
	}

	u.Path = "/remote"
	u.MaxBackupGroups = 1
	u.EncryptionPassphrase = "hunter2"
	if err := u.Validate(); err != nil {
		t.Errorf("expected valid upload config to pass, got %v", err)
	}
}

func TestProviderValidateRejectsUnknownName(t *testing.T) {
	p := Provider{Name: "box", ClientID: "x", ClientSecret: "y", RefreshToken: "z"}
	if err := p.Validate(); err == nil {
		t.Error("expected error for unsupported provider name")
	}
}

func TestDurationParsing(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"30m", 30 * time.Minute},
		{"2h", 2 * time.Hour},
		{"3d", 3 * 24 * time.Hour},
	}
	for _, c := range cases {
		path := writeConfig(t, `
backups:
  - name: home
    path: /home/user
    max_backups: 1
    max_backup_groups: 1
    items:
      - path: documents
    upload:
      path: /remote
      max_backup_groups: 1
      encryption_passphrase: secret
      max_time_without_backups: `+c.in+`
      provider:
        name: dropbox
        client_id: id
        client_secret: secret
        refresh_token: tok
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load(%q): %v", c.in, err)
		}
		got := cfg.Backups[0].Upload.MaxTimeWithoutBackups
		if got == nil {
			t.Fatalf("MaxTimeWithoutBackups is nil for %q", c.in)
		}
		if got.Duration() != c.want {
			t.Errorf("duration %q: got %v, want %v", c.in, got.Duration(), c.want)
		}
	}
}

func TestDurationRejectsGoStyleSuffixes(t *testing.T) {
	path := writeConfig(t, `
backups:
  - name: home
    path: /home/user
    max_backups: 1
    max_backup_groups: 1
    items:
      - path: documents
    upload:
      path: /remote
      max_backup_groups: 1
      encryption_passphrase: secret
      max_time_without_backups: 30s
      provider:
        name: dropbox
        client_id: id
        client_secret: secret
        refresh_token: tok
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error: vsb durations use m/h/d, not Go's own duration syntax")
	}
}

func TestByNameNotFound(t *testing.T) {
	cfg := &Config{Backups: []Backup{{Name: "a"}}}
	if _, err := cfg.ByName("missing"); err == nil {
		t.Error("expected error for unknown backup name")
	}
}
