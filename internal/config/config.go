// Package config loads and validates the vsb YAML configuration: a list of
// backup definitions, each with its capture items and an optional cloud
// upload target, plus an optional Prometheus textfile path. Decoding is
// strict: unknown fields are rejected rather than silently ignored.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses vsb's "<N>{m|h|d}" duration strings (minutes, hours, or
// days — not Go's own duration syntax, which the spec's config does not
// use).
type Duration time.Duration

var durationRe = regexp.MustCompile(`^(\d+)(m|h|d)$`)

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return fmt.Errorf("config: invalid duration %q: want <N>m, <N>h, or <N>d", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	var unit time.Duration
	switch m[2] {
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	*d = Duration(time.Duration(n) * unit)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Provider is the cloud upload target: a tagged union by Name, carrying
// whichever provider's OAuth2 credentials.
type Provider struct {
	Name         string `yaml:"name"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

var validProviders = map[string]bool{
	"dropbox":      true,
	"google_drive": true,
	"yandex_disk":  true,
}

func (p Provider) Validate() error {
	if !validProviders[p.Name] {
		return fmt.Errorf("config: unknown provider %q (want dropbox, google_drive, or yandex_disk)", p.Name)
	}
	if p.ClientID == "" || p.ClientSecret == "" || p.RefreshToken == "" {
		return fmt.Errorf("config: provider %q missing client_id, client_secret, or refresh_token", p.Name)
	}
	return nil
}

// Upload configures syncing one backup's local groups to a cloud provider.
type Upload struct {
	Provider               Provider  `yaml:"provider"`
	Path                   string    `yaml:"path"`
	MaxBackupGroups        int       `yaml:"max_backup_groups"`
	EncryptionPassphrase   string    `yaml:"encryption_passphrase"`
	MaxTimeWithoutBackups  *Duration `yaml:"max_time_without_backups,omitempty"`
}

func (u Upload) Validate() error {
	if err := u.Provider.Validate(); err != nil {
		return err
	}
	if u.Path == "" {
		return fmt.Errorf("config: upload.path is required")
	}
	if u.MaxBackupGroups < 1 {
		return fmt.Errorf("config: upload.max_backup_groups must be >= 1")
	}
	if u.EncryptionPassphrase == "" {
		return fmt.Errorf("config: upload.encryption_passphrase is required")
	}
	return nil
}

// Item is one captured filesystem root within a backup.
type Item struct {
	Path   string `yaml:"path"`
	Filter string `yaml:"filter,omitempty"`
	Before string `yaml:"before,omitempty"`
	After  string `yaml:"after,omitempty"`
}

func (it Item) Validate() error {
	if it.Path == "" {
		return fmt.Errorf("config: item.path is required")
	}
	return nil
}

// Backup is one named backup definition.
type Backup struct {
	Name            string  `yaml:"name"`
	Path            string  `yaml:"path"`
	Items           []Item  `yaml:"items"`
	MaxBackups      int     `yaml:"max_backups"`
	MaxBackupGroups int     `yaml:"max_backup_groups"`
	Upload          *Upload `yaml:"upload,omitempty"`
}

func (b Backup) Validate() error {
	if b.Name == "" {
		return fmt.Errorf("config: backup.name is required")
	}
	if b.Path == "" {
		return fmt.Errorf("config: backup %q: path is required", b.Name)
	}
	if len(b.Items) == 0 {
		return fmt.Errorf("config: backup %q: at least one item is required", b.Name)
	}
	for i, it := range b.Items {
		if err := it.Validate(); err != nil {
			return fmt.Errorf("config: backup %q item %d: %w", b.Name, i, err)
		}
	}
	if b.MaxBackups < 1 {
		return fmt.Errorf("config: backup %q: max_backups must be >= 1", b.Name)
	}
	if b.MaxBackupGroups < 1 {
		return fmt.Errorf("config: backup %q: max_backup_groups must be >= 1", b.Name)
	}
	if b.Upload != nil {
		if err := b.Upload.Validate(); err != nil {
			return fmt.Errorf("config: backup %q: %w", b.Name, err)
		}
	}
	return nil
}

// Config is the top-level document.
type Config struct {
	Backups           []Backup `yaml:"backups"`
	PrometheusMetrics string   `yaml:"prometheus_metrics,omitempty"`
}

func (c Config) Validate() error {
	if len(c.Backups) == 0 {
		return fmt.Errorf("config: at least one backup is required")
	}
	seen := make(map[string]bool, len(c.Backups))
	for _, b := range c.Backups {
		if err := b.Validate(); err != nil {
			return err
		}
		if seen[b.Name] {
			return fmt.Errorf("config: duplicate backup name %q", b.Name)
		}
		seen[b.Name] = true
	}
	return nil
}

// Load reads and strictly decodes the YAML config at path, rejecting
// unknown fields, then validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ByName returns the backup definition with the given name, or an error.
func (c *Config) ByName(name string) (*Backup, error) {
	for i := range c.Backups {
		if c.Backups[i].Name == name {
			return &c.Backups[i], nil
		}
	}
	return nil, fmt.Errorf("config: no backup named %q", name)
}
