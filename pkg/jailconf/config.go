// Package jailconf loads the jaild configuration file.
package jailconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crystal-mush/gojails/pkg/boltstore"
	"github.com/crystal-mush/gojails/pkg/jaildb"
	"github.com/crystal-mush/gojails/pkg/scheduler"
	"github.com/crystal-mush/gojails/pkg/sqlstore"
	"github.com/crystal-mush/gojails/pkg/storage"
)

// Config holds the daemon configuration. Durations are written the Go way
// ("5s", "1h30m").
type Config struct {
	Storage StorageConf `yaml:"storage"`
	Release ReleaseConf `yaml:"release"`

	// RejailKeepReturn keeps the first return location (and frozen state)
	// when a confined subject is jailed again.
	RejailKeepReturn bool `yaml:"rejail_keep_return"`

	// BackupLocation is where subjects jailed without a known position go
	// on release. Reloaded on change.
	BackupLocation *LocationConf `yaml:"backup_location"`

	API     APIConf     `yaml:"api"`
	Archive ArchiveConf `yaml:"archive"`
	NATS    NATSConf    `yaml:"nats"`

	// Path is the file the config was loaded from, if any.
	Path string `yaml:"-"`
}

// StorageConf selects and tunes the backend.
type StorageConf struct {
	Backend     string        `yaml:"backend"`      // file, sql or bolt
	Dir         string        `yaml:"dir"`          // file backend directory
	SQLPath     string        `yaml:"sql_path"`     // SQLite database file
	SQLMaxOpen  int           `yaml:"sql_max_open"` // pool size
	SQLMaxIdle  int           `yaml:"sql_max_idle"`
	SQLTimeout  time.Duration `yaml:"sql_timeout"` // per statement
	BoltPath    string        `yaml:"bolt_path"`
	BoltTimeout time.Duration `yaml:"bolt_timeout"` // file lock wait
}

// LocationConf is a world position.
type LocationConf struct {
	World string  `yaml:"world"`
	X     float64 `yaml:"x"`
	Y     float64 `yaml:"y"`
	Z     float64 `yaml:"z"`
	Yaw   float32 `yaml:"yaw"`
	Pitch float32 `yaml:"pitch"`
}

// Location converts to the jail model. A nil receiver returns nil.
func (l *LocationConf) Location() *jaildb.Location {
	if l == nil {
		return nil
	}
	return &jaildb.Location{World: l.World, X: l.X, Y: l.Y, Z: l.Z, Yaw: l.Yaw, Pitch: l.Pitch}
}

// ReleaseConf is the retry policy for failed automatic releases.
type ReleaseConf struct {
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
	AlertAfter      int           `yaml:"alert_after"` // failures before a PERSISTENT FAILURE line
}

// APIConf configures the HTTP API. An empty Listen disables it.
type APIConf struct {
	Listen      string        `yaml:"listen"`
	JWTSecret   string        `yaml:"jwt_secret"` // random per process if empty
	JWTExpiry   time.Duration `yaml:"jwt_expiry"`
	CORSOrigins []string      `yaml:"cors_origins"`
	RateLimit   int           `yaml:"rate_limit"` // requests per minute per IP, 0 = unlimited

	// Operators maps operator names to bcrypt hashes for password login.
	// Reloaded on change.
	Operators map[string]string `yaml:"operators"`

	TLS       bool   `yaml:"tls"`
	TLSDomain string `yaml:"tls_domain"` // Let's Encrypt
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
	CertDir   string `yaml:"cert_dir"` // self-signed certs and autocert cache
}

// ArchiveConf configures periodic archives. Interval 0 disables them.
type ArchiveConf struct {
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
	Retain   int           `yaml:"retain"` // keep last N, 0 = unlimited
}

// NATSConf configures event publishing to NATS. An empty URL disables it.
type NATSConf struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"` // prefix, events go to <subject>.<type>
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConf{
			Backend:     string(storage.KindFile),
			Dir:         "data",
			SQLPath:     "data/jails.db",
			SQLMaxOpen:  4,
			SQLMaxIdle:  2,
			SQLTimeout:  5 * time.Second,
			BoltPath:    "data/jails.bolt",
			BoltTimeout: 5 * time.Second,
		},
		Release: ReleaseConf{
			RetryInitial:    time.Second,
			RetryMax:        5 * time.Minute,
			RetryMultiplier: 2,
			AlertAfter:      5,
		},
		RejailKeepReturn: true,
		API: APIConf{
			Listen:    ":8470",
			JWTExpiry: 24 * time.Hour,
			RateLimit: 120,
			CertDir:   "certs",
		},
		Archive: ArchiveConf{
			Dir:    "backups",
			Retain: 10,
		},
		NATS: NATSConf{Subject: "gojails"},
	}
}

// Load reads a YAML config file over the defaults. Relative paths in the
// file are resolved against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jailconf: reading %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("jailconf: %s: %w", path, err)
	}
	cfg.Path = path

	base := filepath.Dir(path)
	for _, p := range []*string{&cfg.Storage.Dir, &cfg.Storage.SQLPath, &cfg.Storage.BoltPath, &cfg.Archive.Dir,
		&cfg.API.TLSCert, &cfg.API.TLSKey, &cfg.API.CertDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := storage.ParseKind(c.Storage.Backend); err != nil {
		return err
	}
	switch {
	case c.Storage.SQLTimeout < 0 || c.Storage.BoltTimeout < 0:
		return fmt.Errorf("storage timeouts must not be negative")
	case c.Release.RetryInitial < 0 || c.Release.RetryMax < 0:
		return fmt.Errorf("release retry intervals must not be negative")
	case c.Release.RetryMax > 0 && c.Release.RetryMax < c.Release.RetryInitial:
		return fmt.Errorf("release.retry_max %s is below retry_initial %s", c.Release.RetryMax, c.Release.RetryInitial)
	case c.Release.RetryMultiplier != 0 && c.Release.RetryMultiplier < 1:
		return fmt.Errorf("release.retry_multiplier must be at least 1, got %g", c.Release.RetryMultiplier)
	case c.Release.AlertAfter < 0:
		return fmt.Errorf("release.alert_after must not be negative")
	case c.Archive.Interval < 0 || c.Archive.Retain < 0:
		return fmt.Errorf("archive interval and retain must not be negative")
	case c.API.RateLimit < 0:
		return fmt.Errorf("api.rate_limit must not be negative")
	case c.API.JWTExpiry < 0:
		return fmt.Errorf("api.jwt_expiry must not be negative")
	case (c.API.TLSCert == "") != (c.API.TLSKey == ""):
		return fmt.Errorf("api.tls_cert and api.tls_key must be set together")
	case c.BackupLocation != nil && c.BackupLocation.World == "":
		return fmt.Errorf("backup_location needs a world")
	case strings.ContainsAny(c.NATS.Subject, " *>"):
		return fmt.Errorf("nats.subject %q must not contain spaces or wildcards", c.NATS.Subject)
	}
	return nil
}

// StorageConfig converts the storage section for storage.Open.
func (c *Config) StorageConfig() storage.Config {
	kind, _ := storage.ParseKind(c.Storage.Backend)
	return storage.Config{
		Backend: kind,
		File:    storage.FileConfig{Dir: c.Storage.Dir},
		SQL: sqlstore.Config{
			Path:         c.Storage.SQLPath,
			MaxOpenConns: c.Storage.SQLMaxOpen,
			MaxIdleConns: c.Storage.SQLMaxIdle,
			Timeout:      c.Storage.SQLTimeout,
		},
		Bolt: storage.BoltConfig{
			Path:    c.Storage.BoltPath,
			Options: boltstore.Options{Timeout: c.Storage.BoltTimeout},
		},
	}
}

// RetryOptions converts the release section for the scheduler.
func (c *Config) RetryOptions() scheduler.Options {
	return scheduler.Options{
		InitialInterval: c.Release.RetryInitial,
		MaxInterval:     c.Release.RetryMax,
		Multiplier:      c.Release.RetryMultiplier,
		AlertAfter:      c.Release.AlertAfter,
	}
}
