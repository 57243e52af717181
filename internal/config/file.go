package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const header = `# skbmirror configuration.
#
# Every key can also be set with an SKB_ environment variable
# (SKB_MIRROR_ROOT, SKB_HTTP_ADDR, ...) or a command-line flag.
# Durations use Go syntax: 500ms, 5s, 10m.

`

// ErrExists is returned by WriteFile when the target exists and force is
// not set.
var ErrExists = errors.New("config file already exists")

// fileConfig is the on-disk shape. Durations are strings so they read back
// the way they were written.
type fileConfig struct {
	MirrorRoot       string   `toml:"mirror_root"`
	DBPath           string   `toml:"db_path"`
	Tenant           string   `toml:"tenant"`
	Debounce         string   `toml:"debounce"`
	LockTTL          string   `toml:"lock_ttl"`
	ReleaseDelay     string   `toml:"release_delay"`
	ConflictLogSize  int      `toml:"conflict_log_size"`
	QueueSize        int      `toml:"queue_size"`
	FullSyncInterval string   `toml:"full_sync_interval"`
	HTTP             fileHTTP `toml:"http"`
	Log              fileLog  `toml:"log"`
}

type fileHTTP struct {
	Addr string `toml:"addr"`
}

type fileLog struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

func toFile(c Config) fileConfig {
	return fileConfig{
		MirrorRoot:       c.MirrorRoot,
		DBPath:           c.DBPath,
		Tenant:           c.Tenant,
		Debounce:         c.Debounce.String(),
		LockTTL:          c.LockTTL.String(),
		ReleaseDelay:     c.ReleaseDelay.String(),
		ConflictLogSize:  c.ConflictLogSize,
		QueueSize:        c.QueueSize,
		FullSyncInterval: c.FullSyncInterval.String(),
		HTTP:             fileHTTP{Addr: c.HTTP.Addr},
		Log: fileLog{
			Level:      c.Log.Level,
			File:       c.Log.File,
			MaxSizeMB:  c.Log.MaxSizeMB,
			MaxBackups: c.Log.MaxBackups,
		},
	}
}

// Encode writes c as TOML.
func Encode(w io.Writer, c Config) error {
	if err := toml.NewEncoder(w).Encode(toFile(c)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// WriteFile writes c as a commented TOML file at path.
func WriteFile(path string, c Config, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}
	var buf bytes.Buffer
	buf.WriteString(header)
	if err := Encode(&buf, c); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
