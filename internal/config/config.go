// Package config loads skbmirror settings from defaults, a config file,
// SKB_* environment variables and command-line flags, in increasing order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Mschirtzinger/skbmirror/internal/mirror/mirrorfs"
)

// EnvPrefix is prepended to every environment variable, e.g. SKB_MIRROR_ROOT.
const EnvPrefix = "SKB"

// FileName is the config file base name searched for without extension.
const FileName = "skbmirror"

// Keys
const (
	KeyMirrorRoot       = "mirror_root"
	KeyDBPath           = "db_path"
	KeyTenant           = "tenant"
	KeyDebounce         = "debounce"
	KeyLockTTL          = "lock_ttl"
	KeyReleaseDelay     = "release_delay"
	KeyConflictLogSize  = "conflict_log_size"
	KeyQueueSize        = "queue_size"
	KeyFullSyncInterval = "full_sync_interval"
	KeyHTTPAddr         = "http.addr"
	KeyLogLevel         = "log.level"
	KeyLogFile          = "log.file"
	KeyLogMaxSizeMB     = "log.max_size_mb"
	KeyLogMaxBackups    = "log.max_backups"
)

// Config is the resolved configuration.
type Config struct {
	MirrorRoot       string        `mapstructure:"mirror_root"`
	DBPath           string        `mapstructure:"db_path"`
	Tenant           string        `mapstructure:"tenant"`
	Debounce         time.Duration `mapstructure:"debounce"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	ReleaseDelay     time.Duration `mapstructure:"release_delay"`
	ConflictLogSize  int           `mapstructure:"conflict_log_size"`
	QueueSize        int           `mapstructure:"queue_size"`
	FullSyncInterval time.Duration `mapstructure:"full_sync_interval"`
	HTTP             HTTP          `mapstructure:"http"`
	Log              Log           `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type HTTP struct {
	Addr string `mapstructure:"addr"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		MirrorRoot:      "./mirror",
		DBPath:          "./skb.db",
		Tenant:          "default",
		Debounce:        500 * time.Millisecond,
		LockTTL:         5 * time.Second,
		ReleaseDelay:    time.Second,
		ConflictLogSize: 100,
		QueueSize:       256,
		HTTP:            HTTP{Addr: "127.0.0.1:8787"},
		Log:             Log{Level: "info", MaxSizeMB: 20, MaxBackups: 5},
	}
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	d := Default()
	v.SetDefault(KeyMirrorRoot, d.MirrorRoot)
	v.SetDefault(KeyDBPath, d.DBPath)
	v.SetDefault(KeyTenant, d.Tenant)
	v.SetDefault(KeyDebounce, d.Debounce)
	v.SetDefault(KeyLockTTL, d.LockTTL)
	v.SetDefault(KeyReleaseDelay, d.ReleaseDelay)
	v.SetDefault(KeyConflictLogSize, d.ConflictLogSize)
	v.SetDefault(KeyQueueSize, d.QueueSize)
	v.SetDefault(KeyFullSyncInterval, d.FullSyncInterval)
	v.SetDefault(KeyHTTPAddr, d.HTTP.Addr)
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogFile, d.Log.File)
	v.SetDefault(KeyLogMaxSizeMB, d.Log.MaxSizeMB)
	v.SetDefault(KeyLogMaxBackups, d.Log.MaxBackups)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// SearchPaths lists the directories searched for skbmirror.{toml,yaml,json}.
func SearchPaths() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".config", FileName))
	}
	return dirs
}

// BindFlags binds flags to keys. Entries whose flag is not defined in fs are
// ignored.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the config file, if any, and returns the validated result. An
// explicit file must exist; otherwise a missing file is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName(FileName)
		for _, dir := range SearchPaths() {
			v.AddConfigPath(dir)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the relations between settings.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.MirrorRoot) == "" {
		errs = append(errs, errors.New("mirror_root cannot be empty"))
	}
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path cannot be empty"))
	}
	if !mirrorfs.ValidTenant(c.Tenant) {
		errs = append(errs, fmt.Errorf("invalid tenant %q", c.Tenant))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{KeyDebounce, c.Debounce},
		{KeyLockTTL, c.LockTTL},
		{KeyReleaseDelay, c.ReleaseDelay},
		{KeyFullSyncInterval, c.FullSyncInterval},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", d.key))
		}
	}
	if c.ReleaseDelay <= c.Debounce {
		errs = append(errs, fmt.Errorf("release_delay (%s) must be longer than debounce (%s)", c.ReleaseDelay, c.Debounce))
	}
	if c.LockTTL < 2*c.ReleaseDelay {
		errs = append(errs, fmt.Errorf("lock_ttl (%s) must be at least twice release_delay (%s)", c.LockTTL, c.ReleaseDelay))
	}
	if c.ConflictLogSize <= 0 {
		errs = append(errs, errors.New("conflict_log_size must be positive"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level %q", c.Log.Level))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
