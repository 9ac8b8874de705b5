package config

import (
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultTickInterval = 1 * time.Second
	defaultRunDir       = "/run/mirrord"
	defaultLogMaxSizeMB = 64
)

var validID = regexp.MustCompile(`^[a-z0-9_-]+$`)

// tomlURL wraps url.URL for TOML decoding.
type tomlURL struct {
	*url.URL
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *tomlURL) UnmarshalText(text []byte) error {
	tu, err := url.Parse(string(text))
	if err != nil {
		return errors.Wrap(err, "url.Parse failed")
	}
	u.URL = tu
	return nil
}

// LogConfig is a set of configurations for slog-based logging.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// Apply configures the default slog logger according to lc. When a
// file is set, output goes through a size-rotated writer.
func (lc LogConfig) Apply() error {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return errors.New("invalid log level: " + lc.Level)
	}

	var w io.Writer = os.Stderr
	if lc.File != "" {
		maxSize := lc.MaxSizeMB
		if maxSize == 0 {
			maxSize = defaultLogMaxSizeMB
		}
		w = &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    maxSize,
			MaxBackups: lc.MaxBackups,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch lc.Format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text", "plain", "":
		handler = slog.NewTextHandler(w, opts)
	default:
		return errors.New("invalid log format: " + lc.Format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}

// Settings holds daemon-wide parameters.
type Settings struct {
	RunDir       string       `toml:"run_dir"`
	WebRoot      string       `toml:"web_root"`
	StatusFile   string       `toml:"status_file"`
	LogDir       string       `toml:"log_dir"`
	UID          int          `toml:"uid"`
	GID          int          `toml:"gid"`
	Nice         int          `toml:"nice"`
	TickInterval tomlDuration `toml:"tick_interval"`
}

// Link declares an extra symlink published next to a package's tree.
type Link struct {
	Rel  string `toml:"rel"`
	Href string `toml:"href"`
}

// PackageOptions carries method-specific knobs.
type PackageOptions struct {
	FFTS     bool   `toml:"ffts"`
	FFTSFile string `toml:"ffts_file"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// Package is the configuration of a single mirrored package.
type Package struct {
	ID       string         `toml:"-"` // key in Config.Packages
	Name     string         `toml:"name"`
	Href     string         `toml:"href"`
	SyncType string         `toml:"sync_type"`
	SyncRate SyncRate       `toml:"sync_rate"`
	Disabled bool           `toml:"disabled"`
	Src      tomlURL        `toml:"src"`
	Dst      string         `toml:"dst"`
	Options  PackageOptions `toml:"options"`
	Links    []Link         `toml:"links"`
}

// Check validates the configuration.
func (p *Package) Check() error {
	if !validID.MatchString(p.ID) {
		return errors.New("invalid id: " + p.ID)
	}
	if p.Name == "" {
		return errors.New("name is not set")
	}
	if p.SyncType == "" {
		return errors.New("sync_type is not set")
	}
	if p.Src.URL == nil {
		return errors.New("src is not set")
	}
	if !filepath.IsAbs(p.Dst) {
		return errors.New("dst must be an absolute path")
	}
	for _, l := range p.Links {
		if l.Rel == "" || l.Href == "" {
			return errors.New("link needs both rel and href")
		}
	}
	return nil
}

// Config is a struct to read TOML configurations.
//
// Use https://github.com/BurntSushi/toml as follows:
//
//	cfg := config.NewConfig()
//	md, err := toml.DecodeFile("/path/to/mirrord.toml", cfg)
//	if err != nil {
//	    ...
//	}
type Config struct {
	MirrorName string              `toml:"mirror_name"`
	Settings   Settings            `toml:"settings"`
	Log        LogConfig           `toml:"log"`
	Packages   map[string]*Package `toml:"packages"`
}

// NewConfig creates Config with default values.
func NewConfig() *Config {
	return &Config{
		Settings: Settings{
			RunDir:       defaultRunDir,
			UID:          -1,
			GID:          -1,
			TickInterval: tomlDuration{defaultTickInterval},
		},
	}
}

// Check validates the configuration and fills in package IDs from
// their map keys.
func (c *Config) Check() error {
	if c.MirrorName == "" {
		return errors.New("mirror_name is not set")
	}
	if !filepath.IsAbs(c.Settings.RunDir) {
		return errors.New("run_dir must be an absolute path")
	}
	if c.Settings.WebRoot != "" && !filepath.IsAbs(c.Settings.WebRoot) {
		return errors.New("web_root must be an absolute path")
	}
	if c.Settings.LogDir != "" && !filepath.IsAbs(c.Settings.LogDir) {
		return errors.New("log_dir must be an absolute path")
	}
	if c.Settings.TickInterval.Duration <= 0 {
		return errors.New("tick_interval must be positive")
	}
	if len(c.Packages) == 0 {
		return errors.New("no packages are configured")
	}
	for id, p := range c.Packages {
		p.ID = id
		if err := p.Check(); err != nil {
			return errors.Wrap(err, "package "+id)
		}
	}
	return nil
}

// MasterSocket returns the path of the master control socket.
func (c *Config) MasterSocket() string {
	return filepath.Join(c.Settings.RunDir, "master.sock")
}

// WorkerSocket returns the path of the worker control socket.
func (c *Config) WorkerSocket() string {
	return filepath.Join(c.Settings.RunDir, "worker.sock")
}

// StatusPath returns where the status document is published.
func (c *Config) StatusPath() string {
	if c.Settings.StatusFile != "" {
		return c.Settings.StatusFile
	}
	if c.Settings.WebRoot != "" {
		return filepath.Join(c.Settings.WebRoot, "status.json")
	}
	return filepath.Join(c.Settings.RunDir, "status.json")
}
