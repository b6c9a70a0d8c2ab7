// Package config loads tdbtool configuration from HuJSON files and flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/tdb/pkg/fs"
	"github.com/calvinalkan/tdb/pkg/tdb"
)

// Error variables for config loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrInvalidValue       = errors.New("invalid config value")
)

// Accepted values.
const (
	HashXXHash  = "xxhash"
	HashMurmur3 = "murmur3"

	WritebackNone = "none"
	WritebackSync = "sync"

	DefaultHashSize = 131
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	Hash      string `json:"hash"`
	HashSize  uint32 `json:"hash_size"`
	Writeback string `json:"writeback"`
	LogLevel  string `json:"log_level"`
	Convert   bool   `json:"convert"`

	// Resolved (computed, not serialized)
	EffectiveCwd string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or --config file if loaded, empty otherwise
}

// Overrides are values set on the command line. Nil fields are unset.
type Overrides struct {
	Hash      *string
	HashSize  *uint32
	Writeback *string
	LogLevel  *string
	Convert   *bool
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Hash:      HashXXHash,
		HashSize:  DefaultHashSize,
		Writeback: WritebackNone,
		LogLevel:  "warn",
	}
}

// FileName is the default project config file name.
const FileName = ".tdbtool.json"

// globalPath returns $XDG_CONFIG_HOME/tdbtool/config.json, falling back to
// ~/.config/tdbtool/config.json. Empty if neither variable is set.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "tdbtool", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "tdbtool", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDir    string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath string            // -c/--config flag value
	Overrides  Overrides         // flag values
	Env        map[string]string // environment variables
	FS         fs.FS             // nil uses the real filesystem
}

// Load resolves configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/tdbtool/config.json)
// 3. Project config file (.tdbtool.json in the working directory, if it exists)
// 4. Explicit config file via ConfigPath (replaces 3; must exist)
// 5. Flag overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	fsys := input.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	cfg := Default()

	if path := globalPath(input.Env); path != "" {
		layer, loaded, err := loadFile(fsys, path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
			cfg = merge(cfg, layer)
		}
	}

	path, mustExist := filepath.Join(workDir, FileName), false
	if input.ConfigPath != "" {
		path, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}
	}

	layer, loaded, err := loadFile(fsys, path, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = path
		cfg = merge(cfg, layer)
	}

	cfg = merge(cfg, input.Overrides)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	cfg.EffectiveCwd = workDir

	return cfg, nil
}

// loadFile reads one config layer. A missing file is not an error unless
// mustExist is set.
func loadFile(fsys fs.FS, path string, mustExist bool) (Overrides, bool, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if !mustExist {
			if errors.Is(err, os.ErrNotExist) {
				return Overrides{}, false, nil
			}

			return Overrides{}, false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
		}

		if errors.Is(err, os.ErrNotExist) {
			return Overrides{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}

		return Overrides{}, false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	layer, err := parse(data)
	if err != nil {
		return Overrides{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return layer, true, nil
}

// fileLayer mirrors Config with pointer fields so that keys absent from a
// file do not override lower layers.
type fileLayer struct {
	Hash      *string `json:"hash"`
	HashSize  *uint32 `json:"hash_size"`
	Writeback *string `json:"writeback"`
	LogLevel  *string `json:"log_level"`
	Convert   *bool   `json:"convert"`
}

func parse(data []byte) (Overrides, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Overrides{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var layer fileLayer

	if err := dec.Decode(&layer); err != nil {
		return Overrides{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return Overrides(layer), nil
}

func merge(base Config, overlay Overrides) Config {
	if overlay.Hash != nil {
		base.Hash = *overlay.Hash
	}

	if overlay.HashSize != nil {
		base.HashSize = *overlay.HashSize
	}

	if overlay.Writeback != nil {
		base.Writeback = *overlay.Writeback
	}

	if overlay.LogLevel != nil {
		base.LogLevel = *overlay.LogLevel
	}

	if overlay.Convert != nil {
		base.Convert = *overlay.Convert
	}

	return base
}

func validate(cfg Config) error {
	switch cfg.Hash {
	case HashXXHash, HashMurmur3:
	default:
		return fmt.Errorf("%w: hash %q (want %s or %s)", ErrInvalidValue, cfg.Hash, HashXXHash, HashMurmur3)
	}

	if cfg.HashSize == 0 {
		return fmt.Errorf("%w: hash_size must be at least 1", ErrInvalidValue)
	}

	switch cfg.Writeback {
	case WritebackNone, WritebackSync:
	default:
		return fmt.Errorf("%w: writeback %q (want %s or %s)", ErrInvalidValue, cfg.Writeback, WritebackNone, WritebackSync)
	}

	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}

	return nil
}

// HashFunc returns the tdb hash function named by cfg.Hash.
func (c Config) HashFunc() tdb.HashFunc {
	if c.Hash == HashMurmur3 {
		return tdb.MurmurHash
	}

	return tdb.DefaultHash
}

// WritebackMode returns the tdb durability mode named by cfg.Writeback.
func (c Config) WritebackMode() tdb.WritebackMode {
	if c.Writeback == WritebackSync {
		return tdb.WritebackSync
	}

	return tdb.WritebackNone
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("%w: log_level %q (want debug, info, warn or error)", ErrInvalidValue, s)
	}
}

// Logger returns a text logger on w filtered at cfg.LogLevel.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelWarn
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Format renders cfg as key=value lines.
func Format(cfg Config) string {
	var b strings.Builder

	fmt.Fprintf(&b, "hash=%s\n", cfg.Hash)
	fmt.Fprintf(&b, "hash_size=%d\n", cfg.HashSize)
	fmt.Fprintf(&b, "writeback=%s\n", cfg.Writeback)
	fmt.Fprintf(&b, "log_level=%s\n", cfg.LogLevel)
	fmt.Fprintf(&b, "convert=%t", cfg.Convert)

	return b.String()
}
