// Package config handles tern.toml engine configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/chazu/tern/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "tern.toml"

// Config represents a tern.toml file.
type Config struct {
	Interpreter Interpreter `toml:"interpreter"`
	Tiering     Tiering     `toml:"tiering"`
	Dispatch    Dispatch    `toml:"dispatch"`
	Log         Log         `toml:"log"`
	Store       Store       `toml:"store"`

	// Dir is the directory containing the tern.toml file (set at load time).
	Dir string `toml:"-"`
}

// Interpreter configures execution limits.
type Interpreter struct {
	MaxCallDepth int `toml:"max-call-depth"`
}

// Tiering configures loop tier-up.
type Tiering struct {
	Enabled    bool `toml:"enabled"`
	Threshold  int  `toml:"threshold"`
	Background bool `toml:"background"`
	QueueSize  int  `toml:"queue-size"`
}

// Dispatch configures host function specialization.
type Dispatch struct {
	MaxSpecializedArity int `toml:"max-specialized-arity"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Store configures the program store.
type Store struct {
	Path string `toml:"path"`
}

// Default returns the configuration used when no tern.toml exists.
func Default() *Config {
	tier := vm.DefaultTierOptions()
	return &Config{
		Interpreter: Interpreter{MaxCallDepth: vm.DefaultMaxCallDepth},
		Tiering: Tiering{
			Enabled:    tier.Enabled,
			Threshold:  tier.Threshold,
			Background: tier.Background,
			QueueSize:  tier.QueueSize,
		},
		Dispatch: Dispatch{MaxSpecializedArity: vm.DefaultMaxSpecializedArity},
		Store:    Store{Path: filepath.Join(".tern", "programs.db")},
	}
}

// Load parses a tern.toml file from the given directory. Keys the file
// does not set keep their defaults.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c := Default()
	if err := toml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// FindAndLoad walks up from startDir to find a tern.toml file, then loads
// and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		_, err := os.Stat(filepath.Join(dir, FileName))
		if err == nil {
			return Load(dir)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Validate rejects settings the runtime cannot use.
func (c *Config) Validate() error {
	switch {
	case c.Interpreter.MaxCallDepth <= 0:
		return fmt.Errorf("interpreter.max-call-depth must be positive, got %d", c.Interpreter.MaxCallDepth)
	case c.Tiering.Threshold <= 0:
		return fmt.Errorf("tiering.threshold must be positive, got %d", c.Tiering.Threshold)
	case c.Tiering.QueueSize <= 0:
		return fmt.Errorf("tiering.queue-size must be positive, got %d", c.Tiering.QueueSize)
	case c.Dispatch.MaxSpecializedArity < 0:
		return fmt.Errorf("dispatch.max-specialized-arity must not be negative, got %d", c.Dispatch.MaxSpecializedArity)
	}
	return nil
}

// RuntimeOptions converts the configuration into vm options.
func (c *Config) RuntimeOptions() vm.Options {
	return vm.Options{
		MaxCallDepth:        c.Interpreter.MaxCallDepth,
		MaxSpecializedArity: c.Dispatch.MaxSpecializedArity,
		Tiering: vm.TierOptions{
			Enabled:    c.Tiering.Enabled,
			Threshold:  c.Tiering.Threshold,
			Background: c.Tiering.Background,
			QueueSize:  c.Tiering.QueueSize,
		},
	}
}

// StorePath returns the program store path, resolved against Dir.
func (c *Config) StorePath() string {
	if filepath.IsAbs(c.Store.Path) || c.Dir == "" {
		return c.Store.Path
	}
	return filepath.Join(c.Dir, c.Store.Path)
}
