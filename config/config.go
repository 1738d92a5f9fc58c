// Package config loads and validates the operational inputs of a
// rewrite job: target architecture, bad-byte set, base address,
// obfuscation switch, and the relocation iteration ceiling.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/xyproto/env/v2"

	"github.com/maleick/byvalver/arch"
	"github.com/maleick/byvalver/badbyte"
)

// Config represents one job profile. Keys absent from a profile file
// keep the values of DefaultConfig.
type Config struct {
	Job struct {
		Architecture string `toml:"architecture"`
		BadBytes     string `toml:"bad_bytes"` // comma-separated byte literals
		BaseAddress  uint64 `toml:"base_address"`
		Obfuscate    bool   `toml:"obfuscate"`
		MaxPasses    int    `toml:"max_passes"`
		Seed         int64  `toml:"seed"`
	} `toml:"job"`

	Limits struct {
		MaxInstructions int `toml:"max_instructions"`
	} `toml:"limits"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Job.Architecture = "x86"
	cfg.Job.BadBytes = "0x00"
	cfg.Job.BaseAddress = 0
	cfg.Job.Obfuscate = false
	cfg.Job.MaxPasses = 8
	cfg.Job.Seed = 1
	cfg.Limits.MaxInstructions = 1 << 20
	return cfg
}

// GetConfigPath returns the platform-specific config file path.
func GetConfigPath() string {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
		configDir = filepath.Join(configDir, "byvalver")

	case "darwin", "linux":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "byvalver.toml"
		}
		configDir = filepath.Join(homeDir, ".config", "byvalver")

	default:
		return "byvalver.toml"
	}

	if err := os.MkdirAll(configDir, 0750); err != nil {
		return "byvalver.toml"
	}
	return filepath.Join(configDir, "config.toml")
}

// Load loads configuration from the default config file.
func Load() (*Config, error) {
	return LoadFrom(GetConfigPath())
}

// LoadFrom loads configuration from the specified file, then applies
// environment overrides. A missing file yields the defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv folds BYVALVER_* environment variables over the loaded
// values.
func (c *Config) applyEnv() {
	c.Job.Architecture = env.Str("BYVALVER_ARCH", c.Job.Architecture)
	c.Job.BadBytes = env.Str("BYVALVER_BAD_BYTES", c.Job.BadBytes)
	c.Job.BaseAddress = uint64(env.Int64("BYVALVER_BASE_ADDR", int64(c.Job.BaseAddress)))
	if env.Has("BYVALVER_OBFUSCATE") {
		c.Job.Obfuscate = env.Bool("BYVALVER_OBFUSCATE")
	}
	c.Job.MaxPasses = env.Int("BYVALVER_MAX_PASSES", c.Job.MaxPasses)
	c.Job.Seed = env.Int64("BYVALVER_SEED", c.Job.Seed)
}

// Validate checks the configuration before any disassembly happens.
// An empty bad-byte set is legal and yields an identity pass-through.
func (c *Config) Validate() error {
	if _, err := arch.ParseTag(c.Job.Architecture); err != nil {
		return err
	}
	if _, err := badbyte.ParseSet(c.Job.BadBytes); err != nil {
		return err
	}
	if c.Job.MaxPasses < 1 {
		return fmt.Errorf("max_passes must be at least 1, got %d", c.Job.MaxPasses)
	}
	return nil
}

// Tag returns the parsed architecture tag. Validate first.
func (c *Config) Tag() (arch.Tag, error) {
	return arch.ParseTag(c.Job.Architecture)
}

// BadSet returns the parsed bad-byte set. Validate first.
func (c *Config) BadSet() (*badbyte.Set, error) {
	return badbyte.ParseSet(c.Job.BadBytes)
}

// Save saves configuration to the default config file.
func (c *Config) Save() error {
	return c.SaveTo(GetConfigPath())
}

// SaveTo saves configuration to the specified file.
func (c *Config) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path) // #nosec G304 -- user config file path
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close config file: %w", closeErr)
		}
	}()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
