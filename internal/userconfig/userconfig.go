// Package userconfig provides user configuration management for kiwi.
// Configuration is stored in ~/.kiwi/config.toml and tunes execution
// policy defaults; the CLI flags always win over the file.
package userconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/leolilley/kiwi/internal/config"
)

// Config represents user-configurable settings.
type Config struct {
	// Registry overrides the tool registry base URL. Empty means the
	// built-in default (or the KIWI_REGISTRY_URL environment override,
	// which wins over this file).
	Registry string `toml:"registry,omitempty"`

	// Execution holds execution policy defaults.
	Execution ExecutionConfig `toml:"execution"`

	// Lockfiles holds lockfile housekeeping settings.
	Lockfiles LockfileConfig `toml:"lockfiles"`
}

// ExecutionConfig holds execution policy settings.
type ExecutionConfig struct {
	// VerifyIntegrity re-checks every chain link's canonical hash before
	// execution. Default is true; disabling it is for test harnesses.
	VerifyIntegrity *bool `toml:"verify_integrity,omitempty"`

	// ValidateChain checks each child against its parent's declared
	// schemas. Default is true.
	ValidateChain *bool `toml:"validate_chain,omitempty"`

	// VerifySignatures checks manifest PGP signatures when present.
	// Default is false until signing is rolled out registry-wide.
	VerifySignatures *bool `toml:"verify_signatures,omitempty"`

	// LockfileMode is the default drift policy: "warn" or "strict".
	LockfileMode string `toml:"lockfile_mode,omitempty"`
}

// LockfileConfig holds lockfile housekeeping settings.
type LockfileConfig struct {
	// PruneMaxAgeDays is the default prune threshold. Default is 90.
	PruneMaxAgeDays *int `toml:"prune_max_age_days,omitempty"`
}

// DefaultPruneMaxAgeDays is the default lockfile prune threshold.
const DefaultPruneMaxAgeDays = 90

// Lockfile drift modes.
const (
	LockfileModeWarn   = "warn"
	LockfileModeStrict = "strict"
)

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{}
}

// VerifyIntegrityEnabled resolves the verify_integrity setting.
func (c *Config) VerifyIntegrityEnabled() bool {
	return c.Execution.VerifyIntegrity == nil || *c.Execution.VerifyIntegrity
}

// ValidateChainEnabled resolves the validate_chain setting.
func (c *Config) ValidateChainEnabled() bool {
	return c.Execution.ValidateChain == nil || *c.Execution.ValidateChain
}

// VerifySignaturesEnabled resolves the verify_signatures setting.
func (c *Config) VerifySignaturesEnabled() bool {
	return c.Execution.VerifySignatures != nil && *c.Execution.VerifySignatures
}

// LockfileMode resolves the default drift mode.
func (c *Config) LockfileMode() string {
	if c.Execution.LockfileMode == "" {
		return LockfileModeWarn
	}
	return c.Execution.LockfileMode
}

// PruneMaxAgeDays resolves the prune threshold.
func (c *Config) PruneMaxAgeDays() int {
	if c.Lockfiles.PruneMaxAgeDays == nil {
		return DefaultPruneMaxAgeDays
	}
	return *c.Lockfiles.PruneMaxAgeDays
}

// Validate rejects settings outside their closed sets.
func (c *Config) Validate() error {
	switch c.Execution.LockfileMode {
	case "", LockfileModeWarn, LockfileModeStrict:
	default:
		return fmt.Errorf("invalid lockfile_mode %q: must be %q or %q",
			c.Execution.LockfileMode, LockfileModeWarn, LockfileModeStrict)
	}
	if c.Lockfiles.PruneMaxAgeDays != nil && *c.Lockfiles.PruneMaxAgeDays < 1 {
		return errors.New("prune_max_age_days must be at least 1")
	}
	return nil
}

// Path returns the config file path inside the kiwi home.
func Path() (string, error) {
	cfg, err := config.DefaultConfig()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfg.HomeDir, "config.toml"), nil
}

// Load reads the user config, returning defaults when the file does not
// exist.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config to the config file, creating the directory if
// needed.
func Save(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
