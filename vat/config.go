package vat

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config carries the build-time switches for one vat. A vat.toml next to
// the vat's code is optional; zero-value fields fall back to defaults.
type Config struct {
	// EnableDisavow exposes the disavow primitive to hosted code.
	EnableDisavow bool `toml:"enable-disavow"`
	// EnableVatstore exposes the namespaced key-value store and the
	// virtual-object kind manager.
	EnableVatstore bool `toml:"enable-vatstore"`
	// VatstorePath locates the backing database for harnesses that own
	// their own store.
	VatstorePath string `toml:"vatstore-path"`
	// GCDrainLimit bounds drain iteration per crank; zero means unbounded,
	// matching the upstream contract.
	GCDrainLimit int `toml:"gc-drain-limit"`
}

// DefaultConfig returns the configuration used when no vat.toml exists.
func DefaultConfig() Config {
	return Config{
		VatstorePath: "vat.db",
	}
}

// LoadConfig reads a vat.toml. A missing file is not an error; defaults
// apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if cfg.VatstorePath == "" {
		cfg.VatstorePath = DefaultConfig().VatstorePath
	}
	return cfg, nil
}
