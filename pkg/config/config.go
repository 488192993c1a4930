package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/pdkman/pdkman/pkg/catalog"
)

// LocalConfigFile is the project-local config filename, for pinning a
// family or build configuration alongside a design repository.
const LocalConfigFile = "pdkman.local.toml"

// DefaultFamily is the PDK family assumed when none is configured.
const DefaultFamily = "sky130"

// Config holds the resolved tool configuration. Precedence follows Viper
// merge semantics: CLI flags > PDKMAN_* environment (plus PDK_ROOT) >
// pdkman.local.toml (working directory) > ~/.config/pdkman/config.toml.
type Config struct {
	// PDKRoot is the directory the store lives under; the same directory
	// downstream tools point their PDK_ROOT at.
	PDKRoot string `toml:"pdk_root" mapstructure:"pdk_root"`
	// Family is the default PDK family for commands that take none.
	Family string `toml:"family" mapstructure:"family"`
	// CatalogURL is the manifest endpoint.
	CatalogURL string `toml:"catalog_url" mapstructure:"catalog_url"`
	// Token authenticates against private catalogs. Never written back
	// to disk by pdkman.
	Token string `toml:"token,omitempty" mapstructure:"token"`
	// Build is the flat target configuration source builds resolve
	// recipe directives against.
	Build map[string]string `toml:"build,omitempty" mapstructure:"build"`
}

// Flags carries the CLI flag values that take highest precedence.
type Flags struct {
	PDKRoot    string
	Family     string
	CatalogURL string
	Token      string
}

// Load resolves the configuration for the current working directory.
func Load(flags Flags) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	globalPath := filepath.Join(home, ".config", "pdkman", "config.toml")
	return load(flags, globalPath, LocalConfigFile, filepath.Join(home, ".pdkman"))
}

// load is the internal implementation with explicit paths, testable
// without touching the real home directory.
func load(flags Flags, globalPath, localPath, defaultRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("pdk_root", defaultRoot)
	v.SetDefault("family", DefaultFamily)
	v.SetDefault("catalog_url", catalog.DefaultURL)

	// Lowest priority: global config; ignore if missing.
	v.SetConfigFile(globalPath)
	_ = v.ReadInConfig()

	// Higher priority: project-local config.
	if _, err := os.Stat(localPath); err == nil {
		v.SetConfigFile(localPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", localPath, err)
		}
	}

	// Environment. PDK_ROOT is honored unprefixed since the whole
	// open-source silicon toolchain communicates through it.
	v.SetEnvPrefix("PDKMAN")
	if err := v.BindEnv("pdk_root", "PDKMAN_PDK_ROOT", "PDK_ROOT"); err != nil {
		return nil, err
	}
	for _, key := range []string{"family", "catalog_url", "token"} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	// Highest priority: CLI flags.
	if flags.PDKRoot != "" {
		v.Set("pdk_root", flags.PDKRoot)
	}
	if flags.Family != "" {
		v.Set("family", flags.Family)
	}
	if flags.CatalogURL != "" {
		v.Set("catalog_url", flags.CatalogURL)
	}
	if flags.Token != "" {
		v.Set("token", flags.Token)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// WriteLocal persists a project-local config to pdkman.local.toml in the
// given directory.
func WriteLocal(dir string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	path := filepath.Join(dir, LocalConfigFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// CacheDir returns the directory for the advisory catalog cache,
// creating it if necessary.
func CacheDir() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("determining cache directory: %w", err)
	}
	dir := filepath.Join(base, "pdkman")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}
