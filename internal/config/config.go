// Package config supplies run defaults from an optional config file and
// environment variables, with command-line flags taking precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds the tunable defaults for a load-test run.
type Config struct {
	Concurrency int           `mapstructure:"concurrency"`
	Count       int           `mapstructure:"count"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Ref         string        `mapstructure:"ref"`
	Verbose     bool          `mapstructure:"verbose"`
	Progress    bool          `mapstructure:"progress"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Concurrency: 10,
		Count:       100,
		Timeout:     10 * time.Second,
	}
}

// SetDefaults registers the built-in values with viper.
func SetDefaults(v *viper.Viper) {
	defaults := Default()
	v.SetDefault("concurrency", defaults.Concurrency)
	v.SetDefault("count", defaults.Count)
	v.SetDefault("timeout", defaults.Timeout)
	v.SetDefault("ref", defaults.Ref)
	v.SetDefault("verbose", defaults.Verbose)
	v.SetDefault("progress", defaults.Progress)
}

// Load reads the configuration: built-in defaults, then the config file
// (explicit path or the default location), then GIT_LOAD_TESTER_* environment
// variables. A missing default config file is not an error; a missing
// explicit one is.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix("GIT_LOAD_TESTER")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values for sanity.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", c.Count)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "git-load-tester")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "git-load-tester")
}
