package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxAttempts  = 3
	DefaultAgentTimeout = 30 * time.Minute
	DefaultHTTPAddr     = ":8080"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, it applies defaults and FACTORY_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	cfg.Source = path

	applyEnv(&cfg, os.Getenv)
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the first
// one found. Search order: ./factory.yaml, ~/.factory/config.yaml. When none
// exists the built-in defaults are used.
func LoadDefault() (*Config, error) {
	candidates := []string{"factory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".factory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	return Default(), nil
}

// Default returns the built-in configuration with environment overrides applied.
func Default() *Config {
	var cfg Config
	applyEnv(&cfg, os.Getenv)
	applyDefaults(&cfg)
	return &cfg
}

// applyEnv overlays FACTORY_* variables onto cfg.
func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("FACTORY_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := getenv("FACTORY_DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := getenv("FACTORY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := getenv("FACTORY_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Pipeline.AgentTimeout == "" {
		cfg.Pipeline.AgentTimeout = DefaultAgentTimeout.String()
	}

	if cfg.Storage.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Storage.DataDir = filepath.Join(home, ".factory")
		} else {
			cfg.Storage.DataDir = ".factory"
		}
	}
	cfg.Storage.DataDir = expandHome(cfg.Storage.DataDir)
	cfg.Storage.SQLitePath = expandHome(cfg.Storage.SQLitePath)
	cfg.Pipeline.Workdir = expandHome(cfg.Pipeline.Workdir)

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}

	// Command agents default to the parser that matches their kind.
	for name, pa := range cfg.Phases {
		if pa.Kind == "" {
			pa.Kind = "build"
		}
		if pa.Parser == "" {
			pa.Parser = "generic"
			if pa.Kind == "build" {
				pa.Parser = "compiler"
			}
		}
		for i := range pa.Checks {
			if pa.Checks[i].Parser == "" {
				pa.Checks[i].Parser = "generic"
			}
		}
		cfg.Phases[name] = pa
	}
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
