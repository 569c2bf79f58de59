package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and are replaced by defaults in main.
type Config struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
	// Directory for the override catalog and other daemon state.
	DataDir string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	// Remote catalog update URL (empty disables the launch-time fetch).
	CatalogURL string `json:"catalog_url" yaml:"catalog_url" toml:"catalog_url"`
	// Base URL of the local inference server.
	ServerURL string `json:"server_url" yaml:"server_url" toml:"server_url"`
	// Memory budget for resident assets in GB (0 = use host total memory).
	MemoryBudgetGB float64 `json:"memory_budget_gb" yaml:"memory_budget_gb" toml:"memory_budget_gb"`
	// Hosted-repository API base (HuggingFace-compatible).
	HostedBase string `json:"hosted_base" yaml:"hosted_base" toml:"hosted_base"`
	// Mirror-repository API base (ModelScope-compatible).
	MirrorBase string `json:"mirror_base" yaml:"mirror_base" toml:"mirror_base"`
	// Training status poll interval in milliseconds.
	TrainPollMS int `json:"train_poll_ms" yaml:"train_poll_ms" toml:"train_poll_ms"`
	// Ceiling on one training job in minutes.
	TrainTimeoutMin int `json:"train_timeout_min" yaml:"train_timeout_min" toml:"train_timeout_min"`
	// Ceiling on one load request in minutes.
	LoadTimeoutMin int `json:"load_timeout_min" yaml:"load_timeout_min" toml:"load_timeout_min"`
	// CORS toggle for the HTTP surface.
	CORSEnabled bool `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}
