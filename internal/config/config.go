package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	StrategyJaccard  = "jaccard"
	StrategyPairwise = "pairwise"
)

// Config models counselgraph.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Similarity struct {
		Strategy string `yaml:"strategy"`
		Limit    int    `yaml:"limit"`
		MaxLimit int    `yaml:"max_limit"`
	} `yaml:"similarity"`
	Mirror struct {
		DrainBatch int `yaml:"drain_batch"`
	} `yaml:"mirror"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath == "" {
		return fmt.Errorf("config.server.base_path is required")
	}
	switch c.Similarity.Strategy {
	case StrategyJaccard, StrategyPairwise:
	default:
		return fmt.Errorf("config.similarity.strategy must be %q or %q", StrategyJaccard, StrategyPairwise)
	}
	if c.Similarity.Limit <= 0 {
		return fmt.Errorf("config.similarity.limit must be positive")
	}
	if c.Similarity.MaxLimit < c.Similarity.Limit {
		return fmt.Errorf("config.similarity.max_limit must be >= limit")
	}
	if c.Mirror.DrainBatch <= 0 {
		return fmt.Errorf("config.mirror.drain_batch must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "counselgraph.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cg init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

similarity:
  # jaccard ranks by answered-question set overlap read from the derived
  # graph index; pairwise ranks by matching (question, answer) pairs.
  strategy: jaccard
  limit: 5
  max_limit: 25

mirror:
  drain_batch: 100
`
