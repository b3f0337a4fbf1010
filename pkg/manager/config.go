package manager

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds configuration for creating a Manager and the services the
// daemon runs next to it
type Config struct {
	DataDir         string `yaml:"data_dir"`
	BundleRoot      string `yaml:"bundle_root"`
	RunRoot         string `yaml:"run_root"`
	APIAddr         string `yaml:"api_addr"`
	MetricsAddr     string `yaml:"metrics_addr"`
	LogLevel        string `yaml:"log_level"`
	LogJSON         bool   `yaml:"log_json"`
	SecretKey       string `yaml:"secret_key"`
	AnsiblePlaybook string `yaml:"ansible_playbook"`
	Python          string `yaml:"python"`
	Workers         int    `yaml:"workers"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() *Config {
	return &Config{
		DataDir:         "./adcm-data",
		APIAddr:         "127.0.0.1:8070",
		MetricsAddr:     "127.0.0.1:9090",
		LogLevel:        "info",
		SecretKey:       "adcm",
		AnsiblePlaybook: "ansible-playbook",
		Python:          "python3",
		Workers:         4,
	}
}

// LoadConfig reads a YAML file over the defaults
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.fill()
	return cfg, nil
}

// fill derives the directories left empty from DataDir
func (c *Config) fill() {
	if c.BundleRoot == "" {
		c.BundleRoot = filepath.Join(c.DataDir, "bundles")
	}
	if c.RunRoot == "" {
		c.RunRoot = filepath.Join(c.DataDir, "run")
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
}

// Normalize fills derived settings; flags may change a loaded config
func (c *Config) Normalize() *Config {
	c.fill()
	return c
}
