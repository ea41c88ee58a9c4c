// Package config loads engine configuration from a yaml file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Storage struct {
		Path        string `yaml:"path"`
		Staging     string `yaml:"staging"`
		Database    string `yaml:"database"`
		MaxCapacity string `yaml:"max_capacity"`
	} `yaml:"storage"`
	API struct {
		Port string `yaml:"port"`
		Key  string `yaml:"key"`
	} `yaml:"api"`
	Reclaimer struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"reclaimer"`
	Stats struct {
		RefreshInterval time.Duration `yaml:"refresh_interval"`
	} `yaml:"stats"`
}

// Load reads the config file named by CONFIG_PATH (default
// config.yaml). A missing file yields the defaults; a malformed file
// is an error. The API key may be overridden via DUPLESS_API_KEY.
func Load() (*Config, error) {
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	config := defaultConfig()

	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
	}

	if envKey := os.Getenv("DUPLESS_API_KEY"); envKey != "" {
		config.API.Key = envKey
	}

	config.applyDefaults()

	if _, err := config.MaxCapacityBytes(); err != nil {
		return nil, err
	}

	return config, nil
}

// MaxCapacityBytes parses the human-readable capacity limit ("10GB",
// "512MiB", ...). Zero or empty means unlimited.
func (c *Config) MaxCapacityBytes() (int64, error) {
	if c.Storage.MaxCapacity == "" || c.Storage.MaxCapacity == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Storage.MaxCapacity)
	if err != nil {
		return 0, fmt.Errorf("parsing max_capacity %q: %w", c.Storage.MaxCapacity, err)
	}
	return n, nil
}

func defaultConfig() *Config {
	c := &Config{}
	c.Storage.Path = "./data/blobs"
	c.Storage.Staging = "./data/staging"
	c.Storage.Database = "./data/dupless.db"
	c.API.Port = "8080"
	c.Reclaimer.QueueSize = 128
	c.Stats.RefreshInterval = 30 * time.Second
	return c
}

func (c *Config) applyDefaults() {
	def := defaultConfig()
	if c.Storage.Path == "" {
		c.Storage.Path = def.Storage.Path
	}
	if c.Storage.Staging == "" {
		c.Storage.Staging = def.Storage.Staging
	}
	if c.Storage.Database == "" {
		c.Storage.Database = def.Storage.Database
	}
	if c.API.Port == "" {
		c.API.Port = def.API.Port
	}
	if c.Reclaimer.QueueSize <= 0 {
		c.Reclaimer.QueueSize = def.Reclaimer.QueueSize
	}
	if c.Stats.RefreshInterval <= 0 {
		c.Stats.RefreshInterval = def.Stats.RefreshInterval
	}
}
