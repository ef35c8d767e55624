// Package config loads Consumer configuration from YAML, mirroring the
// functional-options defaults in package consumer so a deployment can
// be driven entirely from a file when that's preferable to composing
// options in code.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SubscriptionConfig is one topic's subscribe-time settings.
type SubscriptionConfig struct {
	Topic                string `yaml:"topic"`
	Seed                 string `yaml:"seed"`
	MaxBytesPerPartition int32  `yaml:"max_bytes_per_partition"`
}

// Config mirrors the Consumer construction and subscribe-time fields
// described in spec.md §6.
type Config struct {
	GroupID           string               `yaml:"group_id"`
	BootstrapServers  []string             `yaml:"bootstrap_servers"`
	SessionTimeout    time.Duration        `yaml:"session_timeout"`
	HeartbeatInterval time.Duration        `yaml:"heartbeat_interval"`
	MinBytes          int32                `yaml:"min_bytes"`
	MaxWaitTime       time.Duration        `yaml:"max_wait_time"`
	Subscriptions     []SubscriptionConfig `yaml:"subscriptions"`
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if cfg.GroupID == "" {
		return nil, fmt.Errorf("config: %s: group_id is required", path)
	}
	if len(cfg.BootstrapServers) == 0 {
		return nil, fmt.Errorf("config: %s: bootstrap_servers must not be empty", path)
	}

	return &cfg, nil
}
