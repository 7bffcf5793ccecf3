// Package config loads this core's process configuration from a YAML file,
// the same yaml.v3 struct-tag decoding the teacher uses for resource
// manifests (cmd/warren/apply.go's WarrenResource), applied here to startup
// config instead of submitted resources.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nimbusorch/scheduler/internal/backoff"
	"github.com/nimbusorch/scheduler/internal/corelog"
)

// Config is the scheduling core's process configuration.
type Config struct {
	Raft    RaftConfig    `yaml:"raft"`
	Etcd    EtcdConfig    `yaml:"etcd"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
	Backoff BackoffConfig `yaml:"backoff"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RaftConfig configures the election service.
type RaftConfig struct {
	NodeID    string   `yaml:"nodeId"`
	BindAddr  string   `yaml:"bindAddr"`
	DataDir   string   `yaml:"dataDir"`
	Bootstrap bool     `yaml:"bootstrap"`
	Peers     []string `yaml:"peers"`
}

// EtcdConfig configures the group repository.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
}

// StorageConfig configures the bbolt-backed instance tracker.
// DeploymentsDBPath is decoded but cmd/schedulerd does not read it: the
// deployment repository always lives at deployments.db in the raft data
// directory.
type StorageConfig struct {
	InstancesDBPath   string `yaml:"instancesDbPath"`
	DeploymentsDBPath string `yaml:"deploymentsDbPath"`
}

// LogConfig configures corelog.
type LogConfig struct {
	Level      corelog.Level `yaml:"level"`
	JSONOutput bool          `yaml:"jsonOutput"`
}

// BackoffConfig overrides backoff.DefaultPolicy for child-worker supervision.
type BackoffConfig struct {
	Min    time.Duration `yaml:"min"`
	Max    time.Duration `yaml:"max"`
	Jitter float64       `yaml:"jitter"`
}

// MetricsConfig configures the Prometheus scrape endpoint.
type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// Policy converts BackoffConfig into a backoff.Policy, falling back to
// backoff.DefaultPolicy for any zero field.
func (b BackoffConfig) Policy() backoff.Policy {
	p := backoff.DefaultPolicy
	if b.Min > 0 {
		p.Min = b.Min
	}
	if b.Max > 0 {
		p.Max = b.Max
	}
	if b.Jitter > 0 {
		p.Jitter = b.Jitter
	}
	return p
}

// Load reads and decodes the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}
