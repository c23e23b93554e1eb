package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the engine tuning knobs. Zero values are replaced by the
// defaults from DefaultConfig when loaded through Load.
type Config struct {
	// Workers is the dispatcher pool size per engine
	Workers int `yaml:"workers"`

	// PeriodicInterval is the heartbeat and cleanup cadence in seconds
	PeriodicInterval int `yaml:"periodic_interval"`

	// ServiceDownTime is the liveness threshold in seconds before a peer
	// engine is considered dead and its locks become stealable
	ServiceDownTime int `yaml:"service_down_time"`

	// DefaultActionTimeout is the per-action timeout in seconds when the
	// caller does not supply one
	DefaultActionTimeout int `yaml:"default_action_timeout"`

	// LockRetryTimes is the number of acquisition attempts before a steal
	// is considered or the acquisition fails
	LockRetryTimes int `yaml:"lock_retry_times"`

	// LockRetryInterval is the nominal backoff in seconds between lock
	// attempts; the actual sleep is a 1-2s jitter bounded by this value
	LockRetryInterval int `yaml:"lock_retry_interval"`

	// MaxNodesPerCluster is the upper bound enforced in size checks
	MaxNodesPerCluster int `yaml:"max_nodes_per_cluster"`

	// MaxActionsPerBatch bounds child actions per dispatch wave; 0 means
	// unlimited
	MaxActionsPerBatch int `yaml:"max_actions_per_batch"`

	// BatchInterval is the pause in seconds between node-action batches
	BatchInterval int `yaml:"batch_interval"`

	// ActionRetention is how long completed actions are kept, in seconds;
	// 0 keeps them forever
	ActionRetention int `yaml:"action_retention"`

	// DataDir is where the bbolt database lives
	DataDir string `yaml:"data_dir"`

	// Name identifies this engine binary for peer liveness grouping
	Name string `yaml:"name"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() *Config {
	return &Config{
		Workers:              1,
		PeriodicInterval:     60,
		ServiceDownTime:      60,
		DefaultActionTimeout: 3600,
		LockRetryTimes:       3,
		LockRetryInterval:    10,
		MaxNodesPerCluster:   1000,
		MaxActionsPerBatch:   0,
		BatchInterval:        3,
		ActionRetention:      0,
		DataDir:              "/var/lib/corral",
		Name:                 "corral-engine",
	}
}

// Load reads a YAML config file and fills unset fields with defaults.
// A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.merge(&file)
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
	if o.PeriodicInterval > 0 {
		c.PeriodicInterval = o.PeriodicInterval
	}
	if o.ServiceDownTime > 0 {
		c.ServiceDownTime = o.ServiceDownTime
	}
	if o.DefaultActionTimeout > 0 {
		c.DefaultActionTimeout = o.DefaultActionTimeout
	}
	if o.LockRetryTimes > 0 {
		c.LockRetryTimes = o.LockRetryTimes
	}
	if o.LockRetryInterval > 0 {
		c.LockRetryInterval = o.LockRetryInterval
	}
	if o.MaxNodesPerCluster > 0 {
		c.MaxNodesPerCluster = o.MaxNodesPerCluster
	}
	if o.MaxActionsPerBatch > 0 {
		c.MaxActionsPerBatch = o.MaxActionsPerBatch
	}
	if o.BatchInterval > 0 {
		c.BatchInterval = o.BatchInterval
	}
	if o.ActionRetention > 0 {
		c.ActionRetention = o.ActionRetention
	}
	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.Name != "" {
		c.Name = o.Name
	}
}
