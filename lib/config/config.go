// Copyright (C) The Farmout Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates farmout job configuration files.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/farmout-project/farmout/lib/farmout"
	"github.com/ghodss/yaml"
)

// SSH holds the client-side SSH parameters used for node probes and
// task launches. Authentication is key-based only.
type SSH struct {
	User           string `json:"user"`
	Port           string `json:"port"`
	PrivateKeyFile string `json:"private_key_file"`
}

// Config is one job's configuration. Zero-valued durations and limits
// are replaced with defaults by Load / ApplyDefaults.
type Config struct {
	JobName   string `json:"job_name"`
	OutputDir string `json:"output_dir"`
	Hostfile  string `json:"hostfile"`

	// Job shape. Any non-empty subset is accepted; the missing
	// values are completed by slots.ResolveShape.
	NTasks        int `json:"ntasks"`
	NNodes        int `json:"nnodes"`
	NTasksPerNode int `json:"ntasks_per_node"`

	SSH SSH `json:"ssh"`

	// ProbeTimeout bounds each node liveness probe.
	ProbeTimeout farmout.Duration `json:"probe_timeout"`
	// StallTimeout is how long a task's output file may go without
	// new bytes before the task is declared stalled.
	StallTimeout farmout.Duration `json:"stall_timeout"`
	// PollInterval is the delay between progress polls.
	PollInterval farmout.Duration `json:"poll_interval"`
	// MaxLaunchConcurrency caps simultaneous SSH launch sessions.
	MaxLaunchConcurrency int `json:"max_launch_concurrency"`

	// ManagementAddr, if set, enables the management HTTP API
	// (status JSON and prometheus metrics) on that address.
	ManagementAddr  string `json:"management_addr"`
	ManagementToken string `json:"management_token"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

const (
	defaultProbeTimeout         = farmout.Duration(10 * time.Second)
	defaultStallTimeout         = farmout.Duration(2 * time.Hour)
	defaultPollInterval         = farmout.Duration(5 * time.Second)
	defaultMaxLaunchConcurrency = 8
)

// Load reads the YAML file at path, decodes it into a Config, and
// applies defaults.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, fmt.Errorf("error decoding config %q: %s", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued tunables.
func (cfg *Config) ApplyDefaults() {
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxLaunchConcurrency == 0 {
		cfg.MaxLaunchConcurrency = defaultMaxLaunchConcurrency
	}
	if cfg.SSH.Port == "" {
		cfg.SSH.Port = "22"
	}
}

// Check returns a ConfigError if required fields are missing.
func (cfg *Config) Check() error {
	if cfg.JobName == "" {
		return farmout.Configf("job_name must not be empty")
	}
	if cfg.OutputDir == "" {
		return farmout.Configf("output_dir must not be empty")
	}
	return nil
}
