// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"time"

	"github.com/marlinproj/marlin/helper/uuid"
	"github.com/marlinproj/marlin/mds"
	"github.com/marlinproj/marlin/supervisor"
)

// Config is the agent's configuration, assembled from defaults, an optional
// HCL config file and command line flags (highest precedence last).
// Durations are strings ("30s") so they can round-trip through HCL.
type Config struct {
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `hcl:"log_level"`

	// BindAddr and Ports place the introspection HTTP surface.
	BindAddr string `hcl:"bind_addr"`
	Ports    *Ports `hcl:"ports"`

	// UUID is the supervisor identity. Generated at startup when empty;
	// pin it in config to keep a stable identity across restarts.
	UUID string `hcl:"uuid"`

	FindInterval  string `hcl:"find_interval"`
	TickInterval  string `hcl:"tick_interval"`
	LockStaleness string `hcl:"lock_staleness"`
	OpTimeout     string `hcl:"op_timeout"`
	MaxOwnedJobs  int    `hcl:"max_owned_jobs"`
	MaxOpRetries  int    `hcl:"max_op_retries"`

	Consul *ConsulConfig `hcl:"consul"`
}

// Ports holds the listener ports.
type Ports struct {
	HTTP int `hcl:"http"`
}

// ConsulConfig configures the metadata-store connection.
type ConsulConfig struct {
	Address          string `hcl:"address"`
	Token            string `hcl:"token"`
	JobsBucket       string `hcl:"jobs_bucket"`
	TaskGroupsBucket string `hcl:"task_groups_bucket"`
	LocationsBucket  string `hcl:"locations_bucket"`
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		BindAddr: "127.0.0.1",
		Ports: &Ports{
			HTTP: 4747,
		},
		FindInterval:  "5s",
		TickInterval:  "1s",
		LockStaleness: "30s",
		OpTimeout:     "10s",
		MaxOwnedJobs:  128,
		MaxOpRetries:  30,
		Consul:        &ConsulConfig{},
	}
}

// Merge folds b into c, with b taking precedence, and returns the result.
// Neither input is mutated.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.Ports != nil {
		ports := *result.Ports
		if b.Ports.HTTP != 0 {
			ports.HTTP = b.Ports.HTTP
		}
		result.Ports = &ports
	}
	if b.UUID != "" {
		result.UUID = b.UUID
	}
	if b.FindInterval != "" {
		result.FindInterval = b.FindInterval
	}
	if b.TickInterval != "" {
		result.TickInterval = b.TickInterval
	}
	if b.LockStaleness != "" {
		result.LockStaleness = b.LockStaleness
	}
	if b.OpTimeout != "" {
		result.OpTimeout = b.OpTimeout
	}
	if b.MaxOwnedJobs != 0 {
		result.MaxOwnedJobs = b.MaxOwnedJobs
	}
	if b.MaxOpRetries != 0 {
		result.MaxOpRetries = b.MaxOpRetries
	}
	if b.Consul != nil {
		consul := *result.Consul
		if b.Consul.Address != "" {
			consul.Address = b.Consul.Address
		}
		if b.Consul.Token != "" {
			consul.Token = b.Consul.Token
		}
		if b.Consul.JobsBucket != "" {
			consul.JobsBucket = b.Consul.JobsBucket
		}
		if b.Consul.TaskGroupsBucket != "" {
			consul.TaskGroupsBucket = b.Consul.TaskGroupsBucket
		}
		if b.Consul.LocationsBucket != "" {
			consul.LocationsBucket = b.Consul.LocationsBucket
		}
		result.Consul = &consul
	}
	return &result
}

// SupervisorConfig converts the agent config into a supervisor config,
// generating an identity when none is pinned.
func (c *Config) SupervisorConfig() (*supervisor.Config, error) {
	conf := supervisor.DefaultConfig()

	conf.UUID = c.UUID
	if conf.UUID == "" {
		conf.UUID = uuid.Generate()
	}

	var err error
	if conf.FindInterval, err = parseDuration("find_interval", c.FindInterval); err != nil {
		return nil, err
	}
	if conf.TickInterval, err = parseDuration("tick_interval", c.TickInterval); err != nil {
		return nil, err
	}
	if conf.LockStaleness, err = parseDuration("lock_staleness", c.LockStaleness); err != nil {
		return nil, err
	}
	if conf.OpTimeout, err = parseDuration("op_timeout", c.OpTimeout); err != nil {
		return nil, err
	}
	if c.MaxOwnedJobs != 0 {
		conf.MaxOwnedJobs = c.MaxOwnedJobs
	}
	if c.MaxOpRetries != 0 {
		conf.MaxOpRetries = c.MaxOpRetries
	}
	return conf, nil
}

// MDSConfig converts the agent config into the metadata-store gateway
// config.
func (c *Config) MDSConfig() (*mds.ConsulConfig, error) {
	conf := mds.DefaultConsulConfig()
	conf.Address = c.Consul.Address
	conf.Token = c.Consul.Token
	if c.Consul.JobsBucket != "" {
		conf.JobsBucket = c.Consul.JobsBucket
	}
	if c.Consul.TaskGroupsBucket != "" {
		conf.TaskGroupsBucket = c.Consul.TaskGroupsBucket
	}
	if c.Consul.LocationsBucket != "" {
		conf.LocationsBucket = c.Consul.LocationsBucket
	}

	var err error
	if conf.LockStaleness, err = parseDuration("lock_staleness", c.LockStaleness); err != nil {
		return nil, err
	}
	if conf.OpTimeout, err = parseDuration("op_timeout", c.OpTimeout); err != nil {
		return nil, err
	}
	return conf, nil
}

func parseDuration(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return d, nil
}
