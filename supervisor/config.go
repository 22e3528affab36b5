// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package supervisor

import (
	"fmt"
	"time"
)

// Config parameterizes a Supervisor. The zero value is not usable; start
// from DefaultConfig.
type Config struct {
	// UUID is the stable identity this supervisor writes into the worker
	// field of job records it owns.
	UUID string

	// FindInterval is the polling period for unassigned-job discovery.
	FindInterval time.Duration

	// TickInterval is the reconciliation period. Every owned job is ticked
	// once per interval.
	TickInterval time.Duration

	// LockStaleness is how old an owned job's mtime may grow before other
	// supervisors treat the job as abandoned. Heartbeats are sent at a
	// third of this interval.
	LockStaleness time.Duration

	// OpTimeout bounds each metadata-store call. A completion that has not
	// arrived after twice this deadline is abandoned so the job cannot
	// wedge.
	OpTimeout time.Duration

	// MaxOwnedJobs caps the job table. Discovery beyond the cap is
	// dropped.
	MaxOwnedJobs int

	// MaxOpRetries bounds consecutive transient failures on a single job
	// before the job is failed. Zero disables the budget.
	MaxOpRetries int
}

// DefaultConfig returns the supervisor defaults. The UUID must still be
// filled in by the caller.
func DefaultConfig() *Config {
	return &Config{
		FindInterval:  5 * time.Second,
		TickInterval:  1 * time.Second,
		LockStaleness: 30 * time.Second,
		OpTimeout:     10 * time.Second,
		MaxOwnedJobs:  128,
		MaxOpRetries:  30,
	}
}

// Validate checks the config is usable.
func (c *Config) Validate() error {
	if c.UUID == "" {
		return fmt.Errorf("supervisor uuid is required")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.FindInterval <= 0 {
		return fmt.Errorf("find interval must be positive, got %s", c.FindInterval)
	}
	if c.OpTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive, got %s", c.OpTimeout)
	}
	if c.MaxOwnedJobs <= 0 {
		return fmt.Errorf("max owned jobs must be positive, got %d", c.MaxOwnedJobs)
	}
	return nil
}

// heartbeatInterval is the cadence at which owned jobs refresh their mtime.
func (c *Config) heartbeatInterval() time.Duration {
	return c.LockStaleness / 3
}
