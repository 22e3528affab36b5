// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent wires the supervisor to its runtime surroundings: the
// metadata-store gateway, telemetry, and the introspection HTTP surface.
package agent

import (
	"fmt"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/marlinproj/marlin/mds"
	"github.com/marlinproj/marlin/supervisor"
)

// Agent is a running supervisor process.
type Agent struct {
	config     *Config
	logger     hclog.Logger
	gateway    mds.Gateway
	supervisor *supervisor.Supervisor
	httpServer *HTTPServer
}

// NewAgent builds and starts an agent from the given config.
func NewAgent(config *Config, logger hclog.Logger) (*Agent, error) {
	a := &Agent{
		config: config,
		logger: logger,
	}

	if err := a.setupTelemetry(); err != nil {
		return nil, err
	}

	mdsConfig, err := config.MDSConfig()
	if err != nil {
		return nil, err
	}
	gateway, err := mds.NewConsulGateway(mdsConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("metadata store gateway: %w", err)
	}
	a.gateway = gateway

	supConfig, err := config.SupervisorConfig()
	if err != nil {
		return nil, err
	}
	sup, err := supervisor.New(supConfig, logger, gateway)
	if err != nil {
		return nil, err
	}
	a.supervisor = sup

	httpServer, err := NewHTTPServer(a, config, logger)
	if err != nil {
		return nil, fmt.Errorf("http server: %w", err)
	}
	a.httpServer = httpServer

	sup.Start()
	a.logger.Info("agent started", "worker", supConfig.UUID, "http", httpServer.Addr)
	return a, nil
}

// setupTelemetry installs the in-memory metrics sink with a signal dump.
func (a *Agent) setupTelemetry() error {
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	conf := metrics.DefaultConfig("marlin")
	conf.EnableHostname = false
	if _, err := metrics.NewGlobal(conf, inm); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// Supervisor exposes the running supervisor for the HTTP surface.
func (a *Agent) Supervisor() *supervisor.Supervisor {
	return a.supervisor
}

// Shutdown stops the supervisor and the HTTP surface. Durable state is
// untouched; jobs this agent owned become discoverable as abandoned after
// the staleness threshold.
func (a *Agent) Shutdown() {
	a.logger.Info("agent shutting down")
	a.supervisor.Stop()
	a.httpServer.Shutdown()
}
