// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/mattn/go-colorable"

	"github.com/marlinproj/marlin/version"
)

// Command is the `agent` CLI command. It assembles configuration, starts
// the agent and blocks until signalled.
type Command struct {
	Version *version.VersionInfo
	Ui      interface {
		Output(string)
		Error(string)
	}

	args []string
}

func (c *Command) Help() string {
	helpText := `
Usage: marlin-supervisor agent [options]

  Starts the supervisor agent. The agent discovers unassigned jobs in the
  metadata store, takes ownership of them and drives their phases to
  completion.

General Options:

  -config=<path>
    Path to an HCL configuration file. May be specified multiple times;
    later files override earlier ones.

  -log-level=<level>
    Log verbosity: trace, debug, info, warn or error. Defaults to info.

  -uuid=<uuid>
    Pin the supervisor identity instead of generating one at startup.

  -bind=<addr>
    Address for the introspection HTTP listener. Defaults to 127.0.0.1.

  -consul=<addr>
    Address of the Consul agent backing the metadata store.
`
	return strings.TrimSpace(helpText)
}

func (c *Command) Synopsis() string {
	return "Run the supervisor agent"
}

func (c *Command) Run(args []string) int {
	c.args = args

	config := c.readConfig()
	if config == nil {
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "marlin",
		Level:  hclog.LevelFromString(config.LogLevel),
		Output: colorable.NewColorableStderr(),
		Color:  hclog.AutoColor,
	})

	c.Ui.Output(fmt.Sprintf("Marlin supervisor %s starting", c.Version.VersionNumber()))

	agent, err := NewAgent(config, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %v", err))
		return 1
	}

	return c.handleSignals(agent, logger)
}

// readConfig folds defaults, config files and flags together.
func (c *Command) readConfig() *Config {
	var configPaths []string
	cmdConfig := &Config{Ports: &Ports{}, Consul: &ConsulConfig{}}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }
	flags.Var((*flagStringSlice)(&configPaths), "config", "config file")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.StringVar(&cmdConfig.UUID, "uuid", "", "")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.StringVar(&cmdConfig.Consul.Address, "consul", "", "")
	flags.IntVar(&cmdConfig.Ports.HTTP, "http-port", 0, "")
	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	config := DefaultConfig()
	for _, path := range configPaths {
		fileConfig, err := ParseConfigFile(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %v", path, err))
			return nil
		}
		config = config.Merge(fileConfig)
	}
	return config.Merge(cmdConfig)
}

// handleSignals blocks until the agent is told to exit.
func (c *Command) handleSignals(agent *Agent, logger hclog.Logger) int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	sig := <-signalCh
	logger.Info("caught signal", "signal", sig)
	agent.Shutdown()
	return 0
}

// flagStringSlice collects repeated string flags.
type flagStringSlice []string

func (f *flagStringSlice) String() string { return strings.Join(*f, ",") }

func (f *flagStringSlice) Set(v string) error {
	*f = append(*f, v)
	return nil
}
