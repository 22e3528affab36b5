// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command holds the CLI commands of the supervisor binary.
package command

import (
	"github.com/hashicorp/cli"

	"github.com/marlinproj/marlin/command/agent"
	"github.com/marlinproj/marlin/version"
)

// Commands returns the mapping of CLI commands.
func Commands(ui cli.Ui) map[string]cli.CommandFactory {
	versionInfo := version.GetVersion()

	return map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Version: versionInfo,
				Ui:      ui,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: versionInfo,
				Ui:      ui,
			}, nil
		},
	}
}
