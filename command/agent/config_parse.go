// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl"
)

// ParseConfigFile parses an agent Config from an HCL file.
func ParseConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	c := &Config{}
	if err := hcl.Decode(c, string(data)); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return c, nil
}
