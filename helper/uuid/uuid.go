// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package uuid generates the random identifiers used for task groups and
// supervisor identities.
package uuid

import (
	"github.com/hashicorp/go-uuid"
)

// Generate returns a random UUID. Failure to read entropy is unrecoverable.
func Generate() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		panic(err)
	}
	return id
}
