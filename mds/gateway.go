// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mds is the typed facade over the metadata store. All durable state
// of the system lives behind this interface: job records, task-group records
// and object locations. Two implementations exist, one backed by Consul KV
// for production and an in-memory double used by tests.
package mds

import (
	"context"

	"github.com/marlinproj/marlin/marlin/structs"
)

// Default bucket names. Deployments override these through configuration.
const (
	DefaultJobsBucket       = "marlinJobs"
	DefaultTaskGroupsBucket = "marlinTaskGroups"
	DefaultLocationsBucket  = "marlinLocations"
)

// Gateway abstracts every durable interaction the supervisor performs. All
// operations enforce a bounded wall-clock deadline internally so that a call
// can never wedge its caller, and classify failures per errors.go.
type Gateway interface {
	// FindUnassignedJobs scans the jobs bucket for records with no worker,
	// or whose mtime is older than the configured staleness threshold
	// (abandoned by a dead owner). Idempotent; may over-report since reads
	// are unconditional.
	FindUnassignedJobs(ctx context.Context) ([]*structs.JobRecord, error)

	// AssignJob conditionally claims a job: the write succeeds only if the
	// stored record's worker still equals expectedWorker (empty, or the
	// prior owner observed during discovery). On success the stored record
	// carries candidate's worker and a refreshed mtime; the stored record
	// is returned. Fails with ErrConflict if another supervisor won the
	// race.
	AssignJob(ctx context.Context, candidate *structs.JobRecord, expectedWorker string) (*structs.JobRecord, error)

	// HeartbeatJob refreshes mtime on a job owned by worker. Fails with
	// ErrLockLost if the stored worker no longer matches.
	HeartbeatJob(ctx context.Context, jobID, worker string) error

	// CompleteJob conditionally writes the terminal form of a job record
	// (state, results, mtime), requiring the stored worker to still equal
	// rec.Worker. Fails with ErrLockLost otherwise.
	CompleteJob(ctx context.Context, rec *structs.JobRecord) error

	// ListTaskGroups returns the task-group records for a job. Restartable;
	// may include records later superseded. Records failing schema
	// validation are skipped and logged, never returned.
	ListTaskGroups(ctx context.Context, jobID string) ([]*structs.TaskGroupRecord, error)

	// SaveTaskGroups creates new task-group records. A create fails with
	// ErrConflict when the taskGroupId already exists. The returned slice
	// has one entry per input record (nil meaning written); the second
	// return aggregates the non-nil outcomes.
	SaveTaskGroups(ctx context.Context, groups []*structs.TaskGroupRecord) ([]error, error)

	// WatchTaskGroups produces a lazy, restartable stream of task-group
	// snapshots for a job. The stream coalesces: a slow consumer observes
	// the latest snapshot, not every intermediate one.
	WatchTaskGroups(jobID string) (TaskGroupWatch, error)

	// Locate resolves object keys to the hosts storing them, in preference
	// order (first is preferred). Keys may be omitted from the result when
	// the store has no answer yet; a present key with an empty host list is
	// definitively unlocatable.
	Locate(ctx context.Context, keys []string) (map[string][]string, error)
}

// TaskGroupWatch is a running watch on one job's task groups.
type TaskGroupWatch interface {
	// Updates delivers snapshots of all task-group records for the job.
	// The channel is closed after Stop.
	Updates() <-chan []*structs.TaskGroupRecord

	// Stop terminates the watch and releases its resources.
	Stop()
}
