// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package supervisor

import (
	"sort"
	"time"
)

// WorkerSnapshot is the read-only view of the supervisor itself.
type WorkerSnapshot struct {
	UUID      string    `json:"uuid"`
	StartedAt time.Time `json:"startedAt"`
	LastFind  time.Time `json:"lastFind"`
	NumJobs   int       `json:"numJobs"`
}

// PhaseSnapshot is the read-only view of one phase slot of a job.
type PhaseSnapshot struct {
	Input          []string          `json:"input,omitempty"`
	NumGroups      int               `json:"numGroups"`
	UnassignedKeys []string          `json:"unassignedKeys,omitempty"`
	Failures       map[string]string `json:"failures,omitempty"`
}

// JobSnapshot is the read-only view of one tracked job.
type JobSnapshot struct {
	JobID               string          `json:"jobId"`
	State               string          `json:"state"`
	StateEnteredAt      time.Time       `json:"stateEnteredAt"`
	PendingOp           string          `json:"pendingOp,omitempty"`
	PhaseIndex          int             `json:"phaseIndex"`
	Phases              []PhaseSnapshot `json:"phases"`
	ConsecutiveFailures int             `json:"consecutiveFailures,omitempty"`
	Finishing           bool            `json:"finishing,omitempty"`
}

// Snapshot is a point-in-time copy of all supervisor state, keyed the way
// the introspection surface exposes it: the worker itself and the tracked
// jobs. No locks are held once it is returned and no interior pointers
// alias live state.
type Snapshot struct {
	Worker WorkerSnapshot          `json:"worker"`
	Jobs   map[string]*JobSnapshot `json:"jobs"`
}

// Snapshot copies the supervisor's state for operators and tests.
func (s *Supervisor) Snapshot() *Snapshot {
	s.l.Lock()
	defer s.l.Unlock()

	snap := &Snapshot{
		Worker: WorkerSnapshot{
			UUID:      s.config.UUID,
			StartedAt: s.startedAt,
			LastFind:  s.lastFind,
			NumJobs:   len(s.jobs),
		},
		Jobs: make(map[string]*JobSnapshot, len(s.jobs)),
	}
	for id, js := range s.jobs {
		snap.Jobs[id] = js.snapshotLocked()
	}
	return snap
}

// JobSnapshot returns the snapshot for a single tracked job, or false.
func (s *Supervisor) JobSnapshot(jobID string) (*JobSnapshot, bool) {
	s.l.Lock()
	defer s.l.Unlock()
	js, ok := s.jobs[jobID]
	if !ok {
		return nil, false
	}
	return js.snapshotLocked(), true
}

func (j *jobState) snapshotLocked() *JobSnapshot {
	snap := &JobSnapshot{
		JobID:               j.id,
		State:               j.state,
		StateEnteredAt:      j.stateEnteredAt,
		PendingOp:           j.pendingOp,
		PhaseIndex:          j.phaseIndex,
		Phases:              make([]PhaseSnapshot, len(j.phases)),
		ConsecutiveFailures: j.consecutiveFailures,
		Finishing:           j.finishing,
	}
	for i, slot := range j.phases {
		ps := PhaseSnapshot{
			Input:     append([]string(nil), slot.input...),
			NumGroups: len(slot.groups),
		}
		if slot.unassigned != nil && slot.unassigned.Size() > 0 {
			ps.UnassignedKeys = slot.unassigned.Slice()
			sort.Strings(ps.UnassignedKeys)
		}
		if len(slot.failures) > 0 {
			ps.Failures = make(map[string]string, len(slot.failures))
			for k, v := range slot.failures {
				ps.Failures[k] = v
			}
		}
		snap.Phases[i] = ps
	}
	return snap
}
