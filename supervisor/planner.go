// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package supervisor

import (
	"fmt"
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/marlinproj/marlin/helper/uuid"
	"github.com/marlinproj/marlin/marlin/structs"
	"github.com/marlinproj/marlin/mds"
)

// plan is the planner for the current phase: resolve the input key set, diff
// it against the groups already persisted, locate the still-unassigned keys,
// partition them by preferred host into fresh task groups, and persist
// those. The durable records are the source of truth, which makes the whole
// function idempotent: a crashed supervisor re-entering here subtracts
// whatever its predecessor already wrote and only emits groups for keys
// still missing.
func (j *jobState) plan(s *Supervisor) {
	defer metrics.MeasureSince([]string{"marlin", "supervisor", "plan"}, time.Now())

	slot := j.phases[j.phaseIndex]

	// Step 1: input key set.
	if len(slot.input) == 0 {
		slot.input = j.computeInput(j.phaseIndex)
	}

	// Step 2: unassigned = set(input) \ union of group input keys. Prior
	// entries to this function may have persisted groups, so this is
	// recomputed every time.
	if j.recomputeUnassigned(slot) == 0 {
		j.enterRunning(s)
		return
	}

	// Deterministic request order: input order, first occurrence wins.
	keys := make([]string, 0, slot.unassigned.Size())
	seen := make(map[string]struct{}, slot.unassigned.Size())
	for _, key := range slot.input {
		if !slot.unassigned.Contains(key) {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}

	phaseNum := j.phaseIndex
	phase := append(structs.Phase(nil), j.record.Phases[phaseNum]...)
	jobID := j.id

	// Steps 3-5 run as one outstanding operation: locate, partition,
	// persist. The partition works purely on data captured above.
	gen := j.beginOp("plan")
	go func() {
		ctx, cancel := s.opContext()
		defer cancel()

		locations, err := s.gw.Locate(ctx, keys)
		if err != nil {
			s.complete(jobID, gen, func(js *jobState) {
				js.endOp()
				js.transientFailure(s, "locate", err)
			})
			return
		}

		newGroups, unlocatable := partitionKeys(jobID, phaseNum, phase, keys, locations)

		var outcomes []error
		var saveErr error
		if len(newGroups) > 0 {
			outcomes, saveErr = s.gw.SaveTaskGroups(ctx, newGroups)
			if outcomes == nil {
				// Call-level failure: nothing was written.
				outcomes = make([]error, len(newGroups))
				for i := range outcomes {
					outcomes[i] = saveErr
				}
			}
		}

		s.complete(jobID, gen, func(js *jobState) {
			js.endOp()
			js.applyPlan(s, phaseNum, newGroups, outcomes, unlocatable, saveErr)
		})
	}()
}

// partitionKeys is step 4: group the located keys by their preferred host
// into fresh dispatched task groups. Keys with an empty host list are
// returned as unlocatable; keys absent from the locate response stay
// unassigned for the next tick. Hosts are emitted in sorted order so
// repeated planning of the same keys produces the same partition.
func partitionKeys(jobID string, phaseNum int, phase structs.Phase, keys []string, locations map[string][]string) ([]*structs.TaskGroupRecord, []string) {
	requested := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		requested[key] = struct{}{}
	}

	byHost := make(map[string][]string)
	var unlocatable []string
	for _, key := range keys {
		hosts, ok := locations[key]
		if !ok {
			continue
		}
		if len(hosts) == 0 {
			unlocatable = append(unlocatable, key)
			continue
		}
		byHost[hosts[0]] = append(byHost[hosts[0]], key)
	}

	hosts := make([]string, 0, len(byHost))
	for host := range byHost {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	groups := make([]*structs.TaskGroupRecord, 0, len(hosts))
	for _, host := range hosts {
		groups = append(groups, &structs.TaskGroupRecord{
			JobID:       jobID,
			TaskGroupID: uuid.Generate(),
			PhaseNum:    phaseNum,
			Host:        host,
			InputKeys:   byHost[host],
			Phase:       append(structs.Phase(nil), phase...),
			State:       structs.TaskGroupStateDispatched,
			Results:     []*structs.TaskResult{},
		})
	}
	return groups, unlocatable
}

// applyPlan is steps 5-6's completion: merge the persisted groups, record
// unlocatable keys as failures, and advance to running once nothing is left
// unassigned.
func (j *jobState) applyPlan(s *Supervisor, phaseNum int, newGroups []*structs.TaskGroupRecord, outcomes []error, unlocatable []string, saveErr error) {
	if phaseNum != j.phaseIndex {
		// Can only happen if the phase advanced under a stale completion,
		// which the generation check already prevents.
		panic(fmt.Sprintf("job %s: plan completion for phase %d but current phase is %d",
			j.id, phaseNum, j.phaseIndex))
	}
	slot := j.phases[phaseNum]

	for _, key := range unlocatable {
		j.logger.Warn("input key has no hosts; recording failure", "key", key, "phase", phaseNum)
		slot.failures[key] = "no hosts hold this object"
		metrics.IncrCounter([]string{"marlin", "supervisor", "unlocatable_keys"}, 1)
	}

	persisted := 0
	for i, g := range newGroups {
		if outcomes[i] != nil {
			if mds.IsConflict(outcomes[i]) {
				// Freshly generated UUIDs cannot collide with existing
				// records.
				panic(fmt.Sprintf("job %s: task group id collision on %s", j.id, g.TaskGroupID))
			}
			continue
		}
		if _, exists := slot.groups[g.TaskGroupID]; exists {
			panic(fmt.Sprintf("job %s: planned task group %s already tracked", j.id, g.TaskGroupID))
		}
		j.groupPhase[g.TaskGroupID] = phaseNum
		slot.groups[g.TaskGroupID] = g
		persisted++
	}
	if persisted > 0 {
		metrics.IncrCounter([]string{"marlin", "supervisor", "task_groups_written"}, float32(persisted))
	}

	if saveErr != nil {
		j.transientFailure(s, "save-task-groups", saveErr)
	} else {
		j.consecutiveFailures = 0
	}
	if j.finishing || j.state == jobDone {
		return
	}

	// Step 6: advance once the phase has nothing left to assign; otherwise
	// the next tick re-enters the planner and reconciles.
	if j.recomputeUnassigned(slot) == 0 {
		j.enterRunning(s)
	}
}

// enterRunning transitions the phase to execution and makes sure the
// task-group watch is up.
func (j *jobState) enterRunning(s *Supervisor) {
	j.setState(jobRunning)
	if j.watch == nil {
		w, err := s.gw.WatchTaskGroups(j.id)
		if err != nil {
			j.logger.Warn("failed to start task group watch", "error", err)
			return
		}
		j.watch = w
	}
}
