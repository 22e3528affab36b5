// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package supervisor

import (
	"fmt"
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	set "github.com/hashicorp/go-set/v3"

	"github.com/marlinproj/marlin/marlin/structs"
	"github.com/marlinproj/marlin/mds"
)

// In-memory job states. These are distinct from the coarse durable status on
// the job record: they exist only inside one supervisor and are rebuilt from
// the store after a crash.
const (
	jobUnassigned    = "unassigned"
	jobUninitialized = "uninitialized"
	jobPlanning      = "planning"
	jobRunning       = "running"
	jobDone          = "done"
)

// jobState is the per-job in-memory state machine. Everything here is
// reconstructible: the durable task-group records are the source of truth
// and restore() rebuilds the rest.
type jobState struct {
	id     string
	record *structs.JobRecord
	logger hclog.Logger

	state          string
	stateEnteredAt time.Time

	// pendingOp names the single outstanding gateway call, or "" when
	// idle. opGen is bumped when an operation starts and when one is
	// abandoned, so a late completion can detect it has been superseded.
	pendingOp      string
	pendingOpStart time.Time
	opGen          uint64

	// phaseIndex is the current phase. phases holds one slot per phase of
	// the job; slots before phaseIndex only carry their groups map (needed
	// to derive the next phase's input), not their key sets.
	phaseIndex int
	phases     []*phaseState

	// groupPhase indexes every absorbed task-group id to its phase, to
	// reject an id reappearing under a different phase.
	groupPhase map[string]int

	watch mds.TaskGroupWatch

	lastHeartbeat time.Time

	// consecutiveFailures counts back-to-back transient failures; it resets
	// on any successful completion and escalates to a job-level failure
	// when the retry budget is exhausted.
	consecutiveFailures int

	// finishing marks that the terminal job record is being persisted.
	// finalRecord is what gets written.
	finishing   bool
	finalRecord *structs.JobRecord
}

// phaseState is the in-memory slot for one phase.
type phaseState struct {
	// input is the resolved, ordered input key sequence. Duplicates are
	// preserved here; assignment works on the deduplicated set.
	input []string

	// groups maps taskGroupId to the latest observed record for this
	// phase.
	groups map[string]*structs.TaskGroupRecord

	// unassigned is input minus every key claimed by a group, minus failed
	// keys. Recomputed on every planner entry.
	unassigned *set.Set[string]

	// failures records keys that will never be assigned (unlocatable), by
	// reason. Surfaced in the job's terminal results.
	failures map[string]string
}

func newPhaseState() *phaseState {
	return &phaseState{
		groups:     make(map[string]*structs.TaskGroupRecord),
		unassigned: set.New[string](0),
		failures:   make(map[string]string),
	}
}

func newJobState(s *Supervisor, rec *structs.JobRecord) *jobState {
	js := &jobState{
		id:         rec.JobID,
		record:     rec.Copy(),
		logger:     s.logger.Named("job").With("job_id", rec.JobID),
		groupPhase: make(map[string]int),
	}
	js.phases = make([]*phaseState, len(rec.Phases))
	for i := range js.phases {
		js.phases[i] = newPhaseState()
	}
	js.setState(jobUnassigned)
	return js
}

func (j *jobState) setState(next string) {
	if j.state != next {
		j.logger.Debug("job state transition", "from", j.state, "to", next)
	}
	j.state = next
	j.stateEnteredAt = time.Now()
}

// beginOp marks an operation outstanding and returns the generation token
// its completion must present.
func (j *jobState) beginOp(name string) uint64 {
	if j.pendingOp != "" {
		panic(fmt.Sprintf("job %s: operation %q started while %q outstanding", j.id, name, j.pendingOp))
	}
	j.pendingOp = name
	j.pendingOpStart = time.Now()
	j.opGen++
	return j.opGen
}

// endOp clears the outstanding marker. Called from completions that passed
// the liveness check.
func (j *jobState) endOp() {
	j.pendingOp = ""
}

// abandonOp clears a wedged operation and invalidates its completion.
func (j *jobState) abandonOp() {
	j.pendingOp = ""
	j.opGen++
}

func (j *jobState) stopWatch() {
	if j.watch != nil {
		j.watch.Stop()
		j.watch = nil
	}
}

// tick advances the job by at most one step. It is the sole state advancer
// and runs under the supervisor lock.
func (j *jobState) tick(s *Supervisor) {
	if j.pendingOp != "" {
		// The gateway bounds every call, so a completion materially older
		// than the deadline means the goroutine was lost; abandon it
		// rather than wedging the job forever.
		if time.Since(j.pendingOpStart) > 2*s.config.OpTimeout {
			j.logger.Warn("abandoning wedged operation", "op", j.pendingOp)
			j.abandonOp()
		} else {
			return
		}
	}

	if j.state == jobDone {
		return
	}

	if j.state != jobUnassigned && j.heartbeatDue(s) {
		j.heartbeat(s)
		return
	}

	if j.finishing {
		j.finish(s)
		return
	}

	switch j.state {
	case jobUnassigned:
		j.assign(s)
	case jobUninitialized:
		j.restore(s)
	case jobPlanning:
		j.plan(s)
	case jobRunning:
		j.evaluateRunning(s)
	default:
		panic(fmt.Sprintf("job %s in impossible state %q", j.id, j.state))
	}
}

// transientFailure logs a retryable failure and charges it against the
// job's retry budget. The tick loop is the retry mechanism.
func (j *jobState) transientFailure(s *Supervisor, op string, err error) {
	j.consecutiveFailures++
	j.logger.Warn("transient failure; will retry next tick",
		"op", op, "failures", j.consecutiveFailures, "error", err)
	metrics.IncrCounter([]string{"marlin", "supervisor", "transient_failures"}, 1)

	if j.finishing {
		// Already persisting the terminal record; keep retrying until it
		// lands or the lock is lost.
		return
	}
	if s.config.MaxOpRetries > 0 && j.consecutiveFailures >= s.config.MaxOpRetries {
		j.logger.Error("retry budget exhausted; failing job", "op", op)
		j.finishJob(s, fmt.Sprintf("supervisor retry budget exhausted during %s: %v", op, err))
	}
}

func (j *jobState) heartbeatDue(s *Supervisor) bool {
	return time.Since(j.lastHeartbeat) >= s.config.heartbeatInterval()
}

// heartbeat refreshes the job record's mtime so other supervisors do not
// treat this job as abandoned.
func (j *jobState) heartbeat(s *Supervisor) {
	gen := j.beginOp("heartbeat")
	go func() {
		ctx, cancel := s.opContext()
		defer cancel()
		err := s.gw.HeartbeatJob(ctx, j.id, s.config.UUID)
		s.complete(j.id, gen, func(js *jobState) {
			js.endOp()
			switch {
			case err == nil:
				js.consecutiveFailures = 0
				js.lastHeartbeat = time.Now()
			case mds.IsLockLost(err) || mds.IsConflict(err) || mds.IsNotFound(err):
				js.logger.Warn("lock lost on heartbeat; dropping job", "error", err)
				s.removeJobLocked(js, "lock lost")
			default:
				// Retryable; the mtime just stays older for one interval.
				js.logger.Warn("heartbeat failed", "error", err)
			}
		})
	}()
}

// assign races for ownership: conditional write of the record with our
// worker id, expecting the worker observed at discovery.
func (j *jobState) assign(s *Supervisor) {
	candidate := j.record.Copy()
	priorWorker := candidate.Worker
	candidate.Worker = s.config.UUID
	candidate.State = structs.JobStateRunning

	gen := j.beginOp("assign")
	go func() {
		ctx, cancel := s.opContext()
		defer cancel()
		rec, err := s.gw.AssignJob(ctx, candidate, priorWorker)
		s.complete(j.id, gen, func(js *jobState) {
			js.endOp()
			switch {
			case err == nil:
				js.consecutiveFailures = 0
				js.record = rec
				js.lastHeartbeat = time.Now()
				js.setState(jobUninitialized)
				js.tick(s)
			case mds.IsConflict(err) || mds.IsNotFound(err) || mds.IsValidation(err):
				js.logger.Debug("lost assignment race; dropping job", "error", err)
				metrics.IncrCounter([]string{"marlin", "supervisor", "assign_conflicts"}, 1)
				s.removeJobLocked(js, "assignment conflict")
			default:
				js.transientFailure(s, "assign", err)
			}
		})
	}()
}

// restore rebuilds prior progress from the durable task-group records. The
// presence of any record in phase k proves every phase before k completed,
// so the current phase is the highest phase observed.
func (j *jobState) restore(s *Supervisor) {
	gen := j.beginOp("restore")
	go func() {
		ctx, cancel := s.opContext()
		defer cancel()
		groups, err := s.gw.ListTaskGroups(ctx, j.id)
		s.complete(j.id, gen, func(js *jobState) {
			js.endOp()
			if err != nil {
				js.transientFailure(s, "restore", err)
				return
			}
			js.consecutiveFailures = 0
			js.absorbGroups(groups)

			maxPhase := 0
			for _, phase := range js.groupPhase {
				if phase > maxPhase {
					maxPhase = phase
				}
			}
			js.phaseIndex = maxPhase
			js.setState(jobPlanning)
			js.tick(s)
		})
	}()
}

// absorbGroups bins task-group records into their phase slots, discarding
// records that violate the job's shape. Re-delivery of a known id within
// its phase is an update (agents rewrite records as they progress).
func (j *jobState) absorbGroups(groups []*structs.TaskGroupRecord) {
	for _, g := range groups {
		if g.PhaseNum >= len(j.record.Phases) {
			j.logger.Warn("ignoring task group with out-of-range phase",
				"task_group_id", g.TaskGroupID, "phase", g.PhaseNum,
				"phases", len(j.record.Phases))
			continue
		}
		if prior, ok := j.groupPhase[g.TaskGroupID]; ok && prior != g.PhaseNum {
			j.logger.Warn("ignoring duplicate task group id in different phase",
				"task_group_id", g.TaskGroupID, "phase", g.PhaseNum, "prior_phase", prior)
			continue
		}
		j.groupPhase[g.TaskGroupID] = g.PhaseNum
		j.phases[g.PhaseNum].groups[g.TaskGroupID] = g
	}
}

// evaluateRunning drains the task-group watch, checks whether the current
// phase's input expanded (which sends the job back to planning), and tests
// for phase completion.
func (j *jobState) evaluateRunning(s *Supervisor) {
	if j.watch == nil {
		w, err := s.gw.WatchTaskGroups(j.id)
		if err != nil {
			j.logger.Warn("failed to start task group watch", "error", err)
			return
		}
		j.watch = w
	}

	// Drain every pending snapshot; the watch coalesces so this is cheap.
	for {
		select {
		case snapshot, ok := <-j.watch.Updates():
			if !ok {
				// Watch died; restart it next tick.
				j.watch.Stop()
				j.watch = nil
				return
			}
			j.absorbGroups(snapshot)
			continue
		default:
		}
		break
	}

	slot := j.phases[j.phaseIndex]

	// A phase result may expand this phase's input after planning ran
	// (agents append results over time). Recompute and drop back to
	// planning if new keys appeared.
	slot.input = j.computeInput(j.phaseIndex)
	if j.recomputeUnassigned(slot) > 0 {
		j.logger.Debug("phase input expanded; resuming planning",
			"phase", j.phaseIndex, "unassigned", slot.unassigned.Size())
		j.setState(jobPlanning)
		j.tick(s)
		return
	}

	// Completion test: every group done, every per-key result ok. A failed
	// result is terminal for the whole job.
	for _, g := range slot.groups {
		if !g.Done() {
			return
		}
	}
	for _, g := range slot.groups {
		if failed := g.FailedResults(); len(failed) > 0 {
			j.logger.Error("task group reported failed keys; failing job",
				"task_group_id", g.TaskGroupID, "failed", len(failed))
			j.finishJob(s, fmt.Sprintf("phase %d task group %s reported %d failed keys",
				j.phaseIndex, g.TaskGroupID, len(failed)))
			return
		}
	}

	if j.phaseIndex+1 < len(j.record.Phases) {
		j.logger.Info("phase complete; advancing", "phase", j.phaseIndex)
		j.phaseIndex++
		j.setState(jobPlanning)
		j.tick(s)
		return
	}

	j.logger.Info("final phase complete", "phase", j.phaseIndex)
	j.finishJob(s, "")
}

// computeInput resolves the ordered input key sequence for a phase: the
// job's input keys for phase zero, the concatenated ok-outputs of the prior
// phase's groups otherwise. Group order is by id so the sequence is stable
// across supervisors.
func (j *jobState) computeInput(phase int) []string {
	if phase == 0 {
		return append([]string(nil), j.record.InputKeys...)
	}

	prev := j.phases[phase-1]
	ids := make([]string, 0, len(prev.groups))
	for id := range prev.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var input []string
	for _, id := range ids {
		for _, r := range prev.groups[id].Results {
			if r.OK() {
				input = append(input, r.Outputs...)
			}
		}
	}
	return input
}

// recomputeUnassigned rebuilds slot.unassigned as set(input) minus every key
// already claimed by a group or recorded as failed, returning its size.
func (j *jobState) recomputeUnassigned(slot *phaseState) int {
	assigned := set.New[string](0)
	for _, g := range slot.groups {
		assigned.InsertSlice(g.InputKeys)
	}

	slot.unassigned = set.New[string](0)
	for _, key := range slot.input {
		if assigned.Contains(key) {
			continue
		}
		if _, failed := slot.failures[key]; failed {
			continue
		}
		slot.unassigned.Insert(key)
	}
	return slot.unassigned.Size()
}

// finishJob builds the terminal job record and starts persisting it. An
// empty failure message means the job succeeded.
func (j *jobState) finishJob(s *Supervisor, failure string) {
	candidate := j.record.Copy()
	candidate.State = structs.JobStateDone
	candidate.Error = failure
	candidate.Results = j.collectResults()

	j.finishing = true
	j.finalRecord = candidate
	j.finish(s)
}

// collectResults gathers the per-key failure outcomes accumulated across
// phases: unlocatable keys and keys agents reported as failed.
func (j *jobState) collectResults() []*structs.TaskResult {
	var out []*structs.TaskResult
	for _, slot := range j.phases {
		keys := make([]string, 0, len(slot.failures))
		for key := range slot.failures {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			out = append(out, &structs.TaskResult{
				Key:     key,
				Result:  structs.TaskResultFail,
				Message: slot.failures[key],
			})
		}

		ids := make([]string, 0, len(slot.groups))
		for id := range slot.groups {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			for _, r := range slot.groups[id].FailedResults() {
				out = append(out, r.Copy())
			}
		}
	}
	return out
}

// finish persists the terminal job record. Losing the lock here is fine:
// the other owner will finish the job itself.
func (j *jobState) finish(s *Supervisor) {
	final := j.finalRecord
	gen := j.beginOp("complete")
	go func() {
		ctx, cancel := s.opContext()
		defer cancel()
		err := s.gw.CompleteJob(ctx, final)
		s.complete(j.id, gen, func(js *jobState) {
			js.endOp()
			switch {
			case err == nil:
				js.consecutiveFailures = 0
				js.setState(jobDone)
			case mds.IsLockLost(err) || mds.IsConflict(err) || mds.IsNotFound(err) || mds.IsValidation(err):
				js.logger.Warn("lost lock while finishing job", "error", err)
				js.setState(jobDone)
			default:
				js.transientFailure(s, "complete", err)
			}
		})
	}()
}
