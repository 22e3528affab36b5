// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package supervisor

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/marlinproj/marlin/ci"
	"github.com/marlinproj/marlin/helper/testlog"
	"github.com/marlinproj/marlin/helper/uuid"
	"github.com/marlinproj/marlin/marlin/structs"
	"github.com/marlinproj/marlin/mds"
	"github.com/marlinproj/marlin/testutil"
)

func testConfig() *Config {
	conf := DefaultConfig()
	conf.UUID = uuid.Generate()
	conf.FindInterval = 10 * time.Millisecond
	conf.TickInterval = 10 * time.Millisecond
	conf.OpTimeout = 2 * time.Second
	return conf
}

func testSupervisor(t *testing.T, conf *Config, gw mds.Gateway) *Supervisor {
	s, err := New(conf, testlog.HCLogger(t), gw)
	must.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func testJob(jobID string, phases int, keys ...string) *structs.JobRecord {
	rec := &structs.JobRecord{
		JobID:     jobID,
		InputKeys: keys,
		State:     structs.JobStateUnassigned,
		Mtime:     time.Now().UTC(),
	}
	for i := 0; i < phases; i++ {
		rec.Phases = append(rec.Phases,
			structs.Phase(json.RawMessage(fmt.Sprintf(`{"exec":"phase-%d"}`, i))))
	}
	return rec
}

// runAgents simulates the per-host compute agents: it polls for dispatched
// task groups of the job and completes them, mapping each input key to
// outputs(key). A nil outputs func produces ok results with no outputs.
func runAgents(t *testing.T, m *mds.Inmem, jobID string, outputs func(key string) []string) {
	stopCh := make(chan struct{})
	t.Cleanup(func() { close(stopCh) })

	go func() {
		for {
			select {
			case <-stopCh:
				return
			case <-time.After(5 * time.Millisecond):
			}

			for _, g := range m.GetTaskGroups(jobID) {
				if g.State != structs.TaskGroupStateDispatched {
					continue
				}
				done := g.Copy()
				done.State = structs.TaskGroupStateDone
				done.Results = nil
				for _, key := range g.InputKeys {
					r := &structs.TaskResult{Key: key, Result: structs.TaskResultOK}
					if outputs != nil {
						r.Outputs = outputs(key)
					}
					done.Results = append(done.Results, r)
				}
				if err := m.UpdateTaskGroup(done); err != nil {
					return
				}
			}
		}
	}()
}

// waitForJobState waits until the stored job record reaches the given
// durable state.
func waitForJobState(t *testing.T, m *mds.Inmem, jobID, state string) *structs.JobRecord {
	t.Helper()
	var rec *structs.JobRecord
	testutil.WaitForResult(func() (bool, error) {
		rec = m.GetJob(jobID)
		if rec == nil {
			return false, fmt.Errorf("job %q not in store", jobID)
		}
		if rec.State != state {
			return false, fmt.Errorf("job %q in state %q, want %q", jobID, rec.State, state)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
	return rec
}

func TestSupervisor_ColdStart(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	m.SetLocations("k2", "hostA")
	m.SetLocations("k3", "hostB", "hostA")
	m.SetLocations("k4", "hostB")
	m.SetLocations("k5", "hostC")
	m.SetLocations("k6", "hostC")
	must.NoError(t, m.PutJob(testJob("job-1", 1, "k1", "k2", "k3", "k4", "k5", "k6")))

	conf := testConfig()
	s := testSupervisor(t, conf, m)
	runAgents(t, m, "job-1", nil)
	s.Start()

	rec := waitForJobState(t, m, "job-1", structs.JobStateDone)
	must.Eq(t, conf.UUID, rec.Worker)
	must.Eq(t, "", rec.Error)
	must.Len(t, 0, rec.Results)

	// One group per preferred host, covering every key exactly once.
	groups := m.GetTaskGroups("job-1")
	must.Len(t, 3, groups)
	seen := make(map[string]int)
	for _, g := range groups {
		for _, key := range g.InputKeys {
			seen[key]++
		}
	}
	for _, key := range []string{"k1", "k2", "k3", "k4", "k5", "k6"} {
		must.Eq(t, 1, seen[key], must.Sprintf("key %s", key))
	}

	// The finished job leaves the table.
	testutil.WaitForResult(func() (bool, error) {
		if n := s.Snapshot().Worker.NumJobs; n != 0 {
			return false, fmt.Errorf("still tracking %d jobs", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
}

func TestSupervisor_Recovery(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		m.SetLocations(key, "host-"+key)
	}

	// A dead supervisor owned the job, planned k1 and k2, then crashed.
	rec := testJob("job-1", 1, "k1", "k2", "k3", "k4")
	rec.Worker = "w-dead"
	rec.State = structs.JobStateRunning
	rec.Mtime = time.Now().UTC().Add(-time.Minute)
	must.NoError(t, m.PutJob(rec))
	for _, key := range []string{"k1", "k2"} {
		_, err := m.SaveTaskGroups(t.Context(), []*structs.TaskGroupRecord{{
			JobID:       "job-1",
			TaskGroupID: uuid.Generate(),
			PhaseNum:    0,
			Host:        "host-" + key,
			InputKeys:   []string{key},
			Phase:       rec.Phases[0],
			State:       structs.TaskGroupStateDispatched,
			Results:     []*structs.TaskResult{},
		}})
		must.NoError(t, err)
	}

	conf := testConfig()
	s := testSupervisor(t, conf, m)
	runAgents(t, m, "job-1", nil)
	s.Start()

	final := waitForJobState(t, m, "job-1", structs.JobStateDone)
	must.Eq(t, conf.UUID, final.Worker)
	must.Eq(t, "", final.Error)

	// The takeover planned only the missing keys: four groups total, no key
	// covered twice.
	groups := m.GetTaskGroups("job-1")
	must.Len(t, 4, groups)
	seen := make(map[string]int)
	for _, g := range groups {
		for _, key := range g.InputKeys {
			seen[key]++
		}
	}
	for _, key := range []string{"k1", "k2", "k3", "k4"} {
		must.Eq(t, 1, seen[key], must.Sprintf("key %s", key))
	}
}

func TestSupervisor_AssignConflict(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	must.NoError(t, m.PutJob(testJob("job-1", 1, "k1")))

	confA := testConfig()
	confB := testConfig()
	sA := testSupervisor(t, confA, m)
	sB := testSupervisor(t, confB, m)
	runAgents(t, m, "job-1", nil)
	sA.Start()
	sB.Start()

	rec := waitForJobState(t, m, "job-1", structs.JobStateDone)

	// Exactly one of the two won the race and drove the job; the work was
	// planned exactly once.
	must.SliceContains(t, []string{confA.UUID, confB.UUID}, rec.Worker)
	must.Len(t, 1, m.GetTaskGroups("job-1"))

	testutil.WaitForResult(func() (bool, error) {
		if n := sA.Snapshot().Worker.NumJobs + sB.Snapshot().Worker.NumJobs; n != 0 {
			return false, fmt.Errorf("still tracking %d jobs", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
}

func TestSupervisor_PhaseAdvance(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	m.SetLocations("k2", "hostA")
	m.SetLocations("o1", "hostB")
	m.SetLocations("o2", "hostB")
	must.NoError(t, m.PutJob(testJob("job-1", 2, "k1", "k2")))

	conf := testConfig()
	s := testSupervisor(t, conf, m)
	runAgents(t, m, "job-1", func(key string) []string {
		// Phase 0 keys map to intermediate objects; phase 1 emits nothing.
		switch key {
		case "k1":
			return []string{"o1"}
		case "k2":
			return []string{"o2"}
		}
		return nil
	})
	s.Start()

	rec := waitForJobState(t, m, "job-1", structs.JobStateDone)
	must.Eq(t, "", rec.Error)

	groups := m.GetTaskGroups("job-1")
	must.Len(t, 2, groups)
	byPhase := make(map[int]*structs.TaskGroupRecord)
	for _, g := range groups {
		byPhase[g.PhaseNum] = g
	}
	must.Eq(t, []string{"k1", "k2"}, byPhase[0].InputKeys)
	must.Eq(t, "hostA", byPhase[0].Host)

	// Phase 1's input is the ok-outputs of phase 0.
	must.Eq(t, []string{"o1", "o2"}, byPhase[1].InputKeys)
	must.Eq(t, "hostB", byPhase[1].Host)
	must.Eq(t, json.RawMessage(`{"exec":"phase-1"}`), json.RawMessage(byPhase[1].Phase))
}

func TestSupervisor_UnlocatableKey(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	// "k-missing" has no location entry at all.
	must.NoError(t, m.PutJob(testJob("job-1", 1, "k1", "k-missing")))

	conf := testConfig()
	s := testSupervisor(t, conf, m)
	runAgents(t, m, "job-1", nil)
	s.Start()

	rec := waitForJobState(t, m, "job-1", structs.JobStateDone)

	// The job still completes; the unlocatable key surfaces as a per-key
	// failure in the terminal record.
	must.Eq(t, "", rec.Error)
	must.Len(t, 1, rec.Results)
	must.Eq(t, "k-missing", rec.Results[0].Key)
	must.Eq(t, structs.TaskResultFail, rec.Results[0].Result)
	must.StrContains(t, rec.Results[0].Message, "no hosts")

	// And it was never assigned to any group.
	for _, g := range m.GetTaskGroups("job-1") {
		must.SliceNotContains(t, g.InputKeys, "k-missing")
	}
}

func TestSupervisor_AgentFailure(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	m.SetLocations("k2", "hostA")
	must.NoError(t, m.PutJob(testJob("job-1", 2, "k1", "k2")))

	conf := testConfig()
	s := testSupervisor(t, conf, m)
	s.Start()

	// One agent run that fails k2. The job must go terminal without ever
	// reaching phase 1.
	testutil.WaitForResult(func() (bool, error) {
		groups := m.GetTaskGroups("job-1")
		if len(groups) == 0 {
			return false, fmt.Errorf("no groups planned yet")
		}
		g := groups[0]
		if g.Done() {
			return true, nil
		}
		done := g.Copy()
		done.State = structs.TaskGroupStateDone
		done.Results = []*structs.TaskResult{
			{Key: "k1", Result: structs.TaskResultOK, Outputs: []string{"o1"}},
			{Key: "k2", Result: structs.TaskResultFail, Message: "object checksum mismatch"},
		}
		return true, m.UpdateTaskGroup(done)
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	rec := waitForJobState(t, m, "job-1", structs.JobStateDone)
	must.StrContains(t, rec.Error, "failed keys")
	must.Len(t, 1, rec.Results)
	must.Eq(t, "k2", rec.Results[0].Key)
	must.Eq(t, "object checksum mismatch", rec.Results[0].Message)

	// No phase 1 group exists.
	for _, g := range m.GetTaskGroups("job-1") {
		must.Eq(t, 0, g.PhaseNum)
	}
}

func TestSupervisor_LockLostMidFlight(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	must.NoError(t, m.PutJob(testJob("job-1", 1, "k1")))

	conf := testConfig()
	conf.LockStaleness = 60 * time.Millisecond // heartbeat every 20ms
	s := testSupervisor(t, conf, m)
	s.Start()

	// Wait until the job is owned and planned; no agents, so it sits in the
	// running state heartbeating.
	testutil.WaitForResult(func() (bool, error) {
		if len(m.GetTaskGroups("job-1")) == 0 {
			return false, fmt.Errorf("not planned yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	// Another supervisor takes the job over (as it would after observing
	// staleness). The next heartbeat must observe the lost lock and drop
	// the job without touching the thief's record.
	stolen := m.GetJob("job-1")
	stolen.Worker = "w-thief"
	must.NoError(t, m.PutJob(stolen))

	testutil.WaitForResult(func() (bool, error) {
		if n := s.Snapshot().Worker.NumJobs; n != 0 {
			return false, fmt.Errorf("still tracking %d jobs", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
	must.Eq(t, "w-thief", m.GetJob("job-1").Worker)
}

func TestSupervisor_OwnedJobCap(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	for i := 0; i < 5; i++ {
		jobID := fmt.Sprintf("job-%d", i)
		m.SetLocations("k-"+jobID, "hostA")
		must.NoError(t, m.PutJob(testJob(jobID, 1, "k-"+jobID)))
	}

	conf := testConfig()
	conf.MaxOwnedJobs = 2
	s := testSupervisor(t, conf, m)
	// No agents: owned jobs never finish, so the table stays full.
	s.Start()

	testutil.WaitForResult(func() (bool, error) {
		if n := s.Snapshot().Worker.NumJobs; n != 2 {
			return false, fmt.Errorf("tracking %d jobs, want 2", n)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	// The cap holds over subsequent discovery rounds.
	time.Sleep(5 * conf.FindInterval)
	must.Eq(t, 2, s.Snapshot().Worker.NumJobs)
}

func TestSupervisor_TransientRetry(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	must.NoError(t, m.PutJob(testJob("job-1", 1, "k1")))

	// A burst of store flakiness on the way in: discovery, assignment and
	// planning each fail once before succeeding.
	flake := fmt.Errorf("%w: store unreachable", mds.ErrTransient)
	m.FailNext(mds.OpFindUnassignedJobs, flake)
	m.FailNext(mds.OpAssignJob, flake)
	m.FailNext(mds.OpLocate, flake)

	conf := testConfig()
	s := testSupervisor(t, conf, m)
	runAgents(t, m, "job-1", nil)
	s.Start()

	rec := waitForJobState(t, m, "job-1", structs.JobStateDone)
	must.Eq(t, conf.UUID, rec.Worker)
	must.Eq(t, "", rec.Error)
}

func TestSupervisor_RetryBudgetExhausted(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	must.NoError(t, m.PutJob(testJob("job-1", 1, "k1")))

	// Locate fails more times than the budget allows.
	flake := fmt.Errorf("%w: store unreachable", mds.ErrTransient)
	for i := 0; i < 10; i++ {
		m.FailNext(mds.OpLocate, flake)
	}

	conf := testConfig()
	conf.MaxOpRetries = 3
	s := testSupervisor(t, conf, m)
	s.Start()

	rec := waitForJobState(t, m, "job-1", structs.JobStateDone)
	must.StrContains(t, rec.Error, "retry budget exhausted")
}

func TestSupervisor_Introspection(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	m.SetLocations("k2", "hostB")
	must.NoError(t, m.PutJob(testJob("job-1", 1, "k1", "k2")))

	conf := testConfig()
	s := testSupervisor(t, conf, m)
	// No agents: the job parks in the running state where the snapshot is
	// interesting.
	s.Start()

	testutil.WaitForResult(func() (bool, error) {
		snap, ok := s.JobSnapshot("job-1")
		if !ok {
			return false, fmt.Errorf("job not tracked yet")
		}
		if snap.State != jobRunning {
			return false, fmt.Errorf("job in state %q", snap.State)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	snap, ok := s.JobSnapshot("job-1")
	must.True(t, ok)
	must.Eq(t, "job-1", snap.JobID)
	must.Eq(t, 0, snap.PhaseIndex)
	must.Len(t, 1, snap.Phases)
	must.Eq(t, []string{"k1", "k2"}, snap.Phases[0].Input)
	must.Eq(t, 2, snap.Phases[0].NumGroups)
	must.Len(t, 0, snap.Phases[0].UnassignedKeys)

	full := s.Snapshot()
	must.Eq(t, conf.UUID, full.Worker.UUID)
	must.Eq(t, 1, full.Worker.NumJobs)
	must.NotNil(t, full.Jobs["job-1"])

	_, ok = s.JobSnapshot("job-unknown")
	must.False(t, ok)
}

func TestSupervisor_DropJob(t *testing.T) {
	ci.Parallel(t)
	m := mds.NewInmem(testlog.HCLogger(t))
	m.SetLocations("k1", "hostA")
	rec := testJob("job-1", 1, "k1")
	must.NoError(t, m.PutJob(rec))

	conf := testConfig()
	// One discovery fires immediately at start; the hour-long interval
	// keeps a second one from re-adding the job after the drop.
	conf.FindInterval = time.Hour
	s := testSupervisor(t, conf, m)
	s.Start()

	testutil.WaitForResult(func() (bool, error) {
		if stored := m.GetJob("job-1"); stored.Worker != conf.UUID {
			return false, fmt.Errorf("job not owned yet")
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})

	s.DropJob("job-1")
	must.Eq(t, 0, s.Snapshot().Worker.NumJobs)

	// The durable record is untouched; another supervisor will take over
	// after staleness.
	must.Eq(t, conf.UUID, m.GetJob("job-1").Worker)
}

func TestConfig_Validate(t *testing.T) {
	ci.Parallel(t)

	conf := testConfig()
	must.NoError(t, conf.Validate())

	missing := *conf
	missing.UUID = ""
	must.Error(t, missing.Validate())

	badTick := *conf
	badTick.TickInterval = 0
	must.Error(t, badTick.Validate())

	badCap := *conf
	badCap.MaxOwnedJobs = -1
	must.Error(t, badCap.Validate())
}
