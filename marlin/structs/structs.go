// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the durable record types shared by the supervisor,
// the metadata-store gateway and the per-host compute agents. The JSON field
// names are part of the wire contract with the store and must not change.
package structs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"
)

const (
	// JobStateUnassigned is the coarse durable status of a job no
	// supervisor currently owns.
	JobStateUnassigned = "unassigned"

	// JobStateRunning is the coarse durable status of a job some supervisor
	// owns and is driving.
	JobStateRunning = "running"

	// JobStateDone is the terminal durable status of a job.
	JobStateDone = "done"
)

const (
	// TaskGroupStateDispatched means the group has been written but no agent
	// has picked it up yet.
	TaskGroupStateDispatched = "dispatched"

	// TaskGroupStateRunning means an agent is executing the group.
	TaskGroupStateRunning = "running"

	// TaskGroupStateDone means the agent finished the group and wrote its
	// results.
	TaskGroupStateDone = "done"
)

const (
	// TaskResultOK marks a key an agent processed successfully.
	TaskResultOK = "ok"

	// TaskResultFail marks a key an agent gave up on.
	TaskResultFail = "fail"
)

// Phase is the user-supplied descriptor of one stage of a job. The
// supervisor never interprets it; it is copied verbatim onto every task
// group so agents can execute without reading the job record.
type Phase = json.RawMessage

// TaskResult is the per-key outcome an agent (or the supervisor, for keys
// that never reached an agent) records against a task group or a job.
type TaskResult struct {
	Key     string   `json:"key"`
	Result  string   `json:"result"`
	Outputs []string `json:"outputs,omitempty"`

	// Message carries a human-readable explanation for failed results.
	Message string `json:"message,omitempty"`
}

func (r *TaskResult) Copy() *TaskResult {
	if r == nil {
		return nil
	}
	nr := *r
	nr.Outputs = append([]string(nil), r.Outputs...)
	return &nr
}

// OK returns whether the result marks a successfully processed key.
func (r *TaskResult) OK() bool {
	return r.Result == TaskResultOK
}

func (r *TaskResult) Validate() error {
	var mErr *multierror.Error
	if r.Key == "" {
		mErr = multierror.Append(mErr, errors.New("result key is required"))
	}
	if r.Result != TaskResultOK && r.Result != TaskResultFail {
		mErr = multierror.Append(mErr, fmt.Errorf("invalid result %q", r.Result))
	}
	return mErr.ErrorOrNil()
}

// JobRecord is the durable record describing a job, keyed by JobID in the
// jobs bucket. The record is created by the submission path; supervisors
// only ever update Worker, Mtime, State and Results, and only via
// conditional writes.
type JobRecord struct {
	JobID     string        `json:"jobId"`
	Phases    []Phase       `json:"phases"`
	InputKeys []string      `json:"inputKeys"`
	Worker    string        `json:"worker,omitempty"`
	Mtime     time.Time     `json:"mtime"`
	State     string        `json:"state"`
	Results   []*TaskResult `json:"results,omitempty"`

	// Error explains why a done job failed. Empty on success.
	Error string `json:"error,omitempty"`
}

func (j *JobRecord) Copy() *JobRecord {
	if j == nil {
		return nil
	}
	nj := *j
	nj.Phases = make([]Phase, len(j.Phases))
	for i, p := range j.Phases {
		nj.Phases[i] = append(Phase(nil), p...)
	}
	nj.InputKeys = append([]string(nil), j.InputKeys...)
	if j.Results != nil {
		nj.Results = make([]*TaskResult, len(j.Results))
		for i, r := range j.Results {
			nj.Results[i] = r.Copy()
		}
	}
	return &nj
}

// Unassigned returns whether no supervisor currently claims the job.
func (j *JobRecord) Unassigned() bool {
	return j.Worker == ""
}

// Terminal returns whether the job has reached its final durable state.
func (j *JobRecord) Terminal() bool {
	return j.State == JobStateDone
}

// Abandoned returns whether the job's owner has not refreshed the record
// within the staleness threshold, making the job eligible for takeover.
func (j *JobRecord) Abandoned(staleness time.Duration, now time.Time) bool {
	if j.Worker == "" || j.Terminal() {
		return false
	}
	return now.Sub(j.Mtime) > staleness
}

func (j *JobRecord) Validate() error {
	var mErr *multierror.Error
	if j.JobID == "" {
		mErr = multierror.Append(mErr, errors.New("jobId is required"))
	}
	if len(j.Phases) == 0 {
		mErr = multierror.Append(mErr, errors.New("at least one phase is required"))
	}
	switch j.State {
	case JobStateUnassigned, JobStateRunning, JobStateDone:
	default:
		mErr = multierror.Append(mErr, fmt.Errorf("invalid job state %q", j.State))
	}
	for i, r := range j.Results {
		if err := r.Validate(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("result %d invalid: %v", i, err))
		}
	}
	return mErr.ErrorOrNil()
}

// TaskGroupRecord is the durable record describing one phase's work for one
// host, keyed by TaskGroupID in the task-groups bucket. The supervisor
// creates these; agents transition State and append Results.
type TaskGroupRecord struct {
	JobID       string        `json:"jobId"`
	TaskGroupID string        `json:"taskGroupId"`
	PhaseNum    int           `json:"phaseNum"`
	Host        string        `json:"host"`
	InputKeys   []string      `json:"inputKeys"`
	Phase       Phase         `json:"phase"`
	State       string        `json:"state"`
	Results     []*TaskResult `json:"results"`
}

func (g *TaskGroupRecord) Copy() *TaskGroupRecord {
	if g == nil {
		return nil
	}
	ng := *g
	ng.InputKeys = append([]string(nil), g.InputKeys...)
	ng.Phase = append(Phase(nil), g.Phase...)
	if g.Results != nil {
		ng.Results = make([]*TaskResult, len(g.Results))
		for i, r := range g.Results {
			ng.Results[i] = r.Copy()
		}
	}
	return &ng
}

// Done returns whether the agent has finished executing the group.
func (g *TaskGroupRecord) Done() bool {
	return g.State == TaskGroupStateDone
}

// Succeeded returns whether the group is done and every per-key result is
// ok.
func (g *TaskGroupRecord) Succeeded() bool {
	if !g.Done() {
		return false
	}
	for _, r := range g.Results {
		if !r.OK() {
			return false
		}
	}
	return true
}

// FailedResults returns the per-key failures recorded against the group.
func (g *TaskGroupRecord) FailedResults() []*TaskResult {
	var failed []*TaskResult
	for _, r := range g.Results {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}

func (g *TaskGroupRecord) Validate() error {
	var mErr *multierror.Error
	if g.JobID == "" {
		mErr = multierror.Append(mErr, errors.New("jobId is required"))
	}
	if g.TaskGroupID == "" {
		mErr = multierror.Append(mErr, errors.New("taskGroupId is required"))
	}
	if g.PhaseNum < 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("negative phaseNum %d", g.PhaseNum))
	}
	if g.Host == "" {
		mErr = multierror.Append(mErr, errors.New("host is required"))
	}
	if len(g.InputKeys) == 0 {
		mErr = multierror.Append(mErr, errors.New("at least one input key is required"))
	}
	switch g.State {
	case TaskGroupStateDispatched, TaskGroupStateRunning, TaskGroupStateDone:
	default:
		mErr = multierror.Append(mErr, fmt.Errorf("invalid task group state %q", g.State))
	}
	for i, r := range g.Results {
		if err := r.Validate(); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("result %d invalid: %v", i, err))
		}
	}
	return mErr.ErrorOrNil()
}
