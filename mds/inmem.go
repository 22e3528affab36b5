// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package mds

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/marlinproj/marlin/marlin/structs"
)

// Operation names accepted by the Inmem failure-injection hooks.
const (
	OpFindUnassignedJobs = "find-unassigned-jobs"
	OpAssignJob          = "assign-job"
	OpHeartbeatJob       = "heartbeat-job"
	OpCompleteJob        = "complete-job"
	OpListTaskGroups     = "list-task-groups"
	OpSaveTaskGroups     = "save-task-groups"
	OpLocate             = "locate"
)

const (
	jobsTable       = "jobs"
	taskGroupsTable = "task_groups"
)

func inmemSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			jobsTable: {
				Name: jobsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "JobID"},
					},
				},
			},
			taskGroupsTable: {
				Name: taskGroupsTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "TaskGroupID"},
					},
					"job": {
						Name:    "job",
						Indexer: &memdb.StringFieldIndex{Field: "JobID"},
					},
				},
			},
		},
	}
}

// Inmem implements Gateway against go-memdb. It preserves the semantics the
// Consul gateway gets from the real store: conditional writes on the worker
// field, create-only task-group writes, and change notification for the
// watch. Tests drive the agent side through the exported mutators and can
// inject failures per operation.
type Inmem struct {
	db     *memdb.MemDB
	logger hclog.Logger

	// staleness mirrors ConsulConfig.LockStaleness for discovery of
	// abandoned jobs.
	staleness time.Duration

	l         sync.Mutex
	locations map[string][]string
	failures  map[string][]error

	// OnOp, when set, is invoked at the start of every gateway operation
	// with the operation name. Tests use it to block an operation
	// mid-flight. Called without any Inmem lock held.
	OnOp func(op string)
}

// NewInmem builds an empty in-memory gateway.
func NewInmem(logger hclog.Logger) *Inmem {
	db, err := memdb.NewMemDB(inmemSchema())
	if err != nil {
		panic(fmt.Sprintf("inmem schema: %v", err))
	}
	return &Inmem{
		db:        db,
		logger:    logger.Named("mds_inmem"),
		staleness: 30 * time.Second,
		locations: make(map[string][]string),
		failures:  make(map[string][]error),
	}
}

// SetStaleness overrides the abandoned-job threshold used by discovery.
func (m *Inmem) SetStaleness(d time.Duration) {
	m.l.Lock()
	defer m.l.Unlock()
	m.staleness = d
}

// FailNext queues an error to be returned by the next invocation of the
// named operation. Multiple queued errors are consumed in order.
func (m *Inmem) FailNext(op string, err error) {
	m.l.Lock()
	defer m.l.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

// SetLocations records where an object key lives. An empty host list makes
// the key definitively unlocatable.
func (m *Inmem) SetLocations(key string, hosts ...string) {
	m.l.Lock()
	defer m.l.Unlock()
	m.locations[key] = hosts
}

func (m *Inmem) enter(op string) error {
	if fn := m.onOp(); fn != nil {
		fn(op)
	}
	m.l.Lock()
	defer m.l.Unlock()
	if queued := m.failures[op]; len(queued) > 0 {
		err := queued[0]
		m.failures[op] = queued[1:]
		return err
	}
	return nil
}

func (m *Inmem) onOp() func(string) {
	m.l.Lock()
	defer m.l.Unlock()
	return m.OnOp
}

// PutJob inserts or replaces a job record unconditionally. This is the
// submission path that in production belongs to an external system.
func (m *Inmem) PutJob(rec *structs.JobRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(jobsTable, rec.Copy()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// GetJob returns a copy of the stored job record, or nil.
func (m *Inmem) GetJob(jobID string) *structs.JobRecord {
	txn := m.db.Txn(false)
	defer txn.Abort()
	raw, err := txn.First(jobsTable, "id", jobID)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*structs.JobRecord).Copy()
}

// GetTaskGroups returns copies of every stored task group for a job.
func (m *Inmem) GetTaskGroups(jobID string) []*structs.TaskGroupRecord {
	txn := m.db.Txn(false)
	defer txn.Abort()
	out, err := m.listGroupsTxn(txn, jobID)
	if err != nil {
		return nil
	}
	return out
}

// UpdateTaskGroup replaces a stored task-group record, simulating an agent
// transitioning the group's state and writing results. Watchers fire.
func (m *Inmem) UpdateTaskGroup(rec *structs.TaskGroupRecord) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(taskGroupsTable, "id", rec.TaskGroupID)
	if err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("%w: task group %q", ErrNotFound, rec.TaskGroupID)
	}
	if err := txn.Insert(taskGroupsTable, rec.Copy()); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (m *Inmem) FindUnassignedJobs(ctx context.Context) ([]*structs.JobRecord, error) {
	if err := m.enter(OpFindUnassignedJobs); err != nil {
		return nil, err
	}

	m.l.Lock()
	staleness := m.staleness
	m.l.Unlock()

	txn := m.db.Txn(false)
	defer txn.Abort()
	iter, err := txn.Get(jobsTable, "id")
	if err != nil {
		return nil, classifyTransient(err)
	}

	now := time.Now()
	var out []*structs.JobRecord
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		rec := raw.(*structs.JobRecord)
		if rec.Terminal() {
			continue
		}
		if rec.Unassigned() || rec.Abandoned(staleness, now) {
			out = append(out, rec.Copy())
		}
	}
	return out, nil
}

func (m *Inmem) AssignJob(ctx context.Context, candidate *structs.JobRecord, expectedWorker string) (*structs.JobRecord, error) {
	if err := m.enter(OpAssignJob); err != nil {
		return nil, err
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(jobsTable, "id", candidate.JobID)
	if err != nil {
		return nil, classifyTransient(err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: job %q", ErrNotFound, candidate.JobID)
	}
	stored := raw.(*structs.JobRecord)
	if stored.Worker != expectedWorker {
		return nil, fmt.Errorf("%w: job %q owned by %q, expected %q",
			ErrConflict, candidate.JobID, stored.Worker, expectedWorker)
	}

	next := candidate.Copy()
	next.Mtime = time.Now().UTC()
	if err := txn.Insert(jobsTable, next); err != nil {
		return nil, classifyTransient(err)
	}
	txn.Commit()
	return next.Copy(), nil
}

func (m *Inmem) HeartbeatJob(ctx context.Context, jobID, worker string) error {
	if err := m.enter(OpHeartbeatJob); err != nil {
		return err
	}
	return m.touchJob(jobID, worker, nil)
}

func (m *Inmem) CompleteJob(ctx context.Context, rec *structs.JobRecord) error {
	if err := m.enter(OpCompleteJob); err != nil {
		return err
	}
	return m.touchJob(rec.JobID, rec.Worker, func(stored *structs.JobRecord) {
		stored.State = rec.State
		stored.Results = rec.Results
		stored.Error = rec.Error
	})
}

func (m *Inmem) touchJob(jobID, worker string, mutate func(*structs.JobRecord)) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	raw, err := txn.First(jobsTable, "id", jobID)
	if err != nil {
		return classifyTransient(err)
	}
	if raw == nil {
		return fmt.Errorf("%w: job %q disappeared", ErrLockLost, jobID)
	}
	stored := raw.(*structs.JobRecord)
	if stored.Worker != worker {
		return fmt.Errorf("%w: job %q now owned by %q", ErrLockLost, jobID, stored.Worker)
	}

	next := stored.Copy()
	if mutate != nil {
		mutate(next)
	}
	next.Mtime = time.Now().UTC()
	if err := txn.Insert(jobsTable, next); err != nil {
		return classifyTransient(err)
	}
	txn.Commit()
	return nil
}

func (m *Inmem) ListTaskGroups(ctx context.Context, jobID string) ([]*structs.TaskGroupRecord, error) {
	if err := m.enter(OpListTaskGroups); err != nil {
		return nil, err
	}

	txn := m.db.Txn(false)
	defer txn.Abort()
	return m.listGroupsTxn(txn, jobID)
}

func (m *Inmem) listGroupsTxn(txn *memdb.Txn, jobID string) ([]*structs.TaskGroupRecord, error) {
	iter, err := txn.Get(taskGroupsTable, "job", jobID)
	if err != nil {
		return nil, classifyTransient(err)
	}
	var out []*structs.TaskGroupRecord
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*structs.TaskGroupRecord).Copy())
	}
	return out, nil
}

func (m *Inmem) SaveTaskGroups(ctx context.Context, groups []*structs.TaskGroupRecord) ([]error, error) {
	if err := m.enter(OpSaveTaskGroups); err != nil {
		return nil, err
	}

	txn := m.db.Txn(true)
	defer txn.Abort()

	outcomes := make([]error, len(groups))
	var mErr *multierror.Error
	for i, g := range groups {
		raw, err := txn.First(taskGroupsTable, "id", g.TaskGroupID)
		switch {
		case err != nil:
			outcomes[i] = classifyTransient(err)
		case raw != nil:
			outcomes[i] = fmt.Errorf("%w: task group %q already exists", ErrConflict, g.TaskGroupID)
		default:
			if err := txn.Insert(taskGroupsTable, g.Copy()); err != nil {
				outcomes[i] = classifyTransient(err)
			}
		}
		if outcomes[i] != nil {
			mErr = multierror.Append(mErr, outcomes[i])
		}
	}
	txn.Commit()
	return outcomes, mErr.ErrorOrNil()
}

func (m *Inmem) WatchTaskGroups(jobID string) (TaskGroupWatch, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &inmemWatch{
		m:       m,
		jobID:   jobID,
		updates: make(chan []*structs.TaskGroupRecord, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	go w.run()
	return w, nil
}

func (m *Inmem) Locate(ctx context.Context, keys []string) (map[string][]string, error) {
	if err := m.enter(OpLocate); err != nil {
		return nil, err
	}

	m.l.Lock()
	defer m.l.Unlock()
	out := make(map[string][]string, len(keys))
	for _, key := range keys {
		hosts, ok := m.locations[key]
		if !ok {
			// No answer recorded: definitively unlocatable, same shape the
			// production gateway returns for a missing location entry.
			out[key] = nil
			continue
		}
		out[key] = append([]string(nil), hosts...)
	}
	return out, nil
}

// inmemWatch streams task-group snapshots using memdb watch channels.
type inmemWatch struct {
	m       *Inmem
	jobID   string
	updates chan []*structs.TaskGroupRecord
	ctx     context.Context
	cancel  context.CancelFunc
}

func (w *inmemWatch) Updates() <-chan []*structs.TaskGroupRecord { return w.updates }

func (w *inmemWatch) Stop() { w.cancel() }

func (w *inmemWatch) run() {
	defer close(w.updates)

	for {
		txn := w.m.db.Txn(false)
		iter, err := txn.Get(taskGroupsTable, "job", w.jobID)
		if err != nil {
			txn.Abort()
			return
		}
		ws := memdb.NewWatchSet()
		ws.Add(iter.WatchCh())

		var snapshot []*structs.TaskGroupRecord
		for raw := iter.Next(); raw != nil; raw = iter.Next() {
			snapshot = append(snapshot, raw.(*structs.TaskGroupRecord).Copy())
		}
		txn.Abort()

		// Coalesce: replace any undelivered snapshot with the newer one.
		select {
		case w.updates <- snapshot:
		default:
			select {
			case <-w.updates:
			default:
			}
			select {
			case w.updates <- snapshot:
			case <-w.ctx.Done():
				return
			}
		}

		if err := ws.WatchCtx(w.ctx); err != nil {
			return
		}
	}
}
