// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package mds

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	capi "github.com/hashicorp/consul/api"
	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/marlinproj/marlin/marlin/structs"
)

const (
	// watchWaitTime bounds a single blocking List on the task-groups
	// prefix. The watch loop re-issues the query on expiry.
	watchWaitTime = 5 * time.Minute

	// watchErrorBackoff is how long the watch loop sleeps after a failed
	// blocking query before retrying.
	watchErrorBackoff = 2 * time.Second
)

// ConsulConfig configures a Consul KV backed gateway.
type ConsulConfig struct {
	// Address and Token are passed through to the Consul client. Empty
	// values fall back to the client's defaults (localhost, agent token).
	Address string
	Token   string

	JobsBucket       string
	TaskGroupsBucket string
	LocationsBucket  string

	// LockStaleness is how old a job record's mtime may be before the job
	// counts as abandoned by its owner.
	LockStaleness time.Duration

	// OpTimeout bounds every non-watch gateway call.
	OpTimeout time.Duration

	// QueriesPerSecond rate-limits store reads across all jobs.
	QueriesPerSecond float64

	// LocateCacheSize and LocateCacheTTL size the object-location cache.
	// Locations change rarely (only on rebalance), so a short TTL is safe.
	LocateCacheSize int
	LocateCacheTTL  time.Duration
}

// DefaultConsulConfig returns the gateway defaults.
func DefaultConsulConfig() *ConsulConfig {
	return &ConsulConfig{
		JobsBucket:       DefaultJobsBucket,
		TaskGroupsBucket: DefaultTaskGroupsBucket,
		LocationsBucket:  DefaultLocationsBucket,
		LockStaleness:    30 * time.Second,
		OpTimeout:        10 * time.Second,
		QueriesPerSecond: 100.0,
		LocateCacheSize:  4096,
		LocateCacheTTL:   time.Minute,
	}
}

// ConsulGateway implements Gateway on top of Consul's KV store. Conditional
// writes map onto check-and-set on the entry's ModifyIndex; creates map onto
// check-and-set with index zero; the watch maps onto blocking List queries.
type ConsulGateway struct {
	kv          *capi.KV
	config      *ConsulConfig
	limiter     *rate.Limiter
	locateCache *expirable.LRU[string, []string]
	logger      hclog.Logger
}

// NewConsulGateway builds a gateway from the given config.
func NewConsulGateway(config *ConsulConfig, logger hclog.Logger) (*ConsulGateway, error) {
	clientConf := capi.DefaultConfig()
	if config.Address != "" {
		clientConf.Address = config.Address
	}
	if config.Token != "" {
		clientConf.Token = config.Token
	}
	client, err := capi.NewClient(clientConf)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulGateway{
		kv:          client.KV(),
		config:      config,
		limiter:     rate.NewLimiter(rate.Limit(config.QueriesPerSecond), 100),
		locateCache: expirable.NewLRU[string, []string](config.LocateCacheSize, nil, config.LocateCacheTTL),
		logger:      logger.Named("mds"),
	}, nil
}

func (c *ConsulGateway) jobKey(jobID string) string {
	return path.Join(c.config.JobsBucket, jobID)
}

func (c *ConsulGateway) groupKey(jobID, taskGroupID string) string {
	return path.Join(c.config.TaskGroupsBucket, jobID, taskGroupID)
}

func (c *ConsulGateway) locationKey(objectKey string) string {
	return path.Join(c.config.LocationsBucket, objectKey)
}

// opContext derives the bounded per-call deadline every operation runs
// under.
func (c *ConsulGateway) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.OpTimeout)
}

// decodeJob unmarshals and validates a job record from a KV entry.
func decodeJob(pair *capi.KVPair) (*structs.JobRecord, error) {
	var rec structs.JobRecord
	if err := json.Unmarshal(pair.Value, &rec); err != nil {
		return nil, fmt.Errorf("%w: job at %q: %v", ErrValidation, pair.Key, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: job at %q: %v", ErrValidation, pair.Key, err)
	}
	return &rec, nil
}

// decodeTaskGroup unmarshals and validates a task-group record from a KV
// entry.
func decodeTaskGroup(pair *capi.KVPair) (*structs.TaskGroupRecord, error) {
	var rec structs.TaskGroupRecord
	if err := json.Unmarshal(pair.Value, &rec); err != nil {
		return nil, fmt.Errorf("%w: task group at %q: %v", ErrValidation, pair.Key, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: task group at %q: %v", ErrValidation, pair.Key, err)
	}
	return &rec, nil
}

func (c *ConsulGateway) FindUnassignedJobs(ctx context.Context) ([]*structs.JobRecord, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransient(err)
	}

	q := (&capi.QueryOptions{}).WithContext(ctx)
	pairs, _, err := c.kv.List(c.config.JobsBucket+"/", q)
	if err != nil {
		return nil, classifyTransient(err)
	}

	now := time.Now()
	var out []*structs.JobRecord
	for _, pair := range pairs {
		rec, err := decodeJob(pair)
		if err != nil {
			c.logger.Warn("skipping malformed job record", "key", pair.Key, "error", err)
			continue
		}
		if rec.Terminal() {
			continue
		}
		if rec.Unassigned() || rec.Abandoned(c.config.LockStaleness, now) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (c *ConsulGateway) AssignJob(ctx context.Context, candidate *structs.JobRecord, expectedWorker string) (*structs.JobRecord, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransient(err)
	}

	q := (&capi.QueryOptions{}).WithContext(ctx)
	pair, _, err := c.kv.Get(c.jobKey(candidate.JobID), q)
	if err != nil {
		return nil, classifyTransient(err)
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: job %q", ErrNotFound, candidate.JobID)
	}

	stored, err := decodeJob(pair)
	if err != nil {
		return nil, err
	}
	if stored.Worker != expectedWorker {
		return nil, fmt.Errorf("%w: job %q owned by %q, expected %q",
			ErrConflict, candidate.JobID, stored.Worker, expectedWorker)
	}

	next := candidate.Copy()
	next.Mtime = time.Now().UTC()
	value, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode job %q: %w", next.JobID, err)
	}

	ok, _, err := c.kv.CAS(&capi.KVPair{
		Key:         c.jobKey(next.JobID),
		Value:       value,
		ModifyIndex: pair.ModifyIndex,
	}, (&capi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return nil, classifyTransient(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %q changed during assignment", ErrConflict, next.JobID)
	}
	return next, nil
}

func (c *ConsulGateway) HeartbeatJob(ctx context.Context, jobID, worker string) error {
	_, err := c.touchJob(ctx, jobID, worker, nil)
	return err
}

func (c *ConsulGateway) CompleteJob(ctx context.Context, rec *structs.JobRecord) error {
	_, err := c.touchJob(ctx, rec.JobID, rec.Worker, func(stored *structs.JobRecord) {
		stored.State = rec.State
		stored.Results = rec.Results
		stored.Error = rec.Error
	})
	return err
}

// touchJob re-reads a job this supervisor owns, applies mutate (which may be
// nil for a pure mtime refresh) and writes it back conditionally. Ownership
// loss at any point surfaces as ErrLockLost.
func (c *ConsulGateway) touchJob(ctx context.Context, jobID, worker string, mutate func(*structs.JobRecord)) (*structs.JobRecord, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransient(err)
	}

	q := (&capi.QueryOptions{}).WithContext(ctx)
	pair, _, err := c.kv.Get(c.jobKey(jobID), q)
	if err != nil {
		return nil, classifyTransient(err)
	}
	if pair == nil {
		return nil, fmt.Errorf("%w: job %q disappeared", ErrLockLost, jobID)
	}
	stored, err := decodeJob(pair)
	if err != nil {
		return nil, err
	}
	if stored.Worker != worker {
		return nil, fmt.Errorf("%w: job %q now owned by %q", ErrLockLost, jobID, stored.Worker)
	}

	next := stored.Copy()
	if mutate != nil {
		mutate(next)
	}
	next.Mtime = time.Now().UTC()
	value, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("encode job %q: %w", jobID, err)
	}

	ok, _, err := c.kv.CAS(&capi.KVPair{
		Key:         c.jobKey(jobID),
		Value:       value,
		ModifyIndex: pair.ModifyIndex,
	}, (&capi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return nil, classifyTransient(err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: job %q changed concurrently", ErrLockLost, jobID)
	}
	return next, nil
}

func (c *ConsulGateway) ListTaskGroups(ctx context.Context, jobID string) ([]*structs.TaskGroupRecord, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransient(err)
	}

	q := (&capi.QueryOptions{}).WithContext(ctx)
	pairs, _, err := c.kv.List(path.Join(c.config.TaskGroupsBucket, jobID)+"/", q)
	if err != nil {
		return nil, classifyTransient(err)
	}

	out := make([]*structs.TaskGroupRecord, 0, len(pairs))
	for _, pair := range pairs {
		rec, err := decodeTaskGroup(pair)
		if err != nil {
			c.logger.Warn("skipping malformed task group record", "key", pair.Key, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (c *ConsulGateway) SaveTaskGroups(ctx context.Context, groups []*structs.TaskGroupRecord) ([]error, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	outcomes := make([]error, len(groups))
	var mErr *multierror.Error
	for i, g := range groups {
		value, err := json.Marshal(g)
		if err != nil {
			outcomes[i] = fmt.Errorf("encode task group %q: %w", g.TaskGroupID, err)
			mErr = multierror.Append(mErr, outcomes[i])
			continue
		}

		// ModifyIndex zero makes the CAS a create: it fails if the key
		// already exists.
		ok, _, err := c.kv.CAS(&capi.KVPair{
			Key:         c.groupKey(g.JobID, g.TaskGroupID),
			Value:       value,
			ModifyIndex: 0,
		}, (&capi.WriteOptions{}).WithContext(ctx))
		switch {
		case err != nil:
			outcomes[i] = classifyTransient(err)
		case !ok:
			outcomes[i] = fmt.Errorf("%w: task group %q already exists", ErrConflict, g.TaskGroupID)
		}
		if outcomes[i] != nil {
			mErr = multierror.Append(mErr, outcomes[i])
		}
	}
	return outcomes, mErr.ErrorOrNil()
}

func (c *ConsulGateway) WatchTaskGroups(jobID string) (TaskGroupWatch, error) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &consulWatch{
		gateway: c,
		jobID:   jobID,
		updates: make(chan []*structs.TaskGroupRecord, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	go w.run()
	return w, nil
}

func (c *ConsulGateway) Locate(ctx context.Context, keys []string) (map[string][]string, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	out := make(map[string][]string, len(keys))
	for _, key := range keys {
		if hosts, ok := c.locateCache.Get(key); ok {
			out[key] = hosts
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, classifyTransient(err)
		}
		q := (&capi.QueryOptions{}).WithContext(ctx)
		pair, _, err := c.kv.Get(c.locationKey(key), q)
		if err != nil {
			return nil, classifyTransient(err)
		}
		if pair == nil {
			// Definitively unlocatable; the planner records a failure.
			out[key] = nil
			continue
		}

		var hosts []string
		if err := json.Unmarshal(pair.Value, &hosts); err != nil {
			c.logger.Warn("skipping malformed location record", "key", pair.Key, "error", err)
			out[key] = nil
			continue
		}
		out[key] = hosts
		if len(hosts) > 0 {
			c.locateCache.Add(key, hosts)
		}
	}
	return out, nil
}

// consulWatch streams task-group snapshots for one job via blocking List
// queries.
type consulWatch struct {
	gateway *ConsulGateway
	jobID   string
	updates chan []*structs.TaskGroupRecord
	ctx     context.Context
	cancel  context.CancelFunc
}

func (w *consulWatch) Updates() <-chan []*structs.TaskGroupRecord { return w.updates }

func (w *consulWatch) Stop() { w.cancel() }

func (w *consulWatch) run() {
	defer close(w.updates)

	c := w.gateway
	prefix := path.Join(c.config.TaskGroupsBucket, w.jobID) + "/"
	var lastIndex uint64

	for {
		if err := c.limiter.Wait(w.ctx); err != nil {
			return
		}
		q := (&capi.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  watchWaitTime,
		}).WithContext(w.ctx)
		pairs, meta, err := c.kv.List(prefix, q)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			c.logger.Debug("task group watch query failed; backing off",
				"job_id", w.jobID, "error", err)
			select {
			case <-time.After(watchErrorBackoff):
				continue
			case <-w.ctx.Done():
				return
			}
		}
		if meta.LastIndex == lastIndex {
			continue
		}
		lastIndex = meta.LastIndex

		snapshot := make([]*structs.TaskGroupRecord, 0, len(pairs))
		for _, pair := range pairs {
			rec, err := decodeTaskGroup(pair)
			if err != nil {
				c.logger.Warn("skipping malformed task group record",
					"key", pair.Key, "error", err)
				continue
			}
			snapshot = append(snapshot, rec)
		}

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

		select {
		case <-w.ctx.Done():
			return
		default:
		}
	}
}
