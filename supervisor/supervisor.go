// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package supervisor drives jobs against the metadata store. A fleet of
// supervisors cooperates without talking to each other: mutual exclusion
// over jobs comes entirely from conditional writes on the job record's
// worker field, so any supervisor can take over a job whose owner died.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/marlinproj/marlin/marlin/structs"
	"github.com/marlinproj/marlin/mds"
)

// Supervisor owns a table of jobs and reconciles each of them once per tick.
// All mutation of the job table and of per-job state happens under l; ticks,
// discovery events and operation completions therefore never interleave
// inside a job.
type Supervisor struct {
	config *Config
	logger hclog.Logger
	gw     mds.Gateway

	// jobs is the in-memory job table. A job is present iff this
	// supervisor is tracking it (racing for it or owning it).
	jobs map[string]*jobState

	startedAt time.Time
	lastFind  time.Time

	// tickTimer is the single pending tick timer. It is re-armed only
	// after the synchronous part of a tick returns, so ticks never
	// overlap.
	tickTimer  *time.Timer
	timerArmed bool

	running bool
	ctx     context.Context
	exitFn  context.CancelFunc

	l sync.Mutex
}

// New builds a supervisor. Call Start to begin ticking.
func New(config *Config, logger hclog.Logger, gw mds.Gateway) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor config: %w", err)
	}
	ctx, exitFn := context.WithCancel(context.Background())
	return &Supervisor{
		config: config,
		logger: logger.Named("supervisor").With("worker", config.UUID),
		gw:     gw,
		jobs:   make(map[string]*jobState),
		ctx:    ctx,
		exitFn: exitFn,
	}, nil
}

// Start records the start time and schedules an immediate tick.
func (s *Supervisor) Start() {
	s.l.Lock()
	defer s.l.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.startedAt = time.Now()
	s.logger.Info("starting", "tick_interval", s.config.TickInterval,
		"find_interval", s.config.FindInterval)
	s.armTimerLocked(0)
}

// Stop halts ticking and abandons all tracked jobs. Durable state is
// untouched; other supervisors will discover the jobs as abandoned once the
// lock staleness threshold passes.
func (s *Supervisor) Stop() {
	s.l.Lock()
	defer s.l.Unlock()
	if !s.running {
		return
	}
	s.running = false
	s.exitFn()
	if s.tickTimer != nil {
		s.tickTimer.Stop()
		s.timerArmed = false
	}
	for _, js := range s.jobs {
		js.stopWatch()
	}
	s.jobs = make(map[string]*jobState)
	s.logger.Info("stopped")
}

// armTimerLocked schedules the next tick. There must never be more than one
// pending tick timer.
func (s *Supervisor) armTimerLocked(delay time.Duration) {
	if s.timerArmed {
		panic("supervisor: tick timer already armed")
	}
	s.timerArmed = true
	s.tickTimer = time.AfterFunc(delay, s.tick)
}

// tick is the single global heartbeat: fire discovery if due, tick every
// tracked job, reap finished jobs, re-arm.
func (s *Supervisor) tick() {
	defer metrics.MeasureSince([]string{"marlin", "supervisor", "tick"}, time.Now())

	s.l.Lock()
	defer s.l.Unlock()
	if !s.running {
		return
	}
	s.timerArmed = false

	if time.Since(s.lastFind) >= s.config.FindInterval {
		s.lastFind = time.Now()
		go s.findJobs()
	}

	for _, js := range s.jobs {
		js.tick(s)
	}

	// Jobs that reached their terminal in-memory state are dropped here,
	// one tick after they got there.
	for _, js := range s.jobs {
		if js.state == jobDone {
			s.removeJobLocked(js, "job finished")
			metrics.IncrCounter([]string{"marlin", "supervisor", "jobs_finished"}, 1)
		}
	}
	metrics.SetGauge([]string{"marlin", "supervisor", "owned_jobs"}, float32(len(s.jobs)))

	s.armTimerLocked(s.config.TickInterval)
}

// findJobs performs one discovery scan and feeds each match through onJob.
// It runs off the tick path; results re-enter through the lock.
func (s *Supervisor) findJobs() {
	ctx, cancel := s.opContext()
	defer cancel()

	recs, err := s.gw.FindUnassignedJobs(ctx)
	if err != nil {
		s.logger.Warn("job discovery failed", "error", err)
		return
	}
	for _, rec := range recs {
		s.onJob(rec)
	}
}

// onJob handles one discovery event. Unknown jobs enter the table in the
// unassigned state and are ticked immediately. A job we already believed we
// owned showing up as unassigned means our lock was lost: drop it and start
// over.
func (s *Supervisor) onJob(rec *structs.JobRecord) {
	s.l.Lock()
	defer s.l.Unlock()
	if !s.running {
		return
	}

	if js, ok := s.jobs[rec.JobID]; ok {
		if js.state == jobUnassigned {
			// Already racing for it.
			return
		}
		s.logger.Warn("job this supervisor owns was discovered as unassigned; presuming lock lost",
			"job_id", rec.JobID, "state", js.state)
		s.removeJobLocked(js, "lock presumed lost")
	}

	if len(s.jobs) >= s.config.MaxOwnedJobs {
		s.logger.Debug("dropping discovered job: owned-job cap reached",
			"job_id", rec.JobID, "cap", s.config.MaxOwnedJobs)
		metrics.IncrCounter([]string{"marlin", "supervisor", "discovery_dropped"}, 1)
		return
	}

	js := newJobState(s, rec)
	s.jobs[rec.JobID] = js
	js.tick(s)
}

// DropJob removes a job from the table. Any outstanding operation on it is
// left to complete and self-discard through the liveness check.
func (s *Supervisor) DropJob(jobID string) {
	s.l.Lock()
	defer s.l.Unlock()
	if js, ok := s.jobs[jobID]; ok {
		s.removeJobLocked(js, "dropped")
	}
}

// removeJobLocked deletes a job from the table and invalidates any
// outstanding operation's completion.
func (s *Supervisor) removeJobLocked(js *jobState, reason string) {
	js.logger.Debug("removing job from table", "reason", reason, "state", js.state)
	js.opGen++
	js.stopWatch()
	delete(s.jobs, js.id)
}

// opContext derives the context for a single gateway call. Each call is
// additionally bounded by the gateway's own deadline; this one ties the call
// lifetime to the supervisor.
func (s *Supervisor) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.config.OpTimeout)
}

// complete runs a completion handler for an operation started with the given
// generation token. The handler only runs if the job is still tracked and no
// newer operation superseded it; stale completions are logged and discarded
// without mutating anything.
func (s *Supervisor) complete(jobID string, gen uint64, fn func(js *jobState)) {
	s.l.Lock()
	defer s.l.Unlock()

	js, ok := s.jobs[jobID]
	if !ok {
		s.logger.Debug("discarding completion for untracked job", "job_id", jobID)
		return
	}
	if js.opGen != gen {
		js.logger.Debug("discarding stale completion", "gen", gen, "current_gen", js.opGen)
		return
	}
	fn(js)
}
