// Package scheduler drives the hub's three independent ticking loops:
// a once-a-minute cron tick that enqueues runs for due jobs,
// an hourly retention prune, and an hourly incomplete-cleanup-candidate
// sweep. All three share one *store.DB but run on their own timers so a
// slow prune never delays the next minute's cron tick.
package scheduler

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/syt100/bastion/internal/cron"
	"github.com/syt100/bastion/internal/eventbus"
	"github.com/syt100/bastion/internal/metrics"
	"github.com/syt100/bastion/internal/store"
)

const (
	retentionInterval = time.Hour
	cleanupInterval   = time.Hour
)

// Scheduler owns the cron cache and the repos it reads jobs/runs from.
type Scheduler struct {
	Jobs      *store.JobsRepo
	Runs      *store.RunsRepo
	RunEvents *store.RunEventsRepo
	Bus       *eventbus.Bus
	Cron      *cron.Cache

	// Notify is signaled after every run this loop enqueues so the worker
	// wakes immediately instead of waiting out its 60s poll timer.
	Notify chan struct{}

	RunRetentionDays      int
	IncompleteCleanupDays int

	Log logr.Logger
	Now func() time.Time

	// NewRunID generates the id for a scheduler-enqueued run. Overridden in
	// tests for deterministic assertions; defaults to uuid.NewString.
	NewRunID func() string
}

func New(jobs *store.JobsRepo, runs *store.RunsRepo, runEvents *store.RunEventsRepo, bus *eventbus.Bus, log logr.Logger, runRetentionDays, incompleteCleanupDays int) *Scheduler {
	return &Scheduler{
		Jobs: jobs, Runs: runs, RunEvents: runEvents, Bus: bus,
		Cron:                  cron.NewCache(),
		Notify:                make(chan struct{}, 1),
		RunRetentionDays:      runRetentionDays,
		IncompleteCleanupDays: incompleteCleanupDays,
		Log:                   log,
		Now:                   time.Now,
		NewRunID:              uuid.NewString,
	}
}

func (s *Scheduler) now() time.Time { return s.Now() }

func (s *Scheduler) notify() {
	select {
	case s.Notify <- struct{}{}:
	default:
	}
}

// RunCronTick evaluates every job's schedule against now and enqueues a run
// for each one whose cron expression fires on this exact minute. Jobs without a schedule (agent-only or manual-trigger
// jobs) are skipped.
func (s *Scheduler) RunCronTick(ctx context.Context) error {
	jobs, err := s.Jobs.ListJobs(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	for _, job := range jobs {
		if job.Schedule == nil || *job.Schedule == "" {
			continue
		}
		sch, err := s.Cron.Parse(*job.Schedule, job.ScheduleTimezone)
		if err != nil {
			s.Log.Error(err, "skipping job with invalid schedule", "job_id", job.ID, "schedule", *job.Schedule)
			continue
		}
		if !sch.Matches(now) {
			continue
		}
		if err := s.enqueueRun(ctx, job, "scheduled"); err != nil {
			s.Log.Error(err, "enqueue scheduled run failed", "job_id", job.ID)
		}
	}
	return nil
}

// enqueueRun creates the run row, applying job.OverlapPolicy via
// store.RunsRepo.EnqueueRun, appends the resulting info event (kind
// "queued" or "rejected"), and wakes the worker when a run actually
// entered the queue.
func (s *Scheduler) enqueueRun(ctx context.Context, job *store.Job, source string) error {
	runID := s.NewRunID()
	now := s.now().Unix()
	run, err := s.Runs.EnqueueRun(ctx, job.ID, runID, job.OverlapPolicy, now)
	if err != nil {
		return err
	}

	metrics.RecordRunEnqueued(source, string(run.Status))

	kind := string(run.Status)
	if _, err := s.RunEvents.AppendRunEvent(ctx, run.ID, now, "info", kind, kind, map[string]any{"source": source}); err != nil {
		s.Log.Error(err, "append enqueue event failed", "run_id", run.ID)
	} else {
		s.Bus.Publish(eventbus.Event{RunID: run.ID, TS: now, Level: "info", Kind: kind, Fields: map[string]any{"source": source}})
	}

	if run.Status == store.RunQueued {
		s.Log.V(1).Info("enqueued run", "job_id", job.ID, "run_id", run.ID, "source", source)
		s.notify()
	} else {
		s.Log.Info("run rejected by overlap policy", "job_id", job.ID, "run_id", run.ID)
	}
	return nil
}

// RunRetentionOnce prunes runs whose ended_at is older than
// RunRetentionDays.
func (s *Scheduler) RunRetentionOnce(ctx context.Context) error {
	cutoff := s.now().Add(-time.Duration(s.RunRetentionDays) * 24 * time.Hour).Unix()
	pruned, err := s.Runs.PruneRunsEndedBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if pruned > 0 {
		s.Log.Info("pruned old runs", "pruned", pruned, "run_retention_days", s.RunRetentionDays)
	}
	return nil
}

// RunIncompleteCleanupSweepOnce lists runs started before
// IncompleteCleanupDays that never reached success (queued, running,
// failed or rejected) and upserts an
// IncompleteCleanupTask for each; actually
// draining those tasks is internal/deferredqueue's job, not this one's.
func (s *Scheduler) RunIncompleteCleanupSweepOnce(ctx context.Context, upsert func(ctx context.Context, run *store.Run) error) error {
	cutoff := s.now().Add(-time.Duration(s.IncompleteCleanupDays) * 24 * time.Hour).Unix()
	candidates, err := s.Runs.ListIncompleteCleanupCandidates(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, run := range candidates {
		if err := upsert(ctx, run); err != nil {
			s.Log.Error(err, "upsert incomplete cleanup task failed", "run_id", run.ID)
		}
	}
	return nil
}

// RunCronLoop ticks RunCronTick once a minute, aligned to the minute
// boundary, until ctx is canceled.
func (s *Scheduler) RunCronLoop(ctx context.Context) {
	s.runAligned(ctx, time.Minute, s.RunCronTick)
}

// RunRetentionLoop ticks RunRetentionOnce once an hour until ctx is
// canceled.
func (s *Scheduler) RunRetentionLoop(ctx context.Context) {
	s.runEvery(ctx, retentionInterval, s.RunRetentionOnce)
}

// RunIncompleteCleanupLoop ticks RunIncompleteCleanupSweepOnce once an hour
// until ctx is canceled.
func (s *Scheduler) RunIncompleteCleanupLoop(ctx context.Context, upsert func(ctx context.Context, run *store.Run) error) {
	s.runEvery(ctx, cleanupInterval, func(ctx context.Context) error {
		return s.RunIncompleteCleanupSweepOnce(ctx, upsert)
	})
}

func (s *Scheduler) runEvery(ctx context.Context, interval time.Duration, tick func(ctx context.Context) error) {
	for {
		if err := tick(ctx); err != nil {
			s.Log.Error(err, "scheduler tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// runAligned sleeps to the next interval boundary (wall-clock, not
// "interval after start") before each tick, so the cron loop always fires
// close to:00 seconds of the minute rather than drifting with restarts.
func (s *Scheduler) runAligned(ctx context.Context, interval time.Duration, tick func(ctx context.Context) error) {
	for {
		now := s.now()
		next := now.Truncate(interval).Add(interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		if err := tick(ctx); err != nil {
			s.Log.Error(err, "scheduler tick failed")
		}
	}
}
