package offline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/syt100/bastion/internal/agentclient"
	"github.com/syt100/bastion/internal/cron"
	"github.com/syt100/bastion/internal/store"
)

// Scheduler runs an agent's jobs on their own cron schedule while
// disconnected from the hub, using the most recent config/secrets
// snapshot the hub pushed before the connection dropped.
type Scheduler struct {
	DataDir string
	AgentID string
	Runner  agentclient.Runner
	Targets agentclient.TargetFactory
	Cron    *cron.Cache
	Log     logr.Logger

	// Now defaults to time.Now; overridden in tests.
	Now func() time.Time

	inflight InFlightCounts

	mu      sync.Mutex
	jobs    []*store.Job
	secrets map[string]string
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SetJobs replaces the job set to schedule from, called whenever a fresh
// protocol.ConfigSnapshot arrives.
func (s *Scheduler) SetJobs(jobs []*store.Job) {
	s.mu.Lock()
	s.jobs = jobs
	s.mu.Unlock()
}

// SetSecrets replaces the inlined secret map, called whenever a fresh
// protocol.SecretsSnapshot arrives.
func (s *Scheduler) SetSecrets(secrets map[string]string) {
	s.mu.Lock()
	s.secrets = secrets
	s.mu.Unlock()
}

func (s *Scheduler) snapshot() ([]*store.Job, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs, s.secrets
}

// Tick evaluates every known job's schedule against minute t and starts
// (in its own goroutine) every job whose cron expression fires at exactly
// that minute and whose overlap policy doesn't forbid it. It returns
// immediately; started runs report through RunFile/events on disk, not
// through Tick's return value.
func (s *Scheduler) Tick(ctx context.Context, t time.Time) {
	jobs, secrets := s.snapshot()
	for _, job := range jobs {
		if job.Schedule == nil || *job.Schedule == "" {
			continue
		}
		sch, err := s.Cron.Parse(*job.Schedule, job.ScheduleTimezone)
		if err != nil {
			s.Log.Error(err, "parse offline job schedule", "job_id", job.ID)
			continue
		}
		if !sch.Matches(t) {
			continue
		}

		if job.OverlapPolicy == store.OverlapReject && s.inflight.InflightForJob(job.ID) > 0 {
			s.Log.Info("skipping offline run: overlap reject", "job_id", job.ID)
			continue
		}

		runID := uuid.NewString()
		s.inflight.IncJob(job.ID)
		go func(job *store.Job, runID string) {
			defer s.inflight.DecJob(job.ID)
			s.runOnce(ctx, job, runID, secrets)
		}(job, runID)
	}
}

// runOnce executes one offline run end to end: write a running RunFile,
// build and upload via Runner, then write the terminal RunFile/events —
// the same started/succeeded/failed event trio internal/worker.Worker
// appends for a locally-executed run. seq tracks events.jsonl's sequence
// number within this one run, starting at 1.
func (s *Scheduler) runOnce(ctx context.Context, job *store.Job, runID string, secrets map[string]string) {
	dir := RunDir(s.DataDir, runID)
	startedAt := s.now().Unix()
	var seq int64

	if err := WriteRunFile(dir, &RunFile{
		V: 1, ID: runID, JobID: job.ID, JobName: job.Name,
		Status: RunRunning, StartedAt: startedAt,
	}); err != nil {
		s.Log.Error(err, "write offline run file", "run_id", runID)
		return
	}
	seq = s.appendEvent(dir, seq, startedAt, "info", "run_started", "offline run started")

	target, err := s.Targets(job.Spec.Target, secrets)
	if err != nil {
		s.fail(dir, job, runID, startedAt, seq, err)
		return
	}
	if _, err := target.EnsureRunCollection(ctx, job.ID, runID); err != nil {
		s.fail(dir, job, runID, startedAt, seq, err)
		return
	}

	progress := func(store.ProgressSnapshot) {}
	summary, err := s.Runner.BuildAndStore(ctx, job.ID, runID, s.AgentID, agentclient.ResolvedSpec{
		Spec: job.Spec, Secrets: secrets,
	}, target, progress)
	if err != nil {
		s.fail(dir, job, runID, startedAt, seq, err)
		return
	}

	endedAt := s.now().Unix()
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		summaryJSON = nil
	}
	if err := WriteRunFile(dir, &RunFile{
		V: 1, ID: runID, JobID: job.ID, JobName: job.Name,
		Status: RunSuccess, StartedAt: startedAt, EndedAt: &endedAt, Summary: summaryJSON,
	}); err != nil {
		s.Log.Error(err, "write offline run file", "run_id", runID)
	}
	s.appendEvent(dir, seq, endedAt, "info", "run_succeeded", "offline run completed")
}

func (s *Scheduler) fail(dir string, job *store.Job, runID string, startedAt, seq int64, cause error) {
	s.Log.Error(cause, "offline run failed", "run_id", runID, "job_id", job.ID)
	endedAt := s.now().Unix()
	msg := cause.Error()
	if err := WriteRunFile(dir, &RunFile{
		V: 1, ID: runID, JobID: job.ID, JobName: job.Name,
		Status: RunFailed, StartedAt: startedAt, EndedAt: &endedAt, Error: &msg,
	}); err != nil {
		s.Log.Error(err, "write offline run file", "run_id", runID)
	}
	s.appendEvent(dir, seq, endedAt, "error", "run_failed", msg)
}

// appendEvent writes one event at seq+1 and returns the new seq.
func (s *Scheduler) appendEvent(dir string, seq, ts int64, level, kind, message string) int64 {
	seq++
	if err := AppendEvent(dir, RunEvent{Seq: seq, TS: ts, Level: level, Kind: kind, Message: message}); err != nil {
		s.Log.Error(err, "append offline run event", "dir", dir)
	}
	return seq
}
