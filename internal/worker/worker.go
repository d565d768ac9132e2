// Package worker implements the single-worker dispatcher:
// one logical worker claims one run at a time and either dispatches it to
// a connected agent, polling the run row to terminal, or executes it
// locally by calling the run builder and target store directly.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/agentmanager"
	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/eventbus"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/metrics"
	"github.com/syt100/bastion/internal/notify"
	"github.com/syt100/bastion/internal/protocol"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

const (
	pollInterval     = 5 * time.Second
	dispatchDeadline = 24 * time.Hour
	waitTimer        = 60 * time.Second
	dispatchBackoff  = 5 * time.Second
)

// TargetFactory resolves a job's jobspec.Target (plus the node_id it runs
// under) to a concrete targetstore.Store, looking up WebDAV credentials
// from secrets as needed.
type TargetFactory func(ctx context.Context, nodeID string, target jobspec.Target) (targetstore.Store, error)

// Runner builds a run's artifacts locally and uploads them to target. It
// is the seam between the worker and internal/runbuilder, so the worker
// package itself never imports runbuilder's tar/zstd/age machinery
// directly — only Worker's constructor wires the real implementation in.
type Runner interface {
	// BuildAndStore executes the run end to end: stage artifacts under a
	// scratch directory, upload them to target, and clean up the scratch
	// directory. It returns the structured summary to persist on success.
	BuildAndStore(ctx context.Context, jobID, runID, nodeID string, spec jobspec.Spec, target targetstore.Store, progress func(store.ProgressSnapshot)) (*store.RunSummary, error)
}

// Worker drains queued runs one at a time.
type Worker struct {
	Runs       *store.RunsRepo
	Jobs       *store.JobsRepo
	AgentTasks *store.AgentTasksRepo
	RunEvents  *store.RunEventsRepo
	Secrets    *store.SecretsRepo
	Agents     *agentmanager.Manager
	Bus        *eventbus.Bus
	Targets    TargetFactory
	Runner     Runner
	Notifier   *notify.Enqueuer

	// OnArtifactStored registers a deferred artifact-delete task after a
	// successful local-or-dispatched run. Left
	// nil in tests that don't care about deferred cleanup.
	OnArtifactStored func(ctx context.Context, run *store.Run, snap store.TargetSnapshot) error

	Log    logr.Logger
	Notify chan struct{}
	Now    func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Run drives the claim loop until ctx is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := w.RunOnce(ctx)
		if err != nil {
			w.Log.Error(err, "worker iteration failed")
		}
		if claimed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.Notify:
		case <-time.After(waitTimer):
		}
	}
}

// RunOnce claims at most one queued run and drives it to a terminal or
// requeued state. Returns (false, nil) when nothing was due, mirroring
// deferredqueue.Queue.RunOnce's shape.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	run, err := w.Runs.ClaimNextQueuedRun(ctx)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}

	job, err := w.Jobs.GetJob(ctx, run.JobID)
	if err != nil {
		w.fail(ctx, run, nil, "", apperrors.Newf(apperrors.ErrorTypeInternal, "load job: %v", err))
		return true, nil
	}

	nodeID := nodeIDFor(job)
	if err := job.Spec.Validate(nodeID, store.NewSecretResolverAdapter(ctx, w.Secrets)); err != nil {
		w.fail(ctx, run, job, "invalid_spec", err)
		return true, nil
	}

	snap := store.TargetSnapshot{
		V:          1,
		NodeID:     nodeID,
		Kind:       job.Spec.Target.Kind,
		BasePath:   job.Spec.Target.BasePath,
		SecretName: job.Spec.Target.SecretName,
		JobID:      run.JobID,
		RunID:      run.ID,
	}
	if err := w.Runs.SetRunTargetSnapshot(ctx, run.ID, &snap); err != nil {
		w.fail(ctx, run, job, "", err)
		return true, nil
	}

	if job.AgentID != nil && w.Agents.IsConnected(*job.AgentID) {
		w.dispatch(ctx, run, job)
		return true, nil
	}

	w.executeLocally(ctx, run, job)
	return true, nil
}

// dispatch hands the run off to a connected agent and polls until terminal
// or the 24h deadline elapses.
func (w *Worker) dispatch(ctx context.Context, run *store.Run, job *store.Job) {
	resolved, err := w.resolveSpec(ctx, job)
	if err != nil {
		w.requeueAfterDispatchFailure(ctx, run, err)
		return
	}

	now := w.now().Unix()
	payload, err := json.Marshal(resolved)
	if err != nil {
		w.requeueAfterDispatchFailure(ctx, run, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal resolved spec"))
		return
	}
	if err := w.AgentTasks.Create(ctx, &store.AgentTask{
		TaskID: run.ID, AgentID: *job.AgentID, RunID: run.ID,
		Status: "dispatched", Payload: payload, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		w.requeueAfterDispatchFailure(ctx, run, err)
		return
	}

	if err := w.Agents.SendJSON(*job.AgentID, protocol.NewTask(run.ID, payload)); err != nil {
		// The task row must go away, not be marked failed: task_id is the
		// run id, so a leftover row would collide with the Create on the
		// next dispatch of this same (requeued) run.
		if delErr := w.AgentTasks.Delete(ctx, run.ID); delErr != nil {
			w.Log.Error(delErr, "delete agent task after dispatch failure", "run_id", run.ID)
		}
		w.requeueAfterDispatchFailure(ctx, run, err)
		return
	}

	deadline := w.now().Add(dispatchDeadline)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
		current, err := w.Runs.GetRun(ctx, run.ID)
		if err != nil {
			w.Log.Error(err, "poll dispatched run failed", "run_id", run.ID)
			continue
		}
		if current.Status != store.RunRunning {
			if current.Status == store.RunSuccess && current.TargetSnapshot != nil && w.OnArtifactStored != nil {
				if err := w.OnArtifactStored(ctx, current, *current.TargetSnapshot); err != nil {
					w.Log.Error(err, "register artifact delete task failed", "run_id", run.ID)
				}
			}
			return
		}
		if w.now().After(deadline) {
			msg := "timeout"
			_ = w.Runs.CompleteRun(ctx, run.ID, store.RunFailed, w.now().Unix(), nil, &msg)
			w.appendEvent(ctx, run.ID, "error", "run_failed", "dispatch timed out after 24h", map[string]any{"agent_id": *job.AgentID})
			return
		}
	}
}

func (w *Worker) requeueAfterDispatchFailure(ctx context.Context, run *store.Run, cause error) {
	w.appendEvent(ctx, run.ID, "error", "dispatch_failed", cause.Error(), nil)
	if err := w.Runs.RequeueRun(ctx, run.ID); err != nil {
		w.Log.Error(err, "requeue after dispatch failure", "run_id", run.ID)
	}
	select {
	case <-ctx.Done():
	case <-time.After(dispatchBackoff):
	}
}

// executeLocally builds and stores the run on the hub itself (no agent, or
// job.agent_id unset).
func (w *Worker) executeLocally(ctx context.Context, run *store.Run, job *store.Job) {
	target, err := w.Targets(ctx, nodeIDFor(job), job.Spec.Target)
	if err != nil {
		w.fail(ctx, run, job, "", err)
		return
	}
	if _, err := target.EnsureRunCollection(ctx, run.JobID, run.ID); err != nil {
		w.fail(ctx, run, job, "", err)
		return
	}

	progress := func(p store.ProgressSnapshot) {
		_ = w.Runs.SetRunProgress(ctx, run.ID, &p)
		w.Bus.Publish(eventbus.Event{RunID: run.ID, TS: w.now().Unix(), Level: "info", Kind: "progress_snapshot"})
	}

	summary, err := w.Runner.BuildAndStore(ctx, run.JobID, run.ID, nodeIDFor(job), job.Spec, target, progress)
	if err != nil {
		w.fail(ctx, run, job, "", err)
		return
	}

	endedAt := w.now().Unix()
	if err := w.Runs.CompleteRun(ctx, run.ID, store.RunSuccess, endedAt, summary, nil); err != nil {
		w.Log.Error(err, "complete run after successful build", "run_id", run.ID)
		return
	}
	metrics.RecordRunCompleted(string(store.RunSuccess), time.Duration(endedAt-run.StartedAt)*time.Second)
	metrics.RecordRunBytesUploaded(summary.BytesTotal)
	w.appendEvent(ctx, run.ID, "info", "run_succeeded", "run completed", nil)
	w.Bus.Publish(eventbus.Event{RunID: run.ID, TS: w.now().Unix(), Level: "info", Kind: "run_succeeded"})

	if w.Notifier != nil {
		w.Notifier.EnqueueForRun(ctx, run.ID, destinationsFor(job))
	}

	if w.OnArtifactStored != nil {
		completed, err := w.Runs.GetRun(ctx, run.ID)
		if err == nil && completed.TargetSnapshot != nil {
			if err := w.OnArtifactStored(ctx, completed, *completed.TargetSnapshot); err != nil {
				w.Log.Error(err, "register artifact delete task", "run_id", run.ID)
			}
		}
	}
}

// fail drives run to status=failed. The persisted error column carries a
// short machine-readable code; the human message and any structured
// diagnostics go into the run's event log. A logic-kind cause carrying a
// RunFailedSummary supplies its own code, message, and fields; anything
// else falls back to the caller's code, or "run_failed". job is nil when
// the run's own Job row couldn't be loaded, in which case there is no
// destination list to notify.
func (w *Worker) fail(ctx context.Context, run *store.Run, job *store.Job, code string, cause error) {
	msg := cause.Error()
	fields := map[string]any{}
	if ae, ok := apperrors.As(cause); ok && ae.Summary != nil {
		if code == "" {
			code = ae.Summary.Code
		}
		if ae.Summary.Message != "" {
			msg = ae.Summary.Message
		}
		for k, v := range ae.Summary.Fields {
			fields[k] = v
		}
	}
	if code == "" {
		code = "run_failed"
	}
	fields["code"] = code

	endedAt := w.now().Unix()
	runErr := code
	if err := w.Runs.CompleteRun(ctx, run.ID, store.RunFailed, endedAt, nil, &runErr); err != nil {
		w.Log.Error(err, "complete run as failed", "run_id", run.ID)
	}
	metrics.RecordRunCompleted(string(store.RunFailed), time.Duration(endedAt-run.StartedAt)*time.Second)
	w.appendEvent(ctx, run.ID, "error", "run_failed", msg, fields)
	w.Bus.Publish(eventbus.Event{RunID: run.ID, TS: w.now().Unix(), Level: "error", Kind: "run_failed", Message: msg, Fields: fields})

	if w.Notifier != nil && job != nil {
		w.Notifier.EnqueueForRun(ctx, run.ID, destinationsFor(job))
	}
}

// destinationsFor converts a job's configured notification destinations
// into the notify package's channel-agnostic Destination list.
func destinationsFor(job *store.Job) []notify.Destination {
	if len(job.Spec.Notifications) == 0 {
		return nil
	}
	out := make([]notify.Destination, 0, len(job.Spec.Notifications))
	for _, d := range job.Spec.Notifications {
		out = append(out, notify.Destination{
			Channel:    store.NotificationChannel(d.Channel),
			SecretName: d.SecretName,
		})
	}
	return out
}

func (w *Worker) appendEvent(ctx context.Context, runID, level, kind, message string, fields map[string]any) {
	if _, err := w.RunEvents.AppendRunEvent(ctx, runID, w.now().Unix(), level, kind, message, fields); err != nil {
		w.Log.Error(err, "append run event", "run_id", runID, "kind", kind)
		return
	}
	w.Bus.Publish(eventbus.Event{RunID: runID, TS: w.now().Unix(), Level: level, Kind: kind, Message: message, Fields: fields})
}

// resolvedSpec is JobSpecResolvedV1: the job's spec
// with referenced secrets inlined as plaintext, valid only in flight over
// the agent connection and never persisted in this form.
type resolvedSpec struct {
	V      int          `json:"v"`
	JobID  string       `json:"job_id"`
	NodeID string       `json:"node_id"`
	Spec   jobspec.Spec `json:"spec"`
	// Secrets maps "kind/name" to the plaintext secret value, inlined for
	// every secret the spec's target/encryption reference.
	Secrets map[string]string `json:"secrets,omitempty"`
}

// resolveSpec inlines every secret job.Spec references into a
// JobSpecResolvedV1 payload. job_id/node_id ride
// along so the agent can lay out the target store the same way the hub's
// own local runner does, since task_id only ever carries the run id.
func (w *Worker) resolveSpec(ctx context.Context, job *store.Job) (*resolvedSpec, error) {
	nodeID := nodeIDFor(job)
	secrets := make(map[string]string)

	if job.Spec.Target.Kind == jobspec.TargetWebDAV && job.Spec.Target.SecretName != "" {
		v, err := w.Secrets.GetSecret(ctx, nodeID, "webdav", job.Spec.Target.SecretName)
		if err != nil {
			return nil, err
		}
		secrets["webdav/"+job.Spec.Target.SecretName] = string(v)
	}
	if job.Spec.Pipeline.Encryption.Type == "age_x25519" && job.Spec.Pipeline.Encryption.KeyName != "" {
		v, err := w.Secrets.GetSecret(ctx, nodeID, "encryption_key", job.Spec.Pipeline.Encryption.KeyName)
		if err != nil && !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
			return nil, err
		}
		if err == nil {
			secrets["encryption_key/"+job.Spec.Pipeline.Encryption.KeyName] = string(v)
		}
	}

	return &resolvedSpec{V: 1, JobID: job.ID, NodeID: nodeID, Spec: job.Spec, Secrets: secrets}, nil
}

func nodeIDFor(job *store.Job) string {
	if job.AgentID != nil {
		return *job.AgentID
	}
	return "hub"
}
