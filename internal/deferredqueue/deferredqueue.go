// Package deferredqueue drives the shared artifact-delete / incomplete-
// cleanup retry loop on top of store.DeferredTasksRepo: claim a due
// task, run the caller's action, and classify the outcome into retrying,
// blocked, or abandoned.
package deferredqueue

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/metrics"
	"github.com/syt100/bastion/internal/store"
)

const (
	baseBackoff  = 30 * time.Second
	maxBackoff   = time.Hour
	abandonAfter = 10
)

// Action performs the side effect (delete the artifact, clean up the
// incomplete run) for one claimed task.
type Action func(ctx context.Context, task *store.DeferredTask) error

// Queue pairs a DeferredTasksRepo with the action it drives.
type Queue struct {
	repo   *store.DeferredTasksRepo
	action Action
	log    logr.Logger
	now    func() time.Time
}

func New(repo *store.DeferredTasksRepo, action Action, log logr.Logger) *Queue {
	return &Queue{repo: repo, action: action, log: log, now: time.Now}
}

// WithClock overrides the time source, for tests that need to drive a task
// past its backoff delay without sleeping.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Enqueue idempotently schedules a task for runID.
func (q *Queue) Enqueue(ctx context.Context, t *store.DeferredTask) error {
	return q.repo.Enqueue(ctx, t, q.nowUnix())
}

// Run drives the claim loop until ctx is canceled: drain every due task back to back, then sleep pollInterval
// before checking again.
func (q *Queue) Run(ctx context.Context, pollInterval time.Duration) {
	for {
		if ctx.Err() != nil {
			return
		}
		claimed, err := q.RunOnce(ctx)
		if err != nil {
			q.log.Error(err, "deferred queue iteration failed")
		}
		if claimed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}

// RunOnce claims at most one due task and drives it to completion or to its
// next retry/blocked/abandoned state. Returns (false, nil) when no task was
// due, matching the worker's single-poll-iteration shape.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	now := q.nowUnix()
	task, err := q.repo.Claim(ctx, now)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	actionErr := q.action(ctx, task)
	now = q.nowUnix()
	if actionErr == nil {
		if err := q.repo.MarkDone(ctx, task.RunID, now); err != nil {
			return true, err
		}
		metrics.RecordDeferredTaskOutcome(q.repo.TableName(), "done")
		q.log.V(1).Info("deferred task done", "run_id", task.RunID)
		return true, nil
	}

	kind, msg := classify(actionErr)

	if kind == "auth" || kind == "permanent" {
		if err := q.repo.MarkBlocked(ctx, task.RunID, kind, msg, now); err != nil {
			return true, err
		}
		metrics.RecordDeferredTaskOutcome(q.repo.TableName(), "blocked")
		q.log.Info("deferred task blocked", "run_id", task.RunID, "error_kind", kind, "error", msg)
		return true, nil
	}

	if task.Attempts >= abandonAfter {
		if err := q.repo.MarkAbandoned(ctx, task.RunID, kind, msg, now); err != nil {
			return true, err
		}
		metrics.RecordDeferredTaskOutcome(q.repo.TableName(), "abandoned")
		q.log.Info("deferred task abandoned after max attempts", "run_id", task.RunID, "attempts", task.Attempts)
		return true, nil
	}

	next := now + int64(backoffFor(task.Attempts).Seconds())
	if err := q.repo.MarkRetrying(ctx, task.RunID, next, kind, msg, now); err != nil {
		return true, err
	}
	metrics.RecordDeferredTaskOutcome(q.repo.TableName(), "retrying")
	q.log.V(1).Info("deferred task retrying", "run_id", task.RunID, "attempt", task.Attempts, "next_attempt_at", next)
	return true, nil
}

// classify maps an action error onto the taxonomy the task table's
// last_error_kind column records: auth/permanent park the task in blocked
// (a human must intervene), everything else is retried with backoff until
// the attempt cap is reached.
func classify(err error) (kind, message string) {
	var ae *apperrors.AppError
	if errors.As(err, &ae) {
		switch ae.Type {
		case apperrors.ErrorTypeAuth:
			return "auth", ae.Error()
		case apperrors.ErrorTypePermanent:
			return "permanent", ae.Error()
		case apperrors.ErrorTypeNetwork, apperrors.ErrorTypeTransient:
			return "network", ae.Error()
		default:
			return "unknown", ae.Error()
		}
	}
	return "unknown", err.Error()
}

// backoffFor computes the delay before the next attempt: exponential base
// 30s doubling per attempt, capped at 1h, with full jitter.
func backoffFor(attempts int) time.Duration {
	d := baseBackoff * time.Duration(1<<uint(minInt(attempts, 20)))
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(d)))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (q *Queue) nowUnix() int64 { return q.now().Unix() }
