package restore

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/eventbus"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

// SpawnRestoreOperation creates an Operation row and runs Run in the
// background, appending its event log and completing the operation on
// exit.
func SpawnRestoreOperation(ctx context.Context, ops *store.OperationsRepo, bus *eventbus.Bus, fetcher targetstore.Fetcher, secrets *store.SecretsRepo, opID string, opts Options, now func() int64, log logr.Logger) error {
	op := &store.Operation{
		ID: opID, Kind: store.OperationRestore, RunID: &opts.RunID, JobID: &opts.JobID,
		Status: "running", StartedAt: now(),
	}
	if err := ops.CreateOperation(ctx, op); err != nil {
		return err
	}

	go func() {
		runOperation(context.Background(), ops, bus, opID, now, log, func(ctx context.Context) (*Result, error) {
			return Run(ctx, fetcher, secrets, opts)
		})
	}()
	return nil
}

// SpawnVerifyOperation is SpawnRestoreOperation's read-only counterpart.
func SpawnVerifyOperation(ctx context.Context, ops *store.OperationsRepo, bus *eventbus.Bus, fetcher targetstore.Fetcher, opID, jobID, runID string, now func() int64, log logr.Logger) error {
	op := &store.Operation{
		ID: opID, Kind: store.OperationVerify, RunID: &runID, JobID: &jobID,
		Status: "running", StartedAt: now(),
	}
	if err := ops.CreateOperation(ctx, op); err != nil {
		return err
	}

	go func() {
		runOperation(context.Background(), ops, bus, opID, now, log, func(ctx context.Context) (*Result, error) {
			return Verify(ctx, fetcher, jobID, runID)
		})
	}()
	return nil
}

// runOperation runs fn, appends a start/outcome event pair to the
// operation's log (publishing each to bus the same way a run's events are
// published), and completes the operation row with the result or error.
func runOperation(ctx context.Context, ops *store.OperationsRepo, bus *eventbus.Bus, opID string, now func() int64, log logr.Logger, fn func(context.Context) (*Result, error)) {
	appendEvent(ctx, ops, bus, opID, now(), "info", "operation_started", "operation started")

	result, err := fn(ctx)
	ts := now()
	if err != nil {
		log.Error(err, "operation failed", "operation_id", opID)
		appendEvent(ctx, ops, bus, opID, ts, "error", "operation_failed", err.Error())
		msg := err.Error()
		if completeErr := ops.CompleteOperation(ctx, opID, "failed", ts, nil, &msg); completeErr != nil {
			log.Error(completeErr, "complete failed operation", "operation_id", opID)
		}
		return
	}

	appendEvent(ctx, ops, bus, opID, ts, "info", "operation_succeeded", "operation succeeded")
	summary := &store.RunSummary{PartsCount: result.PartsVerified, BytesTotal: result.BytesVerified}
	if completeErr := ops.CompleteOperation(ctx, opID, "done", ts, summary, nil); completeErr != nil {
		log.Error(completeErr, "complete successful operation", "operation_id", opID)
	}
}

func appendEvent(ctx context.Context, ops *store.OperationsRepo, bus *eventbus.Bus, opID string, ts int64, level, kind, message string) {
	seq, err := ops.AppendOperationEvent(ctx, opID, ts, level, kind, message, nil)
	if err != nil {
		return
	}
	bus.Publish(eventbus.Event{RunID: opID, Seq: seq, TS: ts, Level: level, Kind: kind, Message: message})
}
