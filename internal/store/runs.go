package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/syt100/bastion/internal/apperrors"
)

// RunsRepo persists Run rows and implements the overlap-policy enqueue
// and the atomic queued-to-running claim.
type RunsRepo struct {
	db *DB
}

func NewRunsRepo(db *DB) *RunsRepo { return &RunsRepo{db: db} }

// EnqueueRun creates a run for job, applying the overlap policy: if the job
// has a non-terminal run (status running or queued) and policy is reject,
// the new run is created already rejected with error="overlap_rejected";
// otherwise it is created queued.
func (r *RunsRepo) EnqueueRun(ctx context.Context, jobID, runID string, policy OverlapPolicy, startedAt int64) (*Run, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("enqueue_run_begin", err)
	}
	defer tx.Rollback()

	var nonTerminal int
	if err := tx.GetContext(ctx, &nonTerminal, `
		SELECT COUNT(*) FROM runs WHERE job_id = ? AND status IN ('running', 'queued')`, jobID); err != nil {
		return nil, apperrors.NewDatabaseError("enqueue_run_count", err)
	}

	run := &Run{ID: runID, JobID: jobID, StartedAt: startedAt}
	if nonTerminal > 0 && policy == OverlapReject {
		run.Status = RunRejected
		errStr := "overlap_rejected"
		run.Error = &errStr
	} else {
		run.Status = RunQueued
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, job_id, status, started_at, ended_at, progress_json, summary_json, error, target_snapshot_json)
		VALUES (?, ?, ?, ?, NULL, NULL, NULL, ?, NULL)`,
		run.ID, run.JobID, string(run.Status), run.StartedAt, run.Error); err != nil {
		return nil, apperrors.NewDatabaseError("enqueue_run_insert", err)
	}
	if run.Status == RunRejected {
		if _, err := tx.ExecContext(ctx, `UPDATE runs SET ended_at = ? WHERE id = ?`, startedAt, run.ID); err != nil {
			return nil, apperrors.NewDatabaseError("enqueue_run_reject_end", err)
		}
		run.EndedAt = &startedAt
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("enqueue_run_commit", err)
	}
	return run, nil
}

// ClaimNextQueuedRun atomically selects the oldest queued run and flips it
// to running within one transaction: readers outside the
// transaction never observe queued after the claim commits.
func (r *RunsRepo) ClaimNextQueuedRun(ctx context.Context) (*Run, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim_run_begin", err)
	}
	defer tx.Rollback()

	var row runRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, job_id, status, started_at, ended_at, progress_json, summary_json, error, target_snapshot_json
		FROM runs WHERE status = 'queued' ORDER BY started_at ASC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim_run_select", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = 'running' WHERE id = ? AND status = 'queued'`, row.ID); err != nil {
		return nil, apperrors.NewDatabaseError("claim_run_update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("claim_run_commit", err)
	}
	row.Status = string(RunRunning)
	return row.toRun()
}

// RequeueRun transitions running -> queued, used exactly when dispatch to
// an agent failed before any task acknowledgment.
func (r *RunsRepo) RequeueRun(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE runs SET status = 'queued' WHERE id = ? AND status = 'running'`, id)
	if err != nil {
		return apperrors.NewDatabaseError("requeue_run", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.ErrorTypeConflict, "run is not running")
	}
	return nil
}

// CompleteRun transitions running -> {success, failed}, a terminal state.
func (r *RunsRepo) CompleteRun(ctx context.Context, id string, status RunStatus, endedAt int64, summary *RunSummary, runErr *string) error {
	if status != RunSuccess && status != RunFailed {
		return apperrors.New(apperrors.ErrorTypeValidation, "complete_run requires success or failed")
	}
	var summaryJSON []byte
	if summary != nil {
		var err error
		summaryJSON, err = json.Marshal(summary)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal run summary")
		}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, summary_json = ?, error = ?
		WHERE id = ? AND status = 'running'`,
		string(status), endedAt, nullableJSON(summaryJSON), runErr, id)
	if err != nil {
		return apperrors.NewDatabaseError("complete_run", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.ErrorTypeConflict, "run is not running")
	}
	return nil
}

// SetRunProgress overwrites the run's latest progress snapshot.
func (r *RunsRepo) SetRunProgress(ctx context.Context, id string, progress *ProgressSnapshot) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal progress")
	}
	_, err = r.db.ExecContext(ctx, `UPDATE runs SET progress_json = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return apperrors.NewDatabaseError("set_run_progress", err)
	}
	return nil
}

// SetRunTargetSnapshot persists the resolved target descriptor, the single
// source of truth for later deletion.
func (r *RunsRepo) SetRunTargetSnapshot(ctx context.Context, id string, snap *TargetSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal target snapshot")
	}
	_, err = r.db.ExecContext(ctx, `UPDATE runs SET target_snapshot_json = ? WHERE id = ?`, string(data), id)
	if err != nil {
		return apperrors.NewDatabaseError("set_run_target_snapshot", err)
	}
	return nil
}

// InsertIngestedRun persists a run an agent already ran to completion while
// offline. It is idempotent on
// run id: re-ingesting the same run (e.g. a retried POST after a dropped
// response) is a no-op rather than a duplicate-key error, since the agent
// only deletes its local run-dir after a confirmed 204.
func (r *RunsRepo) InsertIngestedRun(ctx context.Context, run *Run) (inserted bool, err error) {
	if run.Status != RunSuccess && run.Status != RunFailed {
		return false, apperrors.New(apperrors.ErrorTypeValidation, "ingested run must be success or failed")
	}
	var summaryJSON []byte
	if run.Summary != nil {
		summaryJSON, err = json.Marshal(run.Summary)
		if err != nil {
			return false, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal ingested run summary")
		}
	}
	var targetJSON []byte
	if run.TargetSnapshot != nil {
		targetJSON, err = json.Marshal(run.TargetSnapshot)
		if err != nil {
			return false, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal ingested run target snapshot")
		}
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO runs (id, job_id, status, started_at, ended_at, progress_json, summary_json, error, target_snapshot_json)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?, ?)`,
		run.ID, run.JobID, string(run.Status), run.StartedAt, run.EndedAt, nullableJSON(summaryJSON), run.Error, nullableJSON(targetJSON))
	if err != nil {
		return false, apperrors.NewDatabaseError("insert_ingested_run", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// PruneRunsEndedBefore deletes runs whose ended_at < cutoff, returning
// the count removed (retention pruning).
func (r *RunsRepo) PruneRunsEndedBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM runs WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
	if err != nil {
		return 0, apperrors.NewDatabaseError("prune_runs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListIncompleteCleanupCandidates returns runs started before cutoff that
// never reached a terminal success.
func (r *RunsRepo) ListIncompleteCleanupCandidates(ctx context.Context, cutoff int64) ([]*Run, error) {
	var rows []runRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, status, started_at, ended_at, progress_json, summary_json, error, target_snapshot_json
		FROM runs WHERE started_at < ? AND status != 'success'`, cutoff)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list_incomplete_cleanup_candidates", err)
	}
	return toRuns(rows)
}

// GetRun fetches one run by id.
func (r *RunsRepo) GetRun(ctx context.Context, id string) (*Run, error) {
	var row runRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, job_id, status, started_at, ended_at, progress_json, summary_json, error, target_snapshot_json
		FROM runs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("run")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_run", err)
	}
	return row.toRun()
}

// ListRunsForJob returns runs for a job, most recent first.
func (r *RunsRepo) ListRunsForJob(ctx context.Context, jobID string) ([]*Run, error) {
	var rows []runRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, job_id, status, started_at, ended_at, progress_json, summary_json, error, target_snapshot_json
		FROM runs WHERE job_id = ? ORDER BY started_at DESC`, jobID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list_runs_for_job", err)
	}
	return toRuns(rows)
}

type runRow struct {
	ID             string  `db:"id"`
	JobID          string  `db:"job_id"`
	Status         string  `db:"status"`
	StartedAt      int64   `db:"started_at"`
	EndedAt        *int64  `db:"ended_at"`
	ProgressJSON   *string `db:"progress_json"`
	SummaryJSON    *string `db:"summary_json"`
	Error          *string `db:"error"`
	TargetSnapJSON *string `db:"target_snapshot_json"`
}

func (row runRow) toRun() (*Run, error) {
	run := &Run{
		ID:        row.ID,
		JobID:     row.JobID,
		Status:    RunStatus(row.Status),
		StartedAt: row.StartedAt,
		EndedAt:   row.EndedAt,
		Error:     row.Error,
	}
	if row.ProgressJSON != nil {
		var p ProgressSnapshot
		if err := json.Unmarshal([]byte(*row.ProgressJSON), &p); err != nil {
			return nil, err
		}
		run.Progress = &p
	}
	if row.SummaryJSON != nil {
		var s RunSummary
		if err := json.Unmarshal([]byte(*row.SummaryJSON), &s); err != nil {
			return nil, err
		}
		run.Summary = &s
	}
	if row.TargetSnapJSON != nil {
		var t TargetSnapshot
		if err := json.Unmarshal([]byte(*row.TargetSnapJSON), &t); err != nil {
			return nil, err
		}
		run.TargetSnapshot = &t
	}
	return run, nil
}

func toRuns(rows []runRow) ([]*Run, error) {
	runs := make([]*Run, 0, len(rows))
	for _, row := range rows {
		run, err := row.toRun()
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func nullableJSON(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
