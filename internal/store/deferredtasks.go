package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
)

// taskTable names the two physically identical tables sharing the deferred
// task state machine.
type taskTable string

const (
	tableArtifactDelete    taskTable = "artifact_delete_tasks"
	tableIncompleteCleanup taskTable = "incomplete_cleanup_tasks"
)

// DeferredTasksRepo implements the shared claim/retry/block/abandon/ignore
// state machine for both ArtifactDeleteTask and IncompleteCleanupTask,
// parameterized on which table to operate against.
type DeferredTasksRepo struct {
	db    *DB
	table taskTable
}

func NewArtifactDeleteTasksRepo(db *DB) *DeferredTasksRepo {
	return &DeferredTasksRepo{db: db, table: tableArtifactDelete}
}

func NewIncompleteCleanupTasksRepo(db *DB) *DeferredTasksRepo {
	return &DeferredTasksRepo{db: db, table: tableIncompleteCleanup}
}

// TableName identifies which of the two queues this repo operates on,
// used as a metrics label by the queue driver.
func (r *DeferredTasksRepo) TableName() string {
	return string(r.table)
}

// Enqueue idempotently inserts at most one task per run_id. A second call for
// the same run_id is a silent no-op.
func (r *DeferredTasksRepo) Enqueue(ctx context.Context, t *DeferredTask, now int64) error {
	snapJSON, err := json.Marshal(t.TargetSnapshot)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal target snapshot")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO `+string(r.table)+` (run_id, job_id, node_id, target_type, target_snapshot_json, status, attempts, created_at, updated_at, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?)
		ON CONFLICT (run_id) DO NOTHING`,
		t.RunID, t.JobID, t.NodeID, string(t.TargetType), string(snapJSON), now, now, now)
	if err != nil {
		return apperrors.NewDatabaseError("enqueue_deferred_task", err)
	}
	return nil
}

// Claim atomically selects the oldest due task in {queued, retrying}
// (blocked requires an explicit RetryNow to requeue first) and flips it
// to running, incrementing attempts and stamping last_attempt_at, within
// one transaction.
func (r *DeferredTasksRepo) Claim(ctx context.Context, now int64) (*DeferredTask, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim_task_begin", err)
	}
	defer tx.Rollback()

	var row deferredTaskRow
	err = tx.GetContext(ctx, &row, `
		SELECT run_id, job_id, node_id, target_type, target_snapshot_json, status, attempts,
		       created_at, updated_at, last_attempt_at, next_attempt_at, last_error_kind, last_error,
		       ignored_at, ignored_by_user_id, ignore_reason
		FROM `+string(r.table)+`
		WHERE status IN ('queued', 'retrying') AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC LIMIT 1`, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim_task_select", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE `+string(r.table)+` SET status = 'running', attempts = attempts + 1, last_attempt_at = ?, updated_at = ?
		WHERE run_id = ? AND status = ?`, now, now, row.RunID, row.Status); err != nil {
		return nil, apperrors.NewDatabaseError("claim_task_update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("claim_task_commit", err)
	}
	row.Status = string(TaskRunning)
	row.Attempts++
	return row.toDeferredTask()
}

// MarkDone transitions running -> done.
func (r *DeferredTasksRepo) MarkDone(ctx context.Context, runID string, now int64) error {
	return r.transition(ctx, runID, "running", TaskDone, now)
}

// MarkRetrying transitions running -> retrying with the next attempt
// scheduled at nextAttemptAt (caller computes backoff).
func (r *DeferredTasksRepo) MarkRetrying(ctx context.Context, runID string, nextAttemptAt int64, errKind, errMsg string, now int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+string(r.table)+` SET status = 'retrying', next_attempt_at = ?, last_error_kind = ?, last_error = ?, updated_at = ?
		WHERE run_id = ? AND status = 'running'`, nextAttemptAt, errKind, errMsg, now, runID)
	if err != nil {
		return apperrors.NewDatabaseError("mark_task_retrying", err)
	}
	return rowsAffectedOrConflict(res)
}

// MarkBlocked transitions running -> blocked; only RetryNow moves it back
// to queued.
func (r *DeferredTasksRepo) MarkBlocked(ctx context.Context, runID string, errKind, errMsg string, now int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+string(r.table)+` SET status = 'blocked', last_error_kind = ?, last_error = ?, updated_at = ?
		WHERE run_id = ? AND status = 'running'`, errKind, errMsg, now, runID)
	if err != nil {
		return apperrors.NewDatabaseError("mark_task_blocked", err)
	}
	return rowsAffectedOrConflict(res)
}

// MarkAbandoned transitions running -> abandoned, used after the max
// retry-attempt cap.
func (r *DeferredTasksRepo) MarkAbandoned(ctx context.Context, runID string, errKind, errMsg string, now int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+string(r.table)+` SET status = 'abandoned', last_error_kind = ?, last_error = ?, updated_at = ?
		WHERE run_id = ? AND status = 'running'`, errKind, errMsg, now, runID)
	if err != nil {
		return apperrors.NewDatabaseError("mark_task_abandoned", err)
	}
	return rowsAffectedOrConflict(res)
}

// Ignore transitions {queued, retrying, blocked, abandoned} -> ignored, a
// user action requiring no further automatic processing.
func (r *DeferredTasksRepo) Ignore(ctx context.Context, runID, userID, reason string, now int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+string(r.table)+` SET status = 'ignored', ignored_at = ?, ignored_by_user_id = ?, ignore_reason = ?, updated_at = ?
		WHERE run_id = ? AND status IN ('queued', 'retrying', 'blocked', 'abandoned')`,
		now, userID, reason, now, runID)
	if err != nil {
		return apperrors.NewDatabaseError("ignore_task", err)
	}
	return rowsAffectedOrConflict(res)
}

// RetryNow transitions blocked -> queued with next_attempt_at reset to now,
// the only way to unstick a blocked task.
func (r *DeferredTasksRepo) RetryNow(ctx context.Context, runID string, now int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+string(r.table)+` SET status = 'queued', next_attempt_at = ?, updated_at = ?
		WHERE run_id = ? AND status = 'blocked'`, now, now, runID)
	if err != nil {
		return apperrors.NewDatabaseError("retry_now_task", err)
	}
	return rowsAffectedOrConflict(res)
}

func (r *DeferredTasksRepo) transition(ctx context.Context, runID, fromStatus string, to DeferredTaskStatus, now int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE `+string(r.table)+` SET status = ?, updated_at = ? WHERE run_id = ? AND status = ?`,
		string(to), now, runID, fromStatus)
	if err != nil {
		return apperrors.NewDatabaseError("transition_task", err)
	}
	return rowsAffectedOrConflict(res)
}

func rowsAffectedOrConflict(res sql.Result) error {
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.ErrorTypeConflict, "task is not in the expected state")
	}
	return nil
}

// Get fetches one task by run_id.
func (r *DeferredTasksRepo) Get(ctx context.Context, runID string) (*DeferredTask, error) {
	var row deferredTaskRow
	err := r.db.GetContext(ctx, &row, `
		SELECT run_id, job_id, node_id, target_type, target_snapshot_json, status, attempts,
		       created_at, updated_at, last_attempt_at, next_attempt_at, last_error_kind, last_error,
		       ignored_at, ignored_by_user_id, ignore_reason
		FROM `+string(r.table)+` WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("deferred task")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_deferred_task", err)
	}
	return row.toDeferredTask()
}

type deferredTaskRow struct {
	RunID             string  `db:"run_id"`
	JobID             string  `db:"job_id"`
	NodeID            string  `db:"node_id"`
	TargetType        string  `db:"target_type"`
	TargetSnapJSON    string  `db:"target_snapshot_json"`
	Status            string  `db:"status"`
	Attempts          int     `db:"attempts"`
	CreatedAt         int64   `db:"created_at"`
	UpdatedAt         int64   `db:"updated_at"`
	LastAttemptAt     *int64  `db:"last_attempt_at"`
	NextAttemptAt     int64   `db:"next_attempt_at"`
	LastErrorKind     *string `db:"last_error_kind"`
	LastError         *string `db:"last_error"`
	IgnoredAt         *int64  `db:"ignored_at"`
	IgnoredByUserID   *string `db:"ignored_by_user_id"`
	IgnoreReason      *string `db:"ignore_reason"`
}

func (row deferredTaskRow) toDeferredTask() (*DeferredTask, error) {
	var snap TargetSnapshot
	if err := json.Unmarshal([]byte(row.TargetSnapJSON), &snap); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal target snapshot")
	}
	return &DeferredTask{
		RunID:           row.RunID,
		JobID:           row.JobID,
		NodeID:          row.NodeID,
		TargetType:      jobspec.TargetKind(row.TargetType),
		TargetSnapshot:  snap,
		Status:          DeferredTaskStatus(row.Status),
		Attempts:        row.Attempts,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		LastAttemptAt:   row.LastAttemptAt,
		NextAttemptAt:   row.NextAttemptAt,
		LastErrorKind:   row.LastErrorKind,
		LastError:       row.LastError,
		IgnoredAt:       row.IgnoredAt,
		IgnoredByUserID: row.IgnoredByUserID,
		IgnoreReason:    row.IgnoreReason,
	}, nil
}
