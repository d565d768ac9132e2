package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/syt100/bastion/internal/apperrors"
)

// OperationsRepo persists Operation rows and their append-only event log:
// the restore/verify analogue of RunsRepo/RunEventsRepo.
type OperationsRepo struct {
	db *DB
}

func NewOperationsRepo(db *DB) *OperationsRepo { return &OperationsRepo{db: db} }

// CreateOperation inserts a new operation in status "running".
func (r *OperationsRepo) CreateOperation(ctx context.Context, op *Operation) error {
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO operations (id, kind, run_id, job_id, status, started_at, ended_at, summary_json, error)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, NULL)`,
		op.ID, string(op.Kind), op.RunID, op.JobID, op.Status, op.StartedAt); err != nil {
		return apperrors.NewDatabaseError("create_operation", err)
	}
	return nil
}

// CompleteOperation transitions an operation to a terminal status ("done"
// or "failed"), recording its summary/error.
func (r *OperationsRepo) CompleteOperation(ctx context.Context, id string, status string, endedAt int64, summary *RunSummary, opErr *string) error {
	var summaryJSON []byte
	if summary != nil {
		var err error
		summaryJSON, err = json.Marshal(summary)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal operation summary")
		}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE operations SET status = ?, ended_at = ?, summary_json = ?, error = ?
		WHERE id = ? AND ended_at IS NULL`,
		status, endedAt, nullableJSON(summaryJSON), opErr, id)
	if err != nil {
		return apperrors.NewDatabaseError("complete_operation", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.New(apperrors.ErrorTypeConflict, "operation already completed")
	}
	return nil
}

// GetOperation fetches one operation by id.
func (r *OperationsRepo) GetOperation(ctx context.Context, id string) (*Operation, error) {
	var row operationRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, kind, run_id, job_id, status, started_at, ended_at, summary_json, error
		FROM operations WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("operation")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_operation", err)
	}
	return row.toOperation()
}

// AppendOperationEvent computes the next seq as max(seq)+1 for the
// operation and inserts the event in the same transaction, mirroring
// RunEventsRepo.AppendRunEvent's per-run sequencing.
func (r *OperationsRepo) AppendOperationEvent(ctx context.Context, operationID string, ts int64, level, kind, message string, fields map[string]any) (int64, error) {
	var fieldsJSON []byte
	if fields != nil {
		var err error
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return 0, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal operation event fields")
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperrors.NewDatabaseError("append_operation_event_begin", err)
	}
	defer tx.Rollback()

	var maxSeq sqlNullInt64
	if err := tx.GetContext(ctx, &maxSeq, `SELECT MAX(seq) FROM operation_events WHERE operation_id = ?`, operationID); err != nil {
		return 0, apperrors.NewDatabaseError("append_operation_event_max_seq", err)
	}
	nextSeq := maxSeq.Int64 + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO operation_events (operation_id, seq, ts, level, kind, message, fields_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		operationID, nextSeq, ts, level, kind, message, nullableJSON(fieldsJSON)); err != nil {
		return 0, apperrors.NewDatabaseError("append_operation_event_insert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewDatabaseError("append_operation_event_commit", err)
	}
	return nextSeq, nil
}

// ListOperationEvents returns the full ordered event log for an operation.
func (r *OperationsRepo) ListOperationEvents(ctx context.Context, operationID string) ([]*OperationEvent, error) {
	var rows []operationEventRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT operation_id, seq, ts, level, kind, message, fields_json
		FROM operation_events WHERE operation_id = ? ORDER BY seq ASC`, operationID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list_operation_events", err)
	}
	events := make([]*OperationEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toOperationEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

type operationRow struct {
	ID          string  `db:"id"`
	Kind        string  `db:"kind"`
	RunID       *string `db:"run_id"`
	JobID       *string `db:"job_id"`
	Status      string  `db:"status"`
	StartedAt   int64   `db:"started_at"`
	EndedAt     *int64  `db:"ended_at"`
	SummaryJSON *string `db:"summary_json"`
	Error       *string `db:"error"`
}

func (row operationRow) toOperation() (*Operation, error) {
	op := &Operation{
		ID:        row.ID,
		Kind:      OperationKind(row.Kind),
		RunID:     row.RunID,
		JobID:     row.JobID,
		Status:    row.Status,
		StartedAt: row.StartedAt,
		EndedAt:   row.EndedAt,
		Error:     row.Error,
	}
	if row.SummaryJSON != nil {
		op.Summary = &RunSummary{}
		if err := json.Unmarshal([]byte(*row.SummaryJSON), op.Summary); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal operation summary")
		}
	}
	return op, nil
}

type operationEventRow struct {
	OperationID string  `db:"operation_id"`
	Seq         int64   `db:"seq"`
	TS          int64   `db:"ts"`
	Level       string  `db:"level"`
	Kind        string  `db:"kind"`
	Message     string  `db:"message"`
	FieldsJSON  *string `db:"fields_json"`
}

func (row operationEventRow) toOperationEvent() (*OperationEvent, error) {
	ev := &OperationEvent{
		OperationID: row.OperationID,
		Seq:         row.Seq,
		TS:          row.TS,
		Level:       row.Level,
		Kind:        row.Kind,
		Message:     row.Message,
	}
	if row.FieldsJSON != nil {
		if err := json.Unmarshal([]byte(*row.FieldsJSON), &ev.Fields); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal operation event fields")
		}
	}
	return ev, nil
}
