package store

import (
	"context"
	"encoding/json"

	"github.com/syt100/bastion/internal/apperrors"
)

// RunEventsRepo persists the append-only, densely-sequenced event log for a
// run.
type RunEventsRepo struct {
	db *DB
}

func NewRunEventsRepo(db *DB) *RunEventsRepo { return &RunEventsRepo{db: db} }

// AppendRunEvent computes the next seq as max(seq)+1 for the run and inserts
// the event within the same transaction, so two concurrent appenders for the
// same run_id never collide on seq.
func (r *RunEventsRepo) AppendRunEvent(ctx context.Context, runID string, ts int64, level, kind, message string, fields map[string]any) (int64, error) {
	var fieldsJSON []byte
	if fields != nil {
		var err error
		fieldsJSON, err = json.Marshal(fields)
		if err != nil {
			return 0, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal run event fields")
		}
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apperrors.NewDatabaseError("append_run_event_begin", err)
	}
	defer tx.Rollback()

	var maxSeq sqlNullInt64
	if err := tx.GetContext(ctx, &maxSeq, `SELECT MAX(seq) FROM run_events WHERE run_id = ?`, runID); err != nil {
		return 0, apperrors.NewDatabaseError("append_run_event_max_seq", err)
	}
	nextSeq := maxSeq.Int64 + 1

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO run_events (run_id, seq, ts, level, kind, message, fields_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, nextSeq, ts, level, kind, message, nullableJSON(fieldsJSON)); err != nil {
		return 0, apperrors.NewDatabaseError("append_run_event_insert", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, apperrors.NewDatabaseError("append_run_event_commit", err)
	}
	return nextSeq, nil
}

// ListRunEvents returns the full ordered event log for a run.
func (r *RunEventsRepo) ListRunEvents(ctx context.Context, runID string) ([]*RunEvent, error) {
	return r.listRunEventsAfter(ctx, runID, 0)
}

// ListRunEventsAfterSeq returns events with seq > afterSeq, ordered, the
// primary mechanism late subscribers use to catch up.
func (r *RunEventsRepo) ListRunEventsAfterSeq(ctx context.Context, runID string, afterSeq int64) ([]*RunEvent, error) {
	return r.listRunEventsAfter(ctx, runID, afterSeq)
}

func (r *RunEventsRepo) listRunEventsAfter(ctx context.Context, runID string, afterSeq int64) ([]*RunEvent, error) {
	var rows []runEventRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT run_id, seq, ts, level, kind, message, fields_json
		FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`, runID, afterSeq)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list_run_events", err)
	}
	events := make([]*RunEvent, 0, len(rows))
	for _, row := range rows {
		ev, err := row.toRunEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

type runEventRow struct {
	RunID      string  `db:"run_id"`
	Seq        int64   `db:"seq"`
	TS         int64   `db:"ts"`
	Level      string  `db:"level"`
	Kind       string  `db:"kind"`
	Message    string  `db:"message"`
	FieldsJSON *string `db:"fields_json"`
}

func (row runEventRow) toRunEvent() (*RunEvent, error) {
	ev := &RunEvent{
		RunID:   row.RunID,
		Seq:     row.Seq,
		TS:      row.TS,
		Level:   row.Level,
		Kind:    row.Kind,
		Message: row.Message,
	}
	if row.FieldsJSON != nil {
		if err := json.Unmarshal([]byte(*row.FieldsJSON), &ev.Fields); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal run event fields")
		}
	}
	return ev, nil
}

// sqlNullInt64 mirrors sql.NullInt64 but scans a NULL MAX() as zero without
// requiring callers to unwrap a Valid flag — there is no ambiguity here
// because a real seq is always >= 1.
type sqlNullInt64 struct {
	Int64 int64
}

func (n *sqlNullInt64) Scan(src any) error {
	if src == nil {
		n.Int64 = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		n.Int64 = v
	default:
		n.Int64 = 0
	}
	return nil
}
