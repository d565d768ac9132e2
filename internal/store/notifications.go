package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/syt100/bastion/internal/apperrors"
)

// NotificationsRepo persists outbound wecom_bot/email notifications and
// drives their own small queued/sending/sent/failed/canceled state machine
//, claimed and retried the same way as the deferred task
// tables but without the blocked/ignored states — a notification either
// eventually sends or is abandoned by the caller marking it failed.
type NotificationsRepo struct {
	db *DB
}

func NewNotificationsRepo(db *DB) *NotificationsRepo {
	return &NotificationsRepo{db: db}
}

func (r *NotificationsRepo) Enqueue(ctx context.Context, n *Notification, now int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, run_id, channel, secret_name, status, attempts, next_attempt_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?)`,
		n.ID, n.RunID, string(n.Channel), n.SecretName, now)
	if err != nil {
		return apperrors.NewDatabaseError("enqueue_notification", err)
	}
	return nil
}

// Claim selects the oldest due queued notification and flips it to
// sending, in one transaction (same rationale as RunsRepo.ClaimNextQueuedRun).
func (r *NotificationsRepo) Claim(ctx context.Context, now int64) (*Notification, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim_notification_begin", err)
	}
	defer tx.Rollback()

	var row notificationRow
	err = tx.GetContext(ctx, &row, `
		SELECT id, run_id, channel, secret_name, status, attempts, next_attempt_at
		FROM notifications WHERE status = 'queued' AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC LIMIT 1`, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim_notification_select", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE notifications SET status = 'sending', attempts = attempts + 1 WHERE id = ? AND status = 'queued'`,
		row.ID); err != nil {
		return nil, apperrors.NewDatabaseError("claim_notification_update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperrors.NewDatabaseError("claim_notification_commit", err)
	}
	row.Status = string(NotificationSending)
	row.Attempts++
	return row.toNotification(), nil
}

func (r *NotificationsRepo) MarkSent(ctx context.Context, id string) error {
	return r.transition(ctx, id, "sending", NotificationSent)
}

// MarkFailed transitions sending -> queued (with a new next_attempt_at, for
// a retry) or sending -> failed, depending on whether the caller still
// wants another attempt.
func (r *NotificationsRepo) MarkFailed(ctx context.Context, id string, retry bool, nextAttemptAt int64) error {
	if retry {
		res, err := r.db.ExecContext(ctx, `
			UPDATE notifications SET status = 'queued', next_attempt_at = ? WHERE id = ? AND status = 'sending'`,
			nextAttemptAt, id)
		if err != nil {
			return apperrors.NewDatabaseError("retry_notification", err)
		}
		return rowsAffectedOrConflict(res)
	}
	return r.transition(ctx, id, "sending", NotificationFailed)
}

func (r *NotificationsRepo) Cancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = 'canceled' WHERE id = ? AND status IN ('queued', 'sending')`, id)
	if err != nil {
		return apperrors.NewDatabaseError("cancel_notification", err)
	}
	return rowsAffectedOrConflict(res)
}

func (r *NotificationsRepo) transition(ctx context.Context, id, fromStatus string, to NotificationStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET status = ? WHERE id = ? AND status = ?`, string(to), id, fromStatus)
	if err != nil {
		return apperrors.NewDatabaseError("transition_notification", err)
	}
	return rowsAffectedOrConflict(res)
}

func (r *NotificationsRepo) ListForRun(ctx context.Context, runID string) ([]Notification, error) {
	var rows []notificationRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT id, run_id, channel, secret_name, status, attempts, next_attempt_at
		FROM notifications WHERE run_id = ? ORDER BY next_attempt_at ASC`, runID); err != nil {
		return nil, apperrors.NewDatabaseError("list_notifications_for_run", err)
	}
	out := make([]Notification, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toNotification())
	}
	return out, nil
}

type notificationRow struct {
	ID            string `db:"id"`
	RunID         string `db:"run_id"`
	Channel       string `db:"channel"`
	SecretName    string `db:"secret_name"`
	Status        string `db:"status"`
	Attempts      int    `db:"attempts"`
	NextAttemptAt int64  `db:"next_attempt_at"`
}

func (row notificationRow) toNotification() *Notification {
	return &Notification{
		ID:            row.ID,
		RunID:         row.RunID,
		Channel:       NotificationChannel(row.Channel),
		SecretName:    row.SecretName,
		Status:        NotificationStatus(row.Status),
		Attempts:      row.Attempts,
		NextAttemptAt: row.NextAttemptAt,
	}
}
