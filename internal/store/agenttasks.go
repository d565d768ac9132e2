package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/syt100/bastion/internal/apperrors"
)

// AgentTasksRepo persists the hub's record of one dispatched agent
// protocol Task, letting a restart or reconnect resolve
// outstanding tasks instead of losing them to an in-memory map.
type AgentTasksRepo struct {
	db *DB
}

func NewAgentTasksRepo(db *DB) *AgentTasksRepo {
	return &AgentTasksRepo{db: db}
}

func (r *AgentTasksRepo) Create(ctx context.Context, t *AgentTask) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (task_id, agent_id, run_id, status, payload_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.AgentID, t.RunID, t.Status, t.Payload, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("create_agent_task", err)
	}
	return nil
}

// Delete removes a dispatched task's row. Used when dispatch fails before
// the agent ever acknowledged: the run is requeued, and since task_id
// equals the run id a later dispatch must be able to insert a fresh row
// under the same key.
func (r *AgentTasksRepo) Delete(ctx context.Context, taskID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM agent_tasks WHERE task_id = ?`, taskID); err != nil {
		return apperrors.NewDatabaseError("delete_agent_task", err)
	}
	return nil
}

func (r *AgentTasksRepo) UpdateStatus(ctx context.Context, taskID, status string, now int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE agent_tasks SET status = ?, updated_at = ? WHERE task_id = ?`, status, now, taskID)
	if err != nil {
		return apperrors.NewDatabaseError("update_agent_task_status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NewNotFoundError("agent task")
	}
	return nil
}

func (r *AgentTasksRepo) Get(ctx context.Context, taskID string) (*AgentTask, error) {
	var row agentTaskRow
	err := r.db.GetContext(ctx, &row, `
		SELECT task_id, agent_id, run_id, status, payload_json, created_at, updated_at
		FROM agent_tasks WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("agent task")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_agent_task", err)
	}
	return row.toAgentTask(), nil
}

// ListOutstandingForAgent lists tasks dispatched to agentID that never
// reached a terminal status, for re-sync after a reconnect.
func (r *AgentTasksRepo) ListOutstandingForAgent(ctx context.Context, agentID string) ([]AgentTask, error) {
	var rows []agentTaskRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT task_id, agent_id, run_id, status, payload_json, created_at, updated_at
		FROM agent_tasks WHERE agent_id = ? AND status NOT IN ('done', 'failed')
		ORDER BY created_at ASC`, agentID); err != nil {
		return nil, apperrors.NewDatabaseError("list_outstanding_agent_tasks", err)
	}
	out := make([]AgentTask, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toAgentTask())
	}
	return out, nil
}

func (r *AgentTasksRepo) ListForRun(ctx context.Context, runID string) ([]AgentTask, error) {
	var rows []agentTaskRow
	if err := r.db.SelectContext(ctx, &rows, `
		SELECT task_id, agent_id, run_id, status, payload_json, created_at, updated_at
		FROM agent_tasks WHERE run_id = ? ORDER BY created_at ASC`, runID); err != nil {
		return nil, apperrors.NewDatabaseError("list_agent_tasks_for_run", err)
	}
	out := make([]AgentTask, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row.toAgentTask())
	}
	return out, nil
}

type agentTaskRow struct {
	TaskID    string `db:"task_id"`
	AgentID   string `db:"agent_id"`
	RunID     string `db:"run_id"`
	Status    string `db:"status"`
	Payload   []byte `db:"payload_json"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (row agentTaskRow) toAgentTask() *AgentTask {
	return &AgentTask{
		TaskID:    row.TaskID,
		AgentID:   row.AgentID,
		RunID:     row.RunID,
		Status:    row.Status,
		Payload:   row.Payload,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}
