package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
)

// JobsRepo persists Job rows.
type JobsRepo struct {
	db *DB
}

func NewJobsRepo(db *DB) *JobsRepo { return &JobsRepo{db: db} }

// CreateJob validates spec against resolver then inserts the job row.
// Mutation goes through this validate-then-upsert path.
func (r *JobsRepo) CreateJob(ctx context.Context, j *Job, resolver jobspec.SecretResolver) error {
	if err := j.Spec.Validate(nodeIDForJob(j), resolver); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid job spec")
	}
	specJSON, err := j.Spec.ToJSON()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal job spec")
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.AgentID, j.Schedule, j.ScheduleTimezone, string(j.OverlapPolicy), string(specJSON), j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("create_job", err)
	}
	return nil
}

// UpdateJob re-validates spec and replaces the row in place.
func (r *JobsRepo) UpdateJob(ctx context.Context, j *Job, resolver jobspec.SecretResolver) error {
	if err := j.Spec.Validate(nodeIDForJob(j), resolver); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeValidation, "invalid job spec")
	}
	specJSON, err := j.Spec.ToJSON()
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal job spec")
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET name=?, agent_id=?, schedule=?, schedule_timezone=?, overlap_policy=?, spec_json=?, updated_at=?
		WHERE id=?`,
		j.Name, j.AgentID, j.Schedule, j.ScheduleTimezone, string(j.OverlapPolicy), string(specJSON), j.UpdatedAt, j.ID)
	if err != nil {
		return apperrors.NewDatabaseError("update_job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NewNotFoundError("job")
	}
	return nil
}

// DeleteJob deletes the job iff no runs reference it.
func (r *JobsRepo) DeleteJob(ctx context.Context, id string) error {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM runs WHERE job_id = ?`, id); err != nil {
		return apperrors.NewDatabaseError("delete_job_check_runs", err)
	}
	if count > 0 {
		return apperrors.New(apperrors.ErrorTypeConflict, "job has existing runs")
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return apperrors.NewDatabaseError("delete_job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NewNotFoundError("job")
	}
	return nil
}

type jobRow struct {
	ID               string  `db:"id"`
	Name             string  `db:"name"`
	AgentID          *string `db:"agent_id"`
	Schedule         *string `db:"schedule"`
	ScheduleTimezone string  `db:"schedule_timezone"`
	OverlapPolicy    string  `db:"overlap_policy"`
	SpecJSON         string  `db:"spec_json"`
	CreatedAt        int64   `db:"created_at"`
	UpdatedAt        int64   `db:"updated_at"`
}

func (row jobRow) toJob() (*Job, error) {
	spec, err := jobspec.FromJSON([]byte(row.SpecJSON))
	if err != nil {
		return nil, err
	}
	return &Job{
		ID:               row.ID,
		Name:             row.Name,
		AgentID:          row.AgentID,
		Schedule:         row.Schedule,
		ScheduleTimezone: row.ScheduleTimezone,
		OverlapPolicy:    OverlapPolicy(row.OverlapPolicy),
		Spec:             *spec,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}, nil
}

// GetJob fetches one job by id.
func (r *JobsRepo) GetJob(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	err := r.db.GetContext(ctx, &row, `SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec_json, created_at, updated_at FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("job")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_job", err)
	}
	return row.toJob()
}

// ListJobs returns every job, ordered by name.
func (r *JobsRepo) ListJobs(ctx context.Context) ([]*Job, error) {
	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec_json, created_at, updated_at FROM jobs ORDER BY name`); err != nil {
		return nil, apperrors.NewDatabaseError("list_jobs", err)
	}
	return toJobs(rows)
}

// ListJobsForAgent returns jobs dispatched to a given agent_id.
func (r *JobsRepo) ListJobsForAgent(ctx context.Context, agentID string) ([]*Job, error) {
	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, name, agent_id, schedule, schedule_timezone, overlap_policy, spec_json, created_at, updated_at FROM jobs WHERE agent_id = ? ORDER BY name`, agentID); err != nil {
		return nil, apperrors.NewDatabaseError("list_jobs_for_agent", err)
	}
	return toJobs(rows)
}

func toJobs(rows []jobRow) ([]*Job, error) {
	jobs := make([]*Job, 0, len(rows))
	for _, row := range rows {
		j, err := row.toJob()
		if err != nil {
			return nil, fmt.Errorf("store: decode job %s: %w", row.ID, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func nodeIDForJob(j *Job) string {
	if j.AgentID != nil {
		return *j.AgentID
	}
	return "hub"
}
