package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/syt100/bastion/internal/apperrors"
)

// AgentsRepo persists enrolled agents' hub-side identity records. The
// bearer credential itself is never stored, only its sha256 hash.
type AgentsRepo struct {
	db *DB
}

func NewAgentsRepo(db *DB) *AgentsRepo {
	return &AgentsRepo{db: db}
}

func (r *AgentsRepo) Create(ctx context.Context, a *Agent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, key_hash, created_at, revoked_at)
		VALUES (?, ?, ?, ?, ?)`, a.ID, a.Name, a.KeyHash, a.CreatedAt, a.RevokedAt)
	if err != nil {
		return apperrors.NewDatabaseError("create_agent", err)
	}
	return nil
}

// GetByKeyHash looks up the agent presenting keyHash, including revoked
// ones — the caller (agent_auth) decides whether RevokedAt being set
// should reject the connection.
func (r *AgentsRepo) GetByKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	var a Agent
	err := r.db.GetContext(ctx, &a, `
		SELECT id, name, key_hash, created_at, revoked_at FROM agents WHERE key_hash = ?`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("agent")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_agent_by_key_hash", err)
	}
	return &a, nil
}

func (r *AgentsRepo) Get(ctx context.Context, id string) (*Agent, error) {
	var a Agent
	err := r.db.GetContext(ctx, &a, `
		SELECT id, name, key_hash, created_at, revoked_at FROM agents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("agent")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_agent", err)
	}
	return &a, nil
}

func (r *AgentsRepo) List(ctx context.Context) ([]*Agent, error) {
	var agents []*Agent
	if err := r.db.SelectContext(ctx, &agents, `
		SELECT id, name, key_hash, created_at, revoked_at FROM agents ORDER BY created_at`); err != nil {
		return nil, apperrors.NewDatabaseError("list_agents", err)
	}
	return agents, nil
}

func (r *AgentsRepo) Revoke(ctx context.Context, id string, now int64) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE agents SET revoked_at = ? WHERE id = ?`, now, id); err != nil {
		return apperrors.NewDatabaseError("revoke_agent", err)
	}
	return nil
}

// RotateKey replaces id's credential hash, invalidating the previous one.
func (r *AgentsRepo) RotateKey(ctx context.Context, id, newKeyHash string) error {
	if _, err := r.db.ExecContext(ctx, `UPDATE agents SET key_hash = ? WHERE id = ?`, newKeyHash, id); err != nil {
		return apperrors.NewDatabaseError("rotate_agent_key", err)
	}
	return nil
}
