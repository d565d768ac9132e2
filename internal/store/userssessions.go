package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/syt100/bastion/internal/apperrors"
)

// UsersRepo is deliberately minimal: the admin HTTP surface (login,
// account management) is out of this module's core scope, but the tables exist so a future admin surface has
// somewhere to persist to without another migration.
type UsersRepo struct {
	db *DB
}

func NewUsersRepo(db *DB) *UsersRepo {
	return &UsersRepo{db: db}
}

func (r *UsersRepo) Create(ctx context.Context, u *User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash) VALUES (?, ?, ?)`,
		u.ID, u.Username, u.PasswordHash)
	if err != nil {
		return apperrors.NewDatabaseError("create_user", err)
	}
	return nil
}

func (r *UsersRepo) GetByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := r.db.GetContext(ctx, &u, `
		SELECT id, username, password_hash FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("user")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_user_by_username", err)
	}
	return &u, nil
}

// SessionsRepo persists login sessions for the admin HTTP surface.
type SessionsRepo struct {
	db *DB
}

func NewSessionsRepo(db *DB) *SessionsRepo {
	return &SessionsRepo{db: db}
}

func (r *SessionsRepo) Create(ctx context.Context, s *Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, csrf_token, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`, s.ID, s.UserID, s.CSRFToken, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return apperrors.NewDatabaseError("create_session", err)
	}
	return nil
}

func (r *SessionsRepo) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.db.GetContext(ctx, &s, `
		SELECT id, user_id, csrf_token, created_at, expires_at FROM sessions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("session")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_session", err)
	}
	return &s, nil
}

func (r *SessionsRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return apperrors.NewDatabaseError("delete_session", err)
	}
	return nil
}

func (r *SessionsRepo) DeleteExpired(ctx context.Context, now int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, apperrors.NewDatabaseError("delete_expired_sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
