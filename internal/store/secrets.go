package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/secretsvault"
)

// SecretsRepo persists Secret rows, encrypting/decrypting values through a
// Vault so plaintext credentials never touch the database.
type SecretsRepo struct {
	db    *DB
	vault *secretsvault.Vault
}

func NewSecretsRepo(db *DB, vault *secretsvault.Vault) *SecretsRepo {
	return &SecretsRepo{db: db, vault: vault}
}

// PutSecret encrypts value and upserts the (node_id, kind, name) row.
func (r *SecretsRepo) PutSecret(ctx context.Context, nodeID, kind, name string, value []byte, updatedAt int64) error {
	sealed, err := r.vault.Encrypt(nodeID, kind, name, value)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO secrets (node_id, kind, name, kid, nonce, ciphertext, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (node_id, kind, name) DO UPDATE SET
			kid = excluded.kid, nonce = excluded.nonce, ciphertext = excluded.ciphertext, updated_at = excluded.updated_at`,
		nodeID, kind, name, sealed.Kid, sealed.Nonce, sealed.Ciphertext, updatedAt)
	if err != nil {
		return apperrors.NewDatabaseError("put_secret", err)
	}
	return nil
}

// GetSecret decrypts and returns the plaintext value for (node_id, kind, name).
func (r *SecretsRepo) GetSecret(ctx context.Context, nodeID, kind, name string) ([]byte, error) {
	var row secretRow
	err := r.db.GetContext(ctx, &row, `
		SELECT node_id, kind, name, kid, nonce, ciphertext, updated_at
		FROM secrets WHERE node_id = ? AND kind = ? AND name = ?`, nodeID, kind, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("secret")
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get_secret", err)
	}
	sealed := &secretsvault.Sealed{Kid: row.Kid, Nonce: row.Nonce, Ciphertext: row.Ciphertext}
	return r.vault.Decrypt(nodeID, kind, name, sealed)
}

// SecretExists backs SecretResolverAdapter's jobspec.SecretResolver
// implementation, letting job-spec validation reject references to secrets
// that were never created.
func (r *SecretsRepo) SecretExists(ctx context.Context, nodeID, kind, name string) bool {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM secrets WHERE node_id = ? AND kind = ? AND name = ?`, nodeID, kind, name)
	return err == nil && count > 0
}

// DeleteSecret removes a secret row.
func (r *SecretsRepo) DeleteSecret(ctx context.Context, nodeID, kind, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM secrets WHERE node_id = ? AND kind = ? AND name = ?`, nodeID, kind, name)
	if err != nil {
		return apperrors.NewDatabaseError("delete_secret", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperrors.NewNotFoundError("secret")
	}
	return nil
}

// ListSecretsForNode returns the (kind, name) pairs known for a node,
// without decrypting values — used to build a SecretsSnapshot for an agent.
func (r *SecretsRepo) ListSecretsForNode(ctx context.Context, nodeID string) ([]Secret, error) {
	var rows []secretRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT node_id, kind, name, kid, nonce, ciphertext, updated_at FROM secrets WHERE node_id = ?`, nodeID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list_secrets_for_node", err)
	}
	secrets := make([]Secret, 0, len(rows))
	for _, row := range rows {
		secrets = append(secrets, Secret{
			NodeID: row.NodeID, Kind: row.Kind, Name: row.Name,
			Kid: row.Kid, Nonce: row.Nonce, Ciphertext: row.Ciphertext, UpdatedAt: row.UpdatedAt,
		})
	}
	return secrets, nil
}

type secretRow struct {
	NodeID     string `db:"node_id"`
	Kind       string `db:"kind"`
	Name       string `db:"name"`
	Kid        string `db:"kid"`
	Nonce      []byte `db:"nonce"`
	Ciphertext []byte `db:"ciphertext"`
	UpdatedAt  int64  `db:"updated_at"`
}

// SecretResolverAdapter adapts SecretsRepo to jobspec.SecretResolver, which
// has no context parameter; it binds one at construction time.
type SecretResolverAdapter struct {
	ctx   context.Context
	repo  *SecretsRepo
}

func NewSecretResolverAdapter(ctx context.Context, repo *SecretsRepo) *SecretResolverAdapter {
	return &SecretResolverAdapter{ctx: ctx, repo: repo}
}

func (a *SecretResolverAdapter) SecretExists(nodeID, kind, name string) bool {
	return a.repo.SecretExists(a.ctx, nodeID, kind, name)
}
