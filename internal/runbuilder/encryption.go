package runbuilder

import (
	"context"
	"strings"

	"filippo.io/age"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/store"
)

// backupAgeIdentityKind namespaces the hub-generated age identity in the
// secrets table.
const backupAgeIdentityKind = "backup_age_identity"

// hubNodeID is the node_id backup age identities are scoped under; they are
// hub-managed, not tied to any one agent.
const hubNodeID = "hub"

// PayloadEncryption is the resolved form of jobspec.EncryptionMode: either
// no encryption, or an age recipient ready to wrap a writer.
type PayloadEncryption struct {
	Recipient *age.X25519Recipient // nil when Type == "" (none)
	Type      string
	KeyName   string
}

func (e PayloadEncryption) none() bool { return e.Recipient == nil }

// EnsurePayloadEncryption resolves mode into a PayloadEncryption,
// generating and persisting a new age identity under key_name on first
// use.
func EnsurePayloadEncryption(ctx context.Context, secrets *store.SecretsRepo, mode jobspec.EncryptionMode, now int64) (PayloadEncryption, error) {
	if mode.Type == "" || mode.Type == "none" {
		return PayloadEncryption{}, nil
	}
	if mode.Type != "age_x25519" {
		return PayloadEncryption{}, apperrors.Newf(apperrors.ErrorTypeValidation, "runbuilder: unsupported encryption type %q", mode.Type)
	}

	keyName := strings.TrimSpace(mode.KeyName)
	if keyName == "" {
		return PayloadEncryption{}, apperrors.New(apperrors.ErrorTypeValidation, "runbuilder: age_x25519 encryption requires key_name")
	}

	identityStr, err := ensureAgeIdentity(ctx, secrets, keyName, now)
	if err != nil {
		return PayloadEncryption{}, err
	}
	identity, err := age.ParseX25519Identity(identityStr)
	if err != nil {
		return PayloadEncryption{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "parse backup age identity")
	}
	return PayloadEncryption{Recipient: identity.Recipient(), Type: "age_x25519", KeyName: keyName}, nil
}

// LoadAgeIdentity fetches an already-provisioned age identity by key name,
// for restore/verify to decrypt a payload that was encrypted against it.
// Unlike EnsurePayloadEncryption it never generates one: a missing key at
// restore time means the key that protected the backup is gone, which must
// surface as a not-found error rather than silently minting a new (useless)
// identity.
func LoadAgeIdentity(ctx context.Context, secrets *store.SecretsRepo, keyName string) (*age.X25519Identity, error) {
	existing, err := secrets.GetSecret(ctx, hubNodeID, backupAgeIdentityKind, keyName)
	if err != nil {
		return nil, err
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(existing)))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "parse backup age identity")
	}
	return identity, nil
}

func ensureAgeIdentity(ctx context.Context, secrets *store.SecretsRepo, keyName string, now int64) (string, error) {
	existing, err := secrets.GetSecret(ctx, hubNodeID, backupAgeIdentityKind, keyName)
	if err == nil {
		identity := strings.TrimSpace(string(existing))
		if identity != "" {
			return identity, nil
		}
	} else if !apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return "", err
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "generate backup age identity")
	}
	identityStr := identity.String()
	if err := secrets.PutSecret(ctx, hubNodeID, backupAgeIdentityKind, keyName, []byte(identityStr), now); err != nil {
		return "", err
	}
	return identityStr, nil
}
