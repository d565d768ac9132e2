// Package secretsvault implements at-rest encryption for the store's
// secrets table: each Secret row carries (kid, nonce, ciphertext) produced
// by AES-256-GCM under a single file-bound master key.
package secretsvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/syt100/bastion/internal/apperrors"
)

const (
	masterKeyFile = "master.key"
	keySize       = 32 // AES-256
	activeKid     = "k1"
)

// Sealed is the on-disk shape of an encrypted secret value.
type Sealed struct {
	Kid        string
	Nonce      []byte
	Ciphertext []byte
}

// Vault encrypts and decrypts secret values under a single master key
// loaded from (or created in) data_dir/master.key.
type Vault struct {
	aead cipher.AEAD
}

// LoadOrCreate reads data_dir/master.key, generating one with secure
// permissions if absent. The key never changes, so there is exactly one
// kid ("k1") in this implementation; key rotation and keypack export are
// not supported.
func LoadOrCreate(dataDir string) (*Vault, error) {
	path := filepath.Join(dataDir, masterKeyFile)

	key, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeFatal, "read master key %s", path)
		}
		key = make([]byte, keySize)
		if _, err := rand.Read(key); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrorTypeFatal, "generate master key")
		}
		if err := writeFileAtomic(path, key); err != nil {
			return nil, err
		}
	}
	if len(key) != keySize {
		return nil, apperrors.Newf(apperrors.ErrorTypeFatal, "master key %s has invalid length %d", path, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeFatal, "init master key cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeFatal, "init AEAD")
	}
	return &Vault{aead: gcm}, nil
}

// Encrypt seals plaintext, binding (node_id, kind, name) as additional
// authenticated data so a ciphertext copied to the wrong row fails to
// decrypt.
func (v *Vault) Encrypt(nodeID, kind, name string, plaintext []byte) (*Sealed, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeFatal, "generate nonce")
	}
	aad := additionalData(nodeID, kind, name)
	ciphertext := v.aead.Seal(nil, nonce, plaintext, aad)
	return &Sealed{Kid: activeKid, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens a Sealed value, rejecting any kid other than the vault's
// single active key; no legacy flat secrets shape is supported.
func (v *Vault) Decrypt(nodeID, kind, name string, sealed *Sealed) ([]byte, error) {
	if sealed.Kid != activeKid {
		return nil, apperrors.Newf(apperrors.ErrorTypePermanent, "unknown secret key id %q", sealed.Kid)
	}
	aad := additionalData(nodeID, kind, name)
	plaintext, err := v.aead.Open(nil, sealed.Nonce, sealed.Ciphertext, aad)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypePermanent, "decrypt secret: authentication failed")
	}
	return plaintext, nil
}

func additionalData(nodeID, kind, name string) []byte {
	return []byte(fmt.Sprintf("%s/%s/%s", nodeID, kind, name))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeFatal, "create %s", filepath.Dir(path))
	}
	tmp := path + ".tmp-" + hex.EncodeToString(randSuffix())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeFatal, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeFatal, "rename %s to %s", tmp, path)
	}
	return nil
}

func randSuffix() []byte {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return b
}
