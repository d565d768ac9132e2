// Package jobspec defines the typed job spec variants
// and the validate-then-upsert path that rejects unknown target secrets and
// malformed specs.
package jobspec

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// SourceKind selects which run builder variant executes the job.
type SourceKind string

const (
	SourceFilesystem SourceKind = "filesystem"
	SourceSqlite     SourceKind = "sqlite"
	SourceVaultwarden SourceKind = "vaultwarden"
)

// SymlinkPolicy controls how the filesystem variant treats symlinks.
type SymlinkPolicy string

const (
	SymlinkFollow       SymlinkPolicy = "follow"
	SymlinkSkip         SymlinkPolicy = "skip"
	SymlinkRecordAsLink SymlinkPolicy = "record_as_link"
)

// HardlinkPolicy controls hardlink detection in the filesystem variant.
type HardlinkPolicy string

const (
	HardlinkDetect HardlinkPolicy = "detect"
	HardlinkIgnore HardlinkPolicy = "ignore"
)

// ErrorPolicy controls filesystem walk error handling.
type ErrorPolicy string

const (
	ErrorPolicyAbort    ErrorPolicy = "abort"
	ErrorPolicyContinue ErrorPolicy = "continue"
)

// FilesystemSource describes the root and filters for the filesystem variant.
type FilesystemSource struct {
	Root              string        `json:"root" validate:"required"`
	IncludeGlobs      []string      `json:"include_globs,omitempty"`
	ExcludeGlobs      []string      `json:"exclude_globs,omitempty"`
	SymlinkPolicy     SymlinkPolicy `json:"symlink_policy"`
	HardlinkPolicy    HardlinkPolicy `json:"hardlink_policy"`
	ErrorPolicy       ErrorPolicy   `json:"error_policy"`
	SnapshotMode      string        `json:"snapshot_mode,omitempty"`
	ConsistencyPolicy string        `json:"consistency_policy,omitempty"`
}

// SqliteSource names the database file to snapshot via the backup API.
type SqliteSource struct {
	DBPath string `json:"db_path" validate:"required"`
}

// VaultwardenSource names the sqlite db plus attachment/config files.
type VaultwardenSource struct {
	DBPath       string   `json:"db_path" validate:"required"`
	AttachmentsDir string `json:"attachments_dir,omitempty"`
	ConfigFiles  []string `json:"config_files,omitempty"`
}

// EncryptionMode is "none" or age_x25519 keyed by a secret name.
type EncryptionMode struct {
	Type    string `json:"type" validate:"required,oneof=none age_x25519"`
	KeyName string `json:"key_name,omitempty"`
}

// Pipeline is fixed-compression, optionally-encrypted.
type Pipeline struct {
	Compression string         `json:"compression" validate:"required,eq=zstd"`
	Encryption  EncryptionMode `json:"encryption"`
	PartSizeBytes int64        `json:"part_size_bytes" validate:"required,gt=0"`
	ArchiveMode string         `json:"archive_mode,omitempty" validate:"omitempty,oneof=archive_v1"`
}

// NotificationChannel selects which transport a run-outcome notification
// goes out on; delivery itself lives outside the core (spec.md §1
// Out-of-scope), but the job spec still needs to say where to enqueue to.
type NotificationChannel string

const (
	NotificationWeComBot NotificationChannel = "wecom_bot"
	NotificationEmail    NotificationChannel = "email"
)

// NotificationDestination is one channel+credential pair notified of a
// run's terminal outcome.
type NotificationDestination struct {
	Channel    NotificationChannel `json:"channel" validate:"required,oneof=wecom_bot email"`
	SecretName string              `json:"secret_name" validate:"required"`
}

// TargetKind selects webdav or local_dir.
type TargetKind string

const (
	TargetWebDAV   TargetKind = "webdav"
	TargetLocalDir TargetKind = "local_dir"
)

// Target names either a WebDAV secret or a local base path.
type Target struct {
	Kind       TargetKind `json:"kind" validate:"required,oneof=webdav local_dir"`
	SecretName string     `json:"secret_name,omitempty"`
	BasePath   string     `json:"base_path,omitempty"`
}

// Spec is the embedded job spec: source descriptor + pipeline + target.
type Spec struct {
	SourceKind  SourceKind         `json:"source_kind" validate:"required,oneof=filesystem sqlite vaultwarden"`
	Filesystem  *FilesystemSource  `json:"filesystem,omitempty"`
	Sqlite      *SqliteSource      `json:"sqlite,omitempty"`
	Vaultwarden *VaultwardenSource `json:"vaultwarden,omitempty"`
	Pipeline    Pipeline           `json:"pipeline" validate:"required"`
	Target      Target             `json:"target" validate:"required"`
	// Notifications lists who to notify of the run's terminal outcome.
	// Empty means no notifications are enqueued for this job.
	Notifications []NotificationDestination `json:"notifications,omitempty" validate:"dive"`
}

var validate = validator.New()

// SecretResolver reports whether a named target/encryption secret exists
// for node_id, letting Validate reject specs referencing unknown secrets.
type SecretResolver interface {
	SecretExists(nodeID, kind, name string) bool
}

// Validate checks structural validity and, when resolver is non-nil, that
// every referenced secret name actually exists for nodeID.
func (s *Spec) Validate(nodeID string, resolver SecretResolver) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("jobspec: %w", err)
	}
	switch s.SourceKind {
	case SourceFilesystem:
		if s.Filesystem == nil {
			return fmt.Errorf("jobspec: source_kind=filesystem requires filesystem descriptor")
		}
	case SourceSqlite:
		if s.Sqlite == nil {
			return fmt.Errorf("jobspec: source_kind=sqlite requires sqlite descriptor")
		}
	case SourceVaultwarden:
		if s.Vaultwarden == nil {
			return fmt.Errorf("jobspec: source_kind=vaultwarden requires vaultwarden descriptor")
		}
	}
	if s.Pipeline.Encryption.Type == "age_x25519" {
		if s.Pipeline.Encryption.KeyName == "" {
			return fmt.Errorf("jobspec: age_x25519 encryption requires key_name")
		}
		if resolver != nil && !resolver.SecretExists(nodeID, "encryption_key", s.Pipeline.Encryption.KeyName) {
			return fmt.Errorf("jobspec: unknown encryption secret %q", s.Pipeline.Encryption.KeyName)
		}
	}
	if s.Target.Kind == TargetWebDAV {
		if s.Target.SecretName == "" {
			return fmt.Errorf("jobspec: webdav target requires secret_name")
		}
		if resolver != nil && !resolver.SecretExists(nodeID, "webdav", s.Target.SecretName) {
			return fmt.Errorf("jobspec: unknown target secret %q", s.Target.SecretName)
		}
	}
	if s.Target.Kind == TargetLocalDir && s.Target.BasePath == "" {
		return fmt.Errorf("jobspec: local_dir target requires base_path")
	}
	for _, d := range s.Notifications {
		if resolver != nil && !resolver.SecretExists(nodeID, string(d.Channel), d.SecretName) {
			return fmt.Errorf("jobspec: unknown notification secret %q for channel %q", d.SecretName, d.Channel)
		}
	}
	return nil
}

// ToJSON/FromJSON round-trip through encoding/json; defined explicitly so the
// store package's spec_json column has one clear serialization path.
func (s *Spec) ToJSON() ([]byte, error)     { return json.Marshal(s) }
func FromJSON(data []byte) (*Spec, error) {
	var s Spec
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("jobspec: parse: %w", err)
	}
	return &s, nil
}
