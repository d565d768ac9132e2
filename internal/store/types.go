package store

import "github.com/syt100/bastion/internal/jobspec"

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued   RunStatus = "queued"
	RunRunning  RunStatus = "running"
	RunSuccess  RunStatus = "success"
	RunFailed   RunStatus = "failed"
	RunRejected RunStatus = "rejected"
)

// OverlapPolicy controls what happens when a job is triggered while a
// non-terminal run already exists.
type OverlapPolicy string

const (
	OverlapQueue  OverlapPolicy = "queue"
	OverlapReject OverlapPolicy = "reject"
)

// Job is a scheduled or agent-dispatched backup definition.
type Job struct {
	ID               string
	Name             string
	AgentID          *string
	Schedule         *string
	ScheduleTimezone string
	OverlapPolicy    OverlapPolicy
	Spec             jobspec.Spec
	CreatedAt        int64
	UpdatedAt        int64
}

// TargetSnapshot is the resolved, job-mutation-independent descriptor of
// where a run was stored.
type TargetSnapshot struct {
	V          int                `json:"v"`
	NodeID     string             `json:"node_id"`
	Kind       jobspec.TargetKind `json:"kind"`
	BaseURL    string             `json:"base_url,omitempty"`
	BasePath   string             `json:"base_path,omitempty"`
	SecretName string             `json:"secret_name,omitempty"`
	JobID      string             `json:"job_id"`
	RunID      string             `json:"run_id"`
}

// RunSummary is the structured outcome of a successful or failed run.
type RunSummary struct {
	FilesTotal   int64  `json:"files_total,omitempty"`
	DirsTotal    int64  `json:"dirs_total,omitempty"`
	BytesTotal   int64  `json:"bytes_total,omitempty"`
	PartsCount   int    `json:"parts_count,omitempty"`
	ManifestHash string `json:"manifest_hash,omitempty"`
	Code         string `json:"code,omitempty"`
	Fields       map[string]any `json:"fields,omitempty"`
}

// ProgressSnapshot is the structured progress_snapshot event payload.
type ProgressSnapshot struct {
	V        int            `json:"v"`
	Kind     string         `json:"kind"` // backup | restore | verify
	Stage    string         `json:"stage"`
	TS       int64          `json:"ts"`
	Done     ProgressCounts `json:"done"`
	Total    *ProgressCounts `json:"total,omitempty"`
	RateBps  *float64       `json:"rate_bps,omitempty"`
	ETASecs  *int64         `json:"eta_seconds,omitempty"`
	Detail   string         `json:"detail,omitempty"`
}

type ProgressCounts struct {
	Files int64 `json:"files"`
	Dirs  int64 `json:"dirs"`
	Bytes int64 `json:"bytes"`
}

// Run is one attempt to execute a Job.
type Run struct {
	ID             string
	JobID          string
	Status         RunStatus
	StartedAt      int64
	EndedAt        *int64
	Progress       *ProgressSnapshot
	Summary        *RunSummary
	Error          *string
	TargetSnapshot *TargetSnapshot
}

// RunEvent is one append-only, densely-sequenced event in a run's log.
type RunEvent struct {
	RunID   string
	Seq     int64
	TS      int64
	Level   string
	Kind    string
	Message string
	Fields  map[string]any
}

// OperationKind distinguishes long-running user-initiated actions.
type OperationKind string

const (
	OperationRestore OperationKind = "restore"
	OperationVerify  OperationKind = "verify"
)

// Operation is a long-running user-initiated action with its own event
// stream, independent of Run.
type Operation struct {
	ID        string
	Kind      OperationKind
	RunID     *string
	JobID     *string
	Status    string
	StartedAt int64
	EndedAt   *int64
	Summary   *RunSummary
	Error     *string
}

// OperationEvent is one append-only event in an Operation's log.
type OperationEvent struct {
	OperationID string
	Seq         int64
	TS          int64
	Level       string
	Kind        string
	Message     string
	Fields      map[string]any
}

// DeferredTaskStatus is shared by ArtifactDeleteTask and IncompleteCleanupTask.
type DeferredTaskStatus string

const (
	TaskQueued    DeferredTaskStatus = "queued"
	TaskRetrying  DeferredTaskStatus = "retrying"
	TaskBlocked   DeferredTaskStatus = "blocked"
	TaskRunning   DeferredTaskStatus = "running"
	TaskDone      DeferredTaskStatus = "done"
	TaskAbandoned DeferredTaskStatus = "abandoned"
	TaskIgnored   DeferredTaskStatus = "ignored"
)

// DeferredTask is the common shape of ArtifactDeleteTask and
// IncompleteCleanupTask.
type DeferredTask struct {
	RunID             string
	JobID             string
	NodeID            string
	TargetType        jobspec.TargetKind
	TargetSnapshot    TargetSnapshot
	Status            DeferredTaskStatus
	Attempts          int
	CreatedAt         int64
	UpdatedAt         int64
	LastAttemptAt     *int64
	NextAttemptAt     int64
	LastErrorKind     *string
	LastError         *string
	IgnoredAt         *int64
	IgnoredByUserID   *string
	IgnoreReason      *string
}

// TaskEvent is one append-only event in a deferred task's log.
type TaskEvent struct {
	RunID   string
	Seq     int64
	TS      int64
	Level   string
	Kind    string
	Message string
	Fields  map[string]any
}

// NotificationChannel is wecom_bot or email.
type NotificationChannel string

const (
	ChannelWeComBot NotificationChannel = "wecom_bot"
	ChannelEmail    NotificationChannel = "email"
)

// NotificationStatus tracks delivery progress for one enqueued notification.
type NotificationStatus string

const (
	NotificationQueued   NotificationStatus = "queued"
	NotificationSending  NotificationStatus = "sending"
	NotificationSent     NotificationStatus = "sent"
	NotificationFailed   NotificationStatus = "failed"
	NotificationCanceled NotificationStatus = "canceled"
)

// Notification is one enqueued delivery attempt.
type Notification struct {
	ID            string
	RunID         string
	Channel       NotificationChannel
	SecretName    string
	Status        NotificationStatus
	Attempts      int
	NextAttemptAt int64
}

// Secret is an encrypted-at-rest credential scoped to (node_id, kind, name).
type Secret struct {
	NodeID     string
	Kind       string
	Name       string
	Kid        string
	Nonce      []byte
	Ciphertext []byte
	UpdatedAt  int64
}

// Agent is an enrolled agent's hub-side identity record: key_hash is a
// sha256 of the bearer credential the agent presents on every connection,
// never the credential itself.
type Agent struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	KeyHash   string `db:"key_hash"`
	CreatedAt int64  `db:"created_at"`
	RevokedAt *int64 `db:"revoked_at"`
}

// User and Session back the external HTTP surface only; the
// core never reads or writes them beyond persisting the tables.
type User struct {
	ID           string `db:"id"`
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"`
}

type Session struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	CSRFToken string `db:"csrf_token"`
	CreatedAt int64  `db:"created_at"`
	ExpiresAt int64  `db:"expires_at"`
}

// AgentTask is the hub-side record of a dispatched agent protocol Task
//: "The hub persists (task_id, agent_id, status, payload)
// on send."
type AgentTask struct {
	TaskID    string
	AgentID   string
	RunID     string
	Status    string
	Payload   []byte
	CreatedAt int64
	UpdatedAt int64
}
