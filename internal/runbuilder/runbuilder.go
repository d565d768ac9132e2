// Package runbuilder assembles a run's on-disk artifacts: a tar stream of
// the source, optionally age-encrypted, zstd-compressed, and split into
// size-capped parts, plus the entries index and manifest/completion
// markers that make a run directory self-describing.
//
// One Build variant exists per jobspec.SourceKind; all variants produce the
// same LocalRunArtifacts shape and go through the same pipeline core.
package runbuilder

import (
	"context"
	"runtime"
	"time"

	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
)

// LocalArtifact is one finalized, hashed file staged for upload: a payload
// part or the entries index.
type LocalArtifact struct {
	Name    string
	Path    string
	Size    int64
	HashAlg string // always "blake3"; readers reject any other value.
	Hash    string
}

// LocalRunArtifacts is the output of every Build variant.
type LocalRunArtifacts struct {
	RunDir           string
	Parts            []LocalArtifact
	EntriesIndexPath string
	EntriesCount     int64
	ManifestPath     string
	CompletePath     string
}

// Observer is a dependency-injected hook for watching the archive
// assembly. Production code passes NoopObserver; tests pass a recording
// implementation. Calls arrive in the order open-file -> tar-header ->
// stream-bytes -> close-entry, once per visited file entry.
type Observer interface {
	OnOpenFile(path string)
	OnTarHeader(path string)
	OnStreamBytes(path string, n int)
	OnCloseEntry(path string)
}

type noopObserver struct{}

func (noopObserver) OnOpenFile(string)          {}
func (noopObserver) OnTarHeader(string)         {}
func (noopObserver) OnStreamBytes(string, int)  {}
func (noopObserver) OnCloseEntry(string)        {}

// NoopObserver is the production default: it does nothing.
var NoopObserver Observer = noopObserver{}

// ProgressFunc is called at >=250ms cadence with a progress_snapshot event
// payload; the worker wires this to eventbus.Bus.Publish.
type ProgressFunc func(done ProgressCounts, detail string)

// ProgressCounts mirrors store.ProgressCounts without importing the store
// package, keeping runbuilder free of a persistence dependency.
type ProgressCounts struct {
	Files int64
	Dirs  int64
	Bytes int64
}

// Params is the shared input to every Build variant.
type Params struct {
	JobID  string
	RunID  string
	NodeID string
	Spec   jobspec.Spec

	// RunDir is the local staging directory; it must already exist and be
	// writable. Every variant writes payload.part.NNNNN, entries.jsonl.zst,
	// manifest.json, and complete.json directly into it.
	RunDir string

	// Encryption is resolved once by the caller via EnsurePayloadEncryption
	// (see encryption.go) so every variant shares one code path for turning
	// a job's EncryptionMode into an actual age recipient.
	Encryption PayloadEncryption

	// Uploader, when non-nil, receives each finalized part as soon as it
	// is written (archive_v1 rolling upload). Build waits for
	// Uploader.Drain before writing the manifest.
	Uploader *RollingUploader

	Observer Observer
	Progress ProgressFunc
	Now      func() time.Time

	// Threads bounds zstd encoder concurrency. Zero means
	// runtime.GOMAXPROCS(0), floored at 1.
	Threads int

	Log logr.Logger
}

func (p *Params) threads() int {
	if p.Threads > 0 {
		return p.Threads
	}
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 1
}

func (p *Params) observer() Observer {
	if p.Observer != nil {
		return p.Observer
	}
	return NoopObserver
}

func (p *Params) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Params) progress(done ProgressCounts, detail string) {
	if p.Progress != nil {
		p.Progress(done, detail)
	}
}

func (p *Params) log() logr.Logger {
	return p.Log.WithValues("job_id", p.JobID, "run_id", p.RunID)
}

// Build dispatches to the variant named by params.Spec.SourceKind.
func Build(ctx context.Context, params Params) (*LocalRunArtifacts, error) {
	params.log().V(1).Info("build started", "source_kind", params.Spec.SourceKind)

	var artifacts *LocalRunArtifacts
	var err error
	switch params.Spec.SourceKind {
	case jobspec.SourceFilesystem:
		artifacts, err = BuildFilesystemRun(ctx, params)
	case jobspec.SourceSqlite:
		artifacts, err = BuildSqliteRun(ctx, params)
	case jobspec.SourceVaultwarden:
		artifacts, err = BuildVaultwardenRun(ctx, params)
	default:
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "runbuilder: unknown source_kind %q", params.Spec.SourceKind)
	}
	if err != nil {
		params.log().Error(err, "build failed")
		return nil, err
	}
	params.log().Info("build finished", "parts", len(artifacts.Parts), "entries", artifacts.EntriesCount)
	return artifacts, nil
}

// archiveV1 reports whether spec's target runs in archive_v1 rolling-upload
// mode, used by variants to decide whether to wire a RollingUploader into
// the pipeline.
func archiveV1(spec jobspec.Spec) bool {
	return spec.Pipeline.ArchiveMode == "archive_v1"
}
