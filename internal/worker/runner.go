package worker

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/runbuilder"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

// BuildRunner is the production Runner: it stages a run under
// stage_dir/job_id/run_id, delegates the actual archive assembly to
// runbuilder.Build, uploads whatever runbuilder didn't already roll-upload,
// and removes the stage directory once everything is either uploaded or
// confirmed unnecessary.
type BuildRunner struct {
	StageDir string
	Secrets  *store.SecretsRepo
	Log      logr.Logger
}

func (b *BuildRunner) BuildAndStore(ctx context.Context, jobID, runID, nodeID string, spec jobspec.Spec, target targetstore.Store, progress func(store.ProgressSnapshot)) (*store.RunSummary, error) {
	runDir := filepath.Join(b.StageDir, jobID, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create stage dir %s", runDir)
	}
	defer os.RemoveAll(runDir)

	enc, err := runbuilder.EnsurePayloadEncryption(ctx, b.Secrets, spec.Pipeline.Encryption, time.Now().Unix())
	if err != nil {
		return nil, err
	}

	uploader := runbuilder.NewUploaderForSpec(ctx, target, jobID, runID, spec)

	var lastDone runbuilder.ProgressCounts
	artifacts, err := runbuilder.Build(ctx, runbuilder.Params{
		JobID: jobID, RunID: runID, NodeID: nodeID,
		Spec: spec, RunDir: runDir, Encryption: enc, Uploader: uploader,
		Progress: func(done runbuilder.ProgressCounts, detail string) {
			lastDone = done
			progress(store.ProgressSnapshot{
				V: 1, Kind: "backup", Stage: "archive",
				Done:   store.ProgressCounts{Files: done.Files, Dirs: done.Dirs, Bytes: done.Bytes},
				Detail: detail,
			})
		},
		Log: b.Log,
	})
	if err != nil {
		return nil, err
	}

	if uploader == nil {
		if err := uploadRemainingArtifacts(ctx, target, jobID, runID, artifacts); err != nil {
			return nil, err
		}
	}

	var bytesTotal int64
	for _, p := range artifacts.Parts {
		bytesTotal += p.Size
	}

	return &store.RunSummary{
		FilesTotal:   lastDone.Files,
		DirsTotal:    lastDone.Dirs,
		BytesTotal:   bytesTotal,
		PartsCount:   len(artifacts.Parts),
		ManifestHash: manifestHash(artifacts),
	}, nil
}

// uploadRemainingArtifacts uploads every staged artifact when the run
// wasn't already streamed out by a RollingUploader: every part (not
// final), then the entries index (not final), then the manifest (not
// final), then complete.json last and always final=true — the same
// ordering invariant the rolling uploader enforces internally.
func uploadRemainingArtifacts(ctx context.Context, target targetstore.Store, jobID, runID string, artifacts *runbuilder.LocalRunArtifacts) error {
	for _, p := range artifacts.Parts {
		if err := putFile(ctx, target, jobID, runID, p.Name, p.Path, false); err != nil {
			return err
		}
	}
	if err := putFile(ctx, target, jobID, runID, "entries.jsonl.zst", artifacts.EntriesIndexPath, false); err != nil {
		return err
	}
	if err := putFile(ctx, target, jobID, runID, "manifest.json", artifacts.ManifestPath, false); err != nil {
		return err
	}
	return putFile(ctx, target, jobID, runID, "complete.json", artifacts.CompletePath, true)
}

func putFile(ctx context.Context, target targetstore.Store, jobID, runID, name, path string, final bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "stat artifact %s", name)
	}
	return target.PutArtifact(ctx, jobID, runID, targetstore.Artifact{
		Name: name,
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, final)
}

func manifestHash(artifacts *runbuilder.LocalRunArtifacts) string {
	data, err := os.ReadFile(artifacts.CompletePath)
	if err != nil {
		return ""
	}
	var c runbuilder.CompleteMarker
	if err := json.Unmarshal(data, &c); err != nil {
		return ""
	}
	return c.ManifestHash
}
