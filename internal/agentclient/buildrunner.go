package agentclient

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"github.com/go-logr/logr"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/runbuilder"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

// ResolvedSpec is the agent-side counterpart of internal/worker's
// (unexported) resolvedSpec/JobSpecResolvedV1: a job spec with every secret
// it references already inlined as plaintext by the hub (dispatched runs)
// or read once from the hub-issued snapshot (offline runs). The agent never
// holds a store.SecretsRepo of its own — it has no database — so every
// secret it needs must arrive this way.
type ResolvedSpec struct {
	Spec    jobspec.Spec
	Secrets map[string]string
}

// BuildRunner is the agent-side run builder: stage, build, upload, clean
// up, the counterpart of internal/worker/runner.go's BuildRunner on the
// hub. It differs from
// that type in exactly one respect — how payload encryption is resolved —
// because the agent has no store.SecretsRepo to call
// runbuilder.EnsurePayloadEncryption against; the recipient is derived
// directly from the plaintext key already inlined in ResolvedSpec.Secrets.
type BuildRunner struct {
	StageDir string
	Log      logr.Logger
}

func (b *BuildRunner) BuildAndStore(ctx context.Context, jobID, runID, nodeID string, resolved ResolvedSpec, target targetstore.Store, progress func(store.ProgressSnapshot)) (*store.RunSummary, error) {
	runDir := filepath.Join(b.StageDir, jobID, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create stage dir %s", runDir)
	}
	defer os.RemoveAll(runDir)

	enc, err := resolveInlinedEncryption(resolved.Spec.Pipeline.Encryption, resolved.Secrets)
	if err != nil {
		return nil, err
	}

	uploader := runbuilder.NewUploaderForSpec(ctx, target, jobID, runID, resolved.Spec)

	var lastDone runbuilder.ProgressCounts
	artifacts, err := runbuilder.Build(ctx, runbuilder.Params{
		JobID: jobID, RunID: runID, NodeID: nodeID,
		Spec: resolved.Spec, RunDir: runDir, Encryption: enc, Uploader: uploader,
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

// resolveInlinedEncryption mirrors runbuilder.EnsurePayloadEncryption's
// validation but reads the age identity from an inlined plaintext secret
// instead of generating or fetching one from a SecretsRepo.
func resolveInlinedEncryption(mode jobspec.EncryptionMode, secrets map[string]string) (runbuilder.PayloadEncryption, error) {
	if mode.Type == "" || mode.Type == "none" {
		return runbuilder.PayloadEncryption{}, nil
	}
	if mode.Type != "age_x25519" {
		return runbuilder.PayloadEncryption{}, apperrors.Newf(apperrors.ErrorTypeValidation, "agentclient: unsupported encryption type %q", mode.Type)
	}
	keyName := strings.TrimSpace(mode.KeyName)
	if keyName == "" {
		return runbuilder.PayloadEncryption{}, apperrors.New(apperrors.ErrorTypeValidation, "agentclient: age_x25519 encryption requires key_name")
	}
	identityStr, ok := secrets["encryption_key/"+keyName]
	if !ok {
		return runbuilder.PayloadEncryption{}, apperrors.Newf(apperrors.ErrorTypeNotFound, "agentclient: encryption key %q not inlined in resolved spec", keyName)
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(identityStr))
	if err != nil {
		return runbuilder.PayloadEncryption{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "parse inlined backup age identity")
	}
	return runbuilder.PayloadEncryption{Recipient: identity.Recipient(), Type: "age_x25519", KeyName: keyName}, nil
}

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
