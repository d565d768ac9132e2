package runbuilder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"

	"github.com/syt100/bastion/internal/apperrors"
)

// ManifestEncryption is the pipeline.encryption field of manifest.json: the
// bare string "none", or {"type":"age_x25519","key_name":...}.
type ManifestEncryption struct {
	Type    string
	KeyName string
}

func (e ManifestEncryption) MarshalJSON() ([]byte, error) {
	if e.Type == "" || e.Type == "none" {
		return json.Marshal("none")
	}
	return json.Marshal(struct {
		Type    string `json:"type"`
		KeyName string `json:"key_name"`
	}{Type: e.Type, KeyName: e.KeyName})
}

func (e *ManifestEncryption) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Type = s
		return nil
	}
	var obj struct {
		Type    string `json:"type"`
		KeyName string `json:"key_name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Type, e.KeyName = obj.Type, obj.KeyName
	return nil
}

// ManifestPipeline is the pipeline descriptor embedded in manifest.json.
type ManifestPipeline struct {
	Compression string             `json:"compression"`
	Encryption  ManifestEncryption `json:"encryption"`
}

// ManifestArtifact is one entry in manifest.json's artifacts list.
type ManifestArtifact struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	HashAlg string `json:"hash_alg"`
	Hash    string `json:"hash"`
}

// ManifestEntriesIndex is the entries_index field of manifest.json.
type ManifestEntriesIndex struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	HashAlg string `json:"hash_alg"`
	Hash    string `json:"hash"`
	Count   int64  `json:"count"`
}

// Manifest is the stable field set of manifest.json.
type Manifest struct {
	V            int                  `json:"v"`
	RunID        string               `json:"run_id"`
	JobID        string               `json:"job_id"`
	CreatedAt    int64                `json:"created_at"`
	Pipeline     ManifestPipeline     `json:"pipeline"`
	Artifacts    []ManifestArtifact   `json:"artifacts"`
	EntriesIndex ManifestEntriesIndex `json:"entries_index"`
}

// CompleteMarker is the content of complete.json, written last
// to commit the run.
type CompleteMarker struct {
	V            int    `json:"v"`
	CompletedAt  int64  `json:"completed_at"`
	ManifestHash string `json:"manifest_hash"`
}

// writeManifest marshals m and writes it to <dir>/manifest.json, returning
// the path and the blake3 hash of the serialized bytes (fed into
// CompleteMarker.ManifestHash).
func writeManifest(dir string, m Manifest) (path string, hash string, err error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal manifest")
	}
	path = filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write manifest %s", path)
	}
	sum := blake3.Sum256(data)
	return path, fmt.Sprintf("%x", sum[:]), nil
}

// finalizeRun writes manifest.json then complete.json and assembles the
// LocalRunArtifacts every Build variant returns. complete.json is written
// last, after manifest.json exists on disk.
func finalizeRun(params Params, parts []LocalArtifact, entriesArtifact LocalArtifact, entriesCount int64) (*LocalRunArtifacts, error) {
	artifacts := make([]ManifestArtifact, 0, len(parts))
	for _, p := range parts {
		artifacts = append(artifacts, ManifestArtifact{Name: p.Name, Size: p.Size, HashAlg: p.HashAlg, Hash: p.Hash})
	}

	now := params.now().Unix()
	m := Manifest{
		V:         1,
		RunID:     params.RunID,
		JobID:     params.JobID,
		CreatedAt: now,
		Pipeline: ManifestPipeline{
			Compression: params.Spec.Pipeline.Compression,
			Encryption:  ManifestEncryption{Type: params.Encryption.Type, KeyName: params.Encryption.KeyName},
		},
		Artifacts: artifacts,
		EntriesIndex: ManifestEntriesIndex{
			Name: entriesArtifact.Name, Size: entriesArtifact.Size,
			HashAlg: entriesArtifact.HashAlg, Hash: entriesArtifact.Hash, Count: entriesCount,
		},
	}

	if params.Uploader != nil {
		if err := params.Uploader.PutFinal(entriesArtifact.Path, false); err != nil {
			return nil, err
		}
	}

	manifestPath, manifestHash, err := writeManifest(params.RunDir, m)
	if err != nil {
		return nil, err
	}
	if params.Uploader != nil {
		if err := params.Uploader.PutFinal(manifestPath, false); err != nil {
			return nil, err
		}
	}

	completePath, err := writeComplete(params.RunDir, CompleteMarker{V: 1, CompletedAt: params.now().Unix(), ManifestHash: manifestHash})
	if err != nil {
		return nil, err
	}
	if params.Uploader != nil {
		if err := params.Uploader.PutFinal(completePath, true); err != nil {
			return nil, err
		}
	}

	return &LocalRunArtifacts{
		RunDir:           params.RunDir,
		Parts:            parts,
		EntriesIndexPath: entriesArtifact.Path,
		EntriesCount:     entriesCount,
		ManifestPath:     manifestPath,
		CompletePath:     completePath,
	}, nil
}

// writeComplete writes complete.json last, committing the run.
func writeComplete(dir string, c CompleteMarker) (string, error) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrorTypeInternal, "marshal complete marker")
	}
	path := filepath.Join(dir, "complete.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write complete marker %s", path)
	}
	return path, nil
}
