package restore

import (
	"context"
	"encoding/json"
	"fmt"
	"hash"
	"io"

	"lukechampine.com/blake3"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/runbuilder"
	"github.com/syt100/bastion/internal/targetstore"
)

// fetchManifest reads and parses manifest.json from the target, the
// first step of both restore and verify.
func fetchManifest(ctx context.Context, fetcher targetstore.Fetcher, jobID, runID string) (*runbuilder.Manifest, error) {
	rc, _, err := fetcher.FetchArtifact(ctx, jobID, runID, "manifest.json")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "read manifest.json")
	}
	var m runbuilder.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "unmarshal manifest.json")
	}
	return &m, nil
}

// verifyArtifact fetches a named artifact and blake3-hashes it while
// streaming, comparing the result against the manifest's recorded size and
// hash, generalized to any manifest artifact — payload part or entries
// index. hashAlg must be "blake3"; any other value is rejected rather
// than silently skipped.
func verifyArtifact(ctx context.Context, fetcher targetstore.Fetcher, jobID, runID, name string, size int64, hashAlg, hash string) (io.ReadCloser, error) {
	if hashAlg != "blake3" {
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "restore: unsupported hash algorithm %q for %s", hashAlg, name)
	}

	rc, gotSize, err := fetcher.FetchArtifact(ctx, jobID, runID, name)
	if err != nil {
		return nil, err
	}
	if gotSize > 0 && gotSize != size {
		rc.Close()
		return nil, apperrors.Newf(apperrors.ErrorTypePermanent, "restore: size mismatch for %s: expected %d, got %d", name, size, gotSize)
	}

	return &hashVerifyingReader{rc: rc, hasher: blake3.New(32, nil), name: name, wantHash: hash}, nil
}

// hashVerifyingReader wraps a fetched artifact's body, hashing every byte
// read and comparing the digest against wantHash once the underlying
// reader reports io.EOF — so a caller who reads the stream to completion
// (e.g. a tar reader unpacking it, or verify just discarding it) gets a
// full integrity check without buffering the whole artifact in memory
// first.
type hashVerifyingReader struct {
	rc       io.ReadCloser
	hasher   hash.Hash
	name     string
	wantHash string
	done     bool
}

func (r *hashVerifyingReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.hasher.Write(p[:n])
	}
	if err == io.EOF && !r.done {
		r.done = true
		got := fmt.Sprintf("%x", r.hasher.Sum(nil))
		if got != r.wantHash {
			return n, apperrors.Newf(apperrors.ErrorTypePermanent, "restore: hash mismatch for %s: expected %s, got %s", r.name, r.wantHash, got)
		}
	}
	return n, err
}

func (r *hashVerifyingReader) Close() error { return r.rc.Close() }
