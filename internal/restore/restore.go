package restore

import (
	"archive/tar"
	"context"
	"io"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/runbuilder"
	"github.com/syt100/bastion/internal/store"
	"github.com/syt100/bastion/internal/targetstore"
)

// Options configures a restore.
type Options struct {
	JobID          string
	RunID          string
	DestinationDir string
	Conflict       ConflictPolicy

	// Selection restricts restore to these archive-relative path prefixes
	// (and their descendants). Empty means restore everything.
	Selection []string
}

// Result summarizes a completed restore or verify, feeding
// store.RunSummary/store.Operation.Summary.
type Result struct {
	PartsVerified int
	BytesVerified int64
}

// Run fetches run_id's manifest and parts from fetcher, verifies every
// part's size and blake3 hash, decrypts (if the manifest names an
// encryption key) and decompresses the concatenated part stream, and
// unpacks the resulting tar archive into opts.DestinationDir — "restore
// (build(C, E)) yields C byte-for-byte". Non-goals exclude
// restoring a run before its completion marker exists; Run fetches
// complete.json first and fails if it is absent, so a run whose
// manifest.json was uploaded but whose completion marker was not is
// never restored.
func Run(ctx context.Context, fetcher targetstore.Fetcher, secrets *store.SecretsRepo, opts Options) (*Result, error) {
	marker, _, err := fetcher.FetchArtifact(ctx, opts.JobID, opts.RunID, "complete.json")
	if err != nil {
		return nil, err
	}
	_ = marker.Close()

	manifest, err := fetchManifest(ctx, fetcher, opts.JobID, opts.RunID)
	if err != nil {
		return nil, err
	}

	payload, result, err := openVerifiedPayload(ctx, fetcher, opts.JobID, opts.RunID, manifest)
	if err != nil {
		return nil, err
	}
	defer payload.Close()

	plain, closePlain, err := decryptAndDecompress(ctx, payload, manifest, secrets)
	if err != nil {
		return nil, err
	}
	defer closePlain()

	sink := newLocalFsSink(opts.DestinationDir, opts.Conflict, opts.Selection)
	if err := sink.prepare(); err != nil {
		return nil, err
	}
	if err := sink.apply(tar.NewReader(plain)); err != nil {
		return nil, err
	}

	return result, nil
}

// Verify performs the same fetch-and-hash-check as Run but never writes
// to disk: the restore path's integrity check, without unpacking.
func Verify(ctx context.Context, fetcher targetstore.Fetcher, jobID, runID string) (*Result, error) {
	manifest, err := fetchManifest(ctx, fetcher, jobID, runID)
	if err != nil {
		return nil, err
	}
	payload, result, err := openVerifiedPayload(ctx, fetcher, jobID, runID, manifest)
	if err != nil {
		return nil, err
	}
	defer payload.Close()
	if _, err := io.Copy(io.Discard, payload); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "verify run parts")
	}
	return result, nil
}

// openVerifiedPayload fetches every artifact manifest names (entries index
// then parts in order), verifying each one's size and hash as it is
// streamed, and returns an io.ReadCloser over the concatenated, verified
// parts ready for decompression. Verification happens as the stream is
// drained (hashVerifyingReader), not as a separate pre-pass, since Run must
// drain it anyway to unpack; Verify drains it itself via io.Copy.
func openVerifiedPayload(ctx context.Context, fetcher targetstore.Fetcher, jobID, runID string, manifest *runbuilder.Manifest) (io.ReadCloser, *Result, error) {
	entriesRC, err := verifyArtifact(ctx, fetcher, jobID, runID, manifest.EntriesIndex.Name, manifest.EntriesIndex.Size, manifest.EntriesIndex.HashAlg, manifest.EntriesIndex.Hash)
	if err != nil {
		return nil, nil, err
	}

	readers := make([]io.Reader, 0, len(manifest.Artifacts))
	closers := make([]io.Closer, 0, len(manifest.Artifacts)+1)
	closers = append(closers, entriesRC)

	var bytesTotal int64
	for _, part := range manifest.Artifacts {
		rc, err := verifyArtifact(ctx, fetcher, jobID, runID, part.Name, part.Size, part.HashAlg, part.Hash)
		if err != nil {
			closeAll(closers)
			return nil, nil, err
		}
		readers = append(readers, rc)
		closers = append(closers, rc)
		bytesTotal += part.Size
	}

	// The entries index is fetched (and its hash verified) for integrity,
	// but only the parts carry the tar/zstd/age payload restore actually
	// unpacks; drain and close it immediately once its hash check passes.
	if _, err := io.Copy(io.Discard, entriesRC); err != nil {
		closeAll(closers)
		return nil, nil, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "verify entries index")
	}

	combined := &multiReadCloser{r: io.MultiReader(readers...), closers: closers}
	return combined, &Result{PartsVerified: len(manifest.Artifacts), BytesVerified: bytesTotal}, nil
}

// decryptAndDecompress reverses runbuilder's tar -> zstd -> [age] -> parts
// pipeline: parts -> [age] -> zstd -> tar. The returned close func releases
// the zstd decoder (and, if present, the age reader holds no separate
// resource beyond the underlying payload reader it wraps).
func decryptAndDecompress(ctx context.Context, payload io.Reader, manifest *runbuilder.Manifest, secrets *store.SecretsRepo) (io.Reader, func(), error) {
	src := payload
	if manifest.Pipeline.Encryption.Type != "" && manifest.Pipeline.Encryption.Type != "none" {
		if manifest.Pipeline.Encryption.Type != "age_x25519" {
			return nil, nil, apperrors.Newf(apperrors.ErrorTypeValidation, "restore: unsupported encryption type %q", manifest.Pipeline.Encryption.Type)
		}
		identity, err := runbuilder.LoadAgeIdentity(ctx, secrets, manifest.Pipeline.Encryption.KeyName)
		if err != nil {
			return nil, nil, err
		}
		decrypted, err := age.Decrypt(src, identity)
		if err != nil {
			return nil, nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "open age decryptor")
		}
		src = decrypted
	}

	zr, err := zstd.NewReader(src)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "create zstd decoder")
	}
	return zr, zr.Close, nil
}

type multiReadCloser struct {
	r       io.Reader
	closers []io.Closer
}

func (m *multiReadCloser) Read(p []byte) (int, error) { return m.r.Read(p) }

func (m *multiReadCloser) Close() error {
	closeAll(m.closers)
	return nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
