package runbuilder

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
	"github.com/syt100/bastion/internal/targetstore"
)

// NewUploaderForSpec returns a RollingUploader when spec's target runs in
// archive_v1 mode, or nil otherwise — the worker calls this once per run
// and passes the result straight into Params.Uploader.
func NewUploaderForSpec(ctx context.Context, store targetstore.Store, jobID, runID string, spec jobspec.Spec) *RollingUploader {
	if !archiveV1(spec) {
		return nil
	}
	return NewRollingUploader(ctx, store, jobID, runID)
}

// RollingUploader hands each finalized part to a background goroutine that
// stores it at the target and deletes the local copy, so a large run never
// needs its full payload staged on disk at once. The builder must call Drain before writing the manifest — the
// upload ordering invariant requires every part to land before
// manifest.json, and manifest.json before complete.json.
type RollingUploader struct {
	store        targetstore.Store
	jobID, runID string

	parts chan LocalArtifact
	done  chan struct{}

	mu       sync.Mutex
	firstErr error
}

// NewRollingUploader starts the background uploader goroutine. ctx governs
// the lifetime of the upload calls; the caller must still call Drain before
// relying on every part having landed.
func NewRollingUploader(ctx context.Context, store targetstore.Store, jobID, runID string) *RollingUploader {
	u := &RollingUploader{
		store: store, jobID: jobID, runID: runID,
		parts: make(chan LocalArtifact, 8),
		done:  make(chan struct{}),
	}
	go u.run(ctx)
	return u
}

func (u *RollingUploader) run(ctx context.Context) {
	defer close(u.done)
	for part := range u.parts {
		if err := u.upload(ctx, part); err != nil {
			u.recordErr(err)
			continue
		}
		os.Remove(part.Path)
	}
}

func (u *RollingUploader) upload(ctx context.Context, part LocalArtifact) error {
	return u.store.PutArtifact(ctx, u.jobID, u.runID, targetstore.Artifact{
		Name: part.Name,
		Size: part.Size,
		Open: func() (io.ReadCloser, error) { return os.Open(part.Path) },
	}, false)
}

func (u *RollingUploader) recordErr(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.firstErr == nil {
		u.firstErr = err
	}
}

// Enqueue hands a finalized part to the background uploader. Safe to call
// from the writer goroutine that closes each part as the pipeline rotates.
func (u *RollingUploader) Enqueue(part LocalArtifact) error {
	u.parts <- part
	return nil
}

// Drain closes the upload queue and waits for every enqueued part to
// finish uploading, returning the first error encountered (if any).
func (u *RollingUploader) Drain(ctx context.Context) error {
	close(u.parts)
	select {
	case <-u.done:
	case <-ctx.Done():
		return apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeTransient, "rolling uploader drain canceled")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.firstErr
}

// PutFinal synchronously uploads a path after the rolling part uploads
// have drained. The entries index and manifest pass final=false so a
// resumed run can skip them by size-match like any part; only the
// completion marker passes final=true, since it must always be rewritten
// rather than resumed-over.
func (u *RollingUploader) PutFinal(path string, final bool) error {
	info, err := os.Stat(path)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "stat %s before upload", path)
	}
	return u.store.PutArtifact(context.Background(), u.jobID, u.runID, targetstore.Artifact{
		Name: filepath.Base(path),
		Size: info.Size(),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, final)
}
