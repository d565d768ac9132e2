package targetstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/syt100/bastion/internal/apperrors"
)

// LocalDir stores each run under base_dir/job_id/run_id/.
type LocalDir struct {
	BaseDir string
}

func NewLocalDir(baseDir string) *LocalDir {
	return &LocalDir{BaseDir: baseDir}
}

func (s *LocalDir) runDir(jobID, runID string) string {
	return filepath.Join(s.BaseDir, jobID, runID)
}

func (s *LocalDir) EnsureRunCollection(ctx context.Context, jobID, runID string) (string, error) {
	dir := s.runDir(jobID, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create run directory %s", dir)
	}
	return dir, nil
}

// PutArtifact writes a into the run directory. final is accepted for
// interface parity with WebDAV; LocalDir has no resume-by-size-match logic
// because a local copy is always moved/overwritten in full.
func (s *LocalDir) PutArtifact(ctx context.Context, jobID, runID string, a Artifact, final bool) error {
	dir := s.runDir(jobID, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create run directory %s", dir)
	}

	src, err := a.Open()
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open artifact %s", a.Name)
	}
	defer src.Close()

	dest := filepath.Join(dir, a.Name)
	tmp := dest + ".uploading"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open temp file for %s", a.Name)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(tmp)
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write artifact %s", a.Name)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "close artifact %s", a.Name)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "finalize artifact %s", a.Name)
	}
	return nil
}

// FetchArtifact opens a named artifact from the run directory for
// restore/verify.
func (s *LocalDir) FetchArtifact(ctx context.Context, jobID, runID, name string) (io.ReadCloser, int64, error) {
	path := filepath.Join(s.runDir(jobID, runID), name)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, apperrors.NewNotFoundError("artifact " + name)
		}
		return nil, 0, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "stat artifact %s", name)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open artifact %s", name)
	}
	return f, info.Size(), nil
}

// DeleteRun removes the run directory after confirming it contains at
// least one bastion marker, refusing otherwise with a non-retryable config
// error.
func (s *LocalDir) DeleteRun(ctx context.Context, jobID, runID string) error {
	dir := s.runDir(jobID, runID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "read run directory %s", dir)
	}

	if !looksLikeBastionRun(entries) {
		return apperrors.Newf(apperrors.ErrorTypePermanent, "refusing to delete %s: no bastion marker present", dir)
	}

	if err := os.RemoveAll(dir); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "remove run directory %s", dir)
	}
	return nil
}

func looksLikeBastionRun(entries []os.DirEntry) bool {
	for _, e := range entries {
		name := e.Name()
		for _, marker := range BastionMarkerNames {
			if name == marker {
				return true
			}
		}
		for _, prefix := range BastionMarkerPrefixes {
			if strings.HasPrefix(name, prefix) {
				return true
			}
		}
		for _, suffix := range BastionMarkerSuffixes {
			if strings.HasSuffix(name, suffix) {
				return true
			}
		}
	}
	return false
}
