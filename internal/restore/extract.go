package restore

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"

	"github.com/syt100/bastion/internal/apperrors"
)

// ConflictPolicy governs what happens when a restore's destination path
// already exists.
type ConflictPolicy string

const (
	ConflictOverwrite ConflictPolicy = "overwrite"
	ConflictSkip      ConflictPolicy = "skip"
	ConflictFail      ConflictPolicy = "fail"
)

// localFsSink unpacks a tar stream into destDir, honoring conflict and
// an optional path selection. archive/tar's Reader does not sandbox
// entry paths, so every entry is re-validated through safeJoin before any
// write touches disk.
type localFsSink struct {
	destDir   string
	conflict  ConflictPolicy
	selection []string
}

func newLocalFsSink(destDir string, conflict ConflictPolicy, selection []string) *localFsSink {
	return &localFsSink{destDir: destDir, conflict: conflict, selection: selection}
}

func (s *localFsSink) prepare() error {
	if err := os.MkdirAll(s.destDir, 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create restore destination %s", s.destDir)
	}
	return nil
}

// apply reconstructs every tar entry from r into destDir in archive order
// (so parent directories and hardlink targets exist before their
// dependents), skipping entries outside selection.
func (s *localFsSink) apply(r *tar.Reader) error {
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "read tar entry")
		}

		if !matchesSelection(hdr.Name, s.selection) {
			continue
		}

		dest, ok := safeJoin(s.destDir, hdr.Name)
		if !ok {
			return apperrors.Newf(apperrors.ErrorTypePermanent, "restore: invalid tar entry path %q", hdr.Name)
		}

		if err := s.applyEntry(r, hdr, dest); err != nil {
			return err
		}
	}
}

func (s *localFsSink) applyEntry(r *tar.Reader, hdr *tar.Header, dest string) error {
	if exists(dest) {
		switch s.conflict {
		case ConflictOverwrite:
			if err := removeExisting(dest); err != nil {
				return err
			}
		case ConflictSkip:
			return nil
		case ConflictFail:
			return apperrors.Newf(apperrors.ErrorTypePermanent, "restore conflict: %s exists", dest)
		}
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, os.FileMode(hdr.Mode&0o777))
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create parent for %s", dest)
		}
		if err := os.Symlink(hdr.Linkname, dest); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create symlink %s", dest)
		}
		return nil
	case tar.TypeLink:
		target, ok := safeJoin(s.destDir, hdr.Linkname)
		if !ok {
			return apperrors.Newf(apperrors.ErrorTypePermanent, "restore: invalid hardlink target %q", hdr.Linkname)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create parent for %s", dest)
		}
		if err := os.Link(target, dest); err != nil {
			return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create hardlink %s", dest)
		}
		return nil
	default:
		return s.writeRegular(r, hdr, dest)
	}
}

func (s *localFsSink) writeRegular(r *tar.Reader, hdr *tar.Header, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create parent for %s", dest)
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode&0o777))
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "create file %s", dest)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write file %s", dest)
	}
	if err := f.Close(); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "close file %s", dest)
	}
	if !hdr.ModTime.IsZero() {
		_ = os.Chtimes(dest, hdr.ModTime, hdr.ModTime)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func removeExisting(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "stat existing path %s", path)
	}
	if info.IsDir() {
		return os.RemoveAll(path)
	}
	return os.Remove(path)
}
