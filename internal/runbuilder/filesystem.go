package runbuilder

import (
	"archive/tar"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/syt100/bastion/internal/apperrors"
	"github.com/syt100/bastion/internal/jobspec"
)

const progressCadence = 250 * time.Millisecond

// BuildFilesystemRun walks source.root, filtered by include/exclude globs,
// honoring symlink_policy, hardlink_policy, and error_policy, and streams
// every visited entry into the shared tar/zstd/part pipeline while writing
// one entries-index record per entry.
func BuildFilesystemRun(ctx context.Context, params Params) (*LocalRunArtifacts, error) {
	src := params.Spec.Filesystem
	if src == nil {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "runbuilder: filesystem source_kind requires a filesystem descriptor")
	}

	entriesWriter, err := NewEntriesIndexWriter(params.RunDir)
	if err != nil {
		return nil, err
	}

	var onPart func(LocalArtifact) error
	if params.Uploader != nil {
		onPart = params.Uploader.Enqueue
	}
	partWriter := NewPartWriter(params.RunDir, "payload.part", params.Spec.Pipeline.PartSizeBytes, onPart)
	pipeline, err := newPayloadPipeline(partWriter, params.Encryption, params.threads())
	if err != nil {
		return nil, err
	}

	w := &fsWalker{
		params:    params,
		src:       src,
		obs:       params.observer(),
		entries:   entriesWriter,
		pipeline:  pipeline,
		hardlinks: make(map[hardlinkKey]string),
		lastTick:  params.now(),
	}

	walkErr := filepath.WalkDir(src.Root, w.visit)
	if walkErr != nil && src.ErrorPolicy != jobspec.ErrorPolicyContinue {
		return nil, apperrors.Wrapf(walkErr, apperrors.ErrorTypePermanent, "walk filesystem source %s", src.Root)
	}

	entriesArtifact, entriesCount, err := entriesWriter.Close()
	if err != nil {
		return nil, err
	}

	parts, err := pipeline.Close()
	if err != nil {
		return nil, err
	}

	if params.Uploader != nil {
		if err := params.Uploader.Drain(ctx); err != nil {
			return nil, err
		}
	}

	return finalizeRun(params, parts, entriesArtifact, entriesCount)
}

type hardlinkKey struct {
	dev, inode uint64
}

type fsWalker struct {
	params    Params
	src       *jobspec.FilesystemSource
	obs       Observer
	entries   *EntriesIndexWriter
	pipeline  *payloadPipeline
	hardlinks map[hardlinkKey]string
	done      ProgressCounts
	lastTick  time.Time
}

func (w *fsWalker) visit(path string, d fs.DirEntry, err error) error {
	if err != nil {
		if w.src.ErrorPolicy == jobspec.ErrorPolicyContinue {
			return nil
		}
		return err
	}

	rel, relErr := filepath.Rel(w.src.Root, path)
	if relErr != nil {
		return relErr
	}
	rel = filepath.ToSlash(rel)

	if rel != "." && !matchesFilters(rel, w.src.IncludeGlobs, w.src.ExcludeGlobs) {
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}

	info, infoErr := d.Info()
	if infoErr != nil {
		if w.src.ErrorPolicy == jobspec.ErrorPolicyContinue {
			return nil
		}
		return infoErr
	}

	var visitErr error
	switch {
	case d.Type()&fs.ModeSymlink != 0:
		visitErr = w.visitSymlink(path, rel, info)
	case d.IsDir():
		visitErr = w.visitDir(rel, info)
	default:
		visitErr = w.visitFile(path, rel, info)
	}
	if visitErr != nil && w.src.ErrorPolicy == jobspec.ErrorPolicyContinue {
		return nil
	}
	return visitErr
}

func (w *fsWalker) visitDir(rel string, info fs.FileInfo) error {
	mtime := info.ModTime().Unix()
	return w.entries.WriteRecord(EntryRecord{
		Path:  rel,
		Kind:  EntryDir,
		Size:  0,
		Mtime: &mtime,
		Mode:  modePtr(info),
	})
}

func (w *fsWalker) visitSymlink(path, rel string, info fs.FileInfo) error {
	switch w.src.SymlinkPolicy {
	case jobspec.SymlinkSkip:
		return nil
	case jobspec.SymlinkFollow:
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		resolved := target
		if !filepath.IsAbs(target) {
			resolved = filepath.Join(filepath.Dir(path), target)
		}
		followedInfo, err := os.Stat(resolved)
		if err != nil {
			return err
		}
		if followedInfo.IsDir() {
			return nil
		}
		return w.visitFile(resolved, rel, followedInfo)
	default: // record_as_link, and the conservative fallback for an unrecognized value
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		mtime := info.ModTime().Unix()
		return w.entries.WriteRecord(EntryRecord{
			Path:          rel,
			Kind:          EntrySymlink,
			Mtime:         &mtime,
			SymlinkTarget: target,
		})
	}
}

func (w *fsWalker) visitFile(path, rel string, info fs.FileInfo) error {
	if w.src.HardlinkPolicy == jobspec.HardlinkDetect {
		if key, ok := hardlinkKeyOf(info); ok {
			if group, seen := w.hardlinks[key]; seen {
				mtime := info.ModTime().Unix()
				return w.entries.WriteRecord(EntryRecord{
					Path:          rel,
					Kind:          EntryHardlink,
					Size:          info.Size(),
					Mtime:         &mtime,
					Mode:          modePtr(info),
					HardlinkGroup: group,
				})
			}
			w.hardlinks[key] = rel
		}
	}

	w.obs.OnOpenFile(rel)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr, err := tarHeader(rel, info)
	if err != nil {
		return err
	}
	w.obs.OnTarHeader(rel)
	if err := w.pipeline.tar.WriteHeader(hdr); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write tar header for %s", rel)
	}

	n, err := w.streamFile(rel, f)
	if err != nil {
		return err
	}
	w.obs.OnCloseEntry(rel)

	mtime := info.ModTime().Unix()
	return w.entries.WriteRecord(EntryRecord{
		Path:  rel,
		Kind:  EntryFile,
		Size:  n,
		Mtime: &mtime,
		Mode:  modePtr(info),
	})
}

func (w *fsWalker) streamFile(rel string, f *os.File) (int64, error) {
	buf := make([]byte, 256*1024)
	var total int64
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			if _, writeErr := w.pipeline.tar.Write(buf[:n]); writeErr != nil {
				return total, apperrors.Wrapf(writeErr, apperrors.ErrorTypeTransient, "stream %s into tar", rel)
			}
			w.obs.OnStreamBytes(rel, n)
			total += int64(n)
			w.done.Bytes += int64(n)
			w.maybeEmitProgress(rel)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return total, apperrors.Wrapf(readErr, apperrors.ErrorTypeTransient, "read %s", rel)
		}
	}
	w.done.Files++
	return total, nil
}

func (w *fsWalker) maybeEmitProgress(detail string) {
	now := w.params.now()
	if now.Sub(w.lastTick) < progressCadence {
		return
	}
	w.lastTick = now
	w.params.progress(w.done, detail)
}

func tarHeader(rel string, info fs.FileInfo) (*tar.Header, error) {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "build tar header for %s", rel)
	}
	hdr.Name = rel
	return hdr, nil
}

func modePtr(info fs.FileInfo) *uint32 {
	m := uint32(info.Mode().Perm())
	return &m
}

func hardlinkKeyOf(info fs.FileInfo) (hardlinkKey, bool) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st.Nlink < 2 {
		return hardlinkKey{}, false
	}
	return hardlinkKey{dev: uint64(st.Dev), inode: st.Ino}, true
}

// matchesFilters reports whether rel should be included: it must match at
// least one include glob (or there are none) and must not match any
// exclude glob.
func matchesFilters(rel string, includes, excludes []string) bool {
	for _, pattern := range excludes {
		if globMatch(pattern, rel) {
			return false
		}
	}
	if len(includes) == 0 {
		return true
	}
	for _, pattern := range includes {
		if globMatch(pattern, rel) {
			return true
		}
	}
	return false
}

// globMatch matches pattern against rel either as a whole-path pattern or
// against any path segment, giving simple "*.log"-style patterns useful
// recursive behavior without a third-party glob dependency.
func globMatch(pattern, rel string) bool {
	if ok, err := filepath.Match(pattern, rel); err == nil && ok {
		return true
	}
	parts := strings.Split(rel, "/")
	for _, part := range parts {
		if ok, err := filepath.Match(pattern, part); err == nil && ok {
			return true
		}
	}
	return false
}
