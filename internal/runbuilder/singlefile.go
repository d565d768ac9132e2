package runbuilder

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/syt100/bastion/internal/apperrors"
)

// buildSingleEntryRun feeds each already-staged file in files as one tar
// entry under its arcName into the shared pipeline, then finalizes the run
// the same way every variant does. Used by the sqlite variant (one file)
// and by the vaultwarden variant (all of its files in one call).
func buildSingleEntryRun(ctx context.Context, params Params, files []stagedFile) (*LocalRunArtifacts, error) {
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

	obs := params.observer()
	for _, sf := range files {
		if err := streamOneFile(obs, pipeline.tar, entriesWriter, sf); err != nil {
			return nil, err
		}
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

// stagedFile is one local file to embed under arcName in the tar stream.
type stagedFile struct {
	localPath string
	arcName   string
}

func streamOneFile(obs Observer, tw *tar.Writer, entries *EntriesIndexWriter, sf stagedFile) error {
	info, err := os.Stat(sf.localPath)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "stat %s", sf.localPath)
	}

	obs.OnOpenFile(sf.arcName)
	f, err := os.Open(sf.localPath)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open %s", sf.localPath)
	}
	defer f.Close()

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeInternal, "build tar header for %s", sf.arcName)
	}
	hdr.Name = sf.arcName

	obs.OnTarHeader(sf.arcName)
	if err := tw.WriteHeader(hdr); err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "write tar header for %s", sf.arcName)
	}

	n, err := io.Copy(tw, f)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "stream %s into tar", sf.arcName)
	}
	obs.OnStreamBytes(sf.arcName, int(n))
	obs.OnCloseEntry(sf.arcName)

	mtime := info.ModTime().Unix()
	mode := uint32(info.Mode().Perm())
	return entries.WriteRecord(EntryRecord{
		Path:  filepath.ToSlash(sf.arcName),
		Kind:  EntryFile,
		Size:  n,
		Mtime: &mtime,
		Mode:  &mode,
	})
}
