package runbuilder

import (
	"context"
	"os"
	"path/filepath"

	"github.com/syt100/bastion/internal/apperrors"
)

// BuildVaultwardenRun snapshots db.sqlite3 via the backup API, then stages
// every file under attachments_dir plus each listed config file, and feeds
// all of it through the shared tar/zstd/part pipeline as one archive.
func BuildVaultwardenRun(ctx context.Context, params Params) (*LocalRunArtifacts, error) {
	src := params.Spec.Vaultwarden
	if src == nil {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "runbuilder: vaultwarden source_kind requires a vaultwarden descriptor")
	}

	snapshotPath := filepath.Join(params.RunDir, ".snapshot.sqlite3")
	if err := snapshotSqliteFile(ctx, src.DBPath, snapshotPath); err != nil {
		return nil, err
	}
	defer os.Remove(snapshotPath)

	files := []stagedFile{{localPath: snapshotPath, arcName: "db.sqlite3"}}

	if src.AttachmentsDir != "" {
		attachments, err := collectAttachments(src.AttachmentsDir)
		if err != nil {
			return nil, err
		}
		files = append(files, attachments...)
	}

	for _, cfg := range src.ConfigFiles {
		files = append(files, stagedFile{localPath: cfg, arcName: filepath.Join("config", filepath.Base(cfg))})
	}

	return buildSingleEntryRun(ctx, params, files)
}

func collectAttachments(root string) ([]stagedFile, error) {
	var out []stagedFile
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		out = append(out, stagedFile{localPath: path, arcName: filepath.Join("attachments", rel)})
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "walk vaultwarden attachments dir %s", root)
	}
	return out, nil
}
