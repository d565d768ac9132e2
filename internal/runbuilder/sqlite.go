package runbuilder

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"github.com/syt100/bastion/internal/apperrors"
)

// BuildSqliteRun snapshots the source database via sqlite's backup API,
// then feeds the snapshot into the shared tar/zstd/part pipeline as a
// single-entry archive.
func BuildSqliteRun(ctx context.Context, params Params) (*LocalRunArtifacts, error) {
	src := params.Spec.Sqlite
	if src == nil {
		return nil, apperrors.New(apperrors.ErrorTypeValidation, "runbuilder: sqlite source_kind requires a sqlite descriptor")
	}

	snapshotPath := filepath.Join(params.RunDir, ".snapshot.sqlite3")
	if err := snapshotSqliteFile(ctx, src.DBPath, snapshotPath); err != nil {
		return nil, err
	}
	defer os.Remove(snapshotPath)

	return buildSingleEntryRun(ctx, params, []stagedFile{{localPath: snapshotPath, arcName: "db.sqlite3"}})
}

// snapshotSqliteFile backs up srcPath's "main" database into a fresh file
// at dstPath using the sqlite backup API, so a concurrently-written source
// is never read file-byte-for-byte while the writer is mid-transaction.
func snapshotSqliteFile(ctx context.Context, srcPath, dstPath string) error {
	srcDB, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", srcPath))
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open source sqlite db %s", srcPath)
	}
	defer srcDB.Close()

	dstDB, err := sql.Open("sqlite3", dstPath)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "open snapshot sqlite db %s", dstPath)
	}
	defer dstDB.Close()

	srcConn, err := srcDB.Conn(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "acquire source sqlite connection")
	}
	defer srcConn.Close()

	dstConn, err := dstDB.Conn(ctx)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "acquire snapshot sqlite connection")
	}
	defer dstConn.Close()

	err = dstConn.Raw(func(dstDriverConn any) error {
		return srcConn.Raw(func(srcDriverConn any) error {
			dstSQLiteConn, ok := dstDriverConn.(*sqlite3.SQLiteConn)
			if !ok {
				return apperrors.New(apperrors.ErrorTypeInternal, "runbuilder: snapshot destination is not a sqlite3 connection")
			}
			srcSQLiteConn, ok := srcDriverConn.(*sqlite3.SQLiteConn)
			if !ok {
				return apperrors.New(apperrors.ErrorTypeInternal, "runbuilder: snapshot source is not a sqlite3 connection")
			}

			backup, err := dstSQLiteConn.Backup("main", srcSQLiteConn, "main")
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "start sqlite backup")
			}
			for {
				done, stepErr := backup.Step(-1)
				if stepErr != nil {
					backup.Finish()
					return apperrors.Wrap(stepErr, apperrors.ErrorTypeTransient, "step sqlite backup")
				}
				if done {
					break
				}
			}
			if err := backup.Finish(); err != nil {
				return apperrors.Wrap(err, apperrors.ErrorTypeTransient, "finish sqlite backup")
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	return nil
}
