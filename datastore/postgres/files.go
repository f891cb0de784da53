package postgres

import (
	"context"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/internal/microbatch"
)

func (s *MirrorStore) RegisterFiles(ctx context.Context, repoID string, files []*chantal.RepositoryFile) error {
	const op = `datastore/postgres/RegisterFiles`
	ctx = zlog.ContextWithValues(ctx, "component", op, "repository", repoID)
	if len(files) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domainErr(op, "failed to create transaction", err)
	}
	defer tx.Rollback(ctx)

	insertFile := newQuery(ctx, "mirror", "insert_repository_file")
	fileStmt, err := tx.Prepare(ctx, "insertRepositoryFile", insertFile.SQL)
	if err != nil {
		return domainErr(op, "failed to create statement", err)
	}
	end := insertFile.Start(&err)
	mBatcher := microbatch.NewInsert(tx, 500, time.Minute)
	for _, f := range files {
		if !chantal.ValidSHA256(f.SHA256) {
			err = &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "refusing to register invalid digest: " + f.SHA256}
			end()
			return err
		}
		err = mBatcher.Queue(ctx, fileStmt.SQL,
			f.SHA256, f.Category, f.Type, f.OriginalPath, f.Compression, f.Size)
		if err != nil {
			end()
			return domainErr(op, "batch insert failed for repository file", err)
		}
	}
	err = mBatcher.Done(ctx)
	end()
	if err != nil {
		return domainErr(op, "final batch insert failed for repository files", err)
	}

	insertLink := newQuery(ctx, "mirror", "insert_repository_file_link")
	linkStmt, err := tx.Prepare(ctx, "insertRepositoryFileLink", insertLink.SQL)
	if err != nil {
		return domainErr(op, "failed to create statement", err)
	}
	defer insertLink.Start(&err)()
	mBatcher = microbatch.NewInsert(tx, 500, time.Minute)
	for _, f := range files {
		err = mBatcher.Queue(ctx, linkStmt.SQL, repoID, f.SHA256)
		if err != nil {
			return domainErr(op, "batch insert failed for file link", err)
		}
	}
	err = mBatcher.Done(ctx)
	if err != nil {
		return domainErr(op, "final batch insert failed for file links", err)
	}

	err = tx.Commit(ctx)
	if err != nil {
		return domainErr(op, "failed to commit tx", err)
	}
	zlog.Debug(ctx).Int("count", len(files)).Msg("repository files registered")
	return nil
}

func (s *MirrorStore) ReplaceFiles(ctx context.Context, repoID string, digests []string) error {
	const op = `datastore/postgres/ReplaceFiles`
	ctx = zlog.ContextWithValues(ctx, "component", op, "repository", repoID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domainErr(op, "failed to create transaction", err)
	}
	defer tx.Rollback(ctx)

	if digests == nil {
		digests = []string{}
	}
	del := newQuery(ctx, "mirror", "replace_files_delete")
	end := del.Start(&err)
	_, err = tx.Exec(ctx, del.SQL, repoID, digests)
	end()
	if err != nil {
		return domainErr(op, "failed to detach stale files", err)
	}

	ins := newQuery(ctx, "mirror", "replace_files_insert")
	defer ins.Start(&err)()
	_, err = tx.Exec(ctx, ins.SQL, repoID, digests)
	if err != nil {
		return domainErr(op, "failed to attach files", err)
	}

	err = tx.Commit(ctx)
	if err != nil {
		return domainErr(op, "failed to commit tx", err)
	}
	return nil
}

func (s *MirrorStore) Files(ctx context.Context, repoID string) ([]*chantal.RepositoryFile, error) {
	const op = `datastore/postgres/Files`
	var err error
	sel := newQuery(ctx, "mirror", "select_files")
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL, repoID)
	if err != nil {
		return nil, domainErr(op, "failed to query files", err)
	}
	defer rows.Close()

	out := []*chantal.RepositoryFile{}
	for rows.Next() {
		var f chantal.RepositoryFile
		err = rows.Scan(
			&f.SHA256, &f.Category, &f.Type, &f.OriginalPath, &f.Compression, &f.Size)
		if err != nil {
			return nil, domainErr(op, "failed to scan repository file", err)
		}
		out = append(out, &f)
	}
	if err = rows.Err(); err != nil {
		return nil, domainErr(op, "error reading files", err)
	}
	return out, nil
}
