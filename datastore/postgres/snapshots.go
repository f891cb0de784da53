package postgres

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
)

// CreateSnapshot copies the repository's live membership into immutable
// junction rows, all in one transaction.
func (s *MirrorStore) CreateSnapshot(ctx context.Context, repoID, name, description string) (*chantal.Snapshot, error) {
	const op = `datastore/postgres/CreateSnapshot`
	ctx = zlog.ContextWithValues(ctx, "component", op, "repository", repoID, "snapshot", name)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domainErr(op, "failed to create transaction", err)
	}
	defer tx.Rollback(ctx)

	snap, _, err := createSnapshot(ctx, tx, repoID, name, description)
	if err != nil {
		return nil, err
	}
	if err = tx.Commit(ctx); err != nil {
		return nil, domainErr(op, "failed to commit tx", err)
	}
	zlog.Info(ctx).Str("id", snap.ID).Msg("snapshot created")
	return snap, nil
}

// createSnapshot is the transaction body shared with view snapshot creation.
func createSnapshot(ctx context.Context, tx pgx.Tx, repoID, name, description string) (*chantal.Snapshot, int64, error) {
	const op = `datastore/postgres/CreateSnapshot`
	var (
		ok  bool
		err error
	)
	exists := newQuery(ctx, "mirror", "select_repository_exists")
	end := exists.Start(&err)
	err = tx.QueryRow(ctx, exists.SQL, repoID).Scan(&ok)
	end()
	if err != nil {
		return nil, 0, domainErr(op, "failed to check repository", err)
	}
	if !ok {
		return nil, 0, &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no such repository: " + repoID}
	}

	snap := chantal.Snapshot{
		RepositoryID: repoID,
		Name:         name,
		Description:  description,
	}
	var id int64
	ins := newQuery(ctx, "mirror", "insert_snapshot")
	end = ins.Start(&err)
	err = tx.QueryRow(ctx, ins.SQL, repoID, name, description).Scan(&id, &snap.CreatedAt)
	end()
	if err != nil {
		return nil, 0, domainErr(op, "failed to insert snapshot", err)
	}
	snap.ID = strconv.FormatInt(id, 10)

	cpc := newQuery(ctx, "mirror", "copy_snapshot_content")
	end = cpc.Start(&err)
	_, err = tx.Exec(ctx, cpc.SQL, id, repoID)
	end()
	if err != nil {
		return nil, 0, domainErr(op, "failed to freeze content membership", err)
	}

	cpf := newQuery(ctx, "mirror", "copy_snapshot_files")
	end = cpf.Start(&err)
	_, err = tx.Exec(ctx, cpf.SQL, id, repoID)
	end()
	if err != nil {
		return nil, 0, domainErr(op, "failed to freeze file membership", err)
	}
	return &snap, id, nil
}

func (s *MirrorStore) Snapshot(ctx context.Context, repoID, name string) (*chantal.Snapshot, error) {
	const op = `datastore/postgres/Snapshot`
	var (
		snap chantal.Snapshot
		id   int64
		err  error
	)
	sel := newQuery(ctx, "mirror", "select_snapshot")
	defer sel.Start(&err)()
	err = s.pool.QueryRow(ctx, sel.SQL, repoID, name).Scan(
		&id, &snap.RepositoryID, &snap.Name, &snap.Description, &snap.CreatedAt)
	if err != nil {
		return nil, domainErr(op, "failed to retrieve snapshot", err)
	}
	snap.ID = strconv.FormatInt(id, 10)
	return &snap, nil
}

// SnapshotByID fetches one snapshot by the opaque ID recorded in a view
// snapshot's member list.
func (s *MirrorStore) SnapshotByID(ctx context.Context, id string) (*chantal.Snapshot, error) {
	const op = `datastore/postgres/SnapshotByID`
	snapID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "bad snapshot id: " + id, Inner: err}
	}
	var snap chantal.Snapshot
	sel := newQuery(ctx, "mirror", "select_snapshot_by_id")
	defer sel.Start(&err)()
	err = s.pool.QueryRow(ctx, sel.SQL, snapID).Scan(
		&snapID, &snap.RepositoryID, &snap.Name, &snap.Description, &snap.CreatedAt)
	if err != nil {
		return nil, domainErr(op, "failed to retrieve snapshot", err)
	}
	snap.ID = id
	return &snap, nil
}

func (s *MirrorStore) Snapshots(ctx context.Context, repoID string) ([]*chantal.Snapshot, error) {
	const op = `datastore/postgres/Snapshots`
	var err error
	sel := newQuery(ctx, "mirror", "select_snapshots")
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL, repoID)
	if err != nil {
		return nil, domainErr(op, "failed to query snapshots", err)
	}
	defer rows.Close()

	out := []*chantal.Snapshot{}
	for rows.Next() {
		var (
			snap chantal.Snapshot
			id   int64
		)
		err = rows.Scan(&id, &snap.RepositoryID, &snap.Name, &snap.Description, &snap.CreatedAt)
		if err != nil {
			return nil, domainErr(op, "failed to scan snapshot", err)
		}
		snap.ID = strconv.FormatInt(id, 10)
		out = append(out, &snap)
	}
	if err = rows.Err(); err != nil {
		return nil, domainErr(op, "error reading snapshots", err)
	}
	return out, nil
}

func (s *MirrorStore) DeleteSnapshot(ctx context.Context, repoID, name string) error {
	const op = `datastore/postgres/DeleteSnapshot`
	ctx = zlog.ContextWithValues(ctx, "component", op, "repository", repoID, "snapshot", name)
	var err error
	del := newQuery(ctx, "mirror", "delete_snapshot")
	defer del.Start(&err)()
	tag, err := s.pool.Exec(ctx, del.SQL, repoID, name)
	if err != nil {
		// A foreign key violation means a view snapshot still references
		// this snapshot.
		return domainErr(op, "failed to delete snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no such snapshot: " + repoID + "/" + name}
	}
	zlog.Info(ctx).Msg("snapshot deleted")
	return nil
}

// CopySnapshot promotes a frozen membership into another repository of the
// same type. Only junction rows are written; no pool bytes move.
func (s *MirrorStore) CopySnapshot(ctx context.Context, repoID, name, dstRepoID, dstName string) (*chantal.Snapshot, error) {
	const op = `datastore/postgres/CopySnapshot`
	ctx = zlog.ContextWithValues(ctx, "component", op,
		"repository", repoID, "snapshot", name,
		"target_repository", dstRepoID, "target_snapshot", dstName)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domainErr(op, "failed to create transaction", err)
	}
	defer tx.Rollback(ctx)

	var srcID int64
	selSrc := newQuery(ctx, "mirror", "select_snapshot_id")
	end := selSrc.Start(&err)
	err = tx.QueryRow(ctx, selSrc.SQL, repoID, name).Scan(&srcID)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to resolve source snapshot", err)
	}

	selType := newQuery(ctx, "mirror", "select_repository_type")
	var srcType, dstType chantal.RepoType
	end = selType.Start(&err)
	err = tx.QueryRow(ctx, selType.SQL, repoID).Scan(&srcType)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to resolve source repository", err)
	}
	end = selType.Start(&err)
	err = tx.QueryRow(ctx, selType.SQL, dstRepoID).Scan(&dstType)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to resolve target repository", err)
	}
	if srcType != dstType {
		return nil, &chantal.Error{
			Op:      op,
			Kind:    chantal.ErrConflict,
			Message: "repository types differ: " + string(srcType) + " vs " + string(dstType),
		}
	}

	snap := chantal.Snapshot{
		RepositoryID: dstRepoID,
		Name:         dstName,
	}
	var dstID int64
	ins := newQuery(ctx, "mirror", "insert_snapshot")
	end = ins.Start(&err)
	err = tx.QueryRow(ctx, ins.SQL, dstRepoID, dstName, "").Scan(&dstID, &snap.CreatedAt)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to insert snapshot", err)
	}
	snap.ID = strconv.FormatInt(dstID, 10)

	cpc := newQuery(ctx, "mirror", "copy_snapshot_members")
	end = cpc.Start(&err)
	_, err = tx.Exec(ctx, cpc.SQL, dstID, srcID)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to copy content membership", err)
	}

	cpf := newQuery(ctx, "mirror", "copy_snapshot_file_members")
	end = cpf.Start(&err)
	_, err = tx.Exec(ctx, cpf.SQL, dstID, srcID)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to copy file membership", err)
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, domainErr(op, "failed to commit tx", err)
	}
	zlog.Info(ctx).Msg("snapshot copied")
	return &snap, nil
}

func (s *MirrorStore) SnapshotMembers(ctx context.Context, id string) ([]*chantal.ContentItem, error) {
	const op = `datastore/postgres/SnapshotMembers`
	snapID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "bad snapshot id: " + id, Inner: err}
	}
	sel := newQuery(ctx, "mirror", "select_snapshot_members")
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL, snapID)
	if err != nil {
		return nil, domainErr(op, "failed to query snapshot members", err)
	}
	defer rows.Close()

	out := []*chantal.ContentItem{}
	for rows.Next() {
		var it chantal.ContentItem
		err = rows.Scan(
			&it.SHA256, &it.Filename, &it.Size, &it.ContentType,
			&it.Name, &it.Version, &it.Architecture, &it.Metadata)
		if err != nil {
			return nil, domainErr(op, "failed to scan content item", err)
		}
		out = append(out, &it)
	}
	if err = rows.Err(); err != nil {
		return nil, domainErr(op, "error reading snapshot members", err)
	}
	return out, nil
}

func (s *MirrorStore) SnapshotFiles(ctx context.Context, id string) ([]*chantal.RepositoryFile, error) {
	const op = `datastore/postgres/SnapshotFiles`
	snapID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "bad snapshot id: " + id, Inner: err}
	}
	sel := newQuery(ctx, "mirror", "select_snapshot_files")
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL, snapID)
	if err != nil {
		return nil, domainErr(op, "failed to query snapshot files", err)
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
		return nil, domainErr(op, "error reading snapshot files", err)
	}
	return out, nil
}
