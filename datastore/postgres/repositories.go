package postgres

import (
	"context"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
)

func (s *MirrorStore) UpsertRepository(ctx context.Context, r *chantal.Repository) error {
	const op = `datastore/postgres/UpsertRepository`
	var err error
	upsert := newQuery(ctx, "mirror", "upsert_repository")
	defer upsert.Start(&err)()
	_, err = s.pool.Exec(ctx, upsert.SQL,
		r.ID, r.Name, r.Type, r.Feed, r.Enabled, r.Mode, r.Ecosystem)
	if err != nil {
		return domainErr(op, "failed to upsert repository", err)
	}
	return nil
}

func (s *MirrorStore) Repository(ctx context.Context, id string) (*chantal.Repository, error) {
	const op = `datastore/postgres/Repository`
	var (
		r   chantal.Repository
		err error
	)
	sel := newQuery(ctx, "mirror", "select_repository")
	defer sel.Start(&err)()
	err = s.pool.QueryRow(ctx, sel.SQL, id).Scan(
		&r.ID, &r.Name, &r.Type, &r.Feed, &r.Enabled, &r.Mode,
		&r.Ecosystem, &r.Fingerprint, &r.LastSync)
	if err != nil {
		return nil, domainErr(op, "failed to retrieve repository", err)
	}
	return &r, nil
}

func (s *MirrorStore) Repositories(ctx context.Context) ([]*chantal.Repository, error) {
	const op = `datastore/postgres/Repositories`
	var err error
	sel := newQuery(ctx, "mirror", "select_repositories")
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL)
	if err != nil {
		return nil, domainErr(op, "failed to query repositories", err)
	}
	defer rows.Close()

	out := []*chantal.Repository{}
	for rows.Next() {
		var r chantal.Repository
		err = rows.Scan(
			&r.ID, &r.Name, &r.Type, &r.Feed, &r.Enabled, &r.Mode,
			&r.Ecosystem, &r.Fingerprint, &r.LastSync)
		if err != nil {
			return nil, domainErr(op, "failed to scan repository", err)
		}
		out = append(out, &r)
	}
	if err = rows.Err(); err != nil {
		return nil, domainErr(op, "error reading repositories", err)
	}
	return out, nil
}

func (s *MirrorStore) DeleteRepository(ctx context.Context, id string) error {
	const op = `datastore/postgres/DeleteRepository`
	ctx = zlog.ContextWithValues(ctx, "component", op, "repository", id)
	var err error
	del := newQuery(ctx, "mirror", "delete_repository")
	defer del.Start(&err)()
	tag, err := s.pool.Exec(ctx, del.SQL, id)
	if err != nil {
		// A foreign key violation here means one of the repository's
		// snapshots is pinned by a view snapshot.
		return domainErr(op, "failed to delete repository", err)
	}
	if tag.RowsAffected() == 0 {
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no such repository: " + id}
	}
	zlog.Info(ctx).Msg("repository deleted")
	return nil
}

func (s *MirrorStore) SetSyncState(ctx context.Context, id string, at time.Time, fingerprint string) error {
	const op = `datastore/postgres/SetSyncState`
	var err error
	upd := newQuery(ctx, "mirror", "set_sync_state")
	defer upd.Start(&err)()
	tag, err := s.pool.Exec(ctx, upd.SQL, id, at, fingerprint)
	if err != nil {
		return domainErr(op, "failed to update sync state", err)
	}
	if tag.RowsAffected() == 0 {
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no such repository: " + id}
	}
	return nil
}
