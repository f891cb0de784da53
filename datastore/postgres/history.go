package postgres

import (
	"context"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
)

// RecordSyncStarted opens a history row in the "running" state and returns
// its ID for the matching RecordSyncFinished call.
func (s *MirrorStore) RecordSyncStarted(ctx context.Context, repoID string) (int64, error) {
	const op = `datastore/postgres/RecordSyncStarted`
	var (
		id  int64
		err error
	)
	ins := newQuery(ctx, "mirror", "insert_sync_history")
	defer ins.Start(&err)()
	err = s.pool.QueryRow(ctx, ins.SQL, repoID).Scan(&id)
	if err != nil {
		return 0, domainErr(op, "failed to insert sync history", err)
	}
	return id, nil
}

func (s *MirrorStore) RecordSyncFinished(ctx context.Context, id int64, res *chantal.SyncResult) error {
	const op = `datastore/postgres/RecordSyncFinished`
	ctx = zlog.ContextWithValues(ctx, "component", op)

	finished := res.Finished
	if finished.IsZero() {
		finished = time.Now()
	}
	errs := res.Errors
	if errs == nil {
		errs = []chantal.ItemError{}
	}
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	var err error
	up := newQuery(ctx, "mirror", "update_sync_history")
	defer up.Start(&err)()
	tag, err := s.pool.Exec(ctx, up.SQL,
		id, finished, res.Status,
		res.Discovered, res.Downloaded, res.Skipped, res.Failed, res.Bytes,
		errs, warnings)
	if err != nil {
		return domainErr(op, "failed to update sync history", err)
	}
	if tag.RowsAffected() == 0 {
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no such sync history row"}
	}
	return nil
}

// SyncHistory returns the repository's sync attempts, newest first. A limit
// of zero or less returns everything.
func (s *MirrorStore) SyncHistory(ctx context.Context, repoID string, limit int) ([]*chantal.SyncResult, error) {
	const op = `datastore/postgres/SyncHistory`
	var lim any
	if limit > 0 {
		lim = limit
	}
	var err error
	sel := newQuery(ctx, "mirror", "select_sync_history")
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL, repoID, lim)
	if err != nil {
		return nil, domainErr(op, "failed to query sync history", err)
	}
	defer rows.Close()

	out := []*chantal.SyncResult{}
	for rows.Next() {
		var (
			r        chantal.SyncResult
			finished *time.Time
		)
		err = rows.Scan(
			&r.ID, &r.RepositoryID, &r.Started, &finished, &r.Status,
			&r.Discovered, &r.Downloaded, &r.Skipped, &r.Failed, &r.Bytes,
			&r.Errors, &r.Warnings)
		if err != nil {
			return nil, domainErr(op, "failed to scan sync history", err)
		}
		if finished != nil {
			r.Finished = *finished
		}
		out = append(out, &r)
	}
	if err = rows.Err(); err != nil {
		return nil, domainErr(op, "error reading sync history", err)
	}
	return out, nil
}
