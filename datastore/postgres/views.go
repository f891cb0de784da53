package postgres

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
)

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// UpsertView stores the view definition and replaces its member list. Every
// member must be a known repository of the view's type.
func (s *MirrorStore) UpsertView(ctx context.Context, v *chantal.View) error {
	const op = `datastore/postgres/UpsertView`
	ctx = zlog.ContextWithValues(ctx, "component", op, "view", v.Name)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domainErr(op, "failed to create transaction", err)
	}
	defer tx.Rollback(ctx)

	if len(v.Members) != 0 {
		types, err := repositoryTypes(ctx, tx, v.Members)
		if err != nil {
			return err
		}
		for _, id := range v.Members {
			t, ok := types[id]
			if !ok {
				return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no such repository: " + id}
			}
			if t != v.Type {
				return &chantal.Error{
					Op:      op,
					Kind:    chantal.ErrConflict,
					Message: "member " + id + " has type " + string(t) + ", view wants " + string(v.Type),
				}
			}
		}
	}

	up := newQuery(ctx, "mirror", "upsert_view")
	end := up.Start(&err)
	_, err = tx.Exec(ctx, up.SQL, v.Name, v.Description, v.Type)
	end()
	if err != nil {
		return domainErr(op, "failed to upsert view", err)
	}

	del := newQuery(ctx, "mirror", "delete_view_members")
	end = del.Start(&err)
	_, err = tx.Exec(ctx, del.SQL, v.Name)
	end()
	if err != nil {
		return domainErr(op, "failed to clear view members", err)
	}

	ins := newQuery(ctx, "mirror", "insert_view_member")
	for i, id := range v.Members {
		end = ins.Start(&err)
		_, err = tx.Exec(ctx, ins.SQL, v.Name, id, i)
		end()
		if err != nil {
			return domainErr(op, "failed to insert view member", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return domainErr(op, "failed to commit tx", err)
	}
	zlog.Info(ctx).Int("members", len(v.Members)).Msg("view stored")
	return nil
}

// repositoryTypes resolves the type of each named repository. Repositories
// that do not exist are absent from the returned map.
func repositoryTypes(ctx context.Context, q rowQuerier, ids []string) (map[string]chantal.RepoType, error) {
	const op = `datastore/postgres/UpsertView`
	var err error
	sel := newQuery(ctx, "mirror", "select_repository_types")
	defer sel.Start(&err)()
	rows, err := q.Query(ctx, sel.SQL, ids)
	if err != nil {
		return nil, domainErr(op, "failed to query repository types", err)
	}
	defer rows.Close()

	types := map[string]chantal.RepoType{}
	for rows.Next() {
		var (
			id string
			t  chantal.RepoType
		)
		if err = rows.Scan(&id, &t); err != nil {
			return nil, domainErr(op, "failed to scan repository type", err)
		}
		types[id] = t
	}
	if err = rows.Err(); err != nil {
		return nil, domainErr(op, "error reading repository types", err)
	}
	return types, nil
}

// viewMemberIDs returns the view's repository IDs in position order.
func viewMemberIDs(ctx context.Context, q rowQuerier, name string) ([]string, error) {
	const op = `datastore/postgres/View`
	var err error
	sel := newQuery(ctx, "mirror", "select_view_members")
	defer sel.Start(&err)()
	rows, err := q.Query(ctx, sel.SQL, name)
	if err != nil {
		return nil, domainErr(op, "failed to query view members", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, domainErr(op, "failed to scan view member", err)
		}
		members = append(members, id)
	}
	if err = rows.Err(); err != nil {
		return nil, domainErr(op, "error reading view members", err)
	}
	return members, nil
}

func (s *MirrorStore) View(ctx context.Context, name string) (*chantal.View, error) {
	const op = `datastore/postgres/View`
	var (
		v   chantal.View
		err error
	)
	sel := newQuery(ctx, "mirror", "select_view")
	end := sel.Start(&err)
	err = s.pool.QueryRow(ctx, sel.SQL, name).Scan(&v.Name, &v.Description, &v.Type)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to retrieve view", err)
	}
	v.Members, err = viewMemberIDs(ctx, s.pool, name)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *MirrorStore) Views(ctx context.Context) ([]*chantal.View, error) {
	const op = `datastore/postgres/Views`
	var err error
	sel := newQuery(ctx, "mirror", "select_views")
	end := sel.Start(&err)
	rows, err := s.pool.Query(ctx, sel.SQL)
	if err != nil {
		end()
		return nil, domainErr(op, "failed to query views", err)
	}
	out := []*chantal.View{}
	byName := map[string]*chantal.View{}
	for rows.Next() {
		var v chantal.View
		if err = rows.Scan(&v.Name, &v.Description, &v.Type); err != nil {
			rows.Close()
			end()
			return nil, domainErr(op, "failed to scan view", err)
		}
		v.Members = []string{}
		out = append(out, &v)
		byName[v.Name] = &v
	}
	rows.Close()
	err = rows.Err()
	end()
	if err != nil {
		return nil, domainErr(op, "error reading views", err)
	}

	mem := newQuery(ctx, "mirror", "select_all_view_members")
	end = mem.Start(&err)
	rows, err = s.pool.Query(ctx, mem.SQL)
	if err != nil {
		end()
		return nil, domainErr(op, "failed to query view members", err)
	}
	for rows.Next() {
		var view, repo string
		if err = rows.Scan(&view, &repo); err != nil {
			rows.Close()
			end()
			return nil, domainErr(op, "failed to scan view member", err)
		}
		if v, ok := byName[view]; ok {
			v.Members = append(v.Members, repo)
		}
	}
	rows.Close()
	err = rows.Err()
	end()
	if err != nil {
		return nil, domainErr(op, "error reading view members", err)
	}
	return out, nil
}

func (s *MirrorStore) DeleteView(ctx context.Context, name string) error {
	const op = `datastore/postgres/DeleteView`
	ctx = zlog.ContextWithValues(ctx, "component", op, "view", name)
	var err error
	del := newQuery(ctx, "mirror", "delete_view")
	defer del.Start(&err)()
	tag, err := s.pool.Exec(ctx, del.SQL, name)
	if err != nil {
		return domainErr(op, "failed to delete view", err)
	}
	if tag.RowsAffected() == 0 {
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no such view: " + name}
	}
	// Member junctions and view snapshots cascade. Sibling repository
	// snapshots stay behind until deleted explicitly.
	zlog.Info(ctx).Msg("view deleted")
	return nil
}

// CreateViewSnapshot freezes every member repository under the view
// snapshot's name, then records the bundle. One transaction covers all
// sibling snapshots; any failure rolls back the lot.
//
// A member with no live content fails the whole operation unless allowEmpty
// is set, in which case it is skipped with a warning. A view whose members
// are all empty cannot be frozen.
func (s *MirrorStore) CreateViewSnapshot(ctx context.Context, viewName, name, description string, allowEmpty bool) (*chantal.ViewSnapshot, error) {
	const op = `datastore/postgres/CreateViewSnapshot`
	ctx = zlog.ContextWithValues(ctx, "component", op, "view", viewName, "snapshot", name)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, domainErr(op, "failed to create transaction", err)
	}
	defer tx.Rollback(ctx)

	var ok bool
	exists := newQuery(ctx, "mirror", "select_view_exists")
	end := exists.Start(&err)
	err = tx.QueryRow(ctx, exists.SQL, viewName).Scan(&ok)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to check view", err)
	}
	if !ok {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no such view: " + viewName}
	}

	members, err := viewMemberIDs(ctx, tx, viewName)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrConflict, Message: "view has no members: " + viewName}
	}

	cnt := newQuery(ctx, "mirror", "count_members")
	var siblingIDs []int64
	for _, repoID := range members {
		var n int64
		end = cnt.Start(&err)
		err = tx.QueryRow(ctx, cnt.SQL, repoID).Scan(&n)
		end()
		if err != nil {
			return nil, domainErr(op, "failed to count repository content", err)
		}
		if n == 0 {
			if !allowEmpty {
				return nil, &chantal.Error{
					Op:      op,
					Kind:    chantal.ErrConflict,
					Message: "member repository is empty: " + repoID,
				}
			}
			zlog.Warn(ctx).Str("repository", repoID).Msg("skipping empty member repository")
			continue
		}
		_, id, err := createSnapshot(ctx, tx, repoID, name, description)
		if err != nil {
			return nil, err
		}
		siblingIDs = append(siblingIDs, id)
	}
	if len(siblingIDs) == 0 {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrConflict, Message: "every member repository is empty"}
	}

	vs := chantal.ViewSnapshot{
		ViewName:    viewName,
		Name:        name,
		Description: description,
	}
	var vsID int64
	ins := newQuery(ctx, "mirror", "insert_view_snapshot")
	end = ins.Start(&err)
	err = tx.QueryRow(ctx, ins.SQL, viewName, name, description).Scan(&vsID, &vs.CreatedAt)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to insert view snapshot", err)
	}

	insMem := newQuery(ctx, "mirror", "insert_view_snapshot_member")
	for i, snapID := range siblingIDs {
		end = insMem.Start(&err)
		_, err = tx.Exec(ctx, insMem.SQL, vsID, snapID, i)
		end()
		if err != nil {
			return nil, domainErr(op, "failed to insert view snapshot member", err)
		}
		vs.Snapshots = append(vs.Snapshots, strconv.FormatInt(snapID, 10))
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, domainErr(op, "failed to commit tx", err)
	}
	zlog.Info(ctx).Int("siblings", len(siblingIDs)).Msg("view snapshot created")
	return &vs, nil
}

func (s *MirrorStore) ViewSnapshot(ctx context.Context, viewName, name string) (*chantal.ViewSnapshot, error) {
	const op = `datastore/postgres/ViewSnapshot`
	var (
		vs  chantal.ViewSnapshot
		id  int64
		err error
	)
	sel := newQuery(ctx, "mirror", "select_view_snapshot")
	end := sel.Start(&err)
	err = s.pool.QueryRow(ctx, sel.SQL, viewName, name).Scan(&id, &vs.ViewName, &vs.Name, &vs.Description, &vs.CreatedAt)
	end()
	if err != nil {
		return nil, domainErr(op, "failed to retrieve view snapshot", err)
	}
	vs.Snapshots, err = s.viewSnapshotSiblings(ctx, id)
	if err != nil {
		return nil, err
	}
	return &vs, nil
}

// viewSnapshotSiblings returns the sibling snapshot IDs in member order.
func (s *MirrorStore) viewSnapshotSiblings(ctx context.Context, id int64) ([]string, error) {
	const op = `datastore/postgres/ViewSnapshot`
	var err error
	sel := newQuery(ctx, "mirror", "select_view_snapshot_members")
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL, id)
	if err != nil {
		return nil, domainErr(op, "failed to query view snapshot members", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var snapID int64
		if err = rows.Scan(&snapID); err != nil {
			return nil, domainErr(op, "failed to scan view snapshot member", err)
		}
		ids = append(ids, strconv.FormatInt(snapID, 10))
	}
	if err = rows.Err(); err != nil {
		return nil, domainErr(op, "error reading view snapshot members", err)
	}
	return ids, nil
}

func (s *MirrorStore) ViewSnapshots(ctx context.Context, viewName string) ([]*chantal.ViewSnapshot, error) {
	const op = `datastore/postgres/ViewSnapshots`
	var err error
	sel := newQuery(ctx, "mirror", "select_view_snapshots")
	end := sel.Start(&err)
	rows, err := s.pool.Query(ctx, sel.SQL, viewName)
	if err != nil {
		end()
		return nil, domainErr(op, "failed to query view snapshots", err)
	}
	type scanned struct {
		vs *chantal.ViewSnapshot
		id int64
	}
	var found []scanned
	for rows.Next() {
		var (
			vs chantal.ViewSnapshot
			id int64
		)
		err = rows.Scan(&id, &vs.ViewName, &vs.Name, &vs.Description, &vs.CreatedAt)
		if err != nil {
			rows.Close()
			end()
			return nil, domainErr(op, "failed to scan view snapshot", err)
		}
		found = append(found, scanned{vs: &vs, id: id})
	}
	rows.Close()
	err = rows.Err()
	end()
	if err != nil {
		return nil, domainErr(op, "error reading view snapshots", err)
	}

	out := []*chantal.ViewSnapshot{}
	for _, r := range found {
		r.vs.Snapshots, err = s.viewSnapshotSiblings(ctx, r.id)
		if err != nil {
			return nil, err
		}
		out = append(out, r.vs)
	}
	return out, nil
}

// DeleteViewSnapshot removes the bundle row. The sibling repository
// snapshots stay and become individually deletable.
func (s *MirrorStore) DeleteViewSnapshot(ctx context.Context, viewName, name string) error {
	const op = `datastore/postgres/DeleteViewSnapshot`
	ctx = zlog.ContextWithValues(ctx, "component", op, "view", viewName, "snapshot", name)
	var err error
	del := newQuery(ctx, "mirror", "delete_view_snapshot")
	defer del.Start(&err)()
	tag, err := s.pool.Exec(ctx, del.SQL, viewName, name)
	if err != nil {
		return domainErr(op, "failed to delete view snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no such view snapshot: " + viewName + "/" + name}
	}
	zlog.Info(ctx).Msg("view snapshot deleted")
	return nil
}
