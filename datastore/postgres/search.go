package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/postgres"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/datastore"
)

// buildSearchQuery renders a ContentQuery into a SQL statement.
//
// The statement is interpolated rather than parameterized so that the
// condition set can vary freely with the query.
func buildSearchQuery(q *datastore.ContentQuery) (string, error) {
	psql := goqu.Dialect("postgres")
	exps := []goqu.Expression{}

	ds := psql.Select(
		"c.sha256",
		"c.filename",
		"c.size_bytes",
		"c.content_type",
		"c.name",
		"c.version",
		"c.architecture",
		"c.metadata_json",
	).From(goqu.T("content_item").As("c"))

	switch {
	case q.Snapshot != "" && q.Repository == "":
		return "", fmt.Errorf("a snapshot scope requires a repository scope")
	case q.Snapshot != "":
		ds = ds.
			Join(goqu.T("snapshot_content").As("sc"), goqu.On(goqu.Ex{"sc.sha256": goqu.I("c.sha256")})).
			Join(goqu.T("snapshot").As("s"), goqu.On(goqu.Ex{"s.id": goqu.I("sc.snapshot_id")}))
		exps = append(exps,
			goqu.Ex{"s.repository_id": q.Repository},
			goqu.Ex{"s.name": q.Snapshot},
		)
	case q.Repository != "":
		ds = ds.
			Join(goqu.T("repository_content").As("rc"), goqu.On(goqu.Ex{"rc.sha256": goqu.I("c.sha256")}))
		exps = append(exps, goqu.Ex{"rc.repository_id": q.Repository})
	}

	if q.Name != "" {
		exps = append(exps, goqu.Ex{"c.name": q.Name})
	}
	if q.NamePattern != "" {
		exps = append(exps, goqu.I("c.name").ILike("%"+q.NamePattern+"%"))
	}
	if q.Version != "" {
		exps = append(exps, goqu.Ex{"c.version": q.Version})
	}
	if len(q.Architectures) > 0 {
		exps = append(exps, goqu.Ex{"c.architecture": q.Architectures})
	}
	if q.Type != "" {
		exps = append(exps, goqu.Ex{"c.content_type": q.Type})
	}
	if q.MinSize > 0 {
		exps = append(exps, goqu.I("c.size_bytes").Gte(q.MinSize))
	}
	if q.MaxSize > 0 {
		exps = append(exps, goqu.I("c.size_bytes").Lte(q.MaxSize))
	}

	ds = ds.
		Where(exps...).
		Order(goqu.I("c.name").Asc(), goqu.I("c.version").Asc(), goqu.I("c.architecture").Asc())
	if q.Limit > 0 {
		ds = ds.Limit(uint(q.Limit))
	}
	if q.Offset > 0 {
		ds = ds.Offset(uint(q.Offset))
	}

	sql, _, err := ds.ToSQL()
	if err != nil {
		return "", err
	}
	return sql, nil
}

func (s *MirrorStore) SearchContent(ctx context.Context, q *datastore.ContentQuery) ([]*chantal.ContentItem, error) {
	const op = `datastore/postgres/SearchContent`
	sql, err := buildSearchQuery(q)
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "bad content query", Inner: err}
	}

	rows, err := s.pool.Query(ctx, sql)
	if err != nil {
		return nil, domainErr(op, "failed to query content", err)
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
		return nil, domainErr(op, "error reading content", err)
	}
	return out, nil
}
