package postgres

import (
	"context"

	"github.com/quay/zlog"

	"github.com/slauger/chantal-sub001/datastore"
)

// ContentDigests streams every payload digest the store knows about. The
// callback returning an error stops the stream.
func (s *MirrorStore) ContentDigests(ctx context.Context, fn func(sha256 string) error) error {
	return s.streamDigests(ctx, "select_content_digests", fn)
}

// FileDigests streams every metadata-blob digest the store knows about.
func (s *MirrorStore) FileDigests(ctx context.Context, fn func(sha256 string) error) error {
	return s.streamDigests(ctx, "select_file_digests", fn)
}

func (s *MirrorStore) streamDigests(ctx context.Context, name string, fn func(string) error) error {
	const op = `datastore/postgres/Digests`
	var err error
	sel := newQuery(ctx, "mirror", name)
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL)
	if err != nil {
		return domainErr(op, "failed to query digests", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d string
		if err = rows.Scan(&d); err != nil {
			return domainErr(op, "failed to scan digest", err)
		}
		if err = fn(d); err != nil {
			return err
		}
	}
	if err = rows.Err(); err != nil {
		return domainErr(op, "error reading digests", err)
	}
	return nil
}

// FilterUnreferencedContent returns the subset of digests with no
// content_item row. Those pool blobs are orphans.
func (s *MirrorStore) FilterUnreferencedContent(ctx context.Context, digests []string) ([]string, error) {
	return s.filterUnreferenced(ctx, "filter_unreferenced_content", digests)
}

// FilterUnreferencedFiles is FilterUnreferencedContent for the file bucket.
func (s *MirrorStore) FilterUnreferencedFiles(ctx context.Context, digests []string) ([]string, error) {
	return s.filterUnreferenced(ctx, "filter_unreferenced_files", digests)
}

func (s *MirrorStore) filterUnreferenced(ctx context.Context, name string, digests []string) ([]string, error) {
	const op = `datastore/postgres/FilterUnreferenced`
	if len(digests) == 0 {
		return nil, nil
	}
	var err error
	sel := newQuery(ctx, "mirror", name)
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL, digests)
	if err != nil {
		return nil, domainErr(op, "failed to filter digests", err)
	}
	defer rows.Close()

	var orphans []string
	for rows.Next() {
		var d string
		if err = rows.Scan(&d); err != nil {
			return nil, domainErr(op, "failed to scan digest", err)
		}
		orphans = append(orphans, d)
	}
	if err = rows.Err(); err != nil {
		return nil, domainErr(op, "error reading digests", err)
	}
	return orphans, nil
}

// PruneContent deletes content items referenced by no repository and no
// snapshot. The blobs they addressed become pool orphans for the next
// reconcile walk.
func (s *MirrorStore) PruneContent(ctx context.Context) (int64, error) {
	return s.prune(ctx, "prune_content")
}

// PruneFiles is PruneContent for metadata blobs.
func (s *MirrorStore) PruneFiles(ctx context.Context) (int64, error) {
	return s.prune(ctx, "prune_files")
}

func (s *MirrorStore) prune(ctx context.Context, name string) (int64, error) {
	const op = `datastore/postgres/Prune`
	ctx = zlog.ContextWithValues(ctx, "component", op)
	var err error
	del := newQuery(ctx, "mirror", name)
	defer del.Start(&err)()
	tag, err := s.pool.Exec(ctx, del.SQL)
	if err != nil {
		return 0, domainErr(op, "failed to prune rows", err)
	}
	n := tag.RowsAffected()
	if n != 0 {
		zlog.Info(ctx).Str("query", name).Int64("rows", n).Msg("pruned unreferenced rows")
	}
	return n, nil
}

func (s *MirrorStore) Counts(ctx context.Context) (*datastore.Counts, error) {
	const op = `datastore/postgres/Counts`
	var (
		c   datastore.Counts
		err error
	)
	sel := newQuery(ctx, "mirror", "select_counts")
	defer sel.Start(&err)()
	err = s.pool.QueryRow(ctx, sel.SQL).Scan(
		&c.Repositories, &c.ContentItems, &c.Files, &c.Snapshots, &c.Views)
	if err != nil {
		return nil, domainErr(op, "failed to count rows", err)
	}
	return &c, nil
}
