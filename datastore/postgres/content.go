package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/internal/microbatch"
)

var emptyJSON = json.RawMessage(`{}`)

func metadataOrEmpty(m json.RawMessage) json.RawMessage {
	if len(m) == 0 {
		return emptyJSON
	}
	return m
}

func (s *MirrorStore) RegisterContent(ctx context.Context, repoID string, items []*chantal.ContentItem) error {
	const op = `datastore/postgres/RegisterContent`
	ctx = zlog.ContextWithValues(ctx, "component", op, "repository", repoID)
	if len(items) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domainErr(op, "failed to create transaction", err)
	}
	defer tx.Rollback(ctx)

	insertItem := newQuery(ctx, "mirror", "insert_content_item")
	itemStmt, err := tx.Prepare(ctx, "insertContentItem", insertItem.SQL)
	if err != nil {
		return domainErr(op, "failed to create statement", err)
	}
	end := insertItem.Start(&err)
	mBatcher := microbatch.NewInsert(tx, 500, time.Minute)
	for _, it := range items {
		if !chantal.ValidSHA256(it.SHA256) {
			err = &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "refusing to register invalid digest: " + it.SHA256}
			end()
			return err
		}
		err = mBatcher.Queue(ctx, itemStmt.SQL,
			it.SHA256, it.Filename, it.Size, it.ContentType,
			it.Name, it.Version, it.Architecture, metadataOrEmpty(it.Metadata))
		if err != nil {
			end()
			return domainErr(op, "batch insert failed for content item", err)
		}
	}
	err = mBatcher.Done(ctx)
	end()
	if err != nil {
		return domainErr(op, "final batch insert failed for content items", err)
	}

	insertLink := newQuery(ctx, "mirror", "insert_repository_content")
	linkStmt, err := tx.Prepare(ctx, "insertRepositoryContent", insertLink.SQL)
	if err != nil {
		return domainErr(op, "failed to create statement", err)
	}
	defer insertLink.Start(&err)()
	mBatcher = microbatch.NewInsert(tx, 500, time.Minute)
	for _, it := range items {
		err = mBatcher.Queue(ctx, linkStmt.SQL, repoID, it.SHA256)
		if err != nil {
			return domainErr(op, "batch insert failed for membership", err)
		}
	}
	err = mBatcher.Done(ctx)
	if err != nil {
		return domainErr(op, "final batch insert failed for membership", err)
	}

	err = tx.Commit(ctx)
	if err != nil {
		return domainErr(op, "failed to commit tx", err)
	}
	zlog.Debug(ctx).Int("count", len(items)).Msg("content items registered")
	return nil
}

func (s *MirrorStore) ReplaceMembers(ctx context.Context, repoID string, digests []string) error {
	const op = `datastore/postgres/ReplaceMembers`
	ctx = zlog.ContextWithValues(ctx, "component", op, "repository", repoID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domainErr(op, "failed to create transaction", err)
	}
	defer tx.Rollback(ctx)

	if digests == nil {
		digests = []string{}
	}
	del := newQuery(ctx, "mirror", "replace_members_delete")
	end := del.Start(&err)
	tag, err := tx.Exec(ctx, del.SQL, repoID, digests)
	end()
	if err != nil {
		return domainErr(op, "failed to detach stale members", err)
	}

	ins := newQuery(ctx, "mirror", "replace_members_insert")
	defer ins.Start(&err)()
	_, err = tx.Exec(ctx, ins.SQL, repoID, digests)
	if err != nil {
		return domainErr(op, "failed to attach members", err)
	}

	err = tx.Commit(ctx)
	if err != nil {
		return domainErr(op, "failed to commit tx", err)
	}
	zlog.Debug(ctx).
		Int("members", len(digests)).
		Int64("detached", tag.RowsAffected()).
		Msg("membership replaced")
	return nil
}

func (s *MirrorStore) Members(ctx context.Context, repoID string) ([]*chantal.ContentItem, error) {
	const op = `datastore/postgres/Members`
	var err error
	sel := newQuery(ctx, "mirror", "select_members")
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL, repoID)
	if err != nil {
		return nil, domainErr(op, "failed to query members", err)
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
		return nil, domainErr(op, "error reading members", err)
	}
	return out, nil
}

func (s *MirrorStore) MemberDigests(ctx context.Context, repoID string, fn func(sha256 string) error) error {
	const op = `datastore/postgres/MemberDigests`
	var err error
	sel := newQuery(ctx, "mirror", "select_member_digests")
	defer sel.Start(&err)()
	rows, err := s.pool.Query(ctx, sel.SQL, repoID)
	if err != nil {
		return domainErr(op, "failed to query member digests", err)
	}
	defer rows.Close()

	var d string
	for rows.Next() {
		if err = rows.Scan(&d); err != nil {
			return domainErr(op, "failed to scan digest", err)
		}
		if err = fn(d); err != nil {
			return err
		}
	}
	if err = rows.Err(); err != nil {
		return domainErr(op, "error reading member digests", err)
	}
	return nil
}

func (s *MirrorStore) ContentItem(ctx context.Context, sha256 string) (*chantal.ContentItem, []string, error) {
	const op = `datastore/postgres/ContentItem`
	var (
		it  chantal.ContentItem
		err error
	)
	sel := newQuery(ctx, "mirror", "select_content_item")
	end := sel.Start(&err)
	err = s.pool.QueryRow(ctx, sel.SQL, sha256).Scan(
		&it.SHA256, &it.Filename, &it.Size, &it.ContentType,
		&it.Name, &it.Version, &it.Architecture, &it.Metadata)
	end()
	if err != nil {
		return nil, nil, domainErr(op, "failed to retrieve content item", err)
	}

	refs := newQuery(ctx, "mirror", "select_content_refs")
	defer refs.Start(&err)()
	rows, err := s.pool.Query(ctx, refs.SQL, sha256)
	if err != nil {
		return nil, nil, domainErr(op, "failed to query references", err)
	}
	defer rows.Close()
	var repos []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, nil, domainErr(op, "failed to scan reference", err)
		}
		repos = append(repos, id)
	}
	if err = rows.Err(); err != nil {
		return nil, nil, domainErr(op, "error reading references", err)
	}
	return &it, repos, nil
}
