package libmirror

import (
	"context"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/publish"
)

// PublishRepository emits the repository's current membership as a
// web-servable tree at target, in the repository's mode. The swap into place
// is atomic; a failed publish leaves any previous tree untouched.
func (m *Mirror) PublishRepository(ctx context.Context, repoID, target string) error {
	const op = `libmirror/Mirror.PublishRepository`
	ctx = zlog.ContextWithValues(ctx,
		"component", "libmirror/Mirror.PublishRepository",
		"repository", repoID,
		"target", target)
	repo, err := m.store.Repository(ctx, repoID)
	if err != nil {
		return err
	}
	src, err := m.liveSource(ctx, repo)
	if err != nil {
		return err
	}
	set := &publish.Set{Mode: repo.Mode, Sources: []publish.Source{*src}}
	return m.runPublish(ctx, op, repo.Type, target, set)
}

// PublishSnapshot emits a frozen membership at target, in the repository's
// mode.
func (m *Mirror) PublishSnapshot(ctx context.Context, repoID, snapName, target string) error {
	const op = `libmirror/Mirror.PublishSnapshot`
	ctx = zlog.ContextWithValues(ctx,
		"component", "libmirror/Mirror.PublishSnapshot",
		"repository", repoID,
		"snapshot", snapName,
		"target", target)
	repo, err := m.store.Repository(ctx, repoID)
	if err != nil {
		return err
	}
	snap, err := m.store.Snapshot(ctx, repoID, snapName)
	if err != nil {
		return err
	}
	src, err := m.frozenSource(ctx, repo, snap.ID)
	if err != nil {
		return err
	}
	set := &publish.Set{Mode: repo.Mode, Sources: []publish.Source{*src}}
	return m.runPublish(ctx, op, repo.Type, target, set)
}

// PublishView emits the view's members merged into one tree at target, in
// member order. An empty snapName publishes the members' live memberships;
// otherwise the sibling snapshots frozen under snapName are published.
//
// Views always publish with regenerated indexes, whatever the members'
// modes: merged upstream metadata cannot be preserved verbatim.
func (m *Mirror) PublishView(ctx context.Context, viewName, snapName, target string) error {
	const op = `libmirror/Mirror.PublishView`
	ctx = zlog.ContextWithValues(ctx,
		"component", "libmirror/Mirror.PublishView",
		"view", viewName,
		"target", target)
	view, err := m.store.View(ctx, viewName)
	if err != nil {
		return err
	}

	var sources []publish.Source
	if snapName == "" {
		for _, repoID := range view.Members {
			repo, err := m.store.Repository(ctx, repoID)
			if err != nil {
				return err
			}
			src, err := m.liveSource(ctx, repo)
			if err != nil {
				return err
			}
			sources = append(sources, *src)
		}
	} else {
		vs, err := m.store.ViewSnapshot(ctx, viewName, snapName)
		if err != nil {
			return err
		}
		// The frozen member list, not the view's current one: members
		// added or removed since the freeze do not change what this
		// publishes.
		for _, sid := range vs.Snapshots {
			snap, err := m.store.SnapshotByID(ctx, sid)
			if err != nil {
				return err
			}
			repo, err := m.store.Repository(ctx, snap.RepositoryID)
			if err != nil {
				return err
			}
			src, err := m.frozenSource(ctx, repo, sid)
			if err != nil {
				return err
			}
			sources = append(sources, *src)
		}
	}

	set := &publish.Set{Mode: chantal.Filtered, Sources: sources}
	return m.runPublish(ctx, op, view.Type, target, set)
}

// Unpublish removes the published tree at target. The tree is renamed aside
// before removal, so readers never see a half-deleted tree.
func (m *Mirror) Unpublish(ctx context.Context, target string) error {
	const op = `libmirror/Mirror.Unpublish`
	lctx, done := m.locker.TryLock(ctx, "publish:"+target)
	defer done()
	if err := lctx.Err(); err != nil {
		if ctx.Err() != nil {
			return &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: ctx.Err()}
		}
		return &chantal.Error{Op: op, Kind: chantal.ErrLockTimeout, Message: "publish already running for " + target}
	}
	return publish.Unpublish(lctx, target)
}

// liveSource resolves a repository's current membership.
func (m *Mirror) liveSource(ctx context.Context, repo *chantal.Repository) (*publish.Source, error) {
	items, err := m.store.Members(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	files, err := m.store.Files(ctx, repo.ID)
	if err != nil {
		return nil, err
	}
	return &publish.Source{Repository: repo, Items: asItems(items), Files: asFiles(files)}, nil
}

// frozenSource resolves a snapshot's membership.
func (m *Mirror) frozenSource(ctx context.Context, repo *chantal.Repository, snapID string) (*publish.Source, error) {
	items, err := m.store.SnapshotMembers(ctx, snapID)
	if err != nil {
		return nil, err
	}
	files, err := m.store.SnapshotFiles(ctx, snapID)
	if err != nil {
		return nil, err
	}
	return &publish.Source{Repository: repo, Items: asItems(items), Files: asFiles(files)}, nil
}

// runPublish serializes on the target path and hands the set to the
// registry.
func (m *Mirror) runPublish(ctx context.Context, op string, typ chantal.RepoType, target string, s *publish.Set) error {
	lctx, done := m.locker.TryLock(ctx, "publish:"+target)
	defer done()
	if err := lctx.Err(); err != nil {
		if ctx.Err() != nil {
			return &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: ctx.Err()}
		}
		return &chantal.Error{Op: op, Kind: chantal.ErrLockTimeout, Message: "publish already running for " + target}
	}
	return m.publishers.Run(lctx, m.pool, typ, target, s)
}
