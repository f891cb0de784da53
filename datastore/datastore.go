// Package datastore holds the interfaces for persisting the entity graph:
// repositories, content items, repository files, snapshots, views, and sync
// history.
//
// The canonical implementation backed by PostgreSQL lives in
// [github.com/slauger/chantal-sub001/datastore/postgres].
package datastore

import (
	"context"
	"time"

	chantal "github.com/slauger/chantal-sub001"
)

// Store is the interface for dealing with objects the mirroring engine needs
// to persist.
type Store interface {
	RepositoryStore
	ContentStore
	FileStore
	SnapshotStore
	ViewStore
	HistoryStore
	ReconcileStore
	// Close frees any resources associated with the Store.
	//
	// Consult the concrete type's documentation on whether any resources passed
	// need to be closed independently or not.
	Close(context.Context) error
}

// RepositoryStore manages repository rows.
//
// Repositories are materialized from configuration on first sync and are
// never removed implicitly; DeleteRepository is an explicit operation.
type RepositoryStore interface {
	// UpsertRepository creates or refreshes the repository row.
	//
	// Sync state (last_sync_at, fingerprint) is not clobbered on update; use
	// SetSyncState for that.
	UpsertRepository(context.Context, *chantal.Repository) error
	// Repository fetches one repository by ID.
	Repository(context.Context, string) (*chantal.Repository, error)
	// Repositories lists all known repositories ordered by ID.
	Repositories(context.Context) ([]*chantal.Repository, error)
	// DeleteRepository removes the repository, its junction rows, its
	// snapshots, and its sync history. Content rows and pool blobs stay; the
	// reconciler collects what becomes unreferenced.
	//
	// Deletion fails when one of the repository's snapshots is referenced by
	// a view snapshot.
	DeleteRepository(context.Context, string) error
	// SetSyncState records a successful sync: last_sync_at and the upstream
	// fingerprint used by cheap update checks.
	SetSyncState(ctx context.Context, id string, at time.Time, fingerprint string) error
}

// ContentStore manages content items and repository membership.
type ContentStore interface {
	// RegisterContent inserts the items and attaches them to the repository.
	//
	// Concurrent inserts of one sha256 collapse; metadata_json is refreshed
	// on re-ingest of a known sha256.
	RegisterContent(ctx context.Context, repoID string, items []*chantal.ContentItem) error
	// ReplaceMembers swaps the repository's membership to exactly the given
	// digests in one transaction. Rows for digests already attached are kept,
	// everything else is detached. Content rows themselves are untouched.
	ReplaceMembers(ctx context.Context, repoID string, digests []string) error
	// Members returns the repository's current content items.
	Members(ctx context.Context, repoID string) ([]*chantal.ContentItem, error)
	// MemberDigests streams the repository's member digests to fn, avoiding
	// materializing very large repositories.
	MemberDigests(ctx context.Context, repoID string, fn func(sha256 string) error) error
	// ContentItem fetches one item and the IDs of repositories referencing
	// it.
	ContentItem(ctx context.Context, sha256 string) (*chantal.ContentItem, []string, error)
	// SearchContent runs a dynamic query over content items.
	SearchContent(ctx context.Context, q *ContentQuery) ([]*chantal.ContentItem, error)
}

// FileStore manages repository metadata files.
type FileStore interface {
	// RegisterFiles inserts the file rows and attaches them to the
	// repository. Attributes are refreshed on re-ingest of a known sha256.
	RegisterFiles(ctx context.Context, repoID string, files []*chantal.RepositoryFile) error
	// ReplaceFiles swaps the repository's current file set to exactly the
	// given digests. Old file rows persist for snapshots that reference them.
	ReplaceFiles(ctx context.Context, repoID string, digests []string) error
	// Files returns the repository's current file set.
	Files(ctx context.Context, repoID string) ([]*chantal.RepositoryFile, error)
}

// SnapshotStore captures and serves immutable point-in-time selections.
type SnapshotStore interface {
	// CreateSnapshot freezes the repository's current membership under the
	// given name, in a single transaction. Names are unique per repository.
	CreateSnapshot(ctx context.Context, repoID, name, description string) (*chantal.Snapshot, error)
	// Snapshot fetches one snapshot by repository and name.
	Snapshot(ctx context.Context, repoID, name string) (*chantal.Snapshot, error)
	// SnapshotByID fetches one snapshot by the opaque ID recorded in a view
	// snapshot's member list.
	SnapshotByID(ctx context.Context, id string) (*chantal.Snapshot, error)
	// Snapshots lists a repository's snapshots, newest first.
	Snapshots(ctx context.Context, repoID string) ([]*chantal.Snapshot, error)
	// DeleteSnapshot removes the snapshot and its junction rows. Pool blobs
	// are untouched. Deletion fails while a view snapshot references it.
	DeleteSnapshot(ctx context.Context, repoID, name string) error
	// CopySnapshot clones a snapshot's membership into a new snapshot under
	// another repository of the same type. No pool bytes move.
	CopySnapshot(ctx context.Context, repoID, name, dstRepoID, dstName string) (*chantal.Snapshot, error)
	// SnapshotMembers returns the frozen content items.
	SnapshotMembers(ctx context.Context, id string) ([]*chantal.ContentItem, error)
	// SnapshotFiles returns the frozen repository files.
	SnapshotFiles(ctx context.Context, id string) ([]*chantal.RepositoryFile, error)
}

// ViewStore manages views and view snapshots.
type ViewStore interface {
	// UpsertView creates or updates a view and its ordered member list. All
	// members must exist and share the view's type.
	UpsertView(context.Context, *chantal.View) error
	// View fetches one view with members in order.
	View(ctx context.Context, name string) (*chantal.View, error)
	// Views lists all views.
	Views(ctx context.Context) ([]*chantal.View, error)
	// DeleteView removes the view, its member list, and its view snapshots.
	// Sibling repository snapshots stay.
	DeleteView(ctx context.Context, name string) error
	// CreateViewSnapshot creates one sibling snapshot per member repository,
	// all named like the view snapshot, plus the view snapshot row itself,
	// in one transaction. A member with zero content items fails the whole
	// creation unless allowEmpty is set, in which case it is skipped.
	CreateViewSnapshot(ctx context.Context, viewName, name, description string, allowEmpty bool) (*chantal.ViewSnapshot, error)
	// ViewSnapshot fetches one view snapshot by view and name.
	ViewSnapshot(ctx context.Context, viewName, name string) (*chantal.ViewSnapshot, error)
	// ViewSnapshots lists a view's snapshots, newest first.
	ViewSnapshots(ctx context.Context, viewName string) ([]*chantal.ViewSnapshot, error)
	// DeleteViewSnapshot removes the view snapshot row and its member
	// references. Sibling repository snapshots stay and become individually
	// deletable.
	DeleteViewSnapshot(ctx context.Context, viewName, name string) error
}

// HistoryStore is the append-only sync journal.
type HistoryStore interface {
	// RecordSyncStarted appends a running history row and returns its ID.
	RecordSyncStarted(ctx context.Context, repoID string) (int64, error)
	// RecordSyncFinished completes the row with the sync's outcome.
	RecordSyncFinished(ctx context.Context, id int64, res *chantal.SyncResult) error
	// SyncHistory lists a repository's sync attempts, newest first. A limit
	// of 0 means no limit.
	SyncHistory(ctx context.Context, repoID string, limit int) ([]*chantal.SyncResult, error)
}

// ReconcileStore serves the pool reconciler's reference queries.
type ReconcileStore interface {
	// ContentDigests streams every content item digest to fn.
	ContentDigests(ctx context.Context, fn func(sha256 string) error) error
	// FileDigests streams every repository file digest to fn.
	FileDigests(ctx context.Context, fn func(sha256 string) error) error
	// FilterUnreferencedContent returns the subset of digests that have no
	// content item row. Used batch-wise while walking the pool.
	FilterUnreferencedContent(ctx context.Context, digests []string) ([]string, error)
	// FilterUnreferencedFiles is FilterUnreferencedContent for the files
	// bucket.
	FilterUnreferencedFiles(ctx context.Context, digests []string) ([]string, error)
	// PruneContent deletes content item rows referenced by no repository and
	// no snapshot, reporting how many went away.
	PruneContent(ctx context.Context) (int64, error)
	// PruneFiles is PruneContent for repository files.
	PruneFiles(ctx context.Context) (int64, error)
	// Counts reports row counts for stats surfaces.
	Counts(ctx context.Context) (*Counts, error)
}

// ContentQuery selects content items. Zero values mean "no restriction".
type ContentQuery struct {
	// restrict to a repository's membership
	Repository string
	// with Repository, restrict to a snapshot of it instead of the live set
	Snapshot string
	// exact name match
	Name string
	// substring match on name, case-insensitive
	NamePattern   string
	Version       string
	Architectures []string
	// ecosystem tag, e.g. "rpm"
	Type    string
	MinSize int64
	MaxSize int64
	Limit   int
	Offset  int
}

// Counts is a row-count summary across the entity tables.
type Counts struct {
	Repositories int64 `json:"repositories"`
	ContentItems int64 `json:"content_items"`
	Files        int64 `json:"files"`
	Snapshots    int64 `json:"snapshots"`
	Views        int64 `json:"views"`
}
