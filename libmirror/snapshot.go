package libmirror

import (
	"context"
	"slices"
	"strings"

	chantal "github.com/slauger/chantal-sub001"
)

// CreateSnapshot freezes the repository's current membership under name.
// Names are unique within a repository.
func (m *Mirror) CreateSnapshot(ctx context.Context, repoID, name, description string) (*chantal.Snapshot, error) {
	return m.store.CreateSnapshot(ctx, repoID, name, description)
}

// CreateViewSnapshot freezes every member of the view as a sibling snapshot
// named like the view snapshot, atomically. A member with no content fails
// the creation unless allowEmpty is set, in which case it is skipped.
func (m *Mirror) CreateViewSnapshot(ctx context.Context, viewName, name, description string, allowEmpty bool) (*chantal.ViewSnapshot, error) {
	return m.store.CreateViewSnapshot(ctx, viewName, name, description, allowEmpty)
}

// CopySnapshot promotes a frozen membership into another repository of the
// same type under a new name. Only database rows are written; no pool bytes
// move.
func (m *Mirror) CopySnapshot(ctx context.Context, repoID, name, targetRepoID, targetName string) (*chantal.Snapshot, error) {
	return m.store.CopySnapshot(ctx, repoID, name, targetRepoID, targetName)
}

// DeleteSnapshot removes the snapshot's rows. Pool blobs stay until the
// reconciler collects them. Deletion fails while a view snapshot references
// the snapshot.
func (m *Mirror) DeleteSnapshot(ctx context.Context, repoID, name string) error {
	return m.store.DeleteSnapshot(ctx, repoID, name)
}

// DeleteViewSnapshot removes the view snapshot row. The sibling repository
// snapshots stay and become individually deletable.
func (m *Mirror) DeleteViewSnapshot(ctx context.Context, viewName, name string) error {
	return m.store.DeleteViewSnapshot(ctx, viewName, name)
}

// DiffSnapshots compares two snapshots a and b of one repository.
//
// Items present in b only are added, items present in a only are removed,
// and an added/removed pair sharing name and architecture but differing in
// version reports as updated instead, pairing newest with newest by the
// ecosystem's ordering. Pairs read in argument order: an upgrade when b is
// the later snapshot, a downgrade when the arguments are flipped.
func (m *Mirror) DiffSnapshots(ctx context.Context, repoID, a, b string) (*chantal.SnapshotDiff, error) {
	sa, err := m.store.Snapshot(ctx, repoID, a)
	if err != nil {
		return nil, err
	}
	sb, err := m.store.Snapshot(ctx, repoID, b)
	if err != nil {
		return nil, err
	}
	ma, err := m.store.SnapshotMembers(ctx, sa.ID)
	if err != nil {
		return nil, err
	}
	mb, err := m.store.SnapshotMembers(ctx, sb.ID)
	if err != nil {
		return nil, err
	}

	cmp := strings.Compare
	if repo, err := m.store.Repository(ctx, repoID); err == nil {
		if p, err := m.parsers.Get(repo.Type); err == nil {
			cmp = p.Compare
		}
	}
	return diffMembers(ma, mb, cmp), nil
}

// diffMembers computes the diff of two member sets. Identity is the sha256;
// items in both sets never appear in the output.
func diffMembers(a, b []*chantal.ContentItem, cmp func(x, y string) int) *chantal.SnapshotDiff {
	type key struct{ name, arch string }
	seenA := make(map[string]bool, len(a))
	for _, it := range a {
		seenA[it.SHA256] = true
	}
	seenB := make(map[string]bool, len(b))
	for _, it := range b {
		seenB[it.SHA256] = true
	}

	var exA, exB []*chantal.ContentItem
	for _, it := range a {
		if !seenB[it.SHA256] {
			exA = append(exA, it)
		}
	}
	for _, it := range b {
		if !seenA[it.SHA256] {
			exB = append(exB, it)
		}
	}

	groupA := make(map[key][]*chantal.ContentItem)
	for _, it := range exA {
		k := key{it.Name, it.Architecture}
		groupA[k] = append(groupA[k], it)
	}
	groupB := make(map[key][]*chantal.ContentItem)
	for _, it := range exB {
		k := key{it.Name, it.Architecture}
		groupB[k] = append(groupB[k], it)
	}
	newestFirst := func(items []*chantal.ContentItem) {
		slices.SortFunc(items, func(x, y *chantal.ContentItem) int {
			return cmp(y.Version, x.Version)
		})
	}

	d := &chantal.SnapshotDiff{}
	paired := make(map[*chantal.ContentItem]bool)
	done := make(map[key]bool)
	for _, it := range exA {
		k := key{it.Name, it.Architecture}
		if done[k] {
			continue
		}
		done[k] = true
		as, bs := groupA[k], groupB[k]
		newestFirst(as)
		newestFirst(bs)
		n := min(len(as), len(bs))
		for i := 0; i < n; i++ {
			if cmp(as[i].Version, bs[i].Version) == 0 {
				// same version, different bytes; a rebuild, not an update
				d.Removed = append(d.Removed, as[i])
				continue
			}
			paired[bs[i]] = true
			d.Updated = append(d.Updated, chantal.DiffPair{A: as[i], B: bs[i]})
		}
		d.Removed = append(d.Removed, as[n:]...)
	}
	for _, it := range exB {
		if !paired[it] {
			d.Added = append(d.Added, it)
		}
	}
	return d
}
