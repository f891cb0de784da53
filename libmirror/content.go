package libmirror

import (
	"context"
	"io"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/datastore"
	"github.com/slauger/chantal-sub001/sbom"
)

// ListContent reports the current membership of one repository.
func (m *Mirror) ListContent(ctx context.Context, repoID string) ([]*chantal.ContentItem, error) {
	return m.store.Members(ctx, repoID)
}

// SearchContent queries content items across all repositories.
func (m *Mirror) SearchContent(ctx context.Context, q *datastore.ContentQuery) ([]*chantal.ContentItem, error) {
	return m.store.SearchContent(ctx, q)
}

// ShowContent fetches one content item by digest, along with the IDs of the
// repositories whose membership includes it.
func (m *Mirror) ShowContent(ctx context.Context, sha256 string) (*chantal.ContentItem, []string, error) {
	return m.store.ContentItem(ctx, sha256)
}

// SBOMRef names what to export: a repository's live membership, or the
// membership frozen in one of its snapshots.
type SBOMRef struct {
	Repository string
	// Snapshot is the snapshot name within the repository. Empty exports
	// the live membership.
	Snapshot string
}

// ExportSBOM writes a software bill of materials for the referenced
// membership to w.
func (m *Mirror) ExportSBOM(ctx context.Context, w io.Writer, ref SBOMRef) error {
	const op = `libmirror/Mirror.ExportSBOM`
	if ref.Repository == "" {
		return &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "no repository named"}
	}
	repo, err := m.store.Repository(ctx, ref.Repository)
	if err != nil {
		return err
	}
	var items []*chantal.ContentItem
	if ref.Snapshot != "" {
		snap, err := m.store.Snapshot(ctx, ref.Repository, ref.Snapshot)
		if err != nil {
			return err
		}
		items, err = m.store.SnapshotMembers(ctx, snap.ID)
		if err != nil {
			return err
		}
	} else {
		items, err = m.store.Members(ctx, ref.Repository)
		if err != nil {
			return err
		}
	}
	in := &sbom.Input{
		Repository: repo,
		Snapshot:   ref.Snapshot,
		Items:      asItems(items),
	}
	return m.sbom.Encode(ctx, w, in)
}
