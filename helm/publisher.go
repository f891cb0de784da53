package helm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/publish"
)

var _ publish.Publisher = (*Publisher)(nil)

// Publisher lays out chart repository trees.
type Publisher struct{}

// NewPublisher returns a Publisher.
func NewPublisher() *Publisher { return &Publisher{} }

// Type implements publish.Publisher.
func (*Publisher) Type() chantal.RepoType { return chantal.Helm }

// Publish implements publish.Publisher.
//
// A single mirror-mode source publishes the upstream index.yaml verbatim,
// with chart payloads at the locations its urls expect. Everything else
// publishes a flat tree and regenerates index.yaml from the published items:
// digests recomputed from the stored sha256, urls root-relative, created
// stamped at publish time.
func (p *Publisher) Publish(ctx context.Context, t *publish.Tree, set *publish.Set) error {
	ctx = zlog.ContextWithValues(ctx, "component", "helm/Publisher.Publish")
	if set.Mode == chantal.Mirror && len(set.Sources) == 1 {
		return p.mirror(ctx, t, &set.Sources[0])
	}
	return p.regenerate(ctx, t, set)
}

func (p *Publisher) mirror(ctx context.Context, t *publish.Tree, src *publish.Source) error {
	for i := range src.Items {
		it := &src.Items[i]
		if err := t.LinkContent(it.SHA256, itemLocation(it)); err != nil {
			return err
		}
	}
	for i := range src.Files {
		f := &src.Files[i]
		if err := t.LinkFile(f.SHA256, f.OriginalPath); err != nil {
			return err
		}
	}
	zlog.Info(ctx).
		Int("items", len(src.Items)).
		Int("files", len(src.Files)).
		Msg("upstream tree mirrored")
	return nil
}

// itemLocation is the tree-relative path a payload publishes at in mirror
// mode: the upstream-relative url path when one was recorded, the bare
// filename otherwise.
func itemLocation(it *chantal.ContentItem) string {
	var m struct {
		Location string `json:"location"`
	}
	if len(it.Metadata) != 0 {
		_ = json.Unmarshal(it.Metadata, &m)
	}
	if m.Location != "" {
		return m.Location
	}
	return it.Filename
}

func (p *Publisher) regenerate(ctx context.Context, t *publish.Tree, set *publish.Set) error {
	now := time.Now().UTC()
	idx := &Index{
		APIVersion: "v1",
		Generated:  now,
		Entries:    make(map[string][]*ChartVersion),
	}
	seen := make(map[string]bool)
	for i := range set.Sources {
		src := &set.Sources[i]
		for j := range src.Items {
			it := &src.Items[j]
			if err := t.LinkContent(it.SHA256, it.Filename); err != nil {
				return err
			}
			// view members sharing a chart contribute one entry
			if seen[it.SHA256] {
				continue
			}
			seen[it.SHA256] = true
			idx.Entries[it.Name] = append(idx.Entries[it.Name], chartEntry(it, now))
		}
	}
	for name := range idx.Entries {
		vs := idx.Entries[name]
		sort.SliceStable(vs, func(i, j int) bool {
			return compareVersions(vs[i].Version, vs[j].Version) > 0
		})
	}

	w, err := t.Create("index.yaml")
	if err != nil {
		return err
	}
	err = WriteIndex(w, idx)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("helm: writing index.yaml: %w", err)
	}
	zlog.Info(ctx).
		Int("charts", len(idx.Entries)).
		Int("versions", len(seen)).
		Msg("chart index regenerated")
	return nil
}

// chartEntry rebuilds the index entry for one published chart.
func chartEntry(it *chantal.ContentItem, now time.Time) *ChartVersion {
	var m helmMetadata
	if len(it.Metadata) != 0 {
		_ = json.Unmarshal(it.Metadata, &m)
	}
	return &ChartVersion{
		Name:        it.Name,
		Version:     it.Version,
		AppVersion:  m.AppVersion,
		Description: m.Description,
		APIVersion:  m.APIVersion,
		Type:        m.ChartType,
		KubeVersion: m.KubeVersion,
		Created:     now,
		Digest:      it.SHA256,
		URLs:        []string{it.Filename},
		Home:        m.Home,
		Icon:        m.Icon,
		Keywords:    m.Keywords,
		Annotations: m.Annotations,
		Deprecated:  m.Deprecated,
	}
}
