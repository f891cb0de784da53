package alpine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/pool"
	"github.com/slauger/chantal-sub001/publish"
)

var _ publish.Publisher = (*Publisher)(nil)

// Publisher lays out apk repository trees.
type Publisher struct{}

// NewPublisher returns a Publisher.
func NewPublisher() *Publisher { return &Publisher{} }

// Type implements publish.Publisher.
func (*Publisher) Type() chantal.RepoType { return chantal.APK }

// Publish implements publish.Publisher.
//
// A single mirror-mode source publishes byte-identical to its upstream,
// signed APKINDEX.tar.gz included. Everything else regenerates one unsigned
// APKINDEX.tar.gz per architecture directory, keeping the records of
// published packages verbatim.
func (p *Publisher) Publish(ctx context.Context, t *publish.Tree, set *publish.Set) error {
	ctx = zlog.ContextWithValues(ctx, "component", "alpine/Publisher.Publish")
	if set.Mode == chantal.Mirror && len(set.Sources) == 1 {
		return p.mirror(ctx, t, &set.Sources[0])
	}
	return p.regenerate(ctx, t, set)
}

func (p *Publisher) mirror(ctx context.Context, t *publish.Tree, src *publish.Source) error {
	for i := range src.Items {
		it := &src.Items[i]
		if err := t.LinkContent(it.SHA256, itemLocation(&src.Repository.Ecosystem, it)); err != nil {
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

// itemLocation is the tree-relative path a payload publishes at: the upstream
// location when one was recorded, a branch/repository/arch placement built
// from the repository's configuration otherwise.
func itemLocation(eco *chantal.EcosystemConfig, it *chantal.ContentItem) string {
	var m struct {
		Location string `json:"location"`
	}
	if len(it.Metadata) != 0 {
		_ = json.Unmarshal(it.Metadata, &m)
	}
	if m.Location != "" {
		return m.Location
	}
	branch, repoName := eco.Branch, eco.Repository
	if branch == "" {
		branch = "edge"
	}
	if repoName == "" {
		repoName = "main"
	}
	arch := it.Architecture
	if arch == "" {
		arch = "x86_64"
	}
	return path.Join(branch, repoName, arch, it.Filename)
}

// apkState accumulates the regenerated indexes, one per architecture
// directory.
type apkState struct {
	cells map[string][][]byte
	descs map[string]string
}

func newApkState() *apkState {
	return &apkState{
		cells: make(map[string][][]byte),
		descs: make(map[string]string),
	}
}

func (p *Publisher) regenerate(ctx context.Context, t *publish.Tree, set *publish.Set) error {
	all := newApkState()
	for i := range set.Sources {
		if err := p.stageSource(ctx, t, &set.Sources[i], all); err != nil {
			return err
		}
	}
	return p.emitIndexes(ctx, t, set, all)
}

type keepSet struct {
	byPull map[string]*chantal.ContentItem
	byNVA  map[string]*chantal.ContentItem
}

func newKeepSet(items []chantal.ContentItem) *keepSet {
	ks := &keepSet{
		byPull: make(map[string]*chantal.ContentItem, len(items)),
		byNVA:  make(map[string]*chantal.ContentItem, len(items)),
	}
	for i := range items {
		it := &items[i]
		var m apkMetadata
		if len(it.Metadata) != 0 {
			_ = json.Unmarshal(it.Metadata, &m)
		}
		if m.PullChecksum != "" {
			ks.byPull[m.PullChecksum] = it
		}
		ks.byNVA[it.Name+"_"+it.Version+"_"+it.Architecture] = it
	}
	return ks
}

// match finds the published item an index record describes, by pull checksum
// when the record carries one and by name, version and architecture
// otherwise.
func (ks *keepSet) match(rec *Record) *chantal.ContentItem {
	if c := rec.Get('C'); c != "" {
		return ks.byPull[c]
	}
	return ks.byNVA[rec.Get('P')+"_"+rec.Get('V')+"_"+rec.Get('A')]
}

func (p *Publisher) stageSource(ctx context.Context, t *publish.Tree, src *publish.Source, all *apkState) error {
	ctx = zlog.ContextWithValues(ctx, "repository", src.Repository.ID)

	ks := newKeepSet(src.Items)
	for i := range src.Items {
		it := &src.Items[i]
		if err := t.LinkContent(it.SHA256, itemLocation(&src.Repository.Ecosystem, it)); err != nil {
			return err
		}
	}
	matched := make(map[string]bool, len(src.Items))

	for i := range src.Files {
		f := &src.Files[i]
		if f.Type != "apkindex" {
			zlog.Debug(ctx).
				Str("type", f.Type).
				Str("path", f.OriginalPath).
				Msg("dropping file the regenerated tree does not carry")
			continue
		}
		if err := p.filterIndex(ctx, t, f, ks, matched, all); err != nil {
			return err
		}
	}

	// payloads no stored index mentions, hosted uploads mostly
	for i := range src.Items {
		it := &src.Items[i]
		if matched[it.SHA256] {
			continue
		}
		dir := path.Dir(itemLocation(&src.Repository.Ecosystem, it))
		all.cells[dir] = append(all.cells[dir], synthRecord(it))
	}
	return nil
}

func (p *Publisher) filterIndex(ctx context.Context, t *publish.Tree, f *chantal.RepositoryFile, ks *keepSet, matched map[string]bool, all *apkState) error {
	blob, err := t.Pool().Open(pool.Files, f.SHA256)
	if err != nil {
		return err
	}
	defer blob.Close()
	raw, desc, err := OpenIndex(blob)
	if err != nil {
		return fmt.Errorf("alpine: stored index %s: %w", f.OriginalPath, err)
	}
	dir := path.Dir(f.OriginalPath)
	if _, ok := all.descs[dir]; !ok && desc.Text != "" {
		all.descs[dir] = desc.Text
	}
	return WalkRecords(bytes.NewReader(raw), func(rec *Record) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "alpine: filter index", Kind: chantal.ErrCancelled, Inner: err}
		}
		it := ks.match(rec)
		if it == nil {
			return nil
		}
		matched[it.SHA256] = true
		all.cells[dir] = append(all.cells[dir], rec.Raw)
		return nil
	})
}

func (p *Publisher) emitIndexes(ctx context.Context, t *publish.Tree, set *publish.Set, all *apkState) error {
	dirs := make([]string, 0, len(all.cells))
	for dir := range all.cells {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	var pkgs int
	for _, dir := range dirs {
		desc := all.descs[dir]
		if desc == "" && len(set.Sources) > 0 {
			desc = set.Sources[0].Repository.Name
		}
		var body bytes.Buffer
		for _, raw := range all.cells[dir] {
			body.Write(raw)
			body.WriteByte('\n')
		}
		pkgs += len(all.cells[dir])

		w, err := t.Create(path.Join(dir, "APKINDEX.tar.gz"))
		if err != nil {
			return err
		}
		err = WriteIndex(w, desc, body.Bytes())
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("alpine: writing %s index: %w", dir, err)
		}
	}
	zlog.Info(ctx).
		Int("indexes", len(dirs)).
		Int("packages", pkgs).
		Msg("apk indexes regenerated")
	return nil
}

// synthRecord builds the degraded index record for a payload without a
// stored upstream index, typically a hosted upload.
func synthRecord(it *chantal.ContentItem) []byte {
	var m apkMetadata
	if len(it.Metadata) != 0 {
		_ = json.Unmarshal(it.Metadata, &m)
	}
	var b bytes.Buffer
	f := func(k byte, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%c:%s\n", k, v)
		}
	}
	f('C', m.PullChecksum)
	f('P', it.Name)
	f('V', it.Version)
	f('A', it.Architecture)
	if it.Size != 0 {
		fmt.Fprintf(&b, "S:%d\n", it.Size)
	}
	if m.InstalledSize != 0 {
		fmt.Fprintf(&b, "I:%d\n", m.InstalledSize)
	}
	f('T', m.Description)
	f('U', m.URL)
	f('L', m.License)
	f('o', m.Origin)
	f('m', m.Maintainer)
	f('c', m.Commit)
	f('D', strings.Join(m.Dependencies, " "))
	f('p', strings.Join(m.Provides, " "))
	f('i', strings.Join(m.InstallIf, " "))
	return b.Bytes()
}
