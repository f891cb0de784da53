package debian

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/quay/zlog"
	"golang.org/x/crypto/openpgp/clearsign"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/internal/zreader"
	"github.com/slauger/chantal-sub001/pool"
	"github.com/slauger/chantal-sub001/publish"
)

var _ publish.Publisher = (*Publisher)(nil)

// Publisher lays out apt repository trees.
type Publisher struct{}

// NewPublisher returns a Publisher.
func NewPublisher() *Publisher { return &Publisher{} }

// Type implements publish.Publisher.
func (*Publisher) Type() chantal.RepoType { return chantal.Deb }

// Publish implements publish.Publisher.
//
// A single mirror-mode source publishes byte-identical to its upstream:
// payloads land at their upstream pool locations and every stored index,
// signatures included, lands at its original path. Everything else
// regenerates Packages, Sources and Release from the stored upstream indexes,
// keeping only the published packages; the regenerated Release is unsigned.
func (p *Publisher) Publish(ctx context.Context, t *publish.Tree, set *publish.Set) error {
	ctx = zlog.ContextWithValues(ctx, "component", "debian/Publisher.Publish")
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

// itemLocation is the tree-relative path a payload publishes at: the upstream
// Filename when one was recorded, a canonical pool path otherwise.
func itemLocation(it *chantal.ContentItem) string {
	var m struct {
		Component string `json:"component"`
		Source    string `json:"source"`
		Location  string `json:"location"`
	}
	if len(it.Metadata) != 0 {
		_ = json.Unmarshal(it.Metadata, &m)
	}
	if m.Location != "" {
		return m.Location
	}
	return poolPath(m.Component, m.Source, it.Name, it.Filename)
}

// poolPath is the dpkg pool placement for a payload without an upstream
// location.
func poolPath(component, source, name, filename string) string {
	if component == "" {
		component = "main"
	}
	src := source
	if src == "" {
		src = name
	}
	// "Source: foo (1.2)" spells an unmatched source version
	if i := strings.IndexByte(src, ' '); i != -1 {
		src = src[:i]
	}
	if src == "" {
		src = "unknown"
	}
	letter := src[:1]
	if strings.HasPrefix(src, "lib") && len(src) > 3 {
		letter = src[:4]
	}
	return path.Join("pool", component, letter, src, filename)
}

type cellKey struct {
	component, arch string
}

// aptState accumulates the regenerated indexes across the set's sources.
type aptState struct {
	origin, label, suite, codename string
	// kept Packages stanzas per component and architecture
	cells map[cellKey][][]byte
	// kept Sources stanzas per component
	sources map[string][][]byte
}

func newAptState() *aptState {
	return &aptState{
		cells:   make(map[cellKey][][]byte),
		sources: make(map[string][][]byte),
	}
}

func (st *aptState) addPackage(comp, arch string, raw []byte) {
	k := cellKey{comp, arch}
	st.cells[k] = append(st.cells[k], raw)
}

func (st *aptState) addSource(comp string, raw []byte) {
	st.sources[comp] = append(st.sources[comp], raw)
}

func (p *Publisher) regenerate(ctx context.Context, t *publish.Tree, set *publish.Set) error {
	all := newAptState()
	for i := range set.Sources {
		if err := p.stageSource(ctx, t, &set.Sources[i], all); err != nil {
			return err
		}
	}
	return p.emitIndexes(ctx, t, set, all)
}

// keepSet indexes the published payloads of one source for stanza matching.
type keepSet struct {
	bySum map[string]*chantal.ContentItem
	byNVA map[string]*chantal.ContentItem
}

func newKeepSet(items []chantal.ContentItem) *keepSet {
	ks := &keepSet{
		bySum: make(map[string]*chantal.ContentItem, len(items)),
		byNVA: make(map[string]*chantal.ContentItem, len(items)),
	}
	for i := range items {
		it := &items[i]
		ks.bySum[it.SHA256] = it
		ks.byNVA[nvaKey(it.Name, it.Version, it.Architecture)] = it
	}
	return ks
}

func nvaKey(name, ver, arch string) string {
	return name + "_" + ver + "_" + arch
}

// match finds the published item a Packages stanza describes, by sha256 when
// the stanza carries one and by name, version and architecture otherwise.
func (ks *keepSet) match(s *Stanza) *chantal.ContentItem {
	if sum := strings.ToLower(s.Get("SHA256")); sum != "" {
		return ks.bySum[sum]
	}
	return ks.byNVA[nvaKey(s.Get("Package"), s.Get("Version"), s.Get("Architecture"))]
}

func (p *Publisher) stageSource(ctx context.Context, t *publish.Tree, src *publish.Source, all *aptState) error {
	ctx = zlog.ContextWithValues(ctx, "repository", src.Repository.ID)

	ks := newKeepSet(src.Items)
	for i := range src.Items {
		it := &src.Items[i]
		if err := t.LinkContent(it.SHA256, itemLocation(it)); err != nil {
			return err
		}
	}
	matched := make(map[string]bool, len(src.Items))

	for i := range src.Files {
		f := &src.Files[i]
		switch f.Type {
		case "packages":
			comp, arch, ok := packagesCell(f.OriginalPath)
			if !ok {
				zlog.Warn(ctx).Str("path", f.OriginalPath).Msg("unrecognized Packages path; dropping")
				continue
			}
			if err := p.filterPackages(ctx, t, f, ks, matched, all, comp, arch); err != nil {
				return err
			}
		case "sources":
			comp, ok := sourcesCell(f.OriginalPath)
			if !ok {
				zlog.Warn(ctx).Str("path", f.OriginalPath).Msg("unrecognized Sources path; dropping")
				continue
			}
			if err := p.filterSources(ctx, t, f, ks, matched, all, comp); err != nil {
				return err
			}
		case "release", "inrelease":
			p.noteRelease(ctx, t, f, all)
		case "release.gpg":
			zlog.Debug(ctx).
				Str("path", f.OriginalPath).
				Msg("dropping detached signature; the regenerated release is unsigned")
		default:
			zlog.Debug(ctx).
				Str("type", f.Type).
				Str("path", f.OriginalPath).
				Msg("dropping index the regenerated tree does not carry")
		}
	}

	// payloads no stored index mentions, hosted uploads mostly
	grouped := make(map[string][]*chantal.ContentItem)
	var order []string
	for i := range src.Items {
		it := &src.Items[i]
		if matched[it.SHA256] {
			continue
		}
		if it.Architecture == "source" {
			k := it.Name + "_" + it.Version + "_" + path.Dir(itemLocation(it))
			if _, ok := grouped[k]; !ok {
				order = append(order, k)
			}
			grouped[k] = append(grouped[k], it)
			continue
		}
		comp, arch := itemCell(it)
		all.addPackage(comp, arch, packageStanza(it))
	}
	for _, k := range order {
		items := grouped[k]
		comp, _ := itemCell(items[0])
		all.addSource(comp, sourceStanza(items))
	}
	return nil
}

// packagesCell extracts the component and architecture a stored Packages
// index describes from its upstream path layout,
// dists/<suite>/<component>/binary-<arch>/Packages[.gz].
func packagesCell(p string) (component, arch string, ok bool) {
	parts := strings.Split(path.Clean(p), "/")
	if len(parts) < 5 || parts[0] != "dists" {
		return "", "", false
	}
	bin := parts[len(parts)-2]
	if !strings.HasPrefix(bin, "binary-") {
		return "", "", false
	}
	return strings.Join(parts[2:len(parts)-2], "/"), strings.TrimPrefix(bin, "binary-"), true
}

// sourcesCell does the same for dists/<suite>/<component>/source/Sources[.gz].
func sourcesCell(p string) (component string, ok bool) {
	parts := strings.Split(path.Clean(p), "/")
	if len(parts) < 5 || parts[0] != "dists" || parts[len(parts)-2] != "source" {
		return "", false
	}
	return strings.Join(parts[2:len(parts)-2], "/"), true
}

// itemCell buckets a payload by the component recorded at sync time and its
// architecture.
func itemCell(it *chantal.ContentItem) (component, arch string) {
	var m struct {
		Component string `json:"component"`
	}
	if len(it.Metadata) != 0 {
		_ = json.Unmarshal(it.Metadata, &m)
	}
	component = m.Component
	if component == "" {
		component = "main"
	}
	arch = it.Architecture
	if arch == "" {
		arch = "all"
	}
	return component, arch
}

func (p *Publisher) filterPackages(ctx context.Context, t *publish.Tree, f *chantal.RepositoryFile, ks *keepSet, matched map[string]bool, all *aptState, comp, arch string) error {
	blob, err := t.Pool().Open(pool.Files, f.SHA256)
	if err != nil {
		return err
	}
	defer blob.Close()
	z, err := zreader.Reader(blob)
	if err != nil {
		return fmt.Errorf("debian: decompressing %s: %w", f.OriginalPath, err)
	}
	defer z.Close()
	return WalkStanzas(z, func(s *Stanza) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "debian: filter packages", Kind: chantal.ErrCancelled, Inner: err}
		}
		it := ks.match(s)
		if it == nil {
			return nil
		}
		matched[it.SHA256] = true
		all.addPackage(comp, arch, s.Raw)
		return nil
	})
}

// filterSources keeps a Sources stanza iff every file it lists is published.
// A stanza surviving with some files missing would describe an unfetchable
// source package.
func (p *Publisher) filterSources(ctx context.Context, t *publish.Tree, f *chantal.RepositoryFile, ks *keepSet, matched map[string]bool, all *aptState, comp string) error {
	blob, err := t.Pool().Open(pool.Files, f.SHA256)
	if err != nil {
		return err
	}
	defer blob.Close()
	z, err := zreader.Reader(blob)
	if err != nil {
		return fmt.Errorf("debian: decompressing %s: %w", f.OriginalPath, err)
	}
	defer z.Close()
	return WalkStanzas(z, func(s *Stanza) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "debian: filter sources", Kind: chantal.ErrCancelled, Inner: err}
		}
		sums, err := parseSums(s.Get("Checksums-Sha256"))
		if err != nil || len(sums) == 0 {
			zlog.Debug(ctx).
				Str("package", s.Get("Package")).
				Msg("source stanza without a sha256 table; dropping")
			return nil
		}
		items := make([]*chantal.ContentItem, 0, len(sums))
		for _, fs := range sums {
			it, ok := ks.bySum[fs.Sum]
			if !ok {
				return nil
			}
			items = append(items, it)
		}
		for _, it := range items {
			matched[it.SHA256] = true
		}
		all.addSource(comp, s.Raw)
		return nil
	})
}

// noteRelease salvages the descriptive fields of the first stored Release so
// the regenerated document keeps the upstream's identity.
func (p *Publisher) noteRelease(ctx context.Context, t *publish.Tree, f *chantal.RepositoryFile, all *aptState) {
	if all.suite != "" || all.codename != "" {
		return
	}
	blob, err := t.Pool().Open(pool.Files, f.SHA256)
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("path", f.OriginalPath).Msg("unreadable stored release")
		return
	}
	defer blob.Close()
	raw, err := io.ReadAll(blob)
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("path", f.OriginalPath).Msg("unreadable stored release")
		return
	}
	if f.Type == "inrelease" {
		if b, _ := clearsign.Decode(raw); b != nil {
			raw = b.Plaintext
		}
	}
	rel, err := ParseRelease(bytes.NewReader(raw))
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("path", f.OriginalPath).Msg("unparseable stored release")
		return
	}
	all.origin, all.label = rel.Origin, rel.Label
	all.suite, all.codename = rel.Suite, rel.Codename
}

func (p *Publisher) emitIndexes(ctx context.Context, t *publish.Tree, set *publish.Set, all *aptState) error {
	suite := suiteOf(set, all)
	distRoot := path.Join("dists", suite)
	codename := all.codename
	if codename == "" {
		codename = suite
	}
	origin := all.origin
	if origin == "" && len(set.Sources) > 0 {
		origin = set.Sources[0].Repository.Name
	}
	rel := &Release{
		Origin:   origin,
		Label:    all.label,
		Suite:    suite,
		Codename: codename,
		Date:     time.Now().UTC().Format(time.RFC1123),
	}

	keys := make([]cellKey, 0, len(all.cells))
	for k := range all.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].component != keys[j].component {
			return keys[i].component < keys[j].component
		}
		return keys[i].arch < keys[j].arch
	})
	comps := make(map[string]struct{})
	arches := make(map[string]struct{})
	var pkgs int
	for _, k := range keys {
		comps[k.component] = struct{}{}
		arches[k.arch] = struct{}{}
		pkgs += len(all.cells[k])
		body := bytes.Join(all.cells[k], []byte("\n"))
		base := path.Join(k.component, "binary-"+k.arch, "Packages")
		if err := p.emit(t, rel, distRoot, base, body); err != nil {
			return err
		}
		if err := p.emit(t, rel, distRoot, base+".gz", gzBody(body)); err != nil {
			return err
		}
	}

	srcComps := make([]string, 0, len(all.sources))
	for comp := range all.sources {
		srcComps = append(srcComps, comp)
	}
	sort.Strings(srcComps)
	for _, comp := range srcComps {
		comps[comp] = struct{}{}
		body := bytes.Join(all.sources[comp], []byte("\n"))
		base := path.Join(comp, "source", "Sources")
		if err := p.emit(t, rel, distRoot, base, body); err != nil {
			return err
		}
		if err := p.emit(t, rel, distRoot, base+".gz", gzBody(body)); err != nil {
			return err
		}
	}

	rel.Components = sortedKeys(comps)
	rel.Architectures = sortedKeys(arches)

	w, err := t.Create(path.Join(distRoot, "Release"))
	if err != nil {
		return err
	}
	err = WriteRelease(w, rel)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("debian: writing Release: %w", err)
	}
	zlog.Info(ctx).
		Str("suite", suite).
		Int("indexes", len(keys)+len(srcComps)).
		Int("packages", pkgs).
		Msg("apt indexes regenerated")
	return nil
}

// suiteOf picks the suite the regenerated tree publishes under: the first
// source's configured distribution, then whatever the stored Release called
// itself.
func suiteOf(set *publish.Set, all *aptState) string {
	if len(set.Sources) > 0 {
		if d := set.Sources[0].Repository.Ecosystem.Distribution; d != "" {
			return d
		}
	}
	switch {
	case all.suite != "":
		return all.suite
	case all.codename != "":
		return all.codename
	}
	return "stable"
}

// emit writes one regenerated index and records it in the Release checksum
// tables.
func (p *Publisher) emit(t *publish.Tree, rel *Release, distRoot, relPath string, body []byte) error {
	w, err := t.Create(path.Join(distRoot, relPath))
	if err != nil {
		return err
	}
	_, werr := w.Write(body)
	cerr := w.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("debian: writing %s: %w", relPath, werr)
	}
	size := int64(len(body))
	m, s1, s256 := md5.Sum(body), sha1.Sum(body), sha256.Sum256(body)
	rel.MD5Sum = append(rel.MD5Sum, FileSum{Sum: hex.EncodeToString(m[:]), Size: size, Path: relPath})
	rel.SHA1 = append(rel.SHA1, FileSum{Sum: hex.EncodeToString(s1[:]), Size: size, Path: relPath})
	rel.SHA256 = append(rel.SHA256, FileSum{Sum: hex.EncodeToString(s256[:]), Size: size, Path: relPath})
	return nil
}

func gzBody(body []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Write(body)
	zw.Close()
	return buf.Bytes()
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// packageStanza builds the degraded Packages paragraph for a payload without
// a stored upstream index, typically a hosted upload.
func packageStanza(it *chantal.ContentItem) []byte {
	var m debMetadata
	if len(it.Metadata) != 0 {
		_ = json.Unmarshal(it.Metadata, &m)
	}
	var b bytes.Buffer
	f := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	f("Package", it.Name)
	f("Source", m.Source)
	f("Version", it.Version)
	f("Architecture", it.Architecture)
	f("Multi-Arch", m.MultiArch)
	f("Priority", m.Priority)
	f("Section", m.Section)
	f("Filename", itemLocation(it))
	if it.Size != 0 {
		fmt.Fprintf(&b, "Size: %d\n", it.Size)
	}
	f("SHA256", it.SHA256)
	f("Depends", strings.Join(m.Depends, ", "))
	f("Pre-Depends", strings.Join(m.PreDepends, ", "))
	f("Recommends", strings.Join(m.Recommends, ", "))
	f("Suggests", strings.Join(m.Suggests, ", "))
	f("Breaks", strings.Join(m.Breaks, ", "))
	f("Conflicts", strings.Join(m.Conflicts, ", "))
	f("Replaces", strings.Join(m.Replaces, ", "))
	f("Provides", strings.Join(m.Provides, ", "))
	return b.Bytes()
}

// sourceStanza builds a degraded Sources paragraph covering one source
// package's files.
func sourceStanza(items []*chantal.ContentItem) []byte {
	it := items[0]
	var b bytes.Buffer
	fmt.Fprintf(&b, "Package: %s\n", it.Name)
	if it.Version != "" {
		fmt.Fprintf(&b, "Version: %s\n", it.Version)
	}
	fmt.Fprintf(&b, "Directory: %s\n", path.Dir(itemLocation(it)))
	fmt.Fprintf(&b, "Checksums-Sha256:\n")
	for _, f := range items {
		fmt.Fprintf(&b, " %s %d %s\n", f.SHA256, f.Size, f.Filename)
	}
	return b.Bytes()
}
