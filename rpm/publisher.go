package rpm

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/internal/zreader"
	"github.com/slauger/chantal-sub001/pool"
	"github.com/slauger/chantal-sub001/publish"
)

var _ publish.Publisher = (*Publisher)(nil)

// Publisher lays out yum/dnf repository trees.
type Publisher struct{}

// NewPublisher returns a Publisher.
func NewPublisher() *Publisher { return &Publisher{} }

// Type implements publish.Publisher.
func (*Publisher) Type() chantal.RepoType { return chantal.RPM }

// Publish implements publish.Publisher.
//
// A single mirror-mode source publishes byte-identical to its upstream:
// payloads at the locations recorded at sync time and every stored metadata
// blob at its original path. Everything else regenerates primary, filelists,
// other and updateinfo from the stored upstream documents, keeping only the
// published packages; comps and modules documents pass through unchanged.
func (pb *Publisher) Publish(ctx context.Context, t *publish.Tree, s *publish.Set) error {
	ctx = zlog.ContextWithValues(ctx, "component", "rpm/Publisher.Publish")
	if s.Mode == chantal.Mirror && len(s.Sources) == 1 {
		return pb.mirror(ctx, t, &s.Sources[0])
	}
	return pb.regenerate(ctx, t, s)
}

func (pb *Publisher) mirror(ctx context.Context, t *publish.Tree, src *publish.Source) error {
	for i := range src.Items {
		it := &src.Items[i]
		if err := t.LinkContent(it.SHA256, itemHref(it)); err != nil {
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

// itemHref is the path a payload publishes at in a mirrored tree. Items
// synced before location tracking land in Packages/.
func itemHref(it *chantal.ContentItem) string {
	var m rpmMetadata
	if len(it.Metadata) != 0 {
		_ = json.Unmarshal(it.Metadata, &m)
	}
	if m.Location != "" {
		return m.Location
	}
	return "Packages/" + it.Filename
}

// sourceSet is everything one source contributes to a regenerated tree.
type sourceSet struct {
	pkgs    []Package
	files   []FilePackage
	others  []OtherPackage
	updates []Update
	extra   []RepoMDData
}

func (pb *Publisher) regenerate(ctx context.Context, t *publish.Tree, s *publish.Set) error {
	now := time.Now().UTC()
	all := new(sourceSet)
	seen := make(map[string]bool)
	for i := range s.Sources {
		out, err := stageSource(ctx, t, &s.Sources[i], seen, now)
		if err != nil {
			return err
		}
		all.pkgs = append(all.pkgs, out.pkgs...)
		all.files = append(all.files, out.files...)
		all.others = append(all.others, out.others...)
		all.updates = append(all.updates, out.updates...)
		all.extra = append(all.extra, out.extra...)
	}

	data := all.extra
	add := func(typ string, gen func(io.Writer) error) error {
		d, err := emitIndex(t, typ, now, gen)
		if err != nil {
			return err
		}
		data = append(data, d)
		return nil
	}
	if err := add("primary", func(w io.Writer) error { return WritePrimary(w, all.pkgs) }); err != nil {
		return err
	}
	if err := add("filelists", func(w io.Writer) error { return WriteFilelists(w, all.files) }); err != nil {
		return err
	}
	if err := add("other", func(w io.Writer) error { return WriteOther(w, all.others) }); err != nil {
		return err
	}
	if len(all.updates) != 0 {
		err := add("updateinfo", func(w io.Writer) error { return WriteUpdateInfo(w, all.updates) })
		if err != nil {
			return err
		}
	}

	w, err := t.Create("repodata/repomd.xml")
	if err != nil {
		return err
	}
	err = WriteRepoMD(w, strconv.FormatInt(now.Unix(), 10), data)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("rpm: writing repomd.xml: %w", err)
	}
	zlog.Info(ctx).
		Int("sources", len(s.Sources)).
		Int("packages", len(all.pkgs)).
		Int("advisories", len(all.updates)).
		Msg("repodata regenerated")
	return nil
}

// stageSource links one source's payloads into Packages/ and filters its
// stored upstream documents down to the published set. A source without a
// stored primary, a hosted repository say, gets degraded entries built from
// the database rows instead.
func stageSource(ctx context.Context, t *publish.Tree, src *publish.Source, seen map[string]bool, now time.Time) (*sourceSet, error) {
	ctx = zlog.ContextWithValues(ctx, "repository", src.Repository.ID)
	for i := range src.Items {
		it := &src.Items[i]
		if err := t.LinkContent(it.SHA256, "Packages/"+it.Filename); err != nil {
			return nil, err
		}
	}

	out := new(sourceSet)
	var ids map[string]bool
	if f := findFile(src.Files, "primary"); f != nil {
		var err error
		out.pkgs, ids, err = filterPrimary(ctx, t, f, newKeepSet(src.Items))
		if err != nil {
			return nil, err
		}
	} else {
		out.pkgs = make([]Package, 0, len(src.Items))
		ids = make(map[string]bool, len(src.Items))
		for i := range src.Items {
			p := packageFromItem(&src.Items[i])
			out.pkgs = append(out.pkgs, p)
			ids[p.Checksum.Value] = true
		}
	}

	if f := findFile(src.Files, "filelists"); f != nil {
		var err error
		out.files, err = filterFilelists(ctx, t, f, ids)
		if err != nil {
			return nil, err
		}
	} else {
		for i := range out.pkgs {
			p := &out.pkgs[i]
			out.files = append(out.files, FilePackage{
				PkgID:   p.Checksum.Value,
				Name:    p.Name,
				Arch:    p.Arch,
				Version: p.Version,
				Files:   p.Format.Files,
			})
		}
	}

	if f := findFile(src.Files, "other"); f != nil {
		var err error
		out.others, err = filterOther(ctx, t, f, ids)
		if err != nil {
			return nil, err
		}
	} else {
		for i := range out.pkgs {
			p := &out.pkgs[i]
			out.others = append(out.others, OtherPackage{
				PkgID:   p.Checksum.Value,
				Name:    p.Name,
				Arch:    p.Arch,
				Version: p.Version,
			})
		}
	}

	if f := findFile(src.Files, "updateinfo"); f != nil {
		nevras := make(map[string]bool, len(out.pkgs))
		for i := range out.pkgs {
			nevras[out.pkgs[i].NEVRA()] = true
		}
		var err error
		out.updates, err = filterUpdates(ctx, t, f, nevras)
		if err != nil {
			return nil, err
		}
	}

	for i := range src.Files {
		f := &src.Files[i]
		switch f.Type {
		case "group", "group_gz", "modules":
			if seen[f.Type] {
				zlog.Warn(ctx).
					Str("type", f.Type).
					Str("path", f.OriginalPath).
					Msg("duplicate repodata type in merged set; keeping the first")
				continue
			}
			d, err := preserveBlob(t, f, now)
			if err != nil {
				return nil, err
			}
			out.extra = append(out.extra, d)
			seen[f.Type] = true
		case "repomd", "primary", "filelists", "other", "updateinfo":
			// replaced by the regenerated documents
		default:
			switch f.Category {
			case chantal.FileKickstart:
				if err := t.LinkFile(f.SHA256, f.OriginalPath); err != nil {
					return nil, err
				}
			case chantal.FileSignature:
				// a signature over metadata this tree does not carry
				zlog.Debug(ctx).Str("path", f.OriginalPath).Msg("dropping upstream signature")
			default:
				zlog.Debug(ctx).
					Str("type", f.Type).
					Str("path", f.OriginalPath).
					Msg("dropping upstream repodata")
			}
		}
	}

	zlog.Debug(ctx).
		Int("packages", len(out.pkgs)).
		Int("advisories", len(out.updates)).
		Msg("source staged")
	return out, nil
}

// keepSet resolves streamed upstream packages against the published items.
// Identity is the payload sha256 when the upstream document carries one;
// repositories keyed by sha1 or md5 fall back to nevra matching.
type keepSet struct {
	bySum   map[string]*chantal.ContentItem
	byNEVRA map[string]*chantal.ContentItem
}

func newKeepSet(items []chantal.ContentItem) *keepSet {
	ks := &keepSet{
		bySum:   make(map[string]*chantal.ContentItem, len(items)),
		byNEVRA: make(map[string]*chantal.ContentItem, len(items)),
	}
	for i := range items {
		it := &items[i]
		ks.bySum[it.SHA256] = it
		ks.byNEVRA[itemNEVRA(it)] = it
	}
	return ks
}

func (ks *keepSet) match(p *Package) *chantal.ContentItem {
	if p.Checksum.Type == "sha256" {
		return ks.bySum[p.Checksum.Value]
	}
	return ks.byNEVRA[p.NEVRA()]
}

// filterPrimary streams a stored primary document and keeps the packages
// that are actually published, pointing their hrefs into Packages/.
func filterPrimary(ctx context.Context, t *publish.Tree, f *chantal.RepositoryFile, keep *keepSet) ([]Package, map[string]bool, error) {
	blob, err := t.Pool().Open(pool.Files, f.SHA256)
	if err != nil {
		return nil, nil, err
	}
	defer blob.Close()
	z, err := zreader.Reader(blob)
	if err != nil {
		return nil, nil, fmt.Errorf("rpm: decompressing primary: %w", err)
	}
	defer z.Close()

	var pkgs []Package
	ids := make(map[string]bool)
	var total int
	err = WalkPrimary(z, func(p *Package) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "rpm: filter primary", Kind: chantal.ErrCancelled, Inner: err}
		}
		total++
		it := keep.match(p)
		if it == nil {
			return nil
		}
		p.Location.Href = "Packages/" + it.Filename
		ids[p.Checksum.Value] = true
		pkgs = append(pkgs, *p)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	zlog.Debug(ctx).Int("kept", len(pkgs)).Int("upstream", total).Msg("primary filtered")
	return pkgs, ids, nil
}

func filterFilelists(ctx context.Context, t *publish.Tree, f *chantal.RepositoryFile, ids map[string]bool) ([]FilePackage, error) {
	blob, err := t.Pool().Open(pool.Files, f.SHA256)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	z, err := zreader.Reader(blob)
	if err != nil {
		return nil, fmt.Errorf("rpm: decompressing filelists: %w", err)
	}
	defer z.Close()

	var pkgs []FilePackage
	err = WalkFilelists(z, func(p *FilePackage) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "rpm: filter filelists", Kind: chantal.ErrCancelled, Inner: err}
		}
		if ids[p.PkgID] {
			pkgs = append(pkgs, *p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pkgs, nil
}

func filterOther(ctx context.Context, t *publish.Tree, f *chantal.RepositoryFile, ids map[string]bool) ([]OtherPackage, error) {
	blob, err := t.Pool().Open(pool.Files, f.SHA256)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	z, err := zreader.Reader(blob)
	if err != nil {
		return nil, fmt.Errorf("rpm: decompressing other: %w", err)
	}
	defer z.Close()

	var pkgs []OtherPackage
	err = WalkOther(z, func(p *OtherPackage) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "rpm: filter other", Kind: chantal.ErrCancelled, Inner: err}
		}
		if ids[p.PkgID] {
			pkgs = append(pkgs, *p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pkgs, nil
}

// filterUpdates keeps the advisories that still reference at least one
// published package.
func filterUpdates(ctx context.Context, t *publish.Tree, f *chantal.RepositoryFile, nevras map[string]bool) ([]Update, error) {
	blob, err := t.Pool().Open(pool.Files, f.SHA256)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	z, err := zreader.Reader(blob)
	if err != nil {
		return nil, fmt.Errorf("rpm: decompressing updateinfo: %w", err)
	}
	defer z.Close()

	published := func(name, epoch, version, release, arch string) bool {
		switch epoch {
		case "", "None":
			// some errata generators spell a missing epoch None
			epoch = "0"
		}
		return nevras[fmt.Sprintf("%s-%s:%s-%s.%s", name, epoch, version, release, arch)]
	}
	var updates []Update
	var total int
	err = WalkUpdates(z, func(u *Update) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "rpm: filter updateinfo", Kind: chantal.ErrCancelled, Inner: err}
		}
		total++
		if u.Match(published) {
			updates = append(updates, *u)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	zlog.Debug(ctx).Int("kept", len(updates)).Int("upstream", total).Msg("updateinfo filtered")
	return updates, nil
}

// preserveBlob links an upstream metadata blob unchanged and builds its
// repomd entry from the stored checksums.
func preserveBlob(t *publish.Tree, f *chantal.RepositoryFile, now time.Time) (RepoMDData, error) {
	if err := t.LinkFile(f.SHA256, f.OriginalPath); err != nil {
		return RepoMDData{}, err
	}
	d := RepoMDData{
		Type:      f.Type,
		Checksum:  XMLSum{Type: "sha256", Value: f.SHA256},
		Location:  Location{Href: f.OriginalPath},
		Timestamp: now.Unix(),
		Size:      f.Size,
	}
	if f.Compression != "" {
		sum, n, err := openSum(t.Pool(), f)
		if err != nil {
			return RepoMDData{}, err
		}
		d.OpenChecksum = XMLSum{Type: "sha256", Value: sum}
		d.OpenSize = n
	}
	return d, nil
}

// openSum computes the checksum and size of a stored blob's decompressed
// form, for the open-checksum half of a repomd entry.
func openSum(p *pool.Pool, f *chantal.RepositoryFile) (string, int64, error) {
	blob, err := p.Open(pool.Files, f.SHA256)
	if err != nil {
		return "", 0, err
	}
	defer blob.Close()
	z, err := zreader.Reader(blob)
	if err != nil {
		return "", 0, fmt.Errorf("rpm: decompressing %s: %w", f.Type, err)
	}
	defer z.Close()
	h := sha256.New()
	n, err := io.Copy(h, z)
	if err != nil {
		return "", 0, fmt.Errorf("rpm: reading %s: %w", f.Type, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// emitIndex renders one regenerated repodata document, gzip-compressed and
// named by the checksum of the compressed bytes, the way createrepo_c lays
// trees out.
func emitIndex(t *publish.Tree, typ string, now time.Time, gen func(io.Writer) error) (RepoMDData, error) {
	var open bytes.Buffer
	if err := gen(&open); err != nil {
		return RepoMDData{}, err
	}
	var comp bytes.Buffer
	gz := gzip.NewWriter(&comp)
	if _, err := gz.Write(open.Bytes()); err != nil {
		return RepoMDData{}, fmt.Errorf("rpm: compressing %s: %w", typ, err)
	}
	if err := gz.Close(); err != nil {
		return RepoMDData{}, fmt.Errorf("rpm: compressing %s: %w", typ, err)
	}
	openSum := sha256.Sum256(open.Bytes())
	compSum := sha256.Sum256(comp.Bytes())
	size := int64(comp.Len())
	href := fmt.Sprintf("repodata/%s-%s.xml.gz", hex.EncodeToString(compSum[:]), typ)

	w, err := t.Create(href)
	if err != nil {
		return RepoMDData{}, err
	}
	_, err = comp.WriteTo(w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return RepoMDData{}, fmt.Errorf("rpm: writing %s: %w", typ, err)
	}
	return RepoMDData{
		Type:         typ,
		Checksum:     XMLSum{Type: "sha256", Value: hex.EncodeToString(compSum[:])},
		OpenChecksum: XMLSum{Type: "sha256", Value: hex.EncodeToString(openSum[:])},
		Location:     Location{Href: href},
		Timestamp:    now.Unix(),
		Size:         size,
		OpenSize:     int64(open.Len()),
	}, nil
}

// findFile returns the first stored file of the given type, or nil.
func findFile(files []chantal.RepositoryFile, typ string) *chantal.RepositoryFile {
	for i := range files {
		if files[i].Type == typ {
			return &files[i]
		}
	}
	return nil
}

// packageFromItem builds the degraded primary entry for an item stored
// without upstream repodata, a hosted upload say. File lists and changelogs
// are unavailable in that case.
func packageFromItem(it *chantal.ContentItem) Package {
	var m rpmMetadata
	if len(it.Metadata) != 0 {
		_ = json.Unmarshal(it.Metadata, &m)
	}
	evr := it.Version
	if i := strings.IndexByte(evr, ':'); i >= 0 {
		evr = evr[i+1:]
	}
	ver, rel := evr, ""
	if i := strings.LastIndexByte(evr, '-'); i >= 0 {
		ver, rel = evr[:i], evr[i+1:]
	}
	return Package{
		Name:     it.Name,
		Arch:     it.Architecture,
		Version:  Version{Epoch: m.Epoch, Ver: ver, Rel: rel},
		Checksum: PkgSum{Type: "sha256", PkgID: "YES", Value: it.SHA256},
		Time:     Time{Build: m.BuildTime},
		Size:     Size{Package: it.Size},
		Location: Location{Href: "Packages/" + it.Filename},
		Format: Format{
			License:   m.License,
			Vendor:    m.Vendor,
			Group:     m.Group,
			BuildHost: m.BuildHost,
			SourceRPM: m.SourceRPM,
		},
	}
}

func itemNEVRA(it *chantal.ContentItem) string {
	p := packageFromItem(it)
	return p.NEVRA()
}
