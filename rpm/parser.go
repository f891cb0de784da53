package rpm

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	version "github.com/knqyf263/go-rpm-version"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
	"github.com/slauger/chantal-sub001/internal/xmlutil"
	"github.com/slauger/chantal-sub001/internal/zreader"
	"github.com/slauger/chantal-sub001/syncer"
)

var (
	_ syncer.Parser        = (*Parser)(nil)
	_ syncer.UpdateChecker = (*Parser)(nil)
)

// Parser syncs yum/dnf repositories.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser { return &Parser{} }

// Type implements syncer.Parser.
func (*Parser) Type() chantal.RepoType { return chantal.RPM }

// Compare implements syncer.Parser with the rpm EVR ordering.
func (*Parser) Compare(a, b string) int {
	return version.NewVersion(a).Compare(version.NewVersion(b))
}

// CheckUpdate implements syncer.UpdateChecker by probing repomd.xml, which
// names the digest of every other metadata blob.
func (p *Parser) CheckUpdate(ctx context.Context, c *fetch.Client, repo *chantal.Repository, prev fetch.Fingerprint) (fetch.Fingerprint, bool, error) {
	u, err := syncer.JoinURL(repo.Feed, "repodata/repomd.xml")
	if err != nil {
		return "", false, err
	}
	return syncer.CheckIndex(ctx, c, u, prev)
}

// FetchMetadata implements syncer.Parser.
//
// It fetches repodata/repomd.xml, then every data blob repomd names, then
// optionally the .treeinfo manifest and the installer assets it names.
// Candidates are enumerated from the primary document, falling back to the
// primary_db sqlite database for upstreams that only publish that form.
func (p *Parser) FetchMetadata(ctx context.Context, c *fetch.Client, dir string, repo *chantal.Repository) (*syncer.Upstream, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "rpm/Parser.FetchMetadata",
		"repository", repo.ID)

	mdURL, err := syncer.JoinURL(repo.Feed, "repodata/repomd.xml")
	if err != nil {
		return nil, err
	}
	idx, err := syncer.FetchIndex(ctx, c, dir, mdURL)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(idx.Path)
	if err != nil {
		return nil, fmt.Errorf("rpm: reopening repomd.xml: %w", err)
	}
	md, err := ParseRepoMD(f)
	f.Close()
	if err != nil {
		return nil, err
	}

	up := &syncer.Upstream{Fingerprint: idx.Fingerprint}
	up.Files = append(up.Files, syncer.File{
		RepositoryFile: chantal.RepositoryFile{
			SHA256:       idx.SHA256,
			Category:     chantal.FileMetadata,
			Type:         "repomd",
			OriginalPath: "repodata/repomd.xml",
			Size:         idx.Size,
		},
		TempPath: idx.Path,
	})

	var primaryPath, primaryDBPath, compsPath string
	for i := range md.Data {
		d := &md.Data[i]
		u, err := syncer.JoinURL(repo.Feed, d.Location.Href)
		if err != nil {
			return nil, err
		}
		dl, err := c.DownloadToTemp(ctx, dir, &fetch.Request{URL: u, Want: dataDigest(ctx, d)})
		if err != nil {
			return nil, fmt.Errorf("rpm: fetching %s: %w", d.Type, err)
		}
		up.Files = append(up.Files, syncer.File{
			RepositoryFile: chantal.RepositoryFile{
				SHA256:       dl.SHA256,
				Category:     chantal.FileMetadata,
				Type:         d.Type,
				OriginalPath: d.Location.Href,
				Compression:  compressionOf(d.Location.Href),
				Size:         dl.Size,
			},
			TempPath: dl.Path,
		})
		switch d.Type {
		case "primary":
			primaryPath = dl.Path
		case "primary_db":
			primaryDBPath = dl.Path
		case "group", "group_gz":
			if compsPath == "" {
				compsPath = dl.Path
			}
		}
	}

	groups := map[string][]string{}
	if compsPath != "" {
		groups, err = readComps(compsPath)
		if err != nil {
			zlog.Warn(ctx).Err(err).Msg("unreadable comps document; group filters will not match")
			groups = map[string][]string{}
		}
	}

	switch {
	case primaryPath != "":
		up.Candidates, err = readPrimary(ctx, primaryPath, repo.Feed, groups)
	case primaryDBPath != "":
		up.Candidates, err = readPrimaryDB(ctx, dir, primaryDBPath, repo.Feed, groups)
	default:
		err = errors.New("rpm: repomd.xml names no primary data")
	}
	if err != nil {
		return nil, err
	}

	if repo.Ecosystem.InstallerImages {
		if err := fetchTreeInfo(ctx, c, dir, repo, up); err != nil {
			return nil, err
		}
	}

	zlog.Info(ctx).
		Int("files", len(up.Files)).
		Int("candidates", len(up.Candidates)).
		Msg("upstream metadata parsed")
	return up, nil
}

// dataDigest assembles the expected digest of a repomd data entry, or a zero
// digest when the algorithm is not one we can check.
func dataDigest(ctx context.Context, d *RepoMDData) chantal.Digest {
	if d.Checksum.Value == "" {
		return chantal.Digest{}
	}
	dg, err := chantal.ParseDigest(normalizeSumType(d.Checksum.Type) + ":" + d.Checksum.Value)
	if err != nil {
		zlog.Warn(ctx).
			Str("type", d.Type).
			Str("algorithm", d.Checksum.Type).
			Msg("unsupported checksum algorithm; skipping verification")
		return chantal.Digest{}
	}
	return dg
}

// normalizeSumType maps legacy yum algorithm spellings to ours.
func normalizeSumType(t string) string {
	if t == "sha" {
		// yum-era alias
		return "sha1"
	}
	return t
}

func compressionOf(p string) string {
	switch {
	case strings.HasSuffix(p, ".gz"):
		return "gzip"
	case strings.HasSuffix(p, ".xz"):
		return "xz"
	case strings.HasSuffix(p, ".bz2"):
		return "bzip2"
	case strings.HasSuffix(p, ".zst"):
		return "zstd"
	}
	return ""
}

// readPrimary enumerates candidates from a primary.xml blob, decompressing
// as needed.
func readPrimary(ctx context.Context, p, feed string, groups map[string][]string) ([]syncer.Candidate, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("rpm: reopening primary: %w", err)
	}
	defer f.Close()
	z, err := zreader.Reader(f)
	if err != nil {
		return nil, fmt.Errorf("rpm: decompressing primary: %w", err)
	}
	defer z.Close()

	var out []syncer.Candidate
	err = WalkPrimary(z, func(pkg *Package) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "rpm: read primary", Kind: chantal.ErrCancelled, Inner: err}
		}
		c, err := candidate(pkg, feed, groups)
		if err != nil {
			return err
		}
		out = append(out, *c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rpmMetadata is the per-package extract kept in metadata_json.
type rpmMetadata struct {
	Epoch            string `json:"epoch,omitempty"`
	Release          string `json:"release,omitempty"`
	License          string `json:"license,omitempty"`
	Vendor           string `json:"vendor,omitempty"`
	Group            string `json:"group,omitempty"`
	BuildHost        string `json:"buildhost,omitempty"`
	SourceRPM        string `json:"sourcerpm,omitempty"`
	BuildTime        int64  `json:"build_time,omitempty"`
	DeclaredChecksum string `json:"declared_checksum,omitempty"`
	Location         string `json:"location,omitempty"`
}

func candidate(pkg *Package, feed string, groups map[string][]string) (*syncer.Candidate, error) {
	u, err := syncer.JoinURL(feed, pkg.Location.Href)
	if err != nil {
		return nil, err
	}
	sumType := normalizeSumType(pkg.Checksum.Type)
	meta, err := json.Marshal(rpmMetadata{
		Epoch:            pkg.Version.Epoch,
		Release:          pkg.Version.Rel,
		License:          pkg.Format.License,
		Vendor:           pkg.Format.Vendor,
		Group:            pkg.Format.Group,
		BuildHost:        pkg.Format.BuildHost,
		SourceRPM:        pkg.Format.SourceRPM,
		BuildTime:        pkg.Time.Build,
		DeclaredChecksum: sumType + ":" + pkg.Checksum.Value,
		Location:         pkg.Location.Href,
	})
	if err != nil {
		return nil, fmt.Errorf("rpm: encoding metadata: %w", err)
	}

	item := chantal.ContentItem{
		Filename:     path.Base(pkg.Location.Href),
		Size:         pkg.Size.Package,
		ContentType:  "rpm",
		Name:         pkg.Name,
		Version:      pkg.Version.EVR(),
		Architecture: pkg.Arch,
		Metadata:     meta,
	}
	var want chantal.Digest
	if dg, err := chantal.ParseDigest(sumType + ":" + pkg.Checksum.Value); err == nil {
		want = dg
		if sumType == "sha256" {
			item.SHA256 = pkg.Checksum.Value
		}
	}

	c := &syncer.Candidate{
		Item:    item,
		URL:     u,
		Want:    want,
		License: pkg.Format.License,
		Groups:  groups[pkg.Name],
	}
	if pkg.Time.Build != 0 {
		c.BuildTime = time.Unix(pkg.Time.Build, 0).UTC()
	}
	return c, nil
}

// comps group membership, package name to group ids.
type compsDoc struct {
	Groups []compsGroup `xml:"group"`
}

type compsGroup struct {
	ID       string   `xml:"id"`
	Packages []string `xml:"packagelist>packagereq"`
}

func readComps(p string) (map[string][]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("rpm: reopening comps: %w", err)
	}
	defer f.Close()
	z, err := zreader.Reader(f)
	if err != nil {
		return nil, fmt.Errorf("rpm: decompressing comps: %w", err)
	}
	defer z.Close()

	dec := xml.NewDecoder(z)
	dec.CharsetReader = xmlutil.CharsetReader
	var doc compsDoc
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("rpm: broken comps document: %w", err)
	}
	m := make(map[string][]string)
	for _, g := range doc.Groups {
		for _, name := range g.Packages {
			m[name] = append(m[name], g.ID)
		}
	}
	return m, nil
}

// fetchTreeInfo pulls the .treeinfo manifest and every installer asset it
// names. Trees without a manifest are skipped quietly; a named asset that
// cannot be fetched or verified fails the sync.
func fetchTreeInfo(ctx context.Context, c *fetch.Client, dir string, repo *chantal.Repository, up *syncer.Upstream) error {
	ctx = zlog.ContextWithValues(ctx, "component", "rpm/fetchTreeInfo")
	u, err := syncer.JoinURL(repo.Feed, ".treeinfo")
	if err != nil {
		return err
	}
	dl, err := c.DownloadToTemp(ctx, dir, &fetch.Request{URL: u})
	switch {
	case errors.Is(err, chantal.ErrNotFound):
		zlog.Debug(ctx).Msg("no .treeinfo manifest; skipping installer images")
		return nil
	case err != nil:
		return err
	}
	f, err := os.Open(dl.Path)
	if err != nil {
		return fmt.Errorf("rpm: reopening .treeinfo: %w", err)
	}
	ti, err := ParseTreeInfo(f)
	f.Close()
	if err != nil {
		return err
	}
	up.Files = append(up.Files, syncer.File{
		RepositoryFile: chantal.RepositoryFile{
			SHA256:       dl.SHA256,
			Category:     chantal.FileKickstart,
			Type:         "treeinfo",
			OriginalPath: ".treeinfo",
			Size:         dl.Size,
		},
		TempPath: dl.Path,
	})

	images := ti.Images()
	for _, img := range images {
		iu, err := syncer.JoinURL(repo.Feed, img)
		if err != nil {
			return err
		}
		var want chantal.Digest
		if sum := ti.Checksum(img); sum != "" {
			want, err = chantal.ParseDigest(sum)
			if err != nil {
				zlog.Warn(ctx).
					Str("path", img).
					Str("checksum", sum).
					Msg("unsupported .treeinfo checksum; skipping verification")
				want = chantal.Digest{}
			}
		}
		idl, err := c.DownloadToTemp(ctx, dir, &fetch.Request{URL: iu, Want: want})
		if err != nil {
			return fmt.Errorf("rpm: fetching installer image %s: %w", img, err)
		}
		up.Files = append(up.Files, syncer.File{
			RepositoryFile: chantal.RepositoryFile{
				SHA256:       idl.SHA256,
				Category:     chantal.FileKickstart,
				Type:         "image",
				OriginalPath: img,
				Size:         idl.Size,
			},
			TempPath: idl.Path,
		})
	}
	zlog.Info(ctx).Int("images", len(images)).Msg("installer tree fetched")
	return nil
}
