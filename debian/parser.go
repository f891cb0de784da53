package debian

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"strconv"
	"strings"

	version "github.com/knqyf263/go-deb-version"
	"github.com/quay/zlog"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/clearsign"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
	"github.com/slauger/chantal-sub001/internal/zreader"
	"github.com/slauger/chantal-sub001/syncer"
)

var (
	_ syncer.Parser        = (*Parser)(nil)
	_ syncer.UpdateChecker = (*Parser)(nil)
)

// Parser syncs apt repositories.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser { return &Parser{} }

// Type implements syncer.Parser.
func (*Parser) Type() chantal.RepoType { return chantal.Deb }

// Compare implements syncer.Parser with dpkg version ordering.
func (*Parser) Compare(a, b string) int {
	va, erra := version.NewVersion(a)
	vb, errb := version.NewVersion(b)
	if erra != nil || errb != nil {
		// dpkg rejects such versions outright; order bytewise instead
		return strings.Compare(a, b)
	}
	switch {
	case va.LessThan(vb):
		return -1
	case vb.LessThan(va):
		return 1
	}
	return 0
}

// CheckUpdate implements syncer.UpdateChecker. It probes InRelease and falls
// back to Release, the same order FetchMetadata fetches them.
func (p *Parser) CheckUpdate(ctx context.Context, c *fetch.Client, repo *chantal.Repository, prev fetch.Fingerprint) (fetch.Fingerprint, bool, error) {
	distRoot := path.Join("dists", repo.Ecosystem.Distribution)
	u, err := syncer.JoinURL(repo.Feed, path.Join(distRoot, "InRelease"))
	if err != nil {
		return "", false, err
	}
	next, changed, err := syncer.CheckIndex(ctx, c, u, prev)
	if !errors.Is(err, chantal.ErrNotFound) {
		return next, changed, err
	}
	u, err = syncer.JoinURL(repo.Feed, path.Join(distRoot, "Release"))
	if err != nil {
		return "", false, err
	}
	return syncer.CheckIndex(ctx, c, u, prev)
}

// index spellings by preference, the order apt itself tries
var packagesVariants = []struct {
	suffix, compression string
}{
	{".xz", "xz"},
	{".gz", "gzip"},
	{"", ""},
}

// FetchMetadata implements syncer.Parser.
//
// It fetches the suite's InRelease, falling back to Release plus a detached
// Release.gpg, then one Packages index per configured component and
// architecture, and Sources indexes when source packages are included.
// Configured keyrings make signature verification mandatory; without one the
// signatures are carried along unchecked.
func (p *Parser) FetchMetadata(ctx context.Context, c *fetch.Client, dir string, repo *chantal.Repository) (*syncer.Upstream, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "debian/Parser.FetchMetadata",
		"repository", repo.ID)

	keyring, err := loadKeyring(repo.Ecosystem.GPGKeys)
	if err != nil {
		return nil, err
	}

	distRoot := path.Join("dists", repo.Ecosystem.Distribution)
	up := &syncer.Upstream{}
	rel, err := p.fetchRelease(ctx, c, dir, repo, keyring, distRoot, up)
	if err != nil {
		return nil, err
	}

	components := repo.Ecosystem.Components
	if len(components) == 0 {
		components = rel.Components
	}
	arches := repo.Ecosystem.Architectures
	if len(arches) == 0 {
		arches = rel.Architectures
	}
	if len(components) == 0 || len(arches) == 0 {
		return nil, &chantal.Error{
			Op:      "debian/Parser.FetchMetadata",
			Kind:    chantal.ErrConfig,
			Message: fmt.Sprintf("nothing to sync: %d components, %d architectures", len(components), len(arches)),
		}
	}

	for _, comp := range components {
		for _, arch := range arches {
			if err := p.fetchPackages(ctx, c, dir, repo, rel, distRoot, comp, arch, up); err != nil {
				return nil, err
			}
		}
		if repo.Ecosystem.IncludeSources {
			if err := p.fetchSources(ctx, c, dir, repo, rel, distRoot, comp, up); err != nil {
				return nil, err
			}
		}
	}

	zlog.Info(ctx).
		Int("files", len(up.Files)).
		Int("candidates", len(up.Candidates)).
		Msg("upstream metadata parsed")
	return up, nil
}

// loadKeyring reads the armored keyring files the repository names. No files
// means no verification.
func loadKeyring(paths []string) (openpgp.EntityList, error) {
	const op = `debian: load keyring`
	if len(paths) == 0 {
		return nil, nil
	}
	var ents openpgp.EntityList
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "unreadable keyring: " + p, Inner: err}
		}
		el, err := openpgp.ReadArmoredKeyRing(f)
		f.Close()
		if err != nil {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "unparseable keyring: " + p, Inner: err}
		}
		ents = append(ents, el...)
	}
	return ents, nil
}

// fetchRelease prefers the clear-signed InRelease and falls back to Release
// with a detached Release.gpg beside it.
func (p *Parser) fetchRelease(ctx context.Context, c *fetch.Client, dir string, repo *chantal.Repository, keyring openpgp.EntityList, distRoot string, up *syncer.Upstream) (*Release, error) {
	const op = `debian: fetch release`
	inURL, err := syncer.JoinURL(repo.Feed, path.Join(distRoot, "InRelease"))
	if err != nil {
		return nil, err
	}
	idx, err := syncer.FetchIndex(ctx, c, dir, inURL)
	switch {
	case err == nil:
		return p.inRelease(ctx, idx, keyring, distRoot, up)
	case errors.Is(err, chantal.ErrNotFound):
		zlog.Debug(ctx).Msg("no InRelease; falling back to Release")
	default:
		return nil, err
	}

	relURL, err := syncer.JoinURL(repo.Feed, path.Join(distRoot, "Release"))
	if err != nil {
		return nil, err
	}
	idx, err = syncer.FetchIndex(ctx, c, dir, relURL)
	if err != nil {
		return nil, err
	}
	body, err := os.ReadFile(idx.Path)
	if err != nil {
		return nil, fmt.Errorf("debian: reopening Release: %w", err)
	}
	up.Files = append(up.Files, syncer.File{
		RepositoryFile: chantal.RepositoryFile{
			SHA256:       idx.SHA256,
			Category:     chantal.FileMetadata,
			Type:         "release",
			OriginalPath: path.Join(distRoot, "Release"),
			Size:         idx.Size,
		},
		TempPath: idx.Path,
	})
	up.Fingerprint = idx.Fingerprint

	sigURL, err := syncer.JoinURL(repo.Feed, path.Join(distRoot, "Release.gpg"))
	if err != nil {
		return nil, err
	}
	sig, err := c.DownloadToTemp(ctx, dir, &fetch.Request{URL: sigURL})
	switch {
	case err == nil:
		up.Files = append(up.Files, syncer.File{
			RepositoryFile: chantal.RepositoryFile{
				SHA256:       sig.SHA256,
				Category:     chantal.FileSignature,
				Type:         "release.gpg",
				OriginalPath: path.Join(distRoot, "Release.gpg"),
				Size:         sig.Size,
			},
			TempPath: sig.Path,
		})
		if keyring != nil {
			sb, err := os.ReadFile(sig.Path)
			if err != nil {
				return nil, fmt.Errorf("debian: reopening Release.gpg: %w", err)
			}
			if _, err := openpgp.CheckArmoredDetachedSignature(keyring, bytes.NewReader(body), bytes.NewReader(sb)); err != nil {
				return nil, &chantal.Error{Op: op, Kind: chantal.ErrAuth, Message: "Release signature rejected", Inner: err}
			}
			zlog.Debug(ctx).Msg("Release signature verified")
		}
	case errors.Is(err, chantal.ErrNotFound):
		if keyring != nil {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrAuth, Message: "keyring configured but upstream offers no signature"}
		}
		zlog.Debug(ctx).Msg("unsigned Release")
	default:
		return nil, err
	}
	return ParseRelease(bytes.NewReader(body))
}

func (p *Parser) inRelease(ctx context.Context, idx *syncer.IndexBlob, keyring openpgp.EntityList, distRoot string, up *syncer.Upstream) (*Release, error) {
	const op = `debian: verify InRelease`
	raw, err := os.ReadFile(idx.Path)
	if err != nil {
		return nil, fmt.Errorf("debian: reopening InRelease: %w", err)
	}
	block, _ := clearsign.Decode(raw)
	if block == nil {
		return nil, errors.New("debian: InRelease is not a clearsigned document")
	}
	if keyring != nil {
		if _, err := openpgp.CheckDetachedSignature(keyring, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body); err != nil {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrAuth, Message: "InRelease signature rejected", Inner: err}
		}
		zlog.Debug(ctx).Msg("InRelease signature verified")
	}
	up.Files = append(up.Files, syncer.File{
		RepositoryFile: chantal.RepositoryFile{
			SHA256:       idx.SHA256,
			Category:     chantal.FileMetadata,
			Type:         "inrelease",
			OriginalPath: path.Join(distRoot, "InRelease"),
			Size:         idx.Size,
		},
		TempPath: idx.Path,
	})
	up.Fingerprint = idx.Fingerprint
	return ParseRelease(bytes.NewReader(block.Plaintext))
}

// pickVariant chooses the best index spelling the Release lists under base.
func pickVariant(rel *Release, base string) (relPath, compression string, ok bool) {
	for _, v := range packagesVariants {
		if rel.Has(base + v.suffix) {
			return base + v.suffix, v.compression, true
		}
	}
	return "", "", false
}

func (p *Parser) fetchPackages(ctx context.Context, c *fetch.Client, dir string, repo *chantal.Repository, rel *Release, distRoot, comp, arch string, up *syncer.Upstream) error {
	relPath, compression, ok := pickVariant(rel, path.Join(comp, "binary-"+arch, "Packages"))
	if !ok {
		return fmt.Errorf("debian: release lists no Packages index for %s/%s", comp, arch)
	}
	u, err := syncer.JoinURL(repo.Feed, path.Join(distRoot, relPath))
	if err != nil {
		return err
	}
	dl, err := c.DownloadToTemp(ctx, dir, &fetch.Request{URL: u, Want: rel.Digest(relPath)})
	if err != nil {
		return fmt.Errorf("debian: fetching %s: %w", relPath, err)
	}
	up.Files = append(up.Files, syncer.File{
		RepositoryFile: chantal.RepositoryFile{
			SHA256:       dl.SHA256,
			Category:     chantal.FileMetadata,
			Type:         "packages",
			OriginalPath: path.Join(distRoot, relPath),
			Compression:  compression,
			Size:         dl.Size,
		},
		TempPath: dl.Path,
	})

	f, err := os.Open(dl.Path)
	if err != nil {
		return fmt.Errorf("debian: reopening %s: %w", relPath, err)
	}
	defer f.Close()
	z, err := zreader.Reader(f)
	if err != nil {
		return fmt.Errorf("debian: decompressing %s: %w", relPath, err)
	}
	defer z.Close()
	return WalkStanzas(z, func(s *Stanza) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "debian: read packages", Kind: chantal.ErrCancelled, Inner: err}
		}
		cand, err := binaryCandidate(s, repo.Feed, comp)
		if err != nil {
			return err
		}
		up.Candidates = append(up.Candidates, *cand)
		return nil
	})
}

// debMetadata is the per-package extract kept in metadata_json.
type debMetadata struct {
	Source           string   `json:"source,omitempty"`
	Section          string   `json:"section,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Component        string   `json:"component,omitempty"`
	MultiArch        string   `json:"multi_arch,omitempty"`
	Directory        string   `json:"directory,omitempty"`
	Depends          []string `json:"depends,omitempty"`
	PreDepends       []string `json:"pre_depends,omitempty"`
	Recommends       []string `json:"recommends,omitempty"`
	Suggests         []string `json:"suggests,omitempty"`
	Breaks           []string `json:"breaks,omitempty"`
	Conflicts        []string `json:"conflicts,omitempty"`
	Replaces         []string `json:"replaces,omitempty"`
	Provides         []string `json:"provides,omitempty"`
	DeclaredChecksum string   `json:"declared_checksum,omitempty"`
	Location         string   `json:"location,omitempty"`
}

func binaryCandidate(s *Stanza, feed, comp string) (*syncer.Candidate, error) {
	name := s.Get("Package")
	fname := s.Get("Filename")
	if name == "" || fname == "" {
		return nil, errors.New("debian: stanza without Package or Filename field")
	}
	size, err := strconv.ParseInt(s.Get("Size"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("debian: package %s: bad Size: %w", name, err)
	}
	u, err := syncer.JoinURL(feed, fname)
	if err != nil {
		return nil, err
	}

	sum256 := strings.ToLower(s.Get("SHA256"))
	var declared string
	switch {
	case sum256 != "":
		declared = "sha256:" + sum256
	case s.Get("SHA1") != "":
		declared = "sha1:" + strings.ToLower(s.Get("SHA1"))
	case s.Get("MD5sum") != "":
		declared = "md5:" + strings.ToLower(s.Get("MD5sum"))
	}
	var want chantal.Digest
	if declared != "" {
		if d, err := chantal.ParseDigest(declared); err == nil {
			want = d
		}
	}

	meta, err := json.Marshal(debMetadata{
		Source:           s.Get("Source"),
		Section:          s.Get("Section"),
		Priority:         s.Get("Priority"),
		Component:        comp,
		MultiArch:        s.Get("Multi-Arch"),
		Depends:          splitList(s.Get("Depends")),
		PreDepends:       splitList(s.Get("Pre-Depends")),
		Recommends:       splitList(s.Get("Recommends")),
		Suggests:         splitList(s.Get("Suggests")),
		Breaks:           splitList(s.Get("Breaks")),
		Conflicts:        splitList(s.Get("Conflicts")),
		Replaces:         splitList(s.Get("Replaces")),
		Provides:         splitList(s.Get("Provides")),
		DeclaredChecksum: declared,
		Location:         fname,
	})
	if err != nil {
		return nil, fmt.Errorf("debian: encoding metadata: %w", err)
	}

	return &syncer.Candidate{
		Item: chantal.ContentItem{
			SHA256:       sum256,
			Filename:     path.Base(fname),
			Size:         size,
			ContentType:  "deb",
			Name:         name,
			Version:      s.Get("Version"),
			Architecture: s.Get("Architecture"),
			Metadata:     meta,
		},
		URL:       u,
		Want:      want,
		Component: comp,
		Priority:  s.Get("Priority"),
	}, nil
}

func (p *Parser) fetchSources(ctx context.Context, c *fetch.Client, dir string, repo *chantal.Repository, rel *Release, distRoot, comp string, up *syncer.Upstream) error {
	relPath, compression, ok := pickVariant(rel, path.Join(comp, "source", "Sources"))
	if !ok {
		zlog.Warn(ctx).Str("component", comp).Msg("release lists no Sources index; skipping source packages")
		return nil
	}
	u, err := syncer.JoinURL(repo.Feed, path.Join(distRoot, relPath))
	if err != nil {
		return err
	}
	dl, err := c.DownloadToTemp(ctx, dir, &fetch.Request{URL: u, Want: rel.Digest(relPath)})
	if err != nil {
		return fmt.Errorf("debian: fetching %s: %w", relPath, err)
	}
	up.Files = append(up.Files, syncer.File{
		RepositoryFile: chantal.RepositoryFile{
			SHA256:       dl.SHA256,
			Category:     chantal.FileMetadata,
			Type:         "sources",
			OriginalPath: path.Join(distRoot, relPath),
			Compression:  compression,
			Size:         dl.Size,
		},
		TempPath: dl.Path,
	})

	f, err := os.Open(dl.Path)
	if err != nil {
		return fmt.Errorf("debian: reopening %s: %w", relPath, err)
	}
	defer f.Close()
	z, err := zreader.Reader(f)
	if err != nil {
		return fmt.Errorf("debian: decompressing %s: %w", relPath, err)
	}
	defer z.Close()
	return WalkStanzas(z, func(s *Stanza) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "debian: read sources", Kind: chantal.ErrCancelled, Inner: err}
		}
		cands, err := sourceCandidates(s, repo.Feed, comp)
		if err != nil {
			return err
		}
		up.Candidates = append(up.Candidates, cands...)
		return nil
	})
}

// sourceCandidates yields one candidate per file a Sources stanza names: the
// .dsc and its tarballs all become content items with architecture "source".
func sourceCandidates(s *Stanza, feed, comp string) ([]syncer.Candidate, error) {
	name := s.Get("Package")
	dir := s.Get("Directory")
	if name == "" || dir == "" {
		return nil, errors.New("debian: source stanza without Package or Directory field")
	}
	sums, err := parseSums(s.Get("Checksums-Sha256"))
	if err != nil {
		return nil, fmt.Errorf("debian: source package %s: %w", name, err)
	}
	algo := "sha256"
	if len(sums) == 0 {
		// ancient repositories only carry the md5 Files table
		if sums, err = parseSums(s.Get("Files")); err != nil {
			return nil, fmt.Errorf("debian: source package %s: %w", name, err)
		}
		algo = "md5"
	}

	out := make([]syncer.Candidate, 0, len(sums))
	for _, fs := range sums {
		loc := path.Join(dir, fs.Path)
		u, err := syncer.JoinURL(feed, loc)
		if err != nil {
			return nil, err
		}
		declared := algo + ":" + fs.Sum
		var want chantal.Digest
		if d, err := chantal.ParseDigest(declared); err == nil {
			want = d
		}
		meta, err := json.Marshal(debMetadata{
			Section:          s.Get("Section"),
			Priority:         s.Get("Priority"),
			Component:        comp,
			Directory:        dir,
			DeclaredChecksum: declared,
			Location:         loc,
		})
		if err != nil {
			return nil, fmt.Errorf("debian: encoding metadata: %w", err)
		}
		c := syncer.Candidate{
			Item: chantal.ContentItem{
				Filename:     fs.Path,
				Size:         fs.Size,
				ContentType:  "deb",
				Name:         name,
				Version:      s.Get("Version"),
				Architecture: "source",
				Metadata:     meta,
			},
			URL:       u,
			Want:      want,
			Component: comp,
			Priority:  s.Get("Priority"),
		}
		if algo == "sha256" {
			c.Item.SHA256 = fs.Sum
		}
		out = append(out, c)
	}
	return out, nil
}
