package alpine

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
	"time"

	version "github.com/knqyf263/go-apk-version"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
	"github.com/slauger/chantal-sub001/syncer"
)

var (
	_ syncer.Parser        = (*Parser)(nil)
	_ syncer.UpdateChecker = (*Parser)(nil)
)

// Parser syncs apk repositories.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser { return &Parser{} }

// Type implements syncer.Parser.
func (*Parser) Type() chantal.RepoType { return chantal.APK }

// Compare implements syncer.Parser with apk version ordering, -rN revisions
// included.
func (*Parser) Compare(a, b string) int {
	va, erra := version.NewVersion(a)
	vb, errb := version.NewVersion(b)
	if erra != nil || errb != nil {
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

// CheckUpdate implements syncer.UpdateChecker by probing every configured
// architecture's APKINDEX.tar.gz. Per-index fingerprints join with commas in
// configuration order, the same shape FetchMetadata records.
func (p *Parser) CheckUpdate(ctx context.Context, c *fetch.Client, repo *chantal.Repository, prev fetch.Fingerprint) (fetch.Fingerprint, bool, error) {
	branch, repoName := repo.Ecosystem.Branch, repo.Ecosystem.Repository
	arches := repo.Ecosystem.Architectures
	if branch == "" || repoName == "" || len(arches) == 0 {
		return "", false, &chantal.Error{
			Op:      "alpine/Parser.CheckUpdate",
			Kind:    chantal.ErrConfig,
			Message: fmt.Sprintf("apk needs branch, repository and architectures: %q, %q, %d arches", branch, repoName, len(arches)),
		}
	}
	var parts []string
	if prev != "" {
		parts = strings.Split(string(prev), ",")
	}
	changed := len(parts) != len(arches)
	fps := make([]string, 0, len(arches))
	for i, arch := range arches {
		var pf fetch.Fingerprint
		if i < len(parts) {
			pf = fetch.Fingerprint(parts[i])
		}
		u, err := syncer.JoinURL(repo.Feed, path.Join(branch, repoName, arch, "APKINDEX.tar.gz"))
		if err != nil {
			return "", false, err
		}
		next, ch, err := syncer.CheckIndex(ctx, c, u, pf)
		if err != nil {
			return "", false, err
		}
		changed = changed || ch
		fps = append(fps, string(next))
	}
	return fetch.Fingerprint(strings.Join(fps, ",")), changed, nil
}

// FetchMetadata implements syncer.Parser.
//
// One APKINDEX.tar.gz per configured architecture, fetched from
// <feed>/<branch>/<repository>/<arch>/. The index's pull checksums are legacy
// SHA1, so candidates carry them advisory-only; identity rests on the sha256
// computed at download time.
func (p *Parser) FetchMetadata(ctx context.Context, c *fetch.Client, dir string, repo *chantal.Repository) (*syncer.Upstream, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "alpine/Parser.FetchMetadata",
		"repository", repo.ID)

	branch, repoName := repo.Ecosystem.Branch, repo.Ecosystem.Repository
	arches := repo.Ecosystem.Architectures
	if branch == "" || repoName == "" || len(arches) == 0 {
		return nil, &chantal.Error{
			Op:      "alpine/Parser.FetchMetadata",
			Kind:    chantal.ErrConfig,
			Message: fmt.Sprintf("apk needs branch, repository and architectures: %q, %q, %d arches", branch, repoName, len(arches)),
		}
	}

	up := &syncer.Upstream{}
	fps := make([]string, 0, len(arches))
	for _, arch := range arches {
		fp, err := p.fetchArch(ctx, c, dir, repo, branch, repoName, arch, up)
		if err != nil {
			return nil, err
		}
		fps = append(fps, fp)
	}
	up.Fingerprint = fetch.Fingerprint(strings.Join(fps, ","))

	zlog.Info(ctx).
		Int("files", len(up.Files)).
		Int("candidates", len(up.Candidates)).
		Msg("upstream metadata parsed")
	return up, nil
}

func (p *Parser) fetchArch(ctx context.Context, c *fetch.Client, dir string, repo *chantal.Repository, branch, repoName, arch string, up *syncer.Upstream) (string, error) {
	rel := path.Join(branch, repoName, arch, "APKINDEX.tar.gz")
	u, err := syncer.JoinURL(repo.Feed, rel)
	if err != nil {
		return "", err
	}
	idx, err := syncer.FetchIndex(ctx, c, dir, u)
	if err != nil {
		return "", err
	}
	up.Files = append(up.Files, syncer.File{
		RepositoryFile: chantal.RepositoryFile{
			SHA256:       idx.SHA256,
			Category:     chantal.FileMetadata,
			Type:         "apkindex",
			OriginalPath: rel,
			Compression:  "gzip",
			Size:         idx.Size,
		},
		TempPath: idx.Path,
	})

	f, err := os.Open(idx.Path)
	if err != nil {
		return "", fmt.Errorf("alpine: reopening %s: %w", rel, err)
	}
	defer f.Close()
	raw, _, err := OpenIndex(f)
	if err != nil {
		return "", fmt.Errorf("alpine: %s: %w", rel, err)
	}
	err = WalkRecords(bytes.NewReader(raw), func(rec *Record) error {
		if err := ctx.Err(); err != nil {
			return &chantal.Error{Op: "alpine: read index", Kind: chantal.ErrCancelled, Inner: err}
		}
		cand, err := candidate(rec, repo.Feed, branch, repoName, arch)
		if err != nil {
			return err
		}
		up.Candidates = append(up.Candidates, *cand)
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(idx.Fingerprint), nil
}

// apkMetadata is the per-package extract kept in metadata_json.
type apkMetadata struct {
	Origin        string   `json:"origin,omitempty"`
	Maintainer    string   `json:"maintainer,omitempty"`
	Commit        string   `json:"commit,omitempty"`
	Description   string   `json:"description,omitempty"`
	License       string   `json:"license,omitempty"`
	URL           string   `json:"url,omitempty"`
	InstalledSize int64    `json:"installed_size,omitempty"`
	Dependencies  []string `json:"dependencies,omitempty"`
	Provides      []string `json:"provides,omitempty"`
	InstallIf     []string `json:"install_if,omitempty"`
	PullChecksum  string   `json:"pull_checksum,omitempty"`
	Location      string   `json:"location,omitempty"`
}

func candidate(rec *Record, feed, branch, repoName, arch string) (*syncer.Candidate, error) {
	name, ver := rec.Get('P'), rec.Get('V')
	if name == "" || ver == "" {
		return nil, errors.New("alpine: index record without P or V line")
	}
	var size int64
	if s := rec.Get('S'); s != "" {
		var err error
		if size, err = strconv.ParseInt(s, 10, 64); err != nil {
			return nil, fmt.Errorf("alpine: package %s: bad S line: %w", name, err)
		}
	}
	var installed int64
	if s := rec.Get('I'); s != "" {
		installed, _ = strconv.ParseInt(s, 10, 64)
	}
	// noarch packages still live under the architecture directory
	fname := name + "-" + ver + ".apk"
	loc := path.Join(branch, repoName, arch, fname)
	u, err := syncer.JoinURL(feed, loc)
	if err != nil {
		return nil, err
	}

	pull := rec.Get('C')
	var want chantal.Digest
	if hexsum, ok := sha1FromPull(pull); ok {
		if d, err := chantal.ParseDigest("sha1:" + hexsum); err == nil {
			want = d
		}
	}

	pkgArch := rec.Get('A')
	if pkgArch == "" {
		pkgArch = arch
	}
	var built time.Time
	if s := rec.Get('t'); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			built = time.Unix(n, 0).UTC()
		}
	}

	meta, err := json.Marshal(apkMetadata{
		Origin:        rec.Get('o'),
		Maintainer:    rec.Get('m'),
		Commit:        rec.Get('c'),
		Description:   rec.Get('T'),
		License:       rec.Get('L'),
		URL:           rec.Get('U'),
		InstalledSize: installed,
		Dependencies:  strings.Fields(rec.Get('D')),
		Provides:      strings.Fields(rec.Get('p')),
		InstallIf:     strings.Fields(rec.Get('i')),
		PullChecksum:  pull,
		Location:      loc,
	})
	if err != nil {
		return nil, fmt.Errorf("alpine: encoding metadata: %w", err)
	}

	return &syncer.Candidate{
		Item: chantal.ContentItem{
			Filename:     fname,
			Size:         size,
			ContentType:  "apk",
			Name:         name,
			Version:      ver,
			Architecture: pkgArch,
			Metadata:     meta,
		},
		URL:          u,
		Want:         want,
		AdvisoryOnly: true,
		BuildTime:    built,
		License:      rec.Get('L'),
	}, nil
}
