package helm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
	"github.com/slauger/chantal-sub001/syncer"
)

var (
	_ syncer.Parser        = (*Parser)(nil)
	_ syncer.UpdateChecker = (*Parser)(nil)
)

// Parser syncs chart repositories.
type Parser struct{}

// NewParser returns a Parser.
func NewParser() *Parser { return &Parser{} }

// Type implements syncer.Parser.
func (*Parser) Type() chantal.RepoType { return chantal.Helm }

// Compare implements syncer.Parser with semver ordering, pre-release rules
// included.
func (*Parser) Compare(a, b string) int { return compareVersions(a, b) }

func compareVersions(a, b string) int {
	va, erra := semver.NewVersion(a)
	vb, errb := semver.NewVersion(b)
	if erra != nil || errb != nil {
		return strings.Compare(a, b)
	}
	return va.Compare(vb)
}

// CheckUpdate implements syncer.UpdateChecker by probing index.yaml.
func (p *Parser) CheckUpdate(ctx context.Context, c *fetch.Client, repo *chantal.Repository, prev fetch.Fingerprint) (fetch.Fingerprint, bool, error) {
	u, err := syncer.JoinURL(repo.Feed, "index.yaml")
	if err != nil {
		return "", false, err
	}
	return syncer.CheckIndex(ctx, c, u, prev)
}

// FetchMetadata implements syncer.Parser.
//
// The whole upstream state is one index.yaml; every chart version in it
// becomes a candidate. Digests in the index are real sha256 sums, so they
// are enforced, not advisory.
func (p *Parser) FetchMetadata(ctx context.Context, c *fetch.Client, dir string, repo *chantal.Repository) (*syncer.Upstream, error) {
	ctx = zlog.ContextWithValues(ctx,
		"component", "helm/Parser.FetchMetadata",
		"repository", repo.ID)

	u, err := syncer.JoinURL(repo.Feed, "index.yaml")
	if err != nil {
		return nil, err
	}
	blob, err := syncer.FetchIndex(ctx, c, dir, u)
	if err != nil {
		return nil, err
	}
	up := &syncer.Upstream{
		Files: []syncer.File{{
			RepositoryFile: chantal.RepositoryFile{
				SHA256:       blob.SHA256,
				Category:     chantal.FileMetadata,
				Type:         "index",
				OriginalPath: "index.yaml",
				Size:         blob.Size,
			},
			TempPath: blob.Path,
		}},
		Fingerprint: blob.Fingerprint,
	}

	f, err := os.Open(blob.Path)
	if err != nil {
		return nil, fmt.Errorf("helm: reopening index.yaml: %w", err)
	}
	defer f.Close()
	idx, err := ParseIndex(f)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(idx.Entries))
	for name := range idx.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, cv := range idx.Entries[name] {
			if err := ctx.Err(); err != nil {
				return nil, &chantal.Error{Op: "helm: read index", Kind: chantal.ErrCancelled, Inner: err}
			}
			cand, ok := candidate(ctx, cv, name, repo.Feed)
			if !ok {
				continue
			}
			up.Candidates = append(up.Candidates, *cand)
		}
	}

	zlog.Info(ctx).
		Int("charts", len(names)).
		Int("candidates", len(up.Candidates)).
		Msg("upstream metadata parsed")
	return up, nil
}

// helmMetadata is the per-chart extract kept in metadata_json.
type helmMetadata struct {
	AppVersion  string            `json:"app_version,omitempty"`
	Description string            `json:"description,omitempty"`
	APIVersion  string            `json:"api_version,omitempty"`
	ChartType   string            `json:"chart_type,omitempty"`
	KubeVersion string            `json:"kube_version,omitempty"`
	Home        string            `json:"home,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	Keywords    []string          `json:"keywords,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
	Deprecated  bool              `json:"deprecated,omitempty"`
	Digest      string            `json:"declared_digest,omitempty"`
	URLs        []string          `json:"urls,omitempty"`
	Location    string            `json:"location,omitempty"`
}

func candidate(ctx context.Context, cv *ChartVersion, key, feed string) (*syncer.Candidate, bool) {
	name := cv.Name
	if name == "" {
		name = key
	}
	if cv.Version == "" || len(cv.URLs) == 0 {
		zlog.Warn(ctx).
			Str("chart", name).
			Str("version", cv.Version).
			Msg("index entry without version or urls; skipping")
		return nil, false
	}
	u, err := syncer.JoinURL(feed, cv.URLs[0])
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("chart", name).Msg("unresolvable chart url; skipping")
		return nil, false
	}
	fname := chartFilename(u)

	// relative urls keep their layout for mirror publishes; absolute ones
	// land flat
	loc := fname
	if ref, err := url.Parse(cv.URLs[0]); err == nil && !ref.IsAbs() {
		if rel := path.Clean(ref.Path); rel != "" && rel != "." && !path.IsAbs(rel) && !strings.HasPrefix(rel, "../") {
			loc = rel
		}
	}

	sum := strings.TrimPrefix(cv.Digest, "sha256:")
	var want chantal.Digest
	if chantal.ValidSHA256(sum) {
		if d, err := chantal.ParseDigest("sha256:" + sum); err == nil {
			want = d
		}
	} else {
		if cv.Digest != "" {
			zlog.Debug(ctx).Str("chart", name).Str("digest", cv.Digest).Msg("unusable index digest")
		}
		sum = ""
	}

	meta, err := json.Marshal(helmMetadata{
		AppVersion:  cv.AppVersion,
		Description: cv.Description,
		APIVersion:  cv.APIVersion,
		ChartType:   cv.Type,
		KubeVersion: cv.KubeVersion,
		Home:        cv.Home,
		Icon:        cv.Icon,
		Keywords:    cv.Keywords,
		Annotations: cv.Annotations,
		Deprecated:  cv.Deprecated,
		Digest:      cv.Digest,
		URLs:        cv.URLs,
		Location:    loc,
	})
	if err != nil {
		zlog.Warn(ctx).Err(err).Str("chart", name).Msg("unencodable metadata; skipping")
		return nil, false
	}

	return &syncer.Candidate{
		Item: chantal.ContentItem{
			SHA256:      sum,
			Filename:    fname,
			ContentType: "helm-chart",
			Name:        name,
			Version:     cv.Version,
			Metadata:    meta,
		},
		URL:       u,
		Want:      want,
		BuildTime: cv.Created,
	}, true
}

// chartFilename is the basename of the resolved download URL, query and
// fragment excluded.
func chartFilename(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(rawURL)
}
