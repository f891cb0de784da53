package rpm

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
)

const compsFixture = `<?xml version="1.0" encoding="UTF-8"?>
<comps>
  <group>
    <id>core</id>
    <name>Core</name>
    <packagelist>
      <packagereq type="mandatory">zlib</packagereq>
    </packagelist>
  </group>
</comps>
`

func gzBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func hexSum(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

// serveTree serves a path-to-bytes map over HTTP.
func serveTree(t *testing.T, files map[string][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(b)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// upstreamFixture assembles a small served repository out of the package
// fixtures, with real checksums in the repomd.
func upstreamFixture(t *testing.T) map[string][]byte {
	t.Helper()
	primaryGZ := gzBytes(t, []byte(primaryFixture))
	updatesGZ := gzBytes(t, []byte(updateinfoFixture))
	comps := []byte(compsFixture)

	data := []RepoMDData{
		{
			Type:     "primary",
			Checksum: XMLSum{Type: "sha256", Value: hexSum(primaryGZ)},
			Location: Location{Href: "repodata/" + hexSum(primaryGZ) + "-primary.xml.gz"},
			Size:     int64(len(primaryGZ)),
		},
		{
			Type:     "updateinfo",
			Checksum: XMLSum{Type: "sha256", Value: hexSum(updatesGZ)},
			Location: Location{Href: "repodata/" + hexSum(updatesGZ) + "-updateinfo.xml.gz"},
			Size:     int64(len(updatesGZ)),
		},
		{
			Type:     "group",
			Checksum: XMLSum{Type: "sha256", Value: hexSum(comps)},
			Location: Location{Href: "repodata/" + hexSum(comps) + "-comps.xml"},
			Size:     int64(len(comps)),
		},
	}
	files := map[string][]byte{
		"/" + data[0].Location.Href: primaryGZ,
		"/" + data[1].Location.Href: updatesGZ,
		"/" + data[2].Location.Href: comps,
	}
	var md bytes.Buffer
	if err := WriteRepoMD(&md, "1673999000", data); err != nil {
		t.Fatal(err)
	}
	files["/repodata/repomd.xml"] = md.Bytes()
	return files
}

func TestFetchMetadata(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := serveTree(t, upstreamFixture(t))

	c, err := fetch.NewClient(ctx, fetch.Base{}, &chantal.RepositoryConfig{ID: "fixture"})
	if err != nil {
		t.Fatal(err)
	}
	up, err := NewParser().FetchMetadata(ctx, c, t.TempDir(), &chantal.Repository{
		ID:   "fixture",
		Type: chantal.RPM,
		Feed: srv.URL,
		Mode: chantal.Mirror,
	})
	if err != nil {
		t.Fatal(err)
	}

	var types []string
	for i := range up.Files {
		f := &up.Files[i]
		types = append(types, f.Type)
		if _, err := os.Stat(f.TempPath); err != nil {
			t.Errorf("temp for %s: %v", f.Type, err)
		}
	}
	// repomd first, then the data entries sorted by type in the served
	// document
	wantTypes := []string{"repomd", "group", "primary", "updateinfo"}
	if !cmp.Equal(types, wantTypes) {
		t.Error(cmp.Diff(types, wantTypes))
	}
	for i := range up.Files {
		f := &up.Files[i]
		var want string
		switch f.Type {
		case "primary", "updateinfo":
			want = "gzip"
		}
		if f.Compression != want {
			t.Errorf("%s compression: got %q, want %q", f.Type, f.Compression, want)
		}
	}

	type row struct {
		Name, Version, Arch, URL string
		Groups                   []string
	}
	var got []row
	for i := range up.Candidates {
		c := &up.Candidates[i]
		got = append(got, row{c.Item.Name, c.Item.Version, c.Item.Architecture, c.URL, c.Groups})
	}
	want := []row{
		{"zlib", "1.2.13-3.el9", "x86_64", srv.URL + "/Packages/z/zlib-1.2.13-3.el9.x86_64.rpm", []string{"core"}},
		{"zlib-devel", "1:1.2.13-3.el9", "x86_64", srv.URL + "/Packages/z/zlib-devel-1.2.13-3.el9.x86_64.rpm", nil},
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}

	// a sha256 index checksum is the payload identity
	const zlibSum = "e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5e5"
	if got := up.Candidates[0].Item.SHA256; got != zlibSum {
		t.Errorf("item sha256: got %q, want %q", got, zlibSum)
	}
	if got, want := up.Candidates[0].Want.String(), "sha256:"+zlibSum; got != want {
		t.Errorf("want digest: got %q, want %q", got, want)
	}
	if got := up.Candidates[0].BuildTime; got.IsZero() {
		t.Error("build time not carried over")
	}
	if up.Fingerprint == "" {
		t.Error("missing fingerprint")
	}
}

func TestFetchMetadataChecksumMismatch(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	files := upstreamFixture(t)
	// corrupt the primary blob without touching the repomd
	for p := range files {
		if p != "/repodata/repomd.xml" && bytes.Contains([]byte(p), []byte("primary")) {
			files[p] = append([]byte("garbage"), files[p]...)
		}
	}
	srv := serveTree(t, files)

	c, err := fetch.NewClient(ctx, fetch.Base{}, &chantal.RepositoryConfig{ID: "fixture"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewParser().FetchMetadata(ctx, c, t.TempDir(), &chantal.Repository{
		ID:   "fixture",
		Type: chantal.RPM,
		Feed: srv.URL,
		Mode: chantal.Mirror,
	})
	if err == nil {
		t.Fatal("expected checksum error")
	}
	t.Log(err)
	if !errors.Is(err, chantal.ErrChecksumMismatch) {
		t.Errorf("kind: got %v", err)
	}
}

func TestFetchMetadataNoPrimary(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	comps := []byte(compsFixture)
	data := []RepoMDData{{
		Type:     "group",
		Checksum: XMLSum{Type: "sha256", Value: hexSum(comps)},
		Location: Location{Href: "repodata/" + hexSum(comps) + "-comps.xml"},
		Size:     int64(len(comps)),
	}}
	var md bytes.Buffer
	if err := WriteRepoMD(&md, "1", data); err != nil {
		t.Fatal(err)
	}
	srv := serveTree(t, map[string][]byte{
		"/repodata/repomd.xml":      md.Bytes(),
		"/" + data[0].Location.Href: comps,
	})

	c, err := fetch.NewClient(ctx, fetch.Base{}, &chantal.RepositoryConfig{ID: "fixture"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewParser().FetchMetadata(ctx, c, t.TempDir(), &chantal.Repository{
		ID:   "fixture",
		Type: chantal.RPM,
		Feed: srv.URL,
		Mode: chantal.Mirror,
	})
	if err == nil {
		t.Fatal("expected an error for a repo without primary data")
	}
	t.Log(err)
}

func TestCompare(t *testing.T) {
	t.Parallel()
	p := NewParser()
	tt := []struct {
		a, b string
		want int
	}{
		{"1.2.13-3.el9", "1.2.13-3.el9", 0},
		{"1.2.13-3.el9", "1.2.14-1.el9", -1},
		{"2:1.0-1", "1:9.9-9", 1},
		{"10.0-1", "9.0-1", 1},
	}
	for _, tc := range tt {
		got := p.Compare(tc.a, tc.b)
		switch {
		case tc.want == 0 && got != 0,
			tc.want < 0 && got >= 0,
			tc.want > 0 && got <= 0:
			t.Errorf("Compare(%q, %q): got %d, want sign %d", tc.a, tc.b, got, tc.want)
		}
	}
}
