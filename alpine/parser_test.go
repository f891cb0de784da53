package alpine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
)

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

func indexTarGz(t *testing.T, desc, index string) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteIndex(&buf, desc, []byte(index)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func apkRepo(srv *httptest.Server, arches ...string) *chantal.Repository {
	return &chantal.Repository{
		ID:   "alpine-fixture",
		Type: chantal.APK,
		Feed: srv.URL,
		Mode: chantal.Mirror,
		Ecosystem: chantal.EcosystemConfig{
			Branch:        "v3.18",
			Repository:    "main",
			Architectures: arches,
		},
	}
}

func TestFetchMetadata(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := serveTree(t, map[string][]byte{
		"/v3.18/main/x86_64/APKINDEX.tar.gz": indexTarGz(t, "v3.18 main", indexFixture),
	})

	c, err := fetch.NewClient(ctx, fetch.Base{}, &chantal.RepositoryConfig{ID: "fixture"})
	if err != nil {
		t.Fatal(err)
	}
	up, err := NewParser().FetchMetadata(ctx, c, t.TempDir(), apkRepo(srv, "x86_64"))
	if err != nil {
		t.Fatal(err)
	}

	if len(up.Files) != 1 {
		t.Fatalf("got %d files, want 1", len(up.Files))
	}
	f := up.Files[0]
	if got, want := f.Type, "apkindex"; got != want {
		t.Errorf("type: got %q, want %q", got, want)
	}
	if got, want := f.OriginalPath, "v3.18/main/x86_64/APKINDEX.tar.gz"; got != want {
		t.Errorf("path: got %q, want %q", got, want)
	}
	if up.Fingerprint == "" {
		t.Error("no fingerprint recorded")
	}

	if len(up.Candidates) != 2 {
		t.Fatalf("got %d candidates, want 2", len(up.Candidates))
	}
	ng := up.Candidates[0]
	if got, want := ng.Item.Name, "nginx"; got != want {
		t.Errorf("name: got %q, want %q", got, want)
	}
	if got, want := ng.Item.Version, "1.24.0-r6"; got != want {
		t.Errorf("version: got %q, want %q", got, want)
	}
	if got, want := ng.Item.Filename, "nginx-1.24.0-r6.apk"; got != want {
		t.Errorf("filename: got %q, want %q", got, want)
	}
	if got, want := ng.Item.Size, int64(565432); got != want {
		t.Errorf("size: got %d, want %d", got, want)
	}
	if got, want := ng.URL, srv.URL+"/v3.18/main/x86_64/nginx-1.24.0-r6.apk"; got != want {
		t.Errorf("url: got %q, want %q", got, want)
	}
	// the index checksum is legacy sha1 and only advisory
	if got, want := ng.Want.String(), "sha1:"+strings.Repeat("ab", 20); got != want {
		t.Errorf("want digest: got %q, want %q", got, want)
	}
	if !ng.AdvisoryOnly {
		t.Error("index checksum not marked advisory")
	}
	if got, want := ng.License, "BSD-2-Clause"; got != want {
		t.Errorf("license: got %q, want %q", got, want)
	}
	if want := time.Unix(1683626828, 0).UTC(); !ng.BuildTime.Equal(want) {
		t.Errorf("build time: got %v, want %v", ng.BuildTime, want)
	}
	var meta apkMetadata
	if err := json.Unmarshal(ng.Item.Metadata, &meta); err != nil {
		t.Fatal(err)
	}
	if got, want := meta.Location, "v3.18/main/x86_64/nginx-1.24.0-r6.apk"; got != want {
		t.Errorf("location: got %q, want %q", got, want)
	}
	if got, want := meta.PullChecksum, nginxPull; got != want {
		t.Errorf("pull checksum: got %q, want %q", got, want)
	}
	if want := []string{"so:libc.musl-x86_64.so.1", "so:libcrypto.so.3"}; !cmp.Equal(meta.Dependencies, want) {
		t.Error(cmp.Diff(meta.Dependencies, want))
	}

	// a record without an A line inherits the directory architecture
	if got, want := up.Candidates[1].Item.Architecture, "x86_64"; got != want {
		t.Errorf("musl arch: got %q, want %q", got, want)
	}
}

func TestFetchMetadataMultiArch(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := serveTree(t, map[string][]byte{
		"/v3.18/main/x86_64/APKINDEX.tar.gz":  indexTarGz(t, "v3.18 main", indexFixture),
		"/v3.18/main/aarch64/APKINDEX.tar.gz": indexTarGz(t, "v3.18 main", indexFixture),
	})

	c, err := fetch.NewClient(ctx, fetch.Base{}, &chantal.RepositoryConfig{ID: "fixture"})
	if err != nil {
		t.Fatal(err)
	}
	up, err := NewParser().FetchMetadata(ctx, c, t.TempDir(), apkRepo(srv, "x86_64", "aarch64"))
	if err != nil {
		t.Fatal(err)
	}
	if len(up.Files) != 2 {
		t.Errorf("got %d files, want 2", len(up.Files))
	}
	if len(up.Candidates) != 4 {
		t.Errorf("got %d candidates, want 4", len(up.Candidates))
	}
}

func TestFetchMetadataConfig(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := serveTree(t, nil)

	c, err := fetch.NewClient(ctx, fetch.Base{}, &chantal.RepositoryConfig{ID: "fixture"})
	if err != nil {
		t.Fatal(err)
	}
	repo := apkRepo(srv, "x86_64")
	repo.Ecosystem.Branch = ""
	_, err = NewParser().FetchMetadata(ctx, c, t.TempDir(), repo)
	if err == nil {
		t.Fatal("expected a configuration error")
	}
	t.Log(err)
	if !errors.Is(err, chantal.ErrConfig) {
		t.Errorf("kind: got %v", err)
	}
}

func TestFetchMetadataMissing(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	srv := serveTree(t, nil)

	c, err := fetch.NewClient(ctx, fetch.Base{}, &chantal.RepositoryConfig{ID: "fixture"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewParser().FetchMetadata(ctx, c, t.TempDir(), apkRepo(srv, "x86_64"))
	if err == nil {
		t.Fatal("expected a fetch error")
	}
	if !errors.Is(err, chantal.ErrNotFound) {
		t.Errorf("kind: got %v", err)
	}
}

func TestCompare(t *testing.T) {
	t.Parallel()
	p := NewParser()
	for _, tc := range []struct {
		a, b string
		want int
	}{
		{"1.0-r1", "1.0-r2", -1},
		{"1.0-r2", "1.0-r1", 1},
		{"1.9", "1.10", -1},
		{"1.0", "1.0-r2", -1},
		{"1.24.0_rc1", "1.24.0", -1},
		{"2.38-r5", "2.38-r5", 0},
	} {
		got := p.Compare(tc.a, tc.b)
		switch {
		case tc.want < 0 && got >= 0,
			tc.want == 0 && got != 0,
			tc.want > 0 && got <= 0:
			t.Errorf("Compare(%q, %q) = %d, want sign %d", tc.a, tc.b, got, tc.want)
		}
	}
}
