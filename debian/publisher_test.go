package debian

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/pool"
	"github.com/slauger/chantal-sub001/publish"
)

func putBlob(ctx context.Context, t *testing.T, p *pool.Pool, b pool.Bucket, data []byte) string {
	t.Helper()
	res, err := p.Put(ctx, b, bytes.NewReader(data), "")
	if err != nil {
		t.Fatal(err)
	}
	return res.SHA256
}

func gunzip(t *testing.T, b []byte) []byte {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func debRepo(mode chantal.Mode, dist string) *chantal.Repository {
	return &chantal.Repository{
		ID:   "debian-pub",
		Name: "debian-pub",
		Type: chantal.Deb,
		Mode: mode,
		Ecosystem: chantal.EcosystemConfig{
			Distribution: dist,
		},
	}
}

func TestPublishMirror(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	root := t.TempDir()
	p, err := pool.New(filepath.Join(root, "pool"))
	if err != nil {
		t.Fatal(err)
	}

	deb := []byte("zlib1g payload bytes")
	debSum := putBlob(ctx, t, p, pool.Content, deb)
	inRelease := []byte("-----BEGIN PGP SIGNED MESSAGE-----\nstored verbatim\n")
	inSum := putBlob(ctx, t, p, pool.Files, inRelease)
	pkgGz := gzBytes(t, []byte(packagesFixture))
	pkgSum := putBlob(ctx, t, p, pool.Files, pkgGz)

	meta, _ := json.Marshal(map[string]string{
		"component": "main",
		"location":  "pool/main/z/zlib/zlib1g_1.2.13.dfsg-1_amd64.deb",
	})
	set := &publish.Set{
		Mode: chantal.Mirror,
		Sources: []publish.Source{{
			Repository: debRepo(chantal.Mirror, "bookworm"),
			Items: []chantal.ContentItem{{
				SHA256:       debSum,
				Filename:     "zlib1g_1.2.13.dfsg-1_amd64.deb",
				Name:         "zlib1g",
				Version:      "1:1.2.13.dfsg-1",
				Architecture: "amd64",
				Metadata:     meta,
			}},
			Files: []chantal.RepositoryFile{
				{SHA256: inSum, Category: chantal.FileMetadata, Type: "inrelease", OriginalPath: "dists/bookworm/InRelease"},
				{SHA256: pkgSum, Category: chantal.FileMetadata, Type: "packages", OriginalPath: "dists/bookworm/main/binary-amd64/Packages.gz", Compression: "gzip"},
			},
		}},
	}

	target := filepath.Join(root, "pub", "debian")
	tree, err := publish.NewTree(p, target)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Discard()
	if err := NewPublisher().Publish(ctx, tree, set); err != nil {
		t.Fatal(err)
	}
	if err := tree.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	// everything lands at its upstream path, byte for byte
	for rel, want := range map[string][]byte{
		"dists/bookworm/InRelease":                        inRelease,
		"dists/bookworm/main/binary-amd64/Packages.gz":    pkgGz,
		"pool/main/z/zlib/zlib1g_1.2.13.dfsg-1_amd64.deb": deb,
	} {
		got, err := os.ReadFile(filepath.Join(target, filepath.FromSlash(rel)))
		if err != nil {
			t.Errorf("%s: %v", rel, err)
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: published bytes differ from stored", rel)
		}
	}
}

func TestPublishFiltered(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	root := t.TempDir()
	p, err := pool.New(filepath.Join(root, "pool"))
	if err != nil {
		t.Fatal(err)
	}

	deb := []byte("kept payload")
	debSum := putBlob(ctx, t, p, pool.Content, deb)
	keepStanza := "Package: zlib1g\n" +
		"Version: 1:1.2.13.dfsg-1\n" +
		"Architecture: amd64\n" +
		"Filename: pool/main/z/zlib/zlib1g_1.2.13.dfsg-1_amd64.deb\n" +
		"Size: 12\n" +
		"SHA256: " + debSum + "\n"
	dropStanza := "Package: nginx-core\n" +
		"Version: 1.22.1-9\n" +
		"Architecture: amd64\n" +
		"Filename: pool/main/n/nginx/nginx-core_1.22.1-9_amd64.deb\n" +
		"Size: 586228\n" +
		"SHA256: " + nginxDebSum + "\n"
	pkgGz := gzBytes(t, []byte(keepStanza+"\n"+dropStanza))
	pkgSum := putBlob(ctx, t, p, pool.Files, pkgGz)

	var rb bytes.Buffer
	if err := WriteRelease(&rb, &Release{Origin: "Example", Label: "Example APT", Suite: "bookworm", Codename: "bookworm"}); err != nil {
		t.Fatal(err)
	}
	relSum := putBlob(ctx, t, p, pool.Files, rb.Bytes())
	sigSum := putBlob(ctx, t, p, pool.Files, []byte("-----BEGIN PGP SIGNATURE-----\nstale\n"))

	meta, _ := json.Marshal(map[string]string{
		"component": "main",
		"location":  "pool/main/z/zlib/zlib1g_1.2.13.dfsg-1_amd64.deb",
	})
	set := &publish.Set{
		Mode: chantal.Filtered,
		Sources: []publish.Source{{
			Repository: debRepo(chantal.Filtered, "bookworm"),
			Items: []chantal.ContentItem{{
				SHA256:       debSum,
				Filename:     "zlib1g_1.2.13.dfsg-1_amd64.deb",
				Name:         "zlib1g",
				Version:      "1:1.2.13.dfsg-1",
				Architecture: "amd64",
				Size:         int64(len(deb)),
				Metadata:     meta,
			}},
			Files: []chantal.RepositoryFile{
				{SHA256: relSum, Category: chantal.FileMetadata, Type: "release", OriginalPath: "dists/bookworm/Release"},
				{SHA256: sigSum, Category: chantal.FileSignature, Type: "release.gpg", OriginalPath: "dists/bookworm/Release.gpg"},
				{SHA256: pkgSum, Category: chantal.FileMetadata, Type: "packages", OriginalPath: "dists/bookworm/main/binary-amd64/Packages.gz", Compression: "gzip"},
			},
		}},
	}

	target := filepath.Join(root, "pub", "debian")
	tree, err := publish.NewTree(p, target)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Discard()
	if err := NewPublisher().Publish(ctx, tree, set); err != nil {
		t.Fatal(err)
	}
	if err := tree.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	plain, err := os.ReadFile(filepath.Join(target, "dists/bookworm/main/binary-amd64/Packages"))
	if err != nil {
		t.Fatal(err)
	}
	// the kept stanza survives byte-identical, the dropped one is gone
	if string(plain) != keepStanza {
		t.Errorf("regenerated Packages:\n%q\nwant:\n%q", plain, keepStanza)
	}
	zipped, err := os.ReadFile(filepath.Join(target, "dists/bookworm/main/binary-amd64/Packages.gz"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gunzip(t, zipped), plain) {
		t.Error("Packages.gz does not decompress to the plain index")
	}

	relBytes, err := os.ReadFile(filepath.Join(target, "dists/bookworm/Release"))
	if err != nil {
		t.Fatal(err)
	}
	rel, err := ParseRelease(bytes.NewReader(relBytes))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rel.Origin, "Example"; got != want {
		t.Errorf("origin: got %q, want %q", got, want)
	}
	if got, want := rel.Suite, "bookworm"; got != want {
		t.Errorf("suite: got %q, want %q", got, want)
	}
	if want := []string{"main"}; !cmp.Equal(rel.Components, want) {
		t.Error(cmp.Diff(rel.Components, want))
	}
	if want := []string{"amd64"}; !cmp.Equal(rel.Architectures, want) {
		t.Error(cmp.Diff(rel.Architectures, want))
	}
	if got, want := rel.Digest("main/binary-amd64/Packages").String(), "sha256:"+hexSum(plain); got != want {
		t.Errorf("Packages digest: got %q, want %q", got, want)
	}
	if got, want := rel.Digest("main/binary-amd64/Packages.gz").String(), "sha256:"+hexSum(zipped); got != want {
		t.Errorf("Packages.gz digest: got %q, want %q", got, want)
	}
	if len(rel.MD5Sum) != len(rel.SHA256) || len(rel.SHA1) != len(rel.SHA256) {
		t.Errorf("ragged checksum tables: md5 %d, sha1 %d, sha256 %d", len(rel.MD5Sum), len(rel.SHA1), len(rel.SHA256))
	}

	// the regenerated tree is unsigned
	for _, sig := range []string{"dists/bookworm/InRelease", "dists/bookworm/Release.gpg"} {
		if _, err := os.Stat(filepath.Join(target, filepath.FromSlash(sig))); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("%s: expected absence, got %v", sig, err)
		}
	}
}

func TestPublishFilteredSources(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	root := t.TempDir()
	p, err := pool.New(filepath.Join(root, "pool"))
	if err != nil {
		t.Fatal(err)
	}

	dsc := []byte("dsc bytes")
	orig := []byte("orig tarball bytes")
	dscSum := putBlob(ctx, t, p, pool.Content, dsc)
	origSum := putBlob(ctx, t, p, pool.Content, orig)

	complete := "Package: zlib\n" +
		"Version: 1:1.2.13.dfsg-1\n" +
		"Directory: pool/main/z/zlib\n" +
		"Checksums-Sha256:\n" +
		" " + dscSum + " 9 zlib_1.2.13.dfsg-1.dsc\n" +
		" " + origSum + " 18 zlib_1.2.13.dfsg.orig.tar.xz\n"
	// nginx's orig tarball is not among the published items
	partial := "Package: nginx\n" +
		"Version: 1.22.1-9\n" +
		"Directory: pool/main/n/nginx\n" +
		"Checksums-Sha256:\n" +
		" " + strings.Repeat("9c", 32) + " 5 nginx_1.22.1-9.dsc\n"
	srcGz := gzBytes(t, []byte(complete+"\n"+partial))
	srcSum := putBlob(ctx, t, p, pool.Files, srcGz)

	mkItem := func(sum, fname string, size int64) chantal.ContentItem {
		meta, _ := json.Marshal(map[string]string{
			"component": "main",
			"location":  "pool/main/z/zlib/" + fname,
		})
		return chantal.ContentItem{
			SHA256:       sum,
			Filename:     fname,
			Name:         "zlib",
			Version:      "1:1.2.13.dfsg-1",
			Architecture: "source",
			Size:         size,
			Metadata:     meta,
		}
	}
	set := &publish.Set{
		Mode: chantal.Filtered,
		Sources: []publish.Source{{
			Repository: debRepo(chantal.Filtered, "bookworm"),
			Items: []chantal.ContentItem{
				mkItem(dscSum, "zlib_1.2.13.dfsg-1.dsc", 9),
				mkItem(origSum, "zlib_1.2.13.dfsg.orig.tar.xz", 18),
			},
			Files: []chantal.RepositoryFile{
				{SHA256: srcSum, Category: chantal.FileMetadata, Type: "sources", OriginalPath: "dists/bookworm/main/source/Sources.gz", Compression: "gzip"},
			},
		}},
	}

	target := filepath.Join(root, "pub", "debian")
	tree, err := publish.NewTree(p, target)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Discard()
	if err := NewPublisher().Publish(ctx, tree, set); err != nil {
		t.Fatal(err)
	}
	if err := tree.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(target, "dists/bookworm/main/source/Sources"))
	if err != nil {
		t.Fatal(err)
	}
	// a stanza survives only when every file it lists is published
	if string(got) != complete {
		t.Errorf("regenerated Sources:\n%q\nwant:\n%q", got, complete)
	}
	if bytes.Contains(got, []byte("nginx")) {
		t.Error("partial source package kept")
	}
	for _, rel := range []string{
		"pool/main/z/zlib/zlib_1.2.13.dfsg-1.dsc",
		"pool/main/z/zlib/zlib_1.2.13.dfsg.orig.tar.xz",
	} {
		if _, err := os.Stat(filepath.Join(target, filepath.FromSlash(rel))); err != nil {
			t.Errorf("%s: %v", rel, err)
		}
	}
}

func TestPublishHostedSynthesis(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	root := t.TempDir()
	p, err := pool.New(filepath.Join(root, "pool"))
	if err != nil {
		t.Fatal(err)
	}

	deb := []byte("uploaded payload")
	debSum := putBlob(ctx, t, p, pool.Content, deb)
	set := &publish.Set{
		Mode: chantal.Hosted,
		Sources: []publish.Source{{
			// no distribution configured, no stored indexes at all
			Repository: debRepo(chantal.Hosted, ""),
			Items: []chantal.ContentItem{{
				SHA256:       debSum,
				Filename:     "hello_1.0-1_amd64.deb",
				Name:         "hello",
				Version:      "1.0-1",
				Architecture: "amd64",
				Size:         int64(len(deb)),
			}},
		}},
	}

	target := filepath.Join(root, "pub", "hosted")
	tree, err := publish.NewTree(p, target)
	if err != nil {
		t.Fatal(err)
	}
	defer tree.Discard()
	if err := NewPublisher().Publish(ctx, tree, set); err != nil {
		t.Fatal(err)
	}
	if err := tree.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	plain, err := os.ReadFile(filepath.Join(target, "dists/stable/main/binary-amd64/Packages"))
	if err != nil {
		t.Fatal(err)
	}
	want := "Package: hello\n" +
		"Version: 1.0-1\n" +
		"Architecture: amd64\n" +
		"Filename: pool/main/h/hello/hello_1.0-1_amd64.deb\n" +
		"Size: 16\n" +
		"SHA256: " + debSum + "\n"
	if string(plain) != want {
		t.Errorf("synthesized stanza:\n%q\nwant:\n%q", plain, want)
	}
	payload, err := os.ReadFile(filepath.Join(target, "pool/main/h/hello/hello_1.0-1_amd64.deb"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, deb) {
		t.Error("payload bytes differ")
	}
	rel, err := func() (*Release, error) {
		b, err := os.ReadFile(filepath.Join(target, "dists/stable/Release"))
		if err != nil {
			return nil, err
		}
		return ParseRelease(bytes.NewReader(b))
	}()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rel.Suite, "stable"; got != want {
		t.Errorf("suite: got %q, want %q", got, want)
	}
	if got, want := rel.Origin, "debian-pub"; got != want {
		t.Errorf("origin: got %q, want %q", got, want)
	}
}

func TestPoolPath(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		component, source, name, filename string
		want                              string
	}{
		{"", "", "zlib1g", "a.deb", "pool/main/z/zlib1g/a.deb"},
		{"", "zlib", "zlib1g", "a.deb", "pool/main/z/zlib/a.deb"},
		{"", "zlib (1:1.2.13.dfsg-1)", "zlib1g", "a.deb", "pool/main/z/zlib/a.deb"},
		{"contrib", "", "libssl3", "b.deb", "pool/contrib/libs/libssl3/b.deb"},
		{"", "", "", "c.deb", "pool/main/u/unknown/c.deb"},
	} {
		if got := poolPath(tc.component, tc.source, tc.name, tc.filename); got != tc.want {
			t.Errorf("poolPath(%q, %q, %q, %q) = %q, want %q", tc.component, tc.source, tc.name, tc.filename, got, tc.want)
		}
	}
}
