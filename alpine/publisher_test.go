package alpine

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

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

func apkPubRepo(branch, repoName string) *chantal.Repository {
	return &chantal.Repository{
		ID:   "alpine-pub",
		Name: "alpine-pub",
		Type: chantal.APK,
		Mode: chantal.Filtered,
		Ecosystem: chantal.EcosystemConfig{
			Branch:     branch,
			Repository: repoName,
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

	apk := []byte("nginx apk payload")
	apkSum := putBlob(ctx, t, p, pool.Content, apk)
	idx := indexTarGz(t, "v3.18 main", indexFixture)
	idxSum := putBlob(ctx, t, p, pool.Files, idx)

	meta, _ := json.Marshal(map[string]string{"location": "v3.18/main/x86_64/nginx-1.24.0-r6.apk"})
	set := &publish.Set{
		Mode: chantal.Mirror,
		Sources: []publish.Source{{
			Repository: apkPubRepo("v3.18", "main"),
			Items: []chantal.ContentItem{{
				SHA256:       apkSum,
				Filename:     "nginx-1.24.0-r6.apk",
				Name:         "nginx",
				Version:      "1.24.0-r6",
				Architecture: "x86_64",
				Metadata:     meta,
			}},
			Files: []chantal.RepositoryFile{
				{SHA256: idxSum, Category: chantal.FileMetadata, Type: "apkindex", OriginalPath: "v3.18/main/x86_64/APKINDEX.tar.gz", Compression: "gzip"},
			},
		}},
	}

	target := filepath.Join(root, "pub", "alpine")
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

	for rel, want := range map[string][]byte{
		"v3.18/main/x86_64/APKINDEX.tar.gz":     idx,
		"v3.18/main/x86_64/nginx-1.24.0-r6.apk": apk,
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

	apk := []byte("nginx apk payload")
	apkSum := putBlob(ctx, t, p, pool.Content, apk)
	idxSum := putBlob(ctx, t, p, pool.Files, indexTarGz(t, "upstream v3.18 main", indexFixture))

	meta, _ := json.Marshal(apkMetadata{
		PullChecksum: nginxPull,
		Location:     "v3.18/main/x86_64/nginx-1.24.0-r6.apk",
	})
	set := &publish.Set{
		Mode: chantal.Filtered,
		Sources: []publish.Source{{
			Repository: apkPubRepo("v3.18", "main"),
			Items: []chantal.ContentItem{{
				SHA256:       apkSum,
				Filename:     "nginx-1.24.0-r6.apk",
				Name:         "nginx",
				Version:      "1.24.0-r6",
				Architecture: "x86_64",
				Size:         int64(len(apk)),
				Metadata:     meta,
			}},
			Files: []chantal.RepositoryFile{
				{SHA256: idxSum, Category: chantal.FileMetadata, Type: "apkindex", OriginalPath: "v3.18/main/x86_64/APKINDEX.tar.gz", Compression: "gzip"},
			},
		}},
	}

	target := filepath.Join(root, "pub", "alpine")
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

	f, err := os.Open(filepath.Join(target, "v3.18/main/x86_64/APKINDEX.tar.gz"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	raw, desc, err := OpenIndex(f)
	if err != nil {
		t.Fatal(err)
	}
	// the kept record survives byte-identical, the dropped one is gone
	keep, _, _ := strings.Cut(indexFixture, "\n\n")
	if want := keep + "\n\n"; string(raw) != want {
		t.Errorf("regenerated index:\n%q\nwant:\n%q", raw, want)
	}
	if bytes.Contains(raw, []byte("P:musl")) {
		t.Error("dropped record kept")
	}
	// the upstream description is salvaged
	if got, want := desc.Text, "upstream v3.18 main"; got != want {
		t.Errorf("description: got %q, want %q", got, want)
	}

	payload, err := os.ReadFile(filepath.Join(target, "v3.18/main/x86_64/nginx-1.24.0-r6.apk"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(payload, apk) {
		t.Error("payload bytes differ")
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

	apk := []byte("uploaded apk payload")
	apkSum := putBlob(ctx, t, p, pool.Content, apk)
	set := &publish.Set{
		Mode: chantal.Hosted,
		Sources: []publish.Source{{
			// no branch or repository configured, no stored indexes
			Repository: apkPubRepo("", ""),
			Items: []chantal.ContentItem{{
				SHA256:       apkSum,
				Filename:     "hello-1.0-r0.apk",
				Name:         "hello",
				Version:      "1.0-r0",
				Architecture: "x86_64",
				Size:         int64(len(apk)),
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

	f, err := os.Open(filepath.Join(target, "edge/main/x86_64/APKINDEX.tar.gz"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	raw, desc, err := OpenIndex(f)
	if err != nil {
		t.Fatal(err)
	}
	want := "P:hello\n" +
		"V:1.0-r0\n" +
		"A:x86_64\n" +
		"S:20\n" +
		"\n"
	if string(raw) != want {
		t.Errorf("synthesized record:\n%q\nwant:\n%q", raw, want)
	}
	if got, want := desc.Text, "alpine-pub"; got != want {
		t.Errorf("description: got %q, want %q", got, want)
	}
	if _, err := os.Stat(filepath.Join(target, "edge/main/x86_64/hello-1.0-r0.apk")); err != nil {
		t.Error(err)
	}
}
