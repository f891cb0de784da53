package libmirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/datastore"
	"github.com/slauger/chantal-sub001/pool"
)

func TestReconcile(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	p, err := pool.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	keepC := putBlob(ctx, t, p, pool.Content, []byte("referenced payload"))
	orphanC := putBlob(ctx, t, p, pool.Content, []byte("orphaned payload"))
	keepF := putBlob(ctx, t, p, pool.Files, []byte("referenced index"))
	orphanF := putBlob(ctx, t, p, pool.Files, []byte("orphaned index"))
	missing := sumOf([]byte("never pooled"))

	// a crashed writer's leavings, and a fresh one a writer still owns
	stale := filepath.Join(p.TempDir(), "stale-download")
	if err := os.WriteFile(stale, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}
	fresh := filepath.Join(p.TempDir(), "fresh-download")
	if err := os.WriteFile(fresh, []byte("y"), 0o600); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	store.contentRefs = []string{keepC, missing}
	store.fileRefs = []string{keepF}
	store.pruneContent, store.pruneFiles = 3, 1

	m := newTestMirror(ctx, t, &Options{Store: store, Pool: p})
	rep, err := m.Reconcile(ctx, ReconcileOpts{SweepTempAge: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	if want := []string{orphanC}; !cmp.Equal(rep.OrphanContent, want) {
		t.Errorf("orphan content: got %v, want %v", rep.OrphanContent, want)
	}
	if want := []string{orphanF}; !cmp.Equal(rep.OrphanFiles, want) {
		t.Errorf("orphan files: got %v, want %v", rep.OrphanFiles, want)
	}
	if want := []string{missing}; !cmp.Equal(rep.MissingContent, want) {
		t.Errorf("missing content: got %v, want %v", rep.MissingContent, want)
	}
	if len(rep.MissingFiles) != 0 || len(rep.Corrupt) != 0 {
		t.Errorf("unexpected findings: missing files %v, corrupt %v", rep.MissingFiles, rep.Corrupt)
	}
	if rep.PrunedContentRows != 3 || rep.PrunedFileRows != 1 {
		t.Errorf("pruned %d content rows, %d file rows", rep.PrunedContentRows, rep.PrunedFileRows)
	}
	if want := int64(len("orphaned payload") + len("orphaned index")); rep.ReclaimedBytes != want {
		t.Errorf("got %d reclaimed bytes, want %d", rep.ReclaimedBytes, want)
	}
	if rep.SweptTemp != 1 {
		t.Errorf("swept %d temp files", rep.SweptTemp)
	}

	// orphans are gone, referenced blobs stay
	if ok, _ := p.Has(pool.Content, orphanC); ok {
		t.Error("orphaned payload still pooled")
	}
	if ok, _ := p.Has(pool.Files, orphanF); ok {
		t.Error("orphaned index still pooled")
	}
	if ok, _ := p.Has(pool.Content, keepC); !ok {
		t.Error("referenced payload deleted")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh temp file swept: %v", err)
	}
}

func TestReconcileDryRun(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	p, err := pool.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	keep := putBlob(ctx, t, p, pool.Content, []byte("referenced payload"))
	orphan := putBlob(ctx, t, p, pool.Content, []byte("orphaned payload"))
	store := newFakeStore()
	store.contentRefs = []string{keep}
	store.pruneContent = 5

	m := newTestMirror(ctx, t, &Options{Store: store, Pool: p})
	rep, err := m.Reconcile(ctx, ReconcileOpts{DryRun: true})
	if err != nil {
		t.Fatal(err)
	}

	if want := []string{orphan}; !cmp.Equal(rep.OrphanContent, want) {
		t.Errorf("orphan content: got %v, want %v", rep.OrphanContent, want)
	}
	// reported as reclaimable, but nothing was touched
	if want := int64(len("orphaned payload")); rep.ReclaimedBytes != want {
		t.Errorf("got %d reclaimed bytes, want %d", rep.ReclaimedBytes, want)
	}
	if ok, _ := p.Has(pool.Content, orphan); !ok {
		t.Error("dry run deleted a blob")
	}
	if store.pruned || rep.PrunedContentRows != 0 {
		t.Errorf("dry run pruned rows: called %v, reported %d", store.pruned, rep.PrunedContentRows)
	}
}

func TestReconcileVerify(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	p, err := pool.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	good := putBlob(ctx, t, p, pool.Content, []byte("good bytes"))
	bad := putBlob(ctx, t, p, pool.Content, []byte("will rot"))
	// rot the blob behind the pool's back
	if err := os.WriteFile(p.PathOf(pool.Content, bad), []byte("rotted"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newFakeStore()
	store.contentRefs = []string{good, bad}

	m := newTestMirror(ctx, t, &Options{Store: store, Pool: p})
	rep, err := m.Reconcile(ctx, ReconcileOpts{Verify: true})
	if err != nil {
		t.Fatal(err)
	}

	if want := []string{bad}; !cmp.Equal(rep.Corrupt, want) {
		t.Errorf("corrupt: got %v, want %v", rep.Corrupt, want)
	}
	// corruption is reported, never repaired or deleted
	if ok, _ := p.Has(pool.Content, bad); !ok {
		t.Error("corrupt blob removed")
	}
}

func TestReconcileRepositoryScope(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	p, err := pool.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	pooled := putBlob(ctx, t, p, pool.Content, []byte("member payload"))
	orphan := putBlob(ctx, t, p, pool.Content, []byte("someone else's payload"))
	pooledF := putBlob(ctx, t, p, pool.Files, []byte("repomd"))
	missingC := sumOf([]byte("lost payload"))
	missingF := sumOf([]byte("lost index"))

	store := newFakeStore()
	store.repos["fedora"] = &chantal.Repository{ID: "fedora", Name: "fedora", Type: chantal.RPM, Mode: chantal.Mirror}
	store.members["fedora"] = []*chantal.ContentItem{
		{SHA256: pooled, Name: "a", Version: "1.0"},
		{SHA256: missingC, Name: "b", Version: "1.0"},
	}
	store.files["fedora"] = []*chantal.RepositoryFile{
		{SHA256: pooledF, Category: chantal.FileMetadata, Type: "repomd", OriginalPath: "repodata/repomd.xml"},
		{SHA256: missingF, Category: chantal.FileMetadata, Type: "primary", OriginalPath: "repodata/primary.xml.gz"},
	}

	m := newTestMirror(ctx, t, &Options{Store: store, Pool: p})
	rep, err := m.Reconcile(ctx, ReconcileOpts{Repository: "fedora"})
	if err != nil {
		t.Fatal(err)
	}

	if want := []string{missingC}; !cmp.Equal(rep.MissingContent, want) {
		t.Errorf("missing content: got %v, want %v", rep.MissingContent, want)
	}
	if want := []string{missingF}; !cmp.Equal(rep.MissingFiles, want) {
		t.Errorf("missing files: got %v, want %v", rep.MissingFiles, want)
	}
	// one repository's view cannot tell an orphan from another
	// repository's member
	if len(rep.OrphanContent) != 0 {
		t.Errorf("scoped pass reported orphans: %v", rep.OrphanContent)
	}
	if ok, _ := p.Has(pool.Content, orphan); !ok {
		t.Error("scoped pass deleted a blob")
	}
	if store.pruned {
		t.Error("scoped pass pruned rows")
	}
}

func TestPoolStats(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)
	p, err := pool.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	a := []byte("payload one")
	b := []byte("payload two, longer")
	idx := []byte("index")
	putBlob(ctx, t, p, pool.Content, a)
	putBlob(ctx, t, p, pool.Content, b)
	putBlob(ctx, t, p, pool.Files, idx)

	store := newFakeStore()
	store.counts = datastore.Counts{Repositories: 2, ContentItems: 2, Files: 1, Snapshots: 3, Views: 1}

	m := newTestMirror(ctx, t, &Options{Store: store, Pool: p})
	st, err := m.PoolStats(ctx)
	if err != nil {
		t.Fatal(err)
	}

	if st.Content.Blobs != 2 || st.Content.Bytes != int64(len(a)+len(b)) {
		t.Errorf("content census: %+v", st.Content)
	}
	if st.Files.Blobs != 1 || st.Files.Bytes != int64(len(idx)) {
		t.Errorf("files census: %+v", st.Files)
	}
	if !cmp.Equal(st.Counts, store.counts) {
		t.Errorf("counts (-got +want):\n%s", cmp.Diff(st.Counts, store.counts))
	}
}
