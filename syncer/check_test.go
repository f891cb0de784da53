package syncer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
)

func testClient(ctx context.Context, t *testing.T, feed string) *fetch.Client {
	t.Helper()
	c, err := fetch.NewClient(ctx, fetch.Base{}, &chantal.RepositoryConfig{
		ID:   "fixture",
		Type: chantal.RPM,
		Feed: feed,
		Mode: chantal.Mirror,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCheckIndex(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)

	body := []byte("repomd generation 1")
	etag := `"gen-1"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	c := testClient(ctx, t, srv.URL)

	fp, changed, err := CheckIndex(ctx, c, srv.URL+"/repomd.xml", "")
	if err != nil {
		t.Fatalf("first check: %v", err)
	}
	if !changed {
		t.Error("first observation must report a change")
	}
	if fp.ETag() != etag || fp.SHA256() != sumOf(body) {
		t.Errorf("fingerprint: etag %q, sha %q", fp.ETag(), fp.SHA256())
	}

	fp2, changed, err := CheckIndex(ctx, c, srv.URL+"/repomd.xml", fp)
	if err != nil {
		t.Fatalf("revalidation: %v", err)
	}
	if changed || fp2 != fp {
		t.Errorf("revalidation: changed %v, fp %q", changed, fp2)
	}
}

func TestCheckIndexIgnoredValidators(t *testing.T) {
	t.Parallel()
	ctx := zlog.Test(context.Background(), t)

	// an upstream that never answers 304; only the body hash can prove
	// nothing moved
	body := []byte("repomd generation 1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	c := testClient(ctx, t, srv.URL)

	prev := fetch.NewFingerprint("", "", sumOf(body))
	fp, changed, err := CheckIndex(ctx, c, srv.URL+"/repomd.xml", prev)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("identical body reported as changed")
	}
	if fp.SHA256() != sumOf(body) {
		t.Errorf("got sha %q", fp.SHA256())
	}

	_, changed, err = CheckIndex(ctx, c, srv.URL+"/repomd.xml", fetch.NewFingerprint("", "", sumOf([]byte("older"))))
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("differing body reported as unchanged")
	}
}

// stubChecker is a stubParser that can also answer cheap update checks.
type stubChecker struct {
	stubParser
	gotPrev fetch.Fingerprint
	next    fetch.Fingerprint
	changed bool
	err     error
}

func (s *stubChecker) CheckUpdate(_ context.Context, _ *fetch.Client, _ *chantal.Repository, prev fetch.Fingerprint) (fetch.Fingerprint, bool, error) {
	s.gotPrev = prev
	return s.next, s.changed, s.err
}

func TestCheckUpdate(t *testing.T) {
	t.Parallel()

	t.Run("NeverSynced", func(t *testing.T) {
		t.Parallel()
		ctx := zlog.Test(context.Background(), t)
		sc := &stubChecker{
			stubParser: stubParser{typ: chantal.RPM},
			next:       fetch.NewFingerprint("", "", sumOf([]byte("x"))),
			changed:    true,
		}
		s, _ := newTestSyncer(t, newFakeStore(), sc)

		out, err := s.CheckUpdate(ctx, mirrorConfig("mirror-1", "http://upstream.invalid"))
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != chantal.Changed {
			t.Errorf("got status %q", out.Status)
		}
		if out.Fingerprint != string(sc.next) {
			t.Errorf("got fingerprint %q", out.Fingerprint)
		}
		if sc.gotPrev != "" {
			t.Errorf("checker saw prior fingerprint %q", sc.gotPrev)
		}
	})

	t.Run("UpToDate", func(t *testing.T) {
		t.Parallel()
		ctx := zlog.Test(context.Background(), t)
		seeded := fetch.NewFingerprint(`"gen-1"`, "", sumOf([]byte("x")))
		sc := &stubChecker{
			stubParser: stubParser{typ: chantal.RPM},
			next:       seeded,
		}
		store := newFakeStore()
		cfg := mirrorConfig("mirror-1", "http://upstream.invalid")
		if err := store.UpsertRepository(ctx, cfg.Repository()); err != nil {
			t.Fatal(err)
		}
		if err := store.SetSyncState(ctx, cfg.ID, time.Now(), string(seeded)); err != nil {
			t.Fatal(err)
		}
		s, _ := newTestSyncer(t, store, sc)

		out, err := s.CheckUpdate(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != chantal.UpToDate {
			t.Errorf("got status %q", out.Status)
		}
		if sc.gotPrev != seeded {
			t.Errorf("checker saw %q, want %q", sc.gotPrev, seeded)
		}
	})

	t.Run("CheckFailure", func(t *testing.T) {
		t.Parallel()
		ctx := zlog.Test(context.Background(), t)
		sc := &stubChecker{
			stubParser: stubParser{typ: chantal.RPM},
			err:        &chantal.Error{Op: "stub", Kind: chantal.ErrNetwork, Message: "unreachable"},
		}
		s, _ := newTestSyncer(t, newFakeStore(), sc)

		out, err := s.CheckUpdate(ctx, mirrorConfig("mirror-1", "http://upstream.invalid"))
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != chantal.CheckError || out.Err == "" {
			t.Errorf("got %+v", out)
		}
	})

	t.Run("NoCheapCheck", func(t *testing.T) {
		t.Parallel()
		ctx := zlog.Test(context.Background(), t)
		// a parser without the capability forces a full sync
		s, _ := newTestSyncer(t, newFakeStore(), &stubParser{typ: chantal.RPM})

		out, err := s.CheckUpdate(ctx, mirrorConfig("mirror-1", "http://upstream.invalid"))
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != chantal.Changed {
			t.Errorf("got status %q", out.Status)
		}
	})

	t.Run("Hosted", func(t *testing.T) {
		t.Parallel()
		ctx := zlog.Test(context.Background(), t)
		s, _ := newTestSyncer(t, newFakeStore(), &stubParser{typ: chantal.RPM})

		cfg := &chantal.RepositoryConfig{ID: "uploads", Type: chantal.RPM, Mode: chantal.Hosted}
		out, err := s.CheckUpdate(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		if out.Status != chantal.UpToDate {
			t.Errorf("got status %q", out.Status)
		}
	})
}
