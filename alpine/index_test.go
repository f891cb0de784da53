package alpine

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"strings"
	"testing"
)

var (
	nginxPull, _ = pullChecksum(strings.Repeat("ab", 20))
	muslPull, _  = pullChecksum(strings.Repeat("cd", 20))
)

var indexFixture = "C:" + nginxPull + "\n" +
	"P:nginx\n" +
	"V:1.24.0-r6\n" +
	"A:x86_64\n" +
	"S:565432\n" +
	"I:1327104\n" +
	"T:HTTP and reverse proxy server\n" +
	"U:https://www.nginx.org/\n" +
	"L:BSD-2-Clause\n" +
	"o:nginx\n" +
	"m:A Maintainer <maint@example.com>\n" +
	"t:1683626828\n" +
	"c:deadbeefcafe\n" +
	"D:so:libc.musl-x86_64.so.1 so:libcrypto.so.3\n" +
	"p:cmd:nginx=1.24.0-r6\n" +
	"\n" +
	"C:" + muslPull + "\n" +
	"P:musl\n" +
	"V:1.2.4-r2\n" +
	"S:407556\n" +
	"t:1683014970\n" +
	"\n"

func TestWalkRecords(t *testing.T) {
	t.Parallel()
	var got []*Record
	err := WalkRecords(strings.NewReader(indexFixture), func(r *Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}

	r := got[0]
	for _, pair := range []struct {
		key  byte
		want string
	}{
		{'C', nginxPull},
		{'P', "nginx"},
		{'V', "1.24.0-r6"},
		{'A', "x86_64"},
		{'S', "565432"},
		{'L', "BSD-2-Clause"},
		{'D', "so:libc.musl-x86_64.so.1 so:libcrypto.so.3"},
	} {
		if v := r.Get(pair.key); v != pair.want {
			t.Errorf("%c: got %q, want %q", pair.key, v, pair.want)
		}
	}
	// verbatim bytes survive
	wantRaw, _, _ := strings.Cut(indexFixture, "\n\n")
	if string(r.Raw) != wantRaw+"\n" {
		t.Errorf("raw record:\n%q\nwant:\n%q", r.Raw, wantRaw+"\n")
	}
	if v := got[1].Get('P'); v != "musl" {
		t.Errorf("second record: got %q, want musl", v)
	}
	if v := got[1].Get('A'); v != "" {
		t.Errorf("second record arch: got %q, want empty", v)
	}
}

func TestWalkRecordsMalformed(t *testing.T) {
	t.Parallel()
	err := WalkRecords(strings.NewReader("P:ok\nnonsense line\n"), func(*Record) error { return nil })
	if err == nil {
		t.Error("expected a parse error")
	}
	t.Log(err)
}

func TestWriteIndexRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteIndex(&buf, "example main", []byte(indexFixture)); err != nil {
		t.Fatal(err)
	}
	raw, desc, err := OpenIndex(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte(indexFixture)) {
		t.Error("index bytes do not round-trip")
	}
	if got, want := desc.Text, "example main"; got != want {
		t.Errorf("description: got %q, want %q", got, want)
	}
}

// TestOpenIndexSigned feeds OpenIndex the upstream layout: a signature tar
// segment without end-of-archive blocks in its own gzip member, then the
// index archive proper.
func TestOpenIndexSigned(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	sig := []byte("not a real signature")
	err := tw.WriteHeader(&tar.Header{
		Name:     ".SIGN.RSA.alpine-devel@example.com.rsa.pub",
		Mode:     0o644,
		Size:     int64(len(sig)),
		Typeflag: tar.TypeReg,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(sig); err != nil {
		t.Fatal(err)
	}
	// pad the entry but skip Close: the signature segment has no terminator
	if err := tw.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := WriteIndex(&buf, "example main", []byte(indexFixture)); err != nil {
		t.Fatal(err)
	}

	raw, desc, err := OpenIndex(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, []byte(indexFixture)) {
		t.Error("index bytes differ behind the signature segment")
	}
	if got, want := desc.Text, "example main"; got != want {
		t.Errorf("description: got %q, want %q", got, want)
	}
}

func TestPullChecksum(t *testing.T) {
	t.Parallel()
	hexsum := strings.Repeat("0f", 20)
	pull, ok := pullChecksum(hexsum)
	if !ok || !strings.HasPrefix(pull, "Q1") {
		t.Fatalf("pullChecksum: got %q, %v", pull, ok)
	}
	back, ok := sha1FromPull(pull)
	if !ok || back != hexsum {
		t.Errorf("round trip: got %q, %v", back, ok)
	}
	for _, bad := range []string{"", "Q2abcd", "Q1***", "Q1dGVzdA=="} {
		if _, ok := sha1FromPull(bad); ok {
			t.Errorf("sha1FromPull(%q) unexpectedly ok", bad)
		}
	}
}
