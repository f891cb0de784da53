package zreader

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

const doc = `the quick brown fox jumps over the lazy dog`

type roundtrip struct {
	Name     string
	Kind     Compression
	Compress func(t *testing.T, in []byte) []byte
}

func (tc roundtrip) Run(t *testing.T) {
	t.Parallel()
	in := tc.Compress(t, []byte(doc))
	c, _, err := Detect(bytes.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if c != tc.Kind {
		t.Errorf("detect got: %v, want: %v", c, tc.Kind)
	}
	z, err := Reader(bytes.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	defer z.Close()
	out, err := io.ReadAll(z)
	if err != nil {
		t.Fatal(err)
	}
	if got := string(out); got != doc {
		t.Errorf("got: %q, want: %q", got, doc)
	}
}

func TestRoundtrip(t *testing.T) {
	tt := []roundtrip{
		{"None", KindNone, func(_ *testing.T, in []byte) []byte { return in }},
		{"Gzip", KindGzip, func(t *testing.T, in []byte) []byte {
			var buf bytes.Buffer
			w := gzip.NewWriter(&buf)
			if _, err := w.Write(in); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}
			return buf.Bytes()
		}},
		{"Zstd", KindZstd, func(t *testing.T, in []byte) []byte {
			var buf bytes.Buffer
			w, err := zstd.NewWriter(&buf)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write(in); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}
			return buf.Bytes()
		}},
		{"Xz", KindXz, func(t *testing.T, in []byte) []byte {
			var buf bytes.Buffer
			w, err := xz.NewWriter(&buf)
			if err != nil {
				t.Fatal(err)
			}
			if _, err := w.Write(in); err != nil {
				t.Fatal(err)
			}
			if err := w.Close(); err != nil {
				t.Fatal(err)
			}
			return buf.Bytes()
		}},
	}
	for _, tc := range tt {
		t.Run(tc.Name, tc.Run)
	}
}

func TestShortStream(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"ab", ""} {
		z, err := Reader(strings.NewReader(in))
		if err != nil {
			t.Fatal(err)
		}
		out, err := io.ReadAll(z)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != in {
			t.Errorf("got: %q, want: %q", out, in)
		}
		z.Close()
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()
	if got, want := KindGzip.String(), "gzip"; got != want {
		t.Errorf("got: %q, want: %q", got, want)
	}
	if got := KindNone.String(); got != "" {
		t.Errorf("got: %q, want empty", got)
	}
}
