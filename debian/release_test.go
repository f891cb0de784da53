package debian

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const releaseFixture = `Origin: Debian
Label: Debian
Suite: stable
Codename: bookworm
Date: Sat, 10 Jun 2023 09:27:48 UTC
Architectures: amd64 arm64
Components: main contrib
MD5Sum:
 0123456789abcdef0123456789abcdef 24849 main/binary-amd64/Packages
 fedcba9876543210fedcba9876543210 7484 main/binary-amd64/Packages.gz
SHA256:
 aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa 24849 main/binary-amd64/Packages
 bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb 7484 main/binary-amd64/Packages.gz
`

func TestParseRelease(t *testing.T) {
	t.Parallel()
	rel, err := ParseRelease(strings.NewReader(releaseFixture))
	if err != nil {
		t.Fatal(err)
	}
	want := &Release{
		Origin:        "Debian",
		Label:         "Debian",
		Suite:         "stable",
		Codename:      "bookworm",
		Date:          "Sat, 10 Jun 2023 09:27:48 UTC",
		Architectures: []string{"amd64", "arm64"},
		Components:    []string{"main", "contrib"},
		MD5Sum: []FileSum{
			{Sum: "0123456789abcdef0123456789abcdef", Size: 24849, Path: "main/binary-amd64/Packages"},
			{Sum: "fedcba9876543210fedcba9876543210", Size: 7484, Path: "main/binary-amd64/Packages.gz"},
		},
		SHA256: []FileSum{
			{Sum: strings.Repeat("a", 64), Size: 24849, Path: "main/binary-amd64/Packages"},
			{Sum: strings.Repeat("b", 64), Size: 7484, Path: "main/binary-amd64/Packages.gz"},
		},
	}
	if !cmp.Equal(rel, want) {
		t.Error(cmp.Diff(rel, want))
	}
}

func TestReleaseDigest(t *testing.T) {
	t.Parallel()
	rel, err := ParseRelease(strings.NewReader(releaseFixture))
	if err != nil {
		t.Fatal(err)
	}
	d := rel.Digest("main/binary-amd64/Packages.gz")
	if got, want := d.String(), "sha256:"+strings.Repeat("b", 64); got != want {
		t.Errorf("digest: got %q, want %q", got, want)
	}
	if !rel.Has("main/binary-amd64/Packages") {
		t.Error("Has misses a listed path")
	}
	if rel.Has("main/binary-armel/Packages") {
		t.Error("Has reports an unlisted path")
	}
	if !rel.Digest("main/binary-armel/Packages").IsZero() {
		t.Error("digest of an unlisted path is not zero")
	}
}

func TestWriteRelease(t *testing.T) {
	t.Parallel()
	in := &Release{
		Origin:        "Example",
		Suite:         "bookworm",
		Codename:      "bookworm",
		Date:          "Tue, 01 Aug 2023 00:00:00 UTC",
		Architectures: []string{"amd64"},
		Components:    []string{"main"},
		SHA256: []FileSum{
			{Sum: strings.Repeat("c", 64), Size: 42, Path: "main/binary-amd64/Packages"},
		},
	}
	var buf bytes.Buffer
	if err := WriteRelease(&buf, in); err != nil {
		t.Fatal(err)
	}
	got, err := ParseRelease(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if !cmp.Equal(got, in) {
		t.Error(cmp.Diff(got, in))
	}
}
