package rpm

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const treeinfoFixture = `# generated by an image build
[general]
arch = x86_64
family = Example Linux
version = 9.1

[stage2]
mainimage = images/install.img

[images-x86_64]
initrd = images/pxeboot/initrd.img
kernel = images/pxeboot/vmlinuz

[images-xen]
initrd = images/pxeboot/initrd.img

[checksums]
images/install.img = sha256:9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a
images/pxeboot/initrd.img = sha256:8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b8b
images/pxeboot/vmlinuz = sha1:7c7c7c7c7c7c7c7c7c7c7c7c7c7c7c7c7c7c7c7c
`

func TestParseTreeInfo(t *testing.T) {
	t.Parallel()
	ti, err := ParseTreeInfo(strings.NewReader(treeinfoFixture))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := ti.Sections["general"]["family"], "Example Linux"; got != want {
		t.Errorf("family: got %q, want %q", got, want)
	}

	// the xen initrd duplicates the x86_64 one and collapses
	want := []string{
		"images/install.img",
		"images/pxeboot/initrd.img",
		"images/pxeboot/vmlinuz",
	}
	if got := ti.Images(); !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}

	if got, want := ti.Checksum("images/install.img"), "sha256:9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a9a"; got != want {
		t.Errorf("checksum: got %q, want %q", got, want)
	}
	if got := ti.Checksum("images/unknown.img"); got != "" {
		t.Errorf("checksum of unlisted path: got %q", got)
	}
}

func TestParseTreeInfoMalformed(t *testing.T) {
	t.Parallel()
	tt := []struct {
		name string
		doc  string
	}{
		{"KeyOutsideSection", "arch = x86_64\n[general]\n"},
		{"LineWithoutSeparator", "[general]\narch x86_64\n"},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseTreeInfo(strings.NewReader(tc.doc)); err == nil {
				t.Error("expected parse error")
			} else {
				t.Log(err)
			}
		})
	}
}
