package rpm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const repomdFixture = `<?xml version="1.0" encoding="UTF-8"?>
<repomd xmlns="http://linux.duke.edu/metadata/repo" xmlns:rpm="http://linux.duke.edu/metadata/rpm">
  <revision>1673999000</revision>
  <data type="primary">
    <checksum type="sha256">a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1</checksum>
    <open-checksum type="sha256">b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2</open-checksum>
    <location href="repodata/a1a1-primary.xml.gz"/>
    <timestamp>1673999000</timestamp>
    <size>2048</size>
    <open-size>16384</open-size>
  </data>
  <data type="filelists">
    <checksum type="sha256">c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3</checksum>
    <location href="repodata/c3c3-filelists.xml.gz"/>
    <timestamp>1673999000</timestamp>
    <size>512</size>
  </data>
  <data type="group">
    <checksum type="sha">d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4d4</checksum>
    <location href="repodata/d4d4-comps.xml"/>
    <timestamp>1673999000</timestamp>
    <size>256</size>
  </data>
</repomd>
`

func TestParseRepoMD(t *testing.T) {
	t.Parallel()
	md, err := ParseRepoMD(strings.NewReader(repomdFixture))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := md.Revision, "1673999000"; got != want {
		t.Errorf("revision: got %q, want %q", got, want)
	}
	if got, want := len(md.Data), 3; got != want {
		t.Fatalf("data entries: got %d, want %d", got, want)
	}

	want := &RepoMDData{
		Type:         "primary",
		Checksum:     XMLSum{Type: "sha256", Value: "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"},
		OpenChecksum: XMLSum{Type: "sha256", Value: "b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2"},
		Location:     Location{Href: "repodata/a1a1-primary.xml.gz"},
		Timestamp:    1673999000,
		Size:         2048,
		OpenSize:     16384,
	}
	if got := md.Lookup("primary"); !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
	if got := md.Lookup("group"); got == nil || got.Checksum.Type != "sha" {
		t.Errorf("group entry: got %+v", got)
	}
	if got := md.Lookup("modules"); got != nil {
		t.Errorf("lookup of absent type: got %+v", got)
	}
}

func TestWriteRepoMD(t *testing.T) {
	t.Parallel()
	in := []RepoMDData{
		{
			Type:         "primary",
			Checksum:     XMLSum{Type: "sha256", Value: "a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1"},
			OpenChecksum: XMLSum{Type: "sha256", Value: "b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2b2"},
			Location:     Location{Href: "repodata/a1a1-primary.xml.gz"},
			Timestamp:    1673999000,
			Size:         2048,
			OpenSize:     16384,
		},
		{
			Type:      "group",
			Checksum:  XMLSum{Type: "sha256", Value: "c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3c3"},
			Location:  Location{Href: "repodata/comps & extras.xml"},
			Timestamp: 1673999000,
			Size:      256,
		},
	}
	var buf bytes.Buffer
	if err := WriteRepoMD(&buf, "42", in); err != nil {
		t.Fatal(err)
	}
	md, err := ParseRepoMD(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := md.Revision, "42"; got != want {
		t.Errorf("revision: got %q, want %q", got, want)
	}
	// WriteRepoMD orders entries by type, sorting its argument in place, so
	// in is in written order here.
	if in[0].Type != "group" {
		t.Errorf("entries not sorted: %q first", in[0].Type)
	}
	if !cmp.Equal(md.Data, in) {
		t.Error(cmp.Diff(md.Data, in))
	}
}
