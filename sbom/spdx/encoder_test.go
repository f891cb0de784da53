package spdx

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/sbom"
)

// jsonDoc mirrors the slice of the SPDX JSON shape the assertions care about.
type jsonDoc struct {
	SPDXVersion  string `json:"spdxVersion"`
	DataLicense  string `json:"dataLicense"`
	Name         string `json:"name"`
	CreationInfo struct {
		Creators []string `json:"creators"`
	} `json:"creationInfo"`
	Packages []struct {
		SPDXID           string `json:"SPDXID"`
		Name             string `json:"name"`
		VersionInfo      string `json:"versionInfo"`
		FileName         string `json:"packageFileName"`
		DownloadLocation string `json:"downloadLocation"`
		Purpose          string `json:"primaryPackagePurpose"`
		Checksums        []struct {
			Algorithm string `json:"algorithm"`
			Value     string `json:"checksumValue"`
		} `json:"checksums"`
		ExternalRefs []struct {
			Category string `json:"referenceCategory"`
			RefType  string `json:"referenceType"`
			Locator  string `json:"referenceLocator"`
		} `json:"externalRefs"`
	} `json:"packages"`
	Relationships []struct {
		Element string `json:"spdxElementId"`
		Related string `json:"relatedSpdxElement"`
		Type    string `json:"relationshipType"`
	} `json:"relationships"`
}

func sumOf(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestEncode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	repo := &chantal.Repository{
		ID:   "fedora_41",
		Name: "Fedora 41",
		Type: chantal.RPM,
		Feed: "https://mirror.example/fedora/41/",
		Mode: chantal.Mirror,
	}
	// Deliberately unsorted; the document must not depend on input order.
	in := &sbom.Input{
		Repository: repo,
		Snapshot:   "2026-08-01",
		Items: []chantal.ContentItem{
			{
				SHA256:       sumOf("zsh"),
				Filename:     "zsh-5.9-5.fc41.x86_64.rpm",
				ContentType:  "rpm",
				Name:         "zsh",
				Version:      "5.9-5.fc41",
				Architecture: "x86_64",
			},
			{
				SHA256:       sumOf("bash-src"),
				Filename:     "bash-5.2.32-1.fc41.src.rpm",
				ContentType:  "rpm",
				Name:         "bash",
				Version:      "5.2.32-1.fc41",
				Architecture: "src",
			},
			{
				SHA256:       sumOf("bash"),
				Filename:     "bash-5.2.32-1.fc41.x86_64.rpm",
				ContentType:  "rpm",
				Name:         "bash",
				Version:      "5.2.32-1.fc41",
				Architecture: "x86_64",
			},
		},
	}

	var buf bytes.Buffer
	e := NewDefaultEncoder(WithDocumentNamespace("https://mirror.example/sbom/fedora_41"))
	if err := e.Encode(ctx, &buf, in); err != nil {
		t.Fatal(err)
	}

	var doc jsonDoc
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}

	if got, want := doc.SPDXVersion, "SPDX-2.3"; got != want {
		t.Errorf("got spdxVersion %q, want %q", got, want)
	}
	if got, want := doc.DataLicense, "CC0-1.0"; got != want {
		t.Errorf("got dataLicense %q, want %q", got, want)
	}
	if got, want := doc.Name, "fedora_41@2026-08-01"; got != want {
		t.Errorf("got document name %q, want %q", got, want)
	}
	if len(doc.CreationInfo.Creators) != 1 || !strings.HasPrefix(doc.CreationInfo.Creators[0], "Tool: chantal-") {
		t.Errorf("unexpected creators: %v", doc.CreationInfo.Creators)
	}

	// Repository first, then items by name, version, architecture.
	wantIDs := []string{
		"SPDXRef-Repository-fedora-41",
		"SPDXRef-Package-" + sumOf("bash-src"),
		"SPDXRef-Package-" + sumOf("bash"),
		"SPDXRef-Package-" + sumOf("zsh"),
	}
	var gotIDs []string
	for _, p := range doc.Packages {
		gotIDs = append(gotIDs, p.SPDXID)
	}
	if !cmp.Equal(gotIDs, wantIDs) {
		t.Error(cmp.Diff(gotIDs, wantIDs))
	}

	repoPkg := doc.Packages[0]
	if got, want := repoPkg.DownloadLocation, repo.Feed; got != want {
		t.Errorf("got repository download location %q, want %q", got, want)
	}
	if got, want := repoPkg.VersionInfo, "2026-08-01"; got != want {
		t.Errorf("got repository versionInfo %q, want %q", got, want)
	}

	srcPkg, zshPkg := doc.Packages[1], doc.Packages[3]
	if got, want := srcPkg.Purpose, "SOURCE"; got != want {
		t.Errorf("got purpose %q for %s, want %q", got, srcPkg.FileName, want)
	}
	if got, want := zshPkg.Purpose, "APPLICATION"; got != want {
		t.Errorf("got purpose %q for %s, want %q", got, zshPkg.FileName, want)
	}
	if len(zshPkg.Checksums) != 1 || zshPkg.Checksums[0].Algorithm != "SHA256" || zshPkg.Checksums[0].Value != sumOf("zsh") {
		t.Errorf("unexpected checksums: %v", zshPkg.Checksums)
	}
	var purl string
	for _, ref := range zshPkg.ExternalRefs {
		if ref.RefType == "purl" && ref.Category == "PACKAGE-MANAGER" {
			purl = ref.Locator
		}
	}
	if want := "pkg:rpm/zsh@5.9-5.fc41?arch=x86_64"; purl != want {
		t.Errorf("got purl %q, want %q", purl, want)
	}

	var describes, containedBy int
	for _, rel := range doc.Relationships {
		switch rel.Type {
		case "DESCRIBES":
			describes++
			if rel.Element != "SPDXRef-DOCUMENT" || rel.Related != "SPDXRef-Repository-fedora-41" {
				t.Errorf("unexpected DESCRIBES relationship: %+v", rel)
			}
		case "CONTAINED_BY":
			containedBy++
			if rel.Related != "SPDXRef-Repository-fedora-41" {
				t.Errorf("unexpected CONTAINED_BY target: %+v", rel)
			}
		default:
			t.Errorf("unexpected relationship type %q", rel.Type)
		}
	}
	if describes != 1 || containedBy != len(in.Items) {
		t.Errorf("got %d DESCRIBES and %d CONTAINED_BY relationships, want 1 and %d", describes, containedBy, len(in.Items))
	}
}

func TestEncodeLiveMembership(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	in := &sbom.Input{
		Repository: &chantal.Repository{
			ID:   "charts",
			Name: "charts",
			Type: chantal.Helm,
			Mode: chantal.Hosted,
		},
		Items: []chantal.ContentItem{
			{
				SHA256:      sumOf("nginx-chart"),
				Filename:    "nginx-1.2.3.tgz",
				ContentType: "helm-chart",
				Name:        "nginx",
				Version:     "1.2.3",
			},
		},
	}

	var buf bytes.Buffer
	if err := NewDefaultEncoder().Encode(ctx, &buf, in); err != nil {
		t.Fatal(err)
	}

	var doc jsonDoc
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if got, want := doc.Name, "charts"; got != want {
		t.Errorf("got document name %q, want %q", got, want)
	}
	// A hosted repository has no feed to point at.
	if got, want := doc.Packages[0].DownloadLocation, "NOASSERTION"; got != want {
		t.Errorf("got download location %q, want %q", got, want)
	}
}

func TestEncodeUnknownContentType(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	in := &sbom.Input{
		Repository: &chantal.Repository{ID: "r", Name: "r", Type: chantal.RPM},
		Items: []chantal.ContentItem{
			{SHA256: sumOf("x"), Filename: "x.oci", ContentType: "oci", Name: "x", Version: "1"},
		},
	}
	if err := NewDefaultEncoder().Encode(ctx, io.Discard, in); err == nil {
		t.Error("expected an error for a content type with no purl mapping")
	}
}
