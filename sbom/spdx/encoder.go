package spdx

import (
	"context"
	"fmt"
	"io"
	"runtime/debug"
	"slices"
	"strings"
	"time"

	spdxjson "github.com/spdx/tools-golang/json"
	"github.com/spdx/tools-golang/spdx/common"
	v2common "github.com/spdx/tools-golang/spdx/v2/common"
	"github.com/spdx/tools-golang/spdx/v2/v2_3"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/sbom"
)

// Option is a type for setting optional fields for the Encoder.
type Option func(*Encoder)

// Creator describes the creator of the SPDX document that will be produced
// from the encoding.
type Creator struct {
	// Creator is the value of the [Creator] relationship.
	Creator string
	// CreatorType is the key of the [Creator] relationship.
	// In accordance to the SPDX v2 spec, CreatorType should be one of
	// "Person", "Organization", or "Tool".
	CreatorType string
}

var _ sbom.Encoder = (*Encoder)(nil)

// Encoder defines an SPDX encoder and accepts certain values from the caller
// to use in the SPDX document.
type Encoder struct {
	// The target SPDX version in which to encode.
	Version Version
	// The data format in which to encode.
	Format Format
	// The SPDX document creator information.
	Creators []Creator
	// The SPDX document name field. When empty, the repository ID is used,
	// suffixed with "@<snapshot>" for snapshot exports.
	DocumentName string
	// The SPDX document namespace field.
	DocumentNamespace string
	// The SPDX document comment field.
	DocumentComment string
}

// NewDefaultEncoder creates an Encoder with default values and sets optional
// fields based on the provided options.
func NewDefaultEncoder(options ...Option) *Encoder {
	e := &Encoder{
		Version: V2_3,
		Format:  JSONFormat,
		Creators: []Creator{
			{
				Creator:     "chantal-" + getVersion(),
				CreatorType: "Tool",
			},
		},
	}

	for _, opt := range options {
		opt(e)
	}

	return e
}

// WithDocumentName is used to set the SPDX document name field.
func WithDocumentName(name string) Option {
	return func(e *Encoder) {
		e.DocumentName = name
	}
}

// WithDocumentNamespace is used to set the SPDX document namespace field.
func WithDocumentNamespace(namespace string) Option {
	return func(e *Encoder) {
		e.DocumentNamespace = namespace
	}
}

// WithDocumentComment is used to set the SPDX document comment field.
func WithDocumentComment(comment string) Option {
	return func(e *Encoder) {
		e.DocumentComment = comment
	}
}

// Encode encodes a [sbom.Input] and writes the document to w.
// The document is built at the latest supported SPDX version and then
// converted to the requested one; nothing is munged on the way down today
// because only v2.3 is implemented.
func (e *Encoder) Encode(ctx context.Context, w io.Writer, in *sbom.Input) error {
	doc, err := e.buildDocument(ctx, in)
	if err != nil {
		return err
	}

	var tmpConverterDoc common.AnyDocument
	switch e.Version {
	case V2_3:
		// buildDocument currently returns a v2_3.Document so do nothing
		tmpConverterDoc = doc
	default:
		return fmt.Errorf("unknown SPDX version: %v", e.Version)
	}

	switch e.Format {
	case JSONFormat:
		return spdxjson.Write(tmpConverterDoc, w)
	}

	return fmt.Errorf("unknown requested format: %v", e.Format)
}

func (e *Encoder) buildDocument(ctx context.Context, in *sbom.Input) (*v2_3.Document, error) {
	creators := make([]v2common.Creator, len(e.Creators))
	for i, creator := range e.Creators {
		creators[i] = v2common.Creator{
			Creator:     creator.Creator,
			CreatorType: creator.CreatorType,
		}
	}

	name := e.DocumentName
	if name == "" {
		name = in.Repository.ID
		if in.Snapshot != "" {
			name += "@" + in.Snapshot
		}
	}

	// Initial metadata
	out := &v2_3.Document{
		SPDXVersion:       v2_3.Version,
		DataLicense:       v2_3.DataLicense,
		SPDXIdentifier:    "DOCUMENT",
		DocumentName:      name,
		DocumentNamespace: e.DocumentNamespace,
		CreationInfo: &v2_3.CreationInfo{
			Creators: creators,
			Created:  time.Now().Format("2006-01-02T15:04:05Z"),
		},
		DocumentComment: e.DocumentComment,
	}

	repoPkg := newSpdxPackageFromRepository(in.Repository, in.Snapshot)
	out.Packages = append(out.Packages, repoPkg)
	out.Relationships = append(out.Relationships, &v2_3.Relationship{
		RefA:         v2common.MakeDocElementID("", "DOCUMENT"),
		RefB:         v2common.MakeDocElementID("", string(repoPkg.PackageSPDXIdentifier)),
		Relationship: "DESCRIBES",
	})

	// Membership comes back from the store in whatever order the query
	// produced; pin it down so identical exports diff cleanly.
	items := slices.Clone(in.Items)
	slices.SortFunc(items, cmpItem)

	for i := range items {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		pkg, err := newSpdxPackageFromItem(&items[i])
		if err != nil {
			return nil, err
		}
		out.Packages = append(out.Packages, pkg)
		out.Relationships = append(out.Relationships, &v2_3.Relationship{
			RefA:         v2common.MakeDocElementID("", string(pkg.PackageSPDXIdentifier)),
			RefB:         v2common.MakeDocElementID("", string(repoPkg.PackageSPDXIdentifier)),
			Relationship: "CONTAINED_BY",
		})
	}

	return out, nil
}

func newSpdxPackageFromRepository(r *chantal.Repository, snapshot string) *v2_3.Package {
	var extRefs []*v2_3.PackageExternalReference

	if r.Feed != "" {
		extRefs = append(extRefs, &v2_3.PackageExternalReference{
			Category: "OTHER",
			RefType:  "uri",
			Locator:  r.Feed,
		})
	}

	extRefs = append(extRefs, &v2_3.PackageExternalReference{
		Category: "OTHER",
		RefType:  "type",
		Locator:  string(r.Type),
	})

	dl := "NOASSERTION"
	if r.Feed != "" {
		dl = r.Feed
	}

	return &v2_3.Package{
		PackageName:               r.Name,
		PackageSPDXIdentifier:     v2common.ElementID(spdxID("Repository-" + r.ID)),
		PackageVersion:            snapshot,
		PackageDownloadLocation:   dl,
		FilesAnalyzed:             true,
		PackageSummary:            "repository",
		PackageExternalReferences: extRefs,
		PrimaryPackagePurpose:     "OTHER",
	}
}

func newSpdxPackageFromItem(it *chantal.ContentItem) (*v2_3.Package, error) {
	prl, err := it.PURL()
	if err != nil {
		return nil, err
	}

	pkgPurpose := "APPLICATION"
	if it.Architecture == "source" || it.Architecture == "src" {
		pkgPurpose = "SOURCE"
	}

	return &v2_3.Package{
		PackageName:             it.Name,
		PackageSPDXIdentifier:   v2common.ElementID(spdxID("Package-" + it.SHA256)),
		PackageVersion:          it.Version,
		PackageFileName:         it.Filename,
		PackageDownloadLocation: "NOASSERTION",
		FilesAnalyzed:           true,
		PackageChecksums: []v2common.Checksum{{
			Algorithm: v2common.SHA256,
			Value:     it.SHA256,
		}},
		PackageExternalReferences: []*v2_3.PackageExternalReference{{
			Category: "PACKAGE-MANAGER",
			RefType:  "purl",
			Locator:  prl.ToString(),
		}},
		PrimaryPackagePurpose: pkgPurpose,
	}, nil
}

// cmpItem orders items by name, version, architecture, then digest, so two
// items differing only in payload bytes still land in a stable order.
func cmpItem(a, b chantal.ContentItem) int {
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	if c := strings.Compare(a.Version, b.Version); c != 0 {
		return c
	}
	if c := strings.Compare(a.Architecture, b.Architecture); c != 0 {
		return c
	}
	return strings.Compare(a.SHA256, b.SHA256)
}

// spdxID strips anything outside the SPDX idstring alphabet, which allows
// only letters, digits, "." and "-". Repository IDs routinely carry
// underscores.
func spdxID(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-':
			return r
		}
		return '-'
	}, s)
}

// getVersion will attempt to read out the current binary's debug info and
// find the module version.
func getVersion() string {
	info, infoOK := debug.ReadBuildInfo()
	if infoOK {
		for _, m := range info.Deps {
			if m.Path != "github.com/slauger/chantal-sub001" {
				continue
			}
			v := m.Version
			if m.Replace != nil && m.Replace.Version != m.Version {
				v = m.Replace.Version
			}
			return v
		}
	}

	return "unknown revision"
}
