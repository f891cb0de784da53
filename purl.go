package chantal

import (
	"fmt"

	"github.com/package-url/packageurl-go"
)

// PURL renders the item as a package URL. The mapping per ecosystem:
//
//	rpm        pkg:rpm/<name>@<version>?arch=<arch>
//	deb        pkg:deb/<name>@<version>?arch=<arch>
//	apk        pkg:apk/<name>@<version>?arch=<arch>
//	helm-chart pkg:helm/<name>@<version>
//
// The namespace is left empty: a mirrored repository knows its upstream URL,
// not the distribution vendor.
func (c *ContentItem) PURL() (packageurl.PackageURL, error) {
	var typ string
	switch c.ContentType {
	case "rpm":
		typ = packageurl.TypeRPM
	case "deb":
		typ = packageurl.TypeDebian
	case "apk":
		typ = packageurl.TypeApk
	case "helm-chart":
		typ = "helm"
	default:
		return packageurl.PackageURL{}, fmt.Errorf("no purl mapping for content type %q", c.ContentType)
	}
	var qs packageurl.Qualifiers
	if c.Architecture != "" {
		qs = packageurl.QualifiersFromMap(map[string]string{"arch": c.Architecture})
	}
	return packageurl.PackageURL{
		Type:       typ,
		Name:       c.Name,
		Version:    c.Version,
		Qualifiers: qs,
	}, nil
}
