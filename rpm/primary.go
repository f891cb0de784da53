package rpm

import (
	"bufio"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/slauger/chantal-sub001/internal/xmlutil"
)

// Package is one <package> element of a primary.xml document.
type Package struct {
	Type        string   `xml:"type,attr"`
	Name        string   `xml:"name"`
	Arch        string   `xml:"arch"`
	Version     Version  `xml:"version"`
	Checksum    PkgSum   `xml:"checksum"`
	Summary     string   `xml:"summary"`
	Description string   `xml:"description"`
	Packager    string   `xml:"packager"`
	URL         string   `xml:"url"`
	Time        Time     `xml:"time"`
	Size        Size     `xml:"size"`
	Location    Location `xml:"location"`
	Format      Format   `xml:"format"`
}

// NEVRA renders the package identity the way updateinfo pkglists and error
// messages spell it.
func (p *Package) NEVRA() string {
	e := p.Version.Epoch
	if e == "" {
		e = "0"
	}
	return fmt.Sprintf("%s-%s:%s-%s.%s", p.Name, e, p.Version.Ver, p.Version.Rel, p.Arch)
}

// Version is the epoch/version/release triple.
type Version struct {
	Epoch string `xml:"epoch,attr"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
}

// EVR renders the triple in rpm's epoch:version-release syntax, leaving a
// zero epoch implicit.
func (v Version) EVR() string {
	if v.Epoch != "" && v.Epoch != "0" {
		return v.Epoch + ":" + v.Ver + "-" + v.Rel
	}
	return v.Ver + "-" + v.Rel
}

// PkgSum is the package checksum; when PkgID is "YES" the value doubles as
// the package id used by filelists and other documents.
type PkgSum struct {
	Type  string `xml:"type,attr"`
	PkgID string `xml:"pkgid,attr"`
	Value string `xml:",chardata"`
}

type Time struct {
	File  int64 `xml:"file,attr"`
	Build int64 `xml:"build,attr"`
}

type Size struct {
	Package   int64 `xml:"package,attr"`
	Installed int64 `xml:"installed,attr"`
	Archive   int64 `xml:"archive,attr"`
}

// Format is the rpm-specific half of a package element.
type Format struct {
	License     string      `xml:"license"`
	Vendor      string      `xml:"vendor"`
	Group       string      `xml:"group"`
	BuildHost   string      `xml:"buildhost"`
	SourceRPM   string      `xml:"sourcerpm"`
	HeaderRange HeaderRange `xml:"header-range"`
	Provides    []Entry     `xml:"provides>entry"`
	Requires    []Entry     `xml:"requires>entry"`
	Conflicts   []Entry     `xml:"conflicts>entry"`
	Obsoletes   []Entry     `xml:"obsoletes>entry"`
	Recommends  []Entry     `xml:"recommends>entry"`
	Suggests    []Entry     `xml:"suggests>entry"`
	Supplements []Entry     `xml:"supplements>entry"`
	Enhances    []Entry     `xml:"enhances>entry"`
	Files       []File      `xml:"file"`
}

type HeaderRange struct {
	Start int64 `xml:"start,attr"`
	End   int64 `xml:"end,attr"`
}

// Entry is one dependency in a provides/requires/conflicts/obsoletes list.
type Entry struct {
	Name  string `xml:"name,attr"`
	Flags string `xml:"flags,attr"`
	Epoch string `xml:"epoch,attr"`
	Ver   string `xml:"ver,attr"`
	Rel   string `xml:"rel,attr"`
	Pre   string `xml:"pre,attr"`
}

// File is one file or directory a package owns.
type File struct {
	Type string `xml:"type,attr"`
	Path string `xml:",chardata"`
}

// walkElements streams the named children of the named root element,
// decoding each into a T. The callback error stops the walk and is returned
// unwrapped.
func walkElements[T any](r io.Reader, root, name string, fn func(*T) error) error {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = xmlutil.CharsetReader
	for {
		tok, err := dec.Token()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("rpm: broken %s document: %w", root, err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case root:
			// descend into the document
		case name:
			p := new(T)
			if err := dec.DecodeElement(p, &se); err != nil {
				return fmt.Errorf("rpm: broken %s element: %w", name, err)
			}
			if err := fn(p); err != nil {
				return err
			}
		default:
			if err := dec.Skip(); err != nil {
				return fmt.Errorf("rpm: broken %s document: %w", root, err)
			}
		}
	}
}

// WalkPrimary streams the package elements of a primary.xml document.
func WalkPrimary(r io.Reader, fn func(*Package) error) error {
	return walkElements(r, "metadata", "package", fn)
}

// WritePrimary emits a complete primary.xml document for pkgs.
func WritePrimary(w io.Writer, pkgs []Package) error {
	buf := bufio.NewWriter(w)
	buf.WriteString(xmlHeader)
	fmt.Fprintf(buf, "<metadata xmlns=\"%s\" xmlns:rpm=\"%s\" packages=\"%d\">\n", nsCommon, nsRPM, len(pkgs))
	for i := range pkgs {
		writePrimaryPackage(buf, &pkgs[i])
	}
	buf.WriteString("</metadata>\n")
	return buf.Flush()
}

func writePrimaryPackage(buf *bufio.Writer, p *Package) {
	typ := p.Type
	if typ == "" {
		typ = "rpm"
	}
	epoch := p.Version.Epoch
	if epoch == "" {
		epoch = "0"
	}
	pkgid := p.Checksum.PkgID
	if pkgid == "" {
		pkgid = "YES"
	}
	fmt.Fprintf(buf, "<package type=\"%s\">\n", xesc(typ))
	fmt.Fprintf(buf, "  <name>%s</name>\n", xesc(p.Name))
	fmt.Fprintf(buf, "  <arch>%s</arch>\n", xesc(p.Arch))
	fmt.Fprintf(buf, "  <version epoch=\"%s\" ver=\"%s\" rel=\"%s\"/>\n", xesc(epoch), xesc(p.Version.Ver), xesc(p.Version.Rel))
	fmt.Fprintf(buf, "  <checksum type=\"%s\" pkgid=\"%s\">%s</checksum>\n", xesc(p.Checksum.Type), xesc(pkgid), xesc(p.Checksum.Value))
	fmt.Fprintf(buf, "  <summary>%s</summary>\n", xesc(p.Summary))
	fmt.Fprintf(buf, "  <description>%s</description>\n", xesc(p.Description))
	fmt.Fprintf(buf, "  <packager>%s</packager>\n", xesc(p.Packager))
	fmt.Fprintf(buf, "  <url>%s</url>\n", xesc(p.URL))
	fmt.Fprintf(buf, "  <time file=\"%d\" build=\"%d\"/>\n", p.Time.File, p.Time.Build)
	fmt.Fprintf(buf, "  <size package=\"%d\" installed=\"%d\" archive=\"%d\"/>\n", p.Size.Package, p.Size.Installed, p.Size.Archive)
	fmt.Fprintf(buf, "  <location href=\"%s\"/>\n", xesc(p.Location.Href))
	buf.WriteString("  <format>\n")
	f := &p.Format
	fmt.Fprintf(buf, "    <rpm:license>%s</rpm:license>\n", xesc(f.License))
	fmt.Fprintf(buf, "    <rpm:vendor>%s</rpm:vendor>\n", xesc(f.Vendor))
	fmt.Fprintf(buf, "    <rpm:group>%s</rpm:group>\n", xesc(f.Group))
	fmt.Fprintf(buf, "    <rpm:buildhost>%s</rpm:buildhost>\n", xesc(f.BuildHost))
	fmt.Fprintf(buf, "    <rpm:sourcerpm>%s</rpm:sourcerpm>\n", xesc(f.SourceRPM))
	if f.HeaderRange.End != 0 {
		fmt.Fprintf(buf, "    <rpm:header-range start=\"%d\" end=\"%d\"/>\n", f.HeaderRange.Start, f.HeaderRange.End)
	}
	writeEntryList(buf, "provides", f.Provides)
	writeEntryList(buf, "requires", f.Requires)
	writeEntryList(buf, "conflicts", f.Conflicts)
	writeEntryList(buf, "obsoletes", f.Obsoletes)
	writeEntryList(buf, "recommends", f.Recommends)
	writeEntryList(buf, "suggests", f.Suggests)
	writeEntryList(buf, "supplements", f.Supplements)
	writeEntryList(buf, "enhances", f.Enhances)
	for _, fl := range f.Files {
		if fl.Type != "" {
			fmt.Fprintf(buf, "    <file type=\"%s\">%s</file>\n", xesc(fl.Type), xesc(fl.Path))
			continue
		}
		fmt.Fprintf(buf, "    <file>%s</file>\n", xesc(fl.Path))
	}
	buf.WriteString("  </format>\n")
	buf.WriteString("</package>\n")
}

func writeEntryList(buf *bufio.Writer, kind string, es []Entry) {
	if len(es) == 0 {
		return
	}
	fmt.Fprintf(buf, "    <rpm:%s>\n", kind)
	for i := range es {
		e := &es[i]
		fmt.Fprintf(buf, "      <rpm:entry name=\"%s\"", xesc(e.Name))
		if e.Flags != "" {
			fmt.Fprintf(buf, " flags=\"%s\"", xesc(e.Flags))
		}
		if e.Epoch != "" {
			fmt.Fprintf(buf, " epoch=\"%s\"", xesc(e.Epoch))
		}
		if e.Ver != "" {
			fmt.Fprintf(buf, " ver=\"%s\"", xesc(e.Ver))
		}
		if e.Rel != "" {
			fmt.Fprintf(buf, " rel=\"%s\"", xesc(e.Rel))
		}
		if e.Pre != "" {
			fmt.Fprintf(buf, " pre=\"%s\"", xesc(e.Pre))
		}
		buf.WriteString("/>\n")
	}
	fmt.Fprintf(buf, "    </rpm:%s>\n", kind)
}
