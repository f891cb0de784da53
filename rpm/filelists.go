package rpm

import (
	"bufio"
	"fmt"
	"io"
)

// FilePackage is one <package> element of a filelists.xml document.
type FilePackage struct {
	PkgID   string  `xml:"pkgid,attr"`
	Name    string  `xml:"name,attr"`
	Arch    string  `xml:"arch,attr"`
	Version Version `xml:"version"`
	Files   []File  `xml:"file"`
}

// WalkFilelists streams the package elements of a filelists.xml document.
func WalkFilelists(r io.Reader, fn func(*FilePackage) error) error {
	return walkElements(r, "filelists", "package", fn)
}

// WriteFilelists emits a complete filelists.xml document for pkgs.
func WriteFilelists(w io.Writer, pkgs []FilePackage) error {
	buf := bufio.NewWriter(w)
	buf.WriteString(xmlHeader)
	fmt.Fprintf(buf, "<filelists xmlns=\"%s\" packages=\"%d\">\n", nsFiles, len(pkgs))
	for i := range pkgs {
		p := &pkgs[i]
		fmt.Fprintf(buf, "<package pkgid=\"%s\" name=\"%s\" arch=\"%s\">\n", xesc(p.PkgID), xesc(p.Name), xesc(p.Arch))
		writeVersionAttr(buf, p.Version)
		for _, fl := range p.Files {
			if fl.Type != "" {
				fmt.Fprintf(buf, "  <file type=\"%s\">%s</file>\n", xesc(fl.Type), xesc(fl.Path))
				continue
			}
			fmt.Fprintf(buf, "  <file>%s</file>\n", xesc(fl.Path))
		}
		buf.WriteString("</package>\n")
	}
	buf.WriteString("</filelists>\n")
	return buf.Flush()
}

// OtherPackage is one <package> element of an other.xml document.
type OtherPackage struct {
	PkgID      string      `xml:"pkgid,attr"`
	Name       string      `xml:"name,attr"`
	Arch       string      `xml:"arch,attr"`
	Version    Version     `xml:"version"`
	Changelogs []Changelog `xml:"changelog"`
}

// Changelog is one changelog entry.
type Changelog struct {
	Author string `xml:"author,attr"`
	Date   int64  `xml:"date,attr"`
	Text   string `xml:",chardata"`
}

// WalkOther streams the package elements of an other.xml document.
func WalkOther(r io.Reader, fn func(*OtherPackage) error) error {
	return walkElements(r, "otherdata", "package", fn)
}

// WriteOther emits a complete other.xml document for pkgs.
func WriteOther(w io.Writer, pkgs []OtherPackage) error {
	buf := bufio.NewWriter(w)
	buf.WriteString(xmlHeader)
	fmt.Fprintf(buf, "<otherdata xmlns=\"%s\" packages=\"%d\">\n", nsOther, len(pkgs))
	for i := range pkgs {
		p := &pkgs[i]
		fmt.Fprintf(buf, "<package pkgid=\"%s\" name=\"%s\" arch=\"%s\">\n", xesc(p.PkgID), xesc(p.Name), xesc(p.Arch))
		writeVersionAttr(buf, p.Version)
		for _, c := range p.Changelogs {
			fmt.Fprintf(buf, "  <changelog author=\"%s\" date=\"%d\">%s</changelog>\n", xesc(c.Author), c.Date, xesc(c.Text))
		}
		buf.WriteString("</package>\n")
	}
	buf.WriteString("</otherdata>\n")
	return buf.Flush()
}

func writeVersionAttr(buf *bufio.Writer, v Version) {
	epoch := v.Epoch
	if epoch == "" {
		epoch = "0"
	}
	fmt.Fprintf(buf, "  <version epoch=\"%s\" ver=\"%s\" rel=\"%s\"/>\n", xesc(epoch), xesc(v.Ver), xesc(v.Rel))
}
