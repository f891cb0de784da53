package rpm

import (
	"bufio"
	"fmt"
	"io"
)

// Update is one advisory of an updateinfo.xml document.
type Update struct {
	From        string       `xml:"from,attr"`
	Status      string       `xml:"status,attr"`
	Type        string       `xml:"type,attr"`
	Version     string       `xml:"version,attr"`
	ID          string       `xml:"id"`
	Title       string       `xml:"title"`
	Issued      UpdateDate   `xml:"issued"`
	Updated     UpdateDate   `xml:"updated"`
	Rights      string       `xml:"rights"`
	Release     string       `xml:"release"`
	Severity    string       `xml:"severity"`
	Summary     string       `xml:"summary"`
	Description string       `xml:"description"`
	Solution    string       `xml:"solution"`
	References  []Reference  `xml:"references>reference"`
	Collections []Collection `xml:"pkglist>collection"`
}

// UpdateDate keeps the upstream date spelling. Formats vary between vendors
// and round-tripping matters more than interpreting here.
type UpdateDate struct {
	Date string `xml:"date,attr"`
}

type Reference struct {
	Href  string `xml:"href,attr"`
	ID    string `xml:"id,attr"`
	Type  string `xml:"type,attr"`
	Title string `xml:"title,attr"`
}

type Collection struct {
	Short    string          `xml:"short,attr"`
	Name     string          `xml:"name"`
	Packages []UpdatePackage `xml:"package"`
}

// UpdatePackage is one pkglist entry of an advisory.
type UpdatePackage struct {
	Name            string  `xml:"name,attr"`
	Epoch           string  `xml:"epoch,attr"`
	Version         string  `xml:"version,attr"`
	Release         string  `xml:"release,attr"`
	Arch            string  `xml:"arch,attr"`
	Src             string  `xml:"src,attr"`
	Filename        string  `xml:"filename"`
	Sum             *XMLSum `xml:"sum"`
	RebootSuggested string  `xml:"reboot_suggested"`
}

// WalkUpdates streams the advisories of an updateinfo.xml document.
func WalkUpdates(r io.Reader, fn func(*Update) error) error {
	return walkElements(r, "updates", "update", fn)
}

// Match reports whether any pkglist entry satisfies keep.
func (u *Update) Match(keep func(name, epoch, version, release, arch string) bool) bool {
	for i := range u.Collections {
		for _, p := range u.Collections[i].Packages {
			if keep(p.Name, p.Epoch, p.Version, p.Release, p.Arch) {
				return true
			}
		}
	}
	return false
}

// WriteUpdateInfo emits a complete updateinfo.xml document.
func WriteUpdateInfo(w io.Writer, updates []Update) error {
	buf := bufio.NewWriter(w)
	buf.WriteString(xmlHeader)
	buf.WriteString("<updates>\n")
	for i := range updates {
		writeUpdate(buf, &updates[i])
	}
	buf.WriteString("</updates>\n")
	return buf.Flush()
}

func writeUpdate(buf *bufio.Writer, u *Update) {
	fmt.Fprintf(buf, "<update from=\"%s\" status=\"%s\" type=\"%s\" version=\"%s\">\n",
		xesc(u.From), xesc(u.Status), xesc(u.Type), xesc(u.Version))
	fmt.Fprintf(buf, "  <id>%s</id>\n", xesc(u.ID))
	fmt.Fprintf(buf, "  <title>%s</title>\n", xesc(u.Title))
	if u.Issued.Date != "" {
		fmt.Fprintf(buf, "  <issued date=\"%s\"/>\n", xesc(u.Issued.Date))
	}
	if u.Updated.Date != "" {
		fmt.Fprintf(buf, "  <updated date=\"%s\"/>\n", xesc(u.Updated.Date))
	}
	if u.Rights != "" {
		fmt.Fprintf(buf, "  <rights>%s</rights>\n", xesc(u.Rights))
	}
	if u.Release != "" {
		fmt.Fprintf(buf, "  <release>%s</release>\n", xesc(u.Release))
	}
	if u.Severity != "" {
		fmt.Fprintf(buf, "  <severity>%s</severity>\n", xesc(u.Severity))
	}
	if u.Summary != "" {
		fmt.Fprintf(buf, "  <summary>%s</summary>\n", xesc(u.Summary))
	}
	fmt.Fprintf(buf, "  <description>%s</description>\n", xesc(u.Description))
	if u.Solution != "" {
		fmt.Fprintf(buf, "  <solution>%s</solution>\n", xesc(u.Solution))
	}
	if len(u.References) != 0 {
		buf.WriteString("  <references>\n")
		for _, r := range u.References {
			fmt.Fprintf(buf, "    <reference href=\"%s\" id=\"%s\" type=\"%s\" title=\"%s\"/>\n",
				xesc(r.Href), xesc(r.ID), xesc(r.Type), xesc(r.Title))
		}
		buf.WriteString("  </references>\n")
	}
	buf.WriteString("  <pkglist>\n")
	for i := range u.Collections {
		c := &u.Collections[i]
		if c.Short != "" {
			fmt.Fprintf(buf, "    <collection short=\"%s\">\n", xesc(c.Short))
		} else {
			buf.WriteString("    <collection>\n")
		}
		if c.Name != "" {
			fmt.Fprintf(buf, "      <name>%s</name>\n", xesc(c.Name))
		}
		for _, p := range c.Packages {
			fmt.Fprintf(buf, "      <package name=\"%s\" version=\"%s\" release=\"%s\" epoch=\"%s\" arch=\"%s\" src=\"%s\">\n",
				xesc(p.Name), xesc(p.Version), xesc(p.Release), xesc(p.Epoch), xesc(p.Arch), xesc(p.Src))
			if p.Filename != "" {
				fmt.Fprintf(buf, "        <filename>%s</filename>\n", xesc(p.Filename))
			}
			if p.Sum != nil {
				fmt.Fprintf(buf, "        <sum type=\"%s\">%s</sum>\n", xesc(p.Sum.Type), xesc(p.Sum.Value))
			}
			if p.RebootSuggested != "" {
				fmt.Fprintf(buf, "        <reboot_suggested>%s</reboot_suggested>\n", xesc(p.RebootSuggested))
			}
			buf.WriteString("      </package>\n")
		}
		buf.WriteString("    </collection>\n")
	}
	buf.WriteString("  </pkglist>\n")
	buf.WriteString("</update>\n")
}
