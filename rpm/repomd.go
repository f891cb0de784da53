// Package rpm syncs and publishes yum/dnf repositories.
//
// The wire formats are the createrepo_c family: repomd.xml naming the
// metadata files, primary/filelists/other for the package set, updateinfo
// for advisories, and optional comps, modules and .treeinfo material.
package rpm

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/slauger/chantal-sub001/internal/xmlutil"
)

// RepoMD is a parsed repodata/repomd.xml.
type RepoMD struct {
	XMLName  xml.Name     `xml:"repomd"`
	Revision string       `xml:"revision"`
	Data     []RepoMDData `xml:"data"`
}

// RepoMDData is one <data type="..."> entry.
type RepoMDData struct {
	Type         string   `xml:"type,attr"`
	Checksum     XMLSum   `xml:"checksum"`
	OpenChecksum XMLSum   `xml:"open-checksum"`
	Location     Location `xml:"location"`
	Timestamp    int64    `xml:"timestamp"`
	Size         int64    `xml:"size"`
	OpenSize     int64    `xml:"open-size"`
}

// XMLSum is a checksum element carrying its algorithm.
type XMLSum struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

// Location is an href-carrying element, relative to the repository root.
type Location struct {
	Href string `xml:"href,attr"`
}

// ParseRepoMD decodes a repomd.xml document.
func ParseRepoMD(r io.Reader) (*RepoMD, error) {
	var md RepoMD
	dec := xml.NewDecoder(r)
	dec.CharsetReader = xmlutil.CharsetReader
	if err := dec.Decode(&md); err != nil {
		return nil, fmt.Errorf("rpm: broken repomd.xml: %w", err)
	}
	return &md, nil
}

// Lookup returns the entry of the named data type, or nil.
func (m *RepoMD) Lookup(typ string) *RepoMDData {
	for i := range m.Data {
		if m.Data[i].Type == typ {
			return &m.Data[i]
		}
	}
	return nil
}

const (
	xmlHeader = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"
	nsRepo    = `http://linux.duke.edu/metadata/repo`
	nsCommon  = `http://linux.duke.edu/metadata/common`
	nsRPM     = `http://linux.duke.edu/metadata/rpm`
	nsFiles   = `http://linux.duke.edu/metadata/filelists`
	nsOther   = `http://linux.duke.edu/metadata/other`
)

// WriteRepoMD emits a repomd.xml naming the passed data entries, in a
// stable order.
func WriteRepoMD(w io.Writer, revision string, data []RepoMDData) error {
	sort.Slice(data, func(i, j int) bool { return data[i].Type < data[j].Type })
	buf := bufio.NewWriter(w)
	buf.WriteString(xmlHeader)
	fmt.Fprintf(buf, "<repomd xmlns=\"%s\" xmlns:rpm=\"%s\">\n", nsRepo, nsRPM)
	fmt.Fprintf(buf, "  <revision>%s</revision>\n", xesc(revision))
	for i := range data {
		d := &data[i]
		fmt.Fprintf(buf, "  <data type=\"%s\">\n", xesc(d.Type))
		fmt.Fprintf(buf, "    <checksum type=\"%s\">%s</checksum>\n", xesc(d.Checksum.Type), xesc(d.Checksum.Value))
		if d.OpenChecksum.Value != "" {
			fmt.Fprintf(buf, "    <open-checksum type=\"%s\">%s</open-checksum>\n", xesc(d.OpenChecksum.Type), xesc(d.OpenChecksum.Value))
		}
		fmt.Fprintf(buf, "    <location href=\"%s\"/>\n", xesc(d.Location.Href))
		fmt.Fprintf(buf, "    <timestamp>%s</timestamp>\n", strconv.FormatInt(d.Timestamp, 10))
		fmt.Fprintf(buf, "    <size>%s</size>\n", strconv.FormatInt(d.Size, 10))
		if d.OpenSize != 0 {
			fmt.Fprintf(buf, "    <open-size>%s</open-size>\n", strconv.FormatInt(d.OpenSize, 10))
		}
		buf.WriteString("  </data>\n")
	}
	buf.WriteString("</repomd>\n")
	return buf.Flush()
}

// xesc escapes s for use as XML character data or inside a double-quoted
// attribute value.
func xesc(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}
