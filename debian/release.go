package debian

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	chantal "github.com/slauger/chantal-sub001"
)

// Release is a parsed dists/<suite>/Release document, or the body of an
// InRelease one. Callers strip clearsign armor before parsing.
type Release struct {
	Origin        string
	Label         string
	Suite         string
	Codename      string
	Date          string
	Architectures []string
	Components    []string
	// checksum tables, in document order
	MD5Sum []FileSum
	SHA1   []FileSum
	SHA256 []FileSum
}

// ParseRelease reads a Release document.
func ParseRelease(r io.Reader) (*Release, error) {
	var rel *Release
	err := WalkStanzas(r, func(s *Stanza) error {
		if rel != nil {
			return errors.New("debian: Release carries more than one paragraph")
		}
		var err error
		rel, err = releaseFromStanza(s)
		return err
	})
	switch {
	case err != nil:
		return nil, err
	case rel == nil:
		return nil, errors.New("debian: empty Release document")
	}
	return rel, nil
}

func releaseFromStanza(s *Stanza) (*Release, error) {
	rel := &Release{
		Origin:        s.Get("Origin"),
		Label:         s.Get("Label"),
		Suite:         s.Get("Suite"),
		Codename:      s.Get("Codename"),
		Date:          s.Get("Date"),
		Architectures: strings.Fields(s.Get("Architectures")),
		Components:    strings.Fields(s.Get("Components")),
	}
	var err error
	if rel.MD5Sum, err = parseSums(s.Get("MD5Sum")); err != nil {
		return nil, err
	}
	if rel.SHA1, err = parseSums(s.Get("SHA1")); err != nil {
		return nil, err
	}
	if rel.SHA256, err = parseSums(s.Get("SHA256")); err != nil {
		return nil, err
	}
	return rel, nil
}

// Has reports whether any checksum table mentions the dists-relative path.
func (r *Release) Has(p string) bool {
	for _, t := range [][]FileSum{r.SHA256, r.SHA1, r.MD5Sum} {
		for i := range t {
			if t[i].Path == p {
				return true
			}
		}
	}
	return false
}

// Digest returns the strongest digest the Release records for the
// dists-relative path, or a zero digest when the path is unlisted.
func (r *Release) Digest(p string) chantal.Digest {
	for _, t := range []struct {
		algo string
		sums []FileSum
	}{
		{"sha256", r.SHA256},
		{"sha1", r.SHA1},
		{"md5", r.MD5Sum},
	} {
		for i := range t.sums {
			if t.sums[i].Path != p {
				continue
			}
			if d, err := chantal.ParseDigest(t.algo + ":" + t.sums[i].Sum); err == nil {
				return d
			}
		}
	}
	return chantal.Digest{}
}

// WriteRelease emits a Release document with the checksum tables in the order
// the slices carry.
func WriteRelease(w io.Writer, r *Release) error {
	b := bufio.NewWriter(w)
	field := func(k, v string) {
		if v != "" {
			fmt.Fprintf(b, "%s: %s\n", k, v)
		}
	}
	field("Origin", r.Origin)
	field("Label", r.Label)
	field("Suite", r.Suite)
	field("Codename", r.Codename)
	field("Date", r.Date)
	field("Architectures", strings.Join(r.Architectures, " "))
	field("Components", strings.Join(r.Components, " "))
	table := func(k string, sums []FileSum) {
		if len(sums) == 0 {
			return
		}
		fmt.Fprintf(b, "%s:\n", k)
		for i := range sums {
			fmt.Fprintf(b, " %s %d %s\n", sums[i].Sum, sums[i].Size, sums[i].Path)
		}
	}
	table("MD5Sum", r.MD5Sum)
	table("SHA1", r.SHA1)
	table("SHA256", r.SHA256)
	return b.Flush()
}
