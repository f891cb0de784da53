// Package debian syncs and publishes apt repositories.
package debian

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// Stanza is one paragraph of an RFC 822 style control file. Packages, Sources
// and Release documents all share the shape.
type Stanza struct {
	// verbatim bytes, without the separating blank line
	Raw []byte
	// parsed fields; continuation lines fold to single spaces
	Header textproto.MIMEHeader
}

// Get returns the named field, or "" when absent. Lookup is case-insensitive
// the way MIME header lookup is.
func (s *Stanza) Get(key string) string { return s.Header.Get(key) }

// WalkStanzas streams the control file's paragraphs through fn. The Stanza
// passed to fn owns its bytes and may be retained.
func WalkStanzas(r io.Reader, fn func(*Stanza) error) error {
	br := bufio.NewReader(r)
	var buf bytes.Buffer
	flush := func() error {
		if buf.Len() == 0 {
			return nil
		}
		s, err := parseStanza(bytes.Clone(buf.Bytes()))
		buf.Reset()
		if err != nil {
			return err
		}
		return fn(s)
	}
	for {
		line, err := br.ReadBytes('\n')
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				// final line without a terminator
				buf.Write(line)
				buf.WriteByte('\n')
			}
			return flush()
		default:
			return fmt.Errorf("debian: reading control file: %w", err)
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		buf.Write(line)
	}
}

func parseStanza(raw []byte) (*Stanza, error) {
	// the extra newline terminates the header block for textproto
	tp := textproto.NewReader(bufio.NewReader(io.MultiReader(bytes.NewReader(raw), strings.NewReader("\n"))))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("debian: malformed stanza: %w", err)
	}
	return &Stanza{Raw: raw, Header: hdr}, nil
}

// splitList breaks a comma-separated relationship field into its clauses.
func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// FileSum is one row of a checksum table: Release's MD5Sum/SHA1/SHA256 fields
// and the Files/Checksums-* fields of a Sources stanza all use it.
type FileSum struct {
	Sum  string
	Size int64
	Path string
}

// parseSums reads a folded checksum table value, triplets of sum, size and
// path.
func parseSums(v string) ([]FileSum, error) {
	f := strings.Fields(v)
	if len(f) == 0 {
		return nil, nil
	}
	if len(f)%3 != 0 {
		return nil, fmt.Errorf("debian: ragged checksum table (%d fields)", len(f))
	}
	out := make([]FileSum, 0, len(f)/3)
	for i := 0; i < len(f); i += 3 {
		size, err := strconv.ParseInt(f[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("debian: bad size in checksum table: %w", err)
		}
		out = append(out, FileSum{Sum: strings.ToLower(f[i]), Size: size, Path: f[i+2]})
	}
	return out, nil
}
