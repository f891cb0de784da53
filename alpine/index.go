// Package alpine syncs and publishes apk repositories.
package alpine

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Record is one APKINDEX entry: single-letter keys, one "K:value" line each,
// records separated by blank lines. Raw holds the entry's verbatim bytes,
// trailing newline included, so kept records republish byte-identical.
type Record struct {
	Raw    []byte
	fields map[byte]string
}

// Get returns the value of the single-letter key, or "".
func (r *Record) Get(k byte) string { return r.fields[k] }

// WalkRecords streams the records of an uncompressed APKINDEX.
//
// The index keys are case sensitive, so the MIME-header machinery is no use
// here; entries are split and parsed by hand.
func WalkRecords(r io.Reader, fn func(*Record) error) error {
	br := bufio.NewReader(r)
	var raw []byte
	flush := func() error {
		if len(raw) == 0 {
			return nil
		}
		rec, err := parseRecord(raw)
		raw = nil
		if err != nil {
			return err
		}
		return fn(rec)
	}
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if len(bytes.TrimSpace(line)) == 0 {
				if err := flush(); err != nil {
					return err
				}
			} else {
				if err == io.EOF {
					line = append(line, '\n')
				}
				raw = append(raw, line...)
			}
		}
		switch {
		case errors.Is(err, io.EOF):
			return flush()
		case err != nil:
			return fmt.Errorf("alpine: reading index: %w", err)
		}
	}
}

func parseRecord(raw []byte) (*Record, error) {
	rec := &Record{
		Raw:    bytes.Clone(raw),
		fields: make(map[byte]string),
	}
	for _, line := range bytes.Split(raw, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(line) < 2 || line[1] != ':' {
			return nil, fmt.Errorf("alpine: malformed index line %q", line)
		}
		rec.fields[line[0]] = string(bytes.TrimSpace(line[2:]))
	}
	return rec, nil
}

// OpenIndex digs the APKINDEX member out of an APKINDEX.tar.gz stream. The
// signature segment upstream prepends is a tar stream without end-of-archive
// blocks over a separate gzip member, so a single multistream gzip reader
// walks straight through it.
func OpenIndex(r io.Reader) ([]byte, *Description, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("alpine: not a gzip stream: %w", err)
	}
	defer zr.Close()
	var idx []byte
	desc := &Description{}
	tr := tar.NewReader(zr)
	for {
		h, err := tr.Next()
		switch {
		case errors.Is(err, io.EOF):
			if idx == nil {
				return nil, nil, errors.New("alpine: archive carries no APKINDEX member")
			}
			return idx, desc, nil
		case err != nil:
			return nil, nil, fmt.Errorf("alpine: reading archive: %w", err)
		}
		switch h.Name {
		case "APKINDEX":
			if idx, err = io.ReadAll(tr); err != nil {
				return nil, nil, fmt.Errorf("alpine: reading APKINDEX member: %w", err)
			}
		case "DESCRIPTION":
			b, err := io.ReadAll(tr)
			if err != nil {
				return nil, nil, fmt.Errorf("alpine: reading DESCRIPTION member: %w", err)
			}
			desc.Text = strings.TrimSpace(string(b))
		}
	}
}

// Description is the free-form repository label carried beside the index.
type Description struct {
	Text string
}

// WriteIndex assembles an unsigned APKINDEX.tar.gz around the given index
// bytes.
func WriteIndex(w io.Writer, desc string, index []byte) error {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)
	members := []struct {
		name string
		body []byte
	}{
		{"DESCRIPTION", []byte(desc)},
		{"APKINDEX", index},
	}
	for _, m := range members {
		hdr := &tar.Header{
			Name:     m.name,
			Mode:     0o644,
			Size:     int64(len(m.body)),
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("alpine: writing %s header: %w", m.name, err)
		}
		if _, err := tw.Write(m.body); err != nil {
			return fmt.Errorf("alpine: writing %s: %w", m.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("alpine: closing archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("alpine: closing gzip stream: %w", err)
	}
	return nil
}

// sha1FromPull decodes the Q1-prefixed base64 pull checksum into hex.
func sha1FromPull(c string) (string, bool) {
	if !strings.HasPrefix(c, "Q1") {
		return "", false
	}
	b, err := base64.StdEncoding.DecodeString(c[2:])
	if err != nil || len(b) != sha1.Size {
		return "", false
	}
	return hex.EncodeToString(b), true
}

// pullChecksum is the inverse, for synthesized records.
func pullChecksum(hexsum string) (string, bool) {
	b, err := hex.DecodeString(hexsum)
	if err != nil || len(b) != sha1.Size {
		return "", false
	}
	return "Q1" + base64.StdEncoding.EncodeToString(b), true
}
