// Package zreader implements a transparent decompressing reader that sniffs
// the compression in use from the stream itself.
package zreader

import (
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Compression is an enum of the kinds this package can detect.
type Compression int

const (
	KindNone Compression = iota
	KindGzip
	KindZstd
	KindXz
	KindBzip2
)

// String implements fmt.Stringer. The names line up with the file metadata
// "compression" vocabulary.
func (c Compression) String() string {
	switch c {
	case KindNone:
		return ""
	case KindGzip:
		return "gzip"
	case KindZstd:
		return "zstd"
	case KindXz:
		return "xz"
	case KindBzip2:
		return "bzip2"
	}
	return fmt.Sprintf("Compression(%d)", int(c))
}

var headers = map[Compression][]byte{
	KindGzip:  {0x1F, 0x8B, 0x08},
	KindZstd:  {0x28, 0xB5, 0x2F, 0xFD},
	KindXz:    {0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00},
	KindBzip2: {0x42, 0x5A, 0x68},
}

const maxHeader = 6

// Detect sniffs the stream and reports the compression in use. The returned
// Reader replays the consumed bytes.
func Detect(r io.Reader) (Compression, io.Reader, error) {
	br := bufio.NewReader(r)
	b, err := br.Peek(maxHeader)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		// short or empty streams detect as plain
	default:
		return KindNone, br, err
	}
	for c, h := range headers {
		if len(b) < len(h) {
			continue
		}
		if bytes.Equal(h, b[:len(h)]) {
			return c, br, nil
		}
	}
	return KindNone, br, nil
}

// Reader wraps r in the appropriate decompressor, passing the stream through
// untouched if no compression is detected.
func Reader(r io.Reader) (io.ReadCloser, error) {
	c, br, err := Detect(r)
	if err != nil {
		return nil, err
	}
	return wrap(br, c)
}

func wrap(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case KindNone:
		return io.NopCloser(r), nil
	case KindGzip:
		z, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return z, nil
	case KindZstd:
		z, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return z.IOReadCloser(), nil
	case KindXz:
		z, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(z), nil
	case KindBzip2:
		return io.NopCloser(bzip2.NewReader(r)), nil
	}
	panic("unreachable")
}
