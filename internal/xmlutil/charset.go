// Package xmlutil has some common utilities for dealing with the XML
// encountered in repository metadata.
package xmlutil

import (
	"fmt"
	"io"

	"golang.org/x/text/encoding/htmlindex"
)

// CharsetReader is a helper for use in an [encoding/xml.Decoder]. Metadata in
// the wild is occasionally served in legacy encodings.
func CharsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unhandled charset %q: %w", charset, err)
	}
	return enc.NewDecoder().Reader(input), nil
}
