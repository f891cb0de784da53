package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/quay/zlog"
)

// Unchanged is reported by ConditionalGet when the upstream still matches
// the supplied fingerprint.
var Unchanged = errors.New("fetch: unchanged")

// Fingerprint is an opaque cache validator for one upstream index: the HTTP
// validators for cheap checks plus the content sum for a reliable one.
//
// The zero Fingerprint matches nothing.
type Fingerprint string

const fpVersion = `v1`

// NewFingerprint assembles a fingerprint out of the response validators and
// the index content sum.
func NewFingerprint(etag, lastModified, sha256 string) Fingerprint {
	return Fingerprint(strings.Join([]string{fpVersion, etag, lastModified, sha256}, "|"))
}

func (f Fingerprint) fields() []string {
	p := strings.Split(string(f), "|")
	if len(p) != 4 || p[0] != fpVersion {
		return []string{fpVersion, "", "", ""}
	}
	return p
}

func (f Fingerprint) ETag() string         { return f.fields()[1] }
func (f Fingerprint) LastModified() string { return f.fields()[2] }

// SHA256 is the sum of the index blob observed when the fingerprint was
// taken.
func (f Fingerprint) SHA256() string { return f.fields()[3] }

// ConditionalGet fetches u unless the upstream can prove it is unchanged.
//
// On a 304 the body is nil and the error is [Unchanged]. On a 200 the caller
// owns the body and should assemble a new fingerprint after consuming it; the
// returned fingerprint carries the fresh validators with the prior content
// sum, for [Fingerprint.SHA256] comparison.
func (c *Client) ConditionalGet(ctx context.Context, u string, fp Fingerprint) (io.ReadCloser, Fingerprint, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "fetch/Client.ConditionalGet")
	hdr := make(http.Header)
	if et := fp.ETag(); et != "" {
		hdr.Set("If-None-Match", et)
	}
	if lm := fp.LastModified(); lm != "" {
		hdr.Set("If-Modified-Since", lm)
	}
	res, err := c.Get(ctx, u, hdr)
	if err != nil {
		return nil, fp, err
	}
	if res.StatusCode == http.StatusNotModified {
		drain(res)
		zlog.Debug(ctx).Str("url", u).Msg("index unchanged since last fetch")
		return nil, fp, Unchanged
	}
	next := NewFingerprint(
		res.Header.Get("Etag"),
		res.Header.Get("Last-Modified"),
		fp.SHA256(),
	)
	return res.Body, next, nil
}
