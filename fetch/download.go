package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/pkg/tmp"
)

// Request names one blob to download.
type Request struct {
	URL string
	// expected digest, any supported algorithm; zero skips verification
	Want chantal.Digest
	// record the disagreement instead of failing when Want does not match;
	// used for ecosystems whose indexes are known to go stale
	AdvisoryOnly bool
}

// Download is a fetched blob sitting in a temp file.
type Download struct {
	// temp path; the caller owns the file and must remove or rename it
	Path string
	// sha256 computed from the bytes read, regardless of Want's algorithm
	SHA256 string
	Size   int64
	// AdvisoryOnly was set and Want disagreed with the fetched bytes
	Mismatch bool
}

// DownloadToTemp streams the blob into a fresh temp file under dir, hashing
// as it reads. The stream is always sha256-summed; when req.Want uses
// another algorithm that digest is computed alongside.
//
// On checksum disagreement the temp is removed and a checksum-mismatch error
// returned, unless req.AdvisoryOnly is set, in which case the download is
// kept and flagged.
func (c *Client) DownloadToTemp(ctx context.Context, dir string, req *Request) (*Download, error) {
	const op = `fetch/Client.DownloadToTemp`
	ctx = zlog.ContextWithValues(ctx, "component", "fetch/Client.DownloadToTemp")

	res, err := c.Get(ctx, req.URL, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrNetwork, Message: "unexpected status: " + res.Status}
	}

	f, err := tmp.NewFile(dir, uuid.NewString())
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create temp file", Inner: err}
	}

	sh := sha256.New()
	var wh hash.Hash
	w := []io.Writer{f, sh}
	if !req.Want.IsZero() && req.Want.Algorithm() != "sha256" {
		wh = req.Want.Hash()
		w = append(w, wh)
	}
	n, err := io.Copy(io.MultiWriter(w...), res.Body)
	if err != nil {
		f.Close()
		if cerr := ctx.Err(); cerr != nil {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: cerr}
		}
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrNetwork, Message: "read failed", Inner: err}
	}

	d := &Download{
		Path:   f.Name(),
		SHA256: hex.EncodeToString(sh.Sum(nil)),
		Size:   n,
	}
	if !req.Want.IsZero() {
		var got []byte
		switch {
		case wh != nil:
			got = wh.Sum(nil)
		default:
			got = sh.Sum(nil)
		}
		if !bytes.Equal(got, req.Want.Checksum()) {
			if !req.AdvisoryOnly {
				f.Close()
				return nil, &chantal.Error{
					Op:      op,
					Kind:    chantal.ErrChecksumMismatch,
					Message: fmt.Sprintf("%s: got %s:%s, want %s", req.URL, req.Want.Algorithm(), hex.EncodeToString(got), req.Want),
				}
			}
			d.Mismatch = true
			zlog.Warn(ctx).
				Str("url", req.URL).
				Str("want", req.Want.String()).
				Str("got", hex.EncodeToString(got)).
				Msg("index checksum disagrees with delivered blob; keeping the blob")
		}
	}
	// keep the file on disk; hand ownership to the caller
	if err := f.File.Close(); err != nil {
		f.Close()
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	downloadBytes.Add(float64(n))
	zlog.Debug(ctx).
		Str("url", req.URL).
		Str("sha256", d.SHA256).
		Int64("size", n).
		Msg("fetched blob")
	return d, nil
}
