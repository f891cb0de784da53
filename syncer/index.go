package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/url"
	"path"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/fetch"
	"github.com/slauger/chantal-sub001/pkg/tmp"
)

// IndexBlob is a fetched top-level index sitting in a temp file, together
// with the fingerprint a successful sync stores for later change checks.
type IndexBlob struct {
	Path        string
	SHA256      string
	Size        int64
	Fingerprint fetch.Fingerprint
}

// FetchIndex downloads the index at u into dir, hashing as it reads, and
// assembles the fingerprint out of the response validators and the content
// sum.
func FetchIndex(ctx context.Context, c *fetch.Client, dir, u string) (*IndexBlob, error) {
	const op = `syncer: fetch index`
	rc, fp, err := c.ConditionalGet(ctx, u, "")
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	f, err := tmp.NewFile(dir, "index.")
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create temp file", Inner: err}
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), rc)
	if err != nil {
		f.Close()
		if cerr := ctx.Err(); cerr != nil {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: cerr}
		}
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrNetwork, Message: "read failed: " + u, Inner: err}
	}
	// keep the file on disk; hand ownership to the caller
	if err := f.File.Close(); err != nil {
		f.Close()
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	sum := hex.EncodeToString(h.Sum(nil))
	zlog.Debug(ctx).
		Str("url", u).
		Str("sha256", sum).
		Int64("size", n).
		Msg("fetched index")
	return &IndexBlob{
		Path:        f.Name(),
		SHA256:      sum,
		Size:        n,
		Fingerprint: fetch.NewFingerprint(fp.ETag(), fp.LastModified(), sum),
	}, nil
}

// JoinURL resolves a repository-relative reference against the feed URL.
// Absolute references pass through unchanged.
func JoinURL(feed, ref string) (string, error) {
	const op = `syncer: join url`
	r, err := url.Parse(ref)
	if err != nil {
		return "", &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "bad reference: " + ref, Inner: err}
	}
	if r.IsAbs() {
		return ref, nil
	}
	u, err := url.Parse(feed)
	if err != nil {
		return "", &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "bad feed url: " + feed, Inner: err}
	}
	u.Path = path.Join(u.Path, r.Path)
	return u.String(), nil
}
