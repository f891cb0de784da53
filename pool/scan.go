package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
)

// Verify re-hashes a pooled blob. A disagreement between the path and the
// recomputed sum is reported as pool corruption and is never auto-repaired.
func (p *Pool) Verify(ctx context.Context, b Bucket, sum string) error {
	const op = `pool/Pool.Verify`
	if err := checkArgs(op, b, sum); err != nil {
		return err
	}
	f, err := os.Open(p.PathOf(b, sum))
	switch {
	case err == nil:
	case os.IsNotExist(err):
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: sum}
	default:
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != sum {
		zlog.Warn(ctx).
			Str("component", "pool/Pool.Verify").
			Str("bucket", string(b)).
			Str("want", sum).
			Str("got", got).
			Msg("pool blob corrupt")
		return &chantal.Error{
			Op:      op,
			Kind:    chantal.ErrPoolCorruption,
			Message: "blob at " + sum + " rehashed to " + got,
		}
	}
	return nil
}

// Walk calls fn for every blob in a bucket. Stray files that do not look
// like blobs are skipped. fn errors abort the walk.
func (p *Pool) Walk(ctx context.Context, b Bucket, fn func(sha256 string, size int64) error) error {
	const op = `pool/Pool.Walk`
	if !b.valid() {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "bad bucket"}
	}
	root := filepath.Join(p.root, string(b))
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !chantal.ValidSHA256(name) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return fn(name, fi.Size())
	})
	if err != nil {
		if ctx.Err() != nil {
			return &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: err}
		}
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	return nil
}

// SweepTemp removes scratch files older than cutoff, cleaning up after
// crashed writers. Returns the number removed.
func (p *Pool) SweepTemp(ctx context.Context, cutoff time.Duration) (int, error) {
	const op = `pool/Pool.SweepTemp`
	ctx = zlog.ContextWithValues(ctx, "component", "pool/Pool.SweepTemp")
	ents, err := os.ReadDir(p.TempDir())
	if err != nil {
		return 0, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	deadline := time.Now().Add(-cutoff)
	var n int
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if fi.ModTime().After(deadline) {
			continue
		}
		if err := os.Remove(filepath.Join(p.TempDir(), e.Name())); err == nil {
			n++
		}
	}
	if n != 0 {
		zlog.Info(ctx).Int("removed", n).Msg("swept stale temp files")
	}
	return n, nil
}

// BucketStats is a blob census for one bucket.
type BucketStats struct {
	Blobs int64 `json:"blobs"`
	Bytes int64 `json:"bytes"`
}

// Stats walks the pool and counts blobs and bytes per bucket.
func (p *Pool) Stats(ctx context.Context) (map[Bucket]BucketStats, error) {
	out := make(map[Bucket]BucketStats, 2)
	for _, b := range []Bucket{Content, Files} {
		var st BucketStats
		err := p.Walk(ctx, b, func(_ string, size int64) error {
			st.Blobs++
			st.Bytes += size
			return nil
		})
		if err != nil {
			return nil, err
		}
		out[b] = st
	}
	return out, nil
}
