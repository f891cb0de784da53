package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
)

// PutResult reports where a blob landed.
type PutResult struct {
	// 64-hex sum actually computed from the stream
	SHA256 string
	// canonical path
	Path string
	// false when an identical blob was already pooled
	New  bool
	Size int64
}

// Put streams r into the pool. The stream is hashed as it is written; when
// expect is non-empty the computed sum must match or the temp is discarded
// and a checksum-mismatch error returned. An already-present blob is never
// rewritten: the temp is discarded and New is false.
//
// Concurrent Puts of the same blob are safe without coordination: each
// streams to a unique temp and the renames land on the same canonical path
// with identical bytes.
func (p *Pool) Put(ctx context.Context, b Bucket, r io.Reader, expect string) (*PutResult, error) {
	const op = `pool/Pool.Put`
	if !b.valid() {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: fmt.Sprintf("bad bucket %q", b)}
	}
	if expect != "" && !chantal.ValidSHA256(expect) {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: fmt.Sprintf("bad expected sha256 %q", expect)}
	}
	if err := ctx.Err(); err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: err}
	}
	ctx = zlog.ContextWithValues(ctx, "component", "pool/Pool.Put")

	// Known sum and already pooled: skip the read entirely.
	if expect != "" {
		if fi, err := os.Stat(p.PathOf(b, expect)); err == nil {
			putCounter.WithLabelValues(string(b), "dup").Inc()
			return &PutResult{SHA256: expect, Path: p.PathOf(b, expect), New: false, Size: fi.Size()}, nil
		}
	}

	f, err := p.TempFile()
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create temp file", Inner: err}
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(f, io.TeeReader(r, h))
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrCancelled, Inner: cerr}
		}
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "write failed", Inner: err}
	}
	got := hex.EncodeToString(h.Sum(nil))
	if expect != "" && got != expect {
		return nil, &chantal.Error{
			Op:      op,
			Kind:    chantal.ErrChecksumMismatch,
			Message: fmt.Sprintf("got %s, want %s", got, expect),
		}
	}

	tgt := p.PathOf(b, got)
	if fi, err := os.Stat(tgt); err == nil {
		putCounter.WithLabelValues(string(b), "dup").Inc()
		return &PutResult{SHA256: got, Path: tgt, New: false, Size: fi.Size()}, nil
	}
	if err := p.promote(f.Name(), tgt); err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to promote temp", Inner: err}
	}
	if err := f.Rename(tgt); err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "rename failed", Inner: err}
	}
	putCounter.WithLabelValues(string(b), "new").Inc()
	putBytes.WithLabelValues(string(b)).Add(float64(n))
	zlog.Debug(ctx).
		Str("bucket", string(b)).
		Str("sha256", got).
		Int64("size", n).
		Msg("pooled blob")
	return &PutResult{SHA256: got, Path: tgt, New: true, Size: n}, nil
}

// Install renames an already-verified temp file into the pool. The temp must
// live on the pool's filesystem; downloads written to TempDir qualify. The
// temp is consumed either way.
func (p *Pool) Install(ctx context.Context, b Bucket, tempPath, sha256sum string) (*PutResult, error) {
	const op = `pool/Pool.Install`
	if err := checkArgs(op, b, sha256sum); err != nil {
		os.Remove(tempPath)
		return nil, err
	}
	tgt := p.PathOf(b, sha256sum)
	if fi, err := os.Stat(tgt); err == nil {
		os.Remove(tempPath)
		putCounter.WithLabelValues(string(b), "dup").Inc()
		return &PutResult{SHA256: sha256sum, Path: tgt, New: false, Size: fi.Size()}, nil
	}
	fi, err := os.Stat(tempPath)
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "temp file missing", Inner: err}
	}
	if err := p.promote(tempPath, tgt); err != nil {
		os.Remove(tempPath)
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to promote temp", Inner: err}
	}
	if err := os.Rename(tempPath, tgt); err != nil {
		os.Remove(tempPath)
		if isCrossDevice(err) {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrCrossDevice, Message: "temp file is on another filesystem", Inner: err}
		}
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "rename failed", Inner: err}
	}
	putCounter.WithLabelValues(string(b), "new").Inc()
	putBytes.WithLabelValues(string(b)).Add(float64(fi.Size()))
	return &PutResult{SHA256: sha256sum, Path: tgt, New: true, Size: fi.Size()}, nil
}

// promote readies the fan-out directory and the file mode. Pool blobs end up
// hard-linked into web-served trees, so they need world-readable modes no
// matter what umask produced the temp.
func (p *Pool) promote(tempPath, tgt string) error {
	if err := os.Chmod(tempPath, 0o644); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Dir(tgt), 0o755)
}
