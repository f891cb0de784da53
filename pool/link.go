package pool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	chantal "github.com/slauger/chantal-sub001"
)

// LinkInto hard-links a pooled blob to target, creating parent directories as
// needed. An existing target pointing at the same inode is left alone; a
// different inode is replaced atomically via a sibling link and rename.
//
// Fails with a cross-device error when target is on another filesystem, and
// not-found when the blob is not pooled.
func (p *Pool) LinkInto(b Bucket, sha256 string, target string) error {
	const op = `pool/Pool.LinkInto`
	if err := checkArgs(op, b, sha256); err != nil {
		return err
	}
	src := p.PathOf(b, sha256)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	err := os.Link(src, target)
	switch {
	case err == nil:
		linkCounter.WithLabelValues(string(b)).Inc()
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: sha256}
	case isCrossDevice(err):
		return &chantal.Error{Op: op, Kind: chantal.ErrCrossDevice, Message: fmt.Sprintf("target %q is on another filesystem", target), Inner: err}
	case errors.Is(err, fs.ErrExist):
		// fall through to the replace path
	default:
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}

	si, err := os.Stat(src)
	if err != nil {
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: sha256, Inner: err}
	}
	ti, err := os.Stat(target)
	if err == nil && os.SameFile(si, ti) {
		return nil
	}
	sib := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+"."+uuid.NewString())
	if err := os.Link(src, sib); err != nil {
		if isCrossDevice(err) {
			return &chantal.Error{Op: op, Kind: chantal.ErrCrossDevice, Message: fmt.Sprintf("target %q is on another filesystem", target), Inner: err}
		}
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	if err := os.Rename(sib, target); err != nil {
		os.Remove(sib)
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	linkCounter.WithLabelValues(string(b)).Inc()
	return nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
