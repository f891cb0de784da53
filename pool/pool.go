// Package pool implements the content-addressed object pool.
//
// Every blob lives at a path derived from its sha256:
//
//	<root>/content/<aa>/<bb>/<sha256>
//	<root>/files/<aa>/<bb>/<sha256>
//	<root>/tmp/<uuid>
//
// where aa and bb are the first two byte pairs of the hex sum. Writers stream
// into <root>/tmp and finish with an atomic rename, so a crash never leaves a
// partial blob at a canonical path, only sweepable temp files.
//
// The pool knows nothing about the database; reference counting is the
// reconciler's job.
package pool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/pkg/tmp"
)

// Bucket selects the payload or metadata side of the pool.
type Bucket string

const (
	// Content holds package payloads: rpms, debs, apks, chart tarballs.
	Content Bucket = "content"
	// Files holds repository metadata blobs and kickstart assets.
	Files Bucket = "files"
)

func (b Bucket) valid() bool {
	switch b {
	case Content, Files:
		return true
	}
	return false
}

// Pool is handle to an object pool rooted at a single directory. All methods
// are safe for concurrent use.
type Pool struct {
	root string
}

// New opens the pool at root, creating the bucket skeleton if needed. The
// published trees must live on the same filesystem for LinkInto to work.
func New(root string) (*Pool, error) {
	const op = `pool/New`
	if root == "" {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrConfig, Message: "pool root not set"}
	}
	for _, d := range []string{string(Content), string(Files), "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create pool skeleton", Inner: err}
		}
	}
	return &Pool{root: root}, nil
}

func (p *Pool) Root() string { return p.root }

// TempDir is the scratch directory sharing the pool's filesystem. Downloads
// land here so that Install is a pure rename.
func (p *Pool) TempDir() string { return filepath.Join(p.root, "tmp") }

// TempFile creates a uuid-named scratch file in TempDir.
func (p *Pool) TempFile() (*tmp.File, error) {
	return tmp.NewFile(p.TempDir(), uuid.NewString())
}

// PathOf computes the canonical path for a sum. It does not check existence
// or validity.
func (p *Pool) PathOf(b Bucket, sha256 string) string {
	return filepath.Join(p.root, string(b), sha256[0:2], sha256[2:4], sha256)
}

// Has reports whether the blob exists at its canonical path.
func (p *Pool) Has(b Bucket, sha256 string) (bool, error) {
	const op = `pool/Pool.Has`
	if err := checkArgs(op, b, sha256); err != nil {
		return false, err
	}
	_, err := os.Stat(p.PathOf(b, sha256))
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	}
	return false, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
}

// Open opens a blob for reading.
func (p *Pool) Open(b Bucket, sha256 string) (*os.File, error) {
	const op = `pool/Pool.Open`
	if err := checkArgs(op, b, sha256); err != nil {
		return nil, err
	}
	f, err := os.Open(p.PathOf(b, sha256))
	switch {
	case err == nil:
		return f, nil
	case os.IsNotExist(err):
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: sha256}
	}
	return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
}

// Delete unlinks a blob from the pool. Callers must have removed all
// database references already; the pool does not check.
func (p *Pool) Delete(b Bucket, sha256 string) error {
	const op = `pool/Pool.Delete`
	if err := checkArgs(op, b, sha256); err != nil {
		return err
	}
	err := os.Remove(p.PathOf(b, sha256))
	switch {
	case err == nil:
		deleteCounter.WithLabelValues(string(b)).Inc()
		return nil
	case os.IsNotExist(err):
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: sha256}
	}
	return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
}

func checkArgs(op string, b Bucket, sha256 string) error {
	if !b.valid() {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: fmt.Sprintf("bad bucket %q", b)}
	}
	if !chantal.ValidSHA256(sha256) {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: fmt.Sprintf("bad sha256 %q", sha256)}
	}
	return nil
}
