// Package publish renders content sets into web-servable directory trees.
//
// A publish run stages everything in a hidden sibling directory of the
// target, hard-linking blobs out of the pool and writing any regenerated
// indexes, then swaps the staged tree into place. A reader of the target
// path sees either the whole previous tree or the whole new one.
package publish

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	chantal "github.com/slauger/chantal-sub001"
	"github.com/slauger/chantal-sub001/pool"
)

// Tree is a staging directory that becomes the published tree on Commit.
//
// The staging directory lives next to the target so the final rename stays
// on one filesystem; the pool must share that filesystem for hard links to
// work at all.
type Tree struct {
	pool   *pool.Pool
	target string
	dir    string
	// relative path to content sum, for duplicate-path detection
	placed map[string]string
	done   bool
}

// NewTree creates a staging directory beside target.
func NewTree(p *pool.Pool, target string) (*Tree, error) {
	const op = `publish: new tree`
	target = filepath.Clean(target)
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create publish root", Inner: err}
	}
	dir, err := os.MkdirTemp(parent, "."+filepath.Base(target)+".stage-")
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create staging directory", Inner: err}
	}
	return &Tree{
		pool:   p,
		target: target,
		dir:    dir,
		placed: make(map[string]string),
	}, nil
}

// Pool exposes the blob pool, for publishers that read stored blobs while
// regenerating indexes.
func (t *Tree) Pool() *pool.Pool { return t.pool }

// Target returns the final path the tree will occupy after Commit.
func (t *Tree) Target() string { return t.target }

// LinkContent hard-links a payload blob at rel under the staging root.
//
// Linking the same path twice with the same sum is a no-op; a different sum
// is a publish conflict.
func (t *Tree) LinkContent(sha256, rel string) error {
	return t.link(pool.Content, sha256, rel)
}

// LinkFile hard-links a repository file blob at rel under the staging root.
func (t *Tree) LinkFile(sha256, rel string) error {
	return t.link(pool.Files, sha256, rel)
}

func (t *Tree) link(b pool.Bucket, sum, rel string) error {
	const op = `publish: link`
	tgt, key, err := t.path(rel)
	if err != nil {
		return err
	}
	if prev, ok := t.placed[key]; ok {
		if prev == sum {
			return nil
		}
		return &chantal.Error{
			Op:      op,
			Kind:    chantal.ErrPublishConflict,
			Message: fmt.Sprintf("path %q wanted by %s and %s", key, prev, sum),
		}
	}
	if err := os.MkdirAll(filepath.Dir(tgt), 0o755); err != nil {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create directory", Inner: err}
	}
	if err := t.pool.LinkInto(b, sum, tgt); err != nil {
		return err
	}
	t.placed[key] = sum
	return nil
}

// Create opens a fresh regular file at rel under the staging root, for
// regenerated indexes.
func (t *Tree) Create(rel string) (io.WriteCloser, error) {
	const op = `publish: create`
	tgt, key, err := t.path(rel)
	if err != nil {
		return nil, err
	}
	if prev, ok := t.placed[key]; ok {
		return nil, &chantal.Error{
			Op:      op,
			Kind:    chantal.ErrPublishConflict,
			Message: fmt.Sprintf("path %q already holds %s", key, prev),
		}
	}
	if err := os.MkdirAll(filepath.Dir(tgt), 0o755); err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create directory", Inner: err}
	}
	f, err := os.OpenFile(tgt, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to create file", Inner: err}
	}
	t.placed[key] = "generated:" + key
	return f, nil
}

// path maps a tree-relative path to an absolute staging path, refusing
// anything that would escape the staging root.
func (t *Tree) path(rel string) (abs, key string, err error) {
	const op = `publish: path`
	key = path.Clean("/" + rel)[1:]
	if key == "" {
		return "", "", &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: fmt.Sprintf("unusable path %q", rel)}
	}
	return filepath.Join(t.dir, filepath.FromSlash(key)), key, nil
}

// Commit swaps the staged tree into place. When a previous tree exists the
// swap is two renames with a trash directory in between, so the target path
// always resolves to a complete tree.
func (t *Tree) Commit(ctx context.Context) error {
	const op = `publish: commit`
	if t.done {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "tree already committed or discarded"}
	}
	t.done = true
	ctx = zlog.ContextWithValues(ctx, "component", "publish/Tree.Commit", "target", t.target)

	switch _, err := os.Lstat(t.target); {
	case err == nil:
		trash := filepath.Join(filepath.Dir(t.target), "."+filepath.Base(t.target)+".old-"+uuid.NewString())
		if err := os.Rename(t.target, trash); err != nil {
			os.RemoveAll(t.dir)
			return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to move previous tree aside", Inner: err}
		}
		if err := os.Rename(t.dir, t.target); err != nil {
			// put the old tree back so the target never dangles
			if rerr := os.Rename(trash, t.target); rerr != nil {
				zlog.Error(ctx).AnErr("restore", rerr).Msg("previous tree stranded in trash")
			}
			os.RemoveAll(t.dir)
			return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to swap staged tree in", Inner: err}
		}
		if err := os.RemoveAll(trash); err != nil {
			zlog.Warn(ctx).Err(err).Str("trash", trash).Msg("unable to remove previous tree")
		}
	case os.IsNotExist(err):
		if err := os.Rename(t.dir, t.target); err != nil {
			os.RemoveAll(t.dir)
			return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to move staged tree in", Inner: err}
		}
	default:
		os.RemoveAll(t.dir)
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to inspect target", Inner: err}
	}
	zlog.Info(ctx).Msg("tree published")
	return nil
}

// Discard removes the staging tree. Safe to call after Commit.
func (t *Tree) Discard() error {
	if t.done {
		return nil
	}
	t.done = true
	return os.RemoveAll(t.dir)
}

// Unpublish removes a published tree. The pool and database stay untouched;
// republication can rebuild the tree at any time.
func Unpublish(ctx context.Context, target string) error {
	const op = `publish: unpublish`
	ctx = zlog.ContextWithValues(ctx, "component", "publish/Unpublish", "target", target)
	target = filepath.Clean(target)
	switch _, err := os.Lstat(target); {
	case os.IsNotExist(err):
		return &chantal.Error{Op: op, Kind: chantal.ErrNotFound, Message: "no tree at " + target}
	case err != nil:
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Inner: err}
	}
	// move aside first so readers never see a half-deleted tree
	trash := filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".old-"+uuid.NewString())
	if err := os.Rename(target, trash); err != nil {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to move tree aside", Inner: err}
	}
	if err := os.RemoveAll(trash); err != nil {
		return &chantal.Error{Op: op, Kind: chantal.ErrInternal, Message: "unable to remove tree", Inner: err}
	}
	zlog.Info(ctx).Msg("tree unpublished")
	return nil
}
