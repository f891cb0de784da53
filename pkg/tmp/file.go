// Package tmp implements temp files that default to cleaning up after
// themselves.
package tmp

import (
	"os"
)

// File wraps an [os.File] so that Close also removes the file, unless it was
// promoted to a permanent path via Rename first.
//
// The usual shape is one defer'd Close guarding every error path, with a
// Rename on the success path.
type File struct {
	*os.File
	done bool
}

func NewFile(dir, pattern string) (*File, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return &File{File: f}, nil
}

// Rename promotes the temp file to target: sync, close, then an atomic
// rename. Target must be on the same filesystem. After Rename, Close is a
// no-op.
func (t *File) Rename(target string) error {
	t.done = true
	if err := t.File.Sync(); err != nil {
		t.File.Close()
		os.Remove(t.File.Name())
		return err
	}
	if err := t.File.Close(); err != nil {
		os.Remove(t.File.Name())
		return err
	}
	if err := os.Rename(t.File.Name(), target); err != nil {
		os.Remove(t.File.Name())
		return err
	}
	return nil
}

// Close closes the file handle and removes the file from the filesystem.
func (t *File) Close() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.File.Close(); err != nil {
		os.Remove(t.File.Name())
		return err
	}
	return os.Remove(t.File.Name())
}
