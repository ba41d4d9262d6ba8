// Package fs implements storage.ImageStore on a local directory tree.
package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/scrypster/sketchmatch/internal/storage"
)

// Store reads and writes files below a root directory. Paths are
// slash-separated and must stay inside the root, symlinks included. Hidden
// names (a segment starting with ".") are not addressable.
type Store struct {
	root string
}

// NewStore returns a store rooted at root. The directory does not need to
// exist until the first read.
func NewStore(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

// Resolve maps a slash-separated relative path to a filesystem path inside
// the root. Absolute paths, paths escaping the root and hidden segments are
// rejected with storage.ErrInvalidInput. The check is lexical; file access
// goes through os.Root, which also refuses symlinks leading outside.
func (s *Store) Resolve(rel string) (string, error) {
	local, err := localPath(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, local), nil
}

func localPath(rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("%w: empty or malformed path", storage.ErrInvalidInput)
	}
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("%w: path escapes store root", storage.ErrInvalidInput)
	}
	local = filepath.Clean(local)
	for _, seg := range strings.Split(local, string(filepath.Separator)) {
		if strings.HasPrefix(seg, ".") {
			return "", fmt.Errorf("%w: hidden path", storage.ErrInvalidInput)
		}
	}
	return local, nil
}

// ReadImageBytes returns the content at rel.
func (s *Store) ReadImageBytes(ctx context.Context, rel string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, err := localPath(rel)
	if err != nil {
		return nil, err
	}
	root, err := s.openRoot(false)
	if err != nil {
		return nil, s.pathError("read", rel, local, err)
	}
	defer root.Close()

	f, err := root.Open(local)
	if err != nil {
		return nil, s.pathError("read", rel, local, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", storage.ErrIO, rel, unwrapPathError(err))
	}
	return data, nil
}

// Exists reports whether rel names a regular file inside the root.
func (s *Store) Exists(rel string) bool {
	local, err := localPath(rel)
	if err != nil {
		return false
	}
	root, err := s.openRoot(false)
	if err != nil {
		return false
	}
	defer root.Close()
	info, err := root.Stat(local)
	return err == nil && info.Mode().IsRegular()
}

// WriteImageBytes creates or replaces the content at rel, creating parent
// directories as needed. The file is written to a temporary name first and
// renamed into place so readers never see a partial image.
func (s *Store) WriteImageBytes(ctx context.Context, rel string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	local, err := localPath(rel)
	if err != nil {
		return err
	}
	root, err := s.openRoot(true)
	if err != nil {
		return s.pathError("write", rel, local, err)
	}
	defer root.Close()

	dir := filepath.Dir(local)
	if err := mkdirAll(root, dir); err != nil {
		return s.pathError("mkdir for", rel, local, err)
	}

	tmpLocal := filepath.Join(dir, ".tmp-"+uuid.NewString())
	tmp, err := root.OpenFile(tmpLocal, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return s.pathError("create", rel, local, err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		root.Remove(tmpLocal)
		return fmt.Errorf("%w: write %s: %v", storage.ErrIO, rel, unwrapPathError(err))
	}
	if err := tmp.Close(); err != nil {
		root.Remove(tmpLocal)
		return fmt.Errorf("%w: close %s: %v", storage.ErrIO, rel, unwrapPathError(err))
	}
	// os.Root has no rename; the directory was resolved inside the root above.
	if err := os.Rename(filepath.Join(s.root, tmpLocal), filepath.Join(s.root, local)); err != nil {
		root.Remove(tmpLocal)
		return fmt.Errorf("%w: rename %s: %v", storage.ErrIO, rel, unwrapPathError(err))
	}
	return nil
}

// DeleteImage removes the file at rel.
func (s *Store) DeleteImage(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	local, err := localPath(rel)
	if err != nil {
		return err
	}
	root, err := s.openRoot(false)
	if err != nil {
		return s.pathError("delete", rel, local, err)
	}
	defer root.Close()

	if err := root.Remove(local); err != nil {
		return s.pathError("delete", rel, local, err)
	}
	return nil
}

func (s *Store) openRoot(create bool) (*os.Root, error) {
	if create {
		if err := os.MkdirAll(s.root, 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenRoot(s.root)
}

// mkdirAll creates dir and its parents inside root.
func mkdirAll(root *os.Root, dir string) error {
	if dir == "." {
		return nil
	}
	cur := ""
	for _, seg := range strings.Split(dir, string(filepath.Separator)) {
		cur = filepath.Join(cur, seg)
		if err := root.Mkdir(cur, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
	}
	// An existing component may be a symlink; Stat through the root
	// rejects one that leads outside.
	_, err := root.Stat(dir)
	return err
}

// pathError maps a failed access to local onto the storage errors.
func (s *Store) pathError(op, rel, local string, err error) error {
	if s.escapes(local) {
		return fmt.Errorf("%w: %s escapes store root", storage.ErrInvalidInput, rel)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, rel)
	}
	return fmt.Errorf("%w: %s %s: %v", storage.ErrIO, op, rel, unwrapPathError(err))
}

// escapes reports whether local resolves, through symlinks, to a location
// outside the root.
func (s *Store) escapes(local string) bool {
	rootReal, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return false
	}
	p := filepath.Join(s.root, local)
	for p != s.root {
		if real, err := filepath.EvalSymlinks(p); err == nil {
			r, err := filepath.Rel(rootReal, real)
			return err != nil || !filepath.IsLocal(r)
		}
		p = filepath.Dir(p)
	}
	return false
}

// unwrapPathError drops the absolute path from *fs.PathError so error
// messages only carry the relative name.
func unwrapPathError(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}
