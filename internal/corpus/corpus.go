// Package corpus enumerates the reference photographs a sketch is ranked
// against and watches them for changes.
package corpus

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/internal/storage"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// List returns every supported image below root, recursively, sorted by ID.
// IDs and paths are slash-separated and relative to root. Hidden files and
// directories are skipped. A missing root returns storage.ErrNotFound.
func List(root string) ([]types.ReferenceImage, error) {
	info, err := os.Stat(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: reference folder", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: reference folder: %v", storage.ErrIO, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: reference folder is not a directory", storage.ErrInvalidInput)
	}

	refs := []types.ReferenceImage{}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		if isHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() || !imaging.IsSupportedFormat(d.Name()) {
			return nil
		}

		id, ok := RelID(root, p)
		if !ok {
			return nil
		}
		refs = append(refs, types.ReferenceImage{ID: id, Path: id})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk reference folder: %v", storage.ErrIO, err)
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// RelID converts a filesystem path below root into an image ID.
func RelID(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil || !filepath.IsLocal(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
