// Package catalog lists and loads the feature assets a composition is built
// from. Assets are PNG files stored as <root>/<category>/<filename>.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/internal/storage"
	fsstore "github.com/scrypster/sketchmatch/internal/storage/fs"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// ErrUnknownAsset indicates the referenced asset is not in the catalog.
var ErrUnknownAsset = errors.New("unknown asset")

// assetExt is the only file type the catalog serves.
const assetExt = ".png"

// defaultCacheSize bounds the number of decoded assets kept in memory.
const defaultCacheSize = 256

// Catalog reads assets from a directory tree.
type Catalog struct {
	root   string
	images *fsstore.Store
	cache  *lru.Cache[types.AssetRef, image.Image]
}

// New returns a catalog rooted at root.
func New(root string) (*Catalog, error) {
	cache, err := lru.New[types.AssetRef, image.Image](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to create asset cache: %w", err)
	}
	return &Catalog{
		root:   root,
		images: fsstore.NewStore(root),
		cache:  cache,
	}, nil
}

// ListAssets returns the asset filenames of category in ascending order.
// A category without a directory has no assets.
func (c *Catalog) ListAssets(category types.Category) ([]string, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownCategory, category)
	}

	entries, err := os.ReadDir(filepath.Join(c.root, string(category)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("catalog: failed to list %s: %w", category, storage.ErrIO)
	}

	assets := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isAssetName(e.Name()) {
			continue
		}
		assets = append(assets, e.Name())
	}
	sort.Strings(assets)
	return assets, nil
}

// Exists reports whether ref names an asset file in the catalog.
func (c *Catalog) Exists(ref types.AssetRef) bool {
	rel, ok := assetPath(ref)
	if !ok {
		return false
	}
	return c.images.Exists(rel)
}

// Open returns the decoded asset image. Decoded images are cached and must
// be treated as read-only by callers.
func (c *Catalog) Open(ctx context.Context, ref types.AssetRef) (image.Image, error) {
	if img, ok := c.cache.Get(ref); ok {
		return img, nil
	}

	rel, ok := assetPath(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}

	data, err := c.images.ReadImageBytes(ctx, rel)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
		}
		return nil, err
	}

	img, _, err := imaging.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("catalog: %s: %w", ref, err)
	}

	c.cache.Add(ref, img)
	return img, nil
}

// Path returns the slash-separated path of ref relative to the catalog root.
func (c *Catalog) Path(ref types.AssetRef) (string, error) {
	rel, ok := assetPath(ref)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}
	return rel, nil
}

func assetPath(ref types.AssetRef) (string, bool) {
	if !ref.Category.Valid() || !isAssetName(ref.Filename) {
		return "", false
	}
	if ref.Filename != path.Base(ref.Filename) || strings.ContainsAny(ref.Filename, `/\`) {
		return "", false
	}
	return path.Join(string(ref.Category), ref.Filename), true
}

func isAssetName(name string) bool {
	return !strings.HasPrefix(name, ".") && strings.EqualFold(filepath.Ext(name), assetExt)
}
