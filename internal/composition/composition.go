// Package composition holds the editable state of one composite sketch:
// which asset occupies each feature category, where it sits on the canvas
// and how large it is drawn.
//
// A Composition is owned by a single session and is not safe for concurrent
// use; callers serialize access.
package composition

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/scrypster/sketchmatch/pkg/types"
)

var (
	// ErrInvalidCategory indicates an edit referenced a category that is not
	// usable for the requested operation.
	ErrInvalidCategory = errors.New("invalid category")

	// ErrUnknownAsset indicates the asset does not exist in the catalog.
	ErrUnknownAsset = fmt.Errorf("%w: unknown asset", ErrInvalidCategory)

	// ErrCategoryEmpty indicates the category has no asset placed.
	ErrCategoryEmpty = fmt.Errorf("%w: category is empty", ErrInvalidCategory)

	// ErrInvalidCanvas indicates a canvas without a positive size.
	ErrInvalidCanvas = errors.New("invalid canvas size")
)

// Catalog is the asset lookup a composition validates and draws from.
type Catalog interface {
	Exists(ref types.AssetRef) bool
	Open(ctx context.Context, ref types.AssetRef) (image.Image, error)
}

type entry struct {
	asset     types.AssetRef
	placement types.Placement
}

// Composition maps each occupied category to an asset and its placement.
type Composition struct {
	catalog Catalog
	canvas  types.Canvas

	layers     map[types.Category]entry
	remembered map[types.Category]types.Placement

	// resizeOrigin holds the size captured at the start of an open resize
	// gesture, per category.
	resizeOrigin map[types.Category]types.Placement
}

// New returns an empty composition on canvas. A zero canvas selects
// types.DefaultCanvas.
func New(catalog Catalog, canvas types.Canvas) *Composition {
	if canvas.Width <= 0 || canvas.Height <= 0 {
		canvas = types.DefaultCanvas
	}
	return &Composition{
		catalog:      catalog,
		canvas:       canvas,
		layers:       make(map[types.Category]entry),
		remembered:   make(map[types.Category]types.Placement),
		resizeOrigin: make(map[types.Category]types.Placement),
	}
}

// Canvas returns the canvas size.
func (c *Composition) Canvas() types.Canvas {
	return c.canvas
}

// Len returns the number of occupied categories.
func (c *Composition) Len() int {
	return len(c.layers)
}

// Layer returns the layer for cat if it is occupied.
func (c *Composition) Layer(cat types.Category) (types.Layer, bool) {
	e, ok := c.layers[cat]
	if !ok {
		return types.Layer{}, false
	}
	return types.Layer{Asset: e.asset, Placement: e.placement, ZOrder: cat.ZOrder()}, true
}

// Layers returns the occupied layers in ascending z-order.
func (c *Composition) Layers() []types.Layer {
	out := make([]types.Layer, 0, len(c.layers))
	for _, cat := range types.Categories {
		if l, ok := c.Layer(cat); ok {
			out = append(out, l)
		}
	}
	return out
}

// Place puts ref into its category, replacing any asset already there.
// The category keeps the last placement it had in this composition, even if
// it was removed or cleared since; a category used for the first time gets
// its default placement.
func (c *Composition) Place(ref types.AssetRef) (types.Placement, error) {
	if !ref.Category.Valid() {
		return types.Placement{}, fmt.Errorf("%w: %w: %q", ErrInvalidCategory, types.ErrUnknownCategory, ref.Category)
	}
	if c.catalog == nil || !c.catalog.Exists(ref) {
		return types.Placement{}, fmt.Errorf("%w: %s", ErrUnknownAsset, ref)
	}

	p, ok := c.remembered[ref.Category]
	if !ok {
		p, _ = ref.Category.DefaultPlacement()
		p = c.clamp(p, p.X, p.Y)
	}

	c.layers[ref.Category] = entry{asset: ref, placement: p}
	c.remembered[ref.Category] = p
	return p, nil
}

// Move sets the position of cat, clamped so the element stays on the
// canvas. An element larger than the canvas is pinned at 0 on that axis.
func (c *Composition) Move(cat types.Category, x, y int) (types.Placement, error) {
	e, err := c.occupied(cat)
	if err != nil {
		return types.Placement{}, err
	}

	e.placement = c.clamp(e.placement, x, y)
	c.layers[cat] = e
	c.remembered[cat] = e.placement
	return e.placement, nil
}

// BeginResize captures the current size of cat as the origin for the
// following Resize calls.
func (c *Composition) BeginResize(cat types.Category) error {
	e, err := c.occupied(cat)
	if err != nil {
		return err
	}
	c.resizeOrigin[cat] = e.placement
	return nil
}

// Resize sets the size of cat to the gesture origin plus (dx, dy). Each
// dimension is floored at types.MinDimension; there is no upper bound.
// Without an open gesture the current size is the origin.
func (c *Composition) Resize(cat types.Category, dx, dy int) (types.Placement, error) {
	e, err := c.occupied(cat)
	if err != nil {
		return types.Placement{}, err
	}

	origin, ok := c.resizeOrigin[cat]
	if !ok {
		origin = e.placement
	}

	e.placement.Width = max(origin.Width+dx, types.MinDimension)
	e.placement.Height = max(origin.Height+dy, types.MinDimension)
	c.layers[cat] = e
	c.remembered[cat] = e.placement
	return e.placement, nil
}

// EndResize closes the resize gesture for cat, if any.
func (c *Composition) EndResize(cat types.Category) {
	delete(c.resizeOrigin, cat)
}

// Remove empties cat. Its placement is still remembered.
func (c *Composition) Remove(cat types.Category) error {
	if _, err := c.occupied(cat); err != nil {
		return err
	}
	delete(c.layers, cat)
	delete(c.resizeOrigin, cat)
	return nil
}

// Clear empties every category. Remembered placements survive.
func (c *Composition) Clear() {
	c.layers = make(map[types.Category]entry)
	c.resizeOrigin = make(map[types.Category]types.Placement)
}

// Flatten renders the composition onto a white canvas-sized image, drawing
// occupied categories in ascending z-order. Each asset is scaled to its
// placement and alpha-composited over what is below it.
func (c *Composition) Flatten(ctx context.Context) (*image.RGBA, error) {
	dst := image.NewRGBA(image.Rect(0, 0, c.canvas.Width, c.canvas.Height))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	for _, l := range c.Layers() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src, err := c.catalog.Open(ctx, l.Asset)
		if err != nil {
			return nil, fmt.Errorf("composition: draw %s: %w", l.Asset, err)
		}
		drawLayer(dst, src, l.Placement)
	}
	return dst, nil
}

// drawLayer scales src onto its placement rectangle in dst. The affine
// transform only visits destination pixels inside dst, so the cost is bounded
// by the canvas however large the placement grows.
func drawLayer(dst *image.RGBA, src image.Image, p types.Placement) {
	sr := src.Bounds()
	if sr.Empty() {
		return
	}
	sx := float64(p.Width) / float64(sr.Dx())
	sy := float64(p.Height) / float64(sr.Dy())
	s2d := f64.Aff3{
		sx, 0, float64(p.X) - sx*float64(sr.Min.X),
		0, sy, float64(p.Y) - sy*float64(sr.Min.Y),
	}
	xdraw.CatmullRom.Transform(dst, s2d, src, sr, xdraw.Over, nil)
}

// Snapshot returns a serializable copy of the composition.
func (c *Composition) Snapshot() types.CompositionState {
	remembered := make(map[types.Category]types.Placement, len(c.remembered))
	for k, v := range c.remembered {
		remembered[k] = v
	}
	return types.CompositionState{
		Canvas:     c.canvas,
		Layers:     c.Layers(),
		Remembered: remembered,
	}
}

// Restore replaces the composition with state. The state is validated as a
// whole first; on error the composition is unchanged.
func (c *Composition) Restore(state types.CompositionState) error {
	canvas := state.Canvas
	if canvas.Width <= 0 || canvas.Height <= 0 {
		return ErrInvalidCanvas
	}

	layers := make(map[types.Category]entry, len(state.Layers))
	for _, l := range state.Layers {
		cat := l.Asset.Category
		if !cat.Valid() {
			return fmt.Errorf("%w: %w: %q", ErrInvalidCategory, types.ErrUnknownCategory, cat)
		}
		if _, dup := layers[cat]; dup {
			return fmt.Errorf("%w: duplicate layer %s", ErrInvalidCategory, cat)
		}
		if c.catalog == nil || !c.catalog.Exists(l.Asset) {
			return fmt.Errorf("%w: %s", ErrUnknownAsset, l.Asset)
		}
		layers[cat] = entry{asset: l.Asset, placement: normalize(l.Placement, canvas)}
	}

	remembered := make(map[types.Category]types.Placement, len(state.Remembered)+len(layers))
	for cat, p := range state.Remembered {
		if !cat.Valid() {
			return fmt.Errorf("%w: %w: %q", ErrInvalidCategory, types.ErrUnknownCategory, cat)
		}
		remembered[cat] = normalize(p, canvas)
	}
	for cat, e := range layers {
		remembered[cat] = e.placement
	}

	c.canvas = canvas
	c.layers = layers
	c.remembered = remembered
	c.resizeOrigin = make(map[types.Category]types.Placement)
	return nil
}

func (c *Composition) occupied(cat types.Category) (entry, error) {
	if !cat.Valid() {
		return entry{}, fmt.Errorf("%w: %w: %q", ErrInvalidCategory, types.ErrUnknownCategory, cat)
	}
	e, ok := c.layers[cat]
	if !ok {
		return entry{}, fmt.Errorf("%w: %s", ErrCategoryEmpty, cat)
	}
	return e, nil
}

// clamp returns p moved to (x, y) with x in [0, canvasW-width] and y in
// [0, canvasH-height].
func (c *Composition) clamp(p types.Placement, x, y int) types.Placement {
	p.X = clampInt(x, 0, max(c.canvas.Width-p.Width, 0))
	p.Y = clampInt(y, 0, max(c.canvas.Height-p.Height, 0))
	return p
}

// normalize enforces the size floor and the position clamp on a stored
// placement.
func normalize(p types.Placement, canvas types.Canvas) types.Placement {
	p.Width = max(p.Width, types.MinDimension)
	p.Height = max(p.Height, types.MinDimension)
	p.X = clampInt(p.X, 0, max(canvas.Width-p.Width, 0))
	p.Y = clampInt(p.Y, 0, max(canvas.Height-p.Height, 0))
	return p
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
