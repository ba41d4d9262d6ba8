package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCategory is returned when a category tag is not one of Categories.
var ErrUnknownCategory = errors.New("unknown feature category")

// Category identifies one feature slot of a composite sketch.
type Category string

// Feature category tags. The declaration order is the draw order.
const (
	CategoryFaceShape  Category = "face-shape"
	CategoryEars       Category = "ears"
	CategoryEyebrows   Category = "eyebrows"
	CategoryEyes       Category = "eyes"
	CategoryNose       Category = "nose"
	CategoryMouth      Category = "mouth"
	CategoryFacialHair Category = "facial-hair"
	CategoryHair       Category = "hair"
	CategoryAccessory  Category = "accessory"
)

// Categories lists every category in ascending z-order: index 0 is drawn
// first (bottom), the last entry is drawn on top.
var Categories = []Category{
	CategoryFaceShape,
	CategoryEars,
	CategoryEyebrows,
	CategoryEyes,
	CategoryNose,
	CategoryMouth,
	CategoryFacialHair,
	CategoryHair,
	CategoryAccessory,
}

// defaultPlacements are laid out for DefaultCanvas.
var defaultPlacements = map[Category]Placement{
	CategoryFaceShape:  {X: 75, Y: 75, Width: 350, Height: 450},
	CategoryEars:       {X: 55, Y: 230, Width: 390, Height: 120},
	CategoryEyebrows:   {X: 140, Y: 215, Width: 220, Height: 50},
	CategoryEyes:       {X: 140, Y: 255, Width: 220, Height: 70},
	CategoryNose:       {X: 205, Y: 300, Width: 90, Height: 110},
	CategoryMouth:      {X: 180, Y: 420, Width: 140, Height: 60},
	CategoryFacialHair: {X: 130, Y: 380, Width: 240, Height: 170},
	CategoryHair:       {X: 60, Y: 30, Width: 380, Height: 260},
	CategoryAccessory:  {X: 120, Y: 230, Width: 260, Height: 110},
}

// ParseCategory converts a tag to a Category. Matching is case-insensitive and
// accepts underscores in place of dashes ("facial_hair").
func ParseCategory(tag string) (Category, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(tag)), "_", "-")
	c := Category(normalized)
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, tag)
	}
	return c, nil
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	_, ok := defaultPlacements[c]
	return ok
}

// ZOrder returns the draw position of c, or -1 for an invalid category.
func (c Category) ZOrder() int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return -1
}

// DefaultPlacement returns the placement used when c is populated for the
// first time in a session. ok is false for an invalid category.
func (c Category) DefaultPlacement() (p Placement, ok bool) {
	p, ok = defaultPlacements[c]
	return p, ok
}

func (c Category) String() string {
	return string(c)
}
