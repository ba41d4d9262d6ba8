package types

import "time"

// MinDimension is the smallest width or height a placed asset may have.
const MinDimension = 50

// DefaultCanvas is the canvas the default placements are designed for.
var DefaultCanvas = Canvas{Width: 500, Height: 600}

// Canvas is the pixel size of the drawing surface.
type Canvas struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// AssetRef identifies a selectable feature image in the asset catalog.
type AssetRef struct {
	Category Category `json:"category"`
	Filename string   `json:"filename"`
}

func (r AssetRef) String() string {
	return string(r.Category) + "/" + r.Filename
}

// Placement is the position and size of one placed asset in canvas pixels.
type Placement struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Layer is one occupied category of a composition.
type Layer struct {
	Asset     AssetRef  `json:"asset"`
	Placement Placement `json:"placement"`
	ZOrder    int       `json:"z_order"`
}

// CompositionState is a serializable snapshot of a composition.
// Layers are ordered by ascending z-order. Remembered holds the last known
// placement of every category used in the session, occupied or not.
type CompositionState struct {
	Canvas     Canvas                 `json:"canvas"`
	Layers     []Layer                `json:"layers"`
	Remembered map[Category]Placement `json:"remembered,omitempty"`
}

// Sketch is a persisted export of a flattened composition.
type Sketch struct {
	ID          string           `json:"id"`
	Filename    string           `json:"filename"`
	Composition CompositionState `json:"composition"`
	Width       int              `json:"width"`
	Height      int              `json:"height"`
	CreatedBy   string           `json:"created_by,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}
