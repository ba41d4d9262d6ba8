package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/sketchmatch/internal/composition"
	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/internal/session"
	"github.com/scrypster/sketchmatch/internal/storage"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// AssetCatalog lists feature assets. *catalog.Catalog implements it.
type AssetCatalog interface {
	ListAssets(category types.Category) ([]string, error)
	Path(ref types.AssetRef) (string, error)
}

// ComposerHandlers serves the asset catalog and composition sessions.
type ComposerHandlers struct {
	catalog  AssetCatalog
	assets   storage.ImageStore
	sessions *session.Manager
	sketches storage.SketchStore
	output   storage.ImageStore
	canvas   types.Canvas
	now      func() time.Time
}

// NewComposerHandlers creates composer handlers. assets reads catalog files;
// output receives saved sketches.
func NewComposerHandlers(catalog AssetCatalog, assets storage.ImageStore, sessions *session.Manager, sketches storage.SketchStore, output storage.ImageStore, canvas types.Canvas) *ComposerHandlers {
	return &ComposerHandlers{
		catalog:  catalog,
		assets:   assets,
		sessions: sessions,
		sketches: sketches,
		output:   output,
		canvas:   canvas,
		now:      time.Now,
	}
}

// ListCategories handles GET /api/categories.
func (h *ComposerHandlers) ListCategories(w http.ResponseWriter, r *http.Request) {
	resp := CategoriesResponse{Canvas: h.canvas}
	for _, cat := range types.Categories {
		p, _ := cat.DefaultPlacement()
		resp.Categories = append(resp.Categories, CategoryInfo{Category: cat, ZOrder: cat.ZOrder(), DefaultPlacement: p})
	}
	respondJSON(w, http.StatusOK, resp)
}

// ListAssets handles GET /api/assets/{category}.
func (h *ComposerHandlers) ListAssets(w http.ResponseWriter, r *http.Request) {
	cat, err := types.ParseCategory(extractID(r, "category"))
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	assets, err := h.catalog.ListAssets(cat)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	respondJSON(w, http.StatusOK, AssetsResponse{Category: cat, Assets: assets})
}

// GetAsset handles GET /assets/{category}/{filename}.
func (h *ComposerHandlers) GetAsset(w http.ResponseWriter, r *http.Request) {
	cat, err := types.ParseCategory(extractID(r, "category"))
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	rel, err := h.catalog.Path(types.AssetRef{Category: cat, Filename: extractID(r, "filename")})
	if err != nil {
		respondError(w, http.StatusNotFound, "asset not found", nil)
		return
	}
	data, err := h.assets.ReadImageBytes(r.Context(), rel)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	writeImage(w, "image/png", data)
}

// CreateSession handles POST /api/sessions.
func (h *ComposerHandlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	s := h.sessions.Create()
	var resp SessionResponse
	_ = s.With(func(c *composition.Composition) error {
		resp = SessionResponse{ID: s.ID, Composition: c.Snapshot()}
		return nil
	})
	respondJSON(w, http.StatusCreated, resp)
}

// GetSession handles GET /api/sessions/{id}.
func (h *ComposerHandlers) GetSession(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(s *session.Session, c *composition.Composition) (interface{}, error) {
		return SessionResponse{ID: s.ID, Composition: c.Snapshot()}, nil
	})
}

// DeleteSession handles DELETE /api/sessions/{id}.
func (h *ComposerHandlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Delete(extractID(r, "id")); err != nil {
		respondServiceError(w, err, 0)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PlaceLayer handles POST /api/sessions/{id}/layers.
func (h *ComposerHandlers) PlaceLayer(w http.ResponseWriter, r *http.Request) {
	var req PlaceRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	cat, err := types.ParseCategory(req.Category)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}

	h.withSession(w, r, func(_ *session.Session, c *composition.Composition) (interface{}, error) {
		p, err := c.Place(types.AssetRef{Category: cat, Filename: req.Filename})
		if err != nil {
			return nil, err
		}
		return LayerResponse{Category: cat, Placement: p}, nil
	})
}

// MoveLayer handles POST /api/sessions/{id}/layers/{category}/move.
func (h *ComposerHandlers) MoveLayer(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.withLayer(w, r, func(c *composition.Composition, cat types.Category) (types.Placement, error) {
		return c.Move(cat, req.X, req.Y)
	})
}

// ResizeLayer handles POST /api/sessions/{id}/layers/{category}/resize.
// A drag sends phase "begin", any number of steps with deltas relative to
// the drag start, then "end".
func (h *ComposerHandlers) ResizeLayer(w http.ResponseWriter, r *http.Request) {
	var req ResizeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	h.withLayer(w, r, func(c *composition.Composition, cat types.Category) (types.Placement, error) {
		switch req.Phase {
		case "begin":
			if err := c.BeginResize(cat); err != nil {
				return types.Placement{}, err
			}
		case "end":
			defer c.EndResize(cat)
		case "":
		default:
			return types.Placement{}, fmt.Errorf("%w: unknown resize phase %q", storage.ErrInvalidInput, req.Phase)
		}
		return c.Resize(cat, req.DX, req.DY)
	})
}

// RemoveLayer handles DELETE /api/sessions/{id}/layers/{category}.
func (h *ComposerHandlers) RemoveLayer(w http.ResponseWriter, r *http.Request) {
	cat, err := types.ParseCategory(extractID(r, "category"))
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	h.withSession(w, r, func(s *session.Session, c *composition.Composition) (interface{}, error) {
		if err := c.Remove(cat); err != nil {
			return nil, err
		}
		return SessionResponse{ID: s.ID, Composition: c.Snapshot()}, nil
	})
}

// ClearSession handles POST /api/sessions/{id}/clear.
func (h *ComposerHandlers) ClearSession(w http.ResponseWriter, r *http.Request) {
	h.withSession(w, r, func(s *session.Session, c *composition.Composition) (interface{}, error) {
		c.Clear()
		return SessionResponse{ID: s.ID, Composition: c.Snapshot()}, nil
	})
}

// GetImage handles GET /api/sessions/{id}/image and returns the flattened
// composition as PNG.
func (h *ComposerHandlers) GetImage(w http.ResponseWriter, r *http.Request) {
	img, _, err := h.flatten(r)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	data, err := imaging.EncodePNG(img)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	if r.URL.Query().Get("download") != "" {
		w.Header().Set("Content-Disposition", `attachment; filename="sketch.png"`)
	}
	writeImage(w, "image/png", data)
}

// SaveRequest is the optional body of POST /api/sessions/{id}/save.
type SaveRequest struct {
	CreatedBy string `json:"created_by"`
}

// SaveSketch handles POST /api/sessions/{id}/save. The flattened PNG and the
// composition JSON are written to the output folder and recorded in the
// sketch store.
func (h *ComposerHandlers) SaveSketch(w http.ResponseWriter, r *http.Request) {
	var req SaveRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	img, state, err := h.flatten(r)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	data, err := imaging.EncodePNG(img)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}

	id := uuid.New().String()
	now := h.now().UTC()
	base := fmt.Sprintf("sketch_%s_%s", now.Format("20060102_150405"), id[:8])
	sketch := &types.Sketch{
		ID:          id,
		Filename:    base + ".png",
		Composition: state,
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
	}

	meta, err := json.MarshalIndent(sketch, "", "  ")
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	if err := h.output.WriteImageBytes(r.Context(), sketch.Filename, data); err != nil {
		h.discardOutput(sketch.Filename)
		respondServiceError(w, err, 0)
		return
	}
	if err := h.output.WriteImageBytes(r.Context(), base+".json", meta); err != nil {
		h.discardOutput(sketch.Filename, base+".json")
		respondServiceError(w, err, 0)
		return
	}
	if err := h.sketches.StoreSketch(r.Context(), sketch); err != nil {
		h.discardOutput(sketch.Filename, base+".json")
		respondServiceError(w, err, 0)
		return
	}

	respondJSON(w, http.StatusCreated, SaveResponse{
		Success:  true,
		Message:  "Sketch saved successfully!",
		ID:       sketch.ID,
		Filename: sketch.Filename,
		URL:      "/output/" + sketch.Filename,
	})
}

// ListSketches handles GET /api/sketches.
func (h *ComposerHandlers) ListSketches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		Page:      parseInt(q.Get("page"), 1),
		Limit:     parseInt(q.Get("limit"), 20),
		SortOrder: q.Get("sort_order"),
		CreatedBy: q.Get("created_by"),
	}
	opts.Normalize()

	result, err := h.sketches.ListSketches(r.Context(), opts)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetSketch handles GET /api/sketches/{id}.
func (h *ComposerHandlers) GetSketch(w http.ResponseWriter, r *http.Request) {
	sketch, err := h.sketches.GetSketch(r.Context(), extractID(r, "id"))
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	respondJSON(w, http.StatusOK, sketch)
}

// OpenSketch handles POST /api/sketches/{id}/session. It starts a new session
// holding the saved composition so that it can be edited further.
func (h *ComposerHandlers) OpenSketch(w http.ResponseWriter, r *http.Request) {
	sketch, err := h.sketches.GetSketch(r.Context(), extractID(r, "id"))
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	s, err := h.sessions.CreateFrom(sketch.Composition)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	var resp SessionResponse
	_ = s.With(func(c *composition.Composition) error {
		resp = SessionResponse{ID: s.ID, Composition: c.Snapshot()}
		return nil
	})
	respondJSON(w, http.StatusCreated, resp)
}

// DownloadOutput handles GET /output/{filename}.
func (h *ComposerHandlers) DownloadOutput(w http.ResponseWriter, r *http.Request) {
	name := extractID(r, "filename")
	if name == "" || name != path.Base(name) || strings.HasPrefix(name, ".") {
		respondError(w, http.StatusNotFound, "file not found", nil)
		return
	}
	data, err := h.output.ReadImageBytes(r.Context(), name)
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	contentType := http.DetectContentType(data)
	if strings.HasSuffix(name, ".json") {
		contentType = "application/json"
	}
	writeImage(w, contentType, data)
}

// discardOutput removes files written for a save that did not complete.
func (h *ComposerHandlers) discardOutput(names ...string) {
	for _, name := range names {
		if err := h.output.DeleteImage(context.Background(), name); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("handlers: failed to remove %s after failed save: %v", name, err)
		}
	}
}

// flatten renders the session named in the path.
func (h *ComposerHandlers) flatten(r *http.Request) (*image.RGBA, types.CompositionState, error) {
	return flattenSession(r, h.sessions)
}

func flattenSession(r *http.Request, sessions *session.Manager) (*image.RGBA, types.CompositionState, error) {
	s, err := sessions.Get(extractID(r, "id"))
	if err != nil {
		return nil, types.CompositionState{}, err
	}
	var img *image.RGBA
	var state types.CompositionState
	err = s.With(func(c *composition.Composition) error {
		var err error
		img, err = c.Flatten(r.Context())
		state = c.Snapshot()
		return err
	})
	return img, state, err
}

// withSession runs fn under the session lock and writes its result as JSON.
func (h *ComposerHandlers) withSession(w http.ResponseWriter, r *http.Request, fn func(*session.Session, *composition.Composition) (interface{}, error)) {
	s, err := h.sessions.Get(extractID(r, "id"))
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	var resp interface{}
	err = s.With(func(c *composition.Composition) error {
		var err error
		resp, err = fn(s, c)
		return err
	})
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// withLayer resolves the {category} wildcard and runs a placement edit.
func (h *ComposerHandlers) withLayer(w http.ResponseWriter, r *http.Request, fn func(*composition.Composition, types.Category) (types.Placement, error)) {
	cat, err := types.ParseCategory(extractID(r, "category"))
	if err != nil {
		respondServiceError(w, err, 0)
		return
	}
	h.withSession(w, r, func(_ *session.Session, c *composition.Composition) (interface{}, error) {
		p, err := fn(c, cat)
		if err != nil {
			return nil, err
		}
		return LayerResponse{Category: cat, Placement: p}, nil
	})
}

func writeImage(w http.ResponseWriter, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
