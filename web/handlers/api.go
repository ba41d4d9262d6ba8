// Package handlers provides the HTTP handlers and middleware of the
// sketchmatch web API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/scrypster/sketchmatch/internal/composition"
	"github.com/scrypster/sketchmatch/internal/embedding"
	"github.com/scrypster/sketchmatch/internal/imaging"
	"github.com/scrypster/sketchmatch/internal/search"
	"github.com/scrypster/sketchmatch/internal/session"
	"github.com/scrypster/sketchmatch/internal/storage"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// uploadField is the multipart field carrying a query image.
const uploadField = "sketch"

// extractID returns the named path wildcard.
func extractID(r *http.Request, key string) string {
	return r.PathValue(key)
}

// parseInt parses an integer from a string, returning defaultValue if parsing fails.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		log.Printf("handlers: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code. Details
// are only included for client errors.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}

	if err != nil && statusCode < http.StatusInternalServerError {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}

	respondJSON(w, statusCode, errResp)
}

// respondServiceError maps an error from the core packages to a status code
// and a short message. retryAfter is advertised on 503 responses.
func respondServiceError(w http.ResponseWriter, err error, retryAfter time.Duration) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session not found", nil)
	case errors.Is(err, types.ErrUnknownCategory):
		respondError(w, http.StatusBadRequest, "unknown category", err)
	case errors.Is(err, composition.ErrUnknownAsset):
		respondError(w, http.StatusNotFound, "asset not found", err)
	case errors.Is(err, composition.ErrCategoryEmpty):
		respondError(w, http.StatusConflict, "category is empty", err)
	case errors.Is(err, composition.ErrInvalidCategory):
		respondError(w, http.StatusConflict, "category has no asset placed", err)
	case errors.Is(err, search.ErrInvalidQuery), errors.Is(err, imaging.ErrUndecodable):
		respondError(w, http.StatusBadRequest, "invalid image", nil)
	case errors.Is(err, embedding.ErrModelUnavailable), errors.Is(err, embedding.ErrNotReady):
		secs := int(retryAfter.Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
		respondError(w, http.StatusServiceUnavailable, "embedding model unavailable, retry later", nil)
	case errors.Is(err, storage.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, storage.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid input", nil)
	case errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "request timed out", nil)
	default:
		log.Printf("handlers: internal error: %v", err)
		respondError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// readUpload returns the bytes of the uploaded query image. It writes the
// error response itself and returns ok=false on failure.
func readUpload(w http.ResponseWriter, r *http.Request, maxSize int64) (data []byte, ok bool) {
	if r.ContentLength > maxSize {
		respondError(w, http.StatusRequestEntityTooLarge, "file too large", nil)
		return nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	if err := r.ParseMultipartForm(maxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "file too large", nil)
			return nil, false
		}
		respondError(w, http.StatusBadRequest, "invalid multipart form", err)
		return nil, false
	}

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		respondError(w, http.StatusBadRequest, "no sketch file provided", nil)
		return nil, false
	}
	defer file.Close()

	if header.Filename == "" {
		respondError(w, http.StatusBadRequest, "no file selected", nil)
		return nil, false
	}
	if !imaging.IsSupportedFormat(header.Filename) {
		respondError(w, http.StatusBadRequest, "invalid file type", nil)
		return nil, false
	}

	data, err = io.ReadAll(file)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read upload", nil)
		return nil, false
	}
	return data, true
}
