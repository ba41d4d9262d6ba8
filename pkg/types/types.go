// Package types defines the core data structures shared by the sketchmatch
// packages: feature categories and placements for composite sketches, and
// reference images, embeddings and matches for the ranking pipeline.
package types
