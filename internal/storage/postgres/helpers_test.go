// Package postgres provides a PostgreSQL implementation of storage interfaces.
// This file contains test helpers only available during testing.
package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the embedding cache table.
// It is exported so that the postgres_test package can call it.
func (s *EmbeddingStore) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE image_embeddings")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate image_embeddings: %w", err)
	}
	return nil
}
