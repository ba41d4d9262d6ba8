// Package postgres provides PostgreSQL implementations of storage interfaces.
package postgres

// Schema creates the shared embedding cache table. The raw vector is always
// kept in the BYTEA column so the cache works without pgvector installed.
const Schema = `
CREATE TABLE IF NOT EXISTS image_embeddings (
    image_id TEXT NOT NULL,
    model TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    dimension INTEGER NOT NULL,
    vector BYTEA NOT NULL,
    cached_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (image_id, model)
);

CREATE INDEX IF NOT EXISTS idx_image_embeddings_model ON image_embeddings(model);
`

// MigrationPgvector adds the native vector column used when the vector
// extension is available. Safe to run multiple times.
const MigrationPgvector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'image_embeddings' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE image_embeddings ADD COLUMN embedding_vec vector;
    END IF;
END
$$;
`
