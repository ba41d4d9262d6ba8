package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/sketchmatch/internal/storage"
	"github.com/scrypster/sketchmatch/pkg/types"
)

// Schema creates the embedding cache and sketch record tables.
const Schema = `
CREATE TABLE IF NOT EXISTS embeddings (
	image_id    TEXT NOT NULL,
	model       TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	dimension   INTEGER NOT NULL,
	vector      BLOB NOT NULL,
	cached_at   DATETIME NOT NULL,
	PRIMARY KEY (image_id, model)
);

CREATE INDEX IF NOT EXISTS idx_embeddings_model ON embeddings(model);

CREATE TABLE IF NOT EXISTS sketches (
	id          TEXT PRIMARY KEY,
	filename    TEXT NOT NULL,
	composition TEXT NOT NULL,
	width       INTEGER NOT NULL,
	height      INTEGER NOT NULL,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sketches_created_at ON sketches(created_at);
CREATE INDEX IF NOT EXISTS idx_sketches_created_by ON sketches(created_by);
`

// Store implements storage.SketchStore using SQLite and owns the database
// handle shared with EmbeddingStore.
type Store struct {
	db *sql.DB
}

// NewStore creates a new SQLite store with WAL self-healing.
// If the initial open fails due to stale WAL files (left behind by a crashed
// process), it verifies no other process holds them and retries once after
// removing the stale -shm/-wal files.
func NewStore(dsn string) (*Store, error) {
	store, err := openStore(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || dbPath == ":memory:" {
		return nil, err
	}

	if !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := openStore(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return store, nil
}

// openStore opens a SQLite database, configures WAL mode, and creates the schema.
func openStore(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY errors from the ranking workers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// GetDB returns the underlying database handle.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

// StoreSketch inserts a new sketch record.
func (s *Store) StoreSketch(ctx context.Context, sketch *types.Sketch) error {
	if sketch == nil || sketch.ID == "" {
		return fmt.Errorf("%w: sketch ID is required", storage.ErrInvalidInput)
	}
	if sketch.Filename == "" {
		return fmt.Errorf("%w: sketch filename is required", storage.ErrInvalidInput)
	}

	comp, err := json.Marshal(sketch.Composition)
	if err != nil {
		return fmt.Errorf("sqlite: failed to marshal composition: %w", err)
	}

	createdAt := sketch.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sketches (id, filename, composition, width, height, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		sketch.ID, sketch.Filename, string(comp),
		sketch.Width, sketch.Height, sketch.CreatedBy, createdAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: StoreSketch: %w", err)
	}
	return nil
}

// GetSketch retrieves a sketch by ID.
func (s *Store) GetSketch(ctx context.Context, id string) (*types.Sketch, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: sketch ID is required", storage.ErrInvalidInput)
	}

	query := `
		SELECT id, filename, composition, width, height, created_by, created_at
		FROM sketches
		WHERE id = ?
	`
	sketch, err := scanSketch(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: GetSketch: %w", err)
	}
	return sketch, nil
}

// ListSketches returns a page of sketches ordered by creation time.
func (s *Store) ListSketches(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Sketch], error) {
	opts.Normalize()

	where := ""
	args := []interface{}{}
	if opts.CreatedBy != "" {
		where = "WHERE created_by = ?"
		args = append(args, opts.CreatedBy)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM sketches " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: ListSketches count: %w", err)
	}

	order := "DESC"
	if opts.SortOrder == "asc" {
		order = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT id, filename, composition, width, height, created_by, created_at
		FROM sketches
		%s
		ORDER BY created_at %s, id %s
		LIMIT ? OFFSET ?
	`, where, order, order)

	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ListSketches: %w", err)
	}
	defer rows.Close()

	items := make([]types.Sketch, 0, opts.Limit)
	for rows.Next() {
		sketch, err := scanSketch(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: ListSketches scan: %w", err)
		}
		items = append(items, *sketch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: ListSketches rows: %w", err)
	}

	return &storage.PaginatedResult[types.Sketch]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSketch(row rowScanner) (*types.Sketch, error) {
	var (
		sketch types.Sketch
		comp   string
	)
	if err := row.Scan(
		&sketch.ID, &sketch.Filename, &comp,
		&sketch.Width, &sketch.Height, &sketch.CreatedBy, &sketch.CreatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(comp), &sketch.Composition); err != nil {
		return nil, fmt.Errorf("failed to unmarshal composition: %w", err)
	}
	return &sketch, nil
}

// Close flushes the WAL into the main database file and releases resources.
// The TRUNCATE checkpoint removes the -shm and -wal files so that the index
// command can open the database after the web server exits.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}

	return s.db.Close()
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths ("/path/to/db.sqlite") and file: URIs ("file:/path/to/db.sqlite?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused by
// stale WAL files left behind after a crash (SIGKILL, OOM, etc.).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// AND no other process currently holds them open (via lsof).
// Returns false if lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		// lsof exits 1 when no process has the files open.
		return true
	}

	return strings.TrimSpace(string(output)) == ""
}

// removeStaleWAL removes -shm and -wal files for the given database path.
func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", path, err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
