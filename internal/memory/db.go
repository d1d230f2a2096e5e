// Package memory implements tiered, vector-indexed context storage:
// session/project/global chunks with companion embedding tables, incremental
// file indexing and budgeted retrieval.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/tandem/pkg/models"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrVectorCorruption wraps vector-table failures eligible for one
// self-heal + retry.
var ErrVectorCorruption = errors.New("memory: vector table corruption")

// chunkTables maps each tier to its chunk table and companion vector table.
var chunkTables = map[models.MemoryTier][2]string{
	models.TierSession: {"session_memory_chunks", "vec_session_chunks"},
	models.TierProject: {"project_memory_chunks", "vec_project_chunks"},
	models.TierGlobal:  {"global_memory_chunks", "vec_global_chunks"},
}

// DB owns the single memory database connection. All access serializes
// through an internal mutex; the embedding dimension is fixed once at
// construction.
type DB struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	dimension int
	logger    *slog.Logger
}

// DBConfig configures the memory database.
type DBConfig struct {
	// Path to the database file. Empty uses an in-memory database.
	Path string
	// Dimension is the process-wide embedding dimension.
	Dimension int
	// Logger for database events.
	Logger *slog.Logger
}

// OpenDB opens the memory database and ensures the schema, including the
// companion vector tables, exists.
func OpenDB(cfg DBConfig) (*DB, error) {
	if cfg.Path == "" {
		cfg.Path = ":memory:"
	}
	if cfg.Dimension == 0 {
		cfg.Dimension = 1536
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "memory-db")
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	// A single connection behind a mutex; the driver-level pool stays at one
	// so writes serialize naturally.
	db.SetMaxOpenConns(1)

	d := &DB{db: db, path: cfg.Path, dimension: cfg.Dimension, logger: logger}
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) initSchema() error {
	stmts := []string{}
	for _, tables := range chunkTables {
		stmts = append(stmts, fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				content TEXT NOT NULL,
				session_id TEXT,
				project_id TEXT,
				source TEXT NOT NULL,
				source_path TEXT,
				source_mtime INTEGER,
				source_size INTEGER,
				source_hash TEXT,
				created_at DATETIME NOT NULL,
				token_count INTEGER NOT NULL,
				metadata TEXT
			)`, tables[0]))
	}
	stmts = append(stmts,
		`CREATE INDEX IF NOT EXISTS idx_session_chunks_session ON session_memory_chunks(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_project_chunks_project ON project_memory_chunks(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_project_chunks_path ON project_memory_chunks(project_id, source_path)`,
		`CREATE TABLE IF NOT EXISTS project_file_index (
			project_id TEXT NOT NULL,
			path TEXT NOT NULL,
			mtime INTEGER NOT NULL,
			size INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			indexed_at DATETIME NOT NULL,
			PRIMARY KEY (project_id, path)
		)`,
		`CREATE TABLE IF NOT EXISTS project_index_status (
			project_id TEXT PRIMARY KEY,
			total_files INTEGER NOT NULL,
			processed INTEGER NOT NULL,
			indexed_files INTEGER NOT NULL,
			skipped_files INTEGER NOT NULL,
			deleted_files INTEGER NOT NULL,
			error_count INTEGER NOT NULL,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_config (
			project_id TEXT PRIMARY KEY,
			config TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory_cleanup_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT,
			deleted_chunks INTEGER NOT NULL,
			reason TEXT,
			ran_at DATETIME NOT NULL
		)`,
	)
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory schema: %w", err)
		}
	}
	return d.ensureVectorTablesLocked()
}

// Close releases the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}

// isVectorCorruption classifies an error as companion-table corruption
// eligible for one self-heal + retry.
func isVectorCorruption(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrVectorCorruption) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "no such table: vec_") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "vec_") && strings.Contains(msg, "corrupt")
}

// EnsureVectorTablesHealthy rebuilds the companion vector tables if missing
// or malformed. If a project has file chunks but no file-index rows (legacy
// state), the file index is reset to force a full reindex.
func (d *DB) EnsureVectorTablesHealthy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ensureVectorTablesLocked()
}

func (d *DB) ensureVectorTablesLocked() error {
	for tier, tables := range chunkTables {
		vecTable := tables[1]
		healthy := true
		var count int
		if err := d.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, vecTable)).Scan(&count); err != nil {
			healthy = false
		}
		if !healthy {
			d.logger.Warn("rebuilding vector table", "tier", tier, "table", vecTable)
			if _, err := d.db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, vecTable)); err != nil {
				return fmt.Errorf("drop vector table %s: %w", vecTable, err)
			}
		}
		_, err := d.db.Exec(fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				embedding BLOB NOT NULL
			)`, vecTable))
		if err != nil {
			return fmt.Errorf("create vector table %s: %w", vecTable, err)
		}
		// Restore the 1:1 pairing invariant in both directions: embedding
		// rows whose chunk disappeared, and chunk rows whose embedding was
		// lost with a rebuilt table. Lost file chunks come back on reindex.
		_, err = d.db.Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s)`, vecTable, tables[0]))
		if err != nil {
			return fmt.Errorf("prune vector table %s: %w", vecTable, err)
		}
		_, err = d.db.Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s)`, tables[0], vecTable))
		if err != nil {
			return fmt.Errorf("prune chunk table %s: %w", tables[0], err)
		}
	}

	// Index rows whose path lost its chunks (rebuilt table) force those
	// paths back through the next walk.
	_, err := d.db.Exec(`
		DELETE FROM project_file_index WHERE NOT EXISTS (
			SELECT 1 FROM project_memory_chunks c
			WHERE c.project_id = project_file_index.project_id
			AND c.source = 'file' AND c.source_path = project_file_index.path
		)`)
	if err != nil {
		return fmt.Errorf("prune file index: %w", err)
	}

	// Legacy state: file chunks without any file-index rows force a reset so
	// the next walk reindexes from scratch.
	rows, err := d.db.Query(`
		SELECT DISTINCT project_id FROM project_memory_chunks
		WHERE source = 'file' AND project_id IS NOT NULL
		AND project_id NOT IN (SELECT DISTINCT project_id FROM project_file_index)
	`)
	if err != nil {
		return fmt.Errorf("scan legacy file chunks: %w", err)
	}
	var legacyProjects []string
	for rows.Next() {
		var projectID string
		if err := rows.Scan(&projectID); err != nil {
			rows.Close()
			return err
		}
		legacyProjects = append(legacyProjects, projectID)
	}
	rows.Close()
	for _, projectID := range legacyProjects {
		d.logger.Info("resetting file index for legacy project", "project_id", projectID)
		if _, err := d.db.Exec(`DELETE FROM project_file_index WHERE project_id = ?`, projectID); err != nil {
			return err
		}
	}
	return nil
}

// InsertChunk inserts a chunk row and its companion embedding row in one
// transaction.
func (d *DB) InsertChunk(ctx context.Context, chunk *models.MemoryChunk, embedding []float32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insertChunkLocked(ctx, chunk, embedding)
}

func (d *DB) insertChunkLocked(ctx context.Context, chunk *models.MemoryChunk, embedding []float32) error {
	tables, ok := chunkTables[chunk.Tier]
	if !ok {
		return fmt.Errorf("memory: unknown tier %q", chunk.Tier)
	}
	if len(embedding) != d.dimension {
		return fmt.Errorf("memory: embedding dimension %d, want %d", len(embedding), d.dimension)
	}

	metadata := ""
	if chunk.Metadata != nil {
		data, err := json.Marshal(chunk.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		metadata = string(data)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, content, session_id, project_id, source, source_path,
			source_mtime, source_size, source_hash, created_at, token_count, metadata)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''), ?, ?, NULLIF(?, ''))
	`, tables[0]),
		chunk.ID, chunk.Content, chunk.SessionID, chunk.ProjectID, chunk.Source,
		chunk.SourcePath, chunk.SourceMtime, chunk.SourceSize, chunk.SourceHash,
		chunk.CreatedAt, chunk.TokenCount, metadata)
	if err != nil {
		return fmt.Errorf("insert chunk: %w", err)
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, embedding) VALUES (?, ?)`, tables[1]),
		chunk.ID, encodeEmbedding(embedding))
	if err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	return tx.Commit()
}

// DeleteChunks removes chunk rows and their embeddings by id within a tier.
func (d *DB) DeleteChunks(ctx context.Context, tier models.MemoryTier, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tables, ok := chunkTables[tier]
	if !ok {
		return fmt.Errorf("memory: unknown tier %q", tier)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tables[0]), id); err != nil {
			return fmt.Errorf("delete chunk %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tables[1]), id); err != nil {
			return fmt.Errorf("delete embedding %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// NearestQuery scopes a nearest-neighbor search.
type NearestQuery struct {
	Tier      models.MemoryTier
	SessionID string
	ProjectID string
	K         int
}

// NearestNeighbors runs an exact nearest-neighbor query over one tier's
// companion table, scoped by the where fields, returning chunks with their
// similarity, 1 - clamp(cosine distance, 0, 1).
func (d *DB) NearestNeighbors(ctx context.Context, embedding []float32, q NearestQuery) ([]models.MemorySearchResult, error) {
	tables, ok := chunkTables[q.Tier]
	if !ok {
		return nil, fmt.Errorf("memory: unknown tier %q", q.Tier)
	}
	if q.K <= 0 {
		q.K = 10
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.content, c.session_id, c.project_id, c.source, c.source_path,
			c.source_mtime, c.source_size, c.source_hash, c.created_at, c.token_count,
			c.metadata, v.embedding
		FROM %s c JOIN %s v ON v.id = c.id WHERE 1=1
	`, tables[0], tables[1])
	args := []any{}
	if q.SessionID != "" {
		query += " AND c.session_id = ?"
		args = append(args, q.SessionID)
	}
	if q.ProjectID != "" && q.Tier == models.TierProject {
		query += " AND c.project_id = ?"
		args = append(args, q.ProjectID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isVectorCorruption(err) {
			return nil, fmt.Errorf("%w: %v", ErrVectorCorruption, err)
		}
		return nil, fmt.Errorf("vector query: %w", err)
	}
	defer rows.Close()

	var results []models.MemorySearchResult
	for rows.Next() {
		chunk, blob, err := scanChunk(rows, q.Tier)
		if err != nil {
			return nil, err
		}
		distance := cosineDistance(embedding, decodeEmbedding(blob))
		similarity := 1 - clamp01(distance)
		results = append(results, models.MemorySearchResult{Chunk: *chunk, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > q.K {
		results = results[:q.K]
	}
	return results, nil
}

// SessionChunks loads all chunks for a session in creation order.
func (d *DB) SessionChunks(ctx context.Context, sessionID string) ([]models.MemoryChunk, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, content, session_id, project_id, source, source_path,
			source_mtime, source_size, source_hash, created_at, token_count, metadata, NULL
		FROM session_memory_chunks WHERE session_id = ? ORDER BY created_at ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session chunks: %w", err)
	}
	defer rows.Close()

	var chunks []models.MemoryChunk
	for rows.Next() {
		chunk, _, err := scanChunk(rows, models.TierSession)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *chunk)
	}
	return chunks, rows.Err()
}

// FileChunkIDs returns the ids of file-sourced project chunks for one path.
func (d *DB) FileChunkIDs(ctx context.Context, projectID, path string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM project_memory_chunks
		WHERE project_id = ? AND source = 'file' AND source_path = ?
	`, projectID, path)
	if err != nil {
		return nil, fmt.Errorf("query file chunks: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountProjectChunks counts all chunks in a project's tier table.
func (d *DB) CountProjectChunks(ctx context.Context, projectID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var count int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM project_memory_chunks WHERE project_id = ?`, projectID).Scan(&count)
	return count, err
}

// OldestProjectChunkIDs returns the n oldest non-file chunks for cleanup.
func (d *DB) OldestProjectChunkIDs(ctx context.Context, projectID string, n int) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT id FROM project_memory_chunks
		WHERE project_id = ? AND source != 'file'
		ORDER BY created_at ASC LIMIT ?
	`, projectID, n)
	if err != nil {
		return nil, fmt.Errorf("query oldest chunks: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteSessionChunksBefore removes session chunks older than the cutoff,
// returning the ids removed.
func (d *DB) DeleteSessionChunksBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	d.mu.Lock()
	rows, err := d.db.QueryContext(ctx,
		`SELECT id FROM session_memory_chunks WHERE created_at < ?`, cutoff)
	if err != nil {
		d.mu.Unlock()
		return nil, fmt.Errorf("query expired session chunks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			d.mu.Unlock()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	d.mu.Unlock()

	if err := d.DeleteChunks(ctx, models.TierSession, ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// LogCleanup appends a cleanup-log row.
func (d *DB) LogCleanup(ctx context.Context, projectID string, deleted int, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO memory_cleanup_log (project_id, deleted_chunks, reason, ran_at)
		VALUES (NULLIF(?, ''), ?, ?, ?)
	`, projectID, deleted, reason, time.Now())
	return err
}

// GetProjectConfig loads the per-project config, falling back to defaults.
func (d *DB) GetProjectConfig(ctx context.Context, projectID string) (models.MemoryProjectConfig, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var doc string
	err := d.db.QueryRowContext(ctx,
		`SELECT config FROM memory_config WHERE project_id = ?`, projectID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultMemoryProjectConfig(), nil
	}
	if err != nil {
		return models.MemoryProjectConfig{}, fmt.Errorf("load project config: %w", err)
	}
	cfg := models.DefaultMemoryProjectConfig()
	if err := json.Unmarshal([]byte(doc), &cfg); err != nil {
		d.logger.Warn("malformed project config, using defaults", "project_id", projectID, "error", err)
		return models.DefaultMemoryProjectConfig(), nil
	}
	return cfg, nil
}

// SetProjectConfig writes the per-project config.
func (d *DB) SetProjectConfig(ctx context.Context, projectID string, cfg models.MemoryProjectConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal project config: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO memory_config (project_id, config) VALUES (?, ?)
		ON CONFLICT (project_id) DO UPDATE SET config = excluded.config
	`, projectID, string(doc))
	return err
}

// File index operations.

// GetFileIndexEntry looks up one per-project file-index row.
func (d *DB) GetFileIndexEntry(ctx context.Context, projectID, path string) (*models.FileIndexEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var entry models.FileIndexEntry
	err := d.db.QueryRowContext(ctx, `
		SELECT project_id, path, mtime, size, content_hash, indexed_at
		FROM project_file_index WHERE project_id = ? AND path = ?
	`, projectID, path).Scan(&entry.ProjectID, &entry.Path, &entry.Mtime, &entry.Size, &entry.ContentHash, &entry.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load file index entry: %w", err)
	}
	return &entry, nil
}

// UpsertFileIndexEntry writes one file-index row.
func (d *DB) UpsertFileIndexEntry(ctx context.Context, entry models.FileIndexEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO project_file_index (project_id, path, mtime, size, content_hash, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, path) DO UPDATE SET
			mtime = excluded.mtime, size = excluded.size,
			content_hash = excluded.content_hash, indexed_at = excluded.indexed_at
	`, entry.ProjectID, entry.Path, entry.Mtime, entry.Size, entry.ContentHash, entry.IndexedAt)
	return err
}

// DeleteFileIndexEntry removes one file-index row.
func (d *DB) DeleteFileIndexEntry(ctx context.Context, projectID, path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx,
		`DELETE FROM project_file_index WHERE project_id = ? AND path = ?`, projectID, path)
	return err
}

// ListFileIndexPaths returns all indexed paths for a project.
func (d *DB) ListFileIndexPaths(ctx context.Context, projectID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, err := d.db.QueryContext(ctx,
		`SELECT path FROM project_file_index WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list file index: %w", err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, rows.Err()
}

// SaveIndexRunStatus persists the last-run status for a project.
func (d *DB) SaveIndexRunStatus(ctx context.Context, status models.IndexRunStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO project_index_status (project_id, total_files, processed, indexed_files,
			skipped_files, deleted_files, error_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			total_files = excluded.total_files, processed = excluded.processed,
			indexed_files = excluded.indexed_files, skipped_files = excluded.skipped_files,
			deleted_files = excluded.deleted_files, error_count = excluded.error_count,
			started_at = excluded.started_at, finished_at = excluded.finished_at
	`, status.ProjectID, status.TotalFiles, status.Processed, status.IndexedFiles,
		status.SkippedFiles, status.DeletedFiles, status.ErrorCount, status.StartedAt, status.FinishedAt)
	return err
}

// GetIndexRunStatus loads the last-run status, or nil if no run occurred.
func (d *DB) GetIndexRunStatus(ctx context.Context, projectID string) (*models.IndexRunStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var status models.IndexRunStatus
	err := d.db.QueryRowContext(ctx, `
		SELECT project_id, total_files, processed, indexed_files, skipped_files,
			deleted_files, error_count, started_at, finished_at
		FROM project_index_status WHERE project_id = ?
	`, projectID).Scan(&status.ProjectID, &status.TotalFiles, &status.Processed,
		&status.IndexedFiles, &status.SkippedFiles, &status.DeletedFiles,
		&status.ErrorCount, &status.StartedAt, &status.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load index status: %w", err)
	}
	return &status, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(rows rowScanner, tier models.MemoryTier) (*models.MemoryChunk, []byte, error) {
	var chunk models.MemoryChunk
	var sessionID, projectID, sourcePath, sourceHash, metadata sql.NullString
	var mtime, size sql.NullInt64
	var blob []byte

	err := rows.Scan(&chunk.ID, &chunk.Content, &sessionID, &projectID, &chunk.Source,
		&sourcePath, &mtime, &size, &sourceHash, &chunk.CreatedAt, &chunk.TokenCount,
		&metadata, &blob)
	if err != nil {
		return nil, nil, fmt.Errorf("scan chunk: %w", err)
	}
	chunk.Tier = tier
	chunk.SessionID = sessionID.String
	chunk.ProjectID = projectID.String
	chunk.SourcePath = sourcePath.String
	chunk.SourceMtime = mtime.Int64
	chunk.SourceSize = size.Int64
	chunk.SourceHash = sourceHash.String
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &chunk.Metadata); err != nil {
			return nil, nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
		}
	}
	return &chunk, blob, nil
}

// encodeEmbedding packs []float32 into little-endian IEEE 754 bytes.
func encodeEmbedding(embedding []float32) []byte {
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding unpacks bytes back to []float32.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

// cosineDistance is 1 - cosine similarity, which lies in [0, 2] up to float
// rounding; the value is not clamped. Vectors of unequal or zero length, or
// with a zero norm, yield 1.
func cosineDistance(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return float32(1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)))
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
