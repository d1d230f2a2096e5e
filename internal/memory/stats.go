package memory

import (
	"context"
	"fmt"

	"github.com/haasonsaas/tandem/pkg/models"
)

// GetProjectStats aggregates a project's chunk and file-index footprint,
// including the persisted last-run status when one exists.
func (m *Manager) GetProjectStats(ctx context.Context, projectID string) (*models.ProjectStats, error) {
	stats := &models.ProjectStats{ProjectID: projectID}

	m.db.mu.Lock()
	row := m.db.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(LENGTH(content)), 0),
			COALESCE(SUM(CASE WHEN source = 'file' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN source = 'file' THEN LENGTH(content) ELSE 0 END), 0)
		FROM project_memory_chunks WHERE project_id = ?
	`, projectID)
	err := row.Scan(&stats.ChunkCount, &stats.ChunkBytes, &stats.FileChunks, &stats.FileBytes)
	if err != nil {
		m.db.mu.Unlock()
		return nil, fmt.Errorf("aggregate project chunks: %w", err)
	}
	err = m.db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM project_file_index WHERE project_id = ?`, projectID).
		Scan(&stats.IndexedFiles)
	m.db.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("count indexed files: %w", err)
	}

	lastRun, err := m.db.GetIndexRunStatus(ctx, projectID)
	if err != nil {
		return nil, err
	}
	stats.LastIndexRun = lastRun
	return stats, nil
}

// ClearProjectFileIndex deletes all file-sourced chunks, embeddings, index
// rows and the status row for a project, optionally vacuuming afterwards.
// This is the operator's nuke-and-fully-reindex escape hatch.
func (m *Manager) ClearProjectFileIndex(ctx context.Context, projectID string, vacuum bool) (int, error) {
	paths, err := m.db.ListFileIndexPaths(ctx, projectID)
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, path := range paths {
		ids, err := m.db.FileChunkIDs(ctx, projectID, path)
		if err != nil {
			return deleted, err
		}
		if err := m.db.DeleteChunks(ctx, models.TierProject, ids); err != nil {
			return deleted, err
		}
		deleted += len(ids)
		if err := m.db.DeleteFileIndexEntry(ctx, projectID, path); err != nil {
			return deleted, err
		}
	}

	m.db.mu.Lock()
	_, err = m.db.db.ExecContext(ctx,
		`DELETE FROM project_index_status WHERE project_id = ?`, projectID)
	if err != nil {
		m.db.mu.Unlock()
		return deleted, fmt.Errorf("clear index status: %w", err)
	}
	if vacuum {
		if _, err := m.db.db.ExecContext(ctx, `VACUUM`); err != nil {
			m.db.mu.Unlock()
			return deleted, fmt.Errorf("vacuum: %w", err)
		}
	}
	m.db.mu.Unlock()

	if err := m.db.LogCleanup(ctx, projectID, deleted, "clear_file_index"); err != nil {
		return deleted, err
	}
	return deleted, nil
}
