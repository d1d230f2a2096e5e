package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/tandem/internal/memory/embeddings"
	"github.com/haasonsaas/tandem/internal/observability"
	"github.com/haasonsaas/tandem/pkg/models"
	"github.com/robfig/cron/v3"
)

// Publisher receives memory lifecycle events for fan-out. The streaming hub
// satisfies this; a nil publisher drops events.
type Publisher interface {
	Publish(event models.StreamEvent)
}

// Manager coordinates chunking, embedding, storage and retrieval across the
// three memory tiers.
type Manager struct {
	db       *DB
	embedder embeddings.Provider
	logger   *slog.Logger
	metrics  *observability.Metrics
	events   Publisher
	cron     *cron.Cron
}

// ManagerConfig configures the memory manager.
type ManagerConfig struct {
	// Logger for memory events.
	Logger *slog.Logger
	// Metrics sink; nil disables metrics.
	Metrics *observability.Metrics
	// Events receives MemoryRetrieval/MemoryStorage events; nil drops them.
	Events Publisher
	// CleanupSchedule is a cron expression for periodic session-retention
	// cleanup (CleanupOldSessions); the scheduled job does not vacuum. Empty
	// disables the schedule.
	CleanupSchedule string
}

// NewManager builds a Manager over an open DB and embedding provider.
func NewManager(db *DB, embedder embeddings.Provider, cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "memory")
	}
	if embedder == nil {
		embedder = &embeddings.Disabled{}
	}
	m := &Manager{
		db:       db,
		embedder: embedder,
		logger:   logger,
		metrics:  cfg.Metrics,
		events:   cfg.Events,
	}
	if cfg.CleanupSchedule != "" {
		m.cron = cron.New()
		if _, err := m.cron.AddFunc(cfg.CleanupSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := m.CleanupOldSessions(ctx); err != nil {
				logger.Warn("scheduled cleanup failed", "error", err)
			}
		}); err != nil {
			logger.Warn("invalid cleanup schedule, disabled", "schedule", cfg.CleanupSchedule, "error", err)
		} else {
			m.cron.Start()
		}
	}
	return m
}

// Close stops scheduled work. The DB is owned by the caller.
func (m *Manager) Close() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// StoreRequest describes one store_message call.
type StoreRequest struct {
	Content   string
	Tier      models.MemoryTier
	SessionID string
	ProjectID string
	Source    string
	Metadata  map[string]string

	// File provenance, set for source = "file".
	SourcePath  string
	SourceMtime int64
	SourceSize  int64
	SourceHash  string
}

// StoreMessage chunks content semantically, embeds each chunk and inserts
// chunk plus embedding rows. A vector-corruption failure triggers one
// self-heal + retry. Over-budget projects are cleaned up afterwards when
// auto_cleanup is on.
func (m *Manager) StoreMessage(ctx context.Context, req StoreRequest) ([]models.MemoryChunk, error) {
	if !m.embedder.IsAvailable() {
		return nil, embeddings.ErrEmbeddingsDisabled
	}
	if req.Source == "" {
		req.Source = "message"
	}

	cfg, err := m.db.GetProjectConfig(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	pieces := ChunkTextSemantic(req.Content, cfg.ChunkSize, cfg.ChunkOverlap)
	if len(pieces) == 0 {
		return nil, nil
	}

	stored := make([]models.MemoryChunk, 0, len(pieces))
	for _, piece := range pieces {
		embedding, err := m.embedder.Embed(ctx, piece.Content)
		if err != nil {
			m.countOp("store", "error")
			return stored, fmt.Errorf("embed chunk: %w", err)
		}
		chunk := models.MemoryChunk{
			ID:          uuid.NewString(),
			Content:     piece.Content,
			Tier:        req.Tier,
			SessionID:   req.SessionID,
			ProjectID:   req.ProjectID,
			Source:      req.Source,
			SourcePath:  req.SourcePath,
			SourceMtime: req.SourceMtime,
			SourceSize:  req.SourceSize,
			SourceHash:  req.SourceHash,
			CreatedAt:   time.Now(),
			TokenCount:  piece.TokenCount,
			Metadata:    req.Metadata,
		}
		if err := m.insertWithRepair(ctx, &chunk, embedding); err != nil {
			m.countOp("store", "error")
			return stored, err
		}
		stored = append(stored, chunk)
	}
	m.countOp("store", "ok")
	m.publish(models.StreamEvent{
		Kind:      models.EventMemoryStorage,
		SessionID: req.SessionID,
		Message:   fmt.Sprintf("stored %d chunks", len(stored)),
	})

	if cfg.AutoCleanup && req.ProjectID != "" {
		if err := m.cleanupProjectIfOver(ctx, req.ProjectID, cfg); err != nil {
			m.logger.Warn("auto cleanup failed", "project_id", req.ProjectID, "error", err)
		}
	}
	return stored, nil
}

// insertWithRepair inserts one chunk, repairing the vector tables and
// retrying once on corruption.
func (m *Manager) insertWithRepair(ctx context.Context, chunk *models.MemoryChunk, embedding []float32) error {
	err := m.db.InsertChunk(ctx, chunk, embedding)
	if err == nil {
		return nil
	}
	if !isVectorCorruption(err) {
		return err
	}
	m.logger.Warn("vector insert failed, repairing tables", "error", err)
	if healErr := m.db.EnsureVectorTablesHealthy(ctx); healErr != nil {
		return fmt.Errorf("repair vector tables: %w", healErr)
	}
	return m.db.InsertChunk(ctx, chunk, embedding)
}

// DeleteChunks removes chunks and their embeddings.
func (m *Manager) DeleteChunks(ctx context.Context, tier models.MemoryTier, ids []string) error {
	return m.db.DeleteChunks(ctx, tier, ids)
}

// SearchRequest describes one search call.
type SearchRequest struct {
	Query     string
	Tier      *models.MemoryTier
	ProjectID string
	SessionID string
	K         int

	// AllSessions searches the session tier without the session
	// where-clause. Retrieval uses this to find relevant history from other
	// conversations; the current session's own chunks are excluded by id.
	AllSessions bool
}

// Search embeds the query and runs nearest-neighbor over each tier in
// scope, merging per-tier results by similarity. A failed tier is repaired
// and retried once; persistent failure yields an empty result for that tier
// while preserving the others.
func (m *Manager) Search(ctx context.Context, req SearchRequest) ([]models.MemorySearchResult, error) {
	if !m.embedder.IsAvailable() {
		return nil, embeddings.ErrEmbeddingsDisabled
	}
	if req.K <= 0 {
		req.K = 10
	}

	embedding, err := m.embedder.Embed(ctx, req.Query)
	if err != nil {
		m.countOp("search", "error")
		return nil, fmt.Errorf("embed query: %w", err)
	}

	tiers := m.tiersInScope(req)
	var merged []models.MemorySearchResult
	for _, tier := range tiers {
		q := NearestQuery{Tier: tier, K: req.K}
		if tier == models.TierSession && !req.AllSessions {
			q.SessionID = req.SessionID
		}
		if tier == models.TierProject {
			q.ProjectID = req.ProjectID
		}
		results, err := m.db.NearestNeighbors(ctx, embedding, q)
		if err != nil && isVectorCorruption(err) {
			m.logger.Warn("vector query failed, repairing tables", "tier", tier, "error", err)
			if healErr := m.db.EnsureVectorTablesHealthy(ctx); healErr == nil {
				results, err = m.db.NearestNeighbors(ctx, embedding, q)
			}
		}
		if err != nil {
			m.logger.Warn("tier search failed, returning empty for tier", "tier", tier, "error", err)
			continue
		}
		merged = append(merged, results...)
	}

	sortResultsBySimilarity(merged)
	if len(merged) > req.K {
		merged = merged[:req.K]
	}
	m.countOp("search", "ok")
	return merged, nil
}

func (m *Manager) tiersInScope(req SearchRequest) []models.MemoryTier {
	if req.Tier != nil {
		return []models.MemoryTier{*req.Tier}
	}
	tiers := []models.MemoryTier{models.TierGlobal}
	if req.ProjectID != "" {
		tiers = append(tiers, models.TierProject)
	}
	if req.SessionID != "" {
		tiers = append(tiers, models.TierSession)
	}
	return tiers
}

// RetrieveContextWithMeta performs budgeted retrieval: current-session
// chunks in creation order, plus search results partitioned into project
// facts and relevant history, trimmed to the token budget.
func (m *Manager) RetrieveContextWithMeta(ctx context.Context, query, projectID, sessionID string, budget int) (*models.RetrievedContext, error) {
	if !m.embedder.IsAvailable() {
		// Degraded mode: callers treat this as a no-op retrieval.
		return &models.RetrievedContext{Meta: models.RetrievalMeta{Used: false}}, embeddings.ErrEmbeddingsDisabled
	}

	cfg, err := m.db.GetProjectConfig(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if budget <= 0 {
		budget = cfg.TokenBudget
	}

	sessionChunks, err := m.db.SessionChunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sessionIDs := make(map[string]struct{}, len(sessionChunks))
	for _, c := range sessionChunks {
		sessionIDs[c.ID] = struct{}{}
	}

	results, err := m.Search(ctx, SearchRequest{
		Query:       query,
		ProjectID:   projectID,
		SessionID:   sessionID,
		K:           cfg.RetrievalK,
		AllSessions: true,
	})
	if err != nil {
		return nil, err
	}

	out := &models.RetrievedContext{CurrentSession: sessionChunks}
	for _, r := range results {
		switch r.Chunk.Tier {
		case models.TierProject, models.TierGlobal:
			out.ProjectFacts = append(out.ProjectFacts, r)
		case models.TierSession:
			if _, current := sessionIDs[r.Chunk.ID]; !current {
				out.RelevantHistory = append(out.RelevantHistory, r)
			}
		}
	}

	total := 0
	for _, c := range out.CurrentSession {
		total += c.TokenCount
	}
	for _, r := range out.ProjectFacts {
		total += r.Chunk.TokenCount
	}
	for _, r := range out.RelevantHistory {
		total += r.Chunk.TokenCount
	}

	// Over budget: trim relevant history from the end, then project facts,
	// then current session.
	for total > budget && len(out.RelevantHistory) > 0 {
		last := out.RelevantHistory[len(out.RelevantHistory)-1]
		out.RelevantHistory = out.RelevantHistory[:len(out.RelevantHistory)-1]
		total -= last.Chunk.TokenCount
	}
	for total > budget && len(out.ProjectFacts) > 0 {
		last := out.ProjectFacts[len(out.ProjectFacts)-1]
		out.ProjectFacts = out.ProjectFacts[:len(out.ProjectFacts)-1]
		total -= last.Chunk.TokenCount
	}
	for total > budget && len(out.CurrentSession) > 0 {
		last := out.CurrentSession[len(out.CurrentSession)-1]
		out.CurrentSession = out.CurrentSession[:len(out.CurrentSession)-1]
		total -= last.TokenCount
	}

	meta := models.RetrievalMeta{
		Used:              len(out.ProjectFacts)+len(out.RelevantHistory)+len(out.CurrentSession) > 0,
		ProjectFactCount:  len(out.ProjectFacts),
		HistoryCount:      len(out.RelevantHistory),
		SessionChunkCount: len(out.CurrentSession),
		TotalTokens:       total,
	}
	for i, r := range append(append([]models.MemorySearchResult{}, out.ProjectFacts...), out.RelevantHistory...) {
		if i == 0 || r.Similarity < meta.ScoreMin {
			meta.ScoreMin = r.Similarity
		}
		if r.Similarity > meta.ScoreMax {
			meta.ScoreMax = r.Similarity
		}
	}
	out.Meta = meta

	m.countOp("retrieve", "ok")
	m.publish(models.StreamEvent{
		Kind:      models.EventMemoryRetrieval,
		SessionID: sessionID,
		Message:   fmt.Sprintf("retrieved %d facts, %d history, %d session chunks", meta.ProjectFactCount, meta.HistoryCount, meta.SessionChunkCount),
	})
	return out, nil
}

// cleanupProjectIfOver evicts the oldest non-file chunks once the project
// exceeds max_chunks.
func (m *Manager) cleanupProjectIfOver(ctx context.Context, projectID string, cfg models.MemoryProjectConfig) error {
	count, err := m.db.CountProjectChunks(ctx, projectID)
	if err != nil {
		return err
	}
	if cfg.MaxChunks <= 0 || count <= int64(cfg.MaxChunks) {
		return nil
	}
	excess := int(count - int64(cfg.MaxChunks))
	ids, err := m.db.OldestProjectChunkIDs(ctx, projectID, excess)
	if err != nil {
		return err
	}
	if err := m.db.DeleteChunks(ctx, models.TierProject, ids); err != nil {
		return err
	}
	m.logger.Info("evicted chunks over max_chunks", "project_id", projectID, "deleted", len(ids))
	return m.db.LogCleanup(ctx, projectID, len(ids), "max_chunks")
}

// CleanupOldSessions removes session chunks past the retention window.
func (m *Manager) CleanupOldSessions(ctx context.Context) error {
	cfg, err := m.db.GetProjectConfig(ctx, "")
	if err != nil {
		return err
	}
	if cfg.SessionRetentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -cfg.SessionRetentionDays)
	ids, err := m.db.DeleteSessionChunksBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		m.logger.Info("expired session chunks", "deleted", len(ids))
		return m.db.LogCleanup(ctx, "", len(ids), "session_retention")
	}
	return nil
}

// GetProjectConfig exposes the per-project config.
func (m *Manager) GetProjectConfig(ctx context.Context, projectID string) (models.MemoryProjectConfig, error) {
	return m.db.GetProjectConfig(ctx, projectID)
}

// SetProjectConfig writes the per-project config.
func (m *Manager) SetProjectConfig(ctx context.Context, projectID string, cfg models.MemoryProjectConfig) error {
	return m.db.SetProjectConfig(ctx, projectID, cfg)
}

func (m *Manager) publish(event models.StreamEvent) {
	if m.events != nil {
		m.events.Publish(event)
	}
}

func (m *Manager) countOp(op, status string) {
	if m.metrics != nil {
		m.metrics.MemoryOps.WithLabelValues(op, status).Inc()
	}
}

func sortResultsBySimilarity(results []models.MemorySearchResult) {
	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].Similarity > results[i].Similarity {
				results[i], results[j] = results[j], results[i]
			}
		}
	}
}
