package models

import "time"

// MemoryTier scopes a memory chunk.
type MemoryTier string

const (
	// TierSession scopes a chunk to one conversation.
	TierSession MemoryTier = "session"
	// TierProject scopes a chunk to a workspace/project.
	TierProject MemoryTier = "project"
	// TierGlobal holds process-wide facts.
	TierGlobal MemoryTier = "global"
)

// MemoryChunk is one embedded unit of stored context. Every chunk row has
// exactly one companion embedding row keyed by the same id.
type MemoryChunk struct {
	ID          string            `json:"id"`
	Content     string            `json:"content"`
	Tier        MemoryTier        `json:"tier"`
	SessionID   string            `json:"session_id,omitempty"`
	ProjectID   string            `json:"project_id,omitempty"`
	Source      string            `json:"source"`
	SourcePath  string            `json:"source_path,omitempty"`
	SourceMtime int64             `json:"source_mtime,omitempty"`
	SourceSize  int64             `json:"source_size,omitempty"`
	SourceHash  string            `json:"source_hash,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	TokenCount  int               `json:"token_count"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// MemorySearchResult pairs a chunk with its similarity to the query.
// Similarity is 1 - clamp(distance, 0, 1), so higher is closer.
type MemorySearchResult struct {
	Chunk      MemoryChunk `json:"chunk"`
	Similarity float32     `json:"similarity"`
}

// FileIndexEntry tracks one indexed workspace file for a project.
type FileIndexEntry struct {
	ProjectID   string    `json:"project_id"`
	Path        string    `json:"path"`
	Mtime       int64     `json:"mtime"`
	Size        int64     `json:"size"`
	ContentHash string    `json:"content_hash"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// IndexRunStatus is the persisted outcome of the last indexing run for a
// project.
type IndexRunStatus struct {
	ProjectID    string    `json:"project_id"`
	TotalFiles   int       `json:"total_files"`
	Processed    int       `json:"processed"`
	IndexedFiles int       `json:"indexed_files"`
	SkippedFiles int       `json:"skipped_files"`
	DeletedFiles int       `json:"deleted_files"`
	ErrorCount   int       `json:"error_count"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// ProjectStats aggregates a project's memory footprint for operators.
type ProjectStats struct {
	ProjectID     string          `json:"project_id"`
	ChunkCount    int64           `json:"chunk_count"`
	ChunkBytes    int64           `json:"chunk_bytes"`
	FileChunks    int64           `json:"file_chunks"`
	FileBytes     int64           `json:"file_bytes"`
	IndexedFiles  int64           `json:"indexed_files"`
	LastIndexRun  *IndexRunStatus `json:"last_index_run,omitempty"`
}

// MemoryProjectConfig is the per-project memory configuration. Defaults are
// writable per project; zero values fall back to DefaultMemoryProjectConfig.
type MemoryProjectConfig struct {
	MaxChunks            int  `json:"max_chunks"`
	ChunkSize            int  `json:"chunk_size"`
	RetrievalK           int  `json:"retrieval_k"`
	AutoCleanup          bool `json:"auto_cleanup"`
	SessionRetentionDays int  `json:"session_retention_days"`
	TokenBudget          int  `json:"token_budget"`
	ChunkOverlap         int  `json:"chunk_overlap"`
}

// DefaultMemoryProjectConfig returns the configuration applied to projects
// that have never written their own.
func DefaultMemoryProjectConfig() MemoryProjectConfig {
	return MemoryProjectConfig{
		MaxChunks:            5000,
		ChunkSize:            512,
		RetrievalK:           8,
		AutoCleanup:          true,
		SessionRetentionDays: 30,
		TokenBudget:          2048,
		ChunkOverlap:         64,
	}
}

// RetrievedContext is the outcome of a budgeted context retrieval.
type RetrievedContext struct {
	ProjectFacts    []MemorySearchResult `json:"project_facts"`
	RelevantHistory []MemorySearchResult `json:"relevant_history"`
	CurrentSession  []MemoryChunk        `json:"current_session"`
	Meta            RetrievalMeta        `json:"meta"`
}

// RetrievalMeta describes what a retrieval produced, for observability.
type RetrievalMeta struct {
	Used              bool    `json:"used"`
	ProjectFactCount  int     `json:"project_fact_count"`
	HistoryCount      int     `json:"history_count"`
	SessionChunkCount int     `json:"session_chunk_count"`
	TotalTokens       int     `json:"total_tokens"`
	ScoreMin          float32 `json:"score_min"`
	ScoreMax          float32 `json:"score_max"`
}
