package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/haasonsaas/tandem/pkg/models"
)

// maxIndexedFileSize caps files eligible for indexing.
const maxIndexedFileSize = 2 << 20 // 2 MiB

// IndexerConfig configures the incremental file indexer.
type IndexerConfig struct {
	// Excludes are glob patterns (matched against workspace-relative paths
	// and base names) skipped during the walk, in addition to hidden files
	// and gitignore rules.
	Excludes []string
	// DebounceWindow batches watcher events before reindexing. Defaults to
	// 500 ms.
	DebounceWindow time.Duration
	// OnProgress, when set, receives per-file progress during a walk.
	OnProgress func(processed, total int, path string)
	// Logger for indexer events.
	Logger *slog.Logger
}

// Indexer walks a workspace and keeps the per-project file index in step
// with file-sourced memory chunks.
type Indexer struct {
	manager  *Manager
	cfg      IndexerConfig
	logger   *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewIndexer builds an indexer over a memory manager.
func NewIndexer(manager *Manager, cfg IndexerConfig) *Indexer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "memory-indexer")
	}
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = 500 * time.Millisecond
	}
	return &Indexer{manager: manager, cfg: cfg, logger: logger}
}

// IndexProject incrementally indexes the workspace: unchanged files are
// skipped, changed files are re-chunked, and index rows whose path vanished
// are deleted along with their chunks. Partial failures continue and count
// as errors. The resulting status is persisted and returned.
func (ix *Indexer) IndexProject(ctx context.Context, projectID, workspaceRoot string) (*models.IndexRunStatus, error) {
	status := models.IndexRunStatus{ProjectID: projectID, StartedAt: time.Now()}

	candidates, err := ix.collectFiles(workspaceRoot)
	if err != nil {
		return nil, fmt.Errorf("walk workspace: %w", err)
	}
	status.TotalFiles = len(candidates)

	seen := make(map[string]struct{}, len(candidates))
	for _, path := range candidates {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		rel, err := filepath.Rel(workspaceRoot, path)
		if err != nil {
			rel = path
		}
		seen[rel] = struct{}{}
		status.Processed++
		if ix.cfg.OnProgress != nil {
			ix.cfg.OnProgress(status.Processed, status.TotalFiles, rel)
		}

		indexed, err := ix.indexFile(ctx, projectID, path, rel)
		if err != nil {
			ix.logger.Warn("failed to index file", "path", rel, "error", err)
			status.ErrorCount++
			continue
		}
		if indexed {
			status.IndexedFiles++
		} else {
			status.SkippedFiles++
		}
	}

	// Any index row whose path was not seen counts as deleted.
	indexedPaths, err := ix.manager.db.ListFileIndexPaths(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, path := range indexedPaths {
		if _, ok := seen[path]; ok {
			continue
		}
		ids, err := ix.manager.db.FileChunkIDs(ctx, projectID, path)
		if err != nil {
			status.ErrorCount++
			continue
		}
		if err := ix.manager.db.DeleteChunks(ctx, models.TierProject, ids); err != nil {
			status.ErrorCount++
			continue
		}
		if err := ix.manager.db.DeleteFileIndexEntry(ctx, projectID, path); err != nil {
			status.ErrorCount++
			continue
		}
		status.DeletedFiles++
	}

	status.FinishedAt = time.Now()
	if err := ix.manager.db.SaveIndexRunStatus(ctx, status); err != nil {
		return nil, fmt.Errorf("persist index status: %w", err)
	}
	return &status, nil
}

// indexFile indexes one candidate. Returns true when chunks were (re)stored,
// false when the file was skipped as unchanged.
func (ix *Indexer) indexFile(ctx context.Context, projectID, absPath, relPath string) (bool, error) {
	info, err := os.Stat(absPath)
	if err != nil {
		return false, err
	}
	mtime := info.ModTime().UnixMilli()
	size := info.Size()

	entry, err := ix.manager.db.GetFileIndexEntry(ctx, projectID, relPath)
	if err != nil {
		return false, err
	}
	if entry != nil && entry.Mtime == mtime && entry.Size == size {
		return false, nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return false, err
	}
	if bytes.IndexByte(content, 0) >= 0 {
		// Binary content is never chunked.
		return false, nil
	}
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if entry != nil && entry.ContentHash == hash {
		// Touched but unchanged: refresh the index row only.
		return false, ix.manager.db.UpsertFileIndexEntry(ctx, models.FileIndexEntry{
			ProjectID: projectID, Path: relPath, Mtime: mtime, Size: size,
			ContentHash: hash, IndexedAt: time.Now(),
		})
	}

	// Content changed: replace this path's chunks.
	oldIDs, err := ix.manager.db.FileChunkIDs(ctx, projectID, relPath)
	if err != nil {
		return false, err
	}
	if err := ix.manager.db.DeleteChunks(ctx, models.TierProject, oldIDs); err != nil {
		return false, err
	}

	_, err = ix.manager.StoreMessage(ctx, StoreRequest{
		Content:     string(content),
		Tier:        models.TierProject,
		ProjectID:   projectID,
		Source:      "file",
		SourcePath:  relPath,
		SourceMtime: mtime,
		SourceSize:  size,
		SourceHash:  hash,
		Metadata:    map[string]string{"path": relPath},
	})
	if err != nil {
		return false, err
	}

	return true, ix.manager.db.UpsertFileIndexEntry(ctx, models.FileIndexEntry{
		ProjectID: projectID, Path: relPath, Mtime: mtime, Size: size,
		ContentHash: hash, IndexedAt: time.Now(),
	})
}

// collectFiles walks the workspace respecting ignore rules and the size cap.
func (ix *Indexer) collectFiles(workspaceRoot string) ([]string, error) {
	ignores := loadGitignore(workspaceRoot)
	var out []string
	err := filepath.WalkDir(workspaceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(workspaceRoot, path)
		if relErr != nil || rel == "." {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ix.excluded(rel, name) || matchesGitignore(ignores, rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil || info.Size() > maxIndexedFileSize {
			return nil
		}
		out = append(out, path)
		return nil
	})
	return out, err
}

func (ix *Indexer) excluded(rel, name string) bool {
	for _, pattern := range ix.cfg.Excludes {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// loadGitignore reads top-level .gitignore patterns. Negations and nested
// ignore files are not honored; hidden paths are excluded unconditionally
// anyway.
func loadGitignore(workspaceRoot string) []string {
	data, err := os.ReadFile(filepath.Join(workspaceRoot, ".gitignore"))
	if err != nil {
		return nil
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
			continue
		}
		patterns = append(patterns, strings.TrimSuffix(strings.TrimPrefix(line, "/"), "/"))
	}
	return patterns
}

func matchesGitignore(patterns []string, rel string, isDir bool) bool {
	base := filepath.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
		if strings.HasPrefix(rel, pattern+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Watch starts an fsnotify watcher over the workspace and schedules a
// debounced incremental reindex whenever files change. Stop with StopWatch.
func (ix *Indexer) Watch(ctx context.Context, projectID, workspaceRoot string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// Watch the root and every non-ignored directory beneath it.
	err = filepath.WalkDir(workspaceRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != workspaceRoot {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
	if err != nil {
		watcher.Close()
		return fmt.Errorf("register watch dirs: %w", err)
	}

	ix.watcher = watcher
	ix.stopCh = make(chan struct{})
	go ix.watchLoop(ctx, projectID, workspaceRoot, watcher, ix.stopCh)
	return nil
}

func (ix *Indexer) watchLoop(ctx context.Context, projectID, workspaceRoot string, watcher *fsnotify.Watcher, stop <-chan struct{}) {
	var timer *time.Timer
	var timerC <-chan time.Time
	dirty := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			dirty = true
			if timer == nil {
				timer = time.NewTimer(ix.cfg.DebounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(ix.cfg.DebounceWindow)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ix.logger.Warn("watcher error", "error", err)
		case <-timerC:
			if !dirty {
				continue
			}
			dirty = false
			if _, err := ix.IndexProject(ctx, projectID, workspaceRoot); err != nil {
				ix.logger.Warn("watch-triggered reindex failed", "error", err)
			}
		}
	}
}

// StopWatch stops the filesystem watcher if running.
func (ix *Indexer) StopWatch() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.watcher == nil {
		return
	}
	close(ix.stopCh)
	ix.watcher.Close()
	ix.watcher = nil
}
