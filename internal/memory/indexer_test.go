package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestIndexer_IncrementalReindex(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	ix := NewIndexer(m, IndexerConfig{})
	workspace := t.TempDir()

	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(workspace, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("a.txt", "hello world")
	write("b.ts", "console.log('hi')")

	// First index: both files are new.
	status, err := ix.IndexProject(ctx, "proj-1", workspace)
	if err != nil {
		t.Fatalf("first index: %v", err)
	}
	if status.IndexedFiles != 2 || status.SkippedFiles != 0 {
		t.Fatalf("first index: indexed=%d skipped=%d, want 2/0", status.IndexedFiles, status.SkippedFiles)
	}

	// Second index: only the changed file is reprocessed.
	write("b.ts", "console.log('changed')")
	status, err = ix.IndexProject(ctx, "proj-1", workspace)
	if err != nil {
		t.Fatalf("second index: %v", err)
	}
	if status.IndexedFiles != 1 || status.SkippedFiles != 1 {
		t.Fatalf("second index: indexed=%d skipped=%d, want 1/1", status.IndexedFiles, status.SkippedFiles)
	}

	// Third index: the deleted file's chunks and index row go away.
	if err := os.Remove(filepath.Join(workspace, "a.txt")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	status, err = ix.IndexProject(ctx, "proj-1", workspace)
	if err != nil {
		t.Fatalf("third index: %v", err)
	}
	if status.DeletedFiles != 1 || status.IndexedFiles != 0 {
		t.Fatalf("third index: deleted=%d indexed=%d, want 1/0", status.DeletedFiles, status.IndexedFiles)
	}

	ids, err := m.db.FileChunkIDs(ctx, "proj-1", "a.txt")
	if err != nil {
		t.Fatalf("file chunks: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("deleted file left %d chunks behind", len(ids))
	}
}

func TestIndexer_IndexMatchesFileChunks(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	ix := NewIndexer(m, IndexerConfig{})
	workspace := t.TempDir()

	files := map[string]string{
		"readme.md":  "documentation for the project lives here",
		"main.go":    "package main",
		"config.yml": "port: 8080",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(workspace, name), []byte(content), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := ix.IndexProject(ctx, "proj-inv", workspace); err != nil {
		t.Fatalf("index: %v", err)
	}

	// The set of indexed paths equals the set of distinct file-chunk paths.
	indexed, err := m.db.ListFileIndexPaths(ctx, "proj-inv")
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	chunkPaths := map[string]bool{}
	for _, path := range indexed {
		ids, err := m.db.FileChunkIDs(ctx, "proj-inv", path)
		if err != nil {
			t.Fatalf("chunks for %s: %v", path, err)
		}
		if len(ids) == 0 {
			t.Errorf("indexed path %s has no chunks", path)
		}
		chunkPaths[path] = true
	}
	if len(indexed) != len(files) {
		t.Errorf("indexed %d paths, want %d", len(indexed), len(files))
	}
}

func TestIndexer_RespectsIgnoreRules(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	ix := NewIndexer(m, IndexerConfig{Excludes: []string{"*.log"}})
	workspace := t.TempDir()

	os.MkdirAll(filepath.Join(workspace, ".git"), 0o755)
	os.MkdirAll(filepath.Join(workspace, "node_modules", "dep"), 0o755)
	os.WriteFile(filepath.Join(workspace, ".gitignore"), []byte("node_modules/\n# comment\n"), 0o644)
	os.WriteFile(filepath.Join(workspace, ".git", "HEAD"), []byte("ref: main"), 0o644)
	os.WriteFile(filepath.Join(workspace, ".hidden"), []byte("secret"), 0o644)
	os.WriteFile(filepath.Join(workspace, "node_modules", "dep", "index.js"), []byte("x"), 0o644)
	os.WriteFile(filepath.Join(workspace, "debug.log"), []byte("noise"), 0o644)
	os.WriteFile(filepath.Join(workspace, "kept.txt"), []byte("visible content"), 0o644)

	status, err := ix.IndexProject(ctx, "proj-ignore", workspace)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if status.IndexedFiles != 1 {
		t.Errorf("indexed %d files, want only kept.txt", status.IndexedFiles)
	}
	paths, _ := m.db.ListFileIndexPaths(ctx, "proj-ignore")
	if len(paths) != 1 || paths[0] != "kept.txt" {
		t.Errorf("indexed paths = %v, want [kept.txt]", paths)
	}
}

func TestIndexer_SkipsOversizedAndBinary(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)
	ix := NewIndexer(m, IndexerConfig{})
	workspace := t.TempDir()

	big := make([]byte, maxIndexedFileSize+1)
	for i := range big {
		big[i] = 'a'
	}
	os.WriteFile(filepath.Join(workspace, "big.txt"), big, 0o644)
	os.WriteFile(filepath.Join(workspace, "binary.bin"), []byte{0x7f, 0x45, 0x4c, 0x46, 0x00, 0x01}, 0o644)
	os.WriteFile(filepath.Join(workspace, "ok.txt"), []byte("small and text"), 0o644)

	status, err := ix.IndexProject(ctx, "proj-size", workspace)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if status.IndexedFiles != 1 {
		t.Errorf("indexed %d files, want 1 (ok.txt only)", status.IndexedFiles)
	}

	var fileChunks int64
	m.db.db.QueryRow(`SELECT COUNT(*) FROM project_memory_chunks WHERE project_id = 'proj-size'`).Scan(&fileChunks)
	if fileChunks == 0 {
		t.Error("ok.txt produced no chunks")
	}
}
