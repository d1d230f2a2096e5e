package sessions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeLegacyFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLegacyImport_FirstStartup(t *testing.T) {
	dir := t.TempDir()

	// Legacy records are hand-edited and may carry trailing commas; the
	// tolerant parser must still accept them.
	writeLegacyFile(t, filepath.Join(dir, "session", "ses_1.json"), `{
		"id": "ses_1",
		"title": "old conversation",
		"directory": "/work/old",
		"time": {"created": 1700000000000, "updated": 1700000100000},
	}`)
	writeLegacyFile(t, filepath.Join(dir, "message", "ses_1", "msg_1.json"), `{
		"id": "msg_1",
		"role": "user",
		"time": {"created": 1700000000000}
	}`)
	writeLegacyFile(t, filepath.Join(dir, "message", "ses_1", "msg_2.json"), `{
		"id": "msg_2",
		"role": "assistant",
		"time": {"created": 1700000050000}
	}`)
	writeLegacyFile(t, filepath.Join(dir, "part", "ses_1", "msg_1", "prt_1.json"), `{
		"id": "prt_1",
		"type": "text",
		"text": "hello from the past"
	}`)
	writeLegacyFile(t, filepath.Join(dir, "part", "ses_1", "msg_2", "prt_2.json"), `{
		"id": "prt_2",
		"tool": "read_file",
		"state": {"input": {"path": "main.go"}, "output": "package main"}
	}`)

	store, err := NewFileStore(FileStoreConfig{BaseDir: dir, ShareSigningKey: []byte("k")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	session, err := store.GetSession(ctx, "ses_1")
	if err != nil {
		t.Fatalf("imported session missing: %v", err)
	}
	if session.Title != "old conversation" {
		t.Errorf("title = %q", session.Title)
	}
	if len(session.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(session.Messages))
	}
	if session.Messages[0].Parts[0].Text != "hello from the past" {
		t.Errorf("text part not mapped: %+v", session.Messages[0].Parts)
	}
	tool := session.Messages[1].Parts[0]
	if tool.Tool != "read_file" || tool.Result == nil || *tool.Result != "package main" {
		t.Errorf("tool part not mapped: %+v", tool)
	}

	// The marker must exist after the scan; reopening skips rescanning.
	if !fileExists(filepath.Join(dir, markerFile)) {
		t.Error("legacy import marker not written")
	}
}

func TestLegacyImport_FillsOnlyEmptyFields(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	// First startup: store already knows ses_1 with a title.
	store, err := NewFileStore(FileStoreConfig{BaseDir: dir, ShareSigningKey: []byte("k")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	session, _ := store.CreateSession(ctx, "current title", "", "")

	// The legacy tree knows the same id with a different title plus a
	// directory the store lacks.
	writeLegacyFile(t, filepath.Join(dir, "session", session.ID+".json"),
		`{"id": "`+session.ID+`", "title": "legacy title", "directory": "/work/legacy"}`)

	reopened, err := NewFileStore(FileStoreConfig{
		BaseDir:           dir,
		ShareSigningKey:   []byte("k"),
		ForceLegacyImport: true,
	})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}

	got, _ := reopened.GetSession(ctx, session.ID)
	if got.Title != "current title" {
		t.Errorf("legacy overwrote non-empty title: %q", got.Title)
	}
	if got.Directory != "/work/legacy" {
		t.Errorf("legacy did not fill empty directory: %q", got.Directory)
	}
}

func TestLegacyImport_SkipsWithoutForce(t *testing.T) {
	dir := t.TempDir()

	store, err := NewFileStore(FileStoreConfig{BaseDir: dir, ShareSigningKey: []byte("k")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	_ = store

	// A legacy session appearing after the first scan is ignored on plain
	// reopen.
	writeLegacyFile(t, filepath.Join(dir, "session", "late.json"), `{"id": "late", "title": "too late"}`)

	reopened, err := NewFileStore(FileStoreConfig{BaseDir: dir, ShareSigningKey: []byte("k")})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := reopened.GetSession(context.Background(), "late"); err == nil {
		t.Error("legacy session imported without force on non-first startup")
	}
}
