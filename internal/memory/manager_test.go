package memory

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/haasonsaas/tandem/internal/memory/embeddings"
	"github.com/haasonsaas/tandem/pkg/models"
)

const testDimension = 8

// fakeEmbedder produces deterministic embeddings from a character
// histogram, so identical texts embed identically and similar texts land
// close together.
type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	vec := make([]float32, testDimension)
	for i, r := range text {
		vec[(i+int(r))%testDimension] += float32(r%13) + 1
	}
	return vec, nil
}

func (f *fakeEmbedder) Dimension() int          { return testDimension }
func (f *fakeEmbedder) IsAvailable() bool       { return true }
func (f *fakeEmbedder) DisabledReason() *string { return nil }

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := OpenDB(DBConfig{Dimension: testDimension})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewManager(db, &fakeEmbedder{}, ManagerConfig{})
}

func TestManager_StoreCreatesPairedEmbeddingRows(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	chunks, err := m.StoreMessage(ctx, StoreRequest{
		Content:   "the deploy pipeline uses blue green rollouts for the api tier",
		Tier:      models.TierProject,
		ProjectID: "proj-1",
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("no chunks stored")
	}

	// Every chunk row has exactly one companion embedding row.
	for _, chunk := range chunks {
		var count int
		err := m.db.db.QueryRow(
			`SELECT COUNT(*) FROM vec_project_chunks WHERE id = ?`, chunk.ID).Scan(&count)
		if err != nil {
			t.Fatalf("count embeddings: %v", err)
		}
		if count != 1 {
			t.Errorf("chunk %s has %d embedding rows, want 1", chunk.ID, count)
		}
	}
}

func TestManager_DeleteLeavesNoEmbeddingBehind(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	chunks, err := m.StoreMessage(ctx, StoreRequest{
		Content:   "ephemeral fact that will be deleted again shortly afterwards",
		Tier:      models.TierGlobal,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	if err := m.DeleteChunks(ctx, models.TierGlobal, ids); err != nil {
		t.Fatalf("delete: %v", err)
	}

	var count int
	if err := m.db.db.QueryRow(`SELECT COUNT(*) FROM vec_global_chunks`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("%d embedding rows left behind", count)
	}
}

func TestManager_SearchRanksExactMatchFirst(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	texts := []string{
		"postgres connection pooling configuration for the session store",
		"discord webhook retry policy with exponential backoff",
		"kubernetes ingress annotations for the staging cluster",
	}
	for _, text := range texts {
		if _, err := m.StoreMessage(ctx, StoreRequest{
			Content: text, Tier: models.TierProject, ProjectID: "proj-1",
		}); err != nil {
			t.Fatalf("store %q: %v", text, err)
		}
	}

	results, err := m.Search(ctx, SearchRequest{
		Query:     texts[0],
		ProjectID: "proj-1",
		K:         3,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if results[0].Chunk.Content != texts[0] {
		t.Errorf("top result = %q, want exact match first", results[0].Chunk.Content)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Errorf("results not sorted by similarity at %d", i)
		}
	}
}

func TestManager_SearchScopesTiers(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	m.StoreMessage(ctx, StoreRequest{
		Content: "session scoped note about the current debugging effort here",
		Tier:    models.TierSession, SessionID: "ses-1",
	})
	m.StoreMessage(ctx, StoreRequest{
		Content: "global fact everyone needs to know about the toolchain",
		Tier:    models.TierGlobal,
	})

	// Without a session id in scope, session-tier chunks are unreachable.
	results, err := m.Search(ctx, SearchRequest{Query: "note about debugging", K: 10})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.Chunk.Tier == models.TierSession {
			t.Errorf("session chunk leaked into unscoped search")
		}
	}

	tier := models.TierSession
	results, err = m.Search(ctx, SearchRequest{
		Query: "note", Tier: &tier, SessionID: "ses-1", K: 10,
	})
	if err != nil {
		t.Fatalf("scoped search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("explicit tier search got %d results, want 1", len(results))
	}
}

func TestManager_RetrieveContextPartitionsAndBudgets(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	m.StoreMessage(ctx, StoreRequest{
		Content: "project fact about authentication middleware ordering rules",
		Tier:    models.TierProject, ProjectID: "proj-1",
	})
	m.StoreMessage(ctx, StoreRequest{
		Content: "history from an older conversation about middleware bugs",
		Tier:    models.TierSession, SessionID: "ses-old",
	})
	m.StoreMessage(ctx, StoreRequest{
		Content: "current session note on middleware work in flight today",
		Tier:    models.TierSession, SessionID: "ses-now",
	})

	got, err := m.RetrieveContextWithMeta(ctx, "middleware", "proj-1", "ses-now", 0)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got.CurrentSession) != 1 {
		t.Errorf("current session chunks = %d, want 1", len(got.CurrentSession))
	}
	if len(got.ProjectFacts) == 0 {
		t.Error("no project facts retrieved")
	}
	for _, r := range got.RelevantHistory {
		if r.Chunk.SessionID == "ses-now" {
			t.Error("current-session chunk classified as history")
		}
	}
	if !got.Meta.Used {
		t.Error("meta.used = false with context present")
	}

	// A tiny budget trims history first, then facts, then session chunks.
	tight, err := m.RetrieveContextWithMeta(ctx, "middleware", "proj-1", "ses-now", 1)
	if err != nil {
		t.Fatalf("tight retrieve: %v", err)
	}
	if len(tight.RelevantHistory) != 0 || len(tight.ProjectFacts) != 0 {
		t.Errorf("budget did not trim: %d history, %d facts",
			len(tight.RelevantHistory), len(tight.ProjectFacts))
	}
	if tight.Meta.TotalTokens > 1 && len(tight.CurrentSession) > 0 {
		t.Errorf("over budget with %d tokens", tight.Meta.TotalTokens)
	}
}

func TestManager_DisabledEmbeddingsAreTyped(t *testing.T) {
	ctx := context.Background()
	db, err := OpenDB(DBConfig{Dimension: testDimension})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	m := NewManager(db, &embeddings.Disabled{Reason: "no backend in test"}, ManagerConfig{})

	if _, err := m.StoreMessage(ctx, StoreRequest{Content: "x", Tier: models.TierGlobal}); !errors.Is(err, embeddings.ErrEmbeddingsDisabled) {
		t.Errorf("store error = %v, want ErrEmbeddingsDisabled", err)
	}
	if _, err := m.Search(ctx, SearchRequest{Query: "x"}); !errors.Is(err, embeddings.ErrEmbeddingsDisabled) {
		t.Errorf("search error = %v, want ErrEmbeddingsDisabled", err)
	}

	got, err := m.RetrieveContextWithMeta(ctx, "x", "", "ses", 0)
	if !errors.Is(err, embeddings.ErrEmbeddingsDisabled) {
		t.Errorf("retrieve error = %v, want ErrEmbeddingsDisabled", err)
	}
	if got == nil || got.Meta.Used {
		t.Error("degraded retrieval should be an unused, empty context")
	}
}

func TestDB_EnsureVectorTablesHealthyRebuilds(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	if _, err := m.StoreMessage(ctx, StoreRequest{
		Content: "fact stored before the table goes missing entirely",
		Tier:    models.TierGlobal,
	}); err != nil {
		t.Fatalf("store: %v", err)
	}

	// Simulate corruption by dropping a companion table outright.
	if _, err := m.db.db.Exec(`DROP TABLE vec_global_chunks`); err != nil {
		t.Fatalf("drop: %v", err)
	}

	if err := m.db.EnsureVectorTablesHealthy(ctx); err != nil {
		t.Fatalf("heal: %v", err)
	}
	var count int
	if err := m.db.db.QueryRow(`SELECT COUNT(*) FROM vec_global_chunks`).Scan(&count); err != nil {
		t.Fatalf("rebuilt table unusable: %v", err)
	}

	// Storing after the heal works again.
	if _, err := m.StoreMessage(ctx, StoreRequest{
		Content: "fact stored after the companion table was rebuilt",
		Tier:    models.TierGlobal,
	}); err != nil {
		t.Fatalf("store after heal: %v", err)
	}
}

func TestManager_ProjectConfigRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	got, err := m.GetProjectConfig(ctx, "proj-x")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if got != models.DefaultMemoryProjectConfig() {
		t.Errorf("unknown project did not get defaults: %+v", got)
	}

	want := got
	want.ChunkSize = 256
	want.RetrievalK = 3
	if err := m.SetProjectConfig(ctx, "proj-x", want); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err = m.GetProjectConfig(ctx, "proj-x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != want {
		t.Errorf("config round trip: got %+v, want %+v", got, want)
	}
}

func TestManager_AutoCleanupEvictsOldest(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	cfg := models.DefaultMemoryProjectConfig()
	cfg.MaxChunks = 3
	cfg.AutoCleanup = true
	if err := m.SetProjectConfig(ctx, "proj-small", cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}

	for i := 0; i < 6; i++ {
		if _, err := m.StoreMessage(ctx, StoreRequest{
			Content:   fmt.Sprintf("short project note number %d for cleanup testing", i),
			Tier:      models.TierProject,
			ProjectID: "proj-small",
		}); err != nil {
			t.Fatalf("store %d: %v", i, err)
		}
	}

	count, err := m.db.CountProjectChunks(ctx, "proj-small")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count > 3 {
		t.Errorf("auto cleanup left %d chunks, want <= 3", count)
	}
}
