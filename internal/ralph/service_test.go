package ralph

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/tandem/pkg/models"
)

// fakeEngine scripts the sidecar side: each SendMessage triggers a scripted
// sequence of envelopes to every subscriber.
type fakeEngine struct {
	mu          sync.Mutex
	subscribers []chan models.Envelope
	script      func(iteration int, prompt string) []models.StreamEvent
	sends       int
	prompts     []string
}

func (f *fakeEngine) SendMessage(ctx context.Context, sessionID, message string) error {
	f.mu.Lock()
	f.sends++
	iteration := f.sends
	f.prompts = append(f.prompts, message)
	events := f.script(iteration, message)
	subs := append([]chan models.Envelope(nil), f.subscribers...)
	f.mu.Unlock()

	go func() {
		for _, event := range events {
			event.SessionID = sessionID
			env := models.Envelope{SessionID: sessionID, Payload: event}
			for _, ch := range subs {
				select {
				case ch <- env:
				case <-time.After(time.Second):
				}
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return nil
}

func (f *fakeEngine) Subscribe() (<-chan models.Envelope, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan models.Envelope, 64)
	f.subscribers = append(f.subscribers, ch)
	return ch, func() {}
}

func noChanges(ctx context.Context, dir string) ([]string, error) {
	return nil, nil
}

func TestLoop_CompletionTokenStopsRalph(t *testing.T) {
	engine := &fakeEngine{
		script: func(iteration int, prompt string) []models.StreamEvent {
			return []models.StreamEvent{
				{Kind: models.EventContent, Delta: "working… "},
				{Kind: models.EventContent, Delta: "<promise>DONE</promise>"},
				{Kind: models.EventSessionIdle},
			}
		},
	}
	loop := New(engine, engine, Config{
		Task:              "finish the feature",
		SessionID:         "ses-ralph",
		CompletionPromise: "DONE",
		MinIterations:     1,
		MaxIterations:     5,
		GitStatus:         noChanges,
	})

	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	snap := loop.Status()
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", snap.Status)
	}
	history := loop.History(0, 10)
	if len(history) != 1 {
		t.Fatalf("iterations = %d, want 1", len(history))
	}
	if !history[0].CompletionDetected {
		t.Error("completion_detected = false")
	}
}

func TestLoop_CompletionDetectionIsCaseInsensitive(t *testing.T) {
	engine := &fakeEngine{
		script: func(iteration int, prompt string) []models.StreamEvent {
			return []models.StreamEvent{
				{Kind: models.EventContent, Delta: "done! <PROMISE> done </PROMISE>"},
				{Kind: models.EventSessionIdle},
			}
		},
	}
	loop := New(engine, engine, Config{
		Task: "t", SessionID: "s", CompletionPromise: "done",
		MaxIterations: 3, GitStatus: noChanges,
	})
	loop.Run(context.Background())
	if loop.Status().Status != StatusCompleted || loop.Status().Iteration != 1 {
		t.Fatalf("case-insensitive token not detected: %+v", loop.Status())
	}
}

func TestLoop_MinIterationsGateCompletion(t *testing.T) {
	engine := &fakeEngine{
		script: func(iteration int, prompt string) []models.StreamEvent {
			return []models.StreamEvent{
				{Kind: models.EventContent, Delta: "<promise>DONE</promise>"},
				{Kind: models.EventSessionIdle},
			}
		},
	}
	changes := 0
	gitStatus := func(ctx context.Context, dir string) ([]string, error) {
		// Every iteration modifies a fresh file, so struggle never trips.
		changes++
		out := make([]string, changes/2)
		for i := range out {
			out[i] = " M file" + string(rune('0'+i))
		}
		return out, nil
	}
	loop := New(engine, engine, Config{
		Task: "t", SessionID: "s", CompletionPromise: "DONE",
		MinIterations: 3, MaxIterations: 6, GitStatus: gitStatus,
	})
	loop.Run(context.Background())

	if got := len(loop.History(0, 10)); got != 3 {
		t.Fatalf("iterations = %d, want 3 (token honored only at min_iterations)", got)
	}
	if loop.Status().Status != StatusCompleted {
		t.Errorf("status = %s", loop.Status().Status)
	}
}

func TestLoop_MaxIterationsIsCompletedNotError(t *testing.T) {
	engine := &fakeEngine{
		script: func(iteration int, prompt string) []models.StreamEvent {
			return []models.StreamEvent{
				{Kind: models.EventContent, Delta: "still working"},
				{Kind: models.EventSessionIdle},
			}
		},
	}
	loop := New(engine, engine, Config{
		Task: "t", SessionID: "s", MaxIterations: 3, GitStatus: noChanges,
	})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if loop.Status().Status != StatusCompleted {
		t.Fatalf("status = %s, want completed after max iterations", loop.Status().Status)
	}
	if got := len(loop.History(0, 10)); got != 3 {
		t.Errorf("iterations = %d, want 3", got)
	}
}

func TestLoop_SessionErrorSetsErrorStatus(t *testing.T) {
	engine := &fakeEngine{
		script: func(iteration int, prompt string) []models.StreamEvent {
			return []models.StreamEvent{
				{Kind: models.EventSessionError, Message: "provider exploded"},
			}
		},
	}
	loop := New(engine, engine, Config{
		Task: "t", SessionID: "s", MaxIterations: 5, GitStatus: noChanges,
	})
	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("run succeeded despite session error")
	}
	snap := loop.Status()
	if snap.Status != StatusError {
		t.Fatalf("status = %s, want error", snap.Status)
	}
	if !strings.Contains(snap.ErrorMessage, "provider exploded") {
		t.Errorf("error message = %q", snap.ErrorMessage)
	}
}

func TestLoop_StruggleHintAppearsInPrompt(t *testing.T) {
	engine := &fakeEngine{
		script: func(iteration int, prompt string) []models.StreamEvent {
			return []models.StreamEvent{
				{Kind: models.EventContent, Delta: "hmm"},
				{Kind: models.EventSessionIdle},
			}
		},
	}
	loop := New(engine, engine, Config{
		Task: "t", SessionID: "s", MaxIterations: 5, GitStatus: noChanges,
	})
	loop.Run(context.Background())

	engine.mu.Lock()
	prompts := engine.prompts
	engine.mu.Unlock()

	// After three no-change iterations the fourth prompt carries the hint.
	if len(prompts) < 4 {
		t.Fatalf("prompts = %d, want at least 4", len(prompts))
	}
	for i := 0; i < 3; i++ {
		if strings.Contains(prompts[i], "appear to be stuck") {
			t.Errorf("prompt %d carries the struggle hint too early", i+1)
		}
	}
	if !strings.Contains(prompts[3], "appear to be stuck") {
		t.Error("prompt 4 lacks the struggle hint after three stalled iterations")
	}
}

func TestLoop_InjectedContextClearedAfterUse(t *testing.T) {
	engine := &fakeEngine{
		script: func(iteration int, prompt string) []models.StreamEvent {
			return []models.StreamEvent{{Kind: models.EventSessionIdle}}
		},
	}
	changes := []string{" M a.go"}
	gitStatus := func(ctx context.Context, dir string) ([]string, error) {
		changes = append(changes, " M f"+string(rune('0'+len(changes)))+".go")
		return changes, nil
	}
	loop := New(engine, engine, Config{
		Task: "t", SessionID: "s", MaxIterations: 2, GitStatus: gitStatus,
	})
	loop.AddContext("remember the port is 8080")
	loop.Run(context.Background())

	engine.mu.Lock()
	prompts := engine.prompts
	engine.mu.Unlock()
	if len(prompts) != 2 {
		t.Fatalf("prompts = %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "remember the port is 8080") {
		t.Error("first prompt lacks injected context")
	}
	if strings.Contains(prompts[1], "remember the port is 8080") {
		t.Error("injected context not cleared after use")
	}

	history := loop.History(0, 10)
	if history[0].ContextInjected == "" {
		t.Error("history record lacks context_injected")
	}
}

func TestLoop_PauseResumeCancel(t *testing.T) {
	engine := &fakeEngine{
		script: func(iteration int, prompt string) []models.StreamEvent {
			return []models.StreamEvent{{Kind: models.EventSessionIdle}}
		},
	}
	loop := New(engine, engine, Config{
		Task: "t", SessionID: "s", MaxIterations: 1000, GitStatus: noChanges,
	})
	loop.Pause()

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	if got := loop.Status().Status; got != StatusPaused {
		t.Fatalf("status while paused = %s", got)
	}
	engine.mu.Lock()
	sends := engine.sends
	engine.mu.Unlock()
	if sends != 0 {
		t.Fatalf("paused loop sent %d messages", sends)
	}

	loop.Resume()
	time.Sleep(50 * time.Millisecond)
	loop.Cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled loop did not return")
	}
	if got := loop.Status().Status; got != StatusCancelled {
		t.Fatalf("status after cancel = %s", got)
	}
	engine.mu.Lock()
	sends = engine.sends
	engine.mu.Unlock()
	if sends == 0 {
		t.Error("resumed loop never iterated")
	}
}

func TestLoop_RunIDFormat(t *testing.T) {
	engine := &fakeEngine{script: func(int, string) []models.StreamEvent { return nil }}
	loop := New(engine, engine, Config{Task: "t", SessionID: "s"})
	id := loop.RunID()
	if !strings.HasPrefix(id, "ralph_") || len(id) != len("ralph_")+16 {
		t.Errorf("run id = %q, want ralph_<16 hex>", id)
	}
	for _, r := range id[len("ralph_"):] {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Errorf("run id has non-hex rune %q", r)
		}
	}
}

func TestBuildPrompt_SectionOrder(t *testing.T) {
	prompt := buildPrompt(promptInputs{
		Iteration:         2,
		MaxIterations:     5,
		Task:              "refactor the config loader",
		InjectedContext:   []string{"use yaml v3"},
		Struggling:        true,
		PreviousErrors:    []string{"undefined: Loader"},
		PlanModeGuard:     true,
		CompletionPromise: "SHIPPED",
	})

	sections := []string{
		"Iteration 2 of 5",
		"TASK:",
		"ADDITIONAL CONTEXT:",
		"appear to be stuck",
		"ERRORS FROM LAST ITERATION:",
		"PLAN MODE ACTIVE",
		"todo list",
		"<promise>SHIPPED</promise>",
	}
	last := -1
	for _, section := range sections {
		idx := strings.Index(prompt, section)
		if idx < 0 {
			t.Fatalf("prompt lacks section %q", section)
		}
		if idx < last {
			t.Fatalf("section %q out of order", section)
		}
		last = idx
	}
}
