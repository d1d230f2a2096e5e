package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/tandem/pkg/models"
)

func sleepExecutor(d time.Duration) TaskExecutor {
	return func(ctx context.Context, task *models.RunTask) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runWithTasks(ids ...string) models.Run {
	tasks := make([]models.RunTask, len(ids))
	for i, id := range ids {
		tasks[i] = models.RunTask{ID: id, State: models.TaskPending}
	}
	return models.Run{RunID: "run-1", BaseSessionID: "ses-base", Tasks: tasks}
}

func TestEngine_CancelWinsRace(t *testing.T) {
	engine := NewEngine(runWithTasks("t1"), sleepExecutor(200*time.Millisecond), EngineConfig{})

	execDone := make(chan error, 1)
	go func() { execDone <- engine.Execute(context.Background()) }()

	time.Sleep(25 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := engine.CancelAndFinalize(ctx); err != nil {
		t.Fatalf("cancel and finalize: %v", err)
	}

	select {
	case <-execDone:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return after cancel")
	}
	if got := engine.Run().Status; got != models.RunCancelled {
		t.Fatalf("status = %s, want cancelled", got)
	}
}

func TestEngine_CancelWinsEvenWhenTaskCompletes(t *testing.T) {
	// The executor ignores cancellation and completes anyway; the run is
	// still Cancelled.
	executor := func(ctx context.Context, task *models.RunTask) error {
		time.Sleep(100 * time.Millisecond)
		return nil
	}
	engine := NewEngine(runWithTasks("t1"), executor, EngineConfig{})

	execDone := make(chan error, 1)
	go func() { execDone <- engine.Execute(context.Background()) }()

	time.Sleep(25 * time.Millisecond)
	engine.Cancel()

	select {
	case <-execDone:
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return")
	}
	run := engine.Run()
	if run.Status != models.RunCancelled {
		t.Fatalf("status = %s, want cancelled (cancel wins)", run.Status)
	}
}

func TestEngine_PauseInterruptsLongTask(t *testing.T) {
	engine := NewEngine(runWithTasks("t1"), sleepExecutor(5*time.Second), EngineConfig{})

	execDone := make(chan error, 1)
	start := time.Now()
	go func() { execDone <- engine.Execute(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	engine.Pause()

	select {
	case err := <-execDone:
		if err != nil {
			t.Fatalf("execute returned error on pause: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execute did not return within 2s of pause")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("pause took %s", elapsed)
	}

	run := engine.Run()
	if run.Status != models.RunPaused {
		t.Fatalf("status = %s, want paused", run.Status)
	}
	for _, task := range run.Tasks {
		if task.State == models.TaskInProgress {
			t.Errorf("task %s still in_progress after pause", task.ID)
		}
	}
}

func TestEngine_ResumeGate(t *testing.T) {
	engine := NewEngine(runWithTasks("t1", "t2"), sleepExecutor(5*time.Second), EngineConfig{})

	// Resume-only operations are invalid before pause or cancel.
	if err := engine.SetBaseSessionForResume("ses-new"); !errors.Is(err, ErrNotResumable) {
		t.Fatalf("set base on fresh run = %v, want ErrNotResumable", err)
	}

	execDone := make(chan error, 1)
	go func() { execDone <- engine.Execute(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	engine.Pause()
	<-execDone

	// Mark one task done by hand to observe the clearing rule.
	engine.mu.Lock()
	engine.run.Tasks[0].State = models.TaskDone
	engine.run.Tasks[0].SessionID = "ses-done"
	engine.run.Tasks[1].SessionID = "ses-stale"
	engine.mu.Unlock()

	if err := engine.SetBaseSessionForResume("ses-new"); err != nil {
		t.Fatalf("set base on paused run: %v", err)
	}
	run := engine.Run()
	if run.BaseSessionID != "ses-new" {
		t.Errorf("base session = %q", run.BaseSessionID)
	}
	if run.Tasks[0].SessionID != "ses-done" {
		t.Error("done task's session cleared")
	}
	if run.Tasks[1].SessionID != "" {
		t.Error("non-done task's session not cleared")
	}

	if err := engine.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestEngine_RestartFromCancelledRerunsPending(t *testing.T) {
	var runs int32
	executor := func(ctx context.Context, task *models.RunTask) error {
		atomic.AddInt32(&runs, 1)
		select {
		case <-time.After(20 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	engine := NewEngine(runWithTasks("t1"), executor, EngineConfig{})

	execDone := make(chan error, 1)
	go func() { execDone <- engine.Execute(context.Background()) }()
	time.Sleep(5 * time.Millisecond)
	engine.Cancel()
	<-execDone
	if engine.Run().Status != models.RunCancelled {
		t.Fatal("not cancelled")
	}

	// Re-execute clears cancel state and completes the pending task.
	if err := engine.Execute(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	run := engine.Run()
	if run.Status != models.RunCompleted {
		t.Fatalf("status after restart = %s, want completed", run.Status)
	}
	if run.Tasks[0].State != models.TaskDone {
		t.Errorf("task state = %s", run.Tasks[0].State)
	}
}

func TestEngine_ExhaustedRetriesFailTheRun(t *testing.T) {
	var attempts int32
	executor := func(ctx context.Context, task *models.RunTask) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("boom")
	}
	engine := NewEngine(runWithTasks("t1"), executor, EngineConfig{MaxRetries: 2})

	err := engine.Execute(context.Background())
	if err == nil {
		t.Fatal("execute succeeded with a permanently failing task")
	}
	run := engine.Run()
	if run.Status != models.RunFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if run.Tasks[0].State != models.TaskFailed {
		t.Errorf("task state = %s, want failed", run.Tasks[0].State)
	}
	// Initial attempt plus two retries.
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if run.Tasks[0].RetryCount != 3 {
		t.Errorf("retry_count = %d, want 3", run.Tasks[0].RetryCount)
	}
}

func TestEngine_MaxParallelBoundsInFlight(t *testing.T) {
	var current, peak int32
	executor := func(ctx context.Context, task *models.RunTask) error {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&current, -1)
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	engine := NewEngine(runWithTasks("a", "b", "c", "d", "e", "f"), executor,
		EngineConfig{MaxParallelTasks: 2})

	if err := engine.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Errorf("peak parallelism = %d, want <= 2", got)
	}
	if engine.Run().Status != models.RunCompleted {
		t.Errorf("status = %s", engine.Run().Status)
	}
}

func TestEngine_PathLocksSerializeSamePathWriters(t *testing.T) {
	var mu sync.Mutex
	inPath := map[string]int{}
	violation := false

	executor := func(ctx context.Context, task *models.RunTask) error {
		for _, p := range task.WritePaths {
			mu.Lock()
			inPath[p]++
			if inPath[p] > 1 {
				violation = true
			}
			mu.Unlock()
		}
		time.Sleep(10 * time.Millisecond)
		for _, p := range task.WritePaths {
			mu.Lock()
			inPath[p]--
			mu.Unlock()
		}
		return nil
	}

	run := models.Run{RunID: "run-locks", Tasks: []models.RunTask{
		{ID: "w1", State: models.TaskPending, WritePaths: []string{"src/main.go"}},
		{ID: "w2", State: models.TaskPending, WritePaths: []string{"src/main.go"}},
		{ID: "w3", State: models.TaskPending, WritePaths: []string{"src/other.go"}},
	}}
	engine := NewEngine(run, executor, EngineConfig{MaxParallelTasks: 3})

	if err := engine.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if violation {
		t.Error("two writers held the same path concurrently")
	}
}

func TestPathLockManager_FIFOFairness(t *testing.T) {
	m := NewPathLockManager()
	ctx := context.Background()

	if err := m.Acquire(ctx, "p"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := m.Acquire(ctx, "p"); err != nil {
				t.Errorf("waiter %d: %v", n, err)
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			m.Release("p")
		}(i)
		time.Sleep(10 * time.Millisecond) // deterministic queue order
	}

	m.Release("p")
	wg.Wait()

	for i, n := range order {
		if n != i+1 {
			t.Fatalf("wake order %v, want FIFO", order)
		}
	}
}

func TestPathLockManager_AcquireRespectsContext(t *testing.T) {
	m := NewPathLockManager()
	if err := m.Acquire(context.Background(), "held"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Acquire(ctx, "held"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("blocked acquire = %v, want deadline exceeded", err)
	}

	// The abandoned waiter does not corrupt the queue.
	m.Release("held")
	if err := m.Acquire(context.Background(), "held"); err != nil {
		t.Fatalf("reacquire after abandon: %v", err)
	}
}
