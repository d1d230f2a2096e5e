package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/tandem/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrEngineBusy is returned when Execute is called while a previous
	// Execute is still running.
	ErrEngineBusy = errors.New("orchestrator: engine already executing")

	// ErrNotResumable is returned when a resume-only operation is attempted
	// outside Paused or Cancelled status.
	ErrNotResumable = errors.New("orchestrator: run is not paused or cancelled")

	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("orchestrator: task not found")
)

// TaskExecutor runs one task to completion. The engine supplies a context
// cancelled on pause or cancel; executors honor it at every await point.
// Injected as a closure to keep engine tests deterministic.
type TaskExecutor func(ctx context.Context, task *models.RunTask) error

// EngineConfig configures the run engine.
type EngineConfig struct {
	// MaxParallelTasks bounds in-flight tasks. Defaults to 4.
	MaxParallelTasks int
	// LLMParallel bounds concurrently LLM-issuing tasks. Defaults to 2.
	LLMParallel int
	// MaxRetries bounds per-task retry attempts. Defaults to 2.
	MaxRetries int
	// Tracer for run/task spans; nil disables tracing.
	Tracer trace.Tracer
	// Logger for engine events.
	Logger *slog.Logger
}

// Engine owns one Run and drives its tasks concurrently under the
// configured limits, serializing same-path writers through the path-lock
// manager.
type Engine struct {
	cfg      EngineConfig
	executor TaskExecutor
	locks    *PathLockManager
	logger   *slog.Logger
	tracer   trace.Tracer

	mu         sync.Mutex
	run        models.Run
	executing  bool
	cancelled  bool
	paused     bool
	execCancel context.CancelFunc
	execDone   chan struct{}
	resume     chan struct{}
}

// NewEngine builds an engine over a run.
func NewEngine(run models.Run, executor TaskExecutor, cfg EngineConfig) *Engine {
	if cfg.MaxParallelTasks <= 0 {
		cfg.MaxParallelTasks = 4
	}
	if cfg.LLMParallel <= 0 {
		cfg.LLMParallel = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "run-engine")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	return &Engine{
		cfg:      cfg,
		executor: executor,
		locks:    NewPathLockManager(),
		logger:   logger,
		tracer:   tracer,
		run:      run,
		resume:   make(chan struct{}, 1),
	}
}

// Run returns a copy of the current run state.
func (e *Engine) Run() models.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneRun(e.run)
}

func cloneRun(run models.Run) models.Run {
	clone := run
	clone.Tasks = make([]models.RunTask, len(run.Tasks))
	copy(clone.Tasks, run.Tasks)
	return clone
}

type taskResult struct {
	id  string
	err error
}

// Execute drives the run until every task is terminal, or pause/cancel
// preempts it. Execute on a Cancelled run clears the cancel state and
// re-runs from pending tasks. Both pause and cancel cause Execute to return
// within a bounded time.
func (e *Engine) Execute(ctx context.Context) error {
	e.mu.Lock()
	if e.executing {
		e.mu.Unlock()
		return ErrEngineBusy
	}
	e.executing = true
	e.cancelled = false
	e.paused = false
	e.run.Status = models.RunRunning
	execCtx, cancel := context.WithCancel(ctx)
	e.execCancel = cancel
	done := make(chan struct{})
	e.execDone = done
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.executing = false
		e.mu.Unlock()
		close(done)
	}()

	_, span := e.tracer.Start(ctx, "run.execute",
		trace.WithAttributes(attribute.String("run_id", e.run.RunID)))
	defer span.End()

	llmSem := make(chan struct{}, e.cfg.LLMParallel)
	results := make(chan taskResult)
	inflight := 0

	for {
		if !e.stopRequested() {
			for inflight < e.cfg.MaxParallelTasks {
				taskID, ok := e.claimPending()
				if !ok {
					break
				}
				inflight++
				go e.runTask(execCtx, taskID, llmSem, results)
			}
		}

		if inflight == 0 {
			break
		}

		select {
		case res := <-results:
			inflight--
			e.applyResult(res)
		case <-execCtx.Done():
			for inflight > 0 {
				res := <-results
				inflight--
				e.applyResult(res)
			}
		}
	}

	return e.finalize()
}

// stopRequested reports whether pause or cancel preempted execution.
func (e *Engine) stopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused || e.cancelled
}

// claimPending atomically moves one pending task to in_progress.
func (e *Engine) claimPending() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.run.Tasks {
		if e.run.Tasks[i].State == models.TaskPending {
			e.run.Tasks[i].State = models.TaskInProgress
			return e.run.Tasks[i].ID, true
		}
	}
	return "", false
}

func (e *Engine) taskCopy(id string) (models.RunTask, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, task := range e.run.Tasks {
		if task.ID == id {
			return task, true
		}
	}
	return models.RunTask{}, false
}

func (e *Engine) runTask(ctx context.Context, id string, llmSem chan struct{}, results chan<- taskResult) {
	err := func() error {
		task, ok := e.taskCopy(id)
		if !ok {
			return ErrTaskNotFound
		}

		if task.UsesLLM {
			select {
			case llmSem <- struct{}{}:
				defer func() { <-llmSem }()
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		release, err := e.locks.AcquireAll(ctx, task.WritePaths)
		if err != nil {
			return err
		}
		defer release()

		taskCtx, span := e.tracer.Start(ctx, "task.run",
			trace.WithAttributes(attribute.String("task_id", id)))
		defer span.End()
		return e.executor(taskCtx, &task)
	}()
	results <- taskResult{id: id, err: err}
}

// applyResult finalizes one task attempt. Preempted attempts (pause/cancel)
// return to pending without consuming a retry; failures retry until the
// budget is exhausted.
func (e *Engine) applyResult(res taskResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := -1
	for i := range e.run.Tasks {
		if e.run.Tasks[i].ID == res.id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	task := &e.run.Tasks[idx]

	switch {
	case res.err == nil:
		task.State = models.TaskDone
	case errors.Is(res.err, context.Canceled) && (e.paused || e.cancelled):
		task.State = models.TaskPending
	default:
		task.RetryCount++
		if task.RetryCount > e.cfg.MaxRetries {
			task.State = models.TaskFailed
			e.logger.Warn("task failed terminally",
				"task_id", task.ID, "retries", task.RetryCount, "error", res.err)
		} else {
			task.State = models.TaskPending
			e.logger.Info("task will retry",
				"task_id", task.ID, "attempt", task.RetryCount, "error", res.err)
		}
	}
}

// finalize computes the run's terminal (or suspended) status. Cancel wins
// over completion.
func (e *Engine) finalize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.cancelled:
		e.run.Status = models.RunCancelled
	case e.paused:
		e.run.Status = models.RunPaused
	default:
		allDone := true
		anyFailed := false
		for _, task := range e.run.Tasks {
			if task.State == models.TaskFailed {
				anyFailed = true
			}
			if task.State != models.TaskDone {
				allDone = false
			}
		}
		switch {
		case allDone:
			e.run.Status = models.RunCompleted
		case anyFailed:
			// Exhausted failures with nothing runnable left.
			e.run.Status = models.RunFailed
		default:
			e.run.Status = models.RunFailed
		}
	}

	if e.run.Status == models.RunFailed {
		return fmt.Errorf("orchestrator: run %s failed", e.run.RunID)
	}
	return nil
}

// Pause preempts in-flight tasks at their next await point and suspends
// dispatch. Execute returns with status Paused and no task left in
// in_progress.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	cancel := e.execCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume signals a paused engine. The caller re-invokes Execute to continue
// from pending tasks.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run.Status != models.RunPaused {
		return ErrNotResumable
	}
	e.paused = false
	select {
	case e.resume <- struct{}{}:
	default:
	}
	return nil
}

// ResumeSignal exposes the resume notification for callers that block
// between Execute invocations.
func (e *Engine) ResumeSignal() <-chan struct{} {
	return e.resume
}

// Cancel preempts execution immediately. Cancel wins over any completion
// that races it.
func (e *Engine) Cancel() {
	e.mu.Lock()
	e.cancelled = true
	cancel := e.execCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// CancelAndFinalize cancels and waits for the in-flight Execute to return,
// bounded by ctx.
func (e *Engine) CancelAndFinalize(ctx context.Context) error {
	e.mu.Lock()
	e.cancelled = true
	cancel := e.execCancel
	done := e.execDone
	executing := e.executing
	if !executing {
		e.run.Status = models.RunCancelled
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !executing || done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetBaseSessionForResume replaces the base session ahead of a resume. Only
// valid in Paused or Cancelled status; clears session_id on every non-done
// task so they re-run against the new base.
func (e *Engine) SetBaseSessionForResume(sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run.Status != models.RunPaused && e.run.Status != models.RunCancelled {
		return ErrNotResumable
	}
	e.run.BaseSessionID = sessionID
	for i := range e.run.Tasks {
		if e.run.Tasks[i].State != models.TaskDone {
			e.run.Tasks[i].SessionID = ""
		}
	}
	return nil
}
