package ralph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/tandem/internal/observability"
	"github.com/haasonsaas/tandem/pkg/models"
)

// Status is the loop's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// struggleThreshold is how many consecutive no-change iterations count as
// struggling.
const struggleThreshold = 3

// MessageSender issues a user turn against the sidecar.
type MessageSender interface {
	SendMessage(ctx context.Context, sessionID, message string) error
}

// EventSource provides hub envelope subscriptions. *hub.Hub satisfies this.
type EventSource interface {
	Subscribe() (<-chan models.Envelope, func())
}

// Config configures one Ralph run.
type Config struct {
	// Task is the base task text included in every iteration prompt.
	Task string
	// SessionID is the sidecar session the loop drives.
	SessionID string
	// WorkspaceRoot is where git status is captured.
	WorkspaceRoot string
	// CompletionPromise is the token the LLM outputs when truly done.
	CompletionPromise string
	// MaxIterations bounds the loop. Exceeding it completes the run.
	MaxIterations int
	// MinIterations gates completion: the token is honored only at or after
	// this iteration.
	MinIterations int
	// PlanModeGuard adds the plan-mode note to every prompt.
	PlanModeGuard bool
	// IterationTimeout bounds one iteration's event accumulation.
	IterationTimeout time.Duration
	// GitStatus captures the dirty-file set; defaults to git status
	// --porcelain against WorkspaceRoot.
	GitStatus GitStatusFunc
	// Metrics sink; nil disables metrics.
	Metrics *observability.Metrics
	// Logger for loop events.
	Logger *slog.Logger
}

// IterationRecord is one append-only history entry.
type IterationRecord struct {
	Iteration          int       `json:"iteration"`
	StartedAt          time.Time `json:"started_at"`
	EndedAt            time.Time `json:"ended_at"`
	DurationMS         int64     `json:"duration_ms"`
	CompletionDetected bool      `json:"completion_detected"`
	ToolsUsed          int       `json:"tools_used"`
	FilesModified      []string  `json:"files_modified"`
	Errors             []string  `json:"errors"`
	ContextInjected    string    `json:"context_injected,omitempty"`
}

// Snapshot is a point-in-time view of the loop.
type Snapshot struct {
	RunID        string `json:"run_id"`
	Status       Status `json:"status"`
	Iteration    int    `json:"iteration"`
	Struggling   bool   `json:"struggling"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Loop drives an LLM to complete a task across bounded iterations.
type Loop struct {
	cfg    Config
	sender MessageSender
	events EventSource
	logger *slog.Logger
	runID  string

	mu                   sync.Mutex
	status               Status
	iteration            int
	history              []IterationRecord
	injected             []string
	prevErrors           []string
	consecutiveNoChanges int
	errorMessage         string
	paused               bool
	resume               chan struct{}
	cancel               context.CancelFunc
}

// New builds a loop. The run id uses the ralph_<16 hex> format.
func New(sender MessageSender, events EventSource, cfg Config) *Loop {
	if cfg.CompletionPromise == "" {
		cfg.CompletionPromise = "DONE"
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MinIterations <= 0 {
		cfg.MinIterations = 1
	}
	if cfg.IterationTimeout <= 0 {
		cfg.IterationTimeout = 10 * time.Minute
	}
	if cfg.GitStatus == nil {
		cfg.GitStatus = gitStatusPorcelain
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "ralph")
	}
	return &Loop{
		cfg:    cfg,
		sender: sender,
		events: events,
		logger: logger,
		runID:  "ralph_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		status: StatusRunning,
		resume: make(chan struct{}, 1),
	}
}

// RunID returns the loop's identifier.
func (l *Loop) RunID() string { return l.runID }

// Run executes iterations until completion, error, cancellation, or the
// iteration bound. Exceeding max_iterations is Completed, not Error.
func (l *Loop) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer cancel()

	for iter := 1; iter <= l.cfg.MaxIterations; iter++ {
		if !l.waitIfPaused(runCtx) {
			l.setStatus(StatusCancelled, "")
			return nil
		}

		record, sessionErr := l.runIteration(runCtx, iter)
		if runCtx.Err() != nil {
			l.setStatus(StatusCancelled, "")
			return nil
		}

		l.mu.Lock()
		l.iteration = iter
		l.history = append(l.history, record)
		struggling := l.strugglingLocked(record)
		l.prevErrors = record.Errors
		l.mu.Unlock()

		l.countIteration(record)

		if sessionErr != "" {
			l.setStatus(StatusError, sessionErr)
			return fmt.Errorf("ralph: iteration %d failed: %s", iter, sessionErr)
		}

		if record.CompletionDetected && iter >= l.cfg.MinIterations && !struggling {
			l.logger.Info("completion promise detected", "run_id", l.runID, "iteration", iter)
			l.setStatus(StatusCompleted, "")
			return nil
		}
	}

	// Iteration budget exhausted: the run completes rather than erroring.
	l.logger.Info("max iterations reached", "run_id", l.runID, "max", l.cfg.MaxIterations)
	l.setStatus(StatusCompleted, "")
	return nil
}

// runIteration performs one send/accumulate cycle, returning the history
// record and a terminal session-error message (empty when the iteration
// ended cleanly).
func (l *Loop) runIteration(ctx context.Context, iter int) (IterationRecord, string) {
	record := IterationRecord{Iteration: iter, StartedAt: time.Now()}

	before, err := l.cfg.GitStatus(ctx, l.cfg.WorkspaceRoot)
	if err != nil {
		l.logger.Warn("git status failed", "error", err)
	}

	l.mu.Lock()
	injected := l.injected
	l.injected = nil // cleared after use
	struggling := l.consecutiveNoChanges >= struggleThreshold
	prevErrors := l.prevErrors
	l.mu.Unlock()
	if len(injected) > 0 {
		record.ContextInjected = strings.Join(injected, "\n")
	}

	prompt := buildPrompt(promptInputs{
		Iteration:         iter,
		MaxIterations:     l.cfg.MaxIterations,
		Task:              l.cfg.Task,
		InjectedContext:   injected,
		Struggling:        struggling,
		PreviousErrors:    prevErrors,
		PlanModeGuard:     l.cfg.PlanModeGuard,
		CompletionPromise: l.cfg.CompletionPromise,
	})

	// Subscribe before sending so no event of this turn is missed.
	events, unsubscribe := l.events.Subscribe()
	defer unsubscribe()

	if err := l.sender.SendMessage(ctx, l.cfg.SessionID, prompt); err != nil {
		record.Errors = append(record.Errors, err.Error())
		record.EndedAt = time.Now()
		record.DurationMS = record.EndedAt.Sub(record.StartedAt).Milliseconds()
		return record, err.Error()
	}

	content, sessionErr := l.accumulate(ctx, events, &record)

	after, err := l.cfg.GitStatus(ctx, l.cfg.WorkspaceRoot)
	if err != nil {
		l.logger.Warn("git status failed", "error", err)
	}
	record.FilesModified = diffStatus(before, after)

	record.CompletionDetected = completionPattern(l.cfg.CompletionPromise).MatchString(content)
	record.EndedAt = time.Now()
	record.DurationMS = record.EndedAt.Sub(record.StartedAt).Milliseconds()
	return record, sessionErr
}

// accumulate gathers content, tool counts and errors until the session goes
// idle or errors.
func (l *Loop) accumulate(ctx context.Context, events <-chan models.Envelope, record *IterationRecord) (string, string) {
	var content strings.Builder
	timeout := time.NewTimer(l.cfg.IterationTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return content.String(), ""
		case <-timeout.C:
			record.Errors = append(record.Errors, "iteration timed out waiting for session idle")
			return content.String(), ""
		case env, ok := <-events:
			if !ok {
				return content.String(), ""
			}
			if env.SessionID != l.cfg.SessionID {
				continue
			}
			switch env.Payload.Kind {
			case models.EventContent:
				content.WriteString(env.Payload.Delta)
			case models.EventToolStart:
				record.ToolsUsed++
			case models.EventToolEnd:
				if env.Payload.Error != nil {
					record.Errors = append(record.Errors, *env.Payload.Error)
				}
			case models.EventSessionIdle:
				return content.String(), ""
			case models.EventSessionError:
				msg := env.Payload.Message
				if msg == "" {
					msg = "session error"
				}
				record.Errors = append(record.Errors, msg)
				return content.String(), msg
			}
		}
	}
}

// strugglingLocked updates the no-change counter and evaluates the struggle
// condition for the just-finished iteration.
func (l *Loop) strugglingLocked(record IterationRecord) bool {
	if len(record.FilesModified) == 0 {
		l.consecutiveNoChanges++
	} else {
		l.consecutiveNoChanges = 0
	}
	if l.consecutiveNoChanges >= struggleThreshold {
		l.countStruggle()
		return true
	}
	prior := make(map[string]struct{}, len(l.prevErrors))
	for _, e := range l.prevErrors {
		prior[e] = struct{}{}
	}
	for _, e := range record.Errors {
		if _, ok := prior[e]; ok {
			l.countStruggle()
			return true
		}
	}
	return false
}

// waitIfPaused blocks before the next iteration while paused. Returns false
// when cancelled.
func (l *Loop) waitIfPaused(ctx context.Context) bool {
	for {
		l.mu.Lock()
		paused := l.paused
		if paused {
			l.status = StatusPaused
		}
		l.mu.Unlock()
		if !paused {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-l.resume:
		}
	}
}

// Pause stops the loop before its next iteration.
func (l *Loop) Pause() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paused = true
}

// Resume wakes a paused loop.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	if l.status == StatusPaused {
		l.status = StatusRunning
	}
	l.mu.Unlock()
	select {
	case l.resume <- struct{}{}:
	default:
	}
}

// Cancel terminates the loop.
func (l *Loop) Cancel() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AddContext injects text into the next iteration's prompt. Injected
// context is cleared after one use.
func (l *Loop) AddContext(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.injected = append(l.injected, text)
}

// Status returns a point-in-time snapshot.
func (l *Loop) Status() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		RunID:        l.runID,
		Status:       l.status,
		Iteration:    l.iteration,
		Struggling:   l.consecutiveNoChanges >= struggleThreshold,
		ErrorMessage: l.errorMessage,
	}
}

// History pages through the append-only iteration records.
func (l *Loop) History(offset, limit int) []IterationRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if offset < 0 || offset >= len(l.history) {
		return nil
	}
	end := len(l.history)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]IterationRecord, end-offset)
	copy(out, l.history[offset:end])
	return out
}

func (l *Loop) setStatus(status Status, errMsg string) {
	l.mu.Lock()
	l.status = status
	l.errorMessage = errMsg
	l.mu.Unlock()
}

func (l *Loop) countIteration(record IterationRecord) {
	if l.cfg.Metrics == nil {
		return
	}
	outcome := "progress"
	if len(record.FilesModified) == 0 {
		outcome = "no_changes"
	}
	l.cfg.Metrics.RalphIterations.WithLabelValues(outcome).Inc()
}

func (l *Loop) countStruggle() {
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RalphStruggleDetected.Inc()
	}
}
