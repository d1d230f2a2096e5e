package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/tandem/internal/observability"
	"github.com/haasonsaas/tandem/internal/sidecar"
	"github.com/haasonsaas/tandem/pkg/models"
)

const (
	// DefaultToolTimeout synthesizes a SessionError for tools pending longer
	// than this.
	DefaultToolTimeout = 120 * time.Second

	// DefaultIdleTimeout emits a stream-idle notice after this much silence
	// with no tools pending.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultBufferSize bounds each subscriber's envelope buffer.
	DefaultBufferSize = 2048

	// idleNotice is the message emitted on idle timeout.
	idleNotice = "system.stream_idle_timeout"
)

// Recorder receives tool and memory envelopes for the tool-history store.
// Writes are idempotent by execution id.
type Recorder interface {
	RecordEnvelope(ctx context.Context, env models.Envelope) error
}

// Config configures the hub.
type Config struct {
	// ToolTimeout bounds how long a tool may stay pending.
	ToolTimeout time.Duration
	// IdleTimeout bounds upstream silence before an idle notice.
	IdleTimeout time.Duration
	// BufferSize bounds each subscriber's buffer.
	BufferSize int
	// TickInterval drives the timeout sweep. Defaults to one second; tests
	// shorten it.
	TickInterval time.Duration
	// ResubscribeBackoff waits between failed upstream subscriptions.
	ResubscribeBackoff time.Duration
	// Recorder receives tool/memory envelopes; nil disables recording.
	Recorder Recorder
	// Metrics sink; nil disables metrics.
	Metrics *observability.Metrics
	// Logger for hub events.
	Logger *slog.Logger
}

type pendingKey struct {
	sessionID string
	partID    string
}

type pendingTool struct {
	tool      string
	startedAt time.Time
}

type subscriber struct {
	ch     chan models.Envelope
	lagged bool
}

// Hub is the process's single owned streaming hub with an explicit
// start/stop lifecycle: one background task, one upstream subscription, many
// subscribers.
type Hub struct {
	client sidecar.Client
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	done        chan struct{}
	subscribers map[int]*subscriber
	nextSubID   int
	health      models.HubHealth

	local chan models.StreamEvent

	// pending and lastEvent are owned by the run loop.
	pending   map[pendingKey]pendingTool
	lastEvent time.Time
}

// New builds a hub over a sidecar client.
func New(client sidecar.Client, cfg Config) *Hub {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ResubscribeBackoff <= 0 {
		cfg.ResubscribeBackoff = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "stream-hub")
	}
	return &Hub{
		client:      client,
		cfg:         cfg,
		logger:      logger,
		subscribers: map[int]*subscriber{},
		health:      models.HubStopped,
		local:       make(chan models.StreamEvent, 256),
		pending:     map[pendingKey]pendingTool{},
	}
}

// Start launches the background task. Starting a running hub is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.running = true
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx)
}

// Stop signals the background task and waits for it to exit.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	cancel := h.cancel
	done := h.done
	h.running = false
	h.mu.Unlock()

	cancel()
	<-done
	h.setHealth(models.HubStopped)
}

// Health reports the current upstream connection state.
func (h *Hub) Health() models.HubHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.health
}

func (h *Hub) setHealth(health models.HubHealth) {
	h.mu.Lock()
	changed := h.health != health
	h.health = health
	h.mu.Unlock()
	if changed {
		h.logger.Info("hub health transition", "health", health)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.SetHubHealth(string(health))
		}
	}
}

// Subscribe registers a new envelope subscriber. The returned cancel
// function releases it.
func (h *Hub) Subscribe() (<-chan models.Envelope, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSubID
	h.nextSubID++
	sub := &subscriber{ch: make(chan models.Envelope, h.cfg.BufferSize)}
	h.subscribers[id] = sub

	return sub.ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(s.ch)
		}
	}
}

// Publish injects a locally-originated event (memory subsystem) into the
// hub's fan-out. Safe to call whether or not the hub is started.
func (h *Hub) Publish(event models.StreamEvent) {
	select {
	case h.local <- event:
	default:
		h.logger.Warn("local event dropped, hub backlog full", "kind", event.Kind)
	}
}

// run is the hub's single background task: subscribe upstream, process
// events and a periodic tick, resubscribe with backoff on failure.
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.TickInterval)
	defer ticker.Stop()

	h.lastEvent = time.Now()

	for {
		h.setHealth(models.HubRecovering)
		events, errCh, err := h.client.SubscribeEvents(ctx)
		if err != nil {
			h.logger.Warn("upstream subscribe failed", "error", err)
			h.setHealth(models.HubDegraded)
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.cfg.ResubscribeBackoff):
				continue
			}
		}
		h.setHealth(models.HubHealthy)

		if !h.pump(ctx, events, errCh, ticker.C) {
			return
		}
		h.setHealth(models.HubDegraded)
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.cfg.ResubscribeBackoff):
		}
	}
}

// pump processes one subscription until it ends. Returns false when the hub
// is shutting down.
func (h *Hub) pump(ctx context.Context, events <-chan sidecar.UpstreamEvent, errCh <-chan error, tick <-chan time.Time) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				h.logger.Warn("upstream stream closed")
				return true
			}
			h.handleEvent(ctx, normalizeUpstream(event), models.SourceSidecar)
		case event := <-h.local:
			h.handleEvent(ctx, event, models.SourceMemory)
		case err, ok := <-errCh:
			if ok && err != nil {
				h.logger.Warn("upstream stream error", "error", err)
			}
			return true
		case <-tick:
			h.sweep(ctx)
		}
	}
}

// handleEvent maintains the pending-tool table, records tool/memory events
// and publishes the envelope.
func (h *Hub) handleEvent(ctx context.Context, event models.StreamEvent, source models.EventSource) {
	h.lastEvent = time.Now()

	switch event.Kind {
	case models.EventToolStart:
		h.pending[pendingKey{event.SessionID, event.PartID}] = pendingTool{
			tool:      event.Tool,
			startedAt: time.Now(),
		}
	case models.EventToolEnd:
		delete(h.pending, pendingKey{event.SessionID, event.PartID})
	}
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.HubPendingTools.Set(float64(len(h.pending)))
	}

	env := envelope(event, source)

	switch event.Kind {
	case models.EventToolStart, models.EventToolEnd,
		models.EventMemoryRetrieval, models.EventMemoryStorage:
		if h.cfg.Recorder != nil {
			if err := h.cfg.Recorder.RecordEnvelope(ctx, env); err != nil {
				h.logger.Warn("tool history record failed", "error", err, "kind", event.Kind)
			}
		}
	}

	h.broadcast(env)
}

// sweep times out stale pending tools and emits the idle notice.
func (h *Hub) sweep(ctx context.Context) {
	now := time.Now()
	for key, tool := range h.pending {
		if now.Sub(tool.startedAt) <= h.cfg.ToolTimeout {
			continue
		}
		delete(h.pending, key)
		h.logger.Warn("pending tool timed out",
			"session_id", key.sessionID, "part_id", key.partID, "tool", tool.tool)
		h.handleEvent(ctx, models.StreamEvent{
			Kind:      models.EventSessionError,
			SessionID: key.sessionID,
			PartID:    key.partID,
			Message:   fmt.Sprintf("tool %s timed out after %s", tool.tool, h.cfg.ToolTimeout),
		}, models.SourceSystem)
	}

	if len(h.pending) == 0 && now.Sub(h.lastEvent) > h.cfg.IdleTimeout {
		h.lastEvent = now
		h.broadcast(envelope(models.StreamEvent{
			Kind:    models.EventRaw,
			Message: idleNotice,
		}, models.SourceSystem))
	}
}

// broadcast delivers an envelope to every subscriber. A subscriber whose
// buffer is full loses its oldest events, receives a lag notice, and resumes
// from the newest available event.
func (h *Hub) broadcast(env models.Envelope) {
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.HubEventCounter.WithLabelValues(string(env.Payload.Kind), string(env.Source)).Inc()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subscribers {
		if sub.lagged {
			deliverEvicting(sub.ch, envelope(models.StreamEvent{
				Kind:    models.EventRaw,
				Message: "subscriber lagged, events dropped",
			}, models.SourceSystem))
			sub.lagged = false
		}
		select {
		case sub.ch <- env:
		default:
			// Full buffer: evict the oldest event so the subscriber resumes
			// from the newest available, and mark the lag.
			deliverEvicting(sub.ch, env)
			sub.lagged = true
		}
	}
}

// deliverEvicting sends env, evicting the oldest buffered envelope when the
// channel is full.
func deliverEvicting(ch chan models.Envelope, env models.Envelope) {
	select {
	case ch <- env:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- env:
	default:
	}
}
