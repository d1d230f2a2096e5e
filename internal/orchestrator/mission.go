package orchestrator

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/tandem/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// CommandSink executes reducer commands on the engine side. Commands arrive
// in reducer order.
type CommandSink interface {
	RequestApproval(ctx context.Context, cmd RequestApproval)
	EmitNotice(ctx context.Context, cmd EmitNotice)
}

// MissionRunner owns one mission, serializing reducer application and
// forwarding emitted commands to the sink in order.
type MissionRunner struct {
	mu      sync.Mutex
	mission models.Mission
	sink    CommandSink
	logger  *slog.Logger
	tracer  trace.Tracer
}

// MissionRunnerConfig configures the runner.
type MissionRunnerConfig struct {
	Sink   CommandSink
	Logger *slog.Logger
	Tracer trace.Tracer
}

// NewMissionRunner wraps a mission.
func NewMissionRunner(mission models.Mission, cfg MissionRunnerConfig) *MissionRunner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mission-runner")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("orchestrator")
	}
	return &MissionRunner{mission: mission, sink: cfg.Sink, logger: logger, tracer: tracer}
}

// Mission returns a copy of the current mission state.
func (r *MissionRunner) Mission() models.Mission {
	r.mu.Lock()
	defer r.mu.Unlock()
	clone := r.mission
	clone.WorkItems = cloneWorkItems(r.mission.WorkItems)
	return clone
}

// Apply reduces one event under the runner's lock and executes the emitted
// commands in order.
func (r *MissionRunner) Apply(ctx context.Context, event Event) models.Mission {
	r.mu.Lock()
	before := r.mission.Revision
	next, commands := Reduce(r.mission, event)
	r.mission = next
	clone := next
	clone.WorkItems = cloneWorkItems(next.WorkItems)
	r.mu.Unlock()

	if next.Revision != before {
		_, span := r.tracer.Start(ctx, "mission.transition", trace.WithAttributes(
			attribute.String("mission_id", next.MissionID),
			attribute.String("status", string(next.Status)),
			attribute.Int64("revision", int64(next.Revision)),
		))
		span.End()
	}

	for _, cmd := range commands {
		if r.sink == nil {
			continue
		}
		switch c := cmd.(type) {
		case RequestApproval:
			r.sink.RequestApproval(ctx, c)
		case EmitNotice:
			r.sink.EmitNotice(ctx, c)
		}
	}
	return clone
}
