package orchestrator

import (
	"context"
	"testing"

	"github.com/haasonsaas/tandem/pkg/models"
)

type captureSink struct {
	order []string
}

func (s *captureSink) RequestApproval(ctx context.Context, cmd RequestApproval) {
	s.order = append(s.order, "approval:"+cmd.Kind)
}

func (s *captureSink) EmitNotice(ctx context.Context, cmd EmitNotice) {
	s.order = append(s.order, "notice:"+cmd.Notice)
}

func TestMissionRunner_CommandsArriveInReducerOrder(t *testing.T) {
	ctx := context.Background()
	sink := &captureSink{}
	runner := NewMissionRunner(models.Mission{
		MissionID: "mis-1",
		Status:    models.MissionRunning,
		WorkItems: []models.WorkItem{{WorkItemID: "a", Title: "item a", State: models.WorkItemPending}},
	}, MissionRunnerConfig{Sink: sink})

	runner.Apply(ctx, RunStarted{WorkItemID: "a", RunID: "run-1"})
	runner.Apply(ctx, RunFinished{WorkItemID: "a", Status: "ok"})
	runner.Apply(ctx, ApprovalGranted{WorkItemID: "a", ApprovalID: "appr-1"})
	final := runner.Apply(ctx, ApprovalGranted{WorkItemID: "a", ApprovalID: "test-1"})

	if final.Status != models.MissionSucceeded {
		t.Fatalf("mission status = %s, want succeeded", final.Status)
	}

	want := []string{
		"approval:review",
		"approval:test",
		"notice:" + NoticeWorkItemCompleted,
		"notice:" + NoticeMissionCompleted,
	}
	if len(sink.order) != len(want) {
		t.Fatalf("commands = %v, want %v", sink.order, want)
	}
	for i := range want {
		if sink.order[i] != want[i] {
			t.Fatalf("command %d = %q, want %q (order broken)", i, sink.order[i], want[i])
		}
	}

	// Replaying a terminal event produces nothing.
	runner.Apply(ctx, ApprovalGranted{WorkItemID: "a", ApprovalID: "late"})
	if len(sink.order) != len(want) {
		t.Error("terminal replay emitted commands")
	}
}
