package orchestrator

import (
	"strings"
	"testing"

	"github.com/haasonsaas/tandem/pkg/models"
)

func missionWith(states ...models.WorkItemState) models.Mission {
	items := make([]models.WorkItem, len(states))
	for i, state := range states {
		items[i] = models.WorkItem{
			WorkItemID: string(rune('a' + i)),
			Title:      "item " + string(rune('a'+i)),
			State:      state,
		}
	}
	return models.Mission{
		MissionID: "mis-1",
		Status:    models.MissionRunning,
		WorkItems: items,
	}
}

func TestReduce_ReviewerToTesterGate(t *testing.T) {
	mission := missionWith(models.WorkItemReview)

	// Granting the review approval moves to Test and requests the test
	// gate, naming the approval in the summary.
	mission, commands := Reduce(mission, ApprovalGranted{WorkItemID: "a", ApprovalID: "appr-1"})
	if got := mission.WorkItems[0].State; got != models.WorkItemTest {
		t.Fatalf("state = %s, want test", got)
	}
	if len(commands) != 1 {
		t.Fatalf("commands = %d, want 1", len(commands))
	}
	req, ok := commands[0].(RequestApproval)
	if !ok || req.Kind != "test" {
		t.Fatalf("command = %#v, want RequestApproval{kind=test}", commands[0])
	}
	if !strings.Contains(req.Summary, "appr-1") {
		t.Errorf("summary %q does not name the approval", req.Summary)
	}

	// Granting the test approval completes the item and the mission.
	mission, commands = Reduce(mission, ApprovalGranted{WorkItemID: "a", ApprovalID: "test-1"})
	if got := mission.WorkItems[0].State; got != models.WorkItemDone {
		t.Fatalf("state = %s, want done", got)
	}
	if mission.Status != models.MissionSucceeded {
		t.Fatalf("mission status = %s, want succeeded", mission.Status)
	}
	var sawMissionCompleted bool
	for _, cmd := range commands {
		if notice, ok := cmd.(EmitNotice); ok && notice.Notice == NoticeMissionCompleted {
			sawMissionCompleted = true
		}
	}
	if !sawMissionCompleted {
		t.Error("mission.completed notice not emitted")
	}
}

func TestReduce_RunFinished(t *testing.T) {
	tests := []struct {
		status    string
		wantState models.WorkItemState
	}{
		{"ok", models.WorkItemReview},
		{"success", models.WorkItemReview},
		{"passed", models.WorkItemReview},
		{"failed", models.WorkItemRework},
		{"flaky", models.WorkItemRework},
		{"", models.WorkItemRework},
	}
	for _, tt := range tests {
		t.Run("status "+tt.status, func(t *testing.T) {
			mission := missionWith(models.WorkItemInProgress)
			mission, commands := Reduce(mission, RunFinished{WorkItemID: "a", Status: tt.status})
			if got := mission.WorkItems[0].State; got != tt.wantState {
				t.Fatalf("state = %s, want %s", got, tt.wantState)
			}
			if tt.wantState == models.WorkItemReview {
				if _, ok := commands[0].(RequestApproval); !ok {
					t.Errorf("success did not request review approval")
				}
			} else {
				notice, ok := commands[0].(EmitNotice)
				if !ok || notice.Notice != NoticeReworkRequested || notice.Reason != "run_failed" {
					t.Errorf("failure command = %#v", commands[0])
				}
			}
		})
	}
}

func TestReduce_DeniedGatesGoToRework(t *testing.T) {
	for _, state := range []models.WorkItemState{models.WorkItemReview, models.WorkItemTest} {
		mission := missionWith(state)
		mission, commands := Reduce(mission, ApprovalDenied{WorkItemID: "a", Reason: "needs changes"})
		if got := mission.WorkItems[0].State; got != models.WorkItemRework {
			t.Errorf("from %s: state = %s, want rework", state, got)
		}
		notice, ok := commands[0].(EmitNotice)
		if !ok || notice.Notice != NoticeReworkRequested || notice.Reason != "needs changes" {
			t.Errorf("from %s: command = %#v", state, commands[0])
		}
		wantGate := "review"
		if state == models.WorkItemTest {
			wantGate = "test"
		}
		if notice.Gate != wantGate {
			t.Errorf("from %s: gate = %q, want %q", state, notice.Gate, wantGate)
		}
	}
}

func TestReduce_TerminalStatesAreIdempotent(t *testing.T) {
	mission := missionWith(models.WorkItemDone)
	mission.Status = models.MissionSucceeded
	before := mission.Revision

	next, commands := Reduce(mission, ApprovalGranted{WorkItemID: "a", ApprovalID: "x"})
	if next.WorkItems[0].State != models.WorkItemDone {
		t.Error("done work item revisited")
	}
	if len(commands) != 0 {
		t.Errorf("terminal state emitted %d commands", len(commands))
	}
	if next.Revision != before {
		t.Error("illegal transition bumped revision")
	}
}

func TestReduce_IllegalTransitionsAreNoOps(t *testing.T) {
	tests := []struct {
		name  string
		state models.WorkItemState
		event Event
	}{
		{"run finished on pending", models.WorkItemPending, RunFinished{WorkItemID: "a", Status: "ok"}},
		{"approval on pending", models.WorkItemPending, ApprovalGranted{WorkItemID: "a"}},
		{"approval on in_progress", models.WorkItemInProgress, ApprovalGranted{WorkItemID: "a"}},
		{"denied on rework", models.WorkItemRework, ApprovalDenied{WorkItemID: "a"}},
		{"run started on review", models.WorkItemReview, RunStarted{WorkItemID: "a", RunID: "r"}},
		{"unknown work item", models.WorkItemPending, ApprovalGranted{WorkItemID: "zz"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mission := missionWith(tt.state)
			before := mission.Revision
			next, commands := Reduce(mission, tt.event)
			if next.WorkItems[0].State != tt.state {
				t.Errorf("state changed: %s -> %s", tt.state, next.WorkItems[0].State)
			}
			if len(commands) != 0 {
				t.Errorf("emitted %d commands", len(commands))
			}
			if next.Revision != before {
				t.Error("revision bumped")
			}
		})
	}
}

func TestReduce_EveryMutationIncrementsRevision(t *testing.T) {
	mission := models.Mission{
		MissionID: "mis-rev",
		Status:    models.MissionDraft,
		WorkItems: []models.WorkItem{{WorkItemID: "a", State: models.WorkItemPending}},
	}

	mission, _ = Reduce(mission, MissionStarted{})
	if mission.Revision != 1 {
		t.Fatalf("revision = %d after start, want 1", mission.Revision)
	}
	mission, _ = Reduce(mission, RunStarted{WorkItemID: "a", RunID: "run-1"})
	if mission.Revision != 2 {
		t.Fatalf("revision = %d after run start, want 2", mission.Revision)
	}
	if mission.WorkItems[0].RunID != "run-1" {
		t.Error("run id not remembered")
	}
	mission, _ = Reduce(mission, RunFinished{WorkItemID: "a", Status: "ok"})
	if mission.Revision != 3 {
		t.Fatalf("revision = %d after run finish, want 3", mission.Revision)
	}
}

func TestReduce_MissionSucceedsOnlyWhenAllDone(t *testing.T) {
	mission := missionWith(models.WorkItemTest, models.WorkItemPending)
	mission, _ = Reduce(mission, ApprovalGranted{WorkItemID: "a", ApprovalID: "t"})
	if mission.WorkItems[0].State != models.WorkItemDone {
		t.Fatal("first item not done")
	}
	if mission.Status == models.MissionSucceeded {
		t.Error("mission succeeded with pending work remaining")
	}
}
