// Package orchestrator implements the mission reducer and the run engine:
// a pure state machine advancing work items through review/test gates, and
// the effectful executor that drives tasks concurrently with pause, cancel
// and resume semantics.
package orchestrator

import (
	"fmt"

	"github.com/haasonsaas/tandem/pkg/models"
)

// Event is a mission input applied through Reduce.
type Event interface{ missionEvent() }

// MissionStarted moves a mission out of draft.
type MissionStarted struct{}

// RunStarted records a run picking up a pending work item.
type RunStarted struct {
	WorkItemID string
	RunID      string
}

// RunFinished records a run completing, with the runner's status string.
// Statuses outside {ok, success, passed} count as failure.
type RunFinished struct {
	WorkItemID string
	Status     string
}

// ApprovalGranted passes the work item's current gate.
type ApprovalGranted struct {
	WorkItemID string
	ApprovalID string
}

// ApprovalDenied fails the work item's current gate back to rework.
type ApprovalDenied struct {
	WorkItemID string
	Reason     string
}

func (MissionStarted) missionEvent()  {}
func (RunStarted) missionEvent()      {}
func (RunFinished) missionEvent()     {}
func (ApprovalGranted) missionEvent() {}
func (ApprovalDenied) missionEvent()  {}

// Command is an effect the engine executes on the reducer's behalf. The
// reducer itself never performs IO.
type Command interface{ missionCommand() }

// RequestApproval asks the operator to pass a gate.
type RequestApproval struct {
	Kind       string // "review" or "test"
	WorkItemID string
	Summary    string
}

// EmitNotice publishes an informational notice.
type EmitNotice struct {
	Notice     string
	WorkItemID string
	Gate       string
	Reason     string
}

func (RequestApproval) missionCommand() {}
func (EmitNotice) missionCommand()      {}

// Notice names emitted by the reducer.
const (
	NoticeWorkItemCompleted = "work_item.completed"
	NoticeMissionCompleted  = "mission.completed"
	NoticeReworkRequested   = "rework_requested"
)

// successStatuses are the run statuses treated as success; anything else is
// failure.
var successStatuses = map[string]bool{
	"ok":      true,
	"success": true,
	"passed":  true,
}

// Reduce applies one event to a mission, returning the new state and the
// commands to execute. Illegal transitions return the state unchanged with
// no commands; reducers never raise. Every state mutation increments the
// revision.
func Reduce(mission models.Mission, event Event) (models.Mission, []Command) {
	switch ev := event.(type) {
	case MissionStarted:
		if mission.Status != models.MissionDraft {
			return mission, nil
		}
		mission.Status = models.MissionRunning
		mission.Revision++
		return mission, nil

	case RunStarted:
		idx := findWorkItem(mission.WorkItems, ev.WorkItemID)
		if idx < 0 || mission.WorkItems[idx].State != models.WorkItemPending {
			return mission, nil
		}
		mission.WorkItems = cloneWorkItems(mission.WorkItems)
		mission.WorkItems[idx].State = models.WorkItemInProgress
		mission.WorkItems[idx].RunID = ev.RunID
		mission.Revision++
		return mission, nil

	case RunFinished:
		idx := findWorkItem(mission.WorkItems, ev.WorkItemID)
		if idx < 0 || mission.WorkItems[idx].State != models.WorkItemInProgress {
			return mission, nil
		}
		mission.WorkItems = cloneWorkItems(mission.WorkItems)
		if successStatuses[ev.Status] {
			mission.WorkItems[idx].State = models.WorkItemReview
			mission.Revision++
			return mission, []Command{RequestApproval{
				Kind:       "review",
				WorkItemID: ev.WorkItemID,
				Summary:    fmt.Sprintf("review %s (run %s finished: %s)", mission.WorkItems[idx].Title, mission.WorkItems[idx].RunID, ev.Status),
			}}
		}
		mission.WorkItems[idx].State = models.WorkItemRework
		mission.Revision++
		return mission, []Command{EmitNotice{
			Notice:     NoticeReworkRequested,
			WorkItemID: ev.WorkItemID,
			Reason:     "run_failed",
		}}

	case ApprovalGranted:
		idx := findWorkItem(mission.WorkItems, ev.WorkItemID)
		if idx < 0 {
			return mission, nil
		}
		switch mission.WorkItems[idx].State {
		case models.WorkItemReview:
			mission.WorkItems = cloneWorkItems(mission.WorkItems)
			mission.WorkItems[idx].State = models.WorkItemTest
			mission.Revision++
			return mission, []Command{RequestApproval{
				Kind:       "test",
				WorkItemID: ev.WorkItemID,
				Summary:    fmt.Sprintf("test %s (review approval %s granted)", mission.WorkItems[idx].Title, ev.ApprovalID),
			}}
		case models.WorkItemTest:
			mission.WorkItems = cloneWorkItems(mission.WorkItems)
			mission.WorkItems[idx].State = models.WorkItemDone
			mission.Revision++
			commands := []Command{EmitNotice{
				Notice:     NoticeWorkItemCompleted,
				WorkItemID: ev.WorkItemID,
			}}
			if allDone(mission.WorkItems) {
				mission.Status = models.MissionSucceeded
				mission.Revision++
				commands = append(commands, EmitNotice{Notice: NoticeMissionCompleted})
			}
			return mission, commands
		default:
			// A Done work item is never revisited.
			return mission, nil
		}

	case ApprovalDenied:
		idx := findWorkItem(mission.WorkItems, ev.WorkItemID)
		if idx < 0 {
			return mission, nil
		}
		state := mission.WorkItems[idx].State
		if state != models.WorkItemReview && state != models.WorkItemTest {
			return mission, nil
		}
		gate := "review"
		if state == models.WorkItemTest {
			gate = "test"
		}
		mission.WorkItems = cloneWorkItems(mission.WorkItems)
		mission.WorkItems[idx].State = models.WorkItemRework
		mission.Revision++
		return mission, []Command{EmitNotice{
			Notice:     NoticeReworkRequested,
			WorkItemID: ev.WorkItemID,
			Gate:       gate,
			Reason:     ev.Reason,
		}}
	}
	return mission, nil
}

func findWorkItem(items []models.WorkItem, id string) int {
	for i, item := range items {
		if item.WorkItemID == id {
			return i
		}
	}
	return -1
}

func cloneWorkItems(items []models.WorkItem) []models.WorkItem {
	out := make([]models.WorkItem, len(items))
	copy(out, items)
	return out
}

func allDone(items []models.WorkItem) bool {
	for _, item := range items {
		if item.State != models.WorkItemDone {
			return false
		}
	}
	return len(items) > 0
}
