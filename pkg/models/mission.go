package models

// MissionStatus is the lifecycle state of a mission.
type MissionStatus string

const (
	MissionDraft     MissionStatus = "draft"
	MissionRunning   MissionStatus = "running"
	MissionPaused    MissionStatus = "paused"
	MissionCancelled MissionStatus = "cancelled"
	MissionFailed    MissionStatus = "failed"
	MissionSucceeded MissionStatus = "succeeded"
)

// WorkItemState is the gate-progression state of a work item.
type WorkItemState string

const (
	WorkItemPending    WorkItemState = "pending"
	WorkItemInProgress WorkItemState = "in_progress"
	WorkItemReview     WorkItemState = "review"
	WorkItemTest       WorkItemState = "test"
	WorkItemRework     WorkItemState = "rework"
	WorkItemDone       WorkItemState = "done"
)

// WorkItem is one gated unit of mission work. A Done work item is never
// revisited; Rework requires a fresh run.
type WorkItem struct {
	WorkItemID string        `json:"work_item_id"`
	Title      string        `json:"title"`
	State      WorkItemState `json:"state"`
	DependsOn  []string      `json:"depends_on,omitempty"`
	RunID      string        `json:"run_id,omitempty"`
}

// Mission is a user-initiated multi-step workflow advanced through
// review/test gates by the reducer.
type Mission struct {
	MissionID string        `json:"mission_id"`
	Status    MissionStatus `json:"status"`
	Spec      string        `json:"spec"`
	WorkItems []WorkItem    `json:"work_items"`
	Revision  uint64        `json:"revision"`
}

// RunStatus is the lifecycle state of an orchestrated run.
type RunStatus string

const (
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunRunning          RunStatus = "running"
	RunPaused           RunStatus = "paused"
	RunCancelled        RunStatus = "cancelled"
	RunCompleted        RunStatus = "completed"
	RunFailed           RunStatus = "failed"
)

// TaskState is the lifecycle state of one task within a run.
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskDone       TaskState = "done"
	TaskFailed     TaskState = "failed"
)

// RunTask is one schedulable unit within a run. SessionID is cleared when
// the run resumes against a new base session.
type RunTask struct {
	ID         string    `json:"id"`
	State      TaskState `json:"state"`
	RetryCount int       `json:"retry_count"`
	SessionID  string    `json:"session_id,omitempty"`

	// WritePaths are workspace paths the task will mutate; the engine
	// serializes writers to the same path.
	WritePaths []string `json:"write_paths,omitempty"`

	// UsesLLM marks tasks bounded by the engine's llm_parallel limit in
	// addition to max_parallel_tasks.
	UsesLLM bool `json:"uses_llm,omitempty"`
}

// Run is one execution of an orchestrated plan.
type Run struct {
	RunID         string    `json:"run_id"`
	Status        RunStatus `json:"status"`
	BaseSessionID string    `json:"base_session_id"`
	Tasks         []RunTask `json:"tasks"`
}
