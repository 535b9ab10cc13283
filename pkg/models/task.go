package models

// TaskStatus is the lifecycle state of a TaskSpec.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// TaskSpec is a declarative unit of work a PM dispatches to a worker.
// Owned by the PM that created it until the session ends.
type TaskSpec struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Role        string     `json:"role"` // worker role this task requires (e.g., "classifier")
	WorkerID    string     `json:"worker_id,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    int        `json:"priority"`
}
