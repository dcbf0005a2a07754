package store

import "time"

// WorkerStatus is a worker's liveness classification (§3, §4.3).
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerStale   WorkerStatus = "stale"
	WorkerOffline WorkerStatus = "offline"
)

// Capability names a kind of work a worker can execute.
type Capability string

const (
	CapabilityAgent  Capability = "agent"
	CapabilityJira   Capability = "jira"
	CapabilityGitLab Capability = "gitlab"
)

// Worker is the server's record of a registered worker process.
type Worker struct {
	ID                string
	UserID            string
	Hostname          string
	Version           string
	Capabilities      []Capability
	Status            WorkerStatus
	LastHeartbeat     time.Time
	RegisteredAt      time.Time
	MaxConcurrentTask int
}

// TaskType enumerates the kinds of work a task can carry (§3).
type TaskType string

const (
	TaskAgentRun             TaskType = "agent_run"
	TaskJiraImport           TaskType = "jira_import"
	TaskJiraPush             TaskType = "jira_push"
	TaskJiraSync             TaskType = "jira_sync"
	TaskGitLabLink           TaskType = "gitlab_link"
	TaskGitLabCreateProject  TaskType = "gitlab_create_project"
	TaskGitLabPush           TaskType = "gitlab_push"
	TaskBoardPlan            TaskType = "board_plan"
	TaskCardGen              TaskType = "card_gen"
)

// TaskStatus is a task's lifecycle state. Transitions form the DAG in §3:
// pending -> claimed -> running -> {completed|failed}
// pending|claimed|running -> cancelled
// No reverse transitions are permitted.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// allowedTaskTransitions is the DAG guard enforced by every conditional
// update in this package; it is consulted by transition and claim so the
// rule lives in exactly one place.
var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskClaimed:   true,
		TaskCancelled: true,
	},
	TaskClaimed: {
		TaskRunning:   true,
		TaskCompleted: true, // a worker may complete without ever reporting progress
		TaskFailed:    true,
		TaskCancelled: true,
	},
	TaskRunning: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
}

// Task is a unit of dispatchable work created either directly or by the
// automation engine in response to a card move.
type Task struct {
	ID      string
	Type    TaskType
	Status  TaskStatus
	Priority int

	BoardID         string
	CardID          string // optional
	CreatedBy       string
	AssignedTo      string
	ClaimedByWorker string // nullable

	AgentType   string
	AgentModel  string
	PromptText  string
	Payload     string // opaque JSON bag for integration tasks

	SourceColumnID   string
	TargetColumnID   string
	FailureColumnID  string
	LoopCount        int
	MaxLoopCount     int

	ErrorSummary    string
	OutputCommentID string

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// TaskSpec is the input to Store.CreateTask / TaskService.Create.
type TaskSpec struct {
	Type       TaskType
	BoardID    string
	CardID     string
	CreatedBy  string
	AssignedTo string
	Priority   int

	AgentType  string
	AgentModel string
	PromptText string
	Payload    string

	SourceColumnID  string
	TargetColumnID  string
	FailureColumnID string
	LoopCount       int
	MaxLoopCount    int
}

// TaskFilter narrows TaskService.List / Store.ListTasks.
type TaskFilter struct {
	BoardID string
	Status  TaskStatus
	CardID  string
}

// Column is consumed, not owned in spirit, but persisted here because the
// automation engine needs transactional reads of it alongside cards.
type Column struct {
	ID                string
	BoardID           string
	Name              string
	AutoRun           bool
	AgentType         string
	PromptTemplate    string
	OnSuccessColumnID string
	OnFailureColumnID string
	MaxLoopCount      int
}

// AgentStatus mirrors a card's automation-visible state.
type AgentStatus string

const (
	AgentStatusNone      AgentStatus = ""
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// Card is mutated by automation (column moves, agent_status) as tasks progress.
type Card struct {
	ID          string
	ColumnID    string
	BoardID     string
	Title       string
	Description string
	Labels      []string
	Priority    int
	AssigneeID  string
	AgentStatus AgentStatus
	Version     int // optimistic concurrency guard for moves (see SPEC_FULL Open Question #1)
}

// Comment is produced by automation (agent output) or by a human user.
type Comment struct {
	ID            string
	CardID        string
	UserID        string
	Content       string
	IsAgentOutput bool
	CreatedAt     time.Time
}

// TaskEvent is one row of the append-only audit trail for a task (SPEC_FULL §3).
type TaskEvent struct {
	ID        int64
	TaskID    string
	FromStatus TaskStatus
	ToStatus  TaskStatus
	Reason    string
	CreatedAt time.Time
}
