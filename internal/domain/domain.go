package domain

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskPaused    = "paused"
)

// Step statuses.
const (
	StepPending   = "pending"
	StepCompleted = "completed"
	StepFailed    = "failed"
)

// Context categories the engine itself writes: chat memory and step
// results. Configured category lists must retain both.
const (
	ContextConversation = "conversation"
	ContextTaskState    = "task_state"
)

// Task categories emitted by the router.
const (
	CategoryResearch = "research"
	CategoryCode     = "code"
	CategoryBusiness = "business"
	CategoryContent  = "content"
	CategoryChat     = "chat"
)

type Task struct {
	ID        string `json:"id"`
	Objective string `json:"objective"`
	Category  string `json:"category"`
	Status    string `json:"status" enum:"pending,running,completed,failed,paused"`
	Iteration int    `json:"iteration"`
	Steps     []Step `json:"steps,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Step struct {
	ID          string  `json:"id"`
	TaskID      string  `json:"task_id"`
	Ordinal     int     `json:"ordinal"`
	Description string  `json:"description"`
	Status      string  `json:"status" enum:"pending,completed,failed"`
	Result      *string `json:"result,omitempty"`
	ErrorDetail *string `json:"error_detail,omitempty"`
	Attempts    int     `json:"attempts"`
}

// Checkpoint is the durable snapshot of a task mid-flight. The serialized
// form carries a schema version so old snapshots stay resumable.
type Checkpoint struct {
	Version   int    `json:"version"`
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	Objective string `json:"objective"`
	Category  string `json:"category"`
	Iteration int    `json:"iteration"`
	Steps     []Step `json:"steps"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type ContextEntry struct {
	ID       int64   `json:"id"`
	Category string  `json:"category"`
	TS       string  `json:"ts" format:"date-time"`
	Content  string  `json:"content"`
	Metadata *string `json:"metadata,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}
