package domain

import (
	"time"

	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskQueued      TaskStatus = "queued"
	TaskProcessing  TaskStatus = "processing"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskRetrying    TaskStatus = "retrying"
	TaskPendingRetry TaskStatus = "pending_retry"
	TaskCancelled   TaskStatus = "cancelled"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// Task is the tasks table row (spec.md §3).
type Task struct {
	TaskID          string         `gorm:"column:task_id;type:varchar(96);primaryKey" json:"task_id"`
	ParentJobID     string         `gorm:"column:parent_job_id;not null;index" json:"parent_job_id"`
	JobType         string         `gorm:"column:job_type;not null;index" json:"job_type"`
	TaskType        string         `gorm:"column:task_type;not null;index" json:"task_type"`
	Stage           int            `gorm:"column:stage;not null;index" json:"stage"`
	TaskIndex       string         `gorm:"column:task_index;not null" json:"task_index"`
	Parameters      datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	Status          string         `gorm:"column:status;not null;index" json:"status"`
	ResultData      datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	ErrorDetails    string         `gorm:"column:error_details" json:"error_details,omitempty"`
	RetryCount      int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	Heartbeat       *time.Time     `gorm:"column:heartbeat;index" json:"heartbeat,omitempty"`
	NextStageParams datatypes.JSON `gorm:"column:next_stage_params;type:jsonb" json:"next_stage_params,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// APIRequest is the idempotency ledger keyed by external caller
// identifiers (spec.md §3).
type APIRequest struct {
	RequestID string    `gorm:"column:request_id;type:varchar(64);primaryKey" json:"request_id"`
	JobID     string    `gorm:"column:job_id;not null;index" json:"job_id"`
	DataType  string    `gorm:"column:data_type;not null" json:"data_type"`
	CreatedAt time.Time `gorm:"column:created_at;not null;default:now()" json:"created_at"`
}

func (APIRequest) TableName() string { return "api_requests" }

// JanitorRun records one sweep of the janitor for observability/audit.
type JanitorRun struct {
	ID              uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	StartedAt       time.Time `gorm:"column:started_at;not null" json:"started_at"`
	FinishedAt      time.Time `gorm:"column:finished_at" json:"finished_at"`
	StaleHeartbeats int       `gorm:"column:stale_heartbeats" json:"stale_heartbeats"`
	OrphanedTasks   int       `gorm:"column:orphaned_tasks" json:"orphaned_tasks"`
	StuckJobs       int       `gorm:"column:stuck_jobs" json:"stuck_jobs"`
	SynthesizedDone int       `gorm:"column:synthesized_done" json:"synthesized_done"`
	DeadlineFailed  int       `gorm:"column:deadline_failed" json:"deadline_failed"`
}

func (JanitorRun) TableName() string { return "janitor_runs" }
