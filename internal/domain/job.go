// Package domain holds the persisted row shapes for jobs, tasks and the
// API-request idempotency ledger (spec.md §3), grounded on the teacher's
// internal/domain/jobs.JobRun GORM model.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobQueued               JobStatus = "queued"
	JobProcessing           JobStatus = "processing"
	JobCompleted            JobStatus = "completed"
	JobFailed               JobStatus = "failed"
	JobCompletedWithErrors  JobStatus = "completed_with_errors"
)

// Terminal reports whether status is one of the sticky terminal states
// (spec.md §3 invariant 7).
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCompletedWithErrors:
		return true
	default:
		return false
	}
}

// Job is the jobs table row (spec.md §3).
type Job struct {
	JobID        string         `gorm:"column:job_id;type:varchar(64);primaryKey" json:"job_id"`
	JobType      string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Parameters   datatypes.JSON `gorm:"column:parameters;type:jsonb" json:"parameters"`
	Status       string         `gorm:"column:status;not null;index" json:"status"`
	Stage        int            `gorm:"column:stage;not null;default:1" json:"stage"`
	TotalStages  int            `gorm:"column:total_stages;not null" json:"total_stages"`
	StageResults datatypes.JSON `gorm:"column:stage_results;type:jsonb" json:"stage_results"`
	ResultData   datatypes.JSON `gorm:"column:result_data;type:jsonb" json:"result_data,omitempty"`
	ErrorDetails string         `gorm:"column:error_details" json:"error_details,omitempty"`
	Deadline     *time.Time     `gorm:"column:deadline;index" json:"deadline,omitempty"`
	CreatedAt    time.Time      `gorm:"column:created_at;not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }
