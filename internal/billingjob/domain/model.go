package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

type JobKind string

const JobKindDailyCharge JobKind = "daily_charge"

// Trigger names what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerRecovery Trigger = "recovery"
)

// BillingJob is one row per kind, perpetually rescheduled.
type BillingJob struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	Kind       JobKind        `json:"kind" gorm:"type:text;not null;uniqueIndex"`
	Status     JobStatus      `json:"status" gorm:"type:text;not null"`
	NextRunAt  time.Time      `json:"next_run_at" gorm:"not null"`
	RunID      *snowflake.ID  `json:"run_id,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	LastResult datatypes.JSON `json:"last_result,omitempty"`
	LastError  *string        `json:"last_error,omitempty" gorm:"type:text"`
	CreatedAt  time.Time      `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time      `json:"updated_at" gorm:"not null"`
}

func (BillingJob) TableName() string { return "billing_jobs" }

// Summary is the outcome of one run, stored as last_result.
type Summary struct {
	RunID        snowflake.ID `json:"run_id"`
	Kind         JobKind      `json:"kind"`
	Trigger      Trigger      `json:"trigger"`
	Day          string       `json:"day"`
	Processed    int          `json:"processed"`
	Succeeded    int          `json:"succeeded"`
	Failed       int          `json:"failed"`
	Insufficient int          `json:"insufficient"`
	Duplicates   int          `json:"duplicates"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   time.Time    `json:"finished_at"`
}
