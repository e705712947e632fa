package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository persists the job state machine. Every transition is a
// conditional update; a false return means another worker got there first.
type Repository interface {
	Ensure(ctx context.Context, db *gorm.DB, job *BillingJob) error
	FindByKind(ctx context.Context, db *gorm.DB, kind JobKind) (*BillingJob, error)
	List(ctx context.Context, db *gorm.DB) ([]BillingJob, error)

	// ClaimDue moves pending -> running when next_run_at has passed.
	ClaimDue(ctx context.Context, db *gorm.DB, kind JobKind, runID snowflake.ID, now time.Time) (bool, error)
	// ClaimNow moves any non-running status -> running regardless of next_run_at.
	ClaimNow(ctx context.Context, db *gorm.DB, kind JobKind, runID snowflake.ID, now time.Time) (bool, error)
	Finish(ctx context.Context, db *gorm.DB, kind JobKind, runID snowflake.ID, status JobStatus, result datatypes.JSON, lastError *string, now time.Time) (bool, error)
	Reschedule(ctx context.Context, db *gorm.DB, kind JobKind, runID snowflake.ID, nextRunAt time.Time, now time.Time) (bool, error)

	ListStale(ctx context.Context, db *gorm.DB, startedBefore time.Time) ([]BillingJob, error)
}

var (
	ErrJobRunning     = errors.New("job_running")
	ErrJobNotFound    = errors.New("job_not_found")
	ErrInvalidJobKind = errors.New("invalid_job_kind")
)
