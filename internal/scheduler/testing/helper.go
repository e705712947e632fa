// internal/scheduler/testing/helper.go
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingjobdomain "github.com/smallbiznis/storefront/internal/billingjob/domain"
	"gorm.io/gorm"
)

// TimeAccelerator moves billing jobs through time for testing
type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = time.Now
	}
	return &TimeAccelerator{db: db, now: now}
}

// MakeDue moves next_run_at of a pending job into the past
func (ta *TimeAccelerator) MakeDue(ctx context.Context, kind billingjobdomain.JobKind) error {
	now := ta.now().UTC()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE billing_jobs
		 SET next_run_at = ?, updated_at = ?
		 WHERE kind = ? AND status = ?`,
		now.Add(-1*time.Minute),
		now,
		kind,
		billingjobdomain.JobStatusPending,
	).Error
}

// MarkStale pretends a worker claimed the job at startedAt and died
func (ta *TimeAccelerator) MarkStale(ctx context.Context, kind billingjobdomain.JobKind, runID snowflake.ID, startedAt time.Time) error {
	return ta.db.WithContext(ctx).Exec(
		`UPDATE billing_jobs
		 SET status = ?, run_id = ?, started_at = ?, finished_at = NULL, updated_at = ?
		 WHERE kind = ?`,
		billingjobdomain.JobStatusRunning,
		runID,
		startedAt.UTC(),
		ta.now().UTC(),
		kind,
	).Error
}

// JobInfo shows current job state for debugging
type JobInfo struct {
	Kind         billingjobdomain.JobKind
	Status       billingjobdomain.JobStatus
	NextRunAt    time.Time
	TimeUntilRun time.Duration
	Due          bool
}

func (ta *TimeAccelerator) GetJobInfo(ctx context.Context, kind billingjobdomain.JobKind) (*JobInfo, error) {
	var rows []struct {
		Kind      billingjobdomain.JobKind
		Status    billingjobdomain.JobStatus
		NextRunAt time.Time
	}

	err := ta.db.WithContext(ctx).Raw(
		`SELECT kind, status, next_run_at
		 FROM billing_jobs
		 WHERE kind = ?`,
		kind,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, billingjobdomain.ErrJobNotFound
	}

	now := ta.now().UTC()
	job := rows[0]
	return &JobInfo{
		Kind:         job.Kind,
		Status:       job.Status,
		NextRunAt:    job.NextRunAt,
		TimeUntilRun: job.NextRunAt.Sub(now),
		Due:          job.Status == billingjobdomain.JobStatusPending && !now.Before(job.NextRunAt),
	}, nil
}
