package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/billingjob/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Ensure(ctx context.Context, db *gorm.DB, job *domain.BillingJob) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "kind"}}, DoNothing: true}).
		Create(job).Error
}

func (r *repo) FindByKind(ctx context.Context, db *gorm.DB, kind domain.JobKind) (*domain.BillingJob, error) {
	var rows []domain.BillingJob
	err := db.WithContext(ctx).Raw(
		`SELECT id, kind, status, next_run_at, run_id, started_at, finished_at,
		        last_result, last_error, created_at, updated_at
		 FROM billing_jobs
		 WHERE kind = ?
		 LIMIT 1`,
		kind,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.BillingJob, error) {
	var rows []domain.BillingJob
	err := db.WithContext(ctx).Raw(
		`SELECT id, kind, status, next_run_at, run_id, started_at, finished_at,
		        last_result, last_error, created_at, updated_at
		 FROM billing_jobs
		 ORDER BY kind ASC`,
	).Scan(&rows).Error
	return rows, err
}

func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, kind domain.JobKind, runID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_jobs
		 SET status = ?, run_id = ?, started_at = ?, finished_at = NULL, updated_at = ?
		 WHERE kind = ? AND status = ? AND next_run_at <= ?`,
		domain.JobStatusRunning,
		runID,
		now,
		now,
		kind,
		domain.JobStatusPending,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ClaimNow(ctx context.Context, db *gorm.DB, kind domain.JobKind, runID snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE billing_jobs
		 SET status = ?, run_id = ?, started_at = ?, finished_at = NULL, updated_at = ?
		 WHERE kind = ? AND status IN (?, ?, ?)`,
		domain.JobStatusRunning,
		runID,
		now,
		now,
		kind,
		domain.JobStatusPending,
		domain.JobStatusDone,
		domain.JobStatusFailed,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) Finish(ctx context.Context, db *gorm.DB, kind domain.JobKind, runID snowflake.ID, status domain.JobStatus, result datatypes.JSON, lastError *string, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_jobs
		 SET status = ?, last_result = ?, last_error = ?, finished_at = ?, updated_at = ?
		 WHERE kind = ? AND run_id = ? AND status = ?`,
		status,
		result,
		lastError,
		now,
		now,
		kind,
		runID,
		domain.JobStatusRunning,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) Reschedule(ctx context.Context, db *gorm.DB, kind domain.JobKind, runID snowflake.ID, nextRunAt time.Time, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing_jobs
		 SET status = ?, next_run_at = ?, updated_at = ?
		 WHERE kind = ? AND run_id = ? AND status IN (?, ?)`,
		domain.JobStatusPending,
		nextRunAt,
		now,
		kind,
		runID,
		domain.JobStatusDone,
		domain.JobStatusFailed,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, startedBefore time.Time) ([]domain.BillingJob, error) {
	var rows []domain.BillingJob
	err := db.WithContext(ctx).Raw(
		`SELECT id, kind, status, next_run_at, run_id, started_at, finished_at,
		        last_result, last_error, created_at, updated_at
		 FROM billing_jobs
		 WHERE status = ? AND started_at IS NOT NULL AND started_at <= ?
		 ORDER BY kind ASC`,
		domain.JobStatusRunning,
		startedBefore,
	).Scan(&rows).Error
	return rows, err
}
