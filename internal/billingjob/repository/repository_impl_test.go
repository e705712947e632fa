package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/billingjob/domain"
	"github.com/smallbiznis/storefront/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestEnsureIsIdempotent(t *testing.T) {
	conn := dbtest.Open(t, &domain.BillingJob{})
	r := Provide()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		require.NoError(t, r.Ensure(context.Background(), conn, &domain.BillingJob{
			ID:        snowflake.ID(i + 1),
			Kind:      domain.JobKindDailyCharge,
			Status:    domain.JobStatusPending,
			NextRunAt: now,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	jobs, err := r.List(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, snowflake.ID(1), jobs[0].ID)
}

func TestClaimDueRespectsScheduleAndStatus(t *testing.T) {
	conn := dbtest.Open(t, &domain.BillingJob{})
	r := Provide()
	ctx := context.Background()
	runAt := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)
	require.NoError(t, r.Ensure(ctx, conn, &domain.BillingJob{
		ID: 1, Kind: domain.JobKindDailyCharge, Status: domain.JobStatusPending,
		NextRunAt: runAt, CreatedAt: runAt, UpdatedAt: runAt,
	}))

	ok, err := r.ClaimDue(ctx, conn, domain.JobKindDailyCharge, 10, runAt.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "not due yet")

	ok, err = r.ClaimDue(ctx, conn, domain.JobKindDailyCharge, 10, runAt)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.ClaimDue(ctx, conn, domain.JobKindDailyCharge, 11, runAt)
	require.NoError(t, err)
	assert.False(t, ok, "already running")

	ok, err = r.ClaimNow(ctx, conn, domain.JobKindDailyCharge, 12, runAt)
	require.NoError(t, err)
	assert.False(t, ok, "manual claim loses against a running job")

	job, err := r.FindByKind(ctx, conn, domain.JobKindDailyCharge)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	require.NotNil(t, job.RunID)
	assert.Equal(t, snowflake.ID(10), *job.RunID)
}

func TestFinishAndRescheduleAreGuardedByRunID(t *testing.T) {
	conn := dbtest.Open(t, &domain.BillingJob{})
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)
	require.NoError(t, r.Ensure(ctx, conn, &domain.BillingJob{
		ID: 1, Kind: domain.JobKindDailyCharge, Status: domain.JobStatusPending,
		NextRunAt: now, CreatedAt: now, UpdatedAt: now,
	}))

	ok, err := r.ClaimNow(ctx, conn, domain.JobKindDailyCharge, 20, now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = r.Finish(ctx, conn, domain.JobKindDailyCharge, 99, domain.JobStatusDone, nil, nil, now)
	require.NoError(t, err)
	assert.False(t, ok, "stale run id must not finish the job")

	ok, err = r.Finish(ctx, conn, domain.JobKindDailyCharge, 20, domain.JobStatusDone, datatypes.JSON(`{"processed":3}`), nil, now)
	require.NoError(t, err)
	assert.True(t, ok)

	next := now.Add(24 * time.Hour)
	ok, err = r.Reschedule(ctx, conn, domain.JobKindDailyCharge, 20, next, now)
	require.NoError(t, err)
	assert.True(t, ok)

	job, err := r.FindByKind(ctx, conn, domain.JobKindDailyCharge)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.True(t, job.NextRunAt.Equal(next))
	assert.JSONEq(t, `{"processed":3}`, string(job.LastResult))
}

func TestListStale(t *testing.T) {
	conn := dbtest.Open(t, &domain.BillingJob{})
	r := Provide()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)
	require.NoError(t, r.Ensure(ctx, conn, &domain.BillingJob{
		ID: 1, Kind: domain.JobKindDailyCharge, Status: domain.JobStatusPending,
		NextRunAt: now, CreatedAt: now, UpdatedAt: now,
	}))
	ok, err := r.ClaimNow(ctx, conn, domain.JobKindDailyCharge, 30, now)
	require.NoError(t, err)
	require.True(t, ok)

	stale, err := r.ListStale(ctx, conn, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = r.ListStale(ctx, conn, now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, domain.JobKindDailyCharge, stale[0].Kind)
}
