package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	billingjobdomain "github.com/smallbiznis/storefront/internal/billingjob/domain"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	"github.com/smallbiznis/storefront/internal/ratelimit"
	"github.com/smallbiznis/storefront/internal/scheduler/guard"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const claimTimeout = 2 * time.Second

// claimJob moves the job to running under runID. When force is false only a
// due pending job is claimed; otherwise any job that is not running.
func (s *Scheduler) claimJob(ctx context.Context, kind billingjobdomain.JobKind, runID snowflake.ID, force bool) (bool, error) {
	claimCtx, cancel := context.WithTimeout(ctx, claimTimeout)
	defer cancel()

	current, err := s.jobs.FindByKind(claimCtx, s.db, kind)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, billingjobdomain.ErrJobNotFound
	}
	if err := guard.EnsureTransition(current.Status, billingjobdomain.JobStatusRunning); err != nil {
		return false, nil
	}

	now := s.clock.Now().UTC()
	var claimed bool
	if force {
		claimed, err = s.jobs.ClaimNow(claimCtx, s.db, kind, runID, now)
	} else {
		claimed, err = s.jobs.ClaimDue(claimCtx, s.db, kind, runID, now)
	}
	if err != nil || !claimed {
		return false, err
	}
	s.recordTransition(current.Status, billingjobdomain.JobStatusRunning)
	return true, nil
}

// finishJob records the run outcome and schedules the next run. Both writes
// are guarded by run_id, so a run released by recovery cannot overwrite the
// state of a newer run.
func (s *Scheduler) finishJob(ctx context.Context, kind billingjobdomain.JobKind, runID snowflake.ID, status billingjobdomain.JobStatus, result datatypes.JSON, lastError *string, nextRunAt time.Time) error {
	// Finalize even when the run context has expired.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	now := s.clock.Now().UTC()
	finished, err := s.jobs.Finish(writeCtx, s.db, kind, runID, status, result, lastError, now)
	if err != nil {
		return err
	}
	if !finished {
		s.logger(ctx).Warn("scheduler.job.finish_lost",
			zap.String("job", string(kind)),
			zap.String("run_id", runID.String()),
		)
		return nil
	}
	s.recordTransition(billingjobdomain.JobStatusRunning, status)

	rescheduled, err := s.jobs.Reschedule(writeCtx, s.db, kind, runID, nextRunAt.UTC(), now)
	if err != nil {
		return err
	}
	if rescheduled {
		s.recordTransition(status, billingjobdomain.JobStatusPending)
	}
	return nil
}

func (s *Scheduler) recordTransition(from, to billingjobdomain.JobStatus) {
	if err := guard.EnsureTransition(from, to); err != nil {
		s.log.Error("scheduler.job.invalid_transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return
	}
	obsmetrics.Scheduler().IncJobTransition(string(from), string(to))
}

// holdLeadership renews lease at half its TTL while a run is in progress.
// The returned stop func ends renewal and releases the lease.
func (s *Scheduler) holdLeadership(ctx context.Context, lease *ratelimit.Lease) func() {
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(lease.TTL/2, 10*time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
			}
			held, err := s.locker.Renew(renewCtx, lease)
			switch {
			case err != nil && renewCtx.Err() == nil:
				s.log.Warn("scheduler.leader.renew_failed", zap.Error(err))
			case err == nil && !held:
				// Run claims still fence the billing job; this replica
				// just stops renewing.
				s.log.Warn("scheduler.leader.lost")
				return
			}
		}
	}()

	return func() {
		cancel()
		<-done
		releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancelRelease()
		if err := s.locker.Release(releaseCtx, lease); err != nil {
			s.log.Warn("scheduler.leader.release_failed", zap.Error(err))
		}
	}
}
