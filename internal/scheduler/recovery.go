package scheduler

import (
	"context"
	"errors"
	"fmt"

	billingjobdomain "github.com/smallbiznis/storefront/internal/billingjob/domain"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	"go.uber.org/zap"
)

// RecoverStaleRuns fails jobs stuck in running longer than the recovery
// threshold and makes them due immediately. The stale run keeps running
// somewhere only if its worker is alive; its own finish is then rejected
// because the run_id no longer matches an in-flight run.
func (s *Scheduler) RecoverStaleRuns(ctx context.Context) error {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.cfg.RecoveryThreshold)

	stale, err := s.jobs.ListStale(ctx, s.db, cutoff)
	if err != nil {
		return err
	}

	var jobErr error
	recovered := 0
	for _, job := range stale {
		if job.RunID == nil {
			continue
		}
		note := fmt.Sprintf("recovered: run started at %s exceeded %s", job.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"), s.cfg.RecoveryThreshold)
		finished, err := s.jobs.Finish(ctx, s.db, job.Kind, *job.RunID, billingjobdomain.JobStatusFailed, job.LastResult, &note, now)
		if err != nil {
			s.logSchedulerError(ctx, "scheduler.recovery.finish_failed", string(job.Kind), 0, err)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if !finished {
			continue
		}
		s.recordTransition(billingjobdomain.JobStatusRunning, billingjobdomain.JobStatusFailed)

		rescheduled, err := s.jobs.Reschedule(ctx, s.db, job.Kind, *job.RunID, now, now)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if rescheduled {
			s.recordTransition(billingjobdomain.JobStatusFailed, billingjobdomain.JobStatusPending)
		}
		recovered++
		s.logger(ctx).Warn("scheduler.recovery.released",
			zap.String("job", string(job.Kind)),
			zap.String("run_id", job.RunID.String()),
			zap.String("trigger", string(billingjobdomain.TriggerRecovery)),
		)
	}

	obsmetrics.Scheduler().AddRecoveredRuns(recovered)
	jobRunFromContext(ctx).AddProcessed(recovered)
	return jobErr
}
