package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	billingjobdomain "github.com/smallbiznis/storefront/internal/billingjob/domain"
	"github.com/smallbiznis/storefront/internal/config"
	creditdomain "github.com/smallbiznis/storefront/internal/credit/domain"
	creditservice "github.com/smallbiznis/storefront/internal/credit/service"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/storefront/internal/tenant/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const dayLayout = "2006-01-02"

var errNotDue = errors.New("job_not_due")

// NextRunAt returns the first scheduled run strictly after now.
func NextRunAt(schedule config.DailyChargeSchedule, now time.Time) (time.Time, error) {
	hour, minute, err := schedule.Clock()
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(schedule.Location())
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, local.Location())
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// ChargeDay is the calendar day, in the schedule timezone, a run at now
// charges for. It keys the per-store idempotency key.
func ChargeDay(schedule config.DailyChargeSchedule, now time.Time) string {
	return now.In(schedule.Location()).Format(dayLayout)
}

// runDailyCharge claims the daily charge job, debits every published store
// once for the current day and finalizes the job. Scheduled runs return
// errNotDue when the job is not claimable; manual runs return ErrJobRunning.
func (s *Scheduler) runDailyCharge(ctx context.Context, trigger billingjobdomain.Trigger) (*billingjobdomain.Summary, error) {
	kind := billingjobdomain.JobKindDailyCharge
	runID := s.genID.Generate()

	claimed, err := s.claimJob(ctx, kind, runID, trigger == billingjobdomain.TriggerManual)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if trigger == billingjobdomain.TriggerManual {
			return nil, billingjobdomain.ErrJobRunning
		}
		obsmetrics.Scheduler().IncBatchDeferred(jobDailyCharge, obsmetrics.SchedulerBatchDeferredReasonNotDue)
		return nil, errNotDue
	}

	schedule := s.schedule.Get().DailyCharge
	startedAt := s.clock.Now()
	summary := &billingjobdomain.Summary{
		RunID:     runID,
		Kind:      kind,
		Trigger:   trigger,
		Day:       ChargeDay(schedule, startedAt),
		StartedAt: startedAt.UTC(),
	}

	runErr := s.chargeStores(ctx, schedule, summary)
	summary.FinishedAt = s.clock.Now().UTC()

	status := billingjobdomain.JobStatusDone
	var lastError *string
	nextRunAt, err := NextRunAt(schedule, s.clock.Now())
	if err != nil {
		runErr = errors.Join(runErr, err)
	}
	if runErr != nil {
		// Retry on the next poll; stores already charged today are skipped
		// by their idempotency keys.
		status = billingjobdomain.JobStatusFailed
		msg := runErr.Error()
		lastError = &msg
		nextRunAt = s.clock.Now()
	}

	result, err := json.Marshal(summary)
	if err != nil {
		return summary, errors.Join(runErr, err)
	}
	if err := s.finishJob(ctx, kind, runID, status, result, lastError, nextRunAt); err != nil {
		runErr = errors.Join(runErr, err)
	}
	s.logRunSummary(ctx, summary, status)
	return summary, runErr
}

// chargeStores debits every published store with bounded concurrency. Per
// store failures are counted in the summary; only a failure to enumerate
// stores or an expired context fails the run.
func (s *Scheduler) chargeStores(ctx context.Context, schedule config.DailyChargeSchedule, summary *billingjobdomain.Summary) error {
	stores, err := s.registry.ListPublished(ctx)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	run := jobRunFromContext(ctx)
	g := new(errgroup.Group)
	g.SetLimit(max(schedule.Concurrency, 1))

	for _, store := range stores {
		g.Go(func() error {
			outcome := s.chargeStore(ctx, schedule, summary.RunID, summary.Day, store)

			mu.Lock()
			summary.Processed++
			switch outcome.Outcome {
			case obsmetrics.ChargeOutcomeSucceeded:
				summary.Succeeded++
			case obsmetrics.ChargeOutcomeDuplicate:
				summary.Duplicates++
			case obsmetrics.ChargeOutcomeInsufficient:
				summary.Insufficient++
			default:
				summary.Failed++
			}
			mu.Unlock()
			run.RecordOutcome(outcome.Outcome)

			obsmetrics.Scheduler().IncChargeOutcome(outcome.Outcome)
			s.hook.OnChargeOutcome(ctx, outcome)
			return nil
		})
	}
	_ = g.Wait()

	obsmetrics.Scheduler().AddBatchProcessed(jobDailyCharge, "store", len(stores))
	return ctx.Err()
}

func (s *Scheduler) chargeStore(ctx context.Context, schedule config.DailyChargeSchedule, runID snowflake.ID, day string, store tenantdomain.Store) ChargeOutcome {
	outcome := ChargeOutcome{
		RunID:   runID,
		StoreID: store.ID,
		Day:     day,
	}
	if err := ctx.Err(); err != nil {
		outcome.Outcome = obsmetrics.ChargeOutcomeFailed
		outcome.Err = err
		return outcome
	}

	res, err := s.credits.Debit(ctx, creditdomain.DebitRequest{
		StoreID:        store.ID,
		Amount:         schedule.Amount,
		Description:    schedule.Description,
		IdempotencyKey: creditservice.DailyChargeKey(store.ID, day),
	})
	if res != nil {
		outcome.Balance = res.NewBalance
	}
	switch {
	case err == nil && res.Duplicate:
		outcome.Outcome = obsmetrics.ChargeOutcomeDuplicate
	case err == nil:
		outcome.Outcome = obsmetrics.ChargeOutcomeSucceeded
	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		outcome.Outcome = obsmetrics.ChargeOutcomeInsufficient
	default:
		outcome.Outcome = obsmetrics.ChargeOutcomeFailed
		outcome.Err = err
		s.logSchedulerError(ctx, "scheduler.daily_charge.store_failed", jobDailyCharge, store.ID, err)
	}
	return outcome
}

func (s *Scheduler) logRunSummary(ctx context.Context, summary *billingjobdomain.Summary, status billingjobdomain.JobStatus) {
	s.logger(ctx).Info("scheduler.daily_charge.summary",
		zap.String("run_id", summary.RunID.String()),
		zap.String("trigger", string(summary.Trigger)),
		zap.String("day", summary.Day),
		zap.String("status", string(status)),
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("insufficient", summary.Insufficient),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("failed", summary.Failed),
	)
}
