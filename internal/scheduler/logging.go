package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	obscontext "github.com/smallbiznis/storefront/internal/observability/context"
	obslogger "github.com/smallbiznis/storefront/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	"go.uber.org/zap"
)

// jobRun tallies one job execution for its scheduler.job.finish entry. Daily
// charge runs count stores by charge outcome; recovery counts released runs.
type jobRun struct {
	job       string
	runID     string
	batchSize int
	startedAt time.Time

	mu        sync.Mutex
	processed int
	errCount  int
	outcomes  map[string]int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.mu.Lock()
	r.processed += count
	r.mu.Unlock()
}

// RecordOutcome counts one store charge. Failures are counted as errors by
// logSchedulerError, not here.
func (r *jobRun) RecordOutcome(outcome string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed++
	if r.outcomes == nil {
		r.outcomes = make(map[string]int, 4)
	}
	r.outcomes[outcome]++
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.errCount++
	r.mu.Unlock()
}

func (r *jobRun) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errCount
}

func (r *jobRun) fields(now time.Time) []zap.Field {
	r.mu.Lock()
	defer r.mu.Unlock()
	fields := []zap.Field{
		zap.String("job", r.job),
		zap.String("run_id", r.runID),
		zap.Int64("duration_ms", now.Sub(r.startedAt).Milliseconds()),
		zap.Int("processed_count", r.processed),
		zap.Int("error_count", r.errCount),
	}
	for _, outcome := range []string{
		obsmetrics.ChargeOutcomeSucceeded,
		obsmetrics.ChargeOutcomeDuplicate,
		obsmetrics.ChargeOutcomeInsufficient,
		obsmetrics.ChargeOutcomeFailed,
	} {
		if n, ok := r.outcomes[outcome]; ok {
			fields = append(fields, zap.Int("stores_"+outcome, n))
		}
	}
	return fields
}

// startRun attaches a jobRun to ctx. Nested runJob calls share the outer
// run; only the owner logs start and finish.
func (s *Scheduler) startRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun, bool) {
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: batchSize,
		startedAt: s.clock.Now(),
	}
	ctx = context.WithValue(ctx, jobRunKey{}, run)
	s.logger(ctx).Info("scheduler.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
	return ctx, run, true
}

// finishRun logs the run tally. A run that errored without any per-store
// error logged still counts one error.
func (s *Scheduler) finishRun(ctx context.Context, run *jobRun, err error) {
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && run.errorCount() == 0 {
		run.IncError()
	}
	fields := run.fields(s.clock.Now())
	if errors.Is(err, context.DeadlineExceeded) {
		fields = append(fields, zap.Bool("timed_out", true))
	}
	log := s.logger(ctx)
	if err != nil || run.errorCount() > 0 {
		log.Warn("scheduler.job.finish", fields...)
		return
	}
	log.Info("scheduler.job.finish", fields...)
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	run, _ := ctx.Value(jobRunKey{}).(*jobRun)
	return run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

// logSchedulerError logs err against a store (or none when storeID is 0)
// and counts it on the current run.
func (s *Scheduler) logSchedulerError(ctx context.Context, msg string, job string, storeID snowflake.ID, err error) {
	if err == nil {
		return
	}
	jobRunFromContext(ctx).IncError()
	if storeID != 0 {
		ctx = obscontext.WithStoreID(ctx, storeID.String())
	}
	s.logger(ctx).Error(msg,
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	)
}
