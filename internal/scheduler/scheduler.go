package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingjobdomain "github.com/smallbiznis/storefront/internal/billingjob/domain"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/config"
	creditdomain "github.com/smallbiznis/storefront/internal/credit/domain"
	obscontext "github.com/smallbiznis/storefront/internal/observability/context"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	"github.com/smallbiznis/storefront/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/storefront/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobRecovery    = "recovery"
	jobDailyCharge = string(billingjobdomain.JobKindDailyCharge)

	leaderLockKey = "storefront:scheduler:leader"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Jobs     billingjobdomain.Repository
	Registry tenantdomain.Registry
	Credits  creditdomain.Service
	Schedule *config.BillingScheduleHolder
	Hook     OutcomeHook       `optional:"true"`
	Locker   *ratelimit.Locker `optional:"true"`
	Config   Config            `optional:"true"`
}

type Scheduler struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	jobs     billingjobdomain.Repository
	registry tenantdomain.Registry
	credits  creditdomain.Service
	schedule *config.BillingScheduleHolder
	hook     OutcomeHook
	locker   *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Jobs == nil || p.Registry == nil || p.Credits == nil || p.Schedule == nil {
		return nil, ErrInvalidConfig
	}
	log := p.Log.Named("scheduler").With(zap.String("component", "scheduler"))
	hook := p.Hook
	if hook == nil {
		hook = NewLoggingHook(log)
	}
	return &Scheduler{
		db:       p.DB,
		log:      log,
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		jobs:     p.Jobs,
		registry: p.Registry,
		credits:  p.Credits,
		schedule: p.Schedule,
		hook:     hook,
		locker:   p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, "system", "scheduler")
	ctx, run, owner := s.startRun(ctx, name, batchSize)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		s.finishRun(ctx, run, err)
	}
	if err == nil {
		return nil
	}

	schedMetrics.IncJobError(name, err)
	// deadline is a soft timeout; the run is retried on a later tick
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.logger(ctx).Warn("scheduler.job.timeout",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce performs one poll: release stale runs, then start the daily
// charge if it is due.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{jobRecovery, s.isJobEnabled(jobRecovery), func(ctx context.Context) error {
			return s.runJob(ctx, jobRecovery, 1, 30*time.Second, s.RecoverStaleRuns)
		}},
		{jobDailyCharge, s.isJobEnabled(jobDailyCharge), func(ctx context.Context) error {
			return s.runJob(ctx, jobDailyCharge, s.schedule.Get().DailyCharge.Concurrency, s.cfg.JobTimeout, func(ctx context.Context) error {
				_, err := s.runDailyCharge(ctx, billingjobdomain.TriggerSchedule)
				if errors.Is(err, errNotDue) {
					return nil
				}
				return err
			})
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.tick(ctx); err != nil {
			s.log.Warn("scheduler.tick.failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs RunOnce on the replica holding the leader lease. Without redis
// every replica polls and the job claim alone keeps runs exclusive.
func (s *Scheduler) tick(ctx context.Context) error {
	if !s.locker.Enabled() {
		return s.RunOnce(ctx)
	}
	lease, err := s.locker.Acquire(ctx, leaderLockKey, s.cfg.LeaderLockTTL)
	if err != nil {
		s.log.Warn("scheduler.leader.unavailable", zap.Error(err))
		return s.RunOnce(ctx)
	}
	if lease == nil {
		obsmetrics.Scheduler().IncBatchDeferred("poll", obsmetrics.SchedulerBatchDeferredReasonNotLeader)
		return nil
	}
	stop := s.holdLeadership(ctx, lease)
	defer stop()
	return s.RunOnce(ctx)
}

// TriggerDailyCharge runs the daily charge now, outside the schedule.
// The run is detached from ctx so a caller that goes away does not cut the
// batch short; JobTimeout still bounds it. It returns ErrJobRunning when a
// run is already in flight, and the run's error when the batch did not
// complete, in which case the summary is partial.
func (s *Scheduler) TriggerDailyCharge(ctx context.Context) (*billingjobdomain.Summary, error) {
	var (
		summary *billingjobdomain.Summary
		runErr  error
	)
	concurrency := s.schedule.Get().DailyCharge.Concurrency
	// runJob treats deadlines as soft timeouts; the run's own error is
	// what the caller needs to see.
	_ = s.runJob(context.WithoutCancel(ctx), jobDailyCharge, concurrency, s.cfg.JobTimeout, func(ctx context.Context) error {
		summary, runErr = s.runDailyCharge(ctx, billingjobdomain.TriggerManual)
		return runErr
	})
	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

// EnsureJobs creates the billing job rows that do not exist yet.
func (s *Scheduler) EnsureJobs(ctx context.Context) error {
	daily := s.schedule.Get().DailyCharge
	now := s.clock.Now()
	next, err := NextRunAt(daily, now)
	if err != nil {
		return err
	}
	return s.jobs.Ensure(ctx, s.db, &billingjobdomain.BillingJob{
		ID:        s.genID.Generate(),
		Kind:      billingjobdomain.JobKindDailyCharge,
		Status:    billingjobdomain.JobStatusPending,
		NextRunAt: next.UTC(),
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	})
}

func (s *Scheduler) ListJobs(ctx context.Context) ([]billingjobdomain.BillingJob, error) {
	return s.jobs.List(ctx, s.db)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// If EnabledJobs is empty, all jobs are enabled by default (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
