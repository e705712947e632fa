package scheduler

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the scheduler for manual triggers and job listing.
var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(ensureJobs),
)

// PollerModule runs the scheduler loop. Only processes that own billing
// include it; API replicas use Module alone.
var PollerModule = fx.Module("scheduler.poller",
	fx.Invoke(NewScheduler),
)

func ensureJobs(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sched.EnsureJobs(ctx)
		},
	})
}

func NewScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
