package scheduler

import (
	"context"

	"github.com/bwmarrin/snowflake"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	"go.uber.org/zap"
)

// ChargeOutcome is the result of charging one store in one run.
type ChargeOutcome struct {
	RunID   snowflake.ID
	StoreID snowflake.ID
	Day     string
	Outcome string
	Balance int64
	Err     error
}

// OutcomeHook observes per-store charge outcomes. Implementations react to
// insufficient credit, e.g. by unpublishing the store.
type OutcomeHook interface {
	OnChargeOutcome(ctx context.Context, outcome ChargeOutcome)
}

type OutcomeHookFunc func(ctx context.Context, outcome ChargeOutcome)

func (f OutcomeHookFunc) OnChargeOutcome(ctx context.Context, outcome ChargeOutcome) {
	f(ctx, outcome)
}

type loggingHook struct {
	log *zap.Logger
}

// NewLoggingHook reports stores that could not pay for the day.
func NewLoggingHook(log *zap.Logger) OutcomeHook {
	return &loggingHook{log: log}
}

func (h *loggingHook) OnChargeOutcome(ctx context.Context, outcome ChargeOutcome) {
	if outcome.Outcome != obsmetrics.ChargeOutcomeInsufficient {
		return
	}
	h.log.Warn("scheduler.daily_charge.insufficient_credits",
		zap.String("store_id", outcome.StoreID.String()),
		zap.String("run_id", outcome.RunID.String()),
		zap.String("day", outcome.Day),
		zap.Int64("balance", outcome.Balance),
	)
}
