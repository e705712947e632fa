package service

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/credit/domain"
	obsmetrics "github.com/smallbiznis/storefront/internal/observability/metrics"
	"github.com/smallbiznis/storefront/pkg/db"
	"github.com/smallbiznis/storefront/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	debitOutcomeApplied      = "applied"
	debitOutcomeDuplicate    = "duplicate"
	debitOutcomeInsufficient = "insufficient"
	debitOutcomeError        = "error"
)

var tracer = otel.Tracer("storefront/credit")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("credit.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) GetBalance(ctx context.Context, storeID snowflake.ID) (int64, error) {
	if storeID == 0 {
		return 0, domain.ErrInvalidStoreID
	}
	balance, err := s.repo.FindBalance(ctx, s.db, storeID)
	if err != nil {
		return 0, err
	}
	if balance == nil {
		return 0, domain.ErrNotFound
	}
	return balance.Balance, nil
}

func (s *Service) Credit(ctx context.Context, req domain.CreditRequest) (*domain.CreditResult, error) {
	if req.StoreID == 0 {
		return nil, domain.ErrInvalidStoreID
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	kind := domain.TransactionKind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	switch kind {
	case "":
		kind = domain.TransactionKindPurchase
	case domain.TransactionKindPurchase, domain.TransactionKindAdjustment:
	default:
		return nil, domain.ErrInvalidKind
	}

	var key *string
	if trimmed := strings.TrimSpace(req.IdempotencyKey); trimmed != "" {
		key = &trimmed
		prior, err := s.repo.FindTransactionByKey(ctx, s.db, trimmed)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			return s.priorCredit(prior, req.StoreID)
		}
	}

	txn := domain.CreditTransaction{
		ID:             s.genID.Generate(),
		StoreID:        req.StoreID,
		Amount:         req.Amount,
		Kind:           kind,
		Reference:      strings.TrimSpace(req.Reference),
		IdempotencyKey: key,
		CreatedAt:      s.clock.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.Increment(ctx, tx, req.StoreID, req.Amount)
		if err != nil {
			return err
		}
		if !updated {
			return domain.ErrNotFound
		}
		balance, err := s.repo.FindBalance(ctx, tx, req.StoreID)
		if err != nil {
			return err
		}
		txn.BalanceAfter = balance.Balance
		if err := s.repo.InsertTransaction(ctx, tx, &txn); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrDuplicateCharge
			}
			return err
		}
		return nil
	})
	if errors.Is(err, domain.ErrDuplicateCharge) && key != nil {
		prior, findErr := s.repo.FindTransactionByKey(ctx, s.db, *key)
		if findErr != nil {
			return nil, findErr
		}
		if prior != nil {
			return s.priorCredit(prior, req.StoreID)
		}
	}
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordCreditAdjustment(ctx, string(kind))
	s.log.Info("credit.balance.credited",
		zap.String("store_id", req.StoreID.String()),
		zap.Int64("amount", req.Amount),
		zap.Int64("balance", txn.BalanceAfter),
		zap.String("kind", string(kind)),
	)
	return &domain.CreditResult{Transaction: txn, NewBalance: txn.BalanceAfter}, nil
}

func (s *Service) priorCredit(prior *domain.CreditTransaction, storeID snowflake.ID) (*domain.CreditResult, error) {
	if prior.StoreID != storeID {
		return nil, domain.ErrIdempotencyKeyConflict
	}
	return &domain.CreditResult{Transaction: *prior, NewBalance: prior.BalanceAfter, Duplicate: true}, nil
}

// Debit takes amount from the store's balance exactly once per idempotency key.
// An insufficient balance leaves no trace: no usage row and no balance change.
func (s *Service) Debit(ctx context.Context, req domain.DebitRequest) (*domain.DebitResult, error) {
	ctx, span := tracer.Start(ctx, "credit.Debit")
	defer span.End()
	span.SetAttributes(attribute.String("store.id", req.StoreID.String()))

	result, outcome, err := s.debit(ctx, req)
	span.SetAttributes(attribute.String("credit.outcome", outcome))
	if err != nil && outcome == debitOutcomeError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.obsMetrics.RecordCreditDebit(ctx, outcome)
	return result, err
}

func (s *Service) debit(ctx context.Context, req domain.DebitRequest) (*domain.DebitResult, string, error) {
	if req.StoreID == 0 {
		return nil, debitOutcomeError, domain.ErrInvalidStoreID
	}
	if req.Amount <= 0 {
		return nil, debitOutcomeError, domain.ErrInvalidAmount
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return nil, debitOutcomeError, domain.ErrInvalidDescription
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, debitOutcomeError, domain.ErrInvalidIdempotencyKey
	}

	log := s.log.With(
		zap.String("store_id", req.StoreID.String()),
		zap.String("idempotency_key", key),
	)

	usage := domain.CreditUsageRecord{
		ID:             s.genID.Generate(),
		StoreID:        req.StoreID,
		Amount:         req.Amount,
		Description:    description,
		IdempotencyKey: key,
		CreatedAt:      s.clock.Now().UTC(),
	}

	var (
		prior   *domain.CreditUsageRecord
		current int64
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindUsageByKey(ctx, tx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			prior = existing
			return domain.ErrDuplicateCharge
		}

		applied, err := s.repo.DecrementIfSufficient(ctx, tx, req.StoreID, req.Amount)
		if err != nil {
			return err
		}
		balance, err := s.repo.FindBalance(ctx, tx, req.StoreID)
		if err != nil {
			return err
		}
		if balance == nil {
			return domain.ErrNotFound
		}
		current = balance.Balance
		if !applied {
			return domain.ErrInsufficientCredits
		}

		usage.BalanceAfter = balance.Balance
		if err := s.repo.InsertUsage(ctx, tx, &usage); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return domain.ErrDuplicateCharge
			}
			return err
		}
		return nil
	})

	switch {
	case err == nil:
		log.Info("credit.balance.debited",
			zap.Int64("amount", req.Amount),
			zap.Int64("balance", usage.BalanceAfter),
		)
		return &domain.DebitResult{Usage: usage, NewBalance: usage.BalanceAfter}, debitOutcomeApplied, nil

	case errors.Is(err, domain.ErrDuplicateCharge):
		if prior == nil {
			// Lost the insert race; the winner's row is committed now.
			prior, err = s.repo.FindUsageByKey(ctx, s.db, key)
			if err != nil {
				return nil, debitOutcomeError, err
			}
			if prior == nil {
				return nil, debitOutcomeError, domain.ErrDuplicateCharge
			}
		}
		if prior.StoreID != req.StoreID {
			return nil, debitOutcomeError, domain.ErrIdempotencyKeyConflict
		}
		log.Debug("credit.debit.duplicate", zap.String("usage_id", prior.ID.String()))
		return &domain.DebitResult{Usage: *prior, NewBalance: prior.BalanceAfter, Duplicate: true}, debitOutcomeDuplicate, nil

	case errors.Is(err, domain.ErrInsufficientCredits):
		log.Warn("credit.debit.insufficient",
			zap.Int64("amount", req.Amount),
			zap.Int64("balance", current),
		)
		return &domain.DebitResult{NewBalance: current}, debitOutcomeInsufficient, domain.ErrInsufficientCredits

	default:
		return nil, debitOutcomeError, err
	}
}

func (s *Service) Reconcile(ctx context.Context, storeID snowflake.ID) (*domain.Reconciliation, error) {
	if storeID == 0 {
		return nil, domain.ErrInvalidStoreID
	}
	var out *domain.Reconciliation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance, err := s.repo.FindBalance(ctx, tx, storeID)
		if err != nil {
			return err
		}
		if balance == nil {
			return domain.ErrNotFound
		}
		credited, err := s.repo.SumTransactions(ctx, tx, storeID)
		if err != nil {
			return err
		}
		debited, err := s.repo.SumUsage(ctx, tx, storeID)
		if err != nil {
			return err
		}
		expected := credited - debited
		out = &domain.Reconciliation{
			StoreID:  storeID,
			Balance:  balance.Balance,
			Credited: credited,
			Debited:  debited,
			Expected: expected,
			Drift:    balance.Balance - expected,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !out.Consistent() {
		s.log.Error("credit.reconcile.drift",
			zap.String("store_id", storeID.String()),
			zap.Int64("balance", out.Balance),
			zap.Int64("expected", out.Expected),
			zap.Int64("drift", out.Drift),
		)
	}
	return out, nil
}

func (s *Service) ListUsage(ctx context.Context, req domain.ListRequest) (*domain.ListUsageResponse, error) {
	if req.StoreID == 0 {
		return nil, domain.ErrInvalidStoreID
	}
	beforeID, err := cursorID(req.PageToken)
	if err != nil {
		return nil, err
	}
	limit := req.Limit()
	rows, err := s.repo.ListUsage(ctx, s.db, req.StoreID, beforeID, limit+1)
	if err != nil {
		return nil, err
	}
	records, pageInfo, err := pagination.TrimPage(rows, limit, func(r domain.CreditUsageRecord) pagination.Cursor {
		return pagination.Cursor{ID: r.ID.String()}
	})
	if err != nil {
		return nil, err
	}
	return &domain.ListUsageResponse{Records: records, PageInfo: pageInfo}, nil
}

func (s *Service) ListTransactions(ctx context.Context, req domain.ListRequest) (*domain.ListTransactionsResponse, error) {
	if req.StoreID == 0 {
		return nil, domain.ErrInvalidStoreID
	}
	beforeID, err := cursorID(req.PageToken)
	if err != nil {
		return nil, err
	}
	limit := req.Limit()
	rows, err := s.repo.ListTransactions(ctx, s.db, req.StoreID, beforeID, limit+1)
	if err != nil {
		return nil, err
	}
	txns, pageInfo, err := pagination.TrimPage(rows, limit, func(t domain.CreditTransaction) pagination.Cursor {
		return pagination.Cursor{ID: t.ID.String()}
	})
	if err != nil {
		return nil, err
	}
	return &domain.ListTransactionsResponse{Transactions: txns, PageInfo: pageInfo}, nil
}

func cursorID(token string) (snowflake.ID, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return 0, nil
	}
	cursor, err := pagination.DecodeCursor(token)
	if err != nil {
		return 0, domain.ErrInvalidPageToken
	}
	id, err := strconv.ParseInt(cursor.ID, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ErrInvalidPageToken
	}
	return snowflake.ID(id), nil
}

// DailyChargeKey is the idempotency key of a store's daily charge for day (YYYY-MM-DD).
func DailyChargeKey(storeID snowflake.ID, day string) string {
	return "daily_charge:" + storeID.String() + ":" + day
}
