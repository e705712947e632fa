package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	GetBalance(ctx context.Context, storeID snowflake.ID) (int64, error)
	Credit(ctx context.Context, req CreditRequest) (*CreditResult, error)
	Debit(ctx context.Context, req DebitRequest) (*DebitResult, error)
	Reconcile(ctx context.Context, storeID snowflake.ID) (*Reconciliation, error)
	ListUsage(ctx context.Context, req ListRequest) (*ListUsageResponse, error)
	ListTransactions(ctx context.Context, req ListRequest) (*ListTransactionsResponse, error)
}

type Repository interface {
	FindBalance(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (*CreditBalance, error)
	Increment(ctx context.Context, db *gorm.DB, storeID snowflake.ID, amount int64) (bool, error)
	DecrementIfSufficient(ctx context.Context, db *gorm.DB, storeID snowflake.ID, amount int64) (bool, error)
	InsertTransaction(ctx context.Context, db *gorm.DB, txn *CreditTransaction) error
	InsertUsage(ctx context.Context, db *gorm.DB, usage *CreditUsageRecord) error
	FindUsageByKey(ctx context.Context, db *gorm.DB, key string) (*CreditUsageRecord, error)
	FindTransactionByKey(ctx context.Context, db *gorm.DB, key string) (*CreditTransaction, error)
	SumTransactions(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (int64, error)
	SumUsage(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (int64, error)
	ListUsage(ctx context.Context, db *gorm.DB, storeID snowflake.ID, beforeID snowflake.ID, limit int) ([]CreditUsageRecord, error)
	ListTransactions(ctx context.Context, db *gorm.DB, storeID snowflake.ID, beforeID snowflake.ID, limit int) ([]CreditTransaction, error)
}

var (
	ErrInsufficientCredits = errors.New("insufficient_credits")
	// ErrDuplicateCharge signals an idempotency collision inside the ledger.
	// Debit never returns it; callers see DebitResult.Duplicate instead.
	ErrDuplicateCharge        = errors.New("duplicate_charge")
	ErrIdempotencyKeyConflict = errors.New("idempotency_key_conflict")
	ErrNotFound               = errors.New("not_found")
	ErrInvalidStoreID         = errors.New("invalid_store_id")
	ErrInvalidAmount          = errors.New("invalid_amount")
	ErrInvalidDescription     = errors.New("invalid_description")
	ErrInvalidIdempotencyKey  = errors.New("invalid_idempotency_key")
	ErrInvalidKind            = errors.New("invalid_kind")
	ErrInvalidPageToken       = errors.New("invalid_page_token")
)
