package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/credit/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindBalance(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (*domain.CreditBalance, error) {
	var rows []domain.CreditBalance
	err := db.WithContext(ctx).Raw(
		`SELECT store_id, balance, updated_at
		 FROM credit_balances
		 WHERE store_id = ?
		 LIMIT 1`,
		storeID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) Increment(ctx context.Context, db *gorm.DB, storeID snowflake.ID, amount int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET balance = balance + ?, updated_at = ?
		 WHERE store_id = ?`,
		amount,
		time.Now().UTC(),
		storeID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// DecrementIfSufficient is the single-row guarded update that keeps balances non-negative
// under concurrent debits: the row lock serializes writers and the predicate is re-checked.
func (r *repo) DecrementIfSufficient(ctx context.Context, db *gorm.DB, storeID snowflake.ID, amount int64) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE credit_balances
		 SET balance = balance - ?, updated_at = ?
		 WHERE store_id = ? AND balance >= ?`,
		amount,
		time.Now().UTC(),
		storeID,
		amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.CreditTransaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_transactions (id, store_id, amount, kind, reference, idempotency_key, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.StoreID,
		txn.Amount,
		string(txn.Kind),
		txn.Reference,
		txn.IdempotencyKey,
		txn.BalanceAfter,
		txn.CreatedAt,
	).Error
}

func (r *repo) InsertUsage(ctx context.Context, db *gorm.DB, usage *domain.CreditUsageRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO credit_usage_records (id, store_id, amount, description, idempotency_key, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		usage.ID,
		usage.StoreID,
		usage.Amount,
		usage.Description,
		usage.IdempotencyKey,
		usage.BalanceAfter,
		usage.CreatedAt,
	).Error
}

func (r *repo) FindUsageByKey(ctx context.Context, db *gorm.DB, key string) (*domain.CreditUsageRecord, error) {
	var rows []domain.CreditUsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, store_id, amount, description, idempotency_key, balance_after, created_at
		 FROM credit_usage_records
		 WHERE idempotency_key = ?
		 LIMIT 1`,
		key,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) FindTransactionByKey(ctx context.Context, db *gorm.DB, key string) (*domain.CreditTransaction, error) {
	var rows []domain.CreditTransaction
	err := db.WithContext(ctx).Raw(
		`SELECT id, store_id, amount, kind, reference, idempotency_key, balance_after, created_at
		 FROM credit_transactions
		 WHERE idempotency_key = ?
		 LIMIT 1`,
		key,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) SumTransactions(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE store_id = ?`,
		storeID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) SumUsage(ctx context.Context, db *gorm.DB, storeID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM credit_usage_records WHERE store_id = ?`,
		storeID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) ListUsage(ctx context.Context, db *gorm.DB, storeID snowflake.ID, beforeID snowflake.ID, limit int) ([]domain.CreditUsageRecord, error) {
	query := db.WithContext(ctx).
		Table("credit_usage_records").
		Where("store_id = ?", storeID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}
	var rows []domain.CreditUsageRecord
	err := query.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, storeID snowflake.ID, beforeID snowflake.ID, limit int) ([]domain.CreditTransaction, error) {
	query := db.WithContext(ctx).
		Table("credit_transactions").
		Where("store_id = ?", storeID)
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}
	var rows []domain.CreditTransaction
	err := query.Order("id DESC").Limit(limit).Find(&rows).Error
	return rows, err
}
