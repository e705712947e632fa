package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/pkg/db/pagination"
)

// CreditBalance is the spendable credit of one store.
type CreditBalance struct {
	StoreID   snowflake.ID `json:"store_id" gorm:"primaryKey;autoIncrement:false"`
	Balance   int64        `json:"balance" gorm:"not null;default:0;check:balance >= 0"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditBalance) TableName() string { return "credit_balances" }

type TransactionKind string

const (
	TransactionKindPurchase   TransactionKind = "purchase"
	TransactionKindAdjustment TransactionKind = "adjustment"
)

// CreditTransaction is an append-only increase to a balance.
type CreditTransaction struct {
	ID             snowflake.ID    `json:"id" gorm:"primaryKey"`
	StoreID        snowflake.ID    `json:"store_id" gorm:"not null;index"`
	Amount         int64           `json:"amount" gorm:"not null"`
	Kind           TransactionKind `json:"kind" gorm:"type:text;not null"`
	Reference      string          `json:"reference,omitempty" gorm:"type:text"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" gorm:"type:text;uniqueIndex"`
	BalanceAfter   int64           `json:"balance_after" gorm:"not null"`
	CreatedAt      time.Time       `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// CreditUsageRecord is an append-only decrease to a balance.
type CreditUsageRecord struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	StoreID        snowflake.ID `json:"store_id" gorm:"not null;index"`
	Amount         int64        `json:"amount" gorm:"not null"`
	Description    string       `json:"description" gorm:"type:text;not null"`
	IdempotencyKey string       `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex"`
	BalanceAfter   int64        `json:"balance_after" gorm:"not null"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (CreditUsageRecord) TableName() string { return "credit_usage_records" }

type CreditRequest struct {
	StoreID        snowflake.ID    `json:"-"`
	Amount         int64           `json:"amount"`
	Kind           TransactionKind `json:"kind"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type CreditResult struct {
	Transaction CreditTransaction `json:"transaction"`
	NewBalance  int64             `json:"new_balance"`
	Duplicate   bool              `json:"duplicate"`
}

type DebitRequest struct {
	StoreID        snowflake.ID
	Amount         int64
	Description    string
	IdempotencyKey string
}

// DebitResult carries the usage record written by Debit, or the one a
// previous call with the same idempotency key wrote when Duplicate is set.
type DebitResult struct {
	Usage      CreditUsageRecord `json:"usage"`
	NewBalance int64             `json:"new_balance"`
	Duplicate  bool              `json:"duplicate"`
}

type Reconciliation struct {
	StoreID  snowflake.ID `json:"store_id"`
	Balance  int64        `json:"balance"`
	Credited int64        `json:"credited"`
	Debited  int64        `json:"debited"`
	Expected int64        `json:"expected"`
	Drift    int64        `json:"drift"`
}

func (r Reconciliation) Consistent() bool { return r.Drift == 0 }

type ListRequest struct {
	StoreID snowflake.ID
	pagination.Pagination
}

type ListUsageResponse struct {
	Records  []CreditUsageRecord  `json:"records"`
	PageInfo *pagination.PageInfo `json:"page_info"`
}

type ListTransactionsResponse struct {
	Transactions []CreditTransaction  `json:"transactions"`
	PageInfo     *pagination.PageInfo `json:"page_info"`
}
