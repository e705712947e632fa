package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/storefront/internal/clock"
	"github.com/smallbiznis/storefront/internal/credit/domain"
	"github.com/smallbiznis/storefront/internal/credit/repository"
	"github.com/smallbiznis/storefront/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupCreditService(t *testing.T, balances map[snowflake.ID]int64) (domain.Service, *gorm.DB) {
	t.Helper()

	conn := dbtest.Open(t,
		&domain.CreditBalance{},
		&domain.CreditTransaction{},
		&domain.CreditUsageRecord{},
	)
	for storeID, balance := range balances {
		require.NoError(t, conn.Create(&domain.CreditBalance{
			StoreID:   storeID,
			Balance:   balance,
			UpdatedAt: time.Now().UTC(),
		}).Error)
	}

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    conn,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 0, 5, 0, 0, time.UTC)),
		Repo:  repository.Provide(),
	})
	return svc, conn
}

func countUsage(t *testing.T, conn *gorm.DB, storeID snowflake.ID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, conn.Model(&domain.CreditUsageRecord{}).Where("store_id = ?", storeID).Count(&count).Error)
	return count
}

func TestDebitDecrementsAndRecordsUsage(t *testing.T) {
	storeID := snowflake.ID(101)
	svc, conn := setupCreditService(t, map[snowflake.ID]int64{storeID: 5})

	res, err := svc.Debit(context.Background(), domain.DebitRequest{
		StoreID:        storeID,
		Amount:         2,
		Description:    "daily charge",
		IdempotencyKey: "daily_charge:101:2026-03-01",
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, int64(3), res.NewBalance)
	assert.Equal(t, int64(3), res.Usage.BalanceAfter)
	assert.Equal(t, "daily charge", res.Usage.Description)

	balance, err := svc.GetBalance(context.Background(), storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
	assert.Equal(t, int64(1), countUsage(t, conn, storeID))
}

func TestDebitInsufficientLeavesNoTrace(t *testing.T) {
	storeID := snowflake.ID(102)
	svc, conn := setupCreditService(t, map[snowflake.ID]int64{storeID: 1})

	res, err := svc.Debit(context.Background(), domain.DebitRequest{
		StoreID:        storeID,
		Amount:         2,
		Description:    "daily charge",
		IdempotencyKey: "k-insufficient",
	})
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)
	require.NotNil(t, res)
	assert.Equal(t, int64(1), res.NewBalance)

	balance, err := svc.GetBalance(context.Background(), storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)
	assert.Zero(t, countUsage(t, conn, storeID))
}

func TestDebitIsIdempotentPerKey(t *testing.T) {
	storeID := snowflake.ID(103)
	svc, conn := setupCreditService(t, map[snowflake.ID]int64{storeID: 5})
	req := domain.DebitRequest{
		StoreID:        storeID,
		Amount:         1,
		Description:    "daily charge",
		IdempotencyKey: "daily_charge:103:2026-03-01",
	}

	first, err := svc.Debit(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Debit(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Usage.ID, second.Usage.ID)
	assert.Equal(t, int64(4), second.NewBalance)

	balance, err := svc.GetBalance(context.Background(), storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
	assert.Equal(t, int64(1), countUsage(t, conn, storeID))
}

func TestDebitKeyReusedByOtherStoreConflicts(t *testing.T) {
	svc, _ := setupCreditService(t, map[snowflake.ID]int64{201: 5, 202: 5})

	_, err := svc.Debit(context.Background(), domain.DebitRequest{
		StoreID: 201, Amount: 1, Description: "x", IdempotencyKey: "shared",
	})
	require.NoError(t, err)

	_, err = svc.Debit(context.Background(), domain.DebitRequest{
		StoreID: 202, Amount: 1, Description: "x", IdempotencyKey: "shared",
	})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyConflict)

	balance, err := svc.GetBalance(context.Background(), 202)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
}

func TestDebitValidation(t *testing.T) {
	svc, _ := setupCreditService(t, map[snowflake.ID]int64{301: 5})

	cases := []struct {
		name string
		req  domain.DebitRequest
		want error
	}{
		{"missing store", domain.DebitRequest{Amount: 1, Description: "d", IdempotencyKey: "k"}, domain.ErrInvalidStoreID},
		{"zero amount", domain.DebitRequest{StoreID: 301, Description: "d", IdempotencyKey: "k"}, domain.ErrInvalidAmount},
		{"negative amount", domain.DebitRequest{StoreID: 301, Amount: -1, Description: "d", IdempotencyKey: "k"}, domain.ErrInvalidAmount},
		{"blank description", domain.DebitRequest{StoreID: 301, Amount: 1, Description: "  ", IdempotencyKey: "k"}, domain.ErrInvalidDescription},
		{"blank key", domain.DebitRequest{StoreID: 301, Amount: 1, Description: "d"}, domain.ErrInvalidIdempotencyKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Debit(context.Background(), tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDebitUnknownStore(t *testing.T) {
	svc, _ := setupCreditService(t, nil)

	_, err := svc.Debit(context.Background(), domain.DebitRequest{
		StoreID: 999, Amount: 1, Description: "d", IdempotencyKey: "k",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	storeID := snowflake.ID(104)
	svc, conn := setupCreditService(t, map[snowflake.ID]int64{storeID: 10})

	const workers = 25
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		applied      int
		insufficient int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Debit(context.Background(), domain.DebitRequest{
				StoreID:        storeID,
				Amount:         1,
				Description:    "burst",
				IdempotencyKey: fmt.Sprintf("burst-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				applied++
			case assert.ErrorIs(t, err, domain.ErrInsufficientCredits):
				insufficient++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, applied)
	assert.Equal(t, workers-10, insufficient)

	balance, err := svc.GetBalance(context.Background(), storeID)
	require.NoError(t, err)
	assert.Zero(t, balance)
	assert.Equal(t, int64(10), countUsage(t, conn, storeID))
}

func TestConcurrentDebitsWithSameKeyChargeOnce(t *testing.T) {
	storeID := snowflake.ID(105)
	svc, conn := setupCreditService(t, map[snowflake.ID]int64{storeID: 5})

	const workers = 20
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		applied    int
		duplicates int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Debit(context.Background(), domain.DebitRequest{
				StoreID:        storeID,
				Amount:         1,
				Description:    "daily charge",
				IdempotencyKey: "daily_charge:105:2026-03-01",
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.Duplicate {
				duplicates++
			} else {
				applied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, workers-1, duplicates)

	balance, err := svc.GetBalance(context.Background(), storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
	assert.Equal(t, int64(1), countUsage(t, conn, storeID))
}

func TestCreditIncrementsAndDeduplicates(t *testing.T) {
	storeID := snowflake.ID(105)
	svc, _ := setupCreditService(t, map[snowflake.ID]int64{storeID: 0})

	req := domain.CreditRequest{
		StoreID:        storeID,
		Amount:         30,
		Reference:      "order-77",
		IdempotencyKey: "topup-77",
	}
	first, err := svc.Credit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(30), first.NewBalance)
	assert.Equal(t, domain.TransactionKindPurchase, first.Transaction.Kind)

	second, err := svc.Credit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

	balance, err := svc.GetBalance(context.Background(), storeID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)
}

func TestCreditRejectsUnknownKindAndStore(t *testing.T) {
	svc, _ := setupCreditService(t, map[snowflake.ID]int64{106: 0})

	_, err := svc.Credit(context.Background(), domain.CreditRequest{StoreID: 106, Amount: 1, Kind: "gift"})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	_, err = svc.Credit(context.Background(), domain.CreditRequest{StoreID: 107, Amount: 1})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReconcileMatchesLedger(t *testing.T) {
	storeID := snowflake.ID(108)
	svc, conn := setupCreditService(t, map[snowflake.ID]int64{storeID: 0})
	ctx := context.Background()

	_, err := svc.Credit(ctx, domain.CreditRequest{StoreID: storeID, Amount: 10})
	require.NoError(t, err)
	_, err = svc.Debit(ctx, domain.DebitRequest{StoreID: storeID, Amount: 3, Description: "d", IdempotencyKey: "r-1"})
	require.NoError(t, err)

	rec, err := svc.Reconcile(ctx, storeID)
	require.NoError(t, err)
	assert.True(t, rec.Consistent())
	assert.Equal(t, int64(7), rec.Balance)
	assert.Equal(t, int64(10), rec.Credited)
	assert.Equal(t, int64(3), rec.Debited)

	require.NoError(t, conn.Exec("UPDATE credit_balances SET balance = 9 WHERE store_id = ?", storeID).Error)
	rec, err = svc.Reconcile(ctx, storeID)
	require.NoError(t, err)
	assert.False(t, rec.Consistent())
	assert.Equal(t, int64(2), rec.Drift)
}

func TestListUsagePaginates(t *testing.T) {
	storeID := snowflake.ID(109)
	svc, _ := setupCreditService(t, map[snowflake.ID]int64{storeID: 10})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Debit(ctx, domain.DebitRequest{
			StoreID: storeID, Amount: 1, Description: "d", IdempotencyKey: fmt.Sprintf("p-%d", i),
		})
		require.NoError(t, err)
	}

	var req domain.ListRequest
	req.StoreID = storeID
	req.PageSize = 2

	seen := map[snowflake.ID]struct{}{}
	pages := 0
	for {
		resp, err := svc.ListUsage(ctx, req)
		require.NoError(t, err)
		pages++
		for _, rec := range resp.Records {
			seen[rec.ID] = struct{}{}
		}
		if resp.PageInfo == nil || !resp.PageInfo.HasMore {
			break
		}
		req.PageToken = resp.PageInfo.NextPageToken
	}
	assert.Equal(t, 3, pages)
	assert.Len(t, seen, 5)

	req.PageToken = "not-a-token"
	_, err := svc.ListUsage(ctx, req)
	assert.ErrorIs(t, err, domain.ErrInvalidPageToken)
}
