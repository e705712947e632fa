package tenantctx

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type keyType string

const (
	StoreIDKey keyType = "store_id"
)

// WithStoreID marks ctx as serving storeID.
func WithStoreID(ctx context.Context, storeID snowflake.ID) context.Context {
	return context.WithValue(ctx, StoreIDKey, storeID)
}

func StoreID(ctx context.Context) (snowflake.ID, bool) {
	id, ok := ctx.Value(StoreIDKey).(snowflake.ID)
	return id, ok && id != 0
}
