package tenantctx

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
)

func TestStoreID(t *testing.T) {
	_, ok := StoreID(context.Background())
	assert.False(t, ok)

	id, ok := StoreID(WithStoreID(context.Background(), snowflake.ID(42)))
	assert.True(t, ok)
	assert.Equal(t, snowflake.ID(42), id)

	_, ok = StoreID(WithStoreID(context.Background(), 0))
	assert.False(t, ok)
}
