package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, Pagination{}.Limit())
	assert.Equal(t, 5, Pagination{PageSize: 5}.Limit())
	assert.Equal(t, MaxPageSize, Pagination{PageSize: 10_000}.Limit())
}

func TestTrimPage(t *testing.T) {
	rows := []int{9, 8, 7, 6}
	toCursor := func(v int) Cursor { return Cursor{ID: string(rune('0' + v))} }

	page, info, err := TrimPage(rows, 3, toCursor)
	require.NoError(t, err)
	assert.Equal(t, []int{9, 8, 7}, page)
	assert.True(t, info.HasMore)

	cursor, err := DecodeCursor(info.NextPageToken)
	require.NoError(t, err)
	assert.Equal(t, "7", cursor.ID)

	page, info, err = TrimPage(rows, 4, toCursor)
	require.NoError(t, err)
	assert.Len(t, page, 4)
	assert.False(t, info.HasMore)
	assert.Empty(t, info.NextPageToken)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, err := DecodeCursor("%%%")
	assert.ErrorIs(t, err, ErrInvalidPageToken)
}
