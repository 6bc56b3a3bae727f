package order

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/taskpay/internal/pagination"
)

func seedStandbyOrders(t *testing.T, store Store, n int) []*Order {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	orders := make([]*Order, 0, n)
	for i := 0; i < n; i++ {
		o := &Order{
			ID:          fmt.Sprintf("ord_page_%03d", i),
			TaskID:      "task-1",
			CreatorID:   "0xCreator",
			Status:      StatusStandby,
			GrossAmount: "1000000",
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:   base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, store.Create(context.Background(), o))
		orders = append(orders, o)
	}
	return orders
}

func TestMemoryStoreListByStatusNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	seedStandbyOrders(t, store, 5)

	results, err := store.ListByStatus(context.Background(), StatusStandby, 10)
	require.NoError(t, err)
	require.Len(t, results, 5)
	assert.Equal(t, "ord_page_004", results[0].ID)
	assert.Equal(t, "ord_page_000", results[4].ID)
}

func TestMemoryStoreListByStatusCursor(t *testing.T) {
	store := NewMemoryStore()
	seedStandbyOrders(t, store, 5)
	ctx := context.Background()

	first, err := store.ListByStatus(ctx, StatusStandby, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	cursor := pagination.Encode(first[1].CreatedAt, first[1].ID)
	second, err := store.ListByStatus(ctx, StatusStandby, 2, WithCursor(cursor))
	require.NoError(t, err)
	require.Len(t, second, 2)

	// Pages must not overlap and keep descending order.
	assert.Equal(t, "ord_page_004", first[0].ID)
	assert.Equal(t, "ord_page_003", first[1].ID)
	assert.Equal(t, "ord_page_002", second[0].ID)
	assert.Equal(t, "ord_page_001", second[1].ID)

	cursor = pagination.Encode(second[1].CreatedAt, second[1].ID)
	third, err := store.ListByStatus(ctx, StatusStandby, 2, WithCursor(cursor))
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Equal(t, "ord_page_000", third[0].ID)
}

func TestMemoryStoreListByStatusIgnoresMalformedCursor(t *testing.T) {
	store := NewMemoryStore()
	seedStandbyOrders(t, store, 3)

	results, err := store.ListByStatus(context.Background(), StatusStandby, 10, WithCursor("%%not-a-cursor%%"))
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestMemoryStoreListByStatusCursorTiebreak(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	ts := time.Now().Truncate(time.Second)
	for _, id := range []string{"ord_tie_a", "ord_tie_b", "ord_tie_c"} {
		o := &Order{
			ID:          id,
			TaskID:      "task-1",
			CreatorID:   "0xCreator",
			Status:      StatusStandby,
			GrossAmount: "1000000",
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		require.NoError(t, store.Create(ctx, o))
	}

	first, err := store.ListByStatus(ctx, StatusStandby, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "ord_tie_c", first[0].ID)
	assert.Equal(t, "ord_tie_b", first[1].ID)

	cursor := pagination.Encode(first[1].CreatedAt, first[1].ID)
	rest, err := store.ListByStatus(ctx, StatusStandby, 2, WithCursor(cursor))
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "ord_tie_a", rest[0].ID)
}
