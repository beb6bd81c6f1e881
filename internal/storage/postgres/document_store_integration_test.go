package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/remote"
)

func TestDocumentStore_PostgresRoundTrip(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	docs := NewDocumentStore(store)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := docs.Get(ctx, "carts/u-1")
	require.ErrorIs(t, err, domain.ErrCartNotFound)

	first := domain.CartRecord{Items: []domain.CartItem{
		{ID: "C", UnitPrice: decimal.RequireFromString("3.10"), Quantity: 1},
		{ID: "A", Product: domain.ProductSnapshot{"title": "Mug"}, UnitPrice: decimal.RequireFromString("12.00"), Quantity: 2},
	}}
	require.NoError(t, docs.Set(ctx, "carts/u-1", first))

	got, err := docs.Get(ctx, "carts/u-1")
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	require.Equal(t, "C", got.Items[0].ID)
	require.Equal(t, "A", got.Items[1].ID)
	require.Equal(t, "Mug", got.Items[1].Product["title"])
	require.True(t, got.Items[0].UnitPrice.Equal(decimal.RequireFromString("3.1")))

	require.NoError(t, docs.Set(ctx, "carts/u-1", domain.CartRecord{}))
	got, err = docs.Get(ctx, "carts/u-1")
	require.NoError(t, err)
	require.Empty(t, got.Items)

	revision, err := docs.Revision(ctx, "carts/u-1")
	require.NoError(t, err)
	require.Equal(t, int64(2), revision)

	require.NoError(t, docs.Delete(ctx, "carts/u-1"))
	require.NoError(t, docs.Delete(ctx, "carts/u-1"))
	_, err = docs.Get(ctx, "carts/u-1")
	require.ErrorIs(t, err, domain.ErrCartNotFound)
}

func TestDocumentStore_PostgresThroughRemoteAdapter(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	adapter := remote.NewAdapter(NewDocumentStore(store))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := domain.AccountKey("u-2")
	_, err := adapter.Load(ctx, key)
	require.True(t, domain.IsNotFound(err))

	require.NoError(t, adapter.Save(ctx, key, domain.CartRecord{Items: []domain.CartItem{{ID: "B", Quantity: 4}}}))
	loaded, err := adapter.Load(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 4, loaded.Items[0].Quantity)
}
