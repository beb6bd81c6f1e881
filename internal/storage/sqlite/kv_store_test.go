package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/session"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/local"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/sqlite"
)

func openStore(t *testing.T, path string) *sqlite.KVStore {
	t.Helper()
	store, err := sqlite.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKVStore_CRUD(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, filepath.Join(t.TempDir(), "device.db"))

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrKeyNotFound)

	require.NoError(t, store.Set(ctx, "k", []byte("v1")))
	require.NoError(t, store.Set(ctx, "k", []byte("v2")))

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), value)

	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, domain.ErrKeyNotFound)

	require.NoError(t, store.Ping(ctx))
}

func TestKVStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.db")

	first, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	sessionID, err := session.NewManager(first).GetOrCreateGuestSessionID(ctx)
	require.NoError(t, err)

	record := domain.CartRecord{Items: []domain.CartItem{{ID: "A", Quantity: 3}}}
	require.NoError(t, local.NewAdapter(first).Save(ctx, domain.GuestKey(sessionID), record))
	require.NoError(t, first.Close())

	second := openStore(t, path)
	again, err := session.NewManager(second).GetOrCreateGuestSessionID(ctx)
	require.NoError(t, err)
	require.Equal(t, sessionID, again)

	loaded, err := local.NewAdapter(second).Load(ctx, domain.GuestKey(sessionID))
	require.NoError(t, err)
	require.Equal(t, 3, loaded.Items[0].Quantity)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), "")
	require.Error(t, err)
}
