package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/cartsync/internal/health"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/sqlite"
	"github.com/vladislavdragonenkov/cartsync/internal/version"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	return log.NewEntry(logger)
}

func TestNewDependencies_Memory(t *testing.T) {
	ctx := context.Background()
	deps, err := NewDependencies(ctx, DefaultConfig(), testLogger())
	require.NoError(t, err)
	defer deps.Close()

	assert.IsType(t, &memory.KVStore{}, deps.LocalStore)
	assert.IsType(t, &memory.DocumentStore{}, deps.RemoteDocs)
	assert.IsType(t, &memory.IdempotencyRepository{}, deps.Idempotency)
	assert.NotNil(t, deps.Storage)
	assert.NotNil(t, deps.Sessions)
	assert.NotNil(t, deps.Identity)
	assert.NotNil(t, deps.Breaker)
	assert.Nil(t, deps.Tokens, "token auth is off by default")

	guestID, err := deps.Sessions.GetOrCreateGuestSessionID(ctx)
	require.NoError(t, err)

	record := domain.CartRecord{Items: []domain.CartItem{{ID: "sku-1", Quantity: 2}}}
	guest := domain.GuestKey(guestID)
	require.NoError(t, deps.Storage.Save(ctx, guest, record))
	loaded, err := deps.Storage.Load(ctx, guest)
	require.NoError(t, err)
	require.Len(t, loaded.Items, 1)
	assert.Equal(t, "sku-1", loaded.Items[0].ID)
	assert.Equal(t, 2, loaded.Items[0].Quantity)

	account := domain.AccountKey("u-1")
	require.NoError(t, deps.Storage.Save(ctx, account, record))
	_, err = deps.RemoteDocs.Get(ctx, "carts/u-1")
	assert.NoError(t, err, "account carts go through the remote document store")
}

func TestNewDependencies_SQLitePersistsSession(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.LocalDriver = LocalDriverSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "cart.db")

	deps, err := NewDependencies(ctx, cfg, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &sqlite.KVStore{}, deps.LocalStore)

	first, err := deps.Sessions.GetOrCreateGuestSessionID(ctx)
	require.NoError(t, err)
	require.NoError(t, deps.Close())

	reopened, err := NewDependencies(ctx, cfg, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	second, err := reopened.Sessions.GetOrCreateGuestSessionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "guest session id survives restart")
}

func TestNewDependencies_UnsupportedDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RemoteDriver = "dynamo"

	deps, err := NewDependencies(context.Background(), cfg, testLogger())
	assert.Error(t, err)
	assert.Nil(t, deps)
}

func TestRegisterCheckers(t *testing.T) {
	deps, err := NewDependencies(context.Background(), DefaultConfig(), testLogger())
	require.NoError(t, err)
	defer deps.Close()

	handler := healthcheck.NewHandler(version.GetVersion())
	deps.RegisterCheckers(handler)

	response := handler.Evaluate(context.Background())
	assert.Equal(t, healthcheck.StatusHealthy, response.Status)
	assert.Contains(t, response.Checks, "local_storage")
	assert.Contains(t, response.Checks, "remote_storage")
	assert.Contains(t, response.Checks, "remote_breaker")
}

func TestRegisterCheckers_OpenBreakerDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerMaxFailures = 1
	cfg.BreakerResetTimeout = time.Hour

	deps, err := NewDependencies(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer deps.Close()

	_ = deps.Breaker.Execute("save", func() error { return domain.ErrStorageWrite }, func(error) bool { return true })

	handler := healthcheck.NewHandler(version.GetVersion())
	deps.RegisterCheckers(handler)

	response := handler.Evaluate(context.Background())
	assert.Equal(t, healthcheck.StatusDegraded, response.Status)
	assert.Equal(t, healthcheck.StatusDegraded, response.Checks["remote_breaker"].Status)
}

func TestDependenciesClose_NilSafe(t *testing.T) {
	var deps *Dependencies
	assert.NoError(t, deps.Close())
}
