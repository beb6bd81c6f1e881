package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
	"github.com/vladislavdragonenkov/cartsync/internal/storage/memory"
)

func (e *testEnv) doWithKey(t *testing.T, key string, body any) (*http.Response, []byte) {
	t.Helper()

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, e.server.URL+"/cart/items", bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(idempotencyKeyHeader, key)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestAddItemWithIdempotencyKeyIsAppliedOnce(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	env := newTestEnv(t, WithIdempotency(repo, time.Hour))
	body := map[string]any{"id": "A", "unit_price": "2.00", "quantity": 2}

	resp, first := env.doWithKey(t, "add-1", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(first))
	assert.Empty(t, resp.Header.Get(idempotentReplayedHeader))

	resp, second := env.doWithKey(t, "add-1", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(second))
	assert.Equal(t, "true", resp.Header.Get(idempotentReplayedHeader))
	assert.JSONEq(t, string(first), string(second))

	items := env.coord.Snapshot().Items
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)

	record, err := repo.Get(context.Background(), "add-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, record.Status)
	assert.Equal(t, http.StatusOK, record.HTTPStatus)
}

func TestAddItemWithReusedKeyAndDifferentBody(t *testing.T) {
	env := newTestEnv(t, WithIdempotency(memory.NewIdempotencyRepository(), time.Hour))

	resp, raw := env.doWithKey(t, "add-1", map[string]any{"id": "A", "unit_price": "2.00", "quantity": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))

	resp, raw = env.doWithKey(t, "add-1", map[string]any{"id": "B", "unit_price": "2.00", "quantity": 1})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(raw))
	assert.Len(t, env.coord.Snapshot().Items, 1)
}

func TestAddItemWithoutKeyIsNotDeduplicated(t *testing.T) {
	env := newTestEnv(t, WithIdempotency(memory.NewIdempotencyRepository(), time.Hour))
	body := map[string]any{"id": "A", "unit_price": "2.00", "quantity": 1}

	for range 2 {
		resp, raw := env.do(t, http.MethodPost, "/cart/items", body)
		require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	}

	items := env.coord.Snapshot().Items
	require.Len(t, items, 1)
	assert.Equal(t, 2, items[0].Quantity)
}

func TestAddItemWhileSameKeyIsProcessing(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	env := newTestEnv(t, WithIdempotency(repo, time.Hour))
	body := map[string]any{"id": "A", "unit_price": "2.00", "quantity": 1}

	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, "/cart/items", bytes.NewReader(raw))
	require.NoError(t, err)
	_, err = repo.CreateProcessing(context.Background(), "add-1", requestHash(req, raw), time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	resp, out := env.doWithKey(t, "add-1", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(out))
	assert.Empty(t, env.coord.Snapshot().Items)
}

func TestAddItemFailureCanBeRetriedWithSameKey(t *testing.T) {
	repo := memory.NewIdempotencyRepository()
	env := newTestEnv(t, WithIdempotency(repo, time.Hour))
	body := map[string]any{"id": "A", "unit_price": "2.00", "quantity": 1}

	require.NoError(t, env.coord.Close())
	resp, raw := env.doWithKey(t, "add-1", body)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, string(raw))

	record, err := repo.Get(context.Background(), "add-1")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, record.Status)

	_, err = repo.CreateProcessing(context.Background(), "add-1", record.RequestHash, time.Time{})
	require.NoError(t, err, "failed key must be claimable again")
}

func TestIdempotencyKeyTooLong(t *testing.T) {
	env := newTestEnv(t, WithIdempotency(memory.NewIdempotencyRepository(), time.Hour))

	long := bytes.Repeat([]byte("k"), maxIdempotencyKeyLength+1)
	resp, raw := env.doWithKey(t, string(long), map[string]any{"id": "A", "unit_price": "1", "quantity": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(raw))
}

func TestIdempotencyStoreFailure(t *testing.T) {
	env := newTestEnv(t, WithIdempotency(failingIdempotencyRepo{}, time.Hour))

	resp, raw := env.doWithKey(t, "add-1", map[string]any{"id": "A", "unit_price": "1", "quantity": 1})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode, string(raw))
	assert.Empty(t, env.coord.Snapshot().Items)
}

type failingIdempotencyRepo struct{}

func (failingIdempotencyRepo) CreateProcessing(context.Context, string, string, time.Time) (domain.IdempotencyRecord, error) {
	return domain.IdempotencyRecord{}, errors.New("store down")
}

func (failingIdempotencyRepo) Get(context.Context, string) (domain.IdempotencyRecord, error) {
	return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
}

func (failingIdempotencyRepo) MarkDone(context.Context, string, []byte, int) error { return nil }

func (failingIdempotencyRepo) MarkFailed(context.Context, string, []byte, int) error { return nil }

func (failingIdempotencyRepo) DeleteExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
