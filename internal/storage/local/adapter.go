// Package local хранит гостевые корзины в локальном key-value хранилище устройства.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// KeyPrefix задаёт префикс адреса гостевой корзины (cart_<sessionId>).
const KeyPrefix = "cart_"

// Adapter реализует LocalAdapter, то есть PersistenceAdapter для ключей Guest поверх KeyValueStore.
type Adapter struct {
	store domain.KeyValueStore
}

// NewAdapter создаёт локальный адаптер.
func NewAdapter(store domain.KeyValueStore) *Adapter {
	return &Adapter{store: store}
}

// Address возвращает ключ хранилища для гостевой корзины.
func Address(key domain.CartKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if !key.IsGuest() {
		return "", fmt.Errorf("%w: local backend serves guest keys only, got %s", domain.ErrInvalidCartKey, key)
	}
	return KeyPrefix + key.ID, nil
}

// Load читает запись корзины; отсутствие записи возвращается как ErrCartNotFound.
func (a *Adapter) Load(ctx context.Context, key domain.CartKey) (domain.CartRecord, error) {
	addr, err := Address(key)
	if err != nil {
		return domain.CartRecord{}, err
	}

	raw, err := a.store.Get(ctx, addr)
	if err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return domain.CartRecord{}, domain.ErrCartNotFound
		}
		return domain.CartRecord{}, fmt.Errorf("local load %s: %w: %w", addr, domain.ErrStorageRead, err)
	}

	var record domain.CartRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return domain.CartRecord{}, fmt.Errorf("local decode %s: %w: %w", addr, domain.ErrStorageRead, err)
	}
	if record.Items == nil {
		record.Items = []domain.CartItem{}
	}
	return record, nil
}

// Save перезаписывает запись корзины целиком.
func (a *Adapter) Save(ctx context.Context, key domain.CartKey, record domain.CartRecord) error {
	addr, err := Address(key)
	if err != nil {
		return err
	}

	if record.Items == nil {
		record.Items = []domain.CartItem{}
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("local encode %s: %w: %w", addr, domain.ErrStorageWrite, err)
	}
	if err := a.store.Set(ctx, addr, raw); err != nil {
		return fmt.Errorf("local save %s: %w: %w", addr, domain.ErrStorageWrite, err)
	}
	return nil
}

// Delete удаляет запись корзины.
func (a *Adapter) Delete(ctx context.Context, key domain.CartKey) error {
	addr, err := Address(key)
	if err != nil {
		return err
	}
	if err := a.store.Delete(ctx, addr); err != nil {
		return fmt.Errorf("local delete %s: %w: %w", addr, domain.ErrStorageWrite, err)
	}
	return nil
}

var _ domain.PersistenceAdapter = (*Adapter)(nil)
