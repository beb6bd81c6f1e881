// Package remote хранит корзины аккаунтов в удалённом хранилище документов.
package remote

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// Collection задаёт коллекцию документов корзин (carts/<userId>).
const Collection = "carts"

// Adapter реализует RemoteAdapter, то есть PersistenceAdapter для ключей Account поверх DocumentStore.
type Adapter struct {
	docs domain.DocumentStore
}

// NewAdapter создаёт удалённый адаптер.
func NewAdapter(docs domain.DocumentStore) *Adapter {
	return &Adapter{docs: docs}
}

// DocumentPath возвращает путь документа корзины аккаунта.
func DocumentPath(key domain.CartKey) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if !key.IsAccount() {
		return "", fmt.Errorf("%w: remote backend serves account keys only, got %s", domain.ErrInvalidCartKey, key)
	}
	return Collection + "/" + key.ID, nil
}

// Load читает документ корзины; отсутствие документа: ErrCartNotFound.
func (a *Adapter) Load(ctx context.Context, key domain.CartKey) (domain.CartRecord, error) {
	path, err := DocumentPath(key)
	if err != nil {
		return domain.CartRecord{}, err
	}

	record, err := a.docs.Get(ctx, path)
	if err != nil {
		if domain.IsNotFound(err) {
			return domain.CartRecord{}, domain.ErrCartNotFound
		}
		return domain.CartRecord{}, fmt.Errorf("remote load %s: %w: %w", path, domain.ErrStorageRead, err)
	}
	if record.Items == nil {
		record.Items = []domain.CartItem{}
	}
	return record, nil
}

// Save перезаписывает документ корзины целиком (last-write-wins между устройствами).
func (a *Adapter) Save(ctx context.Context, key domain.CartKey, record domain.CartRecord) error {
	path, err := DocumentPath(key)
	if err != nil {
		return err
	}
	if record.Items == nil {
		record.Items = []domain.CartItem{}
	}
	if err := a.docs.Set(ctx, path, record); err != nil {
		return fmt.Errorf("remote save %s: %w: %w", path, domain.ErrStorageWrite, err)
	}
	return nil
}

// Delete удаляет документ корзины.
func (a *Adapter) Delete(ctx context.Context, key domain.CartKey) error {
	path, err := DocumentPath(key)
	if err != nil {
		return err
	}
	if err := a.docs.Delete(ctx, path); err != nil {
		return fmt.Errorf("remote delete %s: %w: %w", path, domain.ErrStorageWrite, err)
	}
	return nil
}

var _ domain.PersistenceAdapter = (*Adapter)(nil)
