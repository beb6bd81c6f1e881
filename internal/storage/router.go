// Package storage выбирает бэкенд хранения корзины по виду CartKey.
package storage

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// Router направляет ключи Guest в локальный адаптер, а ключи Account: в удалённый.
// Выбор бэкенда: тотальная функция от одного значения CartKey.
type Router struct {
	guest   domain.PersistenceAdapter
	account domain.PersistenceAdapter
}

// NewRouter создаёт маршрутизатор адаптеров.
func NewRouter(guest, account domain.PersistenceAdapter) *Router {
	return &Router{guest: guest, account: account}
}

// Backend возвращает имя бэкенда для ключа (для логов и метрик).
func Backend(key domain.CartKey) string {
	switch key.Kind {
	case domain.KeyKindGuest:
		return "local"
	case domain.KeyKindAccount:
		return "remote"
	default:
		return "unknown"
	}
}

func (r *Router) pick(key domain.CartKey) (domain.PersistenceAdapter, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var adapter domain.PersistenceAdapter
	if key.IsGuest() {
		adapter = r.guest
	} else {
		adapter = r.account
	}
	if adapter == nil {
		return nil, fmt.Errorf("%w: no %s backend configured", domain.ErrInvalidCartKey, Backend(key))
	}
	return adapter, nil
}

// Load делегирует чтение выбранному адаптеру.
func (r *Router) Load(ctx context.Context, key domain.CartKey) (domain.CartRecord, error) {
	adapter, err := r.pick(key)
	if err != nil {
		return domain.CartRecord{}, err
	}
	return adapter.Load(ctx, key)
}

// Save делегирует запись выбранному адаптеру.
func (r *Router) Save(ctx context.Context, key domain.CartKey, record domain.CartRecord) error {
	adapter, err := r.pick(key)
	if err != nil {
		return err
	}
	return adapter.Save(ctx, key, record)
}

// Delete делегирует удаление выбранному адаптеру.
func (r *Router) Delete(ctx context.Context, key domain.CartKey) error {
	adapter, err := r.pick(key)
	if err != nil {
		return err
	}
	return adapter.Delete(ctx, key)
}

var _ domain.PersistenceAdapter = (*Router)(nil)
