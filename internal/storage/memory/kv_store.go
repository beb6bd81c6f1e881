// Package memory содержит in-memory реализации хранилищ для локального режима и тестов.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// KVStore: простая in-memory реализация KeyValueStore для локальной разработки и тестов.
type KVStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewKVStore возвращает пустое in-memory хранилище.
func NewKVStore() *KVStore {
	return &KVStore{
		items: make(map[string][]byte),
	}
}

// Get возвращает копию значения или ErrKeyNotFound.
func (s *KVStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.items[key]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return append([]byte(nil), value...), nil
}

// Set сохраняет копию значения, чтобы вызывающий мог переиспользовать буфер.
func (s *KVStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = append([]byte(nil), value...)
	return nil
}

// Delete удаляет значение; отсутствие ключа не ошибка.
func (s *KVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.items, key)
	return nil
}

// Keys возвращает отсортированный список ключей.
func (s *KVStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Ping всегда успешен.
func (s *KVStore) Ping(context.Context) error { return nil }

var _ domain.KeyValueStore = (*KVStore)(nil)
