package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// DocumentStore: in-memory хранилище документов корзин, заменяющее удалённый бэкенд в dev и тестах.
type DocumentStore struct {
	mu   sync.RWMutex
	docs map[string]domain.CartRecord
}

// NewDocumentStore возвращает пустое хранилище документов.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs: make(map[string]domain.CartRecord),
	}
}

// Get возвращает копию документа или ErrCartNotFound.
func (s *DocumentStore) Get(_ context.Context, path string) (domain.CartRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.docs[path]
	if !ok {
		return domain.CartRecord{}, domain.ErrCartNotFound
	}
	return domain.CartRecord{Items: domain.CloneItems(record.Items)}, nil
}

// Set перезаписывает документ целиком.
func (s *DocumentStore) Set(_ context.Context, path string, record domain.CartRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	s.docs[path] = domain.CartRecord{Items: domain.CloneItems(record.Items)}
	return nil
}

// Delete удаляет документ; отсутствие документа не ошибка.
func (s *DocumentStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.docs, path)
	return nil
}

// Len возвращает количество документов.
func (s *DocumentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Ping всегда успешен.
func (s *DocumentStore) Ping(context.Context) error { return nil }

var _ domain.DocumentStore = (*DocumentStore)(nil)
