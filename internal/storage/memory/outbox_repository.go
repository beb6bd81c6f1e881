package memory

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

const defaultOutboxCapacity = 1024

// OutboxRepository: in-memory очередь событий корзины в порядке постановки.
// При переполнении вытесняется самое старое событие: свежие подсказки
// об изменении корзины ценнее устаревших.
type OutboxRepository struct {
	mu       sync.Mutex
	capacity int
	pending  []domain.OutboxEntry
	dropped  int64
	now      func() time.Time
}

// NewOutboxRepository создаёт очередь; capacity <= 0 означает значение по умолчанию.
func NewOutboxRepository(capacity int) *OutboxRepository {
	if capacity <= 0 {
		capacity = defaultOutboxCapacity
	}
	return &OutboxRepository{capacity: capacity, now: time.Now}
}

// Enqueue ставит событие в конец очереди.
func (r *OutboxRepository) Enqueue(event domain.CartEvent) (domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := domain.OutboxEntry{
		ID:         uuid.NewString(),
		Event:      event,
		EnqueuedAt: r.now().UTC(),
	}
	if len(r.pending) >= r.capacity {
		r.pending = r.pending[1:]
		r.dropped++
	}
	r.pending = append(r.pending, entry)
	return entry, nil
}

// PullPending возвращает до limit самых старых событий, не удаляя их из очереди.
func (r *OutboxRepository) PullPending(limit int) ([]domain.OutboxEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.pending) {
		limit = len(r.pending)
	}
	return append([]domain.OutboxEntry(nil), r.pending[:limit]...), nil
}

// MarkSent удаляет опубликованное событие.
func (r *OutboxRepository) MarkSent(id string) error {
	return r.remove(id)
}

// MarkFailed удаляет событие, которое не удалось опубликовать за все попытки.
func (r *OutboxRepository) MarkFailed(id string) error {
	return r.remove(id)
}

func (r *OutboxRepository) remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, entry := range r.pending {
		if entry.ID == id {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return nil
		}
	}
	return domain.ErrOutboxEntryNotFound
}

// Stats возвращает размер очереди и время постановки самого старого события.
func (r *OutboxRepository) Stats() (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := domain.OutboxStats{PendingCount: len(r.pending), Dropped: r.dropped}
	if len(r.pending) > 0 {
		stats.OldestPendingAt = r.pending[0].EnqueuedAt
	}
	return stats, nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
