package domain

import (
	"errors"
	"time"
)

// ErrOutboxEntryNotFound: запись outbox уже удалена или не существовала.
var ErrOutboxEntryNotFound = errors.New("outbox entry not found")

// OutboxEntry: событие корзины, ожидающее публикации.
type OutboxEntry struct {
	ID         string
	Event      CartEvent
	EnqueuedAt time.Time
}

// OutboxStats описывает очередь неотправленных событий.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
	Dropped         int64
}

// OutboxRepository хранит события до успешной публикации, сохраняя порядок постановки.
type OutboxRepository interface {
	Enqueue(event CartEvent) (OutboxEntry, error)
	PullPending(limit int) ([]OutboxEntry, error)
	MarkSent(id string) error
	MarkFailed(id string) error
	Stats() (OutboxStats, error)
}
