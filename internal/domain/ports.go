package domain

import "context"

// PersistenceAdapter: возможность хранения корзины по CartKey.
// Load возвращает ErrCartNotFound, если записи нет, и ErrStorageRead при сбое бэкенда.
type PersistenceAdapter interface {
	Load(ctx context.Context, key CartKey) (CartRecord, error)
	Save(ctx context.Context, key CartKey, record CartRecord) error
	Delete(ctx context.Context, key CartKey) error
}

// KeyValueStore: локальное хранилище устройства.
// Get возвращает ErrKeyNotFound, если значения нет.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// DocumentStore: удалённое хранилище документов корзин, адресуемое путём вида carts/<userId>.
// Get возвращает ErrCartNotFound, если документа нет.
type DocumentStore interface {
	Get(ctx context.Context, path string) (CartRecord, error)
	Set(ctx context.Context, path string, record CartRecord) error
	Delete(ctx context.Context, path string) error
}

// GuestSessions выдаёт долговременный идентификатор анонимной сессии.
type GuestSessions interface {
	GetOrCreateGuestSessionID(ctx context.Context) (string, error)
}

// IdentityProvider сообщает текущее состояние аутентификации и его изменения.
type IdentityProvider interface {
	// Current возвращает текущее состояние.
	Current(ctx context.Context) (AuthState, error)
	// Subscribe возвращает канал изменений и функцию отписки.
	Subscribe() (<-chan AuthState, func())
}

// EventPublisher публикует события корзины наружу; реализация должна быть безопасной для повторов.
type EventPublisher interface {
	Publish(ctx context.Context, event CartEvent) error
}

// Pinger проверяет доступность бэкенда для health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}
