package domain

import "time"

// CartEventType задаёт тип события корзины.
type CartEventType string

const (
	// CartEventMerged: гостевая корзина влита в корзину аккаунта.
	CartEventMerged CartEventType = "cart.merged"
	// CartEventMergeFailed: слияние не удалось, гостевая запись сохранена.
	CartEventMergeFailed CartEventType = "cart.merge_failed"
	// CartEventIdentityChanged: активный ключ корзины сменился.
	CartEventIdentityChanged CartEventType = "cart.identity_changed"
	// CartEventUpdated: корзина аккаунта сохранена в удалённое хранилище.
	CartEventUpdated CartEventType = "cart.updated"
)

// CartEvent описывает событие синхронизации корзины.
type CartEvent struct {
	Type        CartEventType
	Key         CartKey
	PreviousKey CartKey
	ItemCount   int
	Reason      string
	OccurredAt  time.Time
}
