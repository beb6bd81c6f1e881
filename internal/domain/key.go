package domain

import "fmt"

// KeyKind различает гостевые и аккаунтные корзины.
type KeyKind string

const (
	// KeyKindGuest: корзина анонимной сессии устройства.
	KeyKindGuest KeyKind = "guest"
	// KeyKindAccount: корзина вошедшего пользователя.
	KeyKindAccount KeyKind = "account"
)

// CartKey: размеченное объединение Guest(sessionID) | Account(userID).
// Нулевое значение невалидно и не адресует ни один бэкенд.
type CartKey struct {
	Kind KeyKind
	ID   string
}

// GuestKey строит ключ гостевой корзины.
func GuestKey(sessionID string) CartKey {
	return CartKey{Kind: KeyKindGuest, ID: sessionID}
}

// AccountKey строит ключ корзины аккаунта.
func AccountKey(userID string) CartKey {
	return CartKey{Kind: KeyKindAccount, ID: userID}
}

// IsGuest сообщает, что ключ гостевой.
func (k CartKey) IsGuest() bool { return k.Kind == KeyKindGuest }

// IsAccount сообщает, что ключ принадлежит аккаунту.
func (k CartKey) IsAccount() bool { return k.Kind == KeyKindAccount }

// IsZero сообщает, что ключ ещё не определён.
func (k CartKey) IsZero() bool { return k == CartKey{} }

// Validate проверяет, что ключ относится к известному виду и имеет идентификатор.
func (k CartKey) Validate() error {
	switch k.Kind {
	case KeyKindGuest, KeyKindAccount:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidCartKey, k.Kind)
	}
	if k.ID == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidCartKey, k.Kind)
	}
	return nil
}

func (k CartKey) String() string {
	if k.IsZero() {
		return "none"
	}
	return string(k.Kind) + ":" + k.ID
}
