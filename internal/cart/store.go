// Package cart содержит чистый редьюсер состояния корзины.
// Здесь нет ввода-вывода: сохранение и загрузку выполняет координатор синхронизации.
package cart

import (
	"github.com/vladislavdragonenkov/cartsync/internal/domain"
)

// State: упорядоченная последовательность позиций корзины.
type State struct {
	Items []domain.CartItem
}

// Empty возвращает пустое состояние.
func Empty() State {
	return State{Items: []domain.CartItem{}}
}

// Action: мутация состояния корзины.
type Action interface {
	// Name возвращает короткое имя действия для логов и метрик.
	Name() string
}

// Load заменяет состояние целиком (после успешного чтения из хранилища).
type Load struct {
	Items []domain.CartItem
}

// Add добавляет позицию или увеличивает количество существующей.
type Add struct {
	Item     domain.CartItem
	Quantity int
}

// Remove удаляет позицию по ID.
type Remove struct {
	ID string
}

// UpdateQuantity заменяет количество позиции.
type UpdateQuantity struct {
	ID       string
	Quantity int
}

// Clear очищает корзину.
type Clear struct{}

func (Load) Name() string { return "load" }

func (Add) Name() string { return "add" }

func (Remove) Name() string { return "remove" }

func (UpdateQuantity) Name() string { return "update_quantity" }

func (Clear) Name() string { return "clear" }

// Reduce применяет действие к состоянию и возвращает новое состояние.
// Входное состояние не изменяется. Неизвестные и некорректные действия ничего не меняют.
func Reduce(state State, action Action) State {
	switch a := action.(type) {
	case Load:
		return State{Items: domain.CloneItems(a.Items)}
	case Add:
		return add(state, a)
	case Remove:
		return remove(state, a.ID)
	case UpdateQuantity:
		return updateQuantity(state, a)
	case Clear:
		return Empty()
	default:
		return state
	}
}

// ReduceAll последовательно применяет действия.
func ReduceAll(state State, actions ...Action) State {
	for _, action := range actions {
		state = Reduce(state, action)
	}
	return state
}

// Changes сообщает, меняет ли действие состояние в принципе (Load не считается пользовательской мутацией).
func Changes(action Action) bool {
	switch action.(type) {
	case Add, Remove, UpdateQuantity, Clear:
		return true
	default:
		return false
	}
}

func add(state State, a Add) State {
	if a.Item.ID == "" || a.Quantity < 0 {
		return state
	}

	items := domain.CloneItems(state.Items)
	if idx := domain.IndexOf(items, a.Item.ID); idx >= 0 {
		// Количество не ограничивается: остатки склада этот слой не знает.
		items[idx].Quantity += a.Quantity
		return State{Items: items}
	}

	item := domain.CloneItems([]domain.CartItem{a.Item})[0]
	item.Quantity = a.Quantity
	return State{Items: append(items, item)}
}

func remove(state State, id string) State {
	idx := domain.IndexOf(state.Items, id)
	if idx < 0 {
		return state
	}
	items := make([]domain.CartItem, 0, len(state.Items)-1)
	items = append(items, state.Items[:idx]...)
	items = append(items, state.Items[idx+1:]...)
	return State{Items: domain.CloneItems(items)}
}

func updateQuantity(state State, a UpdateQuantity) State {
	if a.Quantity < 0 {
		return state
	}
	idx := domain.IndexOf(state.Items, a.ID)
	if idx < 0 {
		return state
	}
	items := domain.CloneItems(state.Items)
	// Нулевое количество оставляет позицию в корзине.
	items[idx].Quantity = a.Quantity
	return State{Items: items}
}
