// Package merge объединяет гостевую корзину с корзиной аккаунта при входе пользователя.
package merge

import "github.com/vladislavdragonenkov/cartsync/internal/domain"

// Merge возвращает объединённую запись.
//
// nil означает, что записи нет (NotFound). Порядок: сначала позиции аккаунта в их порядке,
// затем гостевые позиции, которых нет в аккаунте. Количество для совпадающих ID суммируется,
// снимок товара и цена берутся из записи аккаунта. Входные записи не изменяются.
func Merge(guest, account *domain.CartRecord) domain.CartRecord {
	var merged []domain.CartItem
	if account != nil {
		merged = domain.CloneItems(account.Items)
	} else {
		merged = []domain.CartItem{}
	}
	if guest == nil {
		return domain.CartRecord{Items: merged}
	}

	for _, item := range domain.CloneItems(guest.Items) {
		if idx := domain.IndexOf(merged, item.ID); idx >= 0 {
			merged[idx].Quantity += item.Quantity
			continue
		}
		merged = append(merged, item)
	}
	return domain.CartRecord{Items: merged}
}
