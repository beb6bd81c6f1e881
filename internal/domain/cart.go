// Package domain описывает корзину, ключи корзин и порты хранилищ.
package domain

import (
	"github.com/shopspring/decimal"
)

// ProductSnapshot: непрозрачный снимок карточки товара на момент добавления в корзину.
// Корзина не интерпретирует его содержимое, только хранит и возвращает.
type ProductSnapshot map[string]any

// CartItem представляет одну позицию корзины.
type CartItem struct {
	// ID уникален в пределах корзины.
	ID string `json:"id"`
	// Product: снимок товара, как его показал каталог.
	Product ProductSnapshot `json:"product,omitempty"`
	// UnitPrice: цена за единицу на момент добавления.
	UnitPrice decimal.Decimal `json:"unit_price"`
	// Quantity: неотрицательное количество; ноль допустим и не удаляет позицию.
	Quantity int `json:"quantity"`
}

// CartRecord: долговременная форма корзины, которую пишут и читают бэкенды хранения.
type CartRecord struct {
	Items []CartItem `json:"items"`
}

// CloneItems возвращает независимую копию позиций (снимки товаров копируются поверхностно).
func CloneItems(items []CartItem) []CartItem {
	if items == nil {
		return []CartItem{}
	}
	out := make([]CartItem, len(items))
	for i, item := range items {
		out[i] = item
		if item.Product != nil {
			product := make(ProductSnapshot, len(item.Product))
			for k, v := range item.Product {
				product[k] = v
			}
			out[i].Product = product
		}
	}
	return out
}

// IndexOf возвращает индекс позиции с заданным ID или -1.
func IndexOf(items []CartItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

// TotalQuantity суммирует количество по всем позициям.
func (r CartRecord) TotalQuantity() int {
	total := 0
	for _, item := range r.Items {
		total += item.Quantity
	}
	return total
}
