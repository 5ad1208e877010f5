// Package validation содержит функции валидации входных данных вендингового сервера.
package validation

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/shaka-agent/internal/model"
)

// ErrInvalidItem возвращается, если товар не проходит проверку.
var ErrInvalidItem = errors.New("invalid item")

// ErrNoItems возвращается для запроса оплаты без товаров.
var ErrNoItems = errors.New("at least one item is required")

// ValidateItem проверяет код, цену, единицу и количество товара.
func ValidateItem(it model.VendItem) error {
	switch {
	case it.Code < 0:
		return fmt.Errorf("%w: code %d is negative", ErrInvalidItem, it.Code)
	case it.Price < 0 || it.Price > model.MaxItemPrice:
		return fmt.Errorf("%w: price %d out of range 0..%d", ErrInvalidItem, it.Price, model.MaxItemPrice)
	case it.Unit < 0:
		return fmt.Errorf("%w: unit %d must be at least 1", ErrInvalidItem, it.Unit)
	case it.Qty < 0:
		return fmt.Errorf("%w: qty %d must be at least 1", ErrInvalidItem, it.Qty)
	}
	return nil
}

// ValidateItems проверяет список товаров запроса оплаты и возвращает его с подставленными
// единицей и количеством по умолчанию.
func ValidateItems(items []model.VendItem) ([]model.VendItem, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	out := make([]model.VendItem, 0, len(items))
	for i, it := range items {
		if err := ValidateItem(it); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		out = append(out, it.Normalize())
	}
	return out, nil
}
