// Package inventory computes how much of a product's on-hand stock is
// already committed by in-progress cart lines.
package inventory

import "farmacia/backend/internal/domain"

// ConversionFactor returns the number of base units one sale unit stands for.
func ConversionFactor(product domain.Product, unit domain.SaleUnit) int {
	if unit == domain.UnitBox && product.UnitsPerBox >= 1 {
		return product.UnitsPerBox
	}
	return 1
}

// ReservedBaseUnits sums quantity × conversion factor over every line that
// references product.
func ReservedBaseUnits(product domain.Product, lines []domain.CartLine) int {
	reserved := 0
	for _, line := range lines {
		if line.ProductID != product.ID {
			continue
		}
		reserved += line.Quantity * ConversionFactor(product, line.Unit)
	}
	return reserved
}

// Available is stock minus reservations, clamped at zero. The stock value is
// a snapshot and may already be exceeded by concurrent external changes.
func Available(product domain.Product, lines []domain.CartLine) int {
	available := product.Stock - ReservedBaseUnits(product, lines)
	if available < 0 {
		return 0
	}
	return available
}

// Fits reports whether lines keep product within its stock. When they do
// not, shortfall is the number of base units missing.
func Fits(product domain.Product, lines []domain.CartLine) (shortfall int, ok bool) {
	reserved := ReservedBaseUnits(product, lines)
	if reserved <= product.Stock {
		return 0, true
	}
	return reserved - product.Stock, false
}
