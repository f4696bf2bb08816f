package pricing

import (
	"github.com/shopspring/decimal"

	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/inventory"
)

// Resolution is the price of one sale unit and the base units it stands for.
type Resolution struct {
	UnitPrice        decimal.Decimal
	ConversionFactor int
}

// BoxPriceSource tells which product field a box sale price came from.
type BoxPriceSource string

const (
	BoxPricePublic       BoxPriceSource = "public"
	BoxPriceSupplierCost BoxPriceSource = "supplier_cost"
	BoxPriceNone         BoxPriceSource = "none"
)

// BoxSalePrice applies the box price fallback chain: public box price, then
// supplier box cost, then zero. A BoxPriceSupplierCost result means the
// product is misconfigured and cost price is being shown to customers.
func BoxSalePrice(product domain.Product) (decimal.Decimal, BoxPriceSource) {
	if product.PublicBoxPrice.Valid {
		return product.PublicBoxPrice.Decimal, BoxPricePublic
	}
	if product.BoxPrice.Valid {
		return product.BoxPrice.Decimal, BoxPriceSupplierCost
	}
	return decimal.Zero, BoxPriceNone
}

// ResolvePrice prices one unit of the product in the given sale unit.
func ResolvePrice(product domain.Product, unit domain.SaleUnit) Resolution {
	if unit == domain.UnitBox {
		price, _ := BoxSalePrice(product)
		return Resolution{UnitPrice: price, ConversionFactor: inventory.ConversionFactor(product, unit)}
	}
	return Resolution{UnitPrice: product.Price, ConversionFactor: 1}
}

// HasBoxOption reports whether the product can be sold by the box.
func HasBoxOption(product domain.Product) bool {
	return product.UnitsPerBox > 1
}
