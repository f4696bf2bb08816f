// Package cart owns the lines of a checkout session and enforces that no
// mutation reserves more base units of a product than its stock snapshot.
package cart

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/inventory"
	"farmacia/backend/internal/pricing"
)

var (
	ErrLineNotFound    = errors.New("cart line not found")
	ErrUnitUnavailable = errors.New("sale unit not offered for product")
	ErrInvalidUnit     = errors.New("invalid sale unit")
	ErrUnknownProduct  = errors.New("product not in cart snapshot")
)

// CapacityError reports a mutation rejected because it would reserve more
// base units than the product has in stock. All counts are base units.
type CapacityError struct {
	ProductID string
	Unit      domain.SaleUnit
	Requested int
	Available int
	Shortfall int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient stock for %s (%s): requested %d base units, %d available, short by %d",
		e.ProductID, e.Unit, e.Requested, e.Available, e.Shortfall)
}

type Cart struct {
	lines    []domain.CartLine
	products map[string]domain.Product
}

func New() *Cart {
	return &Cart{products: make(map[string]domain.Product)}
}

// AddOrIncrement adds one sale unit of product. The stock snapshot recorded
// the first time a product enters the cart is kept for later mutations.
func (c *Cart) AddOrIncrement(product domain.Product, unit domain.SaleUnit) error {
	if !unit.Valid() {
		return ErrInvalidUnit
	}
	snapshot, ok := c.products[product.ID]
	if !ok {
		snapshot = product
	}
	if unit == domain.UnitBox && !pricing.HasBoxOption(snapshot) {
		return ErrUnitUnavailable
	}

	key := domain.LineKey{ProductID: snapshot.ID, Unit: unit}
	candidate := c.cloneLines()
	if idx := indexOf(candidate, key); idx >= 0 {
		candidate[idx].Quantity++
	} else {
		candidate = append(candidate, domain.CartLine{ProductID: snapshot.ID, Unit: unit, Quantity: 1})
	}

	if err := c.check(snapshot, unit, candidate); err != nil {
		return err
	}

	c.products[snapshot.ID] = snapshot
	c.lines = candidate
	return nil
}

// SwitchUnit moves a line to another sale unit. Demand is re-validated with
// the new conversion factor against absolute stock. If a line for the target
// unit already exists the quantities merge.
func (c *Cart) SwitchUnit(key domain.LineKey, to domain.SaleUnit) error {
	if !to.Valid() {
		return ErrInvalidUnit
	}
	idx := indexOf(c.lines, key)
	if idx < 0 {
		return ErrLineNotFound
	}
	if key.Unit == to {
		return nil
	}
	snapshot := c.products[key.ProductID]
	if to == domain.UnitBox && !pricing.HasBoxOption(snapshot) {
		return ErrUnitUnavailable
	}

	candidate := c.cloneLines()
	qty := candidate[idx].Quantity
	target := domain.LineKey{ProductID: key.ProductID, Unit: to}
	if existing := indexOf(candidate, target); existing >= 0 {
		candidate[existing].Quantity += qty
		candidate = append(candidate[:idx], candidate[idx+1:]...)
	} else {
		candidate[idx].Unit = to
	}

	if err := c.check(snapshot, to, candidate); err != nil {
		return err
	}
	c.lines = candidate
	return nil
}

// Decrement removes one sale unit; a line reaching zero is removed.
func (c *Cart) Decrement(key domain.LineKey) error {
	idx := indexOf(c.lines, key)
	if idx < 0 {
		return ErrLineNotFound
	}
	if c.lines[idx].Quantity <= 1 {
		c.removeAt(idx)
		return nil
	}
	c.lines[idx].Quantity--
	return nil
}

func (c *Cart) Remove(key domain.LineKey) error {
	idx := indexOf(c.lines, key)
	if idx < 0 {
		return ErrLineNotFound
	}
	c.removeAt(idx)
	return nil
}

// Subtotal is unrounded; round only when displaying or persisting.
func (c *Cart) Subtotal() decimal.Decimal {
	total := decimal.Zero
	for _, line := range c.lines {
		res := pricing.ResolvePrice(c.products[line.ProductID], line.Unit)
		total = total.Add(res.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

func (c *Cart) Reserved(productID string) int {
	product, ok := c.products[productID]
	if !ok {
		return 0
	}
	return inventory.ReservedBaseUnits(product, c.lines)
}

func (c *Cart) Available(productID string) int {
	product, ok := c.products[productID]
	if !ok {
		return 0
	}
	return inventory.Available(product, c.lines)
}

// AvailableFor reports availability of a product that may not be in the
// cart yet.
func (c *Cart) AvailableFor(product domain.Product) int {
	if snapshot, ok := c.products[product.ID]; ok {
		return inventory.Available(snapshot, c.lines)
	}
	return inventory.Available(product, nil)
}

func (c *Cart) Product(productID string) (domain.Product, bool) {
	product, ok := c.products[productID]
	return product, ok
}

// Products returns the stock snapshot of every product with a line, in line
// order.
func (c *Cart) Products() []domain.Product {
	seen := make(map[string]struct{}, len(c.products))
	products := make([]domain.Product, 0, len(c.products))
	for _, line := range c.lines {
		if _, dup := seen[line.ProductID]; dup {
			continue
		}
		seen[line.ProductID] = struct{}{}
		products = append(products, c.products[line.ProductID])
	}
	return products
}

func (c *Cart) Lines() []domain.CartLine {
	return c.cloneLines()
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

func (c *Cart) Clear() {
	c.lines = nil
	c.products = make(map[string]domain.Product)
}

// RefreshProduct replaces the stock snapshot of a product already in the
// cart. Existing lines are kept even when the new stock no longer covers
// them; Available clamps at zero and further additions are rejected.
func (c *Cart) RefreshProduct(product domain.Product) bool {
	if _, ok := c.products[product.ID]; !ok {
		return false
	}
	c.products[product.ID] = product
	return true
}

// Restore replaces the cart contents with persisted lines, validating unit,
// quantity and box option of every line against the given product snapshots.
func (c *Cart) Restore(products []domain.Product, lines []domain.CartLine) error {
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	restored := make([]domain.CartLine, 0, len(lines))
	for _, line := range lines {
		if !line.Unit.Valid() {
			return ErrInvalidUnit
		}
		if line.Quantity < 1 {
			return fmt.Errorf("restore %s: quantity %d", line.ProductID, line.Quantity)
		}
		product, ok := byID[line.ProductID]
		if !ok {
			return fmt.Errorf("restore %s: %w", line.ProductID, ErrUnknownProduct)
		}
		if line.Unit == domain.UnitBox && !pricing.HasBoxOption(product) {
			return fmt.Errorf("restore %s: %w", line.ProductID, ErrUnitUnavailable)
		}
		if indexOf(restored, line.Key()) >= 0 {
			return fmt.Errorf("restore %s: duplicate %s line", line.ProductID, line.Unit)
		}
		restored = append(restored, line)
	}

	// Stock is not re-checked: a refreshed snapshot may no longer cover its
	// lines, and Available clamps exactly as it did before persisting.
	kept := make(map[string]domain.Product, len(byID))
	for _, line := range restored {
		kept[line.ProductID] = byID[line.ProductID]
	}

	c.lines = restored
	c.products = kept
	return nil
}

func (c *Cart) check(product domain.Product, unit domain.SaleUnit, candidate []domain.CartLine) error {
	shortfall, ok := inventory.Fits(product, candidate)
	if ok {
		return nil
	}
	return &CapacityError{
		ProductID: product.ID,
		Unit:      unit,
		Requested: inventory.ReservedBaseUnits(product, candidate),
		Available: inventory.Available(product, c.lines),
		Shortfall: shortfall,
	}
}

func (c *Cart) removeAt(idx int) {
	productID := c.lines[idx].ProductID
	c.lines = append(c.lines[:idx], c.lines[idx+1:]...)
	for _, line := range c.lines {
		if line.ProductID == productID {
			return
		}
	}
	delete(c.products, productID)
}

func (c *Cart) cloneLines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func indexOf(lines []domain.CartLine, key domain.LineKey) int {
	for i, line := range lines {
		if line.Key() == key {
			return i
		}
	}
	return -1
}
