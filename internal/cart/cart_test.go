package cart

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/inventory"
)

func paracetamol() domain.Product {
	return domain.Product{
		ID:             "P",
		Name:           "Paracetamol 500mg",
		Price:          decimal.RequireFromString("1.00"),
		PublicBoxPrice: decimal.NewNullDecimal(decimal.RequireFromString("9.00")),
		UnitsPerBox:    10,
		Stock:          5,
		Active:         true,
	}
}

func vitaminC() domain.Product {
	return domain.Product{
		ID:             "V",
		Name:           "Vitamina C",
		Price:          decimal.RequireFromString("0.75"),
		BoxPrice:       decimal.NewNullDecimal(decimal.RequireFromString("10.00")),
		PublicBoxPrice: decimal.NewNullDecimal(decimal.RequireFromString("12.50")),
		UnitsPerBox:    20,
		Stock:          45,
		Active:         true,
	}
}

func loose(id string) domain.LineKey { return domain.LineKey{ProductID: id, Unit: domain.UnitLoose} }
func boxed(id string) domain.LineKey { return domain.LineKey{ProductID: id, Unit: domain.UnitBox} }

func TestAddUntilStockExhausted(t *testing.T) {
	c := New()
	p := paracetamol()

	for i := 0; i < 5; i++ {
		require.NoError(t, c.AddOrIncrement(p, domain.UnitLoose))
	}
	assert.Equal(t, 0, c.Available("P"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 5, c.Lines()[0].Quantity)

	err := c.AddOrIncrement(p, domain.UnitLoose)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 6, capErr.Requested)
	assert.Equal(t, 0, capErr.Available)
	assert.Equal(t, 1, capErr.Shortfall)
	assert.Equal(t, 5, c.Lines()[0].Quantity, "rejected add must leave the cart unchanged")
}

func TestSwitchLooseToBoxRejectedWhenBoxesExceedStock(t *testing.T) {
	c := New()
	p := paracetamol()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.AddOrIncrement(p, domain.UnitLoose))
	}

	err := c.SwitchUnit(loose("P"), domain.UnitBox)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 50, capErr.Requested)
	assert.Equal(t, 45, capErr.Shortfall)

	lines := c.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, domain.UnitLoose, lines[0].Unit)
	assert.Equal(t, 5, lines[0].Quantity)
}

func TestSwitchUnitUsesNewFactorAgainstAbsoluteStock(t *testing.T) {
	c := New()
	v := vitaminC()
	require.NoError(t, c.AddOrIncrement(v, domain.UnitLoose))
	require.NoError(t, c.AddOrIncrement(v, domain.UnitLoose))

	require.NoError(t, c.SwitchUnit(loose("V"), domain.UnitBox))
	assert.Equal(t, 40, c.Reserved("V"))
	assert.Equal(t, 5, c.Available("V"))

	require.NoError(t, c.SwitchUnit(boxed("V"), domain.UnitLoose))
	assert.Equal(t, 2, c.Reserved("V"))
}

func TestSwitchUnitMergesIntoExistingLine(t *testing.T) {
	c := New()
	v := vitaminC()
	require.NoError(t, c.AddOrIncrement(v, domain.UnitBox))
	require.NoError(t, c.AddOrIncrement(v, domain.UnitLoose))

	require.NoError(t, c.SwitchUnit(boxed("V"), domain.UnitLoose))
	lines := c.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, domain.UnitLoose, lines[0].Unit)
	assert.Equal(t, 2, lines[0].Quantity)
}

func TestLooseAndBoxLinesCoexist(t *testing.T) {
	c := New()
	v := vitaminC()
	require.NoError(t, c.AddOrIncrement(v, domain.UnitBox))
	require.NoError(t, c.AddOrIncrement(v, domain.UnitLoose))
	require.NoError(t, c.AddOrIncrement(v, domain.UnitLoose))

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 22, c.Reserved("V"))
	assert.True(t, c.Subtotal().Equal(decimal.RequireFromString("14.00")))

	// A second box needs 20 more base units but only 23 remain after 22 reserved.
	require.NoError(t, c.AddOrIncrement(v, domain.UnitBox))
	err := c.AddOrIncrement(v, domain.UnitBox)
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 3, capErr.Available)
}

func TestBoxRejectedWithoutBoxOption(t *testing.T) {
	c := New()
	p := paracetamol()
	p.UnitsPerBox = 1
	assert.ErrorIs(t, c.AddOrIncrement(p, domain.UnitBox), ErrUnitUnavailable)
	assert.True(t, c.IsEmpty())

	require.NoError(t, c.AddOrIncrement(p, domain.UnitLoose))
	assert.ErrorIs(t, c.SwitchUnit(loose("P"), domain.UnitBox), ErrUnitUnavailable)
}

func TestInvalidUnitRejected(t *testing.T) {
	c := New()
	assert.ErrorIs(t, c.AddOrIncrement(paracetamol(), domain.SaleUnit("PALLET")), ErrInvalidUnit)
}

func TestDecrementRemovesLineAtZero(t *testing.T) {
	c := New()
	p := paracetamol()
	require.NoError(t, c.AddOrIncrement(p, domain.UnitLoose))
	require.NoError(t, c.AddOrIncrement(p, domain.UnitLoose))

	require.NoError(t, c.Decrement(loose("P")))
	assert.Equal(t, 1, c.Lines()[0].Quantity)

	require.NoError(t, c.Decrement(loose("P")))
	assert.True(t, c.IsEmpty())
	assert.ErrorIs(t, c.Decrement(loose("P")), ErrLineNotFound)
}

func TestRemove(t *testing.T) {
	c := New()
	require.NoError(t, c.AddOrIncrement(vitaminC(), domain.UnitBox))
	require.NoError(t, c.AddOrIncrement(vitaminC(), domain.UnitLoose))

	require.NoError(t, c.Remove(boxed("V")))
	assert.Equal(t, 1, c.Len())
	assert.ErrorIs(t, c.Remove(boxed("V")), ErrLineNotFound)
}

func TestSubtotalIsOrderIndependent(t *testing.T) {
	a := New()
	require.NoError(t, a.AddOrIncrement(paracetamol(), domain.UnitLoose))
	require.NoError(t, a.AddOrIncrement(vitaminC(), domain.UnitBox))
	require.NoError(t, a.AddOrIncrement(vitaminC(), domain.UnitLoose))

	b := New()
	require.NoError(t, b.AddOrIncrement(vitaminC(), domain.UnitLoose))
	require.NoError(t, b.AddOrIncrement(vitaminC(), domain.UnitBox))
	require.NoError(t, b.AddOrIncrement(paracetamol(), domain.UnitLoose))

	assert.True(t, a.Subtotal().Equal(b.Subtotal()))
	assert.True(t, a.Subtotal().Equal(decimal.RequireFromString("14.25")))
}

func TestLinesReturnsCopy(t *testing.T) {
	c := New()
	require.NoError(t, c.AddOrIncrement(paracetamol(), domain.UnitLoose))
	lines := c.Lines()
	lines[0].Quantity = 99
	assert.Equal(t, 1, c.Lines()[0].Quantity)
}

func TestSnapshotIsKeptAcrossAdds(t *testing.T) {
	c := New()
	p := paracetamol()
	require.NoError(t, c.AddOrIncrement(p, domain.UnitLoose))

	fresher := p
	fresher.Stock = 100
	for i := 0; i < 4; i++ {
		require.NoError(t, c.AddOrIncrement(fresher, domain.UnitLoose))
	}
	var capErr *CapacityError
	require.ErrorAs(t, c.AddOrIncrement(fresher, domain.UnitLoose), &capErr)
}

func TestRefreshProductClampsAvailability(t *testing.T) {
	c := New()
	p := paracetamol()
	for i := 0; i < 4; i++ {
		require.NoError(t, c.AddOrIncrement(p, domain.UnitLoose))
	}

	p.Stock = 2
	assert.True(t, c.RefreshProduct(p))
	assert.Equal(t, 0, c.Available("P"))
	assert.Equal(t, 4, c.Lines()[0].Quantity)

	var capErr *CapacityError
	require.ErrorAs(t, c.AddOrIncrement(p, domain.UnitLoose), &capErr)
	assert.False(t, c.RefreshProduct(vitaminC()))
}

func TestRestoreValidatesLines(t *testing.T) {
	c := New()
	products := []domain.Product{paracetamol(), vitaminC()}

	err := c.Restore(products, []domain.CartLine{
		{ProductID: "P", Unit: domain.UnitLoose, Quantity: 3},
		{ProductID: "V", Unit: domain.UnitBox, Quantity: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 40, c.Reserved("V"))

	err = New().Restore(products, []domain.CartLine{{ProductID: "P", Unit: domain.UnitLoose, Quantity: 1}, {ProductID: "P", Unit: domain.UnitLoose, Quantity: 2}})
	assert.Error(t, err)

	err = New().Restore(products, []domain.CartLine{{ProductID: "X", Unit: domain.UnitLoose, Quantity: 1}})
	assert.ErrorIs(t, err, ErrUnknownProduct)

	err = New().Restore(products, []domain.CartLine{{ProductID: "P", Unit: domain.UnitLoose, Quantity: 0}})
	assert.Error(t, err)
}

func TestRestoreKeepsLinesBeyondRefreshedStock(t *testing.T) {
	c := New()
	p := paracetamol()
	for i := 0; i < 4; i++ {
		require.NoError(t, c.AddOrIncrement(p, domain.UnitLoose))
	}
	p.Stock = 2
	require.True(t, c.RefreshProduct(p))

	restored := New()
	require.NoError(t, restored.Restore(c.Products(), c.Lines()))
	assert.Equal(t, c.Lines(), restored.Lines())
	assert.Equal(t, 0, restored.Available("P"))
	assert.Equal(t, 4, restored.Reserved("P"))

	var capErr *CapacityError
	require.ErrorAs(t, restored.AddOrIncrement(p, domain.UnitLoose), &capErr)
	assert.Equal(t, 4, restored.Lines()[0].Quantity)
	require.NoError(t, restored.Decrement(domain.LineKey{ProductID: "P", Unit: domain.UnitLoose}))
}

func TestReservationInvariantHoldsForRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	products := []domain.Product{paracetamol(), vitaminC()}
	units := []domain.SaleUnit{domain.UnitLoose, domain.UnitBox}

	for run := 0; run < 50; run++ {
		c := New()
		for step := 0; step < 200; step++ {
			p := products[rng.Intn(len(products))]
			unit := units[rng.Intn(len(units))]
			key := domain.LineKey{ProductID: p.ID, Unit: unit}

			var err error
			switch rng.Intn(4) {
			case 0, 1:
				err = c.AddOrIncrement(p, unit)
			case 2:
				err = c.Decrement(key)
			case 3:
				err = c.SwitchUnit(key, units[rng.Intn(len(units))])
			}

			var capErr *CapacityError
			if err != nil && !errors.As(err, &capErr) && !errors.Is(err, ErrLineNotFound) {
				t.Fatalf("run %d step %d: unexpected error %v", run, step, err)
			}
			for _, product := range products {
				reserved := inventory.ReservedBaseUnits(product, c.Lines())
				if reserved > product.Stock {
					t.Fatalf("run %d step %d: reserved %d exceeds stock %d for %s", run, step, reserved, product.Stock, product.ID)
				}
			}
			for _, line := range c.Lines() {
				if line.Quantity < 1 {
					t.Fatalf("run %d step %d: line with quantity %d", run, step, line.Quantity)
				}
			}
		}
	}
}
