package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// EarnBasis selects the amount loyalty points are earned on.
type EarnBasis string

const (
	// EarnOnSubtotal earns on the pre-discount subtotal.
	EarnOnSubtotal EarnBasis = "subtotal"
	// EarnOnNet earns on the subtotal after coupon and redemption discounts.
	EarnOnNet EarnBasis = "net"
)

var ErrInvalidRules = errors.New("invalid pricing rules")

type Rules struct {
	PointsThreshold int
	RedemptionValue decimal.Decimal
	RedemptionCost  int
	EarnRate        decimal.Decimal
	EarnBasis       EarnBasis
}

func DefaultRules() Rules {
	return Rules{
		PointsThreshold: 500,
		RedemptionValue: decimal.NewFromInt(5),
		RedemptionCost:  500,
		EarnRate:        decimal.NewFromInt(1),
		EarnBasis:       EarnOnSubtotal,
	}
}

func (r Rules) Validate() error {
	if r.PointsThreshold < 1 {
		return fmt.Errorf("%w: points threshold must be positive", ErrInvalidRules)
	}
	if r.RedemptionCost < 0 || r.RedemptionCost > r.PointsThreshold {
		return fmt.Errorf("%w: redemption cost must be between 0 and the threshold", ErrInvalidRules)
	}
	if r.RedemptionValue.IsNegative() {
		return fmt.Errorf("%w: redemption value must not be negative", ErrInvalidRules)
	}
	if r.EarnRate.IsNegative() {
		return fmt.Errorf("%w: earn rate must not be negative", ErrInvalidRules)
	}
	if r.EarnBasis != EarnOnSubtotal && r.EarnBasis != EarnOnNet {
		return fmt.Errorf("%w: unknown earn basis %q", ErrInvalidRules, r.EarnBasis)
	}
	return nil
}
