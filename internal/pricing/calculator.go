package pricing

import (
	"github.com/shopspring/decimal"

	"farmacia/backend/internal/domain"
)

type Input struct {
	Subtotal  decimal.Decimal
	Coupon    *domain.Coupon
	Zone      *domain.DeliveryZone
	UsePoints bool
	Account   *domain.LoyaltyAccount
}

// Quote is the full price breakdown of a cart. Values are unrounded.
type Quote struct {
	Subtotal           decimal.Decimal
	Discount           decimal.Decimal
	RedemptionDiscount decimal.Decimal
	RedemptionApplied  bool
	PointsSpent        int
	DeliveryFee        decimal.Decimal
	Total              decimal.Decimal
	CanUsePoints       bool
	PointsEarned       int
	ProjectedBalance   int
	WillReachThreshold bool
}

type Calculator struct {
	rules Rules
}

func NewCalculator(rules Rules) (*Calculator, error) {
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{rules: rules}, nil
}

func (c *Calculator) Rules() Rules {
	return c.rules
}

// CanUsePoints is the redemption gate: only accounts at or above the
// threshold may redeem.
func (c *Calculator) CanUsePoints(account *domain.LoyaltyAccount) bool {
	return account != nil && account.Points >= c.rules.PointsThreshold
}

func (c *Calculator) Compute(in Input) Quote {
	q := Quote{
		Subtotal:           in.Subtotal,
		Discount:           CouponDiscount(in.Coupon, in.Subtotal),
		RedemptionDiscount: decimal.Zero,
		DeliveryFee:        decimal.Zero,
		CanUsePoints:       c.CanUsePoints(in.Account),
	}

	if in.UsePoints && q.CanUsePoints {
		q.RedemptionApplied = true
		q.RedemptionDiscount = c.rules.RedemptionValue
		q.PointsSpent = c.rules.RedemptionCost
	}
	if in.Zone != nil {
		q.DeliveryFee = in.Zone.Fee
	}

	q.Total = in.Subtotal.Sub(q.Discount).Sub(q.RedemptionDiscount).Add(q.DeliveryFee)
	if q.Total.IsNegative() {
		q.Total = decimal.Zero
	}

	q.PointsEarned = c.pointsEarned(in.Subtotal, q)

	points := 0
	if in.Account != nil {
		points = in.Account.Points
	}
	q.ProjectedBalance = points - q.PointsSpent + q.PointsEarned
	q.WillReachThreshold = in.Account != nil && !q.CanUsePoints && points+q.PointsEarned >= c.rules.PointsThreshold

	return q
}

func (c *Calculator) pointsEarned(subtotal decimal.Decimal, q Quote) int {
	basis := subtotal
	if c.rules.EarnBasis == EarnOnNet {
		basis = subtotal.Sub(q.Discount).Sub(q.RedemptionDiscount)
	}
	if !basis.IsPositive() {
		return 0
	}
	return int(basis.Mul(c.rules.EarnRate).Floor().IntPart())
}

// CouponDiscount returns the amount a coupon takes off subtotal. It applies
// to the subtotal only, never to the delivery fee.
func CouponDiscount(coupon *domain.Coupon, subtotal decimal.Decimal) decimal.Decimal {
	if coupon == nil || !coupon.Value.IsPositive() {
		return decimal.Zero
	}
	switch coupon.Type {
	case domain.DiscountPercentage:
		return subtotal.Mul(coupon.Value).Div(decimal.NewFromInt(100))
	case domain.DiscountFixed:
		return coupon.Value
	default:
		return decimal.Zero
	}
}

// ChangeDue is cash given minus total. A negative result means the cash is
// insufficient.
func ChangeDue(cashGiven decimal.Decimal, total decimal.Decimal) decimal.Decimal {
	return cashGiven.Sub(total)
}
