package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SessionSnapshot is the persisted form of a checkout session. It carries the
// product stock snapshot the cart reserved against.
type SessionSnapshot struct {
	ID                string              `json:"id"`
	State             string              `json:"state"`
	Products          []Product           `json:"products"`
	Lines             []CartLine          `json:"lines"`
	Details           CustomerDetails     `json:"details"`
	Zone              *DeliveryZone       `json:"zone,omitempty"`
	PaymentMethod     PaymentMethod       `json:"payment_method,omitempty"`
	CashGiven         decimal.NullDecimal `json:"cash_given"`
	TransferReference string              `json:"transfer_reference,omitempty"`
	Coupon            *Coupon             `json:"coupon,omitempty"`
	UsePoints         bool                `json:"use_points"`
	Account           *LoyaltyAccount     `json:"account,omitempty"`
	OrderID           string              `json:"order_id,omitempty"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

type SessionLine struct {
	ProductID        string          `json:"product_id"`
	Name             string          `json:"name"`
	Unit             SaleUnit        `json:"unit"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	ConversionFactor int             `json:"conversion_factor"`
	LineTotal        decimal.Decimal `json:"line_total"`
	Available        int             `json:"available"`
}

type SessionTotals struct {
	Subtotal           decimal.Decimal     `json:"subtotal"`
	Discount           decimal.Decimal     `json:"discount"`
	RedemptionDiscount decimal.Decimal     `json:"redemption_discount"`
	DeliveryFee        decimal.Decimal     `json:"delivery_fee"`
	Total              decimal.Decimal     `json:"total"`
	ChangeDue          decimal.NullDecimal `json:"change_due"`
}

type SessionLoyalty struct {
	Points             int  `json:"points"`
	CanUsePoints       bool `json:"can_use_points"`
	UsePoints          bool `json:"use_points"`
	PointsEarned       int  `json:"points_earned"`
	ProjectedBalance   int  `json:"projected_balance"`
	WillReachThreshold bool `json:"will_reach_threshold"`
}

type SessionView struct {
	ID                string              `json:"id"`
	State             string              `json:"state"`
	Lines             []SessionLine       `json:"lines"`
	Totals            SessionTotals       `json:"totals"`
	Loyalty           SessionLoyalty      `json:"loyalty"`
	Details           CustomerDetails     `json:"details"`
	Zone              *DeliveryZone       `json:"zone,omitempty"`
	CouponCode        string              `json:"coupon_code,omitempty"`
	PaymentMethod     PaymentMethod       `json:"payment_method,omitempty"`
	CashGiven         decimal.NullDecimal `json:"cash_given"`
	TransferReference string              `json:"transfer_reference,omitempty"`
	OrderID           string              `json:"order_id,omitempty"`
}

type StartSessionRequest struct {
	CustomerID string `json:"customer_id"`
}

type LineRequest struct {
	ProductID string   `json:"product_id"`
	Unit      SaleUnit `json:"unit"`
}

type SwitchUnitRequest struct {
	ProductID string   `json:"product_id"`
	From      SaleUnit `json:"from"`
	To        SaleUnit `json:"to"`
}

type DetailsRequest struct {
	CustomerDetails
}

type PaymentRequest struct {
	Method            PaymentMethod    `json:"method"`
	CashGiven         *decimal.Decimal `json:"cash_given,omitempty"`
	TransferReference string           `json:"transfer_reference,omitempty"`
}

type CouponRequest struct {
	Code string `json:"code"`
}

type RedemptionRequest struct {
	UsePoints bool `json:"use_points"`
}

type SubmitResponse struct {
	OrderID string      `json:"order_id"`
	Session SessionView `json:"session"`
}

type OrderStatusRequest struct {
	Status OrderStatus `json:"status"`
}

type CatalogItem struct {
	Product      Product         `json:"product"`
	HasBoxOption bool            `json:"has_box_option"`
	BoxSalePrice decimal.Decimal `json:"box_sale_price"`
	BoxPriceFrom string          `json:"box_price_source"`
	Available    int             `json:"available"`
}
