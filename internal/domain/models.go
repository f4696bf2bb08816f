package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleUnit string

const (
	UnitLoose SaleUnit = "UNIT"
	UnitBox   SaleUnit = "BOX"
)

func (u SaleUnit) Valid() bool {
	return u == UnitLoose || u == UnitBox
}

type Product struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Category       string              `json:"category,omitempty"`
	Price          decimal.Decimal     `json:"price"`
	BoxPrice       decimal.NullDecimal `json:"box_price"`
	PublicBoxPrice decimal.NullDecimal `json:"public_box_price"`
	UnitsPerBox    int                 `json:"units_per_box,omitempty"`
	Stock          int                 `json:"stock"`
	Active         bool                `json:"active"`
}

// LineKey identifies a cart line. A product sold loose and sold by the box
// yields two distinct keys.
type LineKey struct {
	ProductID string   `json:"product_id"`
	Unit      SaleUnit `json:"unit"`
}

type CartLine struct {
	ProductID string   `json:"product_id"`
	Unit      SaleUnit `json:"unit"`
	Quantity  int      `json:"quantity"`
}

func (l CartLine) Key() LineKey {
	return LineKey{ProductID: l.ProductID, Unit: l.Unit}
}

type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFixed      DiscountType = "FIXED"
)

type Coupon struct {
	Code   string          `json:"code"`
	Type   DiscountType    `json:"type"`
	Value  decimal.Decimal `json:"value"`
	Active bool            `json:"active"`
}

type LoyaltyAccount struct {
	CustomerID string `json:"customer_id"`
	Points     int    `json:"points"`
}

type DeliveryZone struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Fee  decimal.Decimal `json:"fee"`
}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "CASH"
	PaymentTransfer PaymentMethod = "TRANSFER"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentTransfer
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type CustomerDetails struct {
	CustomerID string    `json:"customer_id,omitempty"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone"`
	Address    string    `json:"address"`
	ZoneID     string    `json:"zone_id"`
	Location   *GeoPoint `json:"location,omitempty"`
	Notes      string    `json:"notes,omitempty"`
}

type OrderLine struct {
	ProductID        string          `json:"product_id"`
	Name             string          `json:"name"`
	Unit             SaleUnit        `json:"unit"`
	Quantity         int             `json:"quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	ConversionFactor int             `json:"conversion_factor"`
	BaseUnits        int             `json:"base_units"`
	LineTotal        decimal.Decimal `json:"line_total"`
}

// OrderDraft carries every field an order is constructed from. Monetary
// fields are already rounded to cents.
type OrderDraft struct {
	ID                  string              `json:"id"`
	Customer            CustomerDetails     `json:"customer"`
	Zone                DeliveryZone        `json:"zone"`
	Lines               []OrderLine         `json:"lines"`
	Subtotal            decimal.Decimal     `json:"subtotal"`
	DeliveryFee         decimal.Decimal     `json:"delivery_fee"`
	Discount            decimal.Decimal     `json:"discount"`
	CouponCode          string              `json:"coupon_code,omitempty"`
	PointsRedeemed      bool                `json:"points_redeemed"`
	PointsRedeemedValue decimal.Decimal     `json:"points_redeemed_value"`
	PointsSpent         int                 `json:"points_spent"`
	PointsEarned        int                 `json:"points_earned"`
	Total               decimal.Decimal     `json:"total"`
	PaymentMethod       PaymentMethod       `json:"payment_method"`
	CashGiven           decimal.NullDecimal `json:"cash_given"`
	ChangeDue           decimal.NullDecimal `json:"change_due"`
	TransferReference   string              `json:"transfer_reference,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
}

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderConfirmed OrderStatus = "CONFIRMED"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderCompleted OrderStatus = "COMPLETED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderConfirmed, OrderDelivered, OrderCancelled},
	OrderConfirmed: {OrderDelivered, OrderCompleted, OrderCancelled},
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderConfirmed, OrderDelivered, OrderCancelled, OrderCompleted:
		return true
	default:
		return false
	}
}

func (s OrderStatus) Terminal() bool {
	return s == OrderDelivered || s == OrderCancelled || s == OrderCompleted
}

func CanTransition(from OrderStatus, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	OrderDraft
	Status    OrderStatus `json:"status"`
	UpdatedAt time.Time   `json:"updated_at"`
}

type Actor struct {
	Username string
	Role     string
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserView struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	RoleCashier = "cashier"
	RoleAdmin   = "admin"
)

// RoundMoney rounds to cents. Only call it when a value is displayed or
// persisted.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
