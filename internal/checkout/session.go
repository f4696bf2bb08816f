// Package checkout drives a single checkout session from customer details
// through payment to order submission.
//
// A Session owns its cart. Cart mutations are allowed while collecting
// details or payment; payment inputs only in PAYMENT. While the order
// collaborator is being awaited every mutation fails with
// ErrSubmissionInFlight, but read-only queries keep working.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"farmacia/backend/internal/cart"
	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/pricing"
)

type State string

const (
	StateDetails    State = "DETAILS"
	StatePayment    State = "PAYMENT"
	StateSubmitting State = "SUBMITTING"
	StateSubmitted  State = "SUBMITTED"
)

func (s State) Valid() bool {
	switch s {
	case StateDetails, StatePayment, StateSubmitting, StateSubmitted:
		return true
	default:
		return false
	}
}

// CouponFinder looks a coupon up by code, case-insensitively. A nil coupon
// with a nil error means no coupon has that code.
type CouponFinder interface {
	FindCoupon(ctx context.Context, code string) (*domain.Coupon, error)
}

type Submitter interface {
	SubmitOrder(ctx context.Context, draft domain.OrderDraft) (string, error)
}

type Session struct {
	mu sync.RWMutex

	id        string
	state     State
	cart      *cart.Cart
	calc      *pricing.Calculator
	coupons   CouponFinder
	submitter Submitter
	now       func() time.Time

	details     domain.CustomerDetails
	zone        *domain.DeliveryZone
	method      domain.PaymentMethod
	cashGiven   decimal.NullDecimal
	transferRef string
	coupon      *domain.Coupon
	usePoints   bool
	account     *domain.LoyaltyAccount
	orderID     string
	updatedAt   time.Time
}

func NewSession(id string, calc *pricing.Calculator, coupons CouponFinder, submitter Submitter) *Session {
	s := &Session{
		id:        id,
		state:     StateDetails,
		cart:      cart.New(),
		calc:      calc,
		coupons:   coupons,
		submitter: submitter,
		now:       time.Now,
	}
	s.updatedAt = s.now().UTC()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) OrderID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.orderID
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *Session) Lines() []domain.CartLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart.Lines()
}

func (s *Session) Available(productID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart.Available(productID)
}

func (s *Session) AvailableFor(product domain.Product) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cart.AvailableFor(product)
}

func (s *Session) Account() *domain.LoyaltyAccount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.account == nil {
		return nil
	}
	account := *s.account
	return &account
}

// Quote recomputes the price breakdown from current session state.
func (s *Session) Quote() pricing.Quote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.quote()
}

// ChangeDue is only valid for cash payments with cash entered.
func (s *Session) ChangeDue() decimal.NullDecimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changeDue(s.quote())
}

func (s *Session) AddItem(product domain.Product, unit domain.SaleUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cartMutable(); err != nil {
		return err
	}
	if !product.Active {
		return fmt.Errorf("product %s: %w", product.ID, cart.ErrUnitUnavailable)
	}
	if err := s.cart.AddOrIncrement(product, unit); err != nil {
		return err
	}
	s.touch()
	return nil
}

// Increment adds one more sale unit to an existing line.
func (s *Session) Increment(key domain.LineKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cartMutable(); err != nil {
		return err
	}
	product, ok := s.cart.Product(key.ProductID)
	if !ok {
		return cart.ErrLineNotFound
	}
	if err := s.cart.AddOrIncrement(product, key.Unit); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *Session) Decrement(key domain.LineKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cartMutable(); err != nil {
		return err
	}
	if err := s.cart.Decrement(key); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *Session) SwitchUnit(key domain.LineKey, to domain.SaleUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cartMutable(); err != nil {
		return err
	}
	if err := s.cart.SwitchUnit(key, to); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *Session) RemoveLine(key domain.LineKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cartMutable(); err != nil {
		return err
	}
	if err := s.cart.Remove(key); err != nil {
		return err
	}
	s.touch()
	return nil
}

// RefreshProduct replaces the stock snapshot of a product already in the
// cart. It reports false when the product has no line.
func (s *Session) RefreshProduct(product domain.Product) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cartMutable(); err != nil {
		return false, err
	}
	return s.cart.RefreshProduct(product), nil
}

// SetDetails records customer details and the delivery zone. A nil zone
// clears the selection.
func (s *Session) SetDetails(details domain.CustomerDetails, zone *domain.DeliveryZone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StateDetails); err != nil {
		return err
	}
	details.Name = strings.TrimSpace(details.Name)
	details.Phone = strings.TrimSpace(details.Phone)
	details.Address = strings.TrimSpace(details.Address)
	if zone != nil {
		z := *zone
		details.ZoneID = z.ID
		s.zone = &z
	} else {
		details.ZoneID = ""
		s.zone = nil
	}
	if s.account != nil && details.CustomerID == "" {
		details.CustomerID = s.account.CustomerID
	}
	s.details = details
	s.touch()
	return nil
}

// Advance moves DETAILS to PAYMENT once name, phone, address and a delivery
// zone are present.
func (s *Session) Advance() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StateDetails); err != nil {
		return err
	}
	if err := s.validateDetails(); err != nil {
		return err
	}
	s.state = StatePayment
	s.touch()
	return nil
}

// Back returns from PAYMENT to DETAILS. No input is discarded.
func (s *Session) Back() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StatePayment); err != nil {
		return err
	}
	s.state = StateDetails
	s.touch()
	return nil
}

func (s *Session) SetPaymentMethod(method domain.PaymentMethod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StatePayment); err != nil {
		return err
	}
	if !method.Valid() {
		return validation("payment_method", fmt.Sprintf("unsupported method %q", method))
	}
	s.method = method
	s.touch()
	return nil
}

func (s *Session) SetCashGiven(amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StatePayment); err != nil {
		return err
	}
	if amount.IsNegative() {
		return validation("cash_given", "must not be negative")
	}
	s.cashGiven = decimal.NewNullDecimal(amount)
	s.touch()
	return nil
}

func (s *Session) ClearCashGiven() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StatePayment); err != nil {
		return err
	}
	s.cashGiven = decimal.NullDecimal{}
	s.touch()
	return nil
}

func (s *Session) SetTransferReference(ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StatePayment); err != nil {
		return err
	}
	s.transferRef = strings.TrimSpace(ref)
	s.touch()
	return nil
}

// ApplyCoupon looks code up and applies it. Only one coupon may be applied
// at a time; a rejected coupon leaves the session unchanged.
func (s *Session) ApplyCoupon(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StatePayment); err != nil {
		return err
	}
	code = strings.TrimSpace(code)
	if s.coupon != nil {
		return &CouponError{Code: code, Reason: CouponAlreadyApplied}
	}
	if code == "" {
		return &CouponError{Code: code, Reason: CouponNotFound}
	}

	coupon, err := s.coupons.FindCoupon(ctx, code)
	if err != nil {
		return fmt.Errorf("find coupon: %w", err)
	}
	if coupon == nil {
		return &CouponError{Code: code, Reason: CouponNotFound}
	}
	if !coupon.Active {
		return &CouponError{Code: coupon.Code, Reason: CouponInactive}
	}

	applied := *coupon
	s.coupon = &applied
	s.touch()
	return nil
}

func (s *Session) RemoveCoupon() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StatePayment); err != nil {
		return err
	}
	s.coupon = nil
	s.touch()
	return nil
}

// SetLoyaltyAccount attaches the customer's loyalty account, or detaches it
// when account is nil. A redemption flag the new account cannot back is
// dropped.
func (s *Session) SetLoyaltyAccount(account *domain.LoyaltyAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cartMutable(); err != nil {
		return err
	}
	if account == nil {
		s.account = nil
	} else {
		a := *account
		s.account = &a
		if s.details.CustomerID == "" {
			s.details.CustomerID = a.CustomerID
		}
	}
	if !s.calc.CanUsePoints(s.account) {
		s.usePoints = false
	}
	s.touch()
	return nil
}

// SetUsePoints toggles redemption and returns the flag actually in effect.
// Asking to redeem without enough points is a silent no-op.
func (s *Session) SetUsePoints(use bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require(StatePayment); err != nil {
		return s.usePoints, err
	}
	s.usePoints = use && s.calc.CanUsePoints(s.account)
	s.touch()
	return s.usePoints, nil
}

// Submit validates the payment step, hands the order draft to the submitter
// and waits for it. The session lock is not held while waiting.
func (s *Session) Submit(ctx context.Context) (string, error) {
	s.mu.Lock()
	if err := s.require(StatePayment); err != nil {
		s.mu.Unlock()
		return "", err
	}
	draft, err := s.buildDraft()
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.state = StateSubmitting
	s.touch()
	s.mu.Unlock()

	orderID, err := s.submitter.SubmitOrder(ctx, draft)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	if err != nil {
		s.state = StatePayment
		return "", &SubmissionError{Err: err}
	}
	s.state = StateSubmitted
	s.orderID = orderID
	s.cart.Clear()
	return orderID, nil
}

// Draft builds the order draft Submit would send, without changing state.
func (s *Session) Draft() (domain.OrderDraft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildDraft()
}

func (s *Session) View() domain.SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := s.quote()
	lines := s.cart.Lines()
	viewLines := make([]domain.SessionLine, 0, len(lines))
	for _, line := range lines {
		product, _ := s.cart.Product(line.ProductID)
		res := pricing.ResolvePrice(product, line.Unit)
		viewLines = append(viewLines, domain.SessionLine{
			ProductID:        line.ProductID,
			Name:             product.Name,
			Unit:             line.Unit,
			Quantity:         line.Quantity,
			UnitPrice:        domain.RoundMoney(res.UnitPrice),
			ConversionFactor: res.ConversionFactor,
			LineTotal:        domain.RoundMoney(res.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))),
			Available:        s.cart.Available(line.ProductID),
		})
	}

	points := 0
	if s.account != nil {
		points = s.account.Points
	}
	view := domain.SessionView{
		ID:    s.id,
		State: string(s.state),
		Lines: viewLines,
		Totals: domain.SessionTotals{
			Subtotal:           domain.RoundMoney(q.Subtotal),
			Discount:           domain.RoundMoney(q.Discount),
			RedemptionDiscount: domain.RoundMoney(q.RedemptionDiscount),
			DeliveryFee:        domain.RoundMoney(q.DeliveryFee),
			Total:              domain.RoundMoney(q.Total),
			ChangeDue:          roundNull(s.changeDue(q)),
		},
		Loyalty: domain.SessionLoyalty{
			Points:             points,
			CanUsePoints:       q.CanUsePoints,
			UsePoints:          q.RedemptionApplied,
			PointsEarned:       q.PointsEarned,
			ProjectedBalance:   q.ProjectedBalance,
			WillReachThreshold: q.WillReachThreshold,
		},
		Details:           s.details,
		PaymentMethod:     s.method,
		CashGiven:         s.cashGiven,
		TransferReference: s.transferRef,
		OrderID:           s.orderID,
	}
	if s.zone != nil {
		zone := *s.zone
		view.Zone = &zone
	}
	if s.coupon != nil {
		view.CouponCode = s.coupon.Code
	}
	return view
}

func (s *Session) quote() pricing.Quote {
	return s.calc.Compute(pricing.Input{
		Subtotal:  s.cart.Subtotal(),
		Coupon:    s.coupon,
		Zone:      s.zone,
		UsePoints: s.usePoints,
		Account:   s.account,
	})
}

func (s *Session) changeDue(q pricing.Quote) decimal.NullDecimal {
	if s.method != domain.PaymentCash || !s.cashGiven.Valid {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(pricing.ChangeDue(s.cashGiven.Decimal, domain.RoundMoney(q.Total)))
}

func (s *Session) validateDetails() error {
	switch {
	case s.details.Name == "":
		return validation("name", "is required")
	case s.details.Phone == "":
		return validation("phone", "is required")
	case s.details.Address == "":
		return validation("address", "is required")
	case s.zone == nil:
		return validation("zone_id", "a delivery zone must be selected")
	}
	return nil
}

// buildDraft runs the PAYMENT to SUBMITTING guards and assembles the draft.
func (s *Session) buildDraft() (domain.OrderDraft, error) {
	if err := s.validateDetails(); err != nil {
		return domain.OrderDraft{}, err
	}
	if s.cart.IsEmpty() {
		return domain.OrderDraft{}, validation("lines", "cart is empty")
	}
	if !s.method.Valid() {
		return domain.OrderDraft{}, validation("payment_method", "a payment method must be selected")
	}

	q := s.quote()
	total := domain.RoundMoney(q.Total)
	draft := domain.OrderDraft{
		ID:                  s.id,
		Customer:            s.details,
		Zone:                *s.zone,
		Subtotal:            domain.RoundMoney(q.Subtotal),
		DeliveryFee:         domain.RoundMoney(q.DeliveryFee),
		Discount:            domain.RoundMoney(q.Discount),
		PointsRedeemed:      q.RedemptionApplied,
		PointsRedeemedValue: domain.RoundMoney(q.RedemptionDiscount),
		PointsSpent:         q.PointsSpent,
		PointsEarned:        q.PointsEarned,
		Total:               total,
		PaymentMethod:       s.method,
		CreatedAt:           s.now().UTC(),
	}
	if s.coupon != nil {
		draft.CouponCode = s.coupon.Code
	}
	if s.account != nil {
		draft.Customer.CustomerID = s.account.CustomerID
	}

	switch s.method {
	case domain.PaymentCash:
		if !s.cashGiven.Valid {
			return domain.OrderDraft{}, validation("cash_given", "cash amount is required for cash payments")
		}
		change := pricing.ChangeDue(s.cashGiven.Decimal, total)
		if change.IsNegative() {
			return domain.OrderDraft{}, &ValidationError{
				Field:     "cash_given",
				Reason:    "insufficient cash",
				ChangeDue: decimal.NewNullDecimal(domain.RoundMoney(change)),
			}
		}
		draft.CashGiven = decimal.NewNullDecimal(domain.RoundMoney(s.cashGiven.Decimal))
		draft.ChangeDue = decimal.NewNullDecimal(domain.RoundMoney(change))
	case domain.PaymentTransfer:
		draft.TransferReference = s.transferRef
	}

	for _, line := range s.cart.Lines() {
		product, _ := s.cart.Product(line.ProductID)
		res := pricing.ResolvePrice(product, line.Unit)
		draft.Lines = append(draft.Lines, domain.OrderLine{
			ProductID:        line.ProductID,
			Name:             product.Name,
			Unit:             line.Unit,
			Quantity:         line.Quantity,
			UnitPrice:        domain.RoundMoney(res.UnitPrice),
			ConversionFactor: res.ConversionFactor,
			BaseUnits:        line.Quantity * res.ConversionFactor,
			LineTotal:        domain.RoundMoney(res.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))),
		})
	}
	return draft, nil
}

func (s *Session) require(want State) error {
	if s.state == StateSubmitting {
		return ErrSubmissionInFlight
	}
	if s.state != want {
		return fmt.Errorf("%w: session is %s, need %s", ErrInvalidState, s.state, want)
	}
	return nil
}

func (s *Session) cartMutable() error {
	switch s.state {
	case StateDetails, StatePayment:
		return nil
	case StateSubmitting:
		return ErrSubmissionInFlight
	default:
		return fmt.Errorf("%w: session is %s", ErrInvalidState, s.state)
	}
}

func (s *Session) touch() {
	s.updatedAt = s.now().UTC()
}

func roundNull(d decimal.NullDecimal) decimal.NullDecimal {
	if !d.Valid {
		return d
	}
	return decimal.NewNullDecimal(domain.RoundMoney(d.Decimal))
}

// IsUserError reports whether err is one of the recoverable, caller-facing
// errors a session operation returns.
func IsUserError(err error) bool {
	var (
		capErr    *cart.CapacityError
		valErr    *ValidationError
		couponErr *CouponError
	)
	return errors.As(err, &capErr) ||
		errors.As(err, &valErr) ||
		errors.As(err, &couponErr) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrSubmissionInFlight) ||
		errors.Is(err, cart.ErrLineNotFound) ||
		errors.Is(err, cart.ErrUnitUnavailable) ||
		errors.Is(err, cart.ErrInvalidUnit)
}
