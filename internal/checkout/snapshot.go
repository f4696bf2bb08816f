package checkout

import (
	"fmt"

	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/pricing"
)

// Snapshot captures the session so it can be persisted and restored later.
func (s *Session) Snapshot() domain.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := domain.SessionSnapshot{
		ID:                s.id,
		State:             string(s.state),
		Products:          s.cart.Products(),
		Lines:             s.cart.Lines(),
		Details:           s.details,
		PaymentMethod:     s.method,
		CashGiven:         s.cashGiven,
		TransferReference: s.transferRef,
		UsePoints:         s.usePoints,
		OrderID:           s.orderID,
		UpdatedAt:         s.updatedAt,
	}
	if s.zone != nil {
		zone := *s.zone
		snap.Zone = &zone
	}
	if s.coupon != nil {
		coupon := *s.coupon
		snap.Coupon = &coupon
	}
	if s.account != nil {
		account := *s.account
		snap.Account = &account
	}
	return snap
}

// Restore rebuilds a session from a snapshot, re-validating the cart against
// the stored stock snapshot. A session persisted mid-submission comes back in
// PAYMENT; the draft ID equals the session ID, so a retry is idempotent.
func Restore(snap domain.SessionSnapshot, calc *pricing.Calculator, coupons CouponFinder, submitter Submitter) (*Session, error) {
	state := State(snap.State)
	if !state.Valid() {
		return nil, fmt.Errorf("restore session %s: unknown state %q", snap.ID, snap.State)
	}
	if state == StateSubmitting {
		state = StatePayment
	}

	s := NewSession(snap.ID, calc, coupons, submitter)
	if err := s.cart.Restore(snap.Products, snap.Lines); err != nil {
		return nil, fmt.Errorf("restore session %s: %w", snap.ID, err)
	}
	s.state = state
	s.details = snap.Details
	s.method = snap.PaymentMethod
	s.cashGiven = snap.CashGiven
	s.transferRef = snap.TransferReference
	s.orderID = snap.OrderID
	if snap.Zone != nil {
		zone := *snap.Zone
		s.zone = &zone
	}
	if snap.Coupon != nil {
		coupon := *snap.Coupon
		s.coupon = &coupon
	}
	if snap.Account != nil {
		account := *snap.Account
		s.account = &account
	}
	s.usePoints = snap.UsePoints && calc.CanUsePoints(s.account)
	if !snap.UpdatedAt.IsZero() {
		s.updatedAt = snap.UpdatedAt
	}
	return s, nil
}
