package checkout

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidState       = errors.New("operation not allowed in current checkout state")
	ErrSubmissionInFlight = errors.New("order submission in flight")
)

// ValidationError is a failed transition guard. It never reaches the order
// collaborator. ChangeDue is set when the failure is insufficient cash.
type ValidationError struct {
	Field     string
	Reason    string
	ChangeDue decimal.NullDecimal
}

func (e *ValidationError) Error() string {
	if e.ChangeDue.Valid {
		return fmt.Sprintf("%s: %s (change due %s)", e.Field, e.Reason, e.ChangeDue.Decimal.StringFixed(2))
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// SubmissionError wraps a failure of the order collaborator. The session is
// back in PAYMENT with its cart and inputs intact.
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return "order submission failed: " + e.Err.Error()
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

type CouponReason string

const (
	CouponNotFound       CouponReason = "not_found"
	CouponAlreadyApplied CouponReason = "already_applied"
	CouponInactive       CouponReason = "inactive"
)

type CouponError struct {
	Code   string
	Reason CouponReason
}

func (e *CouponError) Error() string {
	switch e.Reason {
	case CouponAlreadyApplied:
		return fmt.Sprintf("coupon %q: a coupon is already applied", e.Code)
	case CouponInactive:
		return fmt.Sprintf("coupon %q is not active", e.Code)
	default:
		return fmt.Sprintf("coupon %q not found", e.Code)
	}
}

func validation(field string, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}
