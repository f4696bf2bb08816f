package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"farmacia/backend/internal/cart"
	"farmacia/backend/internal/checkout"
	"farmacia/backend/internal/service"
	"farmacia/backend/internal/store"
)

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Field     string `json:"field,omitempty"`
	ChangeDue string `json:"change_due,omitempty"`
	ProductID string `json:"product_id,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available *int   `json:"available,omitempty"`
	Shortfall int    `json:"shortfall,omitempty"`
}

// classify maps an engine or store error to a status and a body. The
// second return is false for errors the caller cannot act on.
func classify(err error) (int, errorBody, bool) {
	body := errorBody{Error: err.Error()}

	var (
		capErr    *cart.CapacityError
		valErr    *checkout.ValidationError
		couponErr *checkout.CouponError
		subErr    *checkout.SubmissionError
	)
	switch {
	case errors.As(err, &capErr):
		available := capErr.Available
		body.Code = "insufficient_stock"
		body.ProductID = capErr.ProductID
		body.Requested = capErr.Requested
		body.Available = &available
		body.Shortfall = capErr.Shortfall
		return http.StatusConflict, body, true
	case errors.As(err, &valErr):
		body.Code = "validation_failed"
		body.Field = valErr.Field
		if valErr.ChangeDue.Valid {
			body.ChangeDue = valErr.ChangeDue.Decimal.StringFixed(2)
		}
		return http.StatusUnprocessableEntity, body, true
	case errors.As(err, &couponErr):
		body.Code = "coupon_" + string(couponErr.Reason)
		switch couponErr.Reason {
		case checkout.CouponNotFound:
			return http.StatusNotFound, body, true
		case checkout.CouponAlreadyApplied:
			return http.StatusConflict, body, true
		default:
			return http.StatusUnprocessableEntity, body, true
		}
	case errors.As(err, &subErr):
		return classifySubmission(subErr, body)
	case errors.Is(err, checkout.ErrSubmissionInFlight):
		body.Code = "submission_in_flight"
		return http.StatusConflict, body, true
	case errors.Is(err, checkout.ErrInvalidState):
		body.Code = "invalid_state"
		return http.StatusConflict, body, true
	case errors.Is(err, cart.ErrLineNotFound):
		body.Code = "line_not_found"
		return http.StatusNotFound, body, true
	case errors.Is(err, cart.ErrUnitUnavailable), errors.Is(err, cart.ErrInvalidUnit):
		body.Code = "unit_unavailable"
		return http.StatusUnprocessableEntity, body, true
	case errors.Is(err, service.ErrSessionNotFound):
		body.Code = "session_not_found"
		return http.StatusNotFound, body, true
	case errors.Is(err, service.ErrForbidden):
		body.Code = "forbidden"
		return http.StatusForbidden, body, true
	case errors.Is(err, store.ErrNotFound):
		body.Code = "not_found"
		return http.StatusNotFound, body, true
	case errors.Is(err, store.ErrInvalidTransition):
		body.Code = "invalid_transition"
		return http.StatusConflict, body, true
	case errors.Is(err, store.ErrConflict):
		body.Code = "conflict"
		return http.StatusConflict, body, true
	case errors.Is(err, store.ErrInvalidOrder):
		body.Code = "invalid_order"
		return http.StatusUnprocessableEntity, body, true
	}
	body.Code = "internal"
	body.Error = "internal server error"
	return http.StatusInternalServerError, body, false
}

func classifySubmission(subErr *checkout.SubmissionError, body errorBody) (int, errorBody, bool) {
	body.Code = "submission_failed"
	switch {
	case errors.Is(subErr.Err, store.ErrInsufficientStock):
		body.Code = "stock_changed"
		return http.StatusConflict, body, true
	case errors.Is(subErr.Err, store.ErrInvalidOrder):
		return http.StatusUnprocessableEntity, body, true
	case errors.Is(subErr.Err, store.ErrConflict):
		body.Code = "submission_conflict"
		body.Error = "order could not be placed, retry"
		return http.StatusConflict, body, true
	case errors.Is(subErr.Err, gobreaker.ErrOpenState), errors.Is(subErr.Err, gobreaker.ErrTooManyRequests):
		body.Code = "orders_unavailable"
		body.Error = "order service temporarily unavailable"
		return http.StatusServiceUnavailable, body, false
	}
	body.Error = "order submission failed"
	return http.StatusBadGateway, body, false
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, body, userFacing := classify(err)
	if !userFacing {
		a.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
	}
	writeJSON(w, status, body)
}
