package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"farmacia/backend/internal/domain"
)

func (a *API) handleCatalog(w http.ResponseWriter, r *http.Request) {
	items, err := a.service.Catalog(r.Context(), strings.TrimSpace(r.URL.Query().Get("session_id")))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": items})
}

func (a *API) handleDeliveryZones(w http.ResponseWriter, r *http.Request) {
	zones, err := a.service.ListDeliveryZones(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"zones": zones})
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderStatusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, err := a.service.UpdateOrderStatus(r.Context(), chi.URLParam(r, "orderID"), req.Status)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req domain.StartSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	view, err := a.service.StartSession(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetSession(r.Context(), sessionID(r))
	a.respondView(w, r, view, err)
}

func (a *API) handleDiscardSession(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DiscardSession(r.Context(), sessionID(r)); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req domain.LineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddItem(r.Context(), sessionID(r), req)
	a.respondView(w, r, view, err)
}

func (a *API) handleIncrementItem(w http.ResponseWriter, r *http.Request) {
	var req domain.LineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.IncrementItem(r.Context(), sessionID(r), lineKey(req))
	a.respondView(w, r, view, err)
}

func (a *API) handleDecrementItem(w http.ResponseWriter, r *http.Request) {
	var req domain.LineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.DecrementItem(r.Context(), sessionID(r), lineKey(req))
	a.respondView(w, r, view, err)
}

func (a *API) handleSwitchUnit(w http.ResponseWriter, r *http.Request) {
	var req domain.SwitchUnitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SwitchUnit(r.Context(), sessionID(r), req)
	a.respondView(w, r, view, err)
}

// handleRemoveItem takes the line from the query string:
// DELETE /sessions/{id}/items?product_id=...&unit=BOX
func (a *API) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	key := domain.LineKey{
		ProductID: strings.TrimSpace(query.Get("product_id")),
		Unit:      domain.SaleUnit(strings.ToUpper(strings.TrimSpace(query.Get("unit")))),
	}
	view, err := a.service.RemoveItem(r.Context(), sessionID(r), key)
	a.respondView(w, r, view, err)
}

func (a *API) handleRefreshStock(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RefreshStock(r.Context(), sessionID(r))
	a.respondView(w, r, view, err)
}

func (a *API) handleDetails(w http.ResponseWriter, r *http.Request) {
	var req domain.DetailsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetDetails(r.Context(), sessionID(r), req.CustomerDetails)
	a.respondView(w, r, view, err)
}

func (a *API) handleAdvance(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Advance(r.Context(), sessionID(r))
	a.respondView(w, r, view, err)
}

func (a *API) handleBack(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.Back(r.Context(), sessionID(r))
	a.respondView(w, r, view, err)
}

func (a *API) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Method = domain.PaymentMethod(strings.ToUpper(strings.TrimSpace(string(req.Method))))
	view, err := a.service.SetPayment(r.Context(), sessionID(r), req)
	a.respondView(w, r, view, err)
}

func (a *API) handleApplyCoupon(w http.ResponseWriter, r *http.Request) {
	var req domain.CouponRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.ApplyCoupon(r.Context(), sessionID(r), req.Code)
	a.respondView(w, r, view, err)
}

func (a *API) handleRemoveCoupon(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveCoupon(r.Context(), sessionID(r))
	a.respondView(w, r, view, err)
}

func (a *API) handleRedemption(w http.ResponseWriter, r *http.Request) {
	var req domain.RedemptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SetRedemption(r.Context(), sessionID(r), req.UsePoints)
	a.respondView(w, r, view, err)
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.Submit(r.Context(), sessionID(r))
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) respondView(w http.ResponseWriter, r *http.Request, view domain.SessionView, err error) {
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func sessionID(r *http.Request) string {
	return chi.URLParam(r, "sessionID")
}

func lineKey(req domain.LineRequest) domain.LineKey {
	return domain.LineKey{ProductID: strings.TrimSpace(req.ProductID), Unit: req.Unit}
}
