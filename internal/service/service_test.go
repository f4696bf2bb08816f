package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmacia/backend/internal/cache"
	"farmacia/backend/internal/cart"
	"farmacia/backend/internal/checkout"
	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/pricing"
	"farmacia/backend/internal/store"
	"farmacia/backend/internal/store/memory"
)

type recordingPublisher struct {
	mu        sync.Mutex
	submitted []domain.Order
	changed   []domain.OrderStatus
}

func (p *recordingPublisher) PublishOrderSubmitted(_ context.Context, order domain.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, order)
	return nil
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, order domain.Order, _ domain.OrderStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.changed = append(p.changed, order.Status)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type failingRepo struct {
	store.Repository
	err error
}

func (r failingRepo) SubmitOrder(_ context.Context, _ domain.OrderDraft) (*domain.Order, error) {
	return nil, r.err
}

func newTestRepo() *memory.Store {
	repo := memory.New()
	repo.PutProduct(domain.Product{
		ID: "amox", Name: "Amoxicilina 500mg", Price: decimal.RequireFromString("2.00"),
		PublicBoxPrice: decimal.NewNullDecimal(decimal.RequireFromString("18.00")),
		UnitsPerBox:    10, Stock: 100, Active: true,
	})
	repo.PutProduct(domain.Product{
		ID: "suero", Name: "Suero Oral", Price: decimal.RequireFromString("1.75"), Stock: 3, Active: true,
	})
	repo.PutZone(domain.DeliveryZone{ID: "centro", Name: "Centro", Fee: decimal.RequireFromString("1.00")})
	repo.PutAccount(domain.LoyaltyAccount{CustomerID: "cli-001", Points: 520})
	repo.PutCoupon(domain.Coupon{Code: "SALUD10", Type: domain.DiscountPercentage, Value: decimal.NewFromInt(10), Active: true})
	return repo
}

func newTestService(t *testing.T, repo store.Repository, sessions cache.SessionCache) (*Service, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	svc, err := New(repo, sessions, pub, Options{Rules: pricing.DefaultRules()})
	require.NoError(t, err)
	return svc, pub
}

func details() domain.CustomerDetails {
	return domain.CustomerDetails{Name: "Ana Torres", Phone: "0991234567", Address: "Av. Amazonas 100", ZoneID: "centro"}
}

// sessionAtPayment builds 2 boxes + 2 loose units of amoxicilina: subtotal 40.
func sessionAtPayment(t *testing.T, svc *Service, customerID string) string {
	t.Helper()
	ctx := context.Background()
	view, err := svc.StartSession(ctx, domain.StartSessionRequest{CustomerID: customerID})
	require.NoError(t, err)
	id := view.ID

	for _, unit := range []domain.SaleUnit{domain.UnitBox, domain.UnitBox, domain.UnitLoose, domain.UnitLoose} {
		_, err = svc.AddItem(ctx, id, domain.LineRequest{ProductID: "amox", Unit: unit})
		require.NoError(t, err)
	}
	_, err = svc.SetDetails(ctx, id, details())
	require.NoError(t, err)
	view, err = svc.Advance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, string(checkout.StatePayment), view.State)
	assert.True(t, view.Totals.Subtotal.Equal(decimal.NewFromInt(40)))
	return id
}

func TestCheckoutFlowSubmitsOrder(t *testing.T) {
	repo := newTestRepo()
	svc, pub := newTestService(t, repo, nil)
	ctx := context.Background()
	id := sessionAtPayment(t, svc, "cli-001")

	_, err := svc.ApplyCoupon(ctx, id, "salud10")
	require.NoError(t, err)
	cash := decimal.NewFromInt(40)
	view, err := svc.SetPayment(ctx, id, domain.PaymentRequest{Method: domain.PaymentCash, CashGiven: &cash})
	require.NoError(t, err)
	assert.Equal(t, "37.00", view.Totals.Total.StringFixed(2))
	assert.Equal(t, "3.00", view.Totals.ChangeDue.Decimal.StringFixed(2))

	resp, err := svc.Submit(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, resp.OrderID)
	assert.Equal(t, string(checkout.StateSubmitted), resp.Session.State)
	assert.Empty(t, resp.Session.Lines)

	order, err := svc.GetOrder(ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, order.Status)
	assert.Equal(t, "SALUD10", order.CouponCode)

	product, err := repo.GetProduct(ctx, "amox")
	require.NoError(t, err)
	assert.Equal(t, 78, product.Stock)

	account, err := repo.GetAccount(ctx, "cli-001")
	require.NoError(t, err)
	assert.Equal(t, 520+order.PointsEarned, account.Points)

	require.Len(t, pub.submitted, 1)
	assert.Equal(t, id, pub.submitted[0].ID)
}

func TestRedemptionSpendsPoints(t *testing.T) {
	repo := newTestRepo()
	svc, _ := newTestService(t, repo, nil)
	ctx := context.Background()
	id := sessionAtPayment(t, svc, "cli-001")

	view, err := svc.SetRedemption(ctx, id, true)
	require.NoError(t, err)
	assert.True(t, view.Loyalty.UsePoints)
	assert.Equal(t, "36.00", view.Totals.Total.StringFixed(2))

	_, err = svc.SetPayment(ctx, id, domain.PaymentRequest{Method: domain.PaymentTransfer, TransferReference: " TRX-1 "})
	require.NoError(t, err)
	resp, err := svc.Submit(ctx, id)
	require.NoError(t, err)

	order, err := svc.GetOrder(ctx, resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, 500, order.PointsSpent)
	assert.Equal(t, "TRX-1", order.TransferReference)
	assert.False(t, order.CashGiven.Valid)

	account, err := repo.GetAccount(ctx, "cli-001")
	require.NoError(t, err)
	assert.Equal(t, 20+order.PointsEarned, account.Points)
}

func TestUnknownCustomerStartsWithZeroPoints(t *testing.T) {
	svc, _ := newTestService(t, newTestRepo(), nil)
	view, err := svc.StartSession(context.Background(), domain.StartSessionRequest{CustomerID: "cli-nuevo"})
	require.NoError(t, err)
	assert.Equal(t, "cli-nuevo", view.Details.CustomerID)
	assert.Equal(t, 0, view.Loyalty.Points)
	assert.False(t, view.Loyalty.CanUsePoints)
}

func TestSetDetailsRejectsUnknownZone(t *testing.T) {
	svc, _ := newTestService(t, newTestRepo(), nil)
	ctx := context.Background()
	view, err := svc.StartSession(ctx, domain.StartSessionRequest{})
	require.NoError(t, err)

	d := details()
	d.ZoneID = "luna"
	_, err = svc.SetDetails(ctx, view.ID, d)
	var valErr *checkout.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "zone_id", valErr.Field)
}

func TestAddItemCapacityAndMissingProduct(t *testing.T) {
	svc, _ := newTestService(t, newTestRepo(), nil)
	ctx := context.Background()
	view, err := svc.StartSession(ctx, domain.StartSessionRequest{})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = svc.AddItem(ctx, view.ID, domain.LineRequest{ProductID: "suero", Unit: domain.UnitLoose})
		require.NoError(t, err)
	}
	_, err = svc.AddItem(ctx, view.ID, domain.LineRequest{ProductID: "suero", Unit: domain.UnitLoose})
	assert.True(t, checkout.IsUserError(err))

	_, err = svc.AddItem(ctx, view.ID, domain.LineRequest{ProductID: "nada", Unit: domain.UnitLoose})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = svc.AddItem(ctx, "sess-missing", domain.LineRequest{ProductID: "suero", Unit: domain.UnitLoose})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSubmitWhenStockMovedOnReturnsToPayment(t *testing.T) {
	repo := newTestRepo()
	svc, pub := newTestService(t, repo, nil)
	ctx := context.Background()
	id := sessionAtPayment(t, svc, "")
	_, err := svc.SetPayment(ctx, id, domain.PaymentRequest{Method: domain.PaymentTransfer})
	require.NoError(t, err)

	require.NoError(t, repo.SetStock(ctx, "amox", 10))
	_, err = svc.Submit(ctx, id)
	var subErr *checkout.SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	view, err := svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(checkout.StatePayment), view.State)
	assert.Len(t, view.Lines, 2)
	assert.Empty(t, pub.submitted)

	view, err = svc.RefreshStock(ctx, id)
	require.NoError(t, err)
	for _, line := range view.Lines {
		assert.GreaterOrEqual(t, line.Available, 0)
	}
}

func TestSessionRestoredFromCache(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := cache.NewRedisSessionCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = sessions.Close() })
	repo := newTestRepo()
	ctx := context.Background()

	first, _ := newTestService(t, repo, sessions)
	id := sessionAtPayment(t, first, "cli-001")
	_, err := first.ApplyCoupon(ctx, id, "SALUD10")
	require.NoError(t, err)

	second, _ := newTestService(t, repo, sessions)
	view, err := second.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(checkout.StatePayment), view.State)
	assert.Equal(t, "SALUD10", view.CouponCode)
	assert.Equal(t, "37.00", view.Totals.Total.StringFixed(2))
	assert.Equal(t, 520, view.Loyalty.Points)

	require.NoError(t, second.DiscardSession(ctx, id))
	_, err = first.GetSession(ctx, id)
	require.NoError(t, err, "first process still holds its live copy")
	_, err = second.GetSession(ctx, id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, second.DiscardSession(ctx, id), ErrSessionNotFound)
}

func TestRefreshedSessionSurvivesRestore(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions := cache.NewRedisSessionCache(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = sessions.Close() })
	repo := newTestRepo()
	ctx := context.Background()

	first, _ := newTestService(t, repo, sessions)
	id := sessionAtPayment(t, first, "cli-001")
	_, err := first.ApplyCoupon(ctx, id, "SALUD10")
	require.NoError(t, err)
	require.NoError(t, repo.SetStock(ctx, "amox", 15))
	view, err := first.RefreshStock(ctx, id)
	require.NoError(t, err)
	require.Len(t, view.Lines, 2)

	second, _ := newTestService(t, repo, sessions)
	restored, err := second.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(checkout.StatePayment), restored.State)
	assert.Len(t, restored.Lines, 2)
	assert.Equal(t, "SALUD10", restored.CouponCode)
	assert.Equal(t, 0, restored.Lines[0].Available)
	assert.Equal(t, details().Name, restored.Details.Name)

	_, err = second.AddItem(ctx, id, domain.LineRequest{ProductID: "amox", Unit: domain.UnitLoose})
	var capErr *cart.CapacityError
	assert.ErrorAs(t, err, &capErr)
}

func TestCatalogReflectsSessionReservations(t *testing.T) {
	svc, _ := newTestService(t, newTestRepo(), nil)
	ctx := context.Background()
	view, err := svc.StartSession(ctx, domain.StartSessionRequest{})
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, view.ID, domain.LineRequest{ProductID: "amox", Unit: domain.UnitBox})
	require.NoError(t, err)

	items, err := svc.Catalog(ctx, view.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	amox := items[0]
	assert.Equal(t, "amox", amox.Product.ID)
	assert.True(t, amox.HasBoxOption)
	assert.Equal(t, "18.00", amox.BoxSalePrice.StringFixed(2))
	assert.Equal(t, 90, amox.Available)
	assert.False(t, items[1].HasBoxOption)

	items, err = svc.Catalog(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 100, items[0].Available)
}

func TestUpdateOrderStatusRequiresAdminAndPublishes(t *testing.T) {
	svc, pub := newTestService(t, newTestRepo(), nil)
	ctx := context.Background()
	id := sessionAtPayment(t, svc, "")
	_, err := svc.SetPayment(ctx, id, domain.PaymentRequest{Method: domain.PaymentTransfer})
	require.NoError(t, err)
	resp, err := svc.Submit(ctx, id)
	require.NoError(t, err)

	cashierCtx := WithActor(ctx, domain.Actor{Username: "caja", Role: domain.RoleCashier})
	_, err = svc.UpdateOrderStatus(cashierCtx, resp.OrderID, domain.OrderConfirmed)
	assert.ErrorIs(t, err, ErrForbidden)

	adminCtx := WithActor(ctx, domain.Actor{Username: "admin", Role: domain.RoleAdmin})
	order, err := svc.UpdateOrderStatus(adminCtx, resp.OrderID, domain.OrderConfirmed)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderConfirmed, order.Status)
	assert.Equal(t, []domain.OrderStatus{domain.OrderConfirmed}, pub.changed)

	_, err = svc.UpdateOrderStatus(adminCtx, resp.OrderID, domain.OrderPending)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	_, err = svc.UpdateOrderStatus(adminCtx, resp.OrderID, "LOST")
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestSubmitBreakerOpensOnInfrastructureFailures(t *testing.T) {
	repo := failingRepo{Repository: newTestRepo(), err: errors.New("connection refused")}
	svc, _ := newTestService(t, repo, nil)
	ctx := context.Background()
	id := sessionAtPayment(t, svc, "")
	_, err := svc.SetPayment(ctx, id, domain.PaymentRequest{Method: domain.PaymentTransfer})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = svc.Submit(ctx, id)
		require.Error(t, err)
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	_, err = svc.Submit(ctx, id)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)

	view, err := svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, string(checkout.StatePayment), view.State)
}

func TestOrderDecisionsDoNotTripBreaker(t *testing.T) {
	assert.True(t, isOrderDecision(nil))
	assert.True(t, isOrderDecision(store.ErrInsufficientStock))
	assert.True(t, isOrderDecision(store.ErrInvalidOrder))
	assert.True(t, isOrderDecision(fmt.Errorf("submit order after 3 attempts: %w", store.ErrConflict)))
	assert.False(t, isOrderDecision(errors.New("timeout")))
	assert.False(t, isOrderDecision(context.DeadlineExceeded))
}

func TestPruneIdleDropsStaleSessions(t *testing.T) {
	svc, _ := newTestService(t, newTestRepo(), nil)
	ctx := context.Background()
	view, err := svc.StartSession(ctx, domain.StartSessionRequest{})
	require.NoError(t, err)

	assert.Equal(t, 0, svc.PruneIdle())
	svc.now = func() time.Time { return time.Now().Add(3 * time.Hour) }
	assert.Equal(t, 1, svc.PruneIdle())

	_, err = svc.GetSession(ctx, view.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
