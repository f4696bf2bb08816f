package store

import (
	"context"
	"errors"

	"farmacia/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrConflict          = errors.New("already exists")
)

type Repository interface {
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	// FindCoupon matches code case-insensitively. It returns nil, nil when no
	// coupon has that code.
	FindCoupon(ctx context.Context, code string) (*domain.Coupon, error)
	GetAccount(ctx context.Context, customerID string) (*domain.LoyaltyAccount, error)
	ListDeliveryZones(ctx context.Context) ([]domain.DeliveryZone, error)
	GetDeliveryZone(ctx context.Context, id string) (*domain.DeliveryZone, error)
	// SubmitOrder persists a draft as a PENDING order. It is idempotent on
	// draft.ID, re-checks and decrements stock, and applies the loyalty
	// debit and credit of the draft to the customer's account.
	SubmitOrder(ctx context.Context, draft domain.OrderDraft) (*domain.Order, error)
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
