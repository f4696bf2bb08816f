package service

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"farmacia/backend/internal/domain"
	"farmacia/backend/internal/events"
	"farmacia/backend/internal/store"
)

// orderSubmitter is the checkout.Submitter backed by the store. Store calls
// run behind a circuit breaker; rejections that are decisions about the
// order itself do not count as failures.
type orderSubmitter struct {
	repo      store.Repository
	publisher events.Publisher
	breaker   *gobreaker.CircuitBreaker[*domain.Order]
	timeout   time.Duration
	logger    *zap.Logger
}

func newOrderSubmitter(repo store.Repository, publisher events.Publisher, timeout time.Duration, logger *zap.Logger) *orderSubmitter {
	settings := gobreaker.Settings{
		Name:        "order-submit",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: isOrderDecision,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &orderSubmitter{
		repo:      repo,
		publisher: publisher,
		breaker:   gobreaker.NewCircuitBreaker[*domain.Order](settings),
		timeout:   timeout,
		logger:    logger,
	}
}

func (o *orderSubmitter) SubmitOrder(ctx context.Context, draft domain.OrderDraft) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	order, err := o.breaker.Execute(func() (*domain.Order, error) {
		return o.repo.SubmitOrder(ctx, draft)
	})
	if err != nil {
		return "", err
	}

	if err := o.publisher.PublishOrderSubmitted(ctx, *order); err != nil {
		o.logger.Warn("order submitted event not published",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
	return order.ID, nil
}

func isOrderDecision(err error) bool {
	return err == nil ||
		errors.Is(err, store.ErrInsufficientStock) ||
		errors.Is(err, store.ErrInvalidOrder) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, context.Canceled)
}
