// Package events announces order lifecycle changes to downstream systems
// such as dispatch and accounting.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"farmacia/backend/internal/domain"
)

const (
	EventOrderSubmitted     = "order.submitted"
	EventOrderStatusChanged = "order.status_changed"
)

type Publisher interface {
	PublishOrderSubmitted(ctx context.Context, order domain.Order) error
	PublishOrderStatusChanged(ctx context.Context, order domain.Order, previous domain.OrderStatus) error
	Close() error
}

type OrderEvent struct {
	EventType      string               `json:"event_type"`
	OrderID        string               `json:"order_id"`
	CustomerID     string               `json:"customer_id,omitempty"`
	ZoneID         string               `json:"zone_id"`
	Status         domain.OrderStatus   `json:"status"`
	PreviousStatus domain.OrderStatus   `json:"previous_status,omitempty"`
	Total          decimal.Decimal      `json:"total"`
	PaymentMethod  domain.PaymentMethod `json:"payment_method"`
	PointsEarned   int                  `json:"points_earned"`
	PointsSpent    int                  `json:"points_spent"`
	Lines          []domain.OrderLine   `json:"lines,omitempty"`
	OccurredAt     time.Time            `json:"occurred_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
	now    func() time.Time
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w messageWriter, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, logger: logger, now: time.Now}
}

func (p *KafkaPublisher) PublishOrderSubmitted(ctx context.Context, order domain.Order) error {
	event := newOrderEvent(EventOrderSubmitted, order, p.now())
	event.Lines = order.Lines
	return p.publish(ctx, event)
}

func (p *KafkaPublisher) PublishOrderStatusChanged(ctx context.Context, order domain.Order, previous domain.OrderStatus) error {
	event := newOrderEvent(EventOrderStatusChanged, order, p.now())
	event.PreviousStatus = previous
	return p.publish(ctx, event)
}

func (p *KafkaPublisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}

func (p *KafkaPublisher) publish(ctx context.Context, event OrderEvent) error {
	msg, err := buildMessage(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("publish order event failed",
			zap.String("event_type", event.EventType),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
		return fmt.Errorf("publish %s: %w", event.EventType, err)
	}
	p.logger.Info("order event published",
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID))
	return nil
}

func newOrderEvent(eventType string, order domain.Order, at time.Time) OrderEvent {
	return OrderEvent{
		EventType:     eventType,
		OrderID:       order.ID,
		CustomerID:    order.Customer.CustomerID,
		ZoneID:        order.Zone.ID,
		Status:        order.Status,
		Total:         order.Total,
		PaymentMethod: order.PaymentMethod,
		PointsEarned:  order.PointsEarned,
		PointsSpent:   order.PointsSpent,
		OccurredAt:    at.UTC(),
	}
}

// buildMessage keys by order ID so every event of one order lands on the
// same partition.
func buildMessage(event OrderEvent) (kafka.Message, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode %s: %w", event.EventType, err)
	}
	return kafka.Message{
		Key:   []byte(event.OrderID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
		Time: event.OccurredAt,
	}, nil
}

type NoopPublisher struct{}

func (NoopPublisher) PublishOrderSubmitted(_ context.Context, _ domain.Order) error {
	return nil
}

func (NoopPublisher) PublishOrderStatusChanged(_ context.Context, _ domain.Order, _ domain.OrderStatus) error {
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}
