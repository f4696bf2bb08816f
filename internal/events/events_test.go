package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmacia/backend/internal/domain"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testOrder() domain.Order {
	return domain.Order{
		OrderDraft: domain.OrderDraft{
			ID:       "sess-1",
			Customer: domain.CustomerDetails{CustomerID: "cli-001", Name: "Ana"},
			Zone:     domain.DeliveryZone{ID: "centro"},
			Lines: []domain.OrderLine{
				{ProductID: "amox", Unit: domain.UnitBox, Quantity: 2, ConversionFactor: 10, BaseUnits: 20},
			},
			Total:         decimal.RequireFromString("37.00"),
			PaymentMethod: domain.PaymentCash,
			PointsEarned:  37,
		},
		Status: domain.OrderPending,
	}
}

func TestPublishOrderSubmittedBuildsKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, nil)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	require.NoError(t, p.PublishOrderSubmitted(context.Background(), testOrder()))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, "sess-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, EventOrderSubmitted, string(msg.Headers[0].Value))
	assert.Equal(t, fixed, msg.Time)

	var event OrderEvent
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	assert.Equal(t, "cli-001", event.CustomerID)
	assert.Equal(t, domain.OrderPending, event.Status)
	assert.True(t, event.Total.Equal(decimal.NewFromInt(37)))
	assert.Len(t, event.Lines, 1)
}

func TestPublishOrderStatusChangedCarriesPrevious(t *testing.T) {
	w := &fakeWriter{}
	p := newKafkaPublisher(w, nil)
	order := testOrder()
	order.Status = domain.OrderCancelled

	require.NoError(t, p.PublishOrderStatusChanged(context.Background(), order, domain.OrderPending))
	var event OrderEvent
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &event))
	assert.Equal(t, EventOrderStatusChanged, event.EventType)
	assert.Equal(t, domain.OrderPending, event.PreviousStatus)
	assert.Empty(t, event.Lines)
}

func TestPublishWrapsWriterError(t *testing.T) {
	boom := errors.New("broker down")
	w := &fakeWriter{err: boom}
	p := newKafkaPublisher(w, nil)

	err := p.PublishOrderSubmitted(context.Background(), testOrder())
	assert.ErrorIs(t, err, boom)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
