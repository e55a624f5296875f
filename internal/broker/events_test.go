package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"commerce-bot/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func message(t *testing.T, event any) kafka.Message {
	t.Helper()
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return kafka.Message{Value: value}
}

func TestHandleMessageRoutesByType(t *testing.T) {
	eh := NewEventHandler()

	var paid *models.OrderPaidEvent
	var failed *models.OrderFailedEvent
	eh.OnOrderPaid(func(_ context.Context, e *models.OrderPaidEvent) error {
		paid = e
		return nil
	})
	eh.OnOrderFailed(func(_ context.Context, e *models.OrderFailedEvent) error {
		failed = e
		return nil
	})

	err := eh.HandleMessage(context.Background(), message(t, models.OrderPaidEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeOrderPaid},
		OrderID:   42,
		Items:     []models.OrderItemData{{ProductID: 1, Name: "Gaming Mouse", Quantity: 1, UnitPriceCents: 4999}},
	}))
	require.NoError(t, err)
	require.NotNil(t, paid)
	assert.Equal(t, int64(42), paid.OrderID)
	assert.Equal(t, "Gaming Mouse", paid.Items[0].Name)
	assert.Nil(t, failed)

	err = eh.HandleMessage(context.Background(), message(t, models.OrderFailedEvent{
		BaseEvent: models.BaseEvent{EventID: "e2", EventType: models.EventTypeOrderFailed},
		Reason:    "db_error",
	}))
	require.NoError(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, "db_error", failed.Reason)
}

func TestHandleMessagePropagatesHandlerError(t *testing.T) {
	eh := NewEventHandler()
	eh.OnOrderPaid(func(context.Context, *models.OrderPaidEvent) error {
		return errors.New("boom")
	})

	err := eh.HandleMessage(context.Background(), message(t, models.BaseEvent{EventType: models.EventTypeOrderPaid}))
	assert.EqualError(t, err, "boom")
}

func TestHandleMessageIgnoresUnknownTypes(t *testing.T) {
	eh := NewEventHandler()
	assert.NoError(t, eh.HandleMessage(context.Background(), message(t, models.BaseEvent{EventType: "SOMETHING_ELSE"})))
	assert.NoError(t, eh.HandleMessage(context.Background(), message(t, models.BaseEvent{EventType: models.EventTypeOrderFailed})))
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	eh := NewEventHandler()
	assert.Error(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("not json")}))
}
