package worker

import (
	"context"
	"encoding/json"
	"testing"

	"commerce-bot/internal/broker"
	"commerce-bot/internal/models"
	"commerce-bot/internal/service"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replaySource struct {
	messages []kafka.Message
	errs     []error
	closed   bool
}

func (r *replaySource) StartConsuming(ctx context.Context, handler broker.MessageHandler) error {
	for _, msg := range r.messages {
		r.errs = append(r.errs, handler(ctx, msg))
	}
	return nil
}

func (r *replaySource) Close() error {
	r.closed = true
	return nil
}

type eventStore struct {
	processed map[string]bool
}

func (s *eventStore) IsEventProcessed(_ context.Context, id string) (bool, error) {
	return s.processed[id], nil
}

func (s *eventStore) MarkEventProcessed(_ context.Context, id, _ string) error {
	s.processed[id] = true
	return nil
}

func (s *eventStore) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	return &models.User{ID: id, TelegramID: id * 100}, nil
}

type chat struct {
	texts map[int64][]string
}

func (c *chat) NotifyUser(_ context.Context, chatID int64, text string, _ []models.Action) error {
	c.texts[chatID] = append(c.texts[chatID], text)
	return nil
}

func encode(t *testing.T, v any) kafka.Message {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return kafka.Message{Value: b}
}

func TestNotificationWorkerDeliversEachEventOnce(t *testing.T) {
	paid := models.OrderPaidEvent{
		BaseEvent:  models.BaseEvent{EventID: "p1", EventType: models.EventTypeOrderPaid},
		OrderID:    5,
		UserID:     3,
		TotalCents: 1999,
	}
	failed := models.OrderFailedEvent{
		BaseEvent:        models.BaseEvent{EventID: "f1", EventType: models.EventTypeOrderFailed},
		UserID:           3,
		ChatID:           77,
		PaymentReference: "PO-3-aa",
		Reason:           "db_error",
	}
	source := &replaySource{messages: []kafka.Message{
		encode(t, paid), encode(t, paid), encode(t, failed),
	}}
	sink := &chat{texts: map[int64][]string{}}
	store := &eventStore{processed: map[string]bool{}}

	w := NewNotificationWorker(source, service.NewNotificationService(store, sink))
	require.NoError(t, w.Start(context.Background()))

	for _, err := range source.errs {
		assert.NoError(t, err)
	}
	require.Len(t, sink.texts[300], 1)
	assert.Contains(t, sink.texts[300][0], "Order #5")
	require.Len(t, sink.texts[77], 1)
	assert.Contains(t, sink.texts[77][0], "PO-3-aa")

	require.NoError(t, w.Stop())
	assert.True(t, source.closed)
}
