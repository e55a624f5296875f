package service

import (
	"context"
	"fmt"
	"strings"

	"commerce-bot/internal/models"
	"commerce-bot/internal/money"
	"commerce-bot/internal/util"

	"go.uber.org/zap"
)

// Notifier delivers a chat message. Delivery is best effort.
type Notifier interface {
	NotifyUser(ctx context.Context, chatID int64, text string, actions []models.Action) error
}

// EventStore tracks consumed events and resolves chat ids
type EventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// NotificationService tells users about the outcome of their payments
type NotificationService struct {
	store    EventStore
	notifier Notifier
	logger   *zap.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(store EventStore, notifier Notifier) *NotificationService {
	return &NotificationService{
		store:    store,
		notifier: notifier,
		logger:   util.GetLogger(),
	}
}

// HandleOrderPaid sends the order confirmation
func (ns *NotificationService) HandleOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationService.HandleOrderPaid")
	defer span.End()

	processed, err := ns.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		ns.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	ns.deliver(ctx, event.UserID, event.ChatID, paidMessage(event), []models.Action{
		{Label: "🧾 View Last Order", Data: "last_order"},
		{Label: "🏠 Main Menu", Data: "start"},
	})

	if err := ns.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		ns.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

// HandleOrderFailed tells the user that a payment could not become an order
func (ns *NotificationService) HandleOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "NotificationService.HandleOrderFailed")
	defer span.End()

	processed, err := ns.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event processed: %w", err)
	}
	if processed {
		ns.logger.Info("Event already processed", zap.String("event_id", event.EventID))
		return nil
	}

	ns.logger.Warn("Notifying failed order",
		zap.Int64("user_id", event.UserID),
		zap.String("reference", event.PaymentReference),
		zap.String("reason", event.Reason))

	ns.deliver(ctx, event.UserID, event.ChatID, failedMessage(event), []models.Action{
		{Label: "🛒 View Cart", Data: "view_cart"},
		{Label: "🏠 Main Menu", Data: "start"},
	})

	if err := ns.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		ns.logger.Error("Failed to mark event processed", zap.Error(err))
	}
	return nil
}

func (ns *NotificationService) deliver(ctx context.Context, userID, chatID int64, text string, actions []models.Action) {
	if chatID == 0 {
		user, err := ns.store.GetUserByID(ctx, userID)
		if err != nil {
			util.NotificationsSentTotal.WithLabelValues("no_chat").Inc()
			ns.logger.Error("Failed to resolve chat for notification", zap.Int64("user_id", userID), zap.Error(err))
			return
		}
		chatID = user.TelegramID
	}

	if err := ns.notifier.NotifyUser(ctx, chatID, text, actions); err != nil {
		util.NotificationsSentTotal.WithLabelValues("failed").Inc()
		ns.logger.Error("Failed to notify user",
			zap.Int64("user_id", userID),
			zap.Int64("chat_id", chatID),
			zap.Error(err))
		return
	}
	util.NotificationsSentTotal.WithLabelValues("sent").Inc()
}

func paidMessage(event *models.OrderPaidEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Payment for Order #%d successful\n\n", event.OrderID)
	for _, item := range event.Items {
		fmt.Fprintf(&b, "📦 %s (×%d) - %s\n", item.Name, item.Quantity,
			money.Format(item.UnitPriceCents*int64(item.Quantity)))
	}
	fmt.Fprintf(&b, "\n💵 Total paid: %s", money.Format(event.TotalCents))
	return b.String()
}

func failedMessage(event *models.OrderFailedEvent) string {
	if event.Reason == "insufficient_stock" {
		return "⚠️ Your payment went through but some items sold out before we could complete the order. " +
			"Please contact support with reference " + event.PaymentReference + "."
	}
	return "⚠️ We received your payment but could not complete the order yet. " +
		"We will retry shortly. Reference: " + event.PaymentReference
}
