package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/models"
	"commerce-bot/internal/redisclient"
	"commerce-bot/internal/store"
	"commerce-bot/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const confirmLockTTL = 30 * time.Second

var (
	// ErrConfirmationInProgress means another process is confirming the same payment
	ErrConfirmationInProgress = errors.New("payment confirmation already in progress")
	// ErrPaymentMismatch means the provider payment was not issued for the reference
	ErrPaymentMismatch = fmt.Errorf("%w: provider payment does not match", apperr.ErrInvalid)
	// ErrUnfulfillable means the payment went through but the order cannot be
	// created. Retrying the confirmation will not help.
	ErrUnfulfillable = errors.New("paid order cannot be fulfilled")
)

// OrderStore is the persistence the order service needs
type OrderStore interface {
	CreateOrder(ctx context.Context, o models.NewOrder) (int64, error)
	MarkOrderPaid(ctx context.Context, orderID int64, reference, providerPaymentID string) (bool, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByPaymentReference(ctx context.Context, reference string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetOrdersByUserID(ctx context.Context, userID int64, limit int) ([]models.Order, error)
	GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error)
}

// PendingStore gives access to the PendingOrder a payment belongs to
type PendingStore interface {
	Get(ctx context.Context, userID int64) (*models.PendingOrder, error)
	DeleteIfReference(ctx context.Context, userID int64, reference string) (bool, error)
}

// Locker is a lock shared by every process confirming payments
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// Publisher emits order events
type Publisher interface {
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
}

// OrderService handles order business logic
type OrderService struct {
	store          OrderStore
	pending        PendingStore
	locks          Locker
	eventPublisher Publisher
	logger         *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	store OrderStore,
	pending PendingStore,
	locks Locker,
	eventPublisher Publisher,
) *OrderService {
	return &OrderService{
		store:          store,
		pending:        pending,
		locks:          locks,
		eventPublisher: eventPublisher,
		logger:         util.GetLogger(),
	}
}

// ConfirmPending turns the user's PendingOrder into a paid order. A payment
// reference that already has an order is reported as a duplicate; a missing
// PendingOrder is ErrNotFound. On failure the PendingOrder is kept.
func (s *OrderService) ConfirmPending(ctx context.Context, userID int64, reference, providerPaymentID string) (*models.PaymentConfirmation, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmPending")
	defer span.End()

	start := time.Now()
	defer func() {
		util.OrderConfirmationLatency.Observe(time.Since(start).Seconds())
	}()

	release, err := s.lock(ctx, reference)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.store.GetOrderByPaymentReference(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to check payment reference: %v", apperr.ErrCollaboratorUnavailable, err)
	}
	if existing != nil {
		s.logger.Info("Duplicate payment confirmation",
			zap.String("reference", reference),
			zap.Int64("order_id", existing.ID))
		if _, err := s.pending.DeleteIfReference(ctx, userID, reference); err != nil {
			s.logger.Warn("Failed to drop consumed pending order", zap.Error(err))
		}
		return &models.PaymentConfirmation{OrderID: existing.ID, UserID: existing.UserID, Duplicate: true}, nil
	}

	pending, err := s.pending.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load pending order: %v", apperr.ErrCollaboratorUnavailable, err)
	}
	if pending == nil || pending.PaymentReference != reference {
		return nil, fmt.Errorf("pending order %s: %w", reference, apperr.ErrNotFound)
	}

	if providerPaymentID == "" {
		providerPaymentID = pending.ProviderPaymentID
	} else if pending.ProviderPaymentID != "" && providerPaymentID != pending.ProviderPaymentID {
		s.logger.Warn("Rejected confirmation for a different provider payment",
			zap.Int64("user_id", userID),
			zap.String("reference", reference),
			zap.String("expected", pending.ProviderPaymentID),
			zap.String("got", providerPaymentID))
		return nil, fmt.Errorf("%w: %s", ErrPaymentMismatch, reference)
	}

	orderID, err := s.store.CreateOrder(ctx, models.NewOrder{
		UserID:              pending.UserID,
		Items:               pending.Items,
		TotalCents:          pending.TotalCents,
		Address:             pending.Address,
		PaymentMethod:       pending.PaymentMethod,
		Status:              models.OrderStatusPaid,
		DiscountID:          pending.DiscountID,
		DiscountAmountCents: pending.DiscountAmountCents,
		PaymentReference:    reference,
		ProviderPaymentID:   providerPaymentID,
	})
	if err != nil {
		reason := "db_error"
		if errors.Is(err, store.ErrInsufficientStock) {
			reason = "insufficient_stock"
		}
		util.OrdersFailedTotal.WithLabelValues(reason).Inc()
		s.logger.Error("Failed to create order for confirmed payment",
			zap.Int64("user_id", userID),
			zap.String("reference", reference),
			zap.Error(err))
		s.publishFailed(ctx, pending, reason)
		return nil, confirmError("failed to create order", err)
	}

	util.OrdersCreatedTotal.Inc()
	util.OrdersPaidTotal.Inc()
	s.logger.Info("Order created",
		zap.Int64("order_id", orderID),
		zap.Int64("user_id", userID),
		zap.String("reference", reference))

	if _, err := s.pending.DeleteIfReference(ctx, userID, reference); err != nil {
		s.logger.Warn("Failed to drop consumed pending order", zap.Int64("user_id", userID), zap.Error(err))
	}

	items := make([]models.OrderItemData, 0, len(pending.Items))
	for _, item := range pending.Items {
		items = append(items, models.OrderItemData{
			ProductID:      item.ProductID,
			Name:           item.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}
	s.publishPaid(ctx, &models.OrderPaidEvent{
		BaseEvent:        newBaseEvent(models.EventTypeOrderPaid),
		OrderID:          orderID,
		UserID:           pending.UserID,
		ChatID:           pending.ChatID,
		TotalCents:       pending.TotalCents,
		PaymentMethod:    string(pending.PaymentMethod),
		PaymentReference: reference,
		Items:            items,
	})

	return &models.PaymentConfirmation{OrderID: orderID, UserID: pending.UserID}, nil
}

// ConfirmOrder marks a resumed awaiting_payment order paid
func (s *OrderService) ConfirmOrder(ctx context.Context, orderID int64, reference, providerPaymentID string) (*models.PaymentConfirmation, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ConfirmOrder")
	defer span.End()

	release, err := s.lock(ctx, reference)
	if err != nil {
		return nil, err
	}
	defer release()

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrCollaboratorUnavailable, err)
	}
	if providerPaymentID != "" && order.ProviderPaymentID != nil && *order.ProviderPaymentID != "" &&
		*order.ProviderPaymentID != providerPaymentID {
		s.logger.Warn("Rejected confirmation for a different provider payment",
			zap.Int64("order_id", orderID),
			zap.String("expected", *order.ProviderPaymentID),
			zap.String("got", providerPaymentID))
		return nil, fmt.Errorf("%w: %s", ErrPaymentMismatch, reference)
	}

	alreadyPaid, err := s.store.MarkOrderPaid(ctx, orderID, reference, providerPaymentID)
	if err != nil {
		if errors.Is(err, apperr.ErrInvalid) || errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		reason := "db_error"
		if errors.Is(err, store.ErrInsufficientStock) {
			reason = "insufficient_stock"
		}
		util.OrdersFailedTotal.WithLabelValues(reason).Inc()
		s.publishFailed(ctx, &models.PendingOrder{UserID: order.UserID, PaymentReference: reference}, reason)
		return nil, confirmError("failed to mark order paid", err)
	}

	res := &models.PaymentConfirmation{OrderID: orderID, UserID: order.UserID, Duplicate: alreadyPaid}
	if alreadyPaid {
		s.logger.Info("Duplicate payment confirmation", zap.Int64("order_id", orderID))
		return res, nil
	}

	util.OrdersPaidTotal.Inc()
	s.logger.Info("Order paid", zap.Int64("order_id", orderID))

	orderItems, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		s.logger.Warn("Failed to load order items for event", zap.Int64("order_id", orderID), zap.Error(err))
	}
	items := make([]models.OrderItemData, 0, len(orderItems))
	for _, item := range orderItems {
		items = append(items, models.OrderItemData{
			ProductID:      item.ProductID,
			Name:           item.ProductName,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
		})
	}
	s.publishPaid(ctx, &models.OrderPaidEvent{
		BaseEvent:        newBaseEvent(models.EventTypeOrderPaid),
		OrderID:          orderID,
		UserID:           order.UserID,
		TotalCents:       order.TotalCents,
		PaymentMethod:    order.PaymentMethod,
		PaymentReference: reference,
		Items:            items,
	})

	return res, nil
}

func (s *OrderService) lock(ctx context.Context, reference string) (func(), error) {
	key := "confirm:" + reference
	token, err := s.locks.AcquireLock(ctx, key, confirmLockTTL)
	if errors.Is(err, redisclient.ErrLockHeld) {
		return nil, fmt.Errorf("%w: %s", ErrConfirmationInProgress, reference)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to lock payment: %v", apperr.ErrCollaboratorUnavailable, err)
	}
	return func() {
		if err := s.locks.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger.Warn("Failed to release payment lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *OrderService) publishPaid(ctx context.Context, event *models.OrderPaidEvent) {
	if err := s.eventPublisher.PublishOrderPaid(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderPaid event",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err))
	}
}

// confirmError separates a stock shortage, which stays final, from failures
// worth retrying
func confirmError(msg string, err error) error {
	if errors.Is(err, store.ErrInsufficientStock) {
		return fmt.Errorf("%w: %s: %w", ErrUnfulfillable, msg, err)
	}
	return fmt.Errorf("%w: %s: %v", apperr.ErrCollaboratorUnavailable, msg, err)
}

// publishFailed emits OrderFailed. The event id is derived from the reference
// and reason so a retried confirmation notifies the user only once.
func (s *OrderService) publishFailed(ctx context.Context, pending *models.PendingOrder, reason string) {
	base := newBaseEvent(models.EventTypeOrderFailed)
	base.EventID = fmt.Sprintf("order-failed:%s:%s", pending.PaymentReference, reason)
	event := &models.OrderFailedEvent{
		BaseEvent:        base,
		UserID:           pending.UserID,
		ChatID:           pending.ChatID,
		PaymentReference: pending.PaymentReference,
		Reason:           reason,
	}
	if err := s.eventPublisher.PublishOrderFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish OrderFailed event", zap.Error(err))
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
	}
}

// CreateOrderRequest represents a request to reserve an order for later payment
type CreateOrderRequest struct {
	UserID         int64              `json:"user_id" binding:"required"`
	Items          []OrderItemRequest `json:"items" binding:"required,min=1,dive"`
	PaymentMethod  string             `json:"payment_method" binding:"required"`
	Address        string             `json:"address"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// OrderItemRequest represents an item in an order
type OrderItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,min=1"`
}

// CreateOrderResponse represents the response after creating an order
type CreateOrderResponse struct {
	OrderID    int64  `json:"order_id"`
	Status     string `json:"status"`
	TotalCents int64  `json:"total_cents"`
}

// ReserveOrder records an awaiting_payment order. Stock and discounts are
// applied once it is paid. Requests repeating an idempotency key get the
// original order back.
func (s *OrderService) ReserveOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ReserveOrder")
	defer span.End()

	method := models.PaymentMethod(req.PaymentMethod)
	if !method.Valid() {
		return nil, fmt.Errorf("%w: payment method %q", apperr.ErrInvalid, req.PaymentMethod)
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}

	if existing := s.existingReservation(ctx, req.IdempotencyKey); existing != nil {
		return existing, nil
	}

	products, err := s.validateOrderItems(ctx, req.Items)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("invalid_items").Inc()
		return nil, err
	}

	items := make([]models.CartItem, 0, len(req.Items))
	for _, item := range req.Items {
		product := products[item.ProductID]
		items = append(items, models.CartItem{
			ProductID:      item.ProductID,
			Name:           product.Name,
			Quantity:       item.Quantity,
			UnitPriceCents: product.PriceCents,
		})
	}
	total := s.calculateTotal(req.Items, products)

	orderID, err := s.store.CreateOrder(ctx, models.NewOrder{
		UserID:         req.UserID,
		Items:          items,
		TotalCents:     total,
		Address:        req.Address,
		PaymentMethod:  method,
		Status:         models.OrderStatusAwaitingPayment,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if existing := s.existingReservation(ctx, req.IdempotencyKey); existing != nil {
			return existing, nil
		}
		util.OrdersFailedTotal.WithLabelValues("db_error").Inc()
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: failed to create order: %v", apperr.ErrCollaboratorUnavailable, err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order reserved",
		zap.Int64("order_id", orderID),
		zap.Int64("user_id", req.UserID),
		zap.Int64("total_cents", total))

	return &CreateOrderResponse{
		OrderID:    orderID,
		Status:     models.OrderStatusAwaitingPayment,
		TotalCents: total,
	}, nil
}

func (s *OrderService) existingReservation(ctx context.Context, key string) *CreateOrderResponse {
	existing, err := s.store.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		s.logger.Warn("Failed to check idempotency", zap.String("idempotency_key", key), zap.Error(err))
		return nil
	}
	if existing == nil {
		return nil
	}
	s.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", key),
		zap.Int64("order_id", existing.ID))
	return &CreateOrderResponse{
		OrderID:    existing.ID,
		Status:     existing.Status,
		TotalCents: existing.TotalCents,
	}
}

// validateOrderItems validates that all products exist and can cover the quantities
func (s *OrderService) validateOrderItems(ctx context.Context, items []OrderItemRequest) (map[int64]*models.Product, error) {
	productIDs := make([]int64, len(items))
	for i, item := range items {
		productIDs[i] = item.ProductID
	}

	products, err := s.store.GetProductsByIDs(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCollaboratorUnavailable, err)
	}

	productMap := make(map[int64]*models.Product)
	for i := range products {
		productMap[products[i].ID] = &products[i]
	}

	requested := make(map[int64]int)
	for _, item := range items {
		product, ok := productMap[item.ProductID]
		if !ok {
			return nil, fmt.Errorf("product %d: %w", item.ProductID, apperr.ErrNotFound)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity for product %d", apperr.ErrInvalid, item.ProductID)
		}
		requested[item.ProductID] += item.Quantity
		if requested[item.ProductID] > product.Stock {
			return nil, fmt.Errorf("%w: only %d of %s left", apperr.ErrInvalid, product.Stock, product.Name)
		}
	}

	return productMap, nil
}

// calculateTotal calculates the total amount for an order
func (s *OrderService) calculateTotal(items []OrderItemRequest, products map[int64]*models.Product) int64 {
	var total int64
	for _, item := range items {
		product := products[item.ProductID]
		total += product.PriceCents * int64(item.Quantity)
	}
	return total
}

// GetOrder retrieves an order with its items
func (s *OrderService) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	items, err := s.store.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return order, nil
}

// ListUserOrders returns the user's most recent orders, newest first
func (s *OrderService) ListUserOrders(ctx context.Context, userID int64, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 50 {
		limit = 10
	}
	return s.store.GetOrdersByUserID(ctx, userID, limit)
}

// LatestOrder returns the user's newest order, nil when there is none
func (s *OrderService) LatestOrder(ctx context.Context, userID int64) (*models.Order, error) {
	orders, err := s.store.GetOrdersByUserID(ctx, userID, 1)
	if err != nil || len(orders) == 0 {
		return nil, err
	}
	return &orders[0], nil
}
