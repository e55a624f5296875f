package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/cart"
	"commerce-bot/internal/discount"
	"commerce-bot/internal/models"
	"commerce-bot/internal/payment"
	"commerce-bot/internal/userlock"
	"commerce-bot/internal/util"

	"go.uber.org/zap"
)

// Config holds the machine's business settings
type Config struct {
	Currency string
}

// Deps are the collaborators of a Machine
type Deps struct {
	Carts     Carts
	Discounts Discounts
	Users     UserStore
	Orders    OrderStore
	Sessions  SessionStore
	Pending   PendingStore
	Payments  Payments
	Fulfiller Fulfiller
}

// Machine applies checkout transitions. All transitions of one user are
// serialized; different users never contend.
type Machine struct {
	deps     Deps
	currency string
	locks    *userlock.Locker
	now      func() time.Time
	logger   *zap.Logger
}

// NewMachine creates a checkout state machine
func NewMachine(cfg Config, deps Deps) *Machine {
	currency := cfg.Currency
	if currency == "" {
		currency = "SGD"
	}
	return &Machine{
		deps:     deps,
		currency: currency,
		locks:    userlock.New(),
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// State returns the user's current checkout state
func (m *Machine) State(ctx context.Context, userID int64) State {
	s, err := m.deps.Sessions.Load(ctx, userID)
	if err != nil {
		m.logger.Warn("Failed to load checkout session", zap.Int64("user_id", userID), zap.Error(err))
		return StateIdle
	}
	if s == nil {
		return StateIdle
	}
	return s.State
}

// ViewCart snapshots the cart into the session and moves to CartReview
func (m *Machine) ViewCart(ctx context.Context, userID int64) (Summary, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.ViewCart")
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	s, err := m.snapshot(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	if err := m.transition(ctx, s, StateCartReview); err != nil {
		return Summary{}, err
	}
	return m.summary(s), nil
}

// BeginCheckout snapshots the cart and asks for an address. When the user
// has a saved address the session stays in CartReview and the summary
// offers it; otherwise it moves to AddressPending.
func (m *Machine) BeginCheckout(ctx context.Context, userID int64) (Summary, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.BeginCheckout")
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	s, err := m.snapshot(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	saved := m.savedAddress(ctx, userID)
	next := StateAddressPending
	if saved != "" {
		next = StateCartReview
	}
	if err := m.transition(ctx, s, next); err != nil {
		return Summary{}, err
	}

	sum := m.summary(s)
	sum.SavedAddress = saved
	return sum, nil
}

// RequestDiscount waits for the user to type a code
func (m *Machine) RequestDiscount(ctx context.Context, userID int64) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	s, err := m.active(ctx, userID)
	if err != nil {
		return err
	}
	switch s.State {
	case StateCartReview, StateAddressPending, StateAddressConfirmed, StateDiscountPending:
	default:
		return fmt.Errorf("%w: %s", ErrUnexpectedState, s.State)
	}
	return m.transition(ctx, s, StateDiscountPending)
}

// SubmitDiscountCode validates and applies a code. An invalid code leaves
// the session in DiscountPending so the user can retry or skip.
func (m *Machine) SubmitDiscountCode(ctx context.Context, userID int64, code string) (Summary, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.SubmitDiscountCode")
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	s, err := m.active(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	if s.State != StateDiscountPending {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnexpectedState, s.State)
	}

	d, err := m.deps.Discounts.Validate(ctx, strings.TrimSpace(code))
	if err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrInvalidDiscount, err)
	}

	res, err := discount.Apply(s.TotalCents, d)
	if err != nil {
		return Summary{}, err
	}

	s.Discount = &AppliedDiscount{
		Discount:      *d,
		DiscountCents: res.DiscountCents,
		Description:   res.Description,
	}
	if err := m.transition(ctx, s, StateCartReview); err != nil {
		return Summary{}, err
	}

	m.logger.Info("Discount applied",
		zap.Int64("user_id", userID),
		zap.String("code", d.Code),
		zap.Int64("discount_cents", res.DiscountCents))

	sum := m.summary(s)
	sum.SavedAddress = m.savedAddress(ctx, userID)
	return sum, nil
}

// SkipDiscount leaves DiscountPending without a code
func (m *Machine) SkipDiscount(ctx context.Context, userID int64) (Summary, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	s, err := m.active(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	if s.State != StateDiscountPending {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnexpectedState, s.State)
	}
	if err := m.transition(ctx, s, StateCartReview); err != nil {
		return Summary{}, err
	}
	sum := m.summary(s)
	sum.SavedAddress = m.savedAddress(ctx, userID)
	return sum, nil
}

// RemoveDiscount drops an applied code and returns to CartReview
func (m *Machine) RemoveDiscount(ctx context.Context, userID int64) (Summary, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	s, err := m.active(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	s.Discount = nil
	if err := m.transition(ctx, s, StateCartReview); err != nil {
		return Summary{}, err
	}
	sum := m.summary(s)
	sum.SavedAddress = m.savedAddress(ctx, userID)
	return sum, nil
}

// UseSavedAddress confirms the user's saved address
func (m *Machine) UseSavedAddress(ctx context.Context, userID int64) (Summary, error) {
	unlock := m.locks.Lock(userID)
	defer unlock()

	s, err := m.active(ctx, userID)
	if err != nil {
		return Summary{}, err
	}

	saved := m.savedAddress(ctx, userID)
	if saved == "" {
		if err := m.transition(ctx, s, StateAddressPending); err != nil {
			return Summary{}, err
		}
		return m.summary(s), ErrNoSavedAddress
	}

	s.Address = saved
	if err := m.transition(ctx, s, StateAddressConfirmed); err != nil {
		return Summary{}, err
	}
	sum := m.summary(s)
	sum.PaymentMethods = m.PaymentOptions()
	return sum, nil
}

// EnterNewAddress waits for the user to type an address
func (m *Machine) EnterNewAddress(ctx context.Context, userID int64) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	s, err := m.active(ctx, userID)
	if err != nil {
		return err
	}
	return m.transition(ctx, s, StateAddressPending)
}

// SubmitAddress confirms a typed address and saves it as the user's default
func (m *Machine) SubmitAddress(ctx context.Context, userID int64, text string) (Summary, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.SubmitAddress")
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	s, err := m.active(ctx, userID)
	if err != nil {
		return Summary{}, err
	}
	if s.State != StateAddressPending {
		return Summary{}, fmt.Errorf("%w: %s", ErrUnexpectedState, s.State)
	}

	address := strings.TrimSpace(text)
	if address == "" {
		return Summary{}, ErrInvalidAddress
	}

	if err := m.deps.Users.SaveUserAddress(ctx, userID, address); err != nil {
		m.logger.Warn("Failed to save delivery address", zap.Int64("user_id", userID), zap.Error(err))
	}

	s.Address = address
	if err := m.transition(ctx, s, StateAddressConfirmed); err != nil {
		return Summary{}, err
	}
	sum := m.summary(s)
	sum.PaymentMethods = m.PaymentOptions()
	return sum, nil
}

// PaymentOptions lists the payment methods a user can pick from
func (m *Machine) PaymentOptions() []models.PaymentMethod {
	return m.deps.Payments.Methods()
}

// SelectPaymentMethod stores a PendingOrder, asks the provider for a payment
// page and takes the checked-out lines out of the cart. Lines added after
// the snapshot stay. On provider failure nothing is kept and the session
// returns to AddressConfirmed.
func (m *Machine) SelectPaymentMethod(ctx context.Context, userID, chatID int64, method models.PaymentMethod, customer Customer) (*payment.Session, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.SelectPaymentMethod")
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	if !method.Valid() {
		return nil, fmt.Errorf("%w: %s", payment.ErrUnknownMethod, method)
	}

	s, err := m.active(ctx, userID)
	if err != nil {
		return nil, err
	}
	switch s.State {
	case StateAddressConfirmed, StateAwaitingProviderRedirect:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedState, s.State)
	}
	if s.Address == "" {
		return nil, fmt.Errorf("%w: %w", ErrUnexpectedState, ErrInvalidAddress)
	}

	if err := m.transition(ctx, s, StatePaymentMethodSelection); err != nil {
		return nil, err
	}

	reference := payment.NewPendingReference(userID)
	pending := models.PendingOrder{
		UserID:           userID,
		ChatID:           chatID,
		Items:            s.Items,
		TotalCents:       s.FinalCents(),
		Address:          s.Address,
		PaymentMethod:    method,
		PaymentReference: reference,
		CreatedAt:        m.now(),
	}
	if s.Discount != nil {
		id := s.Discount.Discount.ID
		pending.DiscountID = &id
		pending.DiscountAmountCents = s.Discount.DiscountCents
	}

	session, err := m.deps.Payments.Create(ctx, method, payment.Request{
		AmountCents:   pending.TotalCents,
		Currency:      m.currency,
		Reference:     reference,
		Description:   describe(s.Items),
		CustomerName:  customer.Name,
		CustomerEmail: customer.Email,
	})
	if err != nil {
		return nil, m.rollbackSelection(ctx, s, err)
	}

	pending.ProviderPaymentID = session.PaymentID
	if err := m.deps.Pending.Save(ctx, pending); err != nil {
		return nil, m.rollbackSelection(ctx, s, err)
	}

	m.deps.Carts.Take(userID, s.Items)

	s.PaymentMethod = method
	s.PaymentReference = reference
	s.ResumeOrderID = 0
	if err := m.transition(ctx, s, StateAwaitingProviderRedirect); err != nil {
		return nil, err
	}

	m.logger.Info("Payment requested",
		zap.Int64("user_id", userID),
		zap.String("method", string(method)),
		zap.String("reference", reference),
		zap.Int64("amount_cents", pending.TotalCents))

	return session, nil
}

func (m *Machine) rollbackSelection(ctx context.Context, s *Session, cause error) error {
	m.logger.Error("Failed to start payment",
		zap.Int64("user_id", s.UserID),
		zap.Error(cause))
	if err := m.transition(ctx, s, StateAddressConfirmed); err != nil {
		m.logger.Error("Failed to restore checkout session", zap.Int64("user_id", s.UserID), zap.Error(err))
	}
	return fmt.Errorf("%w: %v", ErrPaymentUnavailable, cause)
}

// ConfirmPayment applies an authenticated provider confirmation. Repeated
// confirmations for the same reference are no-ops reporting Duplicate.
func (m *Machine) ConfirmPayment(ctx context.Context, c Confirmation) (*models.PaymentConfirmation, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.ConfirmPayment")
	defer span.End()

	ref, err := payment.ParseReference(c.Reference)
	if err != nil {
		return nil, err
	}

	if ref.Kind == payment.ReferenceOrder {
		res, err := m.deps.Fulfiller.ConfirmOrder(ctx, ref.OrderID, ref.Raw, c.ProviderPaymentID)
		if err != nil {
			return nil, err
		}
		m.markPaid(ctx, res.UserID, ref.Raw)
		return res, nil
	}

	unlock := m.locks.Lock(ref.UserID)
	defer unlock()

	res, err := m.deps.Fulfiller.ConfirmPending(ctx, ref.UserID, ref.Raw, c.ProviderPaymentID)
	if err != nil {
		return nil, err
	}
	m.markPaidLocked(ctx, ref.UserID, ref.Raw)
	return res, nil
}

func (m *Machine) markPaid(ctx context.Context, userID int64, reference string) {
	if userID == 0 {
		return
	}
	unlock := m.locks.Lock(userID)
	defer unlock()
	m.markPaidLocked(ctx, userID, reference)
}

func (m *Machine) markPaidLocked(ctx context.Context, userID int64, reference string) {
	s, err := m.deps.Sessions.Load(ctx, userID)
	if err != nil || s == nil || s.PaymentReference != reference {
		return
	}
	s.reset()
	s.State = StatePaid
	s.PaymentReference = reference
	if err := m.save(ctx, s); err != nil {
		m.logger.Warn("Failed to mark checkout session paid", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Abandon handles a provider cancel: the PendingOrder for the reference is
// dropped. Resumed orders stay awaiting payment.
func (m *Machine) Abandon(ctx context.Context, reference string) error {
	ref, err := payment.ParseReference(reference)
	if err != nil {
		return err
	}
	if ref.Kind != payment.ReferencePending {
		return nil
	}

	unlock := m.locks.Lock(ref.UserID)
	defer unlock()

	deleted, err := m.deps.Pending.DeleteIfReference(ctx, ref.UserID, ref.Raw)
	if err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrCollaboratorUnavailable, err)
	}

	s, err := m.deps.Sessions.Load(ctx, ref.UserID)
	if err == nil && s != nil && s.PaymentReference == ref.Raw {
		if err := m.transition(ctx, s, StateAbandoned); err != nil {
			m.logger.Warn("Failed to mark checkout abandoned", zap.Int64("user_id", ref.UserID), zap.Error(err))
		}
	}

	m.logger.Info("Payment abandoned",
		zap.Int64("user_id", ref.UserID),
		zap.String("reference", ref.Raw),
		zap.Bool("pending_deleted", deleted))
	return nil
}

// Cancel returns the user to Idle. The cart is left as it is.
func (m *Machine) Cancel(ctx context.Context, userID int64) error {
	unlock := m.locks.Lock(userID)
	defer unlock()

	if err := m.deps.Sessions.Delete(ctx, userID); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrCollaboratorUnavailable, err)
	}
	util.CheckoutTransitionsTotal.WithLabelValues(string(StateIdle)).Inc()
	return nil
}

// ResumeOrder prepares payment of an existing awaiting_payment order
func (m *Machine) ResumeOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.ResumeOrder")
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	order, err := m.payableOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	s := m.load(ctx, userID)
	s.reset()
	s.ResumeOrderID = orderID
	if err := m.transition(ctx, s, StatePaymentMethodSelection); err != nil {
		return nil, err
	}
	return order, nil
}

// ResumePayment issues a fresh provider request for an awaiting_payment
// order. The order row is reused and carries the new reference.
func (m *Machine) ResumePayment(ctx context.Context, userID, orderID int64, method models.PaymentMethod, customer Customer) (*payment.Session, error) {
	ctx, span := util.StartSpan(ctx, "Checkout.ResumePayment")
	defer span.End()

	unlock := m.locks.Lock(userID)
	defer unlock()

	if !method.Valid() {
		return nil, fmt.Errorf("%w: %s", payment.ErrUnknownMethod, method)
	}

	order, err := m.payableOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}

	reference := payment.OrderReference(orderID)
	session, err := m.deps.Payments.Create(ctx, method, payment.Request{
		AmountCents:   order.TotalCents,
		Currency:      m.currency,
		Reference:     reference,
		Description:   fmt.Sprintf("Order #%d", orderID),
		CustomerName:  customer.Name,
		CustomerEmail: customer.Email,
	})
	if err != nil {
		m.logger.Error("Failed to resume payment", zap.Int64("order_id", orderID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}

	if err := m.deps.Orders.SetPaymentReference(ctx, orderID, reference, session.PaymentID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}

	s := m.load(ctx, userID)
	s.reset()
	s.ResumeOrderID = orderID
	s.PaymentMethod = method
	s.PaymentReference = reference
	if err := m.transition(ctx, s, StateAwaitingProviderRedirect); err != nil {
		return nil, err
	}

	m.logger.Info("Payment resumed",
		zap.Int64("order_id", orderID),
		zap.String("method", string(method)))

	return session, nil
}

func (m *Machine) payableOrder(ctx context.Context, userID, orderID int64) (*models.Order, error) {
	order, err := m.deps.Orders.GetOrderForUser(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != models.OrderStatusAwaitingPayment {
		return nil, fmt.Errorf("%w: order %d is %s", ErrOrderNotPayable, orderID, order.Status)
	}
	items, err := m.deps.Orders.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		m.logger.Warn("Failed to load order items", zap.Int64("order_id", orderID), zap.Error(err))
	}
	order.Items = items
	return order, nil
}

// snapshot copies the current cart into the user's session. An applied
// discount survives when it still applies to the new total.
func (m *Machine) snapshot(ctx context.Context, userID int64) (*Session, error) {
	c := m.deps.Carts.Get(userID)
	if len(c.Items) == 0 {
		return nil, ErrEmptyCart
	}

	s := m.load(ctx, userID)
	if s.State == StateAwaitingProviderRedirect || s.State == StatePaid || s.State == StateAbandoned {
		s.reset()
	}
	s.Items = c.Items
	s.TotalCents = cart.Total(c.Items)
	s.PaymentReference = ""
	s.ResumeOrderID = 0

	if s.Discount != nil {
		res, err := discount.Apply(s.TotalCents, &s.Discount.Discount)
		if err != nil {
			s.Discount = nil
		} else {
			s.Discount.DiscountCents = res.DiscountCents
			s.Discount.Description = res.Description
		}
	}
	return s, nil
}

// active loads a session that still holds a cart snapshot
func (m *Machine) active(ctx context.Context, userID int64) (*Session, error) {
	s, err := m.deps.Sessions.Load(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCollaboratorUnavailable, err)
	}
	if s == nil || len(s.Items) == 0 {
		return nil, fmt.Errorf("checkout for user %d: %w", userID, apperr.ErrSessionExpired)
	}
	return s, nil
}

func (m *Machine) load(ctx context.Context, userID int64) *Session {
	s, err := m.deps.Sessions.Load(ctx, userID)
	if err != nil {
		m.logger.Warn("Failed to load checkout session", zap.Int64("user_id", userID), zap.Error(err))
	}
	if s == nil {
		s = &Session{UserID: userID, State: StateIdle}
	}
	return s
}

func (m *Machine) transition(ctx context.Context, s *Session, to State) error {
	from := s.State
	s.State = to
	if err := m.save(ctx, s); err != nil {
		s.State = from
		return fmt.Errorf("%w: %v", apperr.ErrCollaboratorUnavailable, err)
	}
	util.CheckoutTransitionsTotal.WithLabelValues(string(to)).Inc()
	m.logger.Debug("Checkout transition",
		zap.Int64("user_id", s.UserID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	return nil
}

func (m *Machine) save(ctx context.Context, s *Session) error {
	s.UpdatedAt = m.now()
	return m.deps.Sessions.Save(ctx, s)
}

func (m *Machine) savedAddress(ctx context.Context, userID int64) string {
	address, err := m.deps.Users.GetUserAddress(ctx, userID)
	if err != nil {
		m.logger.Warn("Failed to load saved address", zap.Int64("user_id", userID), zap.Error(err))
		return ""
	}
	return strings.TrimSpace(address)
}

func (m *Machine) summary(s *Session) Summary {
	sum := Summary{
		State:         s.State,
		Items:         s.Items,
		SubtotalCents: s.TotalCents,
		FinalCents:    s.FinalCents(),
		Address:       s.Address,
	}
	if s.Discount != nil {
		sum.DiscountCents = s.Discount.DiscountCents
		sum.DiscountDescription = s.Discount.Description
	}
	return sum
}

func describe(items []models.CartItem) string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		names = append(names, fmt.Sprintf("%s x%d", item.Name, item.Quantity))
	}
	out := []rune(strings.Join(names, ", "))
	if len(out) > 120 {
		return string(out[:117]) + "..."
	}
	return string(out)
}

// IsSessionExpired reports whether err means the checkout has to start over
func IsSessionExpired(err error) bool {
	return errors.Is(err, apperr.ErrSessionExpired)
}
