package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/cart"
	"commerce-bot/internal/checkout"
	"commerce-bot/internal/intent"
	"commerce-bot/internal/models"
	"commerce-bot/internal/payment"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	telegramID = int64(7000)
	chatID     = int64(70)
	userID     = int64(7)
)

var (
	electronics = int64(1)
	mouse       = models.Product{ID: 1, Name: "Gaming Mouse", PriceCents: 4999, Stock: 10, CategoryID: &electronics, Category: "Electronics"}
	mechKeyboard   = models.Product{ID: 2, Name: "Mechanical Keyboard", PriceCents: 8999, Stock: 3, CategoryID: &electronics, Category: "Electronics"}
	headset     = models.Product{ID: 3, Name: "Headset", PriceCents: 2999, Stock: 0, CategoryID: &electronics, Category: "Electronics"}
	save10      = models.Discount{ID: 3, Code: "SAVE10", Kind: models.DiscountFixed, Value: decimal.NewFromInt(10),
		MinimumPurchase: decimal.NewFromInt(50), UsageLimit: 5, IsActive: true}
)

type fakeCatalog struct {
	products []models.Product
}

func (f *fakeCatalog) Categories(context.Context) []models.Category {
	return []models.Category{{ID: electronics, Name: "Electronics"}}
}

func (f *fakeCatalog) Products(_ context.Context, categoryID *int64) []models.Product {
	var out []models.Product
	for _, p := range f.products {
		if categoryID == nil || (p.CategoryID != nil && *p.CategoryID == *categoryID) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeCatalog) Product(_ context.Context, id int64) (models.Product, bool) {
	for _, p := range f.products {
		if p.ID == id {
			return p, true
		}
	}
	return models.Product{}, false
}

func (f *fakeCatalog) Search(_ context.Context, query string) []models.Product {
	var out []models.Product
	for _, p := range f.products {
		if strings.Contains(strings.ToLower(p.Name), strings.ToLower(query)) {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeCatalog) InStock(context.Context) []models.Product {
	var out []models.Product
	for _, p := range f.products {
		if p.InStock() {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeCatalog) ProductsByIDs(_ context.Context, ids []int64) []models.Product {
	var out []models.Product
	for _, id := range ids {
		if p, ok := f.Product(context.Background(), id); ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeUsers struct {
	mu        sync.Mutex
	addresses map[int64]string
	fail      bool
}

func (f *fakeUsers) GetOrCreateUser(_ context.Context, tgID int64, name string) (*models.User, error) {
	if f.fail {
		return nil, fmt.Errorf("%w: db down", apperr.ErrCollaboratorUnavailable)
	}
	return &models.User{ID: tgID / 1000, TelegramID: tgID, Name: name}, nil
}

func (f *fakeUsers) GetUserAddress(_ context.Context, id int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addresses[id], nil
}

func (f *fakeUsers) SaveUserAddress(_ context.Context, id int64, address string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses[id] = address
	return nil
}

type fakeDiscounts struct{}

func (fakeDiscounts) Validate(_ context.Context, code string) (*models.Discount, error) {
	if strings.EqualFold(code, save10.Code) {
		d := save10
		return &d, nil
	}
	return nil, fmt.Errorf("%w: %w", apperr.ErrInvalid, apperr.ErrNotFound)
}

func (fakeDiscounts) Active(context.Context, int) []models.Discount {
	return []models.Discount{save10}
}

type fakeOrders struct {
	orders     map[int64]*models.Order
	references map[int64]string
}

func (f *fakeOrders) GetOrderForUser(_ context.Context, uid, orderID int64) (*models.Order, error) {
	o, ok := f.orders[orderID]
	if !ok || o.UserID != uid {
		return nil, fmt.Errorf("order %d: %w", orderID, apperr.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	return []models.OrderItem{{OrderID: orderID, ProductID: 1, ProductName: "Gaming Mouse", Quantity: 1, UnitPriceCents: 4999}}, nil
}

func (f *fakeOrders) SetPaymentReference(_ context.Context, orderID int64, reference, _ string) error {
	f.references[orderID] = reference
	return nil
}

func (f *fakeOrders) ListUserOrders(_ context.Context, uid int64, _ int) ([]models.Order, error) {
	var out []models.Order
	for _, o := range f.orders {
		if o.UserID == uid {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeOrders) LatestOrder(ctx context.Context, uid int64) (*models.Order, error) {
	orders, _ := f.ListUserOrders(ctx, uid, 1)
	if len(orders) == 0 {
		return nil, nil
	}
	return &orders[0], nil
}

func (f *fakeOrders) GetOrder(_ context.Context, orderID int64) (*models.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, apperr.ErrNotFound)
	}
	cp := *o
	cp.Items = []models.OrderItem{{OrderID: orderID, ProductID: 1, ProductName: "Gaming Mouse", Quantity: 1, UnitPriceCents: 4999}}
	return &cp, nil
}

type fakePayments struct {
	fail     bool
	requests []payment.Request
}

func (f *fakePayments) Methods() []models.PaymentMethod {
	return []models.PaymentMethod{models.PaymentPayPal, models.PaymentHitPay}
}

func (f *fakePayments) Create(_ context.Context, method models.PaymentMethod, req payment.Request) (*payment.Session, error) {
	if f.fail {
		return nil, fmt.Errorf("%w: timeout", apperr.ErrCollaboratorUnavailable)
	}
	f.requests = append(f.requests, req)
	return &payment.Session{PaymentURL: "https://pay.example/" + req.Reference, PaymentID: string(method) + "-1"}, nil
}

type noFulfiller struct{}

func (noFulfiller) ConfirmPending(context.Context, int64, string, string) (*models.PaymentConfirmation, error) {
	return nil, apperr.ErrNotFound
}

func (noFulfiller) ConfirmOrder(context.Context, int64, string, string) (*models.PaymentConfirmation, error) {
	return nil, apperr.ErrNotFound
}

type recordingSender struct {
	mu       sync.Mutex
	replies  []Reply
	answered []string
}

func (s *recordingSender) Send(_ context.Context, _ int64, r Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
	return nil
}

func (s *recordingSender) AnswerCallback(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answered = append(s.answered, id)
	return nil
}

type botHarness struct {
	handler  *Handler
	carts    *cart.Manager
	machine  *checkout.Machine
	users    *fakeUsers
	orders   *fakeOrders
	payments *fakePayments
	sender   *recordingSender
}

func newBotHarness() *botHarness {
	h := &botHarness{
		carts: cart.NewManager(0),
		users: &fakeUsers{addresses: map[int64]string{}},
		orders: &fakeOrders{
			orders: map[int64]*models.Order{
				5: {ID: 5, UserID: userID, TotalCents: 4999, Status: models.OrderStatusAwaitingPayment, CreatedAt: time.Now()},
			},
			references: map[int64]string{},
		},
		payments: &fakePayments{},
		sender:   &recordingSender{},
	}
	h.machine = checkout.NewMachine(checkout.Config{Currency: "SGD"}, checkout.Deps{
		Carts:     h.carts,
		Discounts: fakeDiscounts{},
		Users:     h.users,
		Orders:    h.orders,
		Sessions:  checkout.NewMemorySessions(),
		Pending:   checkout.NewMemoryPending(),
		Payments:  h.payments,
		Fulfiller: noFulfiller{},
	})
	h.handler = NewHandler(Config{CustomerEmail: "shop@example.com"}, Deps{
		Users:     h.users,
		Catalog:   &fakeCatalog{products: []models.Product{mouse, mechKeyboard, headset}},
		Carts:     h.carts,
		Checkout:  h.machine,
		Orders:    h.orders,
		Discounts: fakeDiscounts{},
		Resolver:  intent.NewResolver(nil, nil),
		Sender:    h.sender,
	})
	return h
}

func (h *botHarness) text(text string) Reply {
	h.handler.Handle(context.Background(), Update{TelegramID: telegramID, ChatID: chatID, Name: "Ann", Text: text})
	return h.last()
}

func (h *botHarness) press(data string) Reply {
	h.handler.Handle(context.Background(), Update{TelegramID: telegramID, ChatID: chatID, Name: "Ann", CallbackID: "cb", CallbackData: data})
	return h.last()
}

func (h *botHarness) last() Reply {
	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	if len(h.sender.replies) == 0 {
		return Reply{}
	}
	return h.sender.replies[len(h.sender.replies)-1]
}

func (h *botHarness) sent() int {
	h.sender.mu.Lock()
	defer h.sender.mu.Unlock()
	return len(h.sender.replies)
}

func hasButton(r Reply, data string) bool {
	for _, rw := range r.Buttons {
		for _, a := range rw {
			if a.Data == data {
				return true
			}
		}
	}
	return false
}

func linkOf(r Reply) string {
	for _, rw := range r.Buttons {
		for _, a := range rw {
			if a.URL != "" {
				return a.URL
			}
		}
	}
	return ""
}

func TestStartShowsMenuAndDiscounts(t *testing.T) {
	h := newBotHarness()

	r := h.text("/start")
	assert.Contains(t, r.Text, "Welcome, Ann")
	assert.Contains(t, r.Text, "SAVE10 - $10.00 OFF (Min: $50.00)")
	assert.True(t, hasButton(r, "categories"))
	assert.True(t, hasButton(r, "chat_with_agent"))
}

func TestUserLookupFailureSendsError(t *testing.T) {
	h := newBotHarness()
	h.users.fail = true

	r := h.text("/start")
	assert.Contains(t, r.Text, "Something went wrong")
}

func TestCallbacksAreAnswered(t *testing.T) {
	h := newBotHarness()

	h.press("categories")
	h.press("bogus_1")
	assert.Equal(t, []string{"cb", "cb"}, h.sender.answered)
}

func TestUnknownCallbackSendsNothing(t *testing.T) {
	h := newBotHarness()

	h.press("bogus_1")
	assert.Zero(t, h.sent())
}

func TestBrowseAndAddToCart(t *testing.T) {
	h := newBotHarness()

	r := h.press("category_1")
	assert.Contains(t, r.Text, "ELECTRONICS")
	assert.True(t, hasButton(r, "prod_1"))

	r = h.press("prod_1")
	assert.Contains(t, r.Text, "Gaming Mouse")
	assert.Contains(t, r.Text, "$49.99")
	assert.True(t, hasButton(r, "add_1_5"))

	r = h.press("add_1_2")
	assert.Contains(t, r.Text, "✅ 2x Gaming Mouse")
	assert.Contains(t, r.Text, "Total: $99.98")

	r = h.press("add_1_1")
	assert.Contains(t, r.Text, "1 more Gaming Mouse (now 3 total)")

	r = h.press("view_cart")
	assert.Contains(t, r.Text, "Gaming Mouse (×3) - $149.97")
	assert.True(t, hasButton(r, "dec_1"))

	r = h.press("dec_1")
	assert.Contains(t, r.Text, "Gaming Mouse (×2)")

	r = h.press("remove_1")
	assert.Contains(t, r.Text, "Your cart is empty")
}

func TestOutOfStockProducts(t *testing.T) {
	h := newBotHarness()

	r := h.press("prod_3")
	assert.Contains(t, r.Text, "Out of Stock")
	assert.False(t, hasButton(r, "add_3_1"))

	r = h.press("add_3_1")
	assert.Contains(t, r.Text, "Headset is out of stock")

	r = h.press("add_2_5")
	assert.Contains(t, r.Text, "Only 3 of Mechanical Keyboard left in stock")
	assert.Zero(t, h.carts.Count(userID))
}

func TestCustomQuantity(t *testing.T) {
	h := newBotHarness()

	r := h.press("askqty_1")
	assert.Contains(t, r.Text, "Enter amount for Gaming Mouse")

	r = h.text("lots")
	assert.Contains(t, r.Text, "Please enter a valid number")

	r = h.text("0")
	assert.Contains(t, r.Text, "Quantity must be greater than 0")

	r = h.text("4")
	assert.Contains(t, r.Text, "4x Gaming Mouse")
	assert.Equal(t, 4, h.carts.Count(userID))

	r = h.text("4")
	assert.Contains(t, r.Text, "I didn't catch that")
}

func TestSearch(t *testing.T) {
	h := newBotHarness()

	h.press("search_products")
	r := h.text("keyboard")
	assert.Contains(t, r.Text, "SEARCH RESULTS")
	assert.True(t, hasButton(r, "prod_2"))

	r = h.text("keyboard")
	assert.Contains(t, r.Text, "I didn't catch that")
}

func TestCheckoutWithTypedAddress(t *testing.T) {
	h := newBotHarness()
	h.press("add_1_2")

	r := h.press("checkout_summary")
	assert.Contains(t, r.Text, "Order Summary")
	assert.Contains(t, r.Text, "Please type your delivery address")
	assert.Equal(t, checkout.StateAddressPending, h.machine.State(context.Background(), userID))

	r = h.text("1 Main St")
	assert.Contains(t, r.Text, "📍 1 Main St")
	assert.True(t, hasButton(r, "pay_paypal"))
	assert.True(t, hasButton(r, "pay_hitpay"))

	r = h.press("pay_hitpay")
	assert.Contains(t, r.Text, "Pay with")
	assert.True(t, strings.HasPrefix(linkOf(r), "https://pay.example/PO-7-"))
	require.Len(t, h.payments.requests, 1)
	assert.Equal(t, int64(9998), h.payments.requests[0].AmountCents)
	assert.Equal(t, "shop@example.com", h.payments.requests[0].CustomerEmail)
	assert.Zero(t, h.carts.Count(userID))
}

func TestCheckoutWithSavedAddress(t *testing.T) {
	h := newBotHarness()
	h.users.addresses[userID] = "9 Old Rd"
	h.press("add_1_1")

	r := h.press("checkout_summary")
	assert.Contains(t, r.Text, "Previous address:\n\n9 Old Rd")
	assert.True(t, hasButton(r, "use_saved_address"))

	r = h.press("use_saved_address")
	assert.Contains(t, r.Text, "📍 9 Old Rd")
	assert.True(t, hasButton(r, "pay_paypal"))
}

func TestPaymentFailureOffersMethodsAgain(t *testing.T) {
	h := newBotHarness()
	h.payments.fail = true
	h.press("add_1_1")
	h.press("checkout_summary")
	h.text("1 Main St")

	r := h.press("pay_paypal")
	assert.Contains(t, r.Text, "couldn't start the payment")
	assert.True(t, hasButton(r, "pay_paypal"))
	assert.Equal(t, 1, h.carts.Count(userID))
}

func TestDiscountCodeFlow(t *testing.T) {
	h := newBotHarness()
	h.press("add_1_2")
	h.press("checkout_summary")

	r := h.press("apply_discount_code")
	assert.Contains(t, r.Text, "type your discount code")

	r = h.text("BOGUS")
	assert.Contains(t, r.Text, "Invalid or expired discount code")
	assert.True(t, hasButton(r, "skip_discount"))

	before := h.sent()
	r = h.text("SAVE10")
	require.Equal(t, before+2, h.sent())
	assert.Contains(t, h.sender.replies[before].Text, "New Total: $89.98")
	assert.Contains(t, r.Text, "Please type your delivery address")
	assert.True(t, hasButton(r, "remove_discount"))

	r = h.text("1 Main St")
	assert.Contains(t, r.Text, "Total: $89.98")

	h.press("pay_paypal")
	require.Len(t, h.payments.requests, 1)
	assert.Equal(t, int64(8998), h.payments.requests[0].AmountCents)
}

func TestDiscountMinimumNotMet(t *testing.T) {
	h := newBotHarness()
	// $29.99 is below the $50 minimum
	_, err := h.carts.Add(userID, models.Product{ID: 9, Name: "Cable", PriceCents: 2999, Stock: 5}, 1)
	require.NoError(t, err)
	h.press("checkout_summary")
	h.press("apply_discount_code")

	r := h.text("SAVE10")
	assert.Contains(t, r.Text, "Minimum purchase not met")
	assert.Contains(t, r.Text, "$50.00")
	assert.Contains(t, r.Text, "$29.99")

	r = h.press("skip_discount")
	assert.Contains(t, r.Text, "Please type your delivery address")
	assert.Equal(t, checkout.StateAddressPending, h.machine.State(context.Background(), userID))
}

func TestStartCancelsAddressPrompt(t *testing.T) {
	h := newBotHarness()
	h.press("add_1_1")
	h.press("checkout_summary")

	h.text("/start")
	assert.NotEqual(t, checkout.StateAddressPending, h.machine.State(context.Background(), userID))

	r := h.text("1 Main St")
	assert.Contains(t, r.Text, "I didn't catch that")
	assert.Empty(t, h.users.addresses[userID])
}

func TestCheckoutWithEmptyCart(t *testing.T) {
	h := newBotHarness()

	r := h.press("checkout_summary")
	assert.Contains(t, r.Text, "Your cart is empty")
}

func TestOrdersAndResume(t *testing.T) {
	h := newBotHarness()

	r := h.press("my_orders")
	assert.Contains(t, r.Text, "#5")
	assert.True(t, hasButton(r, "pay_order_5"))

	r = h.press("last_order")
	assert.Contains(t, r.Text, "Order #5")
	assert.Contains(t, r.Text, "Gaming Mouse (×1) - $49.99")

	r = h.press("pay_order_5")
	assert.Contains(t, r.Text, "Pay Order #5")
	assert.True(t, hasButton(r, "resume_paypal_5"))

	r = h.press("resume_paypal_5")
	assert.Equal(t, "https://pay.example/ORD-5", linkOf(r))
	assert.Equal(t, "ORD-5", h.orders.references[5])

	r = h.press("pay_order_6")
	assert.Contains(t, r.Text, "Order not found")
}

func TestResumePaidOrder(t *testing.T) {
	h := newBotHarness()
	h.orders.orders[5].Status = models.OrderStatusPaid

	r := h.press("pay_order_5")
	assert.Contains(t, r.Text, "no longer awaiting payment")
}

func TestChatAddsProducts(t *testing.T) {
	h := newBotHarness()

	r := h.press("chat_with_agent")
	assert.Contains(t, r.Text, "AI SHOPPING ASSISTANT")

	r = h.text("add 2 gaming mouse to my cart")
	assert.Contains(t, r.Text, "✅ 2x Gaming Mouse")
	assert.Equal(t, 2, h.carts.Count(userID))

	r = h.text("details of the mechanical keyboard")
	assert.Contains(t, r.Text, "Mechanical Keyboard")
	assert.True(t, hasButton(r, "continue_chat"))

	r = h.text("something for my dad")
	assert.Equal(t, intent.DefaultPitch, r.Text)

	r = h.text("bye")
	assert.Contains(t, r.Text, "Thanks for chatting")

	r = h.text("gaming mouse")
	assert.Contains(t, r.Text, "I didn't catch that")
}

func TestChatReadyWithoutInterests(t *testing.T) {
	h := newBotHarness()
	h.text("/chat")

	r := h.text("ready")
	assert.Contains(t, r.Text, "Tell me more")
}

func TestIdleConversationsAreDropped(t *testing.T) {
	h := newBotHarness()
	now := time.Now()
	h.handler.now = func() time.Time { return now }

	h.text("/chat")
	require.Len(t, h.handler.convs, 1)
	assert.True(t, h.handler.convs[userID].chatMode)

	now = now.Add(3 * time.Hour)
	h.handler.conversationOf(99)

	assert.Len(t, h.handler.convs, 1)
	assert.NotContains(t, h.handler.convs, int64(userID))

	r := h.text("gaming mouse")
	assert.Contains(t, r.Text, "I didn't catch that")
}
