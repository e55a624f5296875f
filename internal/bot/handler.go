package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"commerce-bot/internal/apperr"
	"commerce-bot/internal/cart"
	"commerce-bot/internal/checkout"
	"commerce-bot/internal/discount"
	"commerce-bot/internal/intent"
	"commerce-bot/internal/models"
	"commerce-bot/internal/money"
	"commerce-bot/internal/util"

	"go.uber.org/zap"
)

// Users maps chat accounts to customers
type Users interface {
	GetOrCreateUser(ctx context.Context, telegramID int64, name string) (*models.User, error)
}

// Catalog is the read side of the product catalog
type Catalog interface {
	Categories(ctx context.Context) []models.Category
	Products(ctx context.Context, categoryID *int64) []models.Product
	Product(ctx context.Context, id int64) (models.Product, bool)
	Search(ctx context.Context, query string) []models.Product
	InStock(ctx context.Context) []models.Product
	ProductsByIDs(ctx context.Context, ids []int64) []models.Product
}

// Carts edits shopping carts
type Carts interface {
	Add(userID int64, product models.Product, qty int) (models.CartItem, error)
	Increment(userID, productID int64) (int, bool)
	Decrement(userID, productID int64) (int, bool)
	Remove(userID, productID int64) bool
	Clear(userID int64) int
	Get(userID int64) models.Cart
	Count(userID int64) int
	MaxQuantity() int
}

// Orders reads order history
type Orders interface {
	ListUserOrders(ctx context.Context, userID int64, limit int) ([]models.Order, error)
	LatestOrder(ctx context.Context, userID int64) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)
}

// Discounts lists codes worth advertising
type Discounts interface {
	Active(ctx context.Context, limit int) []models.Discount
}

// Sender delivers replies to a chat
type Sender interface {
	Send(ctx context.Context, chatID int64, r Reply) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Config holds chat behaviour settings
type Config struct {
	CustomerEmail  string
	HistoryLimit   int
	OrderListLimit int

	// ConversationTTL drops chat state of users idle for longer
	ConversationTTL time.Duration
}

// Deps are the collaborators of a Handler
type Deps struct {
	Users     Users
	Catalog   Catalog
	Carts     Carts
	Checkout  *checkout.Machine
	Orders    Orders
	Discounts Discounts
	Resolver  *intent.Resolver
	Sender    Sender
}

// conversation is the chat-side state of one user
type conversation struct {
	lastSeen         time.Time
	chatMode         bool
	history          intent.History
	interests        string
	awaitingSearch   bool
	awaitingQuantity int64
}

// request is one update bound to its customer
type request struct {
	Update
	userID int64
	conv   *conversation
}

// Handler routes updates to the catalog, cart and checkout
type Handler struct {
	cfg    Config
	deps   Deps
	mu        sync.Mutex
	convs     map[int64]*conversation
	lastSweep time.Time
	now       func() time.Time
	logger    *zap.Logger
}

// NewHandler creates an update handler
func NewHandler(cfg Config, deps Deps) *Handler {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	if cfg.OrderListLimit <= 0 {
		cfg.OrderListLimit = 10
	}
	if cfg.ConversationTTL <= 0 {
		cfg.ConversationTTL = 2 * time.Hour
	}
	return &Handler{
		cfg:    cfg,
		deps:   deps,
		convs:  make(map[int64]*conversation),
		now:    time.Now,
		logger: util.GetLogger(),
	}
}

// conversationOf returns the user's chat state. Callers rely on the
// dispatcher to serialize updates of one user.
func (h *Handler) conversationOf(userID int64) *conversation {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if now.Sub(h.lastSweep) >= time.Minute {
		h.sweepLocked(now)
	}

	c, ok := h.convs[userID]
	if !ok || now.Sub(c.lastSeen) > h.cfg.ConversationTTL {
		c = &conversation{}
		h.convs[userID] = c
	}
	c.lastSeen = now
	return c
}

func (h *Handler) sweepLocked(now time.Time) {
	h.lastSweep = now
	for id, c := range h.convs {
		if now.Sub(c.lastSeen) > h.cfg.ConversationTTL {
			delete(h.convs, id)
		}
	}
}

// Handle processes one update
func (h *Handler) Handle(ctx context.Context, u Update) {
	ctx, span := util.StartSpan(ctx, "Bot.Handle")
	defer span.End()

	if u.CallbackID != "" {
		defer func() {
			if err := h.deps.Sender.AnswerCallback(ctx, u.CallbackID, ""); err != nil {
				h.logger.Debug("Failed to answer callback", zap.Error(err))
			}
		}()
	}

	user, err := h.deps.Users.GetOrCreateUser(ctx, u.TelegramID, u.Name)
	if err != nil {
		h.logger.Error("Failed to resolve user", zap.Int64("telegram_id", u.TelegramID), zap.Error(err))
		h.send(ctx, u.ChatID, errorView())
		return
	}

	req := &request{Update: u, userID: user.ID, conv: h.conversationOf(user.ID)}
	if u.CallbackData != "" {
		h.handleCallback(ctx, req)
		return
	}
	h.handleText(ctx, req)
}

func (h *Handler) handleCallback(ctx context.Context, req *request) {
	cb, err := ParseCallback(req.CallbackData)
	if err != nil {
		h.logger.Warn("Ignoring callback", zap.String("data", req.CallbackData), zap.Error(err))
		return
	}

	switch cb.Kind {
	case KindStart:
		h.start(ctx, req)
	case KindHelp:
		h.send(ctx, req.ChatID, helpView())
	case KindIgnore:
	case KindCategories:
		h.send(ctx, req.ChatID, categoriesView(h.deps.Catalog.Categories(ctx)))
	case KindCategory:
		h.showCategory(ctx, req, cb.ID)
	case KindProduct:
		h.showProduct(ctx, req, cb.ID)
	case KindAdd:
		h.addFromButton(ctx, req, cb.ID, cb.Quantity)
	case KindAskQuantity:
		h.askQuantity(ctx, req, cb.ID)
	case KindSearch:
		h.clearPrompts(ctx, req)
		req.conv.awaitingSearch = true
		h.send(ctx, req.ChatID, Reply{
			Text:    "🔍 SEARCH\n\nType a product name or keyword:",
			Buttons: [][]models.Action{row(menuButton)},
		})
	case KindViewCart:
		h.showCart(ctx, req)
	case KindIncrement:
		h.deps.Carts.Increment(req.userID, cb.ID)
		h.showCart(ctx, req)
	case KindDecrement:
		h.deps.Carts.Decrement(req.userID, cb.ID)
		h.showCart(ctx, req)
	case KindRemove:
		h.deps.Carts.Remove(req.userID, cb.ID)
		h.showCart(ctx, req)
	case KindClearCart:
		h.deps.Carts.Clear(req.userID)
		if err := h.deps.Checkout.Cancel(ctx, req.userID); err != nil {
			h.logger.Warn("Failed to reset checkout", zap.Int64("user_id", req.userID), zap.Error(err))
		}
		h.send(ctx, req.ChatID, Reply{
			Text:    "🧹 Cart cleared.",
			Buttons: [][]models.Action{row(browseButton, menuButton)},
		})
	case KindCheckout:
		h.beginCheckout(ctx, req)
	case KindUseSavedAddress:
		h.useSavedAddress(ctx, req)
	case KindEnterAddress:
		if err := h.deps.Checkout.EnterNewAddress(ctx, req.userID); err != nil {
			h.checkoutFailed(ctx, req, err)
			return
		}
		h.send(ctx, req.ChatID, addressPromptView())
	case KindApplyDiscount:
		if err := h.deps.Checkout.RequestDiscount(ctx, req.userID); err != nil {
			h.checkoutFailed(ctx, req, err)
			return
		}
		h.send(ctx, req.ChatID, discountPromptView())
	case KindSkipDiscount:
		sum, err := h.deps.Checkout.SkipDiscount(ctx, req.userID)
		if err != nil {
			h.checkoutFailed(ctx, req, err)
			return
		}
		h.showSummary(ctx, req, sum)
	case KindRemoveDiscount:
		sum, err := h.deps.Checkout.RemoveDiscount(ctx, req.userID)
		if err != nil {
			h.checkoutFailed(ctx, req, err)
			return
		}
		h.showSummary(ctx, req, sum)
	case KindPay:
		h.pay(ctx, req, cb.Method)
	case KindMyOrders:
		h.showOrders(ctx, req)
	case KindLastOrder:
		h.showLastOrder(ctx, req)
	case KindPayOrder:
		h.resumeOrder(ctx, req, cb.ID)
	case KindResume:
		h.resumePayment(ctx, req, cb.ID, cb.Method)
	case KindChat:
		h.startChat(ctx, req)
	case KindContinueChat:
		req.conv.chatMode = true
		h.send(ctx, req.ChatID, Reply{
			Text:    "💬 What else can I help you find?",
			Buttons: [][]models.Action{row(cartButton, menuButton)},
		})
	}
}

func (h *Handler) handleText(ctx context.Context, req *request) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return
	}

	switch strings.ToLower(strings.Fields(text)[0]) {
	case "/start":
		h.start(ctx, req)
		return
	case "/help":
		h.send(ctx, req.ChatID, helpView())
		return
	case "/cancel":
		h.cancel(ctx, req)
		return
	case "/chat":
		h.startChat(ctx, req)
		return
	}

	if req.conv.awaitingSearch {
		req.conv.awaitingSearch = false
		h.send(ctx, req.ChatID, productListView("🔍 SEARCH RESULTS", h.deps.Catalog.Search(ctx, text), 10))
		return
	}

	if pid := req.conv.awaitingQuantity; pid != 0 {
		h.customQuantity(ctx, req, pid, text)
		return
	}

	switch h.deps.Checkout.State(ctx, req.userID) {
	case checkout.StateAddressPending:
		h.submitAddress(ctx, req, text)
		return
	case checkout.StateDiscountPending:
		h.submitDiscount(ctx, req, text)
		return
	}

	if req.conv.chatMode {
		h.chat(ctx, req, text)
		return
	}

	h.send(ctx, req.ChatID, Reply{
		Text: "I didn't catch that. Use the menu or tap 💬 AI Assistant to chat with me.",
		Buttons: [][]models.Action{
			row(button("💬 AI Assistant", Callback{Kind: KindChat})),
			row(menuButton),
		},
	})
}

func (h *Handler) send(ctx context.Context, chatID int64, r Reply) {
	if err := h.deps.Sender.Send(ctx, chatID, r); err != nil {
		h.logger.Error("Failed to send message", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (h *Handler) start(ctx context.Context, req *request) {
	h.clearPrompts(ctx, req)
	req.conv.chatMode = false
	h.send(ctx, req.ChatID, mainMenuView(req.Name, h.deps.Carts.Count(req.userID), h.deps.Discounts.Active(ctx, 5)))
}

func (h *Handler) cancel(ctx context.Context, req *request) {
	req.conv.awaitingSearch = false
	req.conv.awaitingQuantity = 0
	req.conv.chatMode = false
	if err := h.deps.Checkout.Cancel(ctx, req.userID); err != nil {
		h.logger.Warn("Failed to cancel checkout", zap.Int64("user_id", req.userID), zap.Error(err))
	}
	h.send(ctx, req.ChatID, Reply{
		Text:    "❌ Cancelled.",
		Buttons: [][]models.Action{row(cartButton, menuButton)},
	})
}

// clearPrompts drops any pending question so the next text is not taken
// as an answer to it. A checkout waiting for typed input is cancelled.
func (h *Handler) clearPrompts(ctx context.Context, req *request) {
	req.conv.awaitingSearch = false
	req.conv.awaitingQuantity = 0
	switch h.deps.Checkout.State(ctx, req.userID) {
	case checkout.StateAddressPending, checkout.StateDiscountPending:
		if err := h.deps.Checkout.Cancel(ctx, req.userID); err != nil {
			h.logger.Warn("Failed to cancel checkout", zap.Int64("user_id", req.userID), zap.Error(err))
		}
	}
}

func (h *Handler) showCategory(ctx context.Context, req *request, categoryID int64) {
	products := h.deps.Catalog.Products(ctx, &categoryID)
	title := "📂 PRODUCTS"
	if len(products) > 0 && products[0].Category != "" {
		title = "📂 " + strings.ToUpper(products[0].Category)
	}
	h.send(ctx, req.ChatID, productListView(title, products, 0))
}

func (h *Handler) showProduct(ctx context.Context, req *request, productID int64) {
	p, ok := h.deps.Catalog.Product(ctx, productID)
	if !ok {
		h.send(ctx, req.ChatID, Reply{Text: "Product not found.", Buttons: [][]models.Action{row(browseButton)}})
		return
	}
	h.send(ctx, req.ChatID, productView(p, req.conv.chatMode))
}

func (h *Handler) askQuantity(ctx context.Context, req *request, productID int64) {
	p, ok := h.deps.Catalog.Product(ctx, productID)
	if !ok {
		h.send(ctx, req.ChatID, Reply{Text: "Product not found.", Buttons: [][]models.Action{row(browseButton)}})
		return
	}
	h.clearPrompts(ctx, req)
	req.conv.awaitingQuantity = productID
	h.send(ctx, req.ChatID, Reply{Text: fmt.Sprintf("⌨️ QUANTITY\n\nEnter amount for %s\n\n/cancel to stop", p.Name)})
}

func (h *Handler) customQuantity(ctx context.Context, req *request, productID int64, text string) {
	qty, err := strconv.Atoi(text)
	if err != nil {
		h.send(ctx, req.ChatID, Reply{Text: "Please enter a valid number\n\n/cancel to stop"})
		return
	}
	if qty <= 0 {
		h.send(ctx, req.ChatID, Reply{Text: "Quantity must be greater than 0"})
		return
	}
	req.conv.awaitingQuantity = 0
	h.addFromButton(ctx, req, productID, qty)
}

func (h *Handler) addFromButton(ctx context.Context, req *request, productID int64, qty int) {
	p, ok := h.deps.Catalog.Product(ctx, productID)
	if !ok {
		h.send(ctx, req.ChatID, Reply{Text: "Product not found.", Buttons: [][]models.Action{row(browseButton)}})
		return
	}
	line, err := h.addToCart(req.userID, p, qty)
	if err != nil {
		h.send(ctx, req.ChatID, Reply{Text: h.addFailure(p, err), Buttons: [][]models.Action{row(cartButton, menuButton)}})
		return
	}
	if req.conv.chatMode {
		req.conv.history = req.conv.history.AddAgent("Added " + line + " to cart.").Limit(h.cfg.HistoryLimit)
	}
	h.send(ctx, req.ChatID, addedView([]string{line}, h.deps.Carts.Get(req.userID)))
}

// addToCart adds and describes the change the way the customer sees it
func (h *Handler) addToCart(userID int64, p models.Product, qty int) (string, error) {
	item, err := h.deps.Carts.Add(userID, p, qty)
	if err != nil {
		return "", err
	}
	if item.Quantity > qty {
		return fmt.Sprintf("%d more %s (now %d total)", qty, p.Name, item.Quantity), nil
	}
	return fmt.Sprintf("%dx %s", qty, p.Name), nil
}

func (h *Handler) addFailure(p models.Product, err error) string {
	var oos *cart.OutOfStockError
	switch {
	case errors.As(err, &oos):
		if oos.Available == 0 {
			return fmt.Sprintf("❌ %s is out of stock.", p.Name)
		}
		return fmt.Sprintf("⚠️ Only %d of %s left in stock.", oos.Available, p.Name)
	case errors.Is(err, cart.ErrQuantityExceeded):
		return fmt.Sprintf("⚠️ You can add at most %d at a time.", h.deps.Carts.MaxQuantity())
	case errors.Is(err, cart.ErrInvalidQuantity):
		return "Quantity must be greater than 0"
	}
	h.logger.Error("Failed to add to cart", zap.Int64("product_id", p.ID), zap.Error(err))
	return fmt.Sprintf("⚠️ Could not add %s to your cart.", p.Name)
}

func (h *Handler) showCart(ctx context.Context, req *request) {
	sum, err := h.deps.Checkout.ViewCart(ctx, req.userID)
	if err != nil {
		h.checkoutFailed(ctx, req, err)
		return
	}
	h.send(ctx, req.ChatID, cartView(sum))
}

func (h *Handler) beginCheckout(ctx context.Context, req *request) {
	sum, err := h.deps.Checkout.BeginCheckout(ctx, req.userID)
	if err != nil {
		h.checkoutFailed(ctx, req, err)
		return
	}
	h.send(ctx, req.ChatID, checkoutView(sum))
}

// showSummary renders the order summary after a discount step. Without a
// saved address the session goes back to waiting for a typed one.
func (h *Handler) showSummary(ctx context.Context, req *request, sum checkout.Summary) {
	if sum.SavedAddress == "" {
		if err := h.deps.Checkout.EnterNewAddress(ctx, req.userID); err != nil {
			h.checkoutFailed(ctx, req, err)
			return
		}
		sum.State = checkout.StateAddressPending
	}
	h.send(ctx, req.ChatID, checkoutView(sum))
}

func (h *Handler) useSavedAddress(ctx context.Context, req *request) {
	sum, err := h.deps.Checkout.UseSavedAddress(ctx, req.userID)
	if errors.Is(err, checkout.ErrNoSavedAddress) {
		h.send(ctx, req.ChatID, addressPromptView())
		return
	}
	if err != nil {
		h.checkoutFailed(ctx, req, err)
		return
	}
	h.send(ctx, req.ChatID, paymentMethodsView(sum))
}

func (h *Handler) submitAddress(ctx context.Context, req *request, text string) {
	sum, err := h.deps.Checkout.SubmitAddress(ctx, req.userID, text)
	if errors.Is(err, checkout.ErrInvalidAddress) {
		h.send(ctx, req.ChatID, addressPromptView())
		return
	}
	if err != nil {
		h.checkoutFailed(ctx, req, err)
		return
	}
	h.send(ctx, req.ChatID, paymentMethodsView(sum))
}

func (h *Handler) submitDiscount(ctx context.Context, req *request, code string) {
	sum, err := h.deps.Checkout.SubmitDiscountCode(ctx, req.userID, code)
	skip := [][]models.Action{row(button("⏭ Skip", Callback{Kind: KindSkipDiscount}))}

	var notEligible *discount.NotEligibleError
	switch {
	case err == nil:
		h.send(ctx, req.ChatID, discountAppliedView(sum))
		h.showSummary(ctx, req, sum)
	case errors.Is(err, checkout.ErrInvalidDiscount):
		h.send(ctx, req.ChatID, Reply{
			Text:    "❌ Invalid or expired discount code\n\nPlease check the code and try again, or skip.",
			Buttons: skip,
		})
	case errors.As(err, &notEligible):
		h.send(ctx, req.ChatID, Reply{
			Text: fmt.Sprintf("⚠️ Minimum purchase not met\n\nThis discount requires a minimum purchase of %s\nYour cart total: %s",
				money.Format(notEligible.MinimumCents), money.Format(notEligible.TotalCents)),
			Buttons: skip,
		})
	default:
		h.checkoutFailed(ctx, req, err)
	}
}

func (h *Handler) customer(req *request) checkout.Customer {
	return checkout.Customer{Name: req.Name, Email: h.cfg.CustomerEmail}
}

func (h *Handler) pay(ctx context.Context, req *request, method models.PaymentMethod) {
	session, err := h.deps.Checkout.SelectPaymentMethod(ctx, req.userID, req.ChatID, method, h.customer(req))
	if errors.Is(err, checkout.ErrPaymentUnavailable) {
		h.send(ctx, req.ChatID, Reply{
			Text: "⚠️ We couldn't start the payment. Please try again in a moment.",
			Buttons: methodButtons(h.deps.Checkout.PaymentOptions(), func(m models.PaymentMethod) Callback {
				return Callback{Kind: KindPay, Method: m}
			}),
		})
		return
	}
	if err != nil {
		h.checkoutFailed(ctx, req, err)
		return
	}
	h.send(ctx, req.ChatID, paymentLinkView(method, session.PaymentURL))
}

func (h *Handler) showOrders(ctx context.Context, req *request) {
	orders, err := h.deps.Orders.ListUserOrders(ctx, req.userID, h.cfg.OrderListLimit)
	if err != nil {
		h.logger.Error("Failed to list orders", zap.Int64("user_id", req.userID), zap.Error(err))
		h.send(ctx, req.ChatID, errorView())
		return
	}
	h.send(ctx, req.ChatID, ordersView(orders))
}

func (h *Handler) showLastOrder(ctx context.Context, req *request) {
	latest, err := h.deps.Orders.LatestOrder(ctx, req.userID)
	if err == nil && latest != nil {
		latest, err = h.deps.Orders.GetOrder(ctx, latest.ID)
	}
	if err != nil {
		h.logger.Error("Failed to load last order", zap.Int64("user_id", req.userID), zap.Error(err))
		h.send(ctx, req.ChatID, errorView())
		return
	}
	h.send(ctx, req.ChatID, orderView(latest))
}

func (h *Handler) resumeOrder(ctx context.Context, req *request, orderID int64) {
	order, err := h.deps.Checkout.ResumeOrder(ctx, req.userID, orderID)
	if err != nil {
		h.orderFailed(ctx, req, err)
		return
	}
	h.send(ctx, req.ChatID, resumeView(order, h.deps.Checkout.PaymentOptions()))
}

func (h *Handler) resumePayment(ctx context.Context, req *request, orderID int64, method models.PaymentMethod) {
	session, err := h.deps.Checkout.ResumePayment(ctx, req.userID, orderID, method, h.customer(req))
	if err != nil {
		h.orderFailed(ctx, req, err)
		return
	}
	h.send(ctx, req.ChatID, paymentLinkView(method, session.PaymentURL))
}

func (h *Handler) orderFailed(ctx context.Context, req *request, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		h.send(ctx, req.ChatID, Reply{Text: "Order not found.", Buttons: [][]models.Action{row(menuButton)}})
	case errors.Is(err, checkout.ErrOrderNotPayable):
		h.send(ctx, req.ChatID, Reply{Text: "This order is no longer awaiting payment.", Buttons: [][]models.Action{row(menuButton)}})
	case errors.Is(err, checkout.ErrPaymentUnavailable):
		h.send(ctx, req.ChatID, Reply{Text: "⚠️ We couldn't start the payment. Please try again in a moment.", Buttons: [][]models.Action{row(menuButton)}})
	default:
		h.checkoutFailed(ctx, req, err)
	}
}

func (h *Handler) checkoutFailed(ctx context.Context, req *request, err error) {
	switch {
	case errors.Is(err, checkout.ErrEmptyCart):
		h.send(ctx, req.ChatID, emptyCartView())
	case checkout.IsSessionExpired(err):
		h.send(ctx, req.ChatID, sessionExpiredView())
	case errors.Is(err, checkout.ErrUnexpectedState):
		h.send(ctx, req.ChatID, Reply{
			Text:    "That step is no longer available. Let's start from your cart.",
			Buttons: [][]models.Action{row(cartButton, menuButton)},
		})
	default:
		h.logger.Error("Checkout step failed", zap.Int64("user_id", req.userID), zap.Error(err))
		h.send(ctx, req.ChatID, errorView())
	}
}
