package bot

import (
	"fmt"
	"strings"

	"commerce-bot/internal/checkout"
	"commerce-bot/internal/models"
	"commerce-bot/internal/money"
)

// Reply is a message to send: text, optional photo and inline buttons
type Reply struct {
	Text     string
	ImageURL string
	Buttons  [][]models.Action
}

const rule = "━━━━━━━━━━━━━━━"

func button(label string, c Callback) models.Action {
	return models.Action{Label: label, Data: c.Data()}
}

func linkButton(label, url string) models.Action {
	return models.Action{Label: label, URL: url}
}

func row(actions ...models.Action) []models.Action {
	return actions
}

var (
	menuButton     = button("🏠 Main Menu", Callback{Kind: KindStart})
	cartButton     = button("🛒 View Cart", Callback{Kind: KindViewCart})
	browseButton   = button("📂 Browse Categories", Callback{Kind: KindCategories})
	searchButton   = button("🔍 Search", Callback{Kind: KindSearch})
	checkoutButton = button("✅ Checkout", Callback{Kind: KindCheckout})
)

func mainMenuView(name string, cartCount int, discounts []models.Discount) Reply {
	var b strings.Builder
	fmt.Fprintf(&b, "👋 Welcome, %s\n\n", name)
	b.WriteString("🛍️ Your one-stop shop for everything! From electronics to fashion, toys to accessories, and more.\n\n")
	b.WriteString("Explore our catalog or let our AI assistant help you find exactly what you need.")

	if len(discounts) > 0 {
		b.WriteString("\n\n🎉 ACTIVE DISCOUNTS 🎉\n")
		for _, d := range discounts {
			b.WriteString("\n" + discountLine(d) + "\n")
		}
	}

	cartLabel := "🛒 Cart"
	if cartCount > 0 {
		cartLabel = fmt.Sprintf("🛒 Cart (%d)", cartCount)
	}
	return Reply{
		Text: b.String(),
		Buttons: [][]models.Action{
			row(button("📂 Browse Categories", Callback{Kind: KindCategories}), searchButton),
			row(button("💬 AI Assistant", Callback{Kind: KindChat})),
			row(button(cartLabel, Callback{Kind: KindViewCart}), button("📦 My Orders", Callback{Kind: KindMyOrders})),
			row(button("🆕 Last Order", Callback{Kind: KindLastOrder}), button("❓ Help", Callback{Kind: KindHelp})),
		},
	}
}

func discountLine(d models.Discount) string {
	value := money.Format(money.FromDecimal(d.Value)) + " OFF"
	if d.Kind == models.DiscountPercentage {
		value = d.Value.String() + "% OFF"
	}
	line := fmt.Sprintf("🎟️ %s - %s", d.Code, value)
	if minimum := d.MinimumPurchaseCents(); minimum > 0 {
		line += fmt.Sprintf(" (Min: %s)", money.Format(minimum))
	}
	line += fmt.Sprintf("\n   └ %d uses left", d.UsageLimit-d.Used)
	if d.ValidUntil != nil {
		line += " • Expires: " + d.ValidUntil.Format("02 Jan 2006")
	}
	return line
}

func helpView() Reply {
	return Reply{
		Text: "❓ HELP\n\n" +
			"📂 Browse categories and tap a product to see details\n" +
			"🔍 Search by keyword\n" +
			"💬 Chat with the AI assistant, e.g. \"gifts under $50\" or \"add 2 gaming mice\"\n" +
			"🛒 Review your cart, apply a discount code and check out with PayPal or PayNow\n\n" +
			"/start opens the menu, /cancel stops the current step.",
		Buttons: [][]models.Action{row(menuButton)},
	}
}

func categoriesView(categories []models.Category) Reply {
	if len(categories) == 0 {
		return Reply{Text: "No categories available right now.", Buttons: [][]models.Action{row(menuButton)}}
	}
	buttons := make([][]models.Action, 0, len(categories)+1)
	for _, c := range categories {
		buttons = append(buttons, row(button(c.Name, Callback{Kind: KindCategory, ID: c.ID})))
	}
	buttons = append(buttons, row(menuButton))
	return Reply{Text: "📂 CATEGORIES\n\nSelect a category:", Buttons: buttons}
}

func productListView(title string, products []models.Product, limit int) Reply {
	if len(products) == 0 {
		return Reply{
			Text:    title + "\n\nNo products found.",
			Buttons: [][]models.Action{row(searchButton, menuButton)},
		}
	}
	if limit > 0 && len(products) > limit {
		products = products[:limit]
	}
	buttons := make([][]models.Action, 0, len(products)+1)
	for _, p := range products {
		label := fmt.Sprintf("%s - %s", p.Name, money.Format(p.PriceCents))
		buttons = append(buttons, row(button(label, Callback{Kind: KindProduct, ID: p.ID})))
	}
	buttons = append(buttons, row(browseButton, menuButton))
	return Reply{
		Text:    fmt.Sprintf("%s\n\n%d product(s) found", title, len(products)),
		Buttons: buttons,
	}
}

func productView(p models.Product, chatMode bool) Reply {
	stock := "❌ Out of Stock"
	if p.InStock() {
		stock = fmt.Sprintf("✅ %d in stock", p.Stock)
	}
	text := fmt.Sprintf("✨ %s ✨\n\n", p.Name)
	if p.Description != "" {
		text += p.Description + "\n\n"
	}
	text += fmt.Sprintf("💰 Price: %s\n📦 Stock: %s", money.Format(p.PriceCents), stock)

	var buttons [][]models.Action
	if p.InStock() {
		buttons = append(buttons,
			row(
				button("➕ 1", Callback{Kind: KindAdd, ID: p.ID, Quantity: 1}),
				button("➕ 5", Callback{Kind: KindAdd, ID: p.ID, Quantity: 5}),
				button("➕ 10", Callback{Kind: KindAdd, ID: p.ID, Quantity: 10}),
			),
			row(button("⌨️ Custom Amount", Callback{Kind: KindAskQuantity, ID: p.ID})),
		)
	} else {
		buttons = append(buttons, row(button("❌ Out of Stock", Callback{Kind: KindIgnore})))
	}
	if chatMode {
		buttons = append(buttons, row(button("💬 Continue Chat", Callback{Kind: KindContinueChat})))
	} else {
		buttons = append(buttons, row(button("🔙 Back", Callback{Kind: KindCategories}), cartButton))
	}

	return Reply{Text: text, ImageURL: imageURL(p), Buttons: buttons}
}

func productCard(p models.Product) Reply {
	category := p.Category
	if category == "" {
		category = "N/A"
	}
	return Reply{
		Text:     fmt.Sprintf("%s\n\n%s\nCategory: %s", p.Name, money.Format(p.PriceCents), category),
		ImageURL: imageURL(p),
		Buttons: [][]models.Action{
			row(
				button("+1", Callback{Kind: KindAdd, ID: p.ID, Quantity: 1}),
				button("+5", Callback{Kind: KindAdd, ID: p.ID, Quantity: 5}),
			),
			row(button("Details", Callback{Kind: KindProduct, ID: p.ID})),
		},
	}
}

func imageURL(p models.Product) string {
	if strings.HasPrefix(p.ImageURL, "http://") || strings.HasPrefix(p.ImageURL, "https://") {
		return p.ImageURL
	}
	return ""
}

func itemLines(b *strings.Builder, items []models.CartItem) {
	for _, item := range items {
		fmt.Fprintf(b, "📦 %s (×%d) - %s\n", item.Name, item.Quantity, money.Format(item.LineTotal()))
	}
}

func totals(b *strings.Builder, sum checkout.Summary) {
	if sum.DiscountCents > 0 {
		fmt.Fprintf(b, "💰 Subtotal: %s\n", money.Format(sum.SubtotalCents))
		fmt.Fprintf(b, "🎟️ Discount: -%s\n", money.Format(sum.DiscountCents))
		fmt.Fprintf(b, "   (%s)\n", sum.DiscountDescription)
	}
	fmt.Fprintf(b, "💵 Total: %s\n", money.Format(sum.FinalCents))
}

func emptyCartView() Reply {
	return Reply{
		Text:    "🛒 Your cart is empty.\n\nBrowse the catalog or ask the AI assistant for ideas.",
		Buttons: [][]models.Action{row(browseButton, searchButton), row(menuButton)},
	}
}

func cartView(sum checkout.Summary) Reply {
	var b strings.Builder
	b.WriteString("🛒 YOUR CART\n\n")
	itemLines(&b, sum.Items)
	b.WriteString("\n" + rule + "\n")
	totals(&b, sum)

	buttons := make([][]models.Action, 0, len(sum.Items)+3)
	for _, item := range sum.Items {
		buttons = append(buttons, row(
			button("➖", Callback{Kind: KindDecrement, ID: item.ProductID}),
			button(fmt.Sprintf("%s ×%d", item.Name, item.Quantity), Callback{Kind: KindIgnore}),
			button("➕", Callback{Kind: KindIncrement, ID: item.ProductID}),
			button("🗑", Callback{Kind: KindRemove, ID: item.ProductID}),
		))
	}
	buttons = append(buttons,
		row(checkoutButton),
		row(button("🧹 Clear Cart", Callback{Kind: KindClearCart}), browseButton),
		row(menuButton),
	)
	return Reply{Text: b.String(), Buttons: buttons}
}

// checkoutView renders the order summary and the address step. With a saved
// address it offers it; otherwise it asks for one.
func checkoutView(sum checkout.Summary) Reply {
	var b strings.Builder
	b.WriteString("🧾 Order Summary\n\n")
	itemLines(&b, sum.Items)
	b.WriteString("\n" + rule + "\n")
	totals(&b, sum)
	b.WriteString("\nDELIVERY ADDRESS\n\n")

	discountRow := row(button("🎟️ Apply Discount Code", Callback{Kind: KindApplyDiscount}))
	if sum.DiscountCents > 0 {
		discountRow = row(button("❌ Remove Discount", Callback{Kind: KindRemoveDiscount}))
	}

	var buttons [][]models.Action
	if sum.SavedAddress != "" && sum.State != checkout.StateAddressPending {
		fmt.Fprintf(&b, "Previous address:\n\n%s\n\nUse this address or enter a new one?", sum.SavedAddress)
		buttons = append(buttons,
			row(button("✅ Use This Address", Callback{Kind: KindUseSavedAddress})),
			row(button("📍 Enter New Address", Callback{Kind: KindEnterAddress})),
		)
	} else {
		b.WriteString("Please type your delivery address below:\n(Type /cancel to stop)")
	}
	buttons = append(buttons, discountRow, row(button("🔙 Back", Callback{Kind: KindViewCart})))
	return Reply{Text: b.String(), Buttons: buttons}
}

func addressPromptView() Reply {
	return Reply{
		Text:    "📍 Please type your delivery address below:\n(Type /cancel to stop)",
		Buttons: [][]models.Action{row(button("🔙 Back", Callback{Kind: KindViewCart}))},
	}
}

func discountPromptView() Reply {
	return Reply{
		Text: "🎟️ Please type your discount code:",
		Buttons: [][]models.Action{
			row(button("⏭ Skip", Callback{Kind: KindSkipDiscount})),
		},
	}
}

func discountAppliedView(sum checkout.Summary) Reply {
	text := fmt.Sprintf("✅ Discount applied!\n\n%s\n\n💰 Original: %s\n🎟️ Discount: -%s\n💵 New Total: %s",
		sum.DiscountDescription,
		money.Format(sum.SubtotalCents),
		money.Format(sum.DiscountCents),
		money.Format(sum.FinalCents))
	return Reply{Text: text}
}

func paymentMethodsView(sum checkout.Summary) Reply {
	var b strings.Builder
	b.WriteString("✅ Address confirmed\n\n")
	fmt.Fprintf(&b, "📍 %s\n\n", sum.Address)
	totals(&b, sum)
	b.WriteString("\nSelect payment method:")
	return Reply{Text: b.String(), Buttons: methodButtons(sum.PaymentMethods, func(m models.PaymentMethod) Callback {
		return Callback{Kind: KindPay, Method: m}
	})}
}

func methodButtons(methods []models.PaymentMethod, cb func(models.PaymentMethod) Callback) [][]models.Action {
	buttons := make([][]models.Action, 0, len(methods)+1)
	for _, m := range methods {
		icon := "💳"
		if m == models.PaymentHitPay {
			icon = "📱"
		}
		buttons = append(buttons, row(button(icon+" "+m.Label(), cb(m))))
	}
	return append(buttons, row(button("🔙 Back", Callback{Kind: KindViewCart})))
}

func paymentLinkView(method models.PaymentMethod, url string) Reply {
	return Reply{
		Text: fmt.Sprintf("💳 Pay with %s\n\nTap the button below to complete your payment. "+
			"You will get a confirmation here once it goes through.", method.Label()),
		Buttons: [][]models.Action{
			row(linkButton("💳 Pay Now", url)),
			row(menuButton),
		},
	}
}

func ordersView(orders []models.Order) Reply {
	if len(orders) == 0 {
		return Reply{Text: "📦 You have no orders yet.", Buttons: [][]models.Action{row(browseButton, menuButton)}}
	}
	var b strings.Builder
	b.WriteString("📦 MY ORDERS\n")
	var buttons [][]models.Action
	for _, o := range orders {
		fmt.Fprintf(&b, "\n#%d • %s • %s • %s", o.ID, o.CreatedAt.Format("02 Jan 2006"), money.Format(o.TotalCents), statusLabel(o.Status))
		if o.Status == models.OrderStatusAwaitingPayment {
			buttons = append(buttons, row(button(fmt.Sprintf("💳 Pay Order #%d", o.ID), Callback{Kind: KindPayOrder, ID: o.ID})))
		}
	}
	buttons = append(buttons, row(menuButton))
	return Reply{Text: b.String(), Buttons: buttons}
}

func orderView(o *models.Order) Reply {
	if o == nil {
		return Reply{Text: "📦 You have no orders yet.", Buttons: [][]models.Action{row(browseButton, menuButton)}}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🧾 Order #%d\n\n", o.ID)
	for _, item := range o.Items {
		fmt.Fprintf(&b, "📦 %s (×%d) - %s\n", item.ProductName, item.Quantity, money.Format(item.UnitPriceCents*int64(item.Quantity)))
	}
	b.WriteString("\n" + rule + "\n")
	if o.DiscountAmountCents > 0 {
		fmt.Fprintf(&b, "🎟️ Discount: -%s\n", money.Format(o.DiscountAmountCents))
	}
	fmt.Fprintf(&b, "💵 Total: %s\n", money.Format(o.TotalCents))
	fmt.Fprintf(&b, "📌 Status: %s\n", statusLabel(o.Status))
	if o.Address != "" {
		fmt.Fprintf(&b, "📍 %s\n", o.Address)
	}

	var buttons [][]models.Action
	if o.Status == models.OrderStatusAwaitingPayment {
		buttons = append(buttons, row(button("💳 Pay Now", Callback{Kind: KindPayOrder, ID: o.ID})))
	}
	buttons = append(buttons, row(button("📦 My Orders", Callback{Kind: KindMyOrders}), menuButton))
	return Reply{Text: b.String(), Buttons: buttons}
}

func resumeView(o *models.Order, methods []models.PaymentMethod) Reply {
	text := fmt.Sprintf("💳 Pay Order #%d\n\n💵 Total: %s\n\nSelect payment method:", o.ID, money.Format(o.TotalCents))
	return Reply{Text: text, Buttons: methodButtons(methods, func(m models.PaymentMethod) Callback {
		return Callback{Kind: KindResume, ID: o.ID, Method: m}
	})}
}

func statusLabel(status string) string {
	switch status {
	case models.OrderStatusPaid:
		return "✅ Paid"
	case models.OrderStatusAwaitingPayment:
		return "⏳ Awaiting payment"
	case models.OrderStatusCancelled:
		return "🚫 Cancelled"
	case models.OrderStatusFailed:
		return "⚠️ Failed"
	}
	return status
}

func addedView(lines []string, cart models.Cart) Reply {
	var b strings.Builder
	b.WriteString("Added to cart:\n")
	for _, l := range lines {
		b.WriteString("✅ " + l + "\n")
	}
	count := 0
	var total int64
	for _, item := range cart.Items {
		count += item.Quantity
		total += item.LineTotal()
	}
	fmt.Fprintf(&b, "\n🛒 Cart: %d item(s)\n💰 Total: %s\n\nAnything else you'd like to add?", count, money.Format(total))
	return Reply{
		Text: b.String(),
		Buttons: [][]models.Action{
			row(cartButton),
			row(checkoutButton),
			row(button("💬 Keep Shopping", Callback{Kind: KindIgnore})),
		},
	}
}

func sessionExpiredView() Reply {
	return Reply{
		Text:    "⌛ Your checkout session expired. Please start again.",
		Buttons: [][]models.Action{row(cartButton, menuButton)},
	}
}

func errorView() Reply {
	return Reply{
		Text:    "⚠️ Something went wrong. Please try again.",
		Buttons: [][]models.Action{row(menuButton)},
	}
}
