package bot

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"commerce-bot/internal/intent"
	"commerce-bot/internal/models"
	"commerce-bot/internal/money"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const readyProductLimit = 10

func (h *Handler) startChat(ctx context.Context, req *request) {
	h.clearPrompts(ctx, req)
	req.conv.chatMode = true
	h.send(ctx, req.ChatID, Reply{
		Text: "💬 AI SHOPPING ASSISTANT\n\n" +
			"Tell me what you're looking for, e.g. \"a gift for my dad under $50\".\n" +
			"Say \"ready\" when you want to see products, or \"bye\" to leave.",
		Buttons: [][]models.Action{row(cartButton, menuButton)},
	})
}

// chat answers a free text message in chat mode
func (h *Handler) chat(ctx context.Context, req *request, text string) {
	conv := req.conv
	conv.history = conv.history.AddCustomer(text).Limit(h.cfg.HistoryLimit)

	if intent.IsFarewell(text) {
		conv.chatMode = false
		h.send(ctx, req.ChatID, Reply{
			Text:    "👋 Thanks for chatting! Your cart is saved whenever you want to come back.",
			Buttons: [][]models.Action{row(cartButton, menuButton)},
		})
		return
	}

	if intent.IsReady(text) {
		h.showInterests(ctx, req)
		return
	}

	products := h.deps.Catalog.InStock(ctx)

	switch intent.DetectAction(text) {
	case intent.ActionAddToCart:
		if h.chatAdd(ctx, req, text, products) {
			return
		}
	case intent.ActionDisplayProduct:
		if p := h.deps.Resolver.ExtractProduct(ctx, text, products, conv.history); p != nil {
			h.send(ctx, req.ChatID, productView(*p, true))
			conv.history = conv.history.AddAgent("Showed " + p.Name + ".").Limit(h.cfg.HistoryLimit)
			return
		}
	}

	h.recommend(ctx, req, text, products)
}

// chatAdd puts the products a message asks for into the cart. It reports
// false when no product could be identified.
func (h *Handler) chatAdd(ctx context.Context, req *request, text string, products []models.Product) bool {
	conv := req.conv

	var items []intent.LineItem
	if intent.IsSimpleConfirmation(text) {
		if last := conv.history.LastAgentMessage(); last != "" {
			items = h.deps.Resolver.ExtractMultiple(ctx, last, products, conv.history)
		}
	}
	if len(items) == 0 && intent.HasMultipleIndicators(text) {
		items = h.deps.Resolver.ExtractMultiple(ctx, text, products, conv.history)
	}
	if len(items) == 0 {
		if p := h.deps.Resolver.ExtractProduct(ctx, text, products, conv.history); p != nil {
			items = []intent.LineItem{{Product: *p, Quantity: intent.ExtractQuantity(text)}}
		}
	}
	if len(items) == 0 {
		return false
	}

	var added, failed []string
	for _, item := range items {
		line, err := h.addToCart(req.userID, item.Product, item.Quantity)
		if err != nil {
			failed = append(failed, h.addFailure(item.Product, err))
			continue
		}
		added = append(added, line)
	}

	if len(added) == 0 {
		h.send(ctx, req.ChatID, Reply{
			Text:    strings.Join(failed, "\n"),
			Buttons: [][]models.Action{row(cartButton, menuButton)},
		})
		conv.history = conv.history.AddAgent("Could not add the requested products.").Limit(h.cfg.HistoryLimit)
		return true
	}

	reply := addedView(added, h.deps.Carts.Get(req.userID))
	if len(failed) > 0 {
		reply.Text += "\n\n" + strings.Join(failed, "\n")
	}
	h.send(ctx, req.ChatID, reply)
	conv.history = conv.history.AddAgent(fmt.Sprintf("Added %d products to cart.", len(added))).Limit(h.cfg.HistoryLimit)

	h.logger.Info("Chat added products",
		zap.Int64("user_id", req.userID),
		zap.Int("added", len(added)),
		zap.Int("failed", len(failed)))
	return true
}

// recommend asks the model for products while it also refreshes what the
// customer seems interested in
func (h *Handler) recommend(ctx context.Context, req *request, text string, products []models.Product) {
	conv := req.conv
	history := conv.history
	cartItems := h.deps.Carts.Get(req.userID).Items

	var (
		pitch     string
		ids       []int64
		interests string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		pitch, ids = h.deps.Resolver.Recommend(gctx, text, products, cartItems)
		return nil
	})
	g.Go(func() error {
		interests = h.deps.Resolver.ExtractInterests(gctx, history, products)
		return nil
	})
	_ = g.Wait()

	if interests != "" {
		conv.interests = interests
	}

	recommended := h.deps.Catalog.ProductsByIDs(ctx, ids)
	buttons := make([][]models.Action, 0, len(recommended)+1)
	names := make([]string, 0, len(recommended))
	for _, p := range recommended {
		label := fmt.Sprintf("%s - %s", p.Name, money.Format(p.PriceCents))
		buttons = append(buttons, row(button(label, Callback{Kind: KindProduct, ID: p.ID})))
		names = append(names, p.Name)
	}
	buttons = append(buttons, row(cartButton, menuButton))

	h.send(ctx, req.ChatID, Reply{Text: pitch, Buttons: buttons})

	agentLine := pitch
	if len(names) > 0 {
		agentLine += " Recommended: " + strings.Join(names, ", ")
	}
	conv.history = conv.history.AddAgent(agentLine).Limit(h.cfg.HistoryLimit)
}

// showInterests leaves chat mode and lists the products matching what the
// customer talked about
func (h *Handler) showInterests(ctx context.Context, req *request) {
	conv := req.conv
	if conv.interests == "" {
		h.send(ctx, req.ChatID, Reply{Text: "Tell me more about what you're looking for."})
		return
	}

	h.send(ctx, req.ChatID, Reply{Text: "Finding products based on our conversation..."})
	filtered := intent.FilterByContext(conv.interests, h.deps.Catalog.InStock(ctx))
	conv.chatMode = false

	if len(filtered) == 0 {
		h.send(ctx, req.ChatID, Reply{
			Text:    "No exact matches found. Browse the catalog instead.",
			Buttons: [][]models.Action{row(browseButton)},
		})
		return
	}

	seen := make(map[string]bool)
	var categories []string
	for _, p := range filtered {
		if p.Category != "" && !seen[p.Category] {
			seen[p.Category] = true
			categories = append(categories, p.Category)
		}
	}
	sort.Strings(categories)

	header := fmt.Sprintf("RECOMMENDATIONS\n\n%d items found", len(filtered))
	if len(categories) > 0 {
		header += "\n\nCategories: " + strings.Join(categories, ", ")
	}
	h.send(ctx, req.ChatID, Reply{Text: header})

	shown := 0
	for _, p := range filtered {
		if shown == readyProductLimit {
			break
		}
		h.send(ctx, req.ChatID, productCard(p))
		shown++
	}

	h.send(ctx, req.ChatID, Reply{
		Text:    fmt.Sprintf("%d products shown. Need anything else?", shown),
		Buttons: [][]models.Action{row(cartButton, searchButton), row(menuButton)},
	})
	conv.history = conv.history.AddAgent("Showed product recommendations.").Limit(h.cfg.HistoryLimit)
}
