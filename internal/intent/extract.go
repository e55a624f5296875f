package intent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"commerce-bot/internal/models"
	"commerce-bot/internal/util"

	"go.uber.org/zap"
)

const (
	promptProductLimit     = 50
	lastMentionedLimit     = 30
	lastMentionedLines     = 6
	promptHistoryCharLimit = 500
)

// LineItem is one product and quantity pulled from a message
type LineItem struct {
	Product  models.Product
	Quantity int
}

const extractorSystemPrompt = "You are a product name extractor. Return only exact product names from the given list."

func (r *Resolver) aiExtractProduct(ctx context.Context, q Query) *models.Product {
	prompt := fmt.Sprintf("The customer said: '%s'\n%s\n\nAvailable products:\n%s\n\n"+
		"Task: Identify which specific product (if any) the customer is referring to.\n"+
		"Rules:\n"+
		"- Return ONLY the exact product name from the list above\n"+
		"- Use the conversation context to understand references like 'it', 'that', 'this'\n"+
		"- If no specific product can be identified, return 'NONE'\n"+
		"- Do not make up product names\n\n"+
		"Product name:",
		q.Text, historyContext(q.History), numberedNames(q.Products, promptProductLimit))

	answer, ok := r.complete(ctx, "extract_product", extractorSystemPrompt, prompt)
	if !ok {
		return nil
	}
	return findByName(q.Products, answer)
}

// LastMentionedProduct asks the model which catalog product the recent
// conversation last talked about.
func (r *Resolver) LastMentionedProduct(ctx context.Context, history History, products []models.Product) *models.Product {
	prompt := fmt.Sprintf("Recent conversation:\n%s\n\nAvailable products: %s\n\n"+
		"What was the last specific product mentioned by either the agent or customer?\n"+
		"Return ONLY the exact product name, or 'NONE' if no product was mentioned.",
		history.LastLines(lastMentionedLines), strings.Join(names(products, lastMentionedLimit), ", "))

	answer, ok := r.complete(ctx, "last_mentioned", "Extract the last mentioned product name.", prompt)
	if !ok {
		return nil
	}
	return findByName(products, answer)
}

// ExtractMultiple pulls every product and quantity out of text. Unknown
// product names are dropped and unusable quantities become 1.
func (r *Resolver) ExtractMultiple(ctx context.Context, text string, products []models.Product, history History) []LineItem {
	ctx, span := util.StartSpan(ctx, "Resolver.ExtractMultiple")
	defer span.End()

	prompt := fmt.Sprintf("The customer said: '%s'\n%s\n\nAvailable products:\n%s\n\n"+
		"Task: Extract ALL products and their quantities from the customer's message.\n"+
		"Format your response as a list with each item on a new line:\n"+
		"ProductName1|Quantity1\n"+
		"ProductName2|Quantity2\n\n"+
		"Rules:\n"+
		"- Use ONLY exact product names from the list above\n"+
		"- Extract the quantity for each product (default to 1 if not specified)\n"+
		"- Look for phrases like '2 pairs', '1 car', '5 pens', etc.\n"+
		"- Return 'NONE' if no products can be identified",
		text, historyContext(history), numberedNames(products, promptProductLimit))

	answer, ok := r.complete(ctx, "extract_multiple",
		"You are a product and quantity extractor. Parse customer orders precisely.", prompt)
	if !ok {
		return nil
	}
	return parseLineItems(answer, products)
}

func parseLineItems(answer string, products []models.Product) []LineItem {
	answer = strings.TrimSpace(answer)
	if answer == "" || strings.EqualFold(answer, "none") {
		return nil
	}

	var items []LineItem
	for _, line := range strings.Split(answer, "\n") {
		line = strings.TrimLeft(strings.TrimSpace(line), "-*• ")
		if !strings.Contains(line, "|") {
			continue
		}
		parts := strings.SplitN(line, "|", 2)
		p := findByName(products, parts[0])
		if p == nil {
			continue
		}
		qty, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || qty < 1 {
			qty = 1
		}
		items = append(items, LineItem{Product: *p, Quantity: qty})
	}
	return items
}

// complete calls the model and reports failures as "no answer"
func (r *Resolver) complete(ctx context.Context, op, system, prompt string) (string, bool) {
	if r.completer == nil {
		return "", false
	}
	answer, err := r.completer.Complete(ctx, system, prompt)
	if err != nil {
		util.AIFailuresTotal.WithLabelValues(op).Inc()
		r.logger.Warn("AI completion failed", zap.String("operation", op), zap.Error(err))
		return "", false
	}
	return strings.TrimSpace(answer), true
}

func historyContext(h History) string {
	if len(h) == 0 {
		return ""
	}
	return "\nRecent conversation:\n" + h.Tail(promptHistoryCharLimit)
}

func names(products []models.Product, limit int) []string {
	if len(products) > limit {
		products = products[:limit]
	}
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = p.Name
	}
	return out
}

func numberedNames(products []models.Product, limit int) string {
	var b strings.Builder
	for i, name := range names(products, limit) {
		fmt.Fprintf(&b, "%d. %s\n", i+1, name)
	}
	return strings.TrimRight(b.String(), "\n")
}
