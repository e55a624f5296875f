package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"commerce-bot/internal/models"
	"commerce-bot/internal/util"

	"go.uber.org/zap"
)

// DefaultPitch is sent when no recommendation could be produced
const DefaultPitch = "I'm here to help! Could you tell me more about what you're looking for? 😊"

// PriceRange bounds a budget in cents, inclusive
type PriceRange struct {
	MinCents int64
	MaxCents int64
}

// Contains reports whether cents lies inside the range
func (r PriceRange) Contains(cents int64) bool {
	return cents >= r.MinCents && cents <= r.MaxCents
}

type budgetPattern struct {
	re      *regexp.Regexp
	isRange bool
}

// Ordered: budget phrases first so "$50 to spend" is not read as a range.
var budgetPatterns = []budgetPattern{
	{re: regexp.MustCompile(`(?:got|have|has)\s+\$?(\d+)\s+to\s+spend`)},
	{re: regexp.MustCompile(`budget\s+(?:of|is)?\s*\$?(\d+)`)},
	{re: regexp.MustCompile(`\$?(\d+)\s+(?:budget|spending)`)},
	{re: regexp.MustCompile(`can\s+spend\s+(?:up\s+to\s+)?\$?(\d+)`)},
	{re: regexp.MustCompile(`willing\s+to\s+spend\s+(?:up\s+to\s+)?\$?(\d+)`)},
	{re: regexp.MustCompile(`under\s*\$?(\d+)`)},
	{re: regexp.MustCompile(`below\s*\$?(\d+)`)},
	{re: regexp.MustCompile(`less\s+than\s*\$?(\d+)`)},
	{re: regexp.MustCompile(`max\s*\$?(\d+)`)},
	{re: regexp.MustCompile(`around\s*\$?(\d+)`)},
	{re: regexp.MustCompile(`about\s*\$?(\d+)`)},
	{re: regexp.MustCompile(`between\s*\$?(\d+)\s*and\s*\$?(\d+)`), isRange: true},
	{re: regexp.MustCompile(`\$?(\d+)\s*to\s*\$?(\d+)`), isRange: true},
}

var toSpendSuffix = regexp.MustCompile(`^\s+spend`)

// maxBudgetDollars bounds parsed budgets so the cents value cannot overflow
const maxBudgetDollars = 1_000_000_000

func dollarsToCents(digits string) (int64, bool) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n > maxBudgetDollars {
		return 0, false
	}
	return n * 100, true
}

// AnalyzeBudget finds a price constraint in text. The first matching pattern wins.
func AnalyzeBudget(text string) (PriceRange, bool) {
	lower := strings.ToLower(text)

	for _, bp := range budgetPatterns {
		for _, loc := range bp.re.FindAllStringSubmatchIndex(lower, -1) {
			if bp.isRange && toSpendSuffix.MatchString(lower[loc[1]:]) {
				continue
			}
			first, ok := dollarsToCents(lower[loc[2]:loc[3]])
			if !ok {
				continue
			}
			if !bp.isRange {
				return PriceRange{MinCents: 0, MaxCents: first}, true
			}
			second, ok := dollarsToCents(lower[loc[4]:loc[5]])
			if !ok {
				continue
			}
			return PriceRange{MinCents: first, MaxCents: second}, true
		}
	}
	return PriceRange{}, false
}

const contextFilterLimit = 20

// FilterByContext ranks products by how well they match a free-form interest
// string and returns the best 20. With no context or no match it returns the
// first 20 products.
func FilterByContext(interests string, products []models.Product) []models.Product {
	if strings.TrimSpace(interests) == "" {
		return head(products, contextFilterLimit)
	}

	ctxNorm := normalize(interests)
	ctxWords := strings.Fields(ctxNorm)
	ctxSet := make(map[string]bool, len(ctxWords))
	for _, w := range ctxWords {
		ctxSet[w] = true
	}

	type scored struct {
		score   int
		product models.Product
	}
	var ranked []scored

	for _, p := range products {
		score := 0
		name := normalize(p.Name)
		category := normalize(p.Category)

		if name != "" && strings.Contains(ctxNorm, name) {
			score += 100
		}
		if category != "" && strings.Contains(ctxNorm, category) {
			score += 50
		}

		nameWords := uniqueFields(name)
		for _, w := range nameWords {
			if ctxSet[w] {
				score += 20
			}
		}
		for _, w := range uniqueFields(normalize(p.Description)) {
			if ctxSet[w] {
				score += 5
			}
		}
		for w := range ctxSet {
			if len(w) <= 4 {
				continue
			}
			for _, pw := range nameWords {
				if strings.Contains(pw, w) || strings.Contains(w, pw) {
					score += 10
				}
			}
		}

		if score > 0 {
			ranked = append(ranked, scored{score: score, product: p})
		}
	}

	if len(ranked) == 0 {
		return head(products, contextFilterLimit)
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]models.Product, 0, contextFilterLimit)
	for _, s := range ranked {
		if len(out) == contextFilterLimit {
			break
		}
		out = append(out, s.product)
	}
	return out
}

type inventoryEntry struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Category string  `json:"category"`
	Stock    int     `json:"stock"`
}

// Recommend asks the model for a sales pitch and product ids matching text.
// A budget found in text narrows the inventory shown to the model. Failures
// return DefaultPitch and no ids.
func (r *Resolver) Recommend(ctx context.Context, text string, products []models.Product, cart []models.CartItem) (string, []int64) {
	ctx, span := util.StartSpan(ctx, "Resolver.Recommend")
	defer span.End()

	if r.tools == nil {
		return DefaultPitch, nil
	}

	if budget, ok := AnalyzeBudget(text); ok {
		var inRange []models.Product
		for _, p := range products {
			if budget.Contains(p.PriceCents) {
				inRange = append(inRange, p)
			}
		}
		if len(inRange) > 0 {
			products = inRange
		}
	}

	inventory := make([]inventoryEntry, 0, promptProductLimit)
	for _, p := range head(products, promptProductLimit) {
		category := p.Category
		if category == "" {
			category = "Other"
		}
		inventory = append(inventory, inventoryEntry{
			ID:       p.ID,
			Name:     p.Name,
			Price:    float64(p.PriceCents) / 100,
			Category: category,
			Stock:    p.Stock,
		})
	}
	inventoryJSON, err := json.Marshal(inventory)
	if err != nil {
		r.logger.Error("Failed to marshal inventory", zap.Error(err))
		return DefaultPitch, nil
	}

	cartContext := ""
	if len(cart) > 0 {
		cartNames := make([]string, len(cart))
		for i, item := range cart {
			cartNames[i] = item.Name
		}
		cartContext = "\nCustomer's cart: " + strings.Join(cartNames, ", ")
	}

	system := "You are a friendly and enthusiastic personal shopper AI. Your goal is to make shopping fun and easy!\n\n" +
		"GUIDELINES:\n" +
		"- Be warm, conversational, and encouraging\n" +
		"- Match products to the customer's exact needs\n" +
		"- Keep responses concise and easy to read\n" +
		"- Always provide 2-5 relevant product recommendations\n" +
		"- Give a brief, compelling reason why you recommend each product\n\n" +
		"IMPORTANT: Always call the 'recommend_products' function with:\n" +
		"- product_ids: Array of matching product IDs\n" +
		"- sales_pitch: A friendly, engaging message (2-3 sentences) explaining your recommendations\n\n" +
		fmt.Sprintf("INVENTORY: %s\n%s", inventoryJSON, cartContext)

	rec, err := r.tools.RecommendProducts(ctx, system, text)
	if err != nil {
		util.AIFailuresTotal.WithLabelValues("recommend").Inc()
		r.logger.Warn("Recommendation failed", zap.Error(err))
		return DefaultPitch, nil
	}

	pitch := strings.TrimSpace(rec.Pitch)
	if pitch == "" {
		pitch = "Check out these products!"
	}
	return pitch, rec.ProductIDs
}

// ExtractInterests summarizes which products and categories the customer
// showed interest in during the conversation. Empty means none yet.
func (r *Resolver) ExtractInterests(ctx context.Context, history History, products []models.Product) string {
	var categories []string
	byCategory := make(map[string][]string)
	for _, p := range products {
		c := p.Category
		if c == "" {
			c = "Other"
		}
		if _, ok := byCategory[c]; !ok {
			categories = append(categories, c)
		}
		byCategory[c] = append(byCategory[c], p.Name)
	}

	var listing strings.Builder
	for _, c := range categories {
		fmt.Fprintf(&listing, "%s: %s\n", c, strings.Join(head(byCategory[c], 10), ", "))
	}

	prompt := fmt.Sprintf("Analyze this shopping conversation and identify what products the customer is interested in.\n\n"+
		"AVAILABLE CATEGORIES:\n%s\n\n"+
		"PRODUCTS BY CATEGORY:\n%s\n"+
		"CONVERSATION:\n%s\n\n"+
		"Task: Extract the specific product names and categories the customer mentioned or showed interest in.\n"+
		"Return format: Comma-separated list of EXACT product names and category names from the lists above.\n"+
		"If customer hasn't mentioned specific products yet, return 'None'.\n"+
		"Only include items that the customer expressed interest in, not items you suggested.",
		strings.Join(categories, ", "), listing.String(), history.String())

	answer, ok := r.complete(ctx, "extract_interests",
		"You are an expert at analyzing shopping conversations and extracting customer intent. "+
			"Be precise and only extract what the customer actually wants.", prompt)
	if !ok || strings.EqualFold(answer, "none") {
		return ""
	}
	return answer
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func uniqueFields(s string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.Fields(s) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}
