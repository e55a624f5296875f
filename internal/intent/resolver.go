package intent

import (
	"context"
	"strings"

	"commerce-bot/internal/models"
	"commerce-bot/internal/util"

	"go.uber.org/zap"
)

// Completer answers a single prompt with plain text
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Recommendation is the model's answer to a recommend_products tool call
type Recommendation struct {
	Pitch      string  `json:"sales_pitch"`
	ProductIDs []int64 `json:"product_ids"`
}

// ToolCaller forces the model to answer through the recommend_products tool
type ToolCaller interface {
	RecommendProducts(ctx context.Context, systemPrompt, userPrompt string) (Recommendation, error)
}

// Query is the input every strategy sees
type Query struct {
	Text     string
	Lower    string
	Products []models.Product
	History  History
}

// Strategy tries to identify the one product a message is about.
// Resolve never fails; ok is false when it has no answer.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, q Query) (product *models.Product, ok bool)
}

// Resolver maps free text to catalog products
type Resolver struct {
	strategies []Strategy
	completer  Completer
	tools      ToolCaller
	logger     *zap.Logger
}

// NewResolver builds the default chain: exact name, keyword overlap, pronoun
// reference, AI fallback. Either collaborator may be nil, in which case the
// AI-backed steps find nothing.
func NewResolver(completer Completer, tools ToolCaller) *Resolver {
	r := &Resolver{
		completer: completer,
		tools:     tools,
		logger:    util.GetLogger(),
	}
	r.strategies = []Strategy{
		exactMatch{},
		keywordOverlap{},
		pronounReference{r: r},
		aiFallback{r: r},
	}
	return r
}

// ExtractProduct runs the strategy chain and stops at the first match.
func (r *Resolver) ExtractProduct(ctx context.Context, text string, products []models.Product, history History) *models.Product {
	ctx, span := util.StartSpan(ctx, "Resolver.ExtractProduct")
	defer span.End()

	q := Query{
		Text:     text,
		Lower:    strings.ToLower(text),
		Products: products,
		History:  history,
	}

	for _, s := range r.strategies {
		if p, ok := s.Resolve(ctx, q); ok {
			util.IntentResolutionsTotal.WithLabelValues(s.Name()).Inc()
			r.logger.Debug("Product resolved",
				zap.String("strategy", s.Name()),
				zap.Int64("product_id", p.ID),
				zap.String("product", p.Name))
			return p
		}
	}

	util.IntentResolutionsTotal.WithLabelValues("none").Inc()
	return nil
}

type exactMatch struct{}

func (exactMatch) Name() string { return "exact" }

func (exactMatch) Resolve(_ context.Context, q Query) (*models.Product, bool) {
	for i := range q.Products {
		name := strings.ToLower(q.Products[i].Name)
		if name != "" && strings.Contains(q.Lower, name) {
			return &q.Products[i], true
		}
	}
	return nil, false
}

var fillerWords = map[string]bool{
	"men's": true, "mens": true, "women's": true, "womens": true,
	"the": true, "a": true, "an": true, "for": true, "with": true,
}

type keywordOverlap struct{}

func (keywordOverlap) Name() string { return "keyword" }

func (keywordOverlap) Resolve(_ context.Context, q Query) (*models.Product, bool) {
	words := tokenSet(q.Lower)

	var best *models.Product
	bestScore := 0
	for i := range q.Products {
		shared, significant := 0, 0
		for w := range tokenSet(strings.ToLower(q.Products[i].Name)) {
			if !words[w] {
				continue
			}
			shared++
			if !fillerWords[w] {
				significant++
			}
		}
		if significant == 0 {
			continue
		}
		if score := shared + significant; score > bestScore {
			best = &q.Products[i]
			bestScore = score
		}
	}
	return best, best != nil
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(s) {
		f = strings.Trim(f, ".,!?;:\"()")
		if f != "" {
			set[f] = true
		}
	}
	return set
}

type pronounReference struct {
	r *Resolver
}

func (pronounReference) Name() string { return "pronoun" }

func (s pronounReference) Resolve(ctx context.Context, q Query) (*models.Product, bool) {
	if len(q.History) == 0 || !HasPronoun(q.Text) {
		return nil, false
	}
	p := s.r.LastMentionedProduct(ctx, q.History, q.Products)
	return p, p != nil
}

type aiFallback struct {
	r *Resolver
}

func (aiFallback) Name() string { return "ai" }

func (s aiFallback) Resolve(ctx context.Context, q Query) (*models.Product, bool) {
	p := s.r.aiExtractProduct(ctx, q)
	return p, p != nil
}

// findByName matches a model answer against the catalog, case-insensitively
func findByName(products []models.Product, name string) *models.Product {
	name = strings.TrimSpace(strings.Trim(strings.TrimSpace(name), `"'`))
	if name == "" || strings.EqualFold(name, "none") {
		return nil
	}
	for i := range products {
		if strings.EqualFold(products[i].Name, name) {
			return &products[i]
		}
	}
	return nil
}
