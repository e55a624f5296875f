package intent

import (
	"regexp"
	"strconv"
	"strings"
)

// Action is what a chat message asks the bot to do
type Action int

const (
	ActionNone Action = iota
	ActionAddToCart
	ActionDisplayProduct
)

func (a Action) String() string {
	switch a {
	case ActionAddToCart:
		return "add_to_cart"
	case ActionDisplayProduct:
		return "display_product"
	}
	return "none"
}

var addToCartPatterns = compile(
	`\badd\b.*\b(to|into)\b.*\bcart\b`,
	`\bput\b.*\bin\b.*\bcart\b`,
	`\badd\b.*\b(it|that|this|one)\b`,
	`\bi[\s']ll\s+take\b`,
	`\bget\s+me\b`,
	`\bgive\s+me\b`,
	`\bi\s+want\b`,
	`\bbuy\b`,
	`\border\b`,
	`\bpurchase\b`,
	`\bfinali[sz]e\b.*\border\b`,
	`\bproceed\b`,
	`\b(yes|yep|yeah|sure|ok|okay)\b`,
)

var displayPatterns = compile(
	`\bshow\b.*\bme\b`,
	`\blet\b.*\bme\b.*\bsee\b`,
	`\bcan\b.*\bi\b.*\bsee\b`,
	`\b(picture|image)\b.*\bof\b`,
	`\bwhat\b.*\bdoes\b.*\blook\s+like\b`,
	`\bview\b.*\bthe\b`,
	`\bdetails\b.*\bof\b`,
)

var (
	pronounPattern  = regexp.MustCompile(`\bit\b|\bthat\b|\bthis\b|\bthe one\b|\bthis one\b|\bthat one\b`)
	quantityPattern = regexp.MustCompile(`\b(\d+)\s*(pairs?|pieces?|units?)?\b`)
	digitPattern    = regexp.MustCompile(`\d`)
	nonWordPattern  = regexp.MustCompile(`[^\w\s]`)
)

var (
	farewellWords = []string{"bye", "goodbye", "see you", "good night", "im done", "i'm done", "stop", "exit", "quit"}
	actionWords   = []string{"add", "show", "buy", "get", "purchase", "want"}
	readyWords    = []string{"im ready", "i'm ready", "ready", "show me", "done chatting", "done talking", "show products", "let me see"}
	confirmations = map[string]bool{
		"yes": true, "yep": true, "yeah": true, "sure": true, "ok": true, "okay": true,
		"yup": true, "proceed": true, "finalize": true, "finalize it": true,
	}
)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// DetectAction classifies text. Add-to-cart patterns win over display patterns.
func DetectAction(text string) Action {
	lower := strings.ToLower(text)
	for _, re := range addToCartPatterns {
		if re.MatchString(lower) {
			return ActionAddToCart
		}
	}
	for _, re := range displayPatterns {
		if re.MatchString(lower) {
			return ActionDisplayProduct
		}
	}
	return ActionNone
}

// ExtractQuantity returns the first number in text, optionally followed by a
// unit word, or 1 when there is none.
func ExtractQuantity(text string) int {
	m := quantityPattern.FindStringSubmatch(strings.ToLower(text))
	if m == nil {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// HasPronoun reports whether text refers back to something with it/that/this.
func HasPronoun(text string) bool {
	return pronounPattern.MatchString(strings.ToLower(text))
}

// IsFarewell is true for goodbyes that carry no shopping request.
func IsFarewell(text string) bool {
	normalized := normalize(text)
	lower := strings.ToLower(text)
	if !containsAny(normalized, farewellWords) {
		return false
	}
	return !containsAny(lower, actionWords)
}

// IsReady is true when the user wants to leave chat and browse.
func IsReady(text string) bool {
	return containsAny(strings.ToLower(strings.TrimSpace(text)), readyWords)
}

// IsSimpleConfirmation is true for a bare "yes"/"ok" style reply.
func IsSimpleConfirmation(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".!")
	return confirmations[t]
}

// HasMultipleIndicators hints that text lists several items or quantities.
func HasMultipleIndicators(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, " and ") || strings.Contains(lower, ",") || digitPattern.MatchString(lower)
}

// normalize lower-cases text and drops punctuation
func normalize(s string) string {
	return nonWordPattern.ReplaceAllString(strings.ToLower(s), "")
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
