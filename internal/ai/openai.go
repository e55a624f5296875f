// Package ai adapts the OpenAI chat completions API to the intent package's
// Completer and ToolCaller contracts.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"commerce-bot/internal/intent"
	"commerce-bot/internal/util"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"
)

const recommendToolName = "recommend_products"

var ErrNoToolCall = errors.New("model did not call recommend_products")

// Config selects models and limits
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	FastModel string
	Timeout   time.Duration
}

// Client talks to the chat completions endpoint
type Client struct {
	api       *openai.Client
	model     string
	fastModel string
	timeout   time.Duration
	logger    *zap.Logger
}

// NewClient creates an OpenAI backed client
func NewClient(cfg Config) *Client {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.FastModel == "" {
		cfg.FastModel = "gpt-4o-mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}

	return &Client{
		api:       openai.NewClientWithConfig(oc),
		model:     cfg.Model,
		fastModel: cfg.FastModel,
		timeout:   cfg.Timeout,
		logger:    util.GetLogger(),
	}
}

// Complete runs a short, low temperature completion on the fast model
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	ctx, span := util.StartSpan(ctx, "AIClient.Complete")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.fastModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.1,
		MaxTokens:   150,
	})
	util.AIRequestLatency.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}

	return resp.Choices[0].Message.Content, nil
}

// RecommendProducts forces a recommend_products tool call and decodes its arguments
func (c *Client) RecommendProducts(ctx context.Context, systemPrompt, userPrompt string) (intent.Recommendation, error) {
	ctx, span := util.StartSpan(ctx, "AIClient.RecommendProducts")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tool := openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        recommendToolName,
			Description: "Lists matching products with a sales pitch.",
			Parameters: jsonschema.Definition{
				Type: jsonschema.Object,
				Properties: map[string]jsonschema.Definition{
					"product_ids": {
						Type:  jsonschema.Array,
						Items: &jsonschema.Definition{Type: jsonschema.Integer},
					},
					"sales_pitch": {Type: jsonschema.String},
				},
				Required: []string{"product_ids", "sales_pitch"},
			},
		},
	}

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Tools: []openai.Tool{tool},
		ToolChoice: openai.ToolChoice{
			Type:     openai.ToolTypeFunction,
			Function: openai.ToolFunction{Name: recommendToolName},
		},
	})
	util.AIRequestLatency.WithLabelValues("recommend").Observe(time.Since(start).Seconds())
	if err != nil {
		return intent.Recommendation{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || len(resp.Choices[0].Message.ToolCalls) == 0 {
		return intent.Recommendation{}, ErrNoToolCall
	}

	call := resp.Choices[0].Message.ToolCalls[0]
	if call.Function.Name != recommendToolName {
		return intent.Recommendation{}, fmt.Errorf("%w: got %q", ErrNoToolCall, call.Function.Name)
	}

	var rec intent.Recommendation
	if err := json.Unmarshal([]byte(call.Function.Arguments), &rec); err != nil {
		return intent.Recommendation{}, fmt.Errorf("decode tool arguments: %w", err)
	}

	c.logger.Debug("Recommendation received",
		zap.Int("products", len(rec.ProductIDs)),
		zap.Int("pitch_len", len(rec.Pitch)))

	return rec, nil
}
