package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/relm/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// anthropicClient adapts the Anthropic Messages API to the Client
// interface. One instance is bound to a single model name; the handler
// registers additional instances for auxiliary models.
type anthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	retry     retrier
	usage     *usageRecorder
}

func newAnthropicClient(opts Options) (*anthropicClient, error) {
	apiKey := opts.String("api_key", "")
	if apiKey == "" {
		return nil, errors.New("anthropic: api_key option is required")
	}

	model := opts.String("model_name", defaultAnthropicModel)
	maxTokens := opts.Int("max_tokens", 8192)

	requestOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(opts.String("base_url", "")); baseURL != "" {
		requestOpts = append(requestOpts, option.WithBaseURL(baseURL))
	}

	return &anthropicClient{
		client:    anthropic.NewClient(requestOpts...),
		model:     model,
		maxTokens: int64(maxTokens),
		retry:     newRetrier(opts.Int("max_retries", 3), time.Second),
		usage:     newUsageRecorder(model),
	}, nil
}

func (c *anthropicClient) ModelName() string { return c.model }

func (c *anthropicClient) Completion(ctx context.Context, prompt models.Prompt) (string, error) {
	system, messages := c.convertPrompt(prompt)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	var message *anthropic.Message
	err := c.retry.do(ctx, isTransientError, func() error {
		var callErr error
		message, callErr = c.client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: completion failed: %w", err)
	}

	c.usage.record(message.Usage.InputTokens, message.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range message.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return text.String(), nil
}

// convertPrompt maps the driver's prompt shapes onto Anthropic message
// params. System messages are lifted into the system parameter; a
// structured payload is sent as its JSON text.
func (c *anthropicClient) convertPrompt(prompt models.Prompt) (string, []anthropic.MessageParam) {
	switch prompt.Kind() {
	case models.PromptMessages:
		var system strings.Builder
		var out []anthropic.MessageParam
		for _, msg := range prompt.Messages() {
			switch msg.Role {
			case models.RoleSystem:
				if system.Len() > 0 {
					system.WriteString("\n\n")
				}
				system.WriteString(msg.Content)
			case models.RoleAssistant:
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			default:
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
			}
		}
		if len(out) == 0 {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock("")))
		}
		return system.String(), out
	default:
		return "", []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.String())),
		}
	}
}

func (c *anthropicClient) UsageSummary() models.UsageSummary { return c.usage.usageSummary() }

func (c *anthropicClient) LastUsage() models.ModelUsage { return c.usage.lastUsage() }
