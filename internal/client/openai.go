package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relm/pkg/models"
)

const defaultOpenAIModel = "gpt-4o-mini"

// openaiClient adapts any OpenAI-compatible chat completions endpoint to
// the Client interface. The "base_url" option points it at alternative
// providers (DeepSeek, OpenRouter, local servers).
type openaiClient struct {
	client *openai.Client
	model  string
	retry  retrier
	usage  *usageRecorder
}

func newOpenAIClient(opts Options) (*openaiClient, error) {
	apiKey := opts.String("api_key", "")
	if apiKey == "" {
		return nil, errors.New("openai: api_key option is required")
	}

	model := opts.String("model_name", defaultOpenAIModel)

	var cli *openai.Client
	if baseURL := strings.TrimSpace(opts.String("base_url", "")); baseURL != "" {
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = baseURL
		cli = openai.NewClientWithConfig(cfg)
	} else {
		cli = openai.NewClient(apiKey)
	}

	return &openaiClient{
		client: cli,
		model:  model,
		retry:  newRetrier(opts.Int("max_retries", 3), time.Second),
		usage:  newUsageRecorder(model),
	}, nil
}

func (c *openaiClient) ModelName() string { return c.model }

func (c *openaiClient) Completion(ctx context.Context, prompt models.Prompt) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: c.convertPrompt(prompt),
	}

	var resp openai.ChatCompletionResponse
	err := c.retry.do(ctx, isTransientError, func() error {
		var callErr error
		resp, callErr = c.client.CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("openai: completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: completion returned no choices")
	}

	c.usage.record(int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))
	return resp.Choices[0].Message.Content, nil
}

func (c *openaiClient) convertPrompt(prompt models.Prompt) []openai.ChatCompletionMessage {
	switch prompt.Kind() {
	case models.PromptMessages:
		msgs := prompt.Messages()
		out := make([]openai.ChatCompletionMessage, 0, len(msgs))
		for _, msg := range msgs {
			role := openai.ChatMessageRoleUser
			switch msg.Role {
			case models.RoleSystem:
				role = openai.ChatMessageRoleSystem
			case models.RoleAssistant:
				role = openai.ChatMessageRoleAssistant
			}
			out = append(out, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
		}
		return out
	default:
		return []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt.String()},
		}
	}
}

func (c *openaiClient) UsageSummary() models.UsageSummary { return c.usage.usageSummary() }

func (c *openaiClient) LastUsage() models.ModelUsage { return c.usage.lastUsage() }
