// Package client implements LM client adapters for the relm driver.
//
// The driver core only sees the Client interface: a text-in/text-out model
// with usage accounting. Concrete adapters wrap the Anthropic SDK and any
// OpenAI-compatible endpoint (OpenAI, DeepSeek, OpenRouter via base URL).
// Adapters are constructed through New, keyed by a backend name string with
// an option map.
//
// Thread safety: all adapters are safe for concurrent use. The LM handler
// fans batched sub-queries out to parallel workers that share one client.
package client

import (
	"context"
	"fmt"

	"github.com/haasonsaas/relm/pkg/models"
)

// Client is the abstract language model the driver depends on.
type Client interface {
	// Completion sends a prompt and returns the model's text reply. It
	// may fail with transport, auth, or quota errors. Safe for
	// concurrent use.
	Completion(ctx context.Context, prompt models.Prompt) (string, error)

	// ModelName returns the model identifier this client is bound to.
	ModelName() string

	// UsageSummary returns cumulative usage across all calls. Counters
	// are monotone non-decreasing within a client instance.
	UsageSummary() models.UsageSummary

	// LastUsage returns the usage of the most recent call.
	LastUsage() models.ModelUsage
}

// Options carries backend-specific settings as a loose key/value map,
// mirroring how backends are configured in trajectory metadata. Keys whose
// lower-cased name contains both "api" and "key" are treated as sensitive
// by the metadata filter.
type Options map[string]any

// String returns the named option as a string, or def when absent.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// Int returns the named option as an int, or def when absent. YAML and
// JSON decoding may surface numbers as int, int64, or float64.
func (o Options) Int(key string, def int) int {
	switch v := o[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Known reports whether backend names a supported adapter. Used to
// surface configuration errors at construction time, before any API key
// is needed.
func Known(backend string) bool {
	switch backend {
	case "anthropic", "openai", "deepseek":
		return true
	}
	return false
}

// New constructs a client adapter for the named backend.
//
// Recognized backends:
//   - "anthropic": Anthropic Messages API via the official SDK
//   - "openai": OpenAI chat completions, honoring a "base_url" option
//   - "deepseek": OpenAI-compatible adapter preset to the DeepSeek endpoint
//
// Unknown backends are a configuration error.
func New(backend string, opts Options) (Client, error) {
	if opts == nil {
		opts = Options{}
	}
	switch backend {
	case "anthropic":
		return newAnthropicClient(opts)
	case "openai":
		return newOpenAIClient(opts)
	case "deepseek":
		if opts.String("base_url", "") == "" {
			forked := make(Options, len(opts)+1)
			for k, v := range opts {
				forked[k] = v
			}
			forked["base_url"] = "https://api.deepseek.com"
			opts = forked
		}
		return newOpenAIClient(opts)
	default:
		return nil, fmt.Errorf("client: unknown backend %q", backend)
	}
}
