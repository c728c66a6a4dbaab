package client

import "strings"

// modelPricing holds per-million-token prices, matching the public price
// sheets as of mid-2025. Unknown models estimate to zero rather than
// guessing.
type modelPricing struct {
	input  float64
	output float64
}

var pricingByPrefix = []struct {
	prefix string
	price  modelPricing
}{
	{"claude-opus-4", modelPricing{input: 15.0, output: 75.0}},
	{"claude-sonnet-4", modelPricing{input: 3.0, output: 15.0}},
	{"claude-3-5-haiku", modelPricing{input: 0.80, output: 4.0}},
	{"gpt-4o-mini", modelPricing{input: 0.15, output: 0.60}},
	{"gpt-4o", modelPricing{input: 2.50, output: 10.0}},
	{"gpt-4.1-mini", modelPricing{input: 0.40, output: 1.60}},
	{"gpt-4.1", modelPricing{input: 2.0, output: 8.0}},
	{"o3", modelPricing{input: 2.0, output: 8.0}},
	{"deepseek-chat", modelPricing{input: 0.27, output: 1.10}},
	{"deepseek-reasoner", modelPricing{input: 0.55, output: 2.19}},
}

// estimateCost returns the dollar cost for one call. Prefix matching keeps
// dated model ids (e.g. claude-sonnet-4-20250514) on the right row.
func estimateCost(model string, inputTokens, outputTokens int64) float64 {
	for _, entry := range pricingByPrefix {
		if strings.HasPrefix(model, entry.prefix) {
			return (float64(inputTokens)*entry.price.input +
				float64(outputTokens)*entry.price.output) / 1_000_000
		}
	}
	return 0
}
