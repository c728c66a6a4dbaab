package client

import (
	"strings"
	"testing"
)

func TestNewUnknownBackend(t *testing.T) {
	_, err := New("carrier-pigeon", Options{"api_key": "k"})
	if err == nil || !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("err = %v, want unknown-backend error", err)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	for _, backend := range []string{"anthropic", "openai"} {
		if _, err := New(backend, Options{}); err == nil {
			t.Errorf("New(%s) without api_key should fail", backend)
		}
	}
}

func TestNewAnthropicDefaults(t *testing.T) {
	c, err := New("anthropic", Options{"api_key": "test-key"})
	if err != nil {
		t.Fatal(err)
	}
	if c.ModelName() != defaultAnthropicModel {
		t.Errorf("model = %q, want default", c.ModelName())
	}
	if got := c.UsageSummary().Total(); got.Calls != 0 {
		t.Errorf("fresh client usage = %+v", got)
	}
}

func TestNewDeepseekPresetsBaseURL(t *testing.T) {
	c, err := New("deepseek", Options{"api_key": "test-key", "model_name": "deepseek-chat"})
	if err != nil {
		t.Fatal(err)
	}
	if c.ModelName() != "deepseek-chat" {
		t.Errorf("model = %q", c.ModelName())
	}
}

func TestKnown(t *testing.T) {
	for _, backend := range []string{"anthropic", "openai", "deepseek"} {
		if !Known(backend) {
			t.Errorf("Known(%s) = false", backend)
		}
	}
	if Known("smoke-signals") {
		t.Error("Known(smoke-signals) = true")
	}
}

func TestOptionsAccessors(t *testing.T) {
	opts := Options{
		"s":       "text",
		"i":       3,
		"i64":     int64(4),
		"f":       5.0,
		"wrongly": []string{"typed"},
	}

	if got := opts.String("s", "d"); got != "text" {
		t.Errorf("String(s) = %q", got)
	}
	if got := opts.String("missing", "d"); got != "d" {
		t.Errorf("String(missing) = %q", got)
	}
	if got := opts.String("wrongly", "d"); got != "d" {
		t.Errorf("String(wrongly) = %q", got)
	}
	for key, want := range map[string]int{"i": 3, "i64": 4, "f": 5, "missing": 9} {
		if got := opts.Int(key, 9); got != want {
			t.Errorf("Int(%s) = %d, want %d", key, got, want)
		}
	}
}

func TestUsageRecorderMonotone(t *testing.T) {
	r := newUsageRecorder("test-model")

	r.record(100, 50)
	first := r.usageSummary().Total()
	r.record(10, 5)
	second := r.usageSummary().Total()

	if second.InputTokens <= first.InputTokens || second.Calls != first.Calls+1 {
		t.Errorf("counters not monotone: %+v then %+v", first, second)
	}
	if last := r.lastUsage(); last.InputTokens != 10 || last.OutputTokens != 5 {
		t.Errorf("last usage = %+v, want most recent call", last)
	}
}

func TestEstimateCost(t *testing.T) {
	tests := []struct {
		model string
		in    int64
		out   int64
		want  float64
	}{
		{"claude-sonnet-4-20250514", 1_000_000, 0, 3.0},
		{"claude-sonnet-4-20250514", 0, 1_000_000, 15.0},
		{"gpt-4o-mini", 1_000_000, 1_000_000, 0.75},
		{"completely-unknown", 1_000_000, 1_000_000, 0},
	}
	for _, tt := range tests {
		got := estimateCost(tt.model, tt.in, tt.out)
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("estimateCost(%s) = %f, want %f", tt.model, got, tt.want)
		}
	}
}

func TestIsTransientError(t *testing.T) {
	if !isTransientError(errTest("429 rate limit exceeded")) {
		t.Error("rate limit should be transient")
	}
	if isTransientError(errTest("invalid api key")) {
		t.Error("auth failure should not be transient")
	}
	if isTransientError(nil) {
		t.Error("nil should not be transient")
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
