package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relm/pkg/models"
)

// usageRecorder tracks cumulative and most-recent usage for one client
// instance under an internal lock.
type usageRecorder struct {
	mu      sync.Mutex
	model   string
	summary models.UsageSummary
	last    models.ModelUsage
}

func newUsageRecorder(model string) *usageRecorder {
	return &usageRecorder{model: model, summary: models.NewUsageSummary()}
}

// record accumulates one call's token counts and its estimated cost.
func (r *usageRecorder) record(inputTokens, outputTokens int64) {
	u := models.ModelUsage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Calls:        1,
		Cost:         estimateCost(r.model, inputTokens, outputTokens),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.Record(r.model, u)
	r.last = u
}

func (r *usageRecorder) usageSummary() models.UsageSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary.Clone()
}

func (r *usageRecorder) lastUsage() models.ModelUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// retrier holds shared retry configuration for client adapters.
type retrier struct {
	maxRetries int
	retryDelay time.Duration
}

func newRetrier(maxRetries int, retryDelay time.Duration) retrier {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return retrier{maxRetries: maxRetries, retryDelay: retryDelay}
}

// do executes op with linear backoff while isRetryable returns true.
func (r retrier) do(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= r.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}

// isTransientError reports whether an error message looks like a
// retryable transport or rate-limit failure.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"429",
		"overloaded",
		"529",
		"timeout",
		"connection reset",
		"temporarily unavailable",
		"503",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
