// Package env implements the stateful, sandboxed execution environments
// the driver runs model-written code in.
//
// An environment materializes the completion request as a `context`
// binding, executes fenced code fragments against a persistent namespace,
// captures stdio, and exposes three helpers to executed code: FINAL_VAR,
// llm_query, and llm_query_batched. The local (non-isolated) variant
// embeds a goja ECMAScript interpreter in-process; isolated variants
// satisfy the same contract with stricter isolation.
package env

import (
	"context"
	"fmt"

	"github.com/haasonsaas/relm/pkg/models"
)

// Environment is the execution environment contract the controller
// depends on. One environment serves exactly one completion; bindings
// persist across ExecuteCode calls and are discarded at Cleanup.
type Environment interface {
	// Setup initializes evaluator state: bindings, helper functions,
	// and the curated primitive table.
	Setup() error

	// LoadContext materializes the request payload into a binding named
	// "context": text payloads are written to ./context.txt and read as
	// a string; structured payloads are serialized as JSON and loaded
	// as the corresponding in-memory value.
	LoadContext(payload models.Prompt) error

	// ExecuteCode runs a code fragment against the persistent bindings.
	// It never fails to the caller: user exceptions become stderr text
	// in the returned result.
	ExecuteCode(ctx context.Context, code string) models.REPLResult

	// Cleanup removes the per-completion temp directory and clears
	// bindings. Idempotent; errors are suppressed (best effort).
	Cleanup() error
}

// Options carries environment settings as a loose key/value map so they
// can be round-tripped through config files and trajectory metadata.
//
// Recognized keys for the local environment:
//   - "lm_handler_address": host:port of the LM handler (set by the controller)
//   - "execution_timeout": per-fragment wall-clock limit in seconds (0 disables)
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

// Int returns the named option as an int, or def when absent.
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

// Known reports whether kind names a supported environment.
func Known(kind string) bool {
	switch kind {
	case "", "local":
		return true
	}
	return false
}

// New constructs an environment of the named kind. "local" is the
// in-process goja evaluator; unknown kinds are a configuration error.
// localOpts (logger, metrics) apply to kinds that support them.
func New(kind string, opts Options, localOpts ...LocalOption) (Environment, error) {
	switch kind {
	case "", "local":
		return NewLocalEnv(opts, localOpts...), nil
	default:
		return nil, fmt.Errorf("env: unknown environment kind %q", kind)
	}
}
