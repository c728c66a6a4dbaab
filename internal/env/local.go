package env

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/haasonsaas/relm/internal/handler"
	"github.com/haasonsaas/relm/internal/observability"
	"github.com/haasonsaas/relm/pkg/models"
)

// blockedPrimitives are names that must be present but inactive in the
// evaluator namespace, so lookups resolve to null instead of falling
// through to a host equivalent.
var blockedPrimitives = []string{"input", "eval", "exec", "compile", "globals", "locals"}

// LocalEnv is the non-isolated execution environment: an embedded goja
// (ECMAScript) interpreter with a persistent global namespace, captured
// stdio, and a per-completion temp working directory.
//
// ExecuteCode invocations are serialized on an internal mutex; stdio
// redirection and the working-directory change would otherwise race.
type LocalEnv struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	handlerAddr string
	timeout     time.Duration

	mu     sync.Mutex
	vm     *goja.Runtime
	tmpDir string

	stdout bytes.Buffer
	stderr bytes.Buffer

	// pending collects the sub-completions issued by llm_query and
	// llm_query_batched during the current ExecuteCode call. Guarded
	// separately so helpers never touch the execution mutex.
	pendingMu sync.Mutex
	pending   []models.ChatCompletion

	// internalNames are the bindings seeded by Setup; they are excluded
	// from user-binding snapshots.
	internalNames map[string]bool

	cleaned bool
}

// LocalOption configures a LocalEnv.
type LocalOption func(*LocalEnv)

// WithLogger sets the environment's structured logger.
func WithLogger(logger *slog.Logger) LocalOption {
	return func(e *LocalEnv) { e.logger = logger }
}

// WithMetrics attaches driver metrics. A nil metrics value is allowed.
func WithMetrics(m *observability.Metrics) LocalOption {
	return func(e *LocalEnv) { e.metrics = m }
}

// NewLocalEnv creates a local environment from the given options. Call
// Setup before first use.
func NewLocalEnv(opts Options, localOpts ...LocalOption) *LocalEnv {
	e := &LocalEnv{
		logger:      slog.Default(),
		handlerAddr: opts.String("lm_handler_address", ""),
		timeout:     time.Duration(opts.Int("execution_timeout", 120)) * time.Second,
	}
	for _, opt := range localOpts {
		opt(e)
	}
	return e
}

// Setup initializes the interpreter, seeds the curated namespace, and
// creates the per-completion temp directory.
func (e *LocalEnv) Setup() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tmpDir, err := os.MkdirTemp("", "relm-env-")
	if err != nil {
		return fmt.Errorf("env: create temp dir: %w", err)
	}
	e.tmpDir = tmpDir
	e.cleaned = false

	vm := goja.New()
	e.vm = vm

	// Stdio shims. print() and console.log write to the captured stdout
	// buffer; console.error and console.warn to stderr.
	console := vm.NewObject()
	console.Set("log", e.makePrint(&e.stdout))
	console.Set("error", e.makePrint(&e.stderr))
	console.Set("warn", e.makePrint(&e.stderr))
	vm.Set("console", console)
	vm.Set("print", e.makePrint(&e.stdout))

	// Blocked primitives stay present but inactive so name lookup does
	// not silently fall through. This also neutralizes goja's own eval.
	for _, name := range blockedPrimitives {
		vm.Set(name, goja.Null())
	}

	// Host-provided primitives beyond the interpreter's built-ins.
	vm.Set("sha256", func(s string) string {
		sum := sha256.Sum256([]byte(s))
		return hex.EncodeToString(sum[:])
	})
	vm.Set("open", e.makeOpen())

	// Sub-query and final-answer helpers.
	vm.Set("FINAL_VAR", e.makeFinalVar())
	vm.Set("llm_query", e.makeLLMQuery())
	vm.Set("llm_query_batched", e.makeLLMQueryBatched())

	// Everything present now is evaluator-internal; user bindings are
	// whatever appears afterwards.
	e.internalNames = make(map[string]bool)
	for _, key := range vm.GlobalObject().Keys() {
		e.internalNames[key] = true
	}

	e.logger.Debug("local environment ready", "tmp_dir", e.tmpDir)
	return nil
}

// LoadContext materializes the request payload as the `context` binding.
func (e *LocalEnv) LoadContext(payload models.Prompt) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vm == nil {
		return fmt.Errorf("env: setup not called")
	}

	if payload.Kind() == models.PromptText {
		path := filepath.Join(e.tmpDir, "context.txt")
		if err := os.WriteFile(path, []byte(payload.Text()), 0o644); err != nil {
			return fmt.Errorf("env: write context file: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("env: read context file: %w", err)
		}
		return e.vm.Set("context", string(data))
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("env: serialize context payload: %w", err)
	}
	path := filepath.Join(e.tmpDir, "context.json")
	if err := os.WriteFile(path, serialized, 0o644); err != nil {
		return fmt.Errorf("env: write context file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("env: read context file: %w", err)
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("env: decode context payload: %w", err)
	}
	return e.vm.Set("context", value)
}

// ExecuteCode runs one code fragment against the persistent bindings.
// It never fails to the caller: exceptions from user code are captured
// into stderr, stdout is preserved up to the fault point, and the
// returned snapshot reflects the bindings after execution.
func (e *LocalEnv) ExecuteCode(ctx context.Context, code string) (result models.REPLResult) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = models.REPLResult{
				Stdout:        e.stdout.String(),
				Stderr:        fmt.Sprintf("InternalError: %v", r),
				ExecutionTime: time.Since(start).Seconds(),
			}
		}
	}()

	if e.vm == nil {
		return models.REPLResult{
			Stderr:        "EnvironmentError: setup not called",
			ExecutionTime: time.Since(start).Seconds(),
		}
	}

	e.stdout.Reset()
	e.stderr.Reset()
	e.pendingMu.Lock()
	e.pending = nil
	e.pendingMu.Unlock()

	// Run inside the per-completion temp directory; restore on all exit
	// paths.
	if cwd, err := os.Getwd(); err == nil {
		if err := os.Chdir(e.tmpDir); err == nil {
			defer os.Chdir(cwd)
		}
	}

	stop := e.armInterrupt(ctx)
	_, runErr := e.vm.RunString(code)
	stop()

	if runErr != nil {
		if e.stderr.Len() > 0 {
			e.stderr.WriteString("\n")
		}
		e.stderr.WriteString(formatRunError(runErr))
	}

	e.pendingMu.Lock()
	nested := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	elapsed := time.Since(start).Seconds()
	e.metrics.ObserveCodeExecution(elapsed)

	return models.REPLResult{
		Stdout:        e.stdout.String(),
		Stderr:        e.stderr.String(),
		Locals:        e.snapshotBindings(),
		ExecutionTime: elapsed,
		NestedCalls:   nested,
	}
}

// Cleanup removes the temp directory and drops the interpreter.
// Idempotent; removal errors are suppressed.
func (e *LocalEnv) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned {
		return nil
	}
	e.cleaned = true
	if e.tmpDir != "" {
		if err := os.RemoveAll(e.tmpDir); err != nil {
			e.logger.Debug("env cleanup failed", "tmp_dir", e.tmpDir, "error", err)
		}
	}
	e.vm = nil
	return nil
}

// armInterrupt interrupts the interpreter when the context is canceled or
// the execution timeout elapses. The returned stop function disarms the
// watcher and clears any pending interrupt.
func (e *LocalEnv) armInterrupt(ctx context.Context) func() {
	vm := e.vm
	done := make(chan struct{})

	// A nil channel blocks forever, disabling the timeout branch.
	var timeoutC <-chan time.Time
	var timer *time.Timer
	if e.timeout > 0 {
		timer = time.NewTimer(e.timeout)
		timeoutC = timer.C
	}

	go func() {
		select {
		case <-done:
		case <-timeoutC:
			vm.Interrupt("execution timed out")
		case <-ctx.Done():
			vm.Interrupt("execution canceled")
		}
	}()

	return func() {
		close(done)
		if timer != nil {
			timer.Stop()
		}
		vm.ClearInterrupt()
	}
}

// snapshotBindings exports user bindings: global names created after
// Setup, excluding names starting with "_" and evaluator internals, with
// only simple scalar or composite values included.
func (e *LocalEnv) snapshotBindings() map[string]any {
	global := e.vm.GlobalObject()
	snapshot := make(map[string]any)
	for _, key := range global.Keys() {
		if e.internalNames[key] || len(key) == 0 || key[0] == '_' {
			continue
		}
		value := global.Get(key)
		if value == nil {
			continue
		}
		if _, isFn := goja.AssertFunction(value); isFn {
			continue
		}
		exported := value.Export()
		if isSimpleValue(exported) {
			snapshot[key] = exported
		}
	}
	return snapshot
}

// isSimpleValue reports whether v is a scalar or a plain composite worth
// including in a bindings snapshot.
func isSimpleValue(v any) bool {
	switch v.(type) {
	case nil, bool, string, int, int32, int64, float32, float64,
		[]any, map[string]any, []string, []int64, []float64:
		return true
	default:
		return false
	}
}

// makePrint builds a print-like host function writing to buf.
func (e *LocalEnv) makePrint(buf *bytes.Buffer) func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		for i, arg := range call.Arguments {
			if i > 0 {
				buf.WriteString(" ")
			}
			buf.WriteString(renderValue(arg))
		}
		buf.WriteString("\n")
		return goja.Undefined()
	}
}

// renderValue formats one printed value: objects and arrays as JSON,
// everything else via the interpreter's string conversion.
func renderValue(v goja.Value) string {
	if v == nil {
		return "null"
	}
	exported := v.Export()
	switch exported.(type) {
	case map[string]any, []any:
		if data, err := json.Marshal(exported); err == nil {
			return string(data)
		}
	}
	return v.String()
}

// makeOpen builds the file-open primitive. Paths resolve against the
// working directory, which is the per-completion temp directory during
// execution.
func (e *LocalEnv) makeOpen() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		path := call.Argument(0).String()
		file := e.vm.NewObject()
		file.Set("read", func() (string, error) {
			data, err := os.ReadFile(path)
			return string(data), err
		})
		file.Set("write", func(s string) error {
			return os.WriteFile(path, []byte(s), 0o644)
		})
		return file
	}
}

// makeFinalVar builds FINAL_VAR: the string form of the named user
// binding, or a well-formed error string when absent.
func (e *LocalEnv) makeFinalVar() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		value := e.vm.GlobalObject().Get(name)
		if value == nil || goja.IsUndefined(value) {
			return e.vm.ToValue(fmt.Sprintf("Error: variable '%s' not found in the REPL environment", name))
		}
		return e.vm.ToValue(renderValue(value))
	}
}

// makeLLMQuery builds llm_query: exactly one synchronous RPC to the LM
// handler. Returns the model's reply text, or a string beginning with
// "Error: " on failure; it never raises to user code.
func (e *LocalEnv) makeLLMQuery() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		prompt := promptFromValue(call.Argument(0))
		model := optionalString(call.Argument(1))

		if e.handlerAddr == "" {
			return e.vm.ToValue("Error: no LM handler address configured")
		}
		completion, err := handler.Query(e.handlerAddr, prompt, model)
		if err != nil {
			return e.vm.ToValue("Error: " + err.Error())
		}
		e.pendingMu.Lock()
		e.pending = append(e.pending, *completion)
		e.pendingMu.Unlock()
		return e.vm.ToValue(completion.Response)
	}
}

// makeLLMQueryBatched builds llm_query_batched: one batched RPC whose
// prompts the handler fans out concurrently, with replies returned in
// input order. Partial failure yields per-index error strings, never an
// aggregate failure.
func (e *LocalEnv) makeLLMQueryBatched() func(call goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		exported := call.Argument(0).Export()
		items, ok := exported.([]any)
		if !ok {
			return e.vm.ToValue([]string{"Error: llm_query_batched expects a list of prompts"})
		}
		model := optionalString(call.Argument(1))

		results := make([]string, len(items))
		fail := func(msg string) goja.Value {
			for i := range results {
				results[i] = msg
			}
			return e.vm.ToValue(results)
		}
		if e.handlerAddr == "" {
			return fail("Error: no LM handler address configured")
		}

		prompts := make([]models.Prompt, len(items))
		for i, item := range items {
			prompts[i] = promptFromExported(item)
		}
		responses, err := handler.QueryBatched(e.handlerAddr, prompts, model)
		if err != nil {
			return fail("Error: " + err.Error())
		}
		if len(responses) != len(prompts) {
			return fail("Error: batched response count mismatch")
		}

		for i, resp := range responses {
			if !resp.Success || resp.ChatCompletion == nil {
				results[i] = "Error: " + resp.Error
				continue
			}
			e.pendingMu.Lock()
			e.pending = append(e.pending, *resp.ChatCompletion)
			e.pendingMu.Unlock()
			results[i] = resp.ChatCompletion.Response
		}
		return e.vm.ToValue(results)
	}
}

func optionalString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func promptFromValue(v goja.Value) models.Prompt {
	if v == nil || goja.IsUndefined(v) {
		return models.TextPrompt("")
	}
	return promptFromExported(v.Export())
}

func promptFromExported(v any) models.Prompt {
	switch typed := v.(type) {
	case string:
		return models.TextPrompt(typed)
	default:
		if data, err := json.Marshal(typed); err == nil {
			return models.DataPrompt(data)
		}
		return models.TextPrompt(fmt.Sprintf("%v", typed))
	}
}

// formatRunError renders an interpreter error as "<Class>: <message>"
// stderr text.
func formatRunError(err error) string {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		value := exc.Value()
		if obj, isObj := value.(*goja.Object); isObj {
			name := obj.Get("name")
			message := obj.Get("message")
			if name != nil && !goja.IsUndefined(name) {
				if message != nil && !goja.IsUndefined(message) {
					return fmt.Sprintf("%s: %s", name.String(), message.String())
				}
				return name.String()
			}
		}
		return value.String()
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Sprintf("InterruptedError: %v", interrupted.Value())
	}
	return err.Error()
}
