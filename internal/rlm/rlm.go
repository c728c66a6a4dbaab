// Package rlm implements the recursive language model driver: an
// iteration controller that turns a text-completion model into an agent
// that runs code, inspects results, and issues sub-queries to language
// models from inside that code.
//
// One Completion call owns exactly one execution environment and one LM
// handler; both are torn down before the call returns, on every exit
// path. Message history within a completion is append-only and discarded
// between completions.
package rlm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/haasonsaas/relm/internal/client"
	"github.com/haasonsaas/relm/internal/env"
	"github.com/haasonsaas/relm/internal/handler"
	"github.com/haasonsaas/relm/internal/observability"
	"github.com/haasonsaas/relm/internal/parsing"
	"github.com/haasonsaas/relm/internal/trajectory"
	"github.com/haasonsaas/relm/internal/verbose"
	"github.com/haasonsaas/relm/pkg/models"
)

// Backend names a client backend with its option map.
type Backend struct {
	Name    string
	Options client.Options
}

// Config configures an RLM controller.
type Config struct {
	// Backend is the root model's backend name ("anthropic", "openai",
	// "deepseek"). Required.
	Backend string

	// BackendOptions are passed to the backend factory per completion.
	BackendOptions client.Options

	// Environment selects the execution environment kind. Default "local".
	Environment string

	// EnvironmentOptions are passed to the environment factory.
	EnvironmentOptions env.Options

	// Depth is the controller's current depth, starting at 0. When
	// Depth >= MaxDepth a completion degrades to a flat client call.
	Depth int

	// MaxDepth bounds recursion. Only 1 is supported.
	MaxDepth int

	// MaxIterations bounds the turn loop. Must be at least 1.
	MaxIterations int

	// SystemPrompt replaces the default system prompt when set.
	SystemPrompt string

	// OtherBackends registers auxiliary clients the environment can
	// address by model name in llm_query calls.
	OtherBackends []Backend

	// Logger receives trajectory records when set.
	Logger *trajectory.Logger

	// Verbose enables styled console output.
	Verbose bool

	// Log is the structured logger. Defaults to slog.Default().
	Log *slog.Logger

	// Metrics collects Prometheus metrics when set.
	Metrics *observability.Metrics

	// ClientFactory overrides how backend names become clients. Defaults
	// to client.New; tests substitute scripted clients here.
	ClientFactory func(backend string, opts client.Options) (client.Client, error)
}

// RLM is the iteration controller. It is long-lived; every Completion
// call spawns and tears down its own environment and LM handler.
type RLM struct {
	cfg     Config
	system  string
	log     *slog.Logger
	printer *verbose.Printer
}

// New validates the configuration and creates a controller.
// Misconfiguration (unknown backend or environment, unsupported depth,
// non-positive iteration budget) fails here, not mid-completion.
func New(cfg Config) (*RLM, error) {
	if cfg.ClientFactory == nil {
		cfg.ClientFactory = client.New
		if !client.Known(cfg.Backend) {
			return nil, fmt.Errorf("rlm: unknown backend %q", cfg.Backend)
		}
		for _, other := range cfg.OtherBackends {
			if !client.Known(other.Name) {
				return nil, fmt.Errorf("rlm: unknown auxiliary backend %q", other.Name)
			}
		}
	}
	if !env.Known(cfg.Environment) {
		return nil, fmt.Errorf("rlm: unknown environment %q", cfg.Environment)
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 1
	}
	if cfg.MaxDepth > 1 {
		return nil, errors.New("rlm: depths greater than one are not supported")
	}
	if cfg.MaxIterations < 1 {
		return nil, errors.New("rlm: max_iterations must be at least 1")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	r := &RLM{
		cfg:     cfg,
		system:  system,
		log:     cfg.Log,
		printer: verbose.NewPrinter(cfg.Verbose),
	}

	if cfg.Logger != nil || cfg.Verbose {
		metadata := r.metadata()
		if cfg.Logger != nil {
			if err := cfg.Logger.LogMetadata(metadata); err != nil {
				r.log.Warn("trajectory metadata write failed", "error", err)
			}
		}
		r.printer.PrintMetadata(metadata)
	}
	return r, nil
}

// metadata builds the run metadata record with sensitive options
// stripped.
func (r *RLM) metadata() models.Metadata {
	auxNames := make([]string, 0, len(r.cfg.OtherBackends))
	for _, other := range r.cfg.OtherBackends {
		auxNames = append(auxNames, other.Name)
	}
	return models.Metadata{
		RootModel:          r.cfg.BackendOptions.String("model_name", "unknown"),
		MaxDepth:           r.cfg.MaxDepth,
		MaxIterations:      r.cfg.MaxIterations,
		Backend:            r.cfg.Backend,
		BackendOptions:     models.FilterSensitiveOptions(r.cfg.BackendOptions),
		EnvironmentType:    r.environmentKind(),
		EnvironmentOptions: models.FilterSensitiveOptions(r.cfg.EnvironmentOptions),
		OtherBackends:      auxNames,
	}
}

func (r *RLM) environmentKind() string {
	if r.cfg.Environment == "" {
		return "local"
	}
	return r.cfg.Environment
}

// Completion is the main entry point: one recursive language model
// completion call. It spawns its own environment and LM handler for the
// duration of the call and tears both down before returning.
//
// prompt is the payload handed to the environment as `context`.
// rootPrompt is an optional small user-facing question shown to the root
// model each turn.
func (r *RLM) Completion(ctx context.Context, prompt models.Prompt, rootPrompt string) (*models.ChatCompletion, error) {
	start := time.Now()

	// At max depth the RLM is just an LM.
	if r.cfg.Depth >= r.cfg.MaxDepth {
		return r.fallbackCompletion(ctx, prompt, start)
	}

	primary, err := r.cfg.ClientFactory(r.cfg.Backend, r.cfg.BackendOptions)
	if err != nil {
		return nil, err
	}

	h := handler.New(primary,
		handler.WithLogger(r.log),
		handler.WithMetrics(r.cfg.Metrics),
	)
	for _, other := range r.cfg.OtherBackends {
		aux, err := r.cfg.ClientFactory(other.Name, other.Options)
		if err != nil {
			return nil, err
		}
		h.Register(aux.ModelName(), aux)
	}
	if err := h.Start(); err != nil {
		return nil, err
	}
	defer h.Stop()

	envOpts := make(env.Options, len(r.cfg.EnvironmentOptions)+1)
	for k, v := range r.cfg.EnvironmentOptions {
		envOpts[k] = v
	}
	envOpts["lm_handler_address"] = h.Addr()

	environment, err := env.New(r.environmentKind(), envOpts,
		env.WithLogger(r.log), env.WithMetrics(r.cfg.Metrics))
	if err != nil {
		return nil, err
	}
	defer environment.Cleanup()
	if err := environment.Setup(); err != nil {
		return nil, err
	}
	if err := environment.LoadContext(prompt); err != nil {
		return nil, err
	}

	history := BuildSystemPrompt(r.system, QueryMetadataOf(prompt))

	for i := 0; i < r.cfg.MaxIterations; i++ {
		currentPrompt := append(slices.Clone(history), BuildUserPrompt(rootPrompt, i))

		iteration, err := r.completionTurn(ctx, currentPrompt, h, environment)
		if err != nil {
			return nil, err
		}

		iteration.FinalAnswer = parsing.FindFinalAnswer(ctx, iteration.Response, environment)

		r.emitIteration(iteration, i+1)

		if iteration.FinalAnswer != nil {
			r.cfg.Metrics.ObserveIteration("final")
			return r.finish(prompt, *iteration.FinalAnswer, h, start, i+1), nil
		}
		r.cfg.Metrics.ObserveIteration("continue")

		history = append(history, parsing.FormatIteration(iteration)...)
	}

	// Out of iterations: one synthesizing turn produces the final answer.
	return r.synthesize(ctx, prompt, history, h, start)
}

// completionTurn executes a single iteration: prompt the model, then run
// every fenced code block in source order.
func (r *RLM) completionTurn(ctx context.Context, prompt []models.Message, h *handler.Handler, environment env.Environment) (models.Iteration, error) {
	turnStart := time.Now()

	response, err := h.Completion(ctx, models.MessagesPrompt(prompt))
	if err != nil {
		return models.Iteration{}, fmt.Errorf("rlm: turn completion failed: %w", err)
	}

	var codeBlocks []models.CodeBlock
	for _, code := range parsing.FindCodeBlocks(response) {
		result := environment.ExecuteCode(ctx, code)
		codeBlocks = append(codeBlocks, models.CodeBlock{Code: code, Result: result})
	}

	return models.Iteration{
		Prompt:        prompt,
		Response:      response,
		CodeBlocks:    codeBlocks,
		IterationTime: time.Since(turnStart).Seconds(),
	}, nil
}

// synthesize handles iteration exhaustion: ask the model to summarize
// the trajectory into a final answer, logged as a normal iteration whose
// final answer equals its response.
func (r *RLM) synthesize(ctx context.Context, prompt models.Prompt, history []models.Message, h *handler.Handler, start time.Time) (*models.ChatCompletion, error) {
	currentPrompt := append(slices.Clone(history), models.Message{
		Role:    models.RoleUser,
		Content: synthesisPrompt,
	})

	response, err := h.Completion(ctx, models.MessagesPrompt(currentPrompt))
	if err != nil {
		return nil, fmt.Errorf("rlm: synthesis completion failed: %w", err)
	}

	iteration := models.Iteration{
		Prompt:      currentPrompt,
		Response:    response,
		FinalAnswer: &response,
	}
	r.emitIteration(iteration, r.cfg.MaxIterations+1)
	r.cfg.Metrics.ObserveIteration("synthesized")

	return r.finish(prompt, response, h, start, r.cfg.MaxIterations), nil
}

// fallbackCompletion is the degenerate path at max depth: a single flat
// client completion with no turn loop, handler, or environment.
func (r *RLM) fallbackCompletion(ctx context.Context, prompt models.Prompt, start time.Time) (*models.ChatCompletion, error) {
	cli, err := r.cfg.ClientFactory(r.cfg.Backend, r.cfg.BackendOptions)
	if err != nil {
		return nil, err
	}
	response, err := cli.Completion(ctx, prompt)
	if err != nil {
		return nil, err
	}
	return &models.ChatCompletion{
		RootModel:     cli.ModelName(),
		Prompt:        prompt,
		Response:      response,
		UsageSummary:  cli.UsageSummary(),
		ExecutionTime: time.Since(start).Seconds(),
	}, nil
}

// finish assembles the completion result from the handler's aggregate
// usage and emits the closing verbose output.
func (r *RLM) finish(prompt models.Prompt, answer string, h *handler.Handler, start time.Time, iterations int) *models.ChatCompletion {
	elapsed := time.Since(start).Seconds()
	usage := h.UsageSummary()
	r.printer.PrintFinalAnswer(answer)
	r.printer.PrintSummary(iterations, elapsed, usage)
	return &models.ChatCompletion{
		RootModel:     r.cfg.BackendOptions.String("model_name", "unknown"),
		Prompt:        prompt,
		Response:      answer,
		UsageSummary:  usage,
		ExecutionTime: elapsed,
	}
}

// emitIteration sends one iteration record to the trajectory logger and
// the verbose printer.
func (r *RLM) emitIteration(iteration models.Iteration, n int) {
	if r.cfg.Logger != nil {
		if err := r.cfg.Logger.Log(iteration); err != nil {
			r.log.Warn("trajectory write failed", "error", err)
		}
	}
	r.printer.PrintIteration(iteration, n)
	r.log.Debug("iteration complete",
		"iteration", n,
		"code_blocks", len(iteration.CodeBlocks),
		"final", iteration.FinalAnswer != nil,
	)
}
