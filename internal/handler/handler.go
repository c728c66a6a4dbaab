package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/relm/internal/client"
	"github.com/haasonsaas/relm/internal/observability"
	"github.com/haasonsaas/relm/pkg/models"
)

// defaultConcurrency caps parallel sub-query execution per handler so a
// single llm_query_batched call cannot multiply into unbounded
// parallelism.
const defaultConcurrency = 8

// drainTimeout bounds how long Stop waits for in-flight requests before
// force-closing their connections.
const drainTimeout = 5 * time.Second

// Handler is the per-completion callback endpoint. It holds one primary
// client plus zero or more auxiliary clients registered under their model
// names, serves single and batched requests from evaluator threads
// concurrently, and aggregates usage across everything it served.
type Handler struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	primary client.Client

	mu      sync.Mutex
	clients map[string]client.Client
	conns   map[net.Conn]struct{}

	sem chan struct{}

	ln      net.Listener
	serving sync.WaitGroup
	stopped bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the handler's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics attaches driver metrics. A nil metrics value is allowed.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithConcurrency overrides the fan-out concurrency cap.
func WithConcurrency(n int) Option {
	return func(h *Handler) {
		if n > 0 {
			h.sem = make(chan struct{}, n)
		}
	}
}

// New creates a handler routing to the given primary client.
func New(primary client.Client, opts ...Option) *Handler {
	h := &Handler{
		logger:  slog.Default(),
		primary: primary,
		clients: make(map[string]client.Client),
		conns:   make(map[net.Conn]struct{}),
		sem:     make(chan struct{}, defaultConcurrency),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds an auxiliary client reachable under the given model name.
func (h *Handler) Register(name string, c client.Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[name] = c
}

// Start binds to an ephemeral loopback port and begins serving.
func (h *Handler) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("handler: listen: %w", err)
	}
	h.mu.Lock()
	h.ln = ln
	h.stopped = false
	h.mu.Unlock()

	h.serving.Add(1)
	go h.acceptLoop(ln)

	h.logger.Debug("lm handler started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the loopback address the handler is bound to, in host:port
// form. It is injected into the environment as the handler address.
func (h *Handler) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// Stop terminates the listener and drains in-flight requests. Safe to
// call more than once.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if h.stopped || h.ln == nil {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	ln := h.ln
	h.mu.Unlock()

	err := ln.Close()

	done := make(chan struct{})
	go func() {
		h.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		h.mu.Lock()
		for conn := range h.conns {
			conn.Close()
		}
		h.mu.Unlock()
		<-done
	}

	h.logger.Debug("lm handler stopped")
	return err
}

// Completion routes a prompt to the primary client. The controller uses
// this for its own turns so all usage flows through one aggregate.
func (h *Handler) Completion(ctx context.Context, prompt models.Prompt) (string, error) {
	start := time.Now()
	response, err := h.primary.Completion(ctx, prompt)
	h.metrics.ObserveLMRequest(h.primary.ModelName(), time.Since(start).Seconds(), err)
	if err == nil {
		last := h.primary.LastUsage()
		h.metrics.ObserveTokens(h.primary.ModelName(), last.InputTokens, last.OutputTokens)
	}
	return response, err
}

// UsageSummary aggregates usage across the primary and every registered
// client. Aggregation is additive, so the result is exact regardless of
// which path (controller turn or sub-query) consumed tokens.
func (h *Handler) UsageSummary() models.UsageSummary {
	h.mu.Lock()
	clients := make([]client.Client, 0, len(h.clients)+1)
	clients = append(clients, h.primary)
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	total := models.NewUsageSummary()
	for _, c := range clients {
		total.Merge(c.UsageSummary())
	}
	return total
}

// RegisteredModels returns the auxiliary model names, in no particular
// order.
func (h *Handler) RegisteredModels() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.clients))
	for name := range h.clients {
		names = append(names, name)
	}
	return names
}

func (h *Handler) acceptLoop(ln net.Listener) {
	defer h.serving.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Warn("lm handler accept failed", "error", err)
			return
		}
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.conns[conn] = struct{}{}
		h.mu.Unlock()

		h.serving.Add(1)
		go h.serveConn(conn)
	}
}

func (h *Handler) serveConn(conn net.Conn) {
	defer h.serving.Done()
	defer func() {
		conn.Close()
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()

	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				h.logger.Debug("lm handler connection closed", "error", err)
			}
			return
		}
		resp := h.dispatch(context.Background(), &req)
		if err := enc.Encode(resp); err != nil {
			h.logger.Warn("lm handler write failed", "error", err)
			return
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Kind {
	case KindSingle:
		resp := h.handleSingle(ctx, req.Prompt, req.Model)
		h.metrics.ObserveSubQuery(KindSingle, errorOrNil(resp))
		return resp
	case KindBatched:
		resp := h.handleBatched(ctx, req.Prompts, req.Model)
		h.metrics.ObserveSubQuery(KindBatched, errorOrNil(resp))
		return resp
	default:
		return &Response{Success: false, Error: fmt.Sprintf("unknown request kind %q", req.Kind)}
	}
}

// handleSingle serves one sub-query under a fan-out slot and wraps the
// reply in a full completion record.
func (h *Handler) handleSingle(ctx context.Context, prompt models.Prompt, model string) *Response {
	select {
	case h.sem <- struct{}{}:
		defer func() { <-h.sem }()
	case <-ctx.Done():
		return &Response{Success: false, Error: ctx.Err().Error()}
	}

	cli, err := h.lookup(model)
	if err != nil {
		return &Response{Success: false, Error: err.Error()}
	}

	start := time.Now()
	response, err := cli.Completion(ctx, prompt)
	elapsed := time.Since(start)
	h.metrics.ObserveLMRequest(cli.ModelName(), elapsed.Seconds(), err)
	if err != nil {
		return &Response{Success: false, Error: err.Error()}
	}

	last := cli.LastUsage()
	h.metrics.ObserveTokens(cli.ModelName(), last.InputTokens, last.OutputTokens)
	usage := models.NewUsageSummary()
	usage.Record(cli.ModelName(), last)

	return &Response{
		Success: true,
		ChatCompletion: &models.ChatCompletion{
			RootModel:     cli.ModelName(),
			Prompt:        prompt,
			Response:      response,
			UsageSummary:  usage,
			ExecutionTime: elapsed.Seconds(),
		},
	}
}

// handleBatched fans prompts out to parallel single queries and returns
// responses in input order.
func (h *Handler) handleBatched(ctx context.Context, prompts []models.Prompt, model string) *Response {
	responses := make([]Response, len(prompts))
	g, gctx := errgroup.WithContext(ctx)
	for i, prompt := range prompts {
		g.Go(func() error {
			responses[i] = *h.handleSingle(gctx, prompt, model)
			return nil
		})
	}
	g.Wait()
	return &Response{Success: true, Responses: responses}
}

// lookup resolves a client by model name; empty routes to the primary.
func (h *Handler) lookup(model string) (client.Client, error) {
	if strings.TrimSpace(model) == "" {
		return h.primary, nil
	}
	if model == h.primary.ModelName() {
		return h.primary, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[model]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("no client registered for model %q", model)
}

func errorOrNil(resp *Response) error {
	if resp.Success {
		return nil
	}
	return errors.New(resp.Error)
}
