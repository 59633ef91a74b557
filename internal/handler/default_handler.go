package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cenwei/saturn-mousehunter-crawler-service/internal/domain"
)

// AdapterResponse is what a venue adapter reports back to the default
// handler after issuing the request: plain success/failure, plus a
// structured reason on failure.
type AdapterResponse struct {
	Success bool
	Reason  string
}

// Adapter issues the venue-specific HTTP call for a task and reports
// the outcome. Per-market URL construction and field mapping are
// intentionally thin; only the dispatch/concurrency/timeout machinery
// around adapters is load-bearing.
type Adapter func(ctx context.Context, client *http.Client, task domain.Task, injCtx domain.InjectionContext) (AdapterResponse, error)

// DefaultHandlerConfig tunes the concurrency caps spec.md §4.3 names:
// a tighter cap when no proxy is bound, a looser one when one is.
type DefaultHandlerConfig struct {
	NoProxyConcurrencyCap   int
	WithProxyConcurrencyCap int
}

// DefaultHandler is the adapter-dispatch fallback used when no
// task-type-specific handler is registered. It enforces the mandatory
// credential / optional proxy policy and the global concurrency caps
// from spec.md §4.3, and clamps the per-task timeout it takes from the
// injection context (chosen by the injector's task-type policy) to
// [5s, 45s].
type DefaultHandler struct {
	adapters map[string]Adapter
	fallback Adapter

	noProxySem   chan struct{}
	withProxySem chan struct{}
}

// NewDefaultHandler builds a dispatcher over the given per-market
// adapters (keyed by task.Market), with fallback used when no
// market-specific adapter matches.
func NewDefaultHandler(cfg DefaultHandlerConfig, adapters map[string]Adapter, fallback Adapter) *DefaultHandler {
	if cfg.NoProxyConcurrencyCap <= 0 {
		cfg.NoProxyConcurrencyCap = 5
	}
	if cfg.WithProxyConcurrencyCap <= 0 {
		cfg.WithProxyConcurrencyCap = 20
	}
	return &DefaultHandler{
		adapters:     adapters,
		fallback:     fallback,
		noProxySem:   make(chan struct{}, cfg.NoProxyConcurrencyCap),
		withProxySem: make(chan struct{}, cfg.WithProxyConcurrencyCap),
	}
}

// Handle satisfies domain.Handler.
func (h *DefaultHandler) Handle(ctx context.Context, task domain.Task, injCtx domain.InjectionContext) (bool, string) {
	if injCtx.Credential == nil {
		return false, "missing_credential"
	}

	sem := h.noProxySem
	if injCtx.Proxy != nil {
		sem = h.withProxySem
	}
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return false, "deadline_exceeded"
	}

	timeout := injCtx.Timeout
	if timeout < 5*time.Second {
		timeout = 5 * time.Second
	}
	if timeout > 45*time.Second {
		timeout = 45 * time.Second
	}

	adapter, ok := h.adapters[task.Market]
	if !ok {
		adapter = h.fallback
	}
	if adapter == nil {
		return false, "no_handler"
	}

	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	resp, err := adapter(ctx, client, task, injCtx)
	if err != nil {
		if ctx.Err() != nil {
			return false, "deadline_exceeded"
		}
		return false, fmt.Sprintf("adapter_error:%v", err)
	}
	return resp.Success, resp.Reason
}

// apiEnvelope is the illustrative JSON shape the generic fallback
// adapter expects: an application-level error code alongside an
// otherwise-2xx HTTP response.
type apiEnvelope struct {
	ErrorCode string          `json:"error_code,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// GenericJSONAdapter is an illustrative fallback: GET the endpoint
// built from the task's market/symbol, decode a JSON envelope, and
// classify an application-level error_code as a structured failure
// reason rather than a transport error.
func GenericJSONAdapter(endpointTemplate string) Adapter {
	return func(ctx context.Context, client *http.Client, task domain.Task, injCtx domain.InjectionContext) (AdapterResponse, error) {
		url := fmt.Sprintf(endpointTemplate, task.Market, task.Symbol)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return AdapterResponse{}, fmt.Errorf("build request: %w", err)
		}
		for k, v := range injCtx.Headers {
			req.Header.Set(k, v)
		}
		resp, err := client.Do(req)
		if err != nil {
			return AdapterResponse{}, fmt.Errorf("do request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return AdapterResponse{}, fmt.Errorf("read body: %w", err)
		}
		if resp.StatusCode >= 400 {
			return AdapterResponse{Success: false, Reason: fmt.Sprintf("http_status:%d", resp.StatusCode)}, nil
		}

		var env apiEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return AdapterResponse{}, fmt.Errorf("decode envelope: %w", err)
		}
		if env.ErrorCode != "" {
			return AdapterResponse{Success: false, Reason: "api_error:" + env.ErrorCode}, nil
		}
		return AdapterResponse{Success: true}, nil
	}
}

// AsDomainHandler adapts *DefaultHandler to the domain.Handler func
// signature for registration as the registry's default.
func (h *DefaultHandler) AsDomainHandler() domain.Handler {
	return h.Handle
}
