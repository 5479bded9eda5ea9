package provider

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/model"
	"github.com/sells-group/whale-analyst/internal/resilience"
)

// Outcome is a successful invocation.
type Outcome struct {
	Response *Response
	Route    Route
	Attempts []model.AttemptSummary
}

// Invoker runs the two-layer strategy: bounded retries within a provider,
// then fallback to the next route.
type Invoker struct {
	providers map[string]TextProvider
	retry     resilience.RetryConfig
	breakers  *resilience.ServiceBreakers
	log       *zap.Logger
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithBreakers enables per-provider circuit breakers.
func WithBreakers(sb *resilience.ServiceBreakers) InvokerOption {
	return func(inv *Invoker) { inv.breakers = sb }
}

// WithLogger overrides the logger.
func WithLogger(l *zap.Logger) InvokerOption {
	return func(inv *Invoker) { inv.log = l }
}

// NewInvoker creates an Invoker over the given providers.
func NewInvoker(providers []TextProvider, retry resilience.RetryConfig, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		providers: make(map[string]TextProvider, len(providers)),
		retry:     retry,
		log:       zap.L().With(zap.String("component", "invoker")),
	}
	for _, p := range providers {
		inv.providers[p.Name()] = p
	}
	for _, o := range opts {
		o(inv)
	}
	return inv
}

// Configured returns the names of the providers this invoker can call.
func (inv *Invoker) Configured() []string {
	names := make([]string, 0, len(inv.providers))
	for name := range inv.providers {
		names = append(names, name)
	}
	return names
}

// Invoke tries each route in order. It returns *ExhaustedError when every
// route failed, or the context error when ctx ends first.
func (inv *Invoker) Invoke(ctx context.Context, routes []Route, prompt Prompt) (*Outcome, error) {
	var (
		attempts []model.AttemptSummary
		failures []Failure
	)

	for _, route := range routes {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "invoke: context done")
		}

		p, ok := inv.providers[route.Provider]
		if !ok {
			failures = append(failures, Failure{
				Provider: route.Provider,
				Model:    route.Model,
				Kind:     KindNotConfigured,
				Err:      eris.New("provider not configured"),
			})
			continue
		}

		var cb *resilience.CircuitBreaker
		if inv.breakers != nil {
			cb = inv.breakers.Get(route.Provider)
			if err := cb.Allow(); err != nil {
				inv.log.Warn("provider skipped, circuit open",
					zap.String("provider", route.Provider))
				attempts = append(attempts, model.AttemptSummary{
					Provider:  route.Provider,
					Model:     route.Model,
					Error:     err.Error(),
					ErrorKind: string(KindCircuitOpen),
				})
				failures = append(failures, Failure{
					Provider: route.Provider,
					Model:    route.Model,
					Kind:     KindCircuitOpen,
					Err:      err,
				})
				continue
			}
		}

		resp, tried, err := inv.attempt(ctx, p, route, prompt, cb, &attempts)
		if err == nil {
			return &Outcome{Response: resp, Route: route, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "invoke: context done")
		}

		kind := Classify(route.Provider, route.Model, err).Kind
		inv.log.Warn("provider exhausted, falling back",
			zap.String("provider", route.Provider),
			zap.String("model", route.Model),
			zap.String("kind", string(kind)),
			zap.Int("attempts", tried),
			zap.Error(err),
		)
		failures = append(failures, Failure{
			Provider: route.Provider,
			Model:    route.Model,
			Kind:     kind,
			Attempts: tried,
			Err:      err,
		})
	}

	return nil, &ExhaustedError{Failures: failures}
}

// attempt is Layer 1: retries against a single provider.
func (inv *Invoker) attempt(ctx context.Context, p TextProvider, route Route, prompt Prompt, cb *resilience.CircuitBreaker, attempts *[]model.AttemptSummary) (*Response, int, error) {
	cfg := inv.retry
	cfg.ShouldRetry = IsRetryable
	cfg.OnRetry = resilience.RetryLogger(route.Provider, "call")

	params := ModelParams{Model: route.Model, MaxTokens: route.MaxTokens}
	tried := 0

	resp, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*Response, error) {
		tried++
		callCtx := ctx
		if route.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, route.Timeout)
			defer cancel()
		}

		start := time.Now()
		resp, err := p.Call(callCtx, prompt, params)
		elapsed := time.Since(start)

		summary := model.AttemptSummary{
			Provider:   route.Provider,
			Model:      route.Model,
			DurationMs: elapsed.Milliseconds(),
		}
		if err == nil && resp == nil {
			err = eris.New("empty response")
		}
		if err != nil {
			pe := Classify(route.Provider, route.Model, err)
			summary.Error = pe.Error()
			summary.ErrorKind = string(pe.Kind)
			*attempts = append(*attempts, summary)
			if cb != nil {
				cb.Record(tripError(pe))
			}
			return nil, pe
		}

		if resp.Model != "" {
			summary.Model = resp.Model
		}
		*attempts = append(*attempts, summary)
		if cb != nil {
			cb.Record(nil)
		}
		resp.Duration = elapsed
		return resp, nil
	})
	return resp, tried, err
}

// tripError returns the error to feed the breaker. Configuration problems
// say nothing about provider health.
func tripError(pe *Error) error {
	switch pe.Kind {
	case KindAuthError, KindBadRequest:
		return nil
	}
	return pe
}
