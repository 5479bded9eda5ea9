package main

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/whale-analyst/internal/analysis"
	"github.com/sells-group/whale-analyst/internal/config"
	"github.com/sells-group/whale-analyst/internal/cost"
	"github.com/sells-group/whale-analyst/internal/gather"
	"github.com/sells-group/whale-analyst/internal/job"
	"github.com/sells-group/whale-analyst/internal/monitoring"
	"github.com/sells-group/whale-analyst/internal/provider"
	"github.com/sells-group/whale-analyst/internal/resilience"
	"github.com/sells-group/whale-analyst/internal/store"
	"github.com/sells-group/whale-analyst/pkg/anthropic"
	"github.com/sells-group/whale-analyst/pkg/explorer"
	"github.com/sells-group/whale-analyst/pkg/gemini"
	"github.com/sells-group/whale-analyst/pkg/openai"
	"github.com/sells-group/whale-analyst/pkg/pricefeed"
)

// app holds the wired job pipeline.
type app struct {
	store        store.Store
	orchestrator *job.Orchestrator
	status       *job.StatusReader
	dispatcher   *job.Dispatcher
	recovery     *job.Recovery
	collector    *monitoring.Collector
	breakers     *resilience.ServiceBreakers
	redis        *redis.Client
}

// buildApp wires providers, context sources and the job components over st.
func buildApp(ctx context.Context, c *config.Config, st store.Store) (*app, error) {
	log := zap.L().With(zap.String("component", "app"))

	providers := buildProviders(c)
	if len(providers) == 0 {
		return nil, eris.New("no AI provider configured: set anthropic.key, openai.key or gemini.key")
	}

	retry := resilience.FromRetryConfig(
		c.Retry.MaxAttempts, c.Retry.InitialBackoff, c.Retry.MaxBackoff, 0,
		c.Retry.Multiplier, c.Retry.JitterFraction,
	)
	breakers := resilience.NewServiceBreakers(
		resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs),
	)
	invoker := provider.NewInvoker(providers, retry, provider.WithBreakers(breakers))
	selector := provider.NewSelector(selectorConfig(c))

	staleAfter := time.Duration(c.Jobs.StaleAfterMins) * time.Minute
	if maxRun := selector.MaxPipelineDuration(retry.MaxAttempts, retry.MaxBackoff); staleAfter < maxRun {
		log.Warn("jobs.stale_after_mins is below the worst-case pipeline duration, raising it",
			zap.Duration("configured", staleAfter),
			zap.Duration("max_pipeline", maxRun),
		)
		staleAfter = 2 * maxRun
	}

	labels, err := gather.LoadLabels(c.Labels.Path)
	if err != nil {
		return nil, err
	}

	a := &app{store: st, breakers: breakers}

	var addresses gather.AddressSource = explorer.NewClient(c.Explorer.Key,
		explorer.WithBaseURL(c.Explorer.BaseURL),
		explorer.WithRate(c.Explorer.RatePerSec),
		explorer.WithRecentSize(c.Explorer.RecentSize),
		explorer.WithHTTPClient(&http.Client{Timeout: secsOr(c.Explorer.TimeoutSecs, 10)}),
	)
	if c.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:                  c.Redis.Addr,
			Password:              c.Redis.Password,
			DB:                    c.Redis.DB,
			ContextTimeoutEnabled: true,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable, lookups will bypass the cache", zap.String("addr", c.Redis.Addr), zap.Error(err))
		}
		cancel()
		addresses = gather.NewCachedAddressSource(addresses, a.redis, secs(c.Redis.LookupTTLSecs))
	}

	priceClient := &http.Client{Timeout: secsOr(c.PriceFeed.TimeoutSecs, 5)}
	prices := pricefeed.NewFeed([]pricefeed.Source{
		pricefeed.NewCoinGecko(pricefeed.WithEndpoint(c.PriceFeed.CoinGeckoURL), pricefeed.WithClient(priceClient)),
		pricefeed.NewCoinbase(pricefeed.WithEndpoint(c.PriceFeed.CoinbaseURL), pricefeed.WithClient(priceClient)),
	}, c.PriceFeed.Fallback)

	aggregator := gather.NewAggregator(addresses, prices, labels, gather.Config{
		LookupTimeout: secs(c.Gather.LookupTimeoutSecs),
	})

	kinds := analysis.DefaultRegistry()
	worker := job.NewWorker(job.WorkerDeps{
		Store:    st,
		Kinds:    kinds,
		Gatherer: aggregator,
		Selector: selector,
		Invoker:  invoker,
		Costs:    cost.NewCalculator(mergeRates(cost.DefaultRates(), c.Pricing)),
	})

	a.dispatcher = job.NewDispatcher(worker, c.Jobs.Workers)
	a.orchestrator = job.NewOrchestrator(st, kinds, a.dispatcher, job.OrchestratorConfig{
		ReuseWindow:   time.Duration(c.Jobs.ReuseWindowMins) * time.Minute,
		KnownProvider: selector.Known,
	})
	a.status = job.NewStatusReader(st, staleAfter)
	a.recovery = job.NewRecovery(st, a.dispatcher, staleAfter)
	a.collector = monitoring.NewCollector(st,
		monitoring.WithQueue(a.dispatcher),
		monitoring.WithBreakers(breakers),
		monitoring.WithStaleAfter(staleAfter),
	)

	names := make([]string, len(providers))
	for i, p := range providers {
		names[i] = p.Name()
	}
	log.Info("pipeline ready",
		zap.Strings("providers", names),
		zap.Int("workers", c.Jobs.Workers),
		zap.Int("labels", labels.Len()),
		zap.Bool("lookup_cache", a.redis != nil),
		zap.Duration("stale_after", staleAfter),
	)
	return a, nil
}

// Close drains the dispatcher and releases connections. The store is owned
// by the caller.
func (a *app) Close(ctx context.Context) error {
	err := a.dispatcher.Shutdown(ctx)
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil && err == nil {
			err = eris.Wrap(cerr, "close redis")
		}
	}
	return err
}

// buildProviders returns an adapter for every provider with a key.
func buildProviders(c *config.Config) []provider.TextProvider {
	var out []provider.TextProvider
	if c.Anthropic.Key != "" {
		var opts []anthropic.Option
		if c.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(c.Anthropic.BaseURL))
		}
		out = append(out, provider.NewAnthropic(anthropic.NewClient(c.Anthropic.Key, opts...)))
	}
	if c.OpenAI.Key != "" {
		var opts []openai.Option
		if c.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.OpenAI.BaseURL))
		}
		out = append(out, provider.NewOpenAI(openai.NewClient(c.OpenAI.Key, opts...)))
	}
	if c.Gemini.Key != "" {
		var opts []gemini.Option
		if c.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.Gemini.BaseURL))
		}
		out = append(out, provider.NewGemini(gemini.NewClient(c.Gemini.Key, opts...)))
	}
	return out
}

func selectorConfig(c *config.Config) provider.SelectorConfig {
	sc := provider.DefaultSelectorConfig()
	if len(c.Selector.Order) > 0 {
		sc.Order = c.Selector.Order
	}
	for name, pc := range map[string]config.ProviderConfig{
		provider.NameAnthropic: c.Anthropic,
		provider.NameOpenAI:    c.OpenAI,
		provider.NameGemini:    c.Gemini,
	} {
		m := sc.Models[name]
		if pc.FastModel != "" {
			m.Fast = pc.FastModel
		}
		if pc.DeepModel != "" {
			m.Deep = pc.DeepModel
		}
		sc.Models[name] = m
	}
	if c.Selector.FastTimeoutSecs > 0 {
		sc.FastTimeout = secs(c.Selector.FastTimeoutSecs)
	}
	if c.Selector.DeepTimeoutSecs > 0 {
		sc.DeepTimeout = secs(c.Selector.DeepTimeoutSecs)
	}
	if c.Selector.FastMaxTokens > 0 {
		sc.FastMaxTokens = c.Selector.FastMaxTokens
	}
	if c.Selector.DeepMaxTokens > 0 {
		sc.DeepMaxTokens = c.Selector.DeepMaxTokens
	}
	if c.Selector.DeepAmountUSD > 0 {
		sc.DeepAmountUSD = c.Selector.DeepAmountUSD
	}
	if c.Selector.DeepActivityCount > 0 {
		sc.DeepActivityCount = c.Selector.DeepActivityCount
	}
	if c.Selector.DeepContextBytes > 0 {
		sc.DeepContextBytes = c.Selector.DeepContextBytes
	}
	return sc
}

// mergeRates overlays configured pricing on the built-in rates.
func mergeRates(base cost.Rates, overrides config.PricingConfig) cost.Rates {
	for prov, models := range overrides {
		if base[prov] == nil {
			base[prov] = make(map[string]cost.ModelRate, len(models))
		}
		for name, p := range models {
			base[prov][name] = cost.ModelRate{Input: p.Input, Output: p.Output}
		}
	}
	return base
}

func secs(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// secsOr returns n seconds, or def seconds when n is not positive.
func secsOr(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return secs(n)
}
