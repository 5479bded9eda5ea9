package provider

import (
	"strings"
	"time"

	"github.com/sells-group/whale-analyst/internal/model"
)

// Tier is the cost/depth class of a route.
type Tier string

const (
	TierFast Tier = "fast"
	TierDeep Tier = "deep"
)

// Models names the fast and deep model of one provider.
type Models struct {
	Fast string
	Deep string
}

// Route is one entry of an ordered provider list.
type Route struct {
	Provider  string
	Model     string
	Tier      Tier
	Timeout   time.Duration
	MaxTokens int
}

// Signals are the inputs the selector weighs. They come from the job input
// and the gathered context; nothing here touches the network.
type Signals struct {
	Kind      model.AnalysisKind
	AmountUSD float64
	// MaxActivity is the highest transaction count seen on either side of
	// the transfer, or 0 when unknown.
	MaxActivity  int
	ContextBytes int
}

// SelectorConfig holds routing policy.
type SelectorConfig struct {
	Order  []string
	Models map[string]Models

	FastTimeout   time.Duration
	DeepTimeout   time.Duration
	FastMaxTokens int
	DeepMaxTokens int

	DeepAmountUSD     float64
	DeepActivityCount int
	DeepContextBytes  int
}

// DefaultSelectorConfig returns the stock routing policy.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Order: []string{NameAnthropic, NameOpenAI, NameGemini},
		Models: map[string]Models{
			NameAnthropic: {Fast: "claude-haiku-4-5-20251001", Deep: "claude-sonnet-4-5-20250929"},
			NameOpenAI:    {Fast: "gpt-4o-mini", Deep: "gpt-4o"},
			NameGemini:    {Fast: "gemini-2.5-flash", Deep: "gemini-2.5-pro"},
		},
		FastTimeout:       30 * time.Second,
		DeepTimeout:       120 * time.Second,
		FastMaxTokens:     1024,
		DeepMaxTokens:     4096,
		DeepAmountUSD:     1_000_000,
		DeepActivityCount: 10_000,
		DeepContextBytes:  16 << 10,
	}
}

// Selector builds ordered provider lists. It is a pure function of its
// config and arguments.
type Selector struct {
	cfg SelectorConfig
}

// NewSelector creates a Selector. Zero values fall back to the defaults.
func NewSelector(cfg SelectorConfig) *Selector {
	def := DefaultSelectorConfig()
	if len(cfg.Order) == 0 {
		cfg.Order = def.Order
	}
	if cfg.Models == nil {
		cfg.Models = def.Models
	}
	if cfg.FastTimeout <= 0 {
		cfg.FastTimeout = def.FastTimeout
	}
	if cfg.DeepTimeout <= 0 {
		cfg.DeepTimeout = def.DeepTimeout
	}
	if cfg.FastMaxTokens <= 0 {
		cfg.FastMaxTokens = def.FastMaxTokens
	}
	if cfg.DeepMaxTokens <= 0 {
		cfg.DeepMaxTokens = def.DeepMaxTokens
	}
	if cfg.DeepAmountUSD <= 0 {
		cfg.DeepAmountUSD = def.DeepAmountUSD
	}
	if cfg.DeepActivityCount <= 0 {
		cfg.DeepActivityCount = def.DeepActivityCount
	}
	if cfg.DeepContextBytes <= 0 {
		cfg.DeepContextBytes = def.DeepContextBytes
	}
	return &Selector{cfg: cfg}
}

// Known reports whether name is a provider this selector can route to.
func (s *Selector) Known(name string) bool {
	_, ok := s.cfg.Models[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Tier picks fast or deep for the given signals.
func (s *Selector) Tier(sig Signals) Tier {
	switch {
	case sig.Kind == model.KindCounterparty:
		return TierDeep
	case sig.AmountUSD >= s.cfg.DeepAmountUSD:
		return TierDeep
	case sig.MaxActivity >= s.cfg.DeepActivityCount:
		return TierDeep
	case sig.ContextBytes >= s.cfg.DeepContextBytes:
		return TierDeep
	default:
		return TierFast
	}
}

// Select returns the providers to try, in order. A known preference moves
// to the front; unknown preferences are ignored.
func (s *Selector) Select(sig Signals, preference string) []Route {
	tier := s.Tier(sig)

	names := make([]string, 0, len(s.cfg.Order)+1)
	if p := strings.ToLower(strings.TrimSpace(preference)); p != "" && s.Known(p) {
		names = append(names, p)
	}
	names = append(names, s.cfg.Order...)

	seen := make(map[string]bool, len(names))
	routes := make([]Route, 0, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		models, ok := s.cfg.Models[name]
		if !ok {
			continue
		}
		routes = append(routes, s.route(name, models, tier))
	}
	return routes
}

func (s *Selector) route(name string, models Models, tier Tier) Route {
	r := Route{Provider: name, Tier: tier}
	if tier == TierDeep {
		r.Model = models.Deep
		r.Timeout = s.cfg.DeepTimeout
		r.MaxTokens = s.cfg.DeepMaxTokens
	} else {
		r.Model = models.Fast
		r.Timeout = s.cfg.FastTimeout
		r.MaxTokens = s.cfg.FastMaxTokens
	}
	if r.Model == "" {
		// Single-model providers.
		r.Model = models.Fast
		if r.Model == "" {
			r.Model = models.Deep
		}
	}
	return r
}

// MaxPipelineDuration is the worst case wall time of one invocation: every
// provider timing out on every attempt plus capped backoff between attempts.
func (s *Selector) MaxPipelineDuration(maxAttempts int, maxBackoff time.Duration) time.Duration {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	per := time.Duration(maxAttempts)*s.cfg.DeepTimeout + time.Duration(maxAttempts-1)*maxBackoff
	return time.Duration(len(s.cfg.Order)) * per
}
