// Package cost prices provider token usage.
package cost

import "strings"

// Rates holds per-provider, per-model pricing.
type Rates map[string]map[string]ModelRate

// ModelRate holds token pricing in USD per million tokens.
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Calculator computes costs for API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates. Provider and
// model names are matched case-insensitively.
func NewCalculator(rates Rates) *Calculator {
	norm := make(Rates, len(rates))
	for p, models := range rates {
		m := make(map[string]ModelRate, len(models))
		for name, r := range models {
			m[strings.ToLower(name)] = r
		}
		norm[strings.ToLower(p)] = m
	}
	return &Calculator{rates: norm}
}

// Rate returns the pricing for a model. Dated snapshots such as
// gpt-4o-mini-2024-07-18 fall back to the longest configured prefix.
func (c *Calculator) Rate(provider, model string) (ModelRate, bool) {
	models, ok := c.rates[strings.ToLower(provider)]
	if !ok {
		return ModelRate{}, false
	}
	model = strings.ToLower(model)
	if r, ok := models[model]; ok {
		return r, true
	}

	best := ""
	for name := range models {
		if strings.HasPrefix(model, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return ModelRate{}, false
	}
	return models[best], true
}

// Estimate returns the USD cost of one call, or 0 for unpriced models.
func (c *Calculator) Estimate(provider, model string, input, output int64) float64 {
	rate, ok := c.Rate(provider, model)
	if !ok {
		return 0
	}
	return (float64(input)/1e6)*rate.Input + (float64(output)/1e6)*rate.Output
}

// DefaultRates returns list prices for the default models.
func DefaultRates() Rates {
	return Rates{
		"anthropic": {
			"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00},
			"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
			"claude-opus-4-6":            {Input: 15.00, Output: 75.00},
		},
		"openai": {
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
			"gpt-4o":      {Input: 2.50, Output: 10.00},
		},
		"gemini": {
			"gemini-2.5-flash": {Input: 0.30, Output: 2.50},
			"gemini-2.5-pro":   {Input: 1.25, Output: 10.00},
		},
	}
}
