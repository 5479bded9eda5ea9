package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testRates() Rates {
	return Rates{
		"anthropic": {
			"haiku":  {Input: 0.80, Output: 4.00},
			"sonnet": {Input: 3.00, Output: 15.00},
		},
		"OpenAI": {
			"gpt-4o":      {Input: 2.50, Output: 10.00},
			"gpt-4o-mini": {Input: 0.15, Output: 0.60},
		},
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(testRates())

	tests := []struct {
		name     string
		provider string
		model    string
		input    int64
		output   int64
		want     float64
	}{
		{
			name: "haiku", provider: "anthropic", model: "haiku",
			input: 1_000_000, output: 100_000,
			want: 0.80 + 0.40,
		},
		{
			name: "sonnet small call", provider: "anthropic", model: "sonnet",
			input: 2000, output: 500,
			want: 0.006 + 0.0075,
		},
		{
			name: "case insensitive provider", provider: "openai", model: "GPT-4o",
			input: 1_000_000, output: 0,
			want: 2.50,
		},
		{
			name: "dated snapshot uses longest prefix", provider: "openai", model: "gpt-4o-mini-2024-07-18",
			input: 1_000_000, output: 1_000_000,
			want: 0.15 + 0.60,
		},
		{
			name: "unknown model", provider: "anthropic", model: "opus",
			input: 1_000_000, output: 1_000_000,
			want: 0,
		},
		{
			name: "unknown provider", provider: "gemini", model: "gemini-2.5-pro",
			input: 1_000_000, output: 1_000_000,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := calc.Estimate(tt.provider, tt.model, tt.input, tt.output)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(DefaultRates())
	for _, p := range []string{"anthropic", "openai", "gemini"} {
		_, ok := calc.Rate(p, map[string]string{
			"anthropic": "claude-haiku-4-5-20251001",
			"openai":    "gpt-4o-mini",
			"gemini":    "gemini-2.5-flash",
		}[p])
		assert.True(t, ok, p)
	}
	assert.Greater(t, calc.Estimate("gemini", "gemini-2.5-pro-002", 1000, 1000), 0.0)
}
