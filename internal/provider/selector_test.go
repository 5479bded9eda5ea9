package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/whale-analyst/internal/model"
)

func providerNames(rs []Route) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Provider
	}
	return out
}

func TestSelector_Tier(t *testing.T) {
	s := NewSelector(SelectorConfig{})

	tests := []struct {
		name string
		sig  Signals
		want Tier
	}{
		{"small transfer", Signals{Kind: model.KindTransaction, AmountUSD: 50_000}, TierFast},
		{"unknown value", Signals{Kind: model.KindTransaction}, TierFast},
		{"large transfer", Signals{Kind: model.KindTransaction, AmountUSD: 2_500_000}, TierDeep},
		{"threshold is inclusive", Signals{Kind: model.KindTransaction, AmountUSD: 1_000_000}, TierDeep},
		{"busy counterparty", Signals{Kind: model.KindTransaction, MaxActivity: 50_000}, TierDeep},
		{"large context", Signals{Kind: model.KindTransaction, ContextBytes: 32 << 10}, TierDeep},
		{"counterparty kind", Signals{Kind: model.KindCounterparty}, TierDeep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Tier(tt.sig))
		})
	}
}

func TestSelector_SelectOrder(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	sig := Signals{Kind: model.KindTransaction, AmountUSD: 10}

	rs := s.Select(sig, "")
	assert.Equal(t, []string{NameAnthropic, NameOpenAI, NameGemini}, providerNames(rs))
	for _, r := range rs {
		assert.Equal(t, TierFast, r.Tier)
		assert.Equal(t, 30*time.Second, r.Timeout)
	}
	assert.Equal(t, "gpt-4o-mini", rs[1].Model)

	rs = s.Select(sig, " Gemini ")
	assert.Equal(t, []string{NameGemini, NameAnthropic, NameOpenAI}, providerNames(rs))

	rs = s.Select(sig, "mistral")
	assert.Equal(t, []string{NameAnthropic, NameOpenAI, NameGemini}, providerNames(rs))
}

func TestSelector_DeepRoutes(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	rs := s.Select(Signals{Kind: model.KindTransaction, AmountUSD: 5_000_000}, "")
	require.Len(t, rs, 3)
	assert.Equal(t, "gpt-4o", rs[1].Model)
	assert.Equal(t, 120*time.Second, rs[0].Timeout)
	assert.Equal(t, 4096, rs[0].MaxTokens)
	assert.Greater(t, rs[0].Timeout, s.Select(Signals{}, "")[0].Timeout)
}

func TestSelector_Deterministic(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	sig := Signals{Kind: model.KindTransaction, AmountUSD: 3_000_000, MaxActivity: 12}
	assert.Equal(t, s.Select(sig, "openai"), s.Select(sig, "openai"))
}

func TestSelector_CustomOrderSkipsUnknownModels(t *testing.T) {
	s := NewSelector(SelectorConfig{
		Order:  []string{NameOpenAI, "local", NameAnthropic},
		Models: map[string]Models{NameOpenAI: {Fast: "gpt-4o-mini"}, NameAnthropic: {Deep: "claude-sonnet-4-5"}},
	})
	rs := s.Select(Signals{}, "")
	assert.Equal(t, []string{NameOpenAI, NameAnthropic}, providerNames(rs))
	assert.Equal(t, "claude-sonnet-4-5", rs[1].Model)
	assert.False(t, s.Known("local"))
}

func TestSelector_MaxPipelineDuration(t *testing.T) {
	s := NewSelector(SelectorConfig{})
	got := s.MaxPipelineDuration(3, 8*time.Second)
	assert.Equal(t, 3*(3*120*time.Second+2*8*time.Second), got)
}
