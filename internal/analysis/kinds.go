// Package analysis defines the supported analysis kinds, their output
// schemas and the prompts that request them.
package analysis

import (
	"sort"

	"github.com/sells-group/whale-analyst/internal/extract"
	"github.com/sells-group/whale-analyst/internal/model"
)

var riskLevels = []string{"low", "medium", "high", "critical"}

// Kind is one analysis a job can request.
type Kind struct {
	Name   model.AnalysisKind
	Role   string
	Task   string
	Schema extract.Schema
	// Docs describe each schema field to the model.
	Docs map[string]string
}

// Registry holds the known kinds.
type Registry struct {
	kinds map[model.AnalysisKind]*Kind
}

// NewRegistry indexes kinds by name.
func NewRegistry(kinds ...*Kind) *Registry {
	r := &Registry{kinds: make(map[model.AnalysisKind]*Kind, len(kinds))}
	for _, k := range kinds {
		r.kinds[k.Name] = k
	}
	return r
}

// DefaultRegistry returns the transaction and counterparty kinds.
func DefaultRegistry() *Registry {
	return NewRegistry(TransactionKind(), CounterpartyKind())
}

// Get returns the kind by name.
func (r *Registry) Get(name model.AnalysisKind) (*Kind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// Names returns every registered kind, sorted.
func (r *Registry) Names() []model.AnalysisKind {
	out := make([]model.AnalysisKind, 0, len(r.kinds))
	for name := range r.kinds {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TransactionKind analyzes a single large transfer.
func TransactionKind() *Kind {
	return &Kind{
		Name: model.KindTransaction,
		Role: "You are an on-chain analyst reviewing a large cryptocurrency transfer for a market-surveillance desk.",
		Task: "Assess what this transfer most likely represents, how risky it is, and what it could mean for the market.",
		Schema: extract.Schema{
			Name: "transaction_analysis",
			Fields: []extract.Field{
				{Name: "summary", Type: extract.TypeString, Required: true},
				{Name: "risk_level", Type: extract.TypeString, Required: true, Enum: riskLevels},
				{Name: "likely_intent", Type: extract.TypeString, Required: true, Enum: []string{
					"exchange_deposit", "exchange_withdrawal", "otc_transfer", "bridge",
					"treasury_movement", "accumulation", "distribution", "internal_transfer", "unknown",
				}},
				{Name: "market_impact", Type: extract.TypeString, Enum: []string{"negligible", "low", "moderate", "high"}},
				{Name: "confidence", Type: extract.TypeNumber, Required: true, Min: extract.Bound(0), Max: extract.Bound(1)},
				{Name: "signals", Type: extract.TypeArray, ItemType: extract.TypeString, MaxItems: 10},
			},
		},
		Docs: map[string]string{
			"summary":       "two or three sentences a trader can read at a glance",
			"risk_level":    "overall risk of the transfer",
			"likely_intent": "the most probable purpose of the transfer",
			"market_impact": "expected short-term effect on the asset's market",
			"confidence":    "0.0-1.0, lower when context was unavailable",
			"signals":       "short observations supporting the assessment",
		},
	}
}

// CounterpartyKind profiles both sides of a transfer.
func CounterpartyKind() *Kind {
	return &Kind{
		Name: model.KindCounterparty,
		Role: "You are a compliance analyst profiling the counterparties of a large cryptocurrency transfer.",
		Task: "Profile the sender and the recipient from their activity and labels, and rate the counterparty risk of each.",
		Schema: extract.Schema{
			Name: "counterparty_analysis",
			Fields: []extract.Field{
				{Name: "summary", Type: extract.TypeString, Required: true},
				{Name: "sender_profile", Type: extract.TypeString, Required: true},
				{Name: "sender_risk", Type: extract.TypeString, Required: true, Enum: riskLevels},
				{Name: "recipient_profile", Type: extract.TypeString, Required: true},
				{Name: "recipient_risk", Type: extract.TypeString, Required: true, Enum: riskLevels},
				{Name: "risk_level", Type: extract.TypeString, Required: true, Enum: riskLevels},
				{Name: "confidence", Type: extract.TypeNumber, Required: true, Min: extract.Bound(0), Max: extract.Bound(1)},
				{Name: "flags", Type: extract.TypeArray, ItemType: extract.TypeString, MaxItems: 10},
			},
		},
		Docs: map[string]string{
			"summary":           "two or three sentences on who is moving funds to whom",
			"sender_profile":    "what kind of entity the sender appears to be",
			"sender_risk":       "counterparty risk of the sender",
			"recipient_profile": "what kind of entity the recipient appears to be",
			"recipient_risk":    "counterparty risk of the recipient",
			"risk_level":        "overall risk of dealing with this pair",
			"confidence":        "0.0-1.0, lower when context was unavailable",
			"flags":             "compliance concerns, empty when none",
		},
	}
}
