package model

import (
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// AnalysisKind names what sort of analysis is requested for a subject.
type AnalysisKind string

const (
	// KindTransaction is the full analysis of a single large transfer.
	KindTransaction AnalysisKind = "transaction"
	// KindCounterparty profiles the risk of the addresses on both sides.
	KindCounterparty AnalysisKind = "counterparty"
)

// Job is one asynchronous analysis request and its outcome.
type Job struct {
	ID            string           `json:"id"`
	SubjectKey    string           `json:"subject_key"`
	Kind          AnalysisKind     `json:"kind"`
	Status        JobStatus        `json:"status"`
	Input         TransactionInput `json:"input"`
	Result        *AnalysisResult  `json:"result,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TransactionInput describes the on-chain transfer being analyzed. It is
// written once at job creation and never mutated afterwards.
type TransactionInput struct {
	TxHash      string    `json:"tx_hash"`
	Chain       string    `json:"chain,omitempty"`
	Asset       string    `json:"asset"`
	Amount      float64   `json:"amount"`
	AmountUSD   float64   `json:"amount_usd,omitempty"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	BlockNumber int64     `json:"block_number,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`

	// PreferredProvider, when set, is tried before the default order.
	PreferredProvider string `json:"preferred_provider,omitempty"`
}

// DefaultChain is assumed when the input omits one.
const DefaultChain = "ethereum"

// ChainOrDefault returns the input chain, defaulting to ethereum.
func (in TransactionInput) ChainOrDefault() string {
	if c := strings.TrimSpace(in.Chain); c != "" {
		return strings.ToLower(c)
	}
	return DefaultChain
}

// MissingFields returns the names of required fields that are absent or
// invalid. An empty slice means the input is usable.
func (in TransactionInput) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(in.TxHash) == "" {
		missing = append(missing, "tx_hash")
	}
	if strings.TrimSpace(in.Asset) == "" {
		missing = append(missing, "asset")
	}
	if in.Amount <= 0 {
		missing = append(missing, "amount")
	}
	if strings.TrimSpace(in.FromAddress) == "" {
		missing = append(missing, "from_address")
	}
	if strings.TrimSpace(in.ToAddress) == "" {
		missing = append(missing, "to_address")
	}
	if in.AmountUSD < 0 {
		missing = append(missing, "amount_usd")
	}
	return missing
}

// SubjectKey derives a stable fingerprint for the transaction when the
// caller does not supply one.
func (in TransactionInput) SubjectKey() string {
	return in.ChainOrDefault() + ":" + strings.ToLower(strings.TrimSpace(in.TxHash))
}
