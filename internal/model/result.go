package model

// AnalysisResult is the structured outcome of a completed job.
type AnalysisResult struct {
	Record   map[string]any `json:"record"`
	Metadata ResultMetadata `json:"metadata"`
}

// ResultMetadata records how a result was produced.
type ResultMetadata struct {
	Provider         string           `json:"provider"`
	Model            string           `json:"model"`
	Tier             string           `json:"tier,omitempty"`
	RepairStage      string           `json:"repair_stage"`
	Attempts         []AttemptSummary `json:"attempts,omitempty"`
	Limitations      []string         `json:"limitations,omitempty"`
	DurationMs       int64            `json:"duration_ms"`
	InputTokens      int64            `json:"input_tokens,omitempty"`
	OutputTokens     int64            `json:"output_tokens,omitempty"`
	EstimatedCostUSD float64          `json:"estimated_cost_usd,omitempty"`
}

// AttemptSummary is a compact record of one provider call.
type AttemptSummary struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"error_kind,omitempty"`
}
