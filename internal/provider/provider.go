// Package provider selects, calls and falls back across AI text providers.
package provider

import (
	"context"
	"time"
)

// Provider names used in configuration and routing.
const (
	NameAnthropic = "anthropic"
	NameOpenAI    = "openai"
	NameGemini    = "gemini"
)

// Prompt is a provider-neutral analysis prompt. Instructions are shared by
// every job of one kind; Context carries the per-job data.
type Prompt struct {
	Instructions string
	Context      string
}

// ModelParams tunes a single call.
type ModelParams struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Response is the raw text answer of one successful call.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
}

// TextProvider is one vendor able to turn a prompt into text. Implementations
// return *Error for classified failures; anything else goes through Classify.
type TextProvider interface {
	Name() string
	Call(ctx context.Context, prompt Prompt, params ModelParams) (*Response, error)
}

const defaultMaxTokens = 2048
