package provider

import (
	"context"
	"errors"

	"github.com/sells-group/whale-analyst/pkg/gemini"
)

// GeminiProvider calls generateContent with a JSON response MIME type.
type GeminiProvider struct {
	client gemini.Client
}

// NewGemini wraps a gemini client.
func NewGemini(client gemini.Client) *GeminiProvider {
	return &GeminiProvider{client: client}
}

func (p *GeminiProvider) Name() string { return NameGemini }

func (p *GeminiProvider) Call(ctx context.Context, prompt Prompt, params ModelParams) (*Response, error) {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	resp, err := p.client.GenerateContent(ctx, gemini.GenerateRequest{
		Model:             params.Model,
		SystemInstruction: &gemini.Content{Parts: []gemini.Part{{Text: prompt.Instructions}}},
		Contents:          []gemini.Content{{Role: "user", Parts: []gemini.Part{{Text: prompt.Context}}}},
		GenerationConfig: &gemini.GenerationConfig{
			Temperature:      params.Temperature,
			MaxOutputTokens:  maxTokens,
			ResponseMIMEType: "application/json",
		},
	})
	if err != nil {
		var apiErr *gemini.APIError
		if errors.As(err, &apiErr) {
			return nil, FromStatus(NameGemini, params.Model, apiErr.StatusCode, apiErr.RetryAfter, err)
		}
		return nil, Classify(NameGemini, params.Model, err)
	}

	return &Response{
		Text:         resp.Text(),
		Model:        resp.ModelVersion,
		InputTokens:  int64(resp.UsageMetadata.PromptTokenCount),
		OutputTokens: int64(resp.UsageMetadata.CandidatesTokenCount),
	}, nil
}
