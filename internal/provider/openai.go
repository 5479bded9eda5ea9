package provider

import (
	"context"
	"errors"

	"github.com/sells-group/whale-analyst/pkg/openai"
)

// OpenAIProvider calls chat completions in JSON mode.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAI wraps an openai client.
func NewOpenAI(client openai.Client) *OpenAIProvider {
	return &OpenAIProvider{client: client}
}

func (p *OpenAIProvider) Name() string { return NameOpenAI }

func (p *OpenAIProvider) Call(ctx context.Context, prompt Prompt, params ModelParams) (*Response, error) {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	resp, err := p.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: params.Model,
		Messages: []openai.Message{
			{Role: "system", Content: prompt.Instructions},
			{Role: "user", Content: prompt.Context},
		},
		Temperature:    params.Temperature,
		MaxTokens:      &maxTokens,
		ResponseFormat: &openai.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, FromStatus(NameOpenAI, params.Model, apiErr.StatusCode, apiErr.RetryAfter, err)
		}
		return nil, Classify(NameOpenAI, params.Model, err)
	}

	model := resp.Model
	if model == "" {
		model = params.Model
	}
	return &Response{
		Text:         resp.Content(),
		Model:        model,
		InputTokens:  int64(resp.Usage.PromptTokens),
		OutputTokens: int64(resp.Usage.CompletionTokens),
	}, nil
}
