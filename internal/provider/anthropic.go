package provider

import (
	"context"
	"errors"

	"github.com/sells-group/whale-analyst/pkg/anthropic"
)

// AnthropicProvider calls the Messages API. Instructions go in a cached
// system block so repeated jobs of one kind reuse the prompt cache.
type AnthropicProvider struct {
	client   anthropic.Client
	cacheTTL string
}

// NewAnthropic wraps an anthropic client.
func NewAnthropic(client anthropic.Client) *AnthropicProvider {
	return &AnthropicProvider{client: client, cacheTTL: "5m"}
}

func (p *AnthropicProvider) Name() string { return NameAnthropic }

func (p *AnthropicProvider) Call(ctx context.Context, prompt Prompt, params ModelParams) (*Response, error) {
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	resp, err := p.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       params.Model,
		MaxTokens:   int64(maxTokens),
		System:      anthropic.BuildCachedSystemBlocks(prompt.Instructions, "", p.cacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt.Context}},
		Temperature: params.Temperature,
	})
	if err != nil {
		var apiErr *anthropic.APIError
		if errors.As(err, &apiErr) {
			return nil, FromStatus(NameAnthropic, params.Model, apiErr.StatusCode, apiErr.RetryAfter, err)
		}
		return nil, Classify(NameAnthropic, params.Model, err)
	}

	model := resp.Model
	if model == "" {
		model = params.Model
	}
	return &Response{
		Text:         resp.Text(),
		Model:        model,
		InputTokens:  resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}
