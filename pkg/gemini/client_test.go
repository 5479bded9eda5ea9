package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateContent_Success(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/models/gemini-2.5-pro:generateContent", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [{"text": "{\"risk_level\":"}, {"text": "\"high\"}"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 300, "candidatesTokenCount": 25},
			"modelVersion": "gemini-2.5-pro-002"
		}`))
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	resp, err := client.GenerateContent(context.Background(), GenerateRequest{
		Model:             "gemini-2.5-pro",
		SystemInstruction: &Content{Parts: []Part{{Text: "You are an analyst."}}},
		Contents:          []Content{{Role: "user", Parts: []Part{{Text: "Analyze"}}}},
		GenerationConfig:  &GenerationConfig{MaxOutputTokens: 512, ResponseMIMEType: "application/json"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"risk_level":"high"}`, resp.Text())
	assert.Equal(t, 300, resp.UsageMetadata.PromptTokenCount)
	assert.Equal(t, 25, resp.UsageMetadata.CandidatesTokenCount)
	assert.Equal(t, "gemini-2.5-pro-002", resp.ModelVersion)

	_, hasModel := got["model"]
	assert.False(t, hasModel, "model selects the endpoint and is not sent in the body")
	assert.Contains(t, got, "systemInstruction")
	cfg, ok := got["generationConfig"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "application/json", cfg["responseMimeType"])
}

func TestGenerateContent_DefaultModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-2.5-flash:generateContent", r.URL.Path)
		_, _ = w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL))
	resp, err := client.GenerateContent(context.Background(), GenerateRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: "Hi"}}}},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Text())
	assert.Equal(t, "gemini-2.5-flash", resp.ModelVersion)
}

func TestGenerateContent_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"code": 503, "message": "overloaded"}}`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL))
	_, err := client.GenerateContent(context.Background(), GenerateRequest{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "30", apiErr.RetryAfter)
	assert.Contains(t, err.Error(), "overloaded")
}

func TestGenerateContent_Malformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := NewClient("k", WithBaseURL(srv.URL))
	_, err := client.GenerateContent(context.Background(), GenerateRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini: unmarshal response")
}
