// Package llm implements chat providers for the language-model dependency.
// OpenAI-compatible endpoints (OpenAI, Azure, Ollama) and Anthropic are
// supported; callers always reach a provider through the resilience layer.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brigade-ai/brigade/pkg/models"
)

// ── OpenAI-Compatible Provider ──────────────────────────────

// OpenAIProvider speaks the OpenAI chat-completions wire format, which
// also covers Azure OpenAI and Ollama's compatibility endpoint.
type OpenAIProvider struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client
}

// NewOpenAIProvider creates an OpenAI-compatible chat provider.
// An empty endpoint defaults to the OpenAI API.
func NewOpenAIProvider(endpoint, model, apiKey string, timeout time.Duration) *OpenAIProvider {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		endpoint: endpoint,
		model:    model,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

func (p *OpenAIProvider) Kind() string { return "openai" }

type openAIRequest struct {
	Model    string               `json:"model"`
	Messages []models.ChatMessage `json:"messages"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends the messages and returns the model's text reply.
func (p *OpenAIProvider) Complete(ctx context.Context, messages []models.ChatMessage) (string, error) {
	body, _ := json.Marshal(openAIRequest{Model: p.model, Messages: messages})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", transientf("openai: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", transient(err)
		}
		return "", err
	}

	var out openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("openai: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai: empty response")
	}
	return out.Choices[0].Message.Content, nil
}

// ── Anthropic Provider ──────────────────────────────────────

// AnthropicProvider speaks the Anthropic messages wire format.
type AnthropicProvider struct {
	endpoint  string
	model     string
	apiKey    string
	maxTokens int
	client    *http.Client
}

// NewAnthropicProvider creates an Anthropic chat provider.
func NewAnthropicProvider(endpoint, model, apiKey string, timeout time.Duration) *AnthropicProvider {
	if endpoint == "" {
		endpoint = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		endpoint:  endpoint,
		model:     model,
		apiKey:    apiKey,
		maxTokens: 4096,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *AnthropicProvider) Kind() string { return "anthropic" }

type anthropicRequest struct {
	Model     string               `json:"model"`
	Messages  []models.ChatMessage `json:"messages"`
	MaxTokens int                  `json:"max_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Complete sends the messages and returns the model's text reply.
func (p *AnthropicProvider) Complete(ctx context.Context, messages []models.ChatMessage) (string, error) {
	body, _ := json.Marshal(anthropicRequest{Model: p.model, Messages: messages, MaxTokens: p.maxTokens})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("anthropic: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", transientf("anthropic: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return "", transient(err)
		}
		return "", err
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("anthropic: decode response: %w", err)
	}

	text := ""
	for _, c := range out.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("anthropic: empty response")
	}
	return text, nil
}
