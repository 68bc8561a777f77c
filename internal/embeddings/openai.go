// Package embeddings provides the embedding driver used for semantic
// capability routing. The OpenAI driver also covers any endpoint speaking
// the same wire format.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/brigade-ai/brigade/internal/resilience"
)

// OpenAIDriver implements contracts.EmbeddingDriver against the OpenAI
// embeddings API (text-embedding-3-small/large, ada-002).
type OpenAIDriver struct {
	apiKey     string
	model      string
	endpoint   string
	dimensions int
	client     *http.Client
}

// NewOpenAIDriver creates an OpenAI embedding driver. An empty endpoint
// defaults to the OpenAI API.
func NewOpenAIDriver(endpoint, model, apiKey string, timeout time.Duration) *OpenAIDriver {
	dims := 1536
	if model == "text-embedding-3-large" {
		dims = 3072
	}
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/embeddings"
	}
	return &OpenAIDriver{
		apiKey:     apiKey,
		model:      model,
		endpoint:   endpoint,
		dimensions: dims,
		client:     &http.Client{Timeout: timeout},
	}
}

func (d *OpenAIDriver) Kind() string    { return "openai" }
func (d *OpenAIDriver) Dimensions() int { return d.dimensions }

type embedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed generates vectors for a batch of texts.
func (d *OpenAIDriver) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Input: texts, Model: d.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, resilience.Transient(fmt.Errorf("embeddings request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		err := fmt.Errorf("embeddings API returned %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, resilience.Transient(err)
		}
		return nil, err
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	// Reorder by index.
	vectors := make([][]float64, len(texts))
	for _, item := range result.Data {
		if item.Index < len(vectors) {
			vectors[item.Index] = item.Embedding
		}
	}
	return vectors, nil
}

// HealthCheck verifies the API key by embedding a test string.
func (d *OpenAIDriver) HealthCheck(ctx context.Context) error {
	_, err := d.Embed(ctx, []string{"health check"})
	return err
}
