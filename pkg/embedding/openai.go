package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// OpenAIProvider generates embeddings via the OpenAI embeddings API or any
// compatible endpoint
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates an OpenAI embedding provider. An empty baseURL
// targets the public API.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
}

// GenerateEmbeddings embeds a batch of texts in one API call
func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(openAIEmbedRequest{Input: texts, Model: model})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "marshal embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "create embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "embedding request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "read embedding response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, apperrors.Newf(apperrors.KindUnavailable,
			"embedding provider returned status %d", resp.StatusCode)
	default:
		return nil, apperrors.Newf(apperrors.KindInternal,
			"embedding provider error (status %d): %s", resp.StatusCode, string(data))
	}

	var parsed openAIEmbedResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "unmarshal embedding response", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, apperrors.Newf(apperrors.KindInternal,
			"embedding provider returned %d embeddings for %d inputs", len(parsed.Data), len(texts))
	}

	// The API documents order preservation; the index field is authoritative
	embeddings := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		embeddings[d.Index] = d.Embedding
	}
	return embeddings, nil
}
