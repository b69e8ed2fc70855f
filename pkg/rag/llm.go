// Package rag orchestrates retrieval-augmented answering: retrieve and
// rerank chunks for a query, assemble a context within the token budget,
// generate a grounded answer with citations, and maintain conversation
// memory with a rolling summary.
package rag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/contextmesh/contextmesh/pkg/apperrors"
)

// ChatMessage is one message in an LLM conversation
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest is one completion request
type GenerateRequest struct {
	Model     string
	Messages  []ChatMessage
	MaxTokens int
}

// Completion is a finished LLM response
type Completion struct {
	Text      string
	Model     string
	TokensIn  int
	TokensOut int
}

// StreamFunc receives incremental completion text. Returning an error
// aborts the stream.
type StreamFunc func(delta string) error

// LLMProvider generates completions, synchronously or streamed
type LLMProvider interface {
	Generate(ctx context.Context, req GenerateRequest) (*Completion, error)
	Stream(ctx context.Context, req GenerateRequest, fn StreamFunc) (*Completion, error)
	Name() string
}

// OpenAIChatProvider talks to the OpenAI chat completions API or any
// compatible endpoint
type OpenAIChatProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIChatProvider creates a chat provider. An empty baseURL targets
// the public API.
func NewOpenAIChatProvider(apiKey, baseURL string) *OpenAIChatProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIChatProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

func (p *OpenAIChatProvider) Name() string { return "openai" }

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

func (p *OpenAIChatProvider) post(ctx context.Context, req GenerateRequest, stream bool) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "marshal chat request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "create chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "chat request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apperrors.Newf(apperrors.KindUnavailable, "llm returned status %d", resp.StatusCode)
		}
		return nil, apperrors.Newf(apperrors.KindInternal,
			"llm error (status %d): %s", resp.StatusCode, string(data))
	}
	return resp, nil
}

// Generate runs one synchronous completion
func (p *OpenAIChatProvider) Generate(ctx context.Context, req GenerateRequest) (*Completion, error) {
	resp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, "decode chat response", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, apperrors.Internal("llm returned no choices")
	}
	return &Completion{
		Text:      parsed.Choices[0].Message.Content,
		Model:     parsed.Model,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
	}, nil
}

// Stream runs a streamed completion, delivering deltas as they arrive and
// returning the assembled completion at the end
func (p *OpenAIChatProvider) Stream(ctx context.Context, req GenerateRequest, fn StreamFunc) (*Completion, error) {
	resp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := fn(delta); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "read llm stream", err)
	}
	return &Completion{Text: full.String(), Model: req.Model}, nil
}
