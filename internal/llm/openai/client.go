// Package openai implements triage.Provider and triage.Embedder on the
// OpenAI chat completion and embedding endpoints.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Client implements triage.Provider.
type Client struct {
	client *goopenai.Client
	model  string
}

// New creates a chat client for model. baseURL overrides the API endpoint
// when non-empty.
func New(apiKey, model, baseURL string) *Client {
	return &Client{client: newSDKClient(apiKey, baseURL), model: model}
}

func newSDKClient(apiKey, baseURL string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return goopenai.NewClientWithConfig(cfg)
}

// Send runs a single-turn chat completion.
func (c *Client) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	resp, err := c.client.CreateChatCompletion(ctx, toChatRequest(c.model, req))
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: response has no choices")
	}
	return &triage.LLMResponse{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: triage.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func toChatRequest(model string, req *triage.LLMRequest) goopenai.ChatCompletionRequest {
	var msgs []goopenai.ChatCompletionMessage
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})

	out := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	if req.JSON {
		out.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return out
}

// Embedder implements triage.Embedder.
type Embedder struct {
	client *goopenai.Client
	model  string
}

// NewEmbedder creates an embedding client for model.
func NewEmbedder(apiKey, model, baseURL string) *Embedder {
	return &Embedder{client: newSDKClient(apiKey, baseURL), model: model}
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Model: goopenai.EmbeddingModel(e.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, classifyError(err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai: embedding response is empty")
	}
	return resp.Data[0].Embedding, nil
}

// classifyError marks rate limits, server errors and transport failures as
// transient. Context errors pass through unchanged.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("openai: %w", err)
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.HTTPStatusCode, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(reqErr.HTTPStatusCode, err)
	}
	return triage.Transient(fmt.Errorf("openai: %w", err))
}

func statusError(code int, err error) error {
	wrapped := fmt.Errorf("openai api error %d: %w", code, err)
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return triage.Transient(wrapped)
	}
	return wrapped
}
