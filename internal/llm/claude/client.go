// Package claude implements triage.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sift/internal/triage"
)

const jsonInstruction = "Respond with a single JSON object and nothing else. Do not wrap it in code fences."

// Client implements triage.Provider using the Anthropic SDK.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a new Claude API client with the given API key and model name.
// Retries are left to the caller.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	return &Client{
		client: anthropic.NewClient(append(base, opts...)...),
		model:  model,
	}
}

// Send sends a single-turn request and returns the text of the reply.
func (c *Client) Send(ctx context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	msg, err := c.client.Messages.New(ctx, toSDKParams(c.model, req))
	if err != nil {
		return nil, classifyError(err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKParams(model string, req *triage.LLMRequest) anthropic.MessageNewParams {
	system := req.System
	if req.JSON {
		system = strings.TrimSpace(system + "\n" + jsonInstruction)
	}
	p := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(req.MaxTokens),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		Temperature: anthropic.Float(req.Temperature),
	}
	if system != "" {
		p.System = []anthropic.TextBlockParam{{Text: system}}
	}
	return p
}

func fromSDKResponse(msg *anthropic.Message) *triage.LLMResponse {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return &triage.LLMResponse{
		Text:  b.String(),
		Model: string(msg.Model),
		Usage: triage.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

// classifyError marks rate limits, overload, server errors and transport
// failures as transient. Context errors pass through unchanged.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("claude: %w", err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if retryableStatus(apiErr.StatusCode) {
			return triage.Transient(fmt.Errorf("claude api error %d: %w", apiErr.StatusCode, err))
		}
		return fmt.Errorf("claude api error %d: %w", apiErr.StatusCode, err)
	}
	return triage.Transient(fmt.Errorf("claude: %w", err))
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code == 529 || code >= 500
}
