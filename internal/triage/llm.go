package triage

import "context"

// Provider is the interface for any chat-completion LLM backend.
type Provider interface {
	Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LLMRequest is a single-turn completion request.
type LLMRequest struct {
	MaxTokens   int
	Temperature float64
	System      string
	Prompt      string

	// JSON asks the provider to constrain output to a single JSON object.
	JSON bool
}

// LLMResponse is the provider's answer plus accounting.
type LLMResponse struct {
	Text  string
	Model string
	Usage Usage
}

// Usage is token accounting for a single call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
