package claude

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sift/internal/triage"
)

func TestToSDKParams(t *testing.T) {
	t.Parallel()

	p := toSDKParams("claude-test", &triage.LLMRequest{
		MaxTokens:   256,
		Temperature: 0.3,
		System:      "be terse",
		Prompt:      "classify this",
	})

	if p.Model != "claude-test" {
		t.Errorf("model = %q, want %q", p.Model, "claude-test")
	}
	if p.MaxTokens != 256 {
		t.Errorf("max tokens = %d, want 256", p.MaxTokens)
	}
	if !p.Temperature.Valid() || p.Temperature.Value != 0.3 {
		t.Errorf("temperature = %v, want 0.3", p.Temperature)
	}
	if len(p.System) != 1 || p.System[0].Text != "be terse" {
		t.Errorf("system = %+v, want [be terse]", p.System)
	}
	if len(p.Messages) != 1 || p.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want one user message", p.Messages)
	}
	block := p.Messages[0].Content[0]
	if block.OfText == nil || block.OfText.Text != "classify this" {
		t.Errorf("prompt block = %+v", block)
	}
}

func TestToSDKParams_JSONMode(t *testing.T) {
	t.Parallel()

	p := toSDKParams("m", &triage.LLMRequest{System: "grade", Prompt: "x", JSON: true})
	if !strings.Contains(p.System[0].Text, jsonInstruction) {
		t.Errorf("system = %q, want JSON instruction appended", p.System[0].Text)
	}

	p = toSDKParams("m", &triage.LLMRequest{Prompt: "x"})
	if len(p.System) != 0 {
		t.Errorf("system = %+v, want none", p.System)
	}
}

func TestFromSDKResponse(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Model: anthropic.Model("claude-test"),
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "part one, "},
			{Type: "thinking"},
			{Type: "text", Text: "part two"},
		},
		Usage: anthropic.Usage{InputTokens: 1234, OutputTokens: 567},
	}

	got := fromSDKResponse(msg)
	if got.Text != "part one, part two" {
		t.Errorf("text = %q, want %q", got.Text, "part one, part two")
	}
	if got.Model != "claude-test" {
		t.Errorf("model = %q, want %q", got.Model, "claude-test")
	}
	if got.Usage.InputTokens != 1234 || got.Usage.OutputTokens != 567 {
		t.Errorf("usage = %+v, want 1234/567", got.Usage)
	}
}

func TestRetryableStatus(t *testing.T) {
	t.Parallel()

	for code, want := range map[int]bool{
		400: false, 401: false, 404: false,
		408: true, 429: true, 500: true, 503: true, 529: true,
	} {
		if got := retryableStatus(code); got != want {
			t.Errorf("retryableStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

func TestClassifyError_Context(t *testing.T) {
	t.Parallel()

	err := classifyError(context.Canceled)
	if triage.IsTransient(err) {
		t.Error("cancellation reported transient")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New("test-key", "claude-test", option.WithBaseURL(srv.URL))
}

func TestSend(t *testing.T) {
	t.Parallel()

	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "{\"category\":\"work\"}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 42, "output_tokens": 7}
		}`)
	})

	resp, err := c.Send(context.Background(), &triage.LLMRequest{MaxTokens: 100, Prompt: "hi", JSON: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.Text != `{"category":"work"}` {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 42 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v, want 42/7", resp.Usage)
	}
	if body["model"] != "claude-test" {
		t.Errorf("request model = %v, want claude-test", body["model"])
	}
}

func TestSend_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{529, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			t.Parallel()
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"nope"}}`)
			})
			_, err := c.Send(context.Background(), &triage.LLMRequest{MaxTokens: 10, Prompt: "hi"})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := triage.IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v (err: %v)", got, tt.transient, err)
			}
		})
	}
}
