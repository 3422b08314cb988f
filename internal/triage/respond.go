package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

const (
	// ReplyBodyChars is how much of the body the reply prompt includes.
	ReplyBodyChars = 1500

	// RegenerateThreshold is the overall quality below which a draft should be redone.
	RegenerateThreshold = 6.0

	// MaxHistoryExamples bounds the approved replies used as context.
	MaxHistoryExamples = 3

	replyTemperature    = 0.7
	replyMaxTokens      = 1024
	evaluateTemperature = 0.2
	evaluateMaxTokens   = 512
)

// OptionTones is the fixed order used for multi-option generation. Requests
// for more options than this holds are capped at its length.
var OptionTones = []Tone{ToneProfessional, ToneCasual, ToneConcise}

// ErrMalformedEvaluation is returned when the evaluator output cannot be parsed.
var ErrMalformedEvaluation = errors.New("malformed evaluation")

// HistoryExample is a prior message and the reply a human approved for it.
type HistoryExample struct {
	Subject string
	Reply   string
}

// Generator drafts replies and grades them.
type Generator struct {
	provider     Provider
	instructions InstructionTable
	hooks        PipelineHooks
	now          func() time.Time
}

// NewGenerator creates a reply generator using the given instruction table.
func NewGenerator(provider Provider, instructions InstructionTable, hooks PipelineHooks) *Generator {
	return &Generator{
		provider:     provider,
		instructions: instructions,
		hooks:        hooks,
		now:          time.Now,
	}
}

// Generate drafts one reply to msg. extra, when non-empty, is appended to the
// prompt as additional context.
func (g *Generator) Generate(ctx context.Context, msg *Message, tone Tone, length Length, extra string) (*Draft, error) {
	system, ok := g.instructions.Lookup(tone, length)
	if !ok {
		return nil, fmt.Errorf("%w: no instruction for tone %q length %q", ErrValidation, tone, length)
	}

	start := time.Now()
	resp, err := g.provider.Send(ctx, &LLMRequest{
		MaxTokens:   replyMaxTokens,
		Temperature: replyTemperature,
		System:      system,
		Prompt:      buildReplyPrompt(msg, extra),
	})
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}
	if g.hooks.OnLLMCall != nil {
		g.hooks.OnLLMCall(StageGenerate, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Seconds())
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, fmt.Errorf("generate reply: empty response from %s", resp.Model)
	}

	now := g.now()
	return &Draft{
		ID:        ulid.Make().String(),
		MessageID: msg.ID,
		Text:      text,
		Tone:      tone,
		Length:    length,
		Status:    DraftPending,
		Model:     resp.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// GenerateOptions drafts n alternatives in OptionTones order. n below one is
// treated as one and n above len(OptionTones) is capped.
func (g *Generator) GenerateOptions(ctx context.Context, msg *Message, n int, length Length, extra string) ([]*Draft, error) {
	n = max(1, min(n, len(OptionTones)))

	drafts := make([]*Draft, n)
	eg, ctx := errgroup.WithContext(ctx)
	for i := range n {
		eg.Go(func() error {
			d, err := g.Generate(ctx, msg, OptionTones[i], length, extra)
			if err != nil {
				return err
			}
			drafts[i] = d
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return drafts, nil
}

// Evaluate grades a draft on five 0-10 criteria. It never regenerates.
func (g *Generator) Evaluate(ctx context.Context, msg *Message, draft *Draft) (*QualityReport, error) {
	start := time.Now()
	resp, err := g.provider.Send(ctx, &LLMRequest{
		MaxTokens:   evaluateMaxTokens,
		Temperature: evaluateTemperature,
		System:      evaluateSystemPrompt,
		Prompt:      buildEvaluatePrompt(msg, draft),
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate draft: %w", err)
	}
	if g.hooks.OnLLMCall != nil {
		g.hooks.OnLLMCall(StageEvaluate, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Seconds())
	}
	return ParseQualityReport(resp.Text)
}

// ParseQualityReport decodes evaluator output. All five scores are required.
func ParseQualityReport(text string) (*QualityReport, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvaluation, err)
	}

	q := &QualityReport{}
	scores := []struct {
		key string
		dst *float64
	}{
		{"relevance", &q.Relevance},
		{"professionalism", &q.Professionalism},
		{"clarity", &q.Clarity},
		{"completeness", &q.Completeness},
		{"grammar", &q.Grammar},
	}
	var sum float64
	for _, s := range scores {
		v, ok := rawFloat(fields[s.key])
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedEvaluation, s.key)
		}
		*s.dst = min(max(v, 0), 10)
		sum += *s.dst
	}
	q.Overall = sum / float64(len(scores))
	q.ShouldRegenerate = q.Overall < RegenerateThreshold
	if fb, ok := rawString(fields["feedback"]); ok {
		q.Feedback = fb
	}
	return q, nil
}

// FormatHistory renders approved examples as prompt context.
func FormatHistory(examples []HistoryExample) string {
	if len(examples) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Replies previously approved for similar messages:\n")
	for i, ex := range examples {
		fmt.Fprintf(&b, "\nExample %d\nSubject: %s\nReply:\n%s\n", i+1, ex.Subject, ex.Reply)
	}
	return b.String()
}

func buildReplyPrompt(msg *Message, extra string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a reply to the following email.\n\nFrom: %s\nSubject: %s\n\n%s\n",
		msg.Sender, msg.Subject, truncateRunes(msg.Body, ReplyBodyChars))
	if extra != "" {
		b.WriteString("\nAdditional context:\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	return b.String()
}

const evaluateSystemPrompt = "You review email reply drafts. You answer with a single JSON object and nothing else."

func buildEvaluatePrompt(msg *Message, draft *Draft) string {
	return fmt.Sprintf(`Grade the reply below against the original email. Score each criterion from 0 to 10.

Original subject: %s
Original body:
%s

Reply:
%s

Respond with a JSON object with these keys: "relevance", "professionalism", "clarity", "completeness", "grammar" (numbers) and "feedback" (one or two sentences).`,
		msg.Subject, truncateRunes(msg.Body, ReplyBodyChars), draft.Text)
}
