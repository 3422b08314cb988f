package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// ClassifyBodyChars is how much of the body the classifier sees.
	ClassifyBodyChars = 1000

	classifyTemperature = 0.3
	classifyMaxTokens   = 512
)

// Fallback values used when the classifier output omits or garbles a field.
const (
	DefaultCategory  = CategoryOther
	DefaultPriority  = PriorityMedium
	DefaultUrgency   = 0.5
	DefaultSentiment = SentimentNeutral
)

// Judgment is the parsed classifier output before rules and scoring.
type Judgment struct {
	Category       Category
	Priority       Priority
	UrgencyScore   float64
	Sentiment      Sentiment
	RequiresAction bool
	Reasoning      string

	// Defaulted names the fields that fell back to their default value.
	Defaulted []string
	Model     string
	Usage     Usage
}

// Classification converts the judgment into an unscored classification.
func (j *Judgment) Classification() Classification {
	return Classification{
		Category:       j.Category,
		Priority:       j.Priority,
		UrgencyScore:   j.UrgencyScore,
		Sentiment:      j.Sentiment,
		RequiresAction: j.RequiresAction,
		Reasoning:      j.Reasoning,
		Defaulted:      append([]string(nil), j.Defaulted...),
		Model:          j.Model,
	}
}

// Classifier asks an LLM for a structured judgment of a message.
type Classifier struct {
	provider Provider
	hooks    PipelineHooks
}

// NewClassifier creates a classifier backed by provider.
func NewClassifier(provider Provider, hooks PipelineHooks) *Classifier {
	return &Classifier{provider: provider, hooks: hooks}
}

// Classify returns the judgment for a message. Malformed output never fails;
// it degrades to defaults. Only provider errors are returned.
func (c *Classifier) Classify(ctx context.Context, subject, sender, body string) (*Judgment, error) {
	start := time.Now()
	resp, err := c.provider.Send(ctx, &LLMRequest{
		MaxTokens:   classifyMaxTokens,
		Temperature: classifyTemperature,
		System:      classifySystemPrompt,
		Prompt:      buildClassifyPrompt(subject, sender, body),
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	if c.hooks.OnLLMCall != nil {
		c.hooks.OnLLMCall(StageClassify, resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start).Seconds())
	}

	j := ParseJudgment(resp.Text)
	j.Model = resp.Model
	j.Usage = resp.Usage
	return j, nil
}

const classifySystemPrompt = "You are an email classification expert. You answer with a single JSON object and nothing else."

func buildClassifyPrompt(subject, sender, body string) string {
	return fmt.Sprintf(`Analyze the following email and provide a classification.

Subject: %s
From: %s
Body: %s

Respond with a JSON object with exactly these keys:
- "category": one of work, personal, marketing, support, finance, other
- "priority": one of urgent, high, medium, low
- "urgency_score": number from 0.0 to 1.0
- "sentiment": one of positive, neutral, negative
- "requires_action": true or false
- "reasoning": brief explanation`,
		subject, sender, truncateRunes(body, ClassifyBodyChars))
}

// ParseJudgment decodes classifier output field by field. Each field that is
// missing or outside its enumeration takes its default and is recorded in
// Defaulted.
func ParseJudgment(text string) *Judgment {
	j := &Judgment{
		Category:     DefaultCategory,
		Priority:     DefaultPriority,
		UrgencyScore: DefaultUrgency,
		Sentiment:    DefaultSentiment,
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(extractJSONObject(text)), &fields); err != nil {
		j.Defaulted = []string{"category", "priority", "urgency_score", "sentiment", "requires_action"}
		return j
	}

	if s, ok := rawEnum(fields["category"]); ok && Category(s).Valid() {
		j.Category = Category(s)
	} else {
		j.Defaulted = append(j.Defaulted, "category")
	}

	if s, ok := rawEnum(fields["priority"]); ok && Priority(s).Valid() {
		j.Priority = Priority(s)
	} else {
		j.Defaulted = append(j.Defaulted, "priority")
	}

	if f, ok := rawFloat(fields["urgency_score"]); ok {
		j.UrgencyScore = clamp01(f)
	} else {
		j.Defaulted = append(j.Defaulted, "urgency_score")
	}

	if s, ok := rawEnum(fields["sentiment"]); ok && Sentiment(s).Valid() {
		j.Sentiment = Sentiment(s)
	} else {
		j.Defaulted = append(j.Defaulted, "sentiment")
	}

	if b, ok := rawBool(fields["requires_action"]); ok {
		j.RequiresAction = b
	} else {
		j.Defaulted = append(j.Defaulted, "requires_action")
	}

	if s, ok := rawString(fields["reasoning"]); ok {
		j.Reasoning = s
	}

	return j
}

// extractJSONObject strips code fences and surrounding prose.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return text
	}
	return text[start : end+1]
}

func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func rawEnum(raw json.RawMessage) (string, bool) {
	s, ok := rawString(raw)
	return strings.ToLower(strings.TrimSpace(s)), ok
}

func rawFloat(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func rawBool(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, false
	}
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return false, false
	}
	return b, true
}
