package triage

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

func testMessage() *Message {
	return &Message{
		ID:      "msg-1",
		OwnerID: "owner-1",
		Subject: "Contract renewal",
		Sender:  "client@example.com",
		Body:    "Can we schedule a call to discuss the renewal terms?",
	}
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	p := &mockProvider{responses: []*LLMResponse{{Text: "  Happy to. How is Tuesday?  ", Model: "m"}}}
	g := NewGenerator(p, DefaultInstructionTable(), PipelineHooks{})

	d, err := g.Generate(context.Background(), testMessage(), ToneCasual, LengthShort, "")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if d.Text != "Happy to. How is Tuesday?" {
		t.Errorf("text = %q, want trimmed reply", d.Text)
	}
	if d.Status != DraftPending {
		t.Errorf("status = %q, want %q", d.Status, DraftPending)
	}
	if d.Tone != ToneCasual || d.Length != LengthShort {
		t.Errorf("style = %s/%s, want casual/short", d.Tone, d.Length)
	}
	if d.ID == "" || d.MessageID != "msg-1" {
		t.Errorf("ids = %q/%q", d.ID, d.MessageID)
	}

	want, _ := DefaultInstructionTable().Lookup(ToneCasual, LengthShort)
	if got := p.calls()[0].System; got != want {
		t.Errorf("system = %q, want %q", got, want)
	}
}

func TestGenerate_TruncatesBodyAndAddsContext(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	g := NewGenerator(p, DefaultInstructionTable(), PipelineHooks{})

	msg := testMessage()
	msg.Body = strings.Repeat("x", ReplyBodyChars) + "OVERFLOW"
	if _, err := g.Generate(context.Background(), msg, ToneProfessional, LengthMedium, "EXTRA_CONTEXT"); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	prompt := p.calls()[0].Prompt
	if strings.Contains(prompt, "OVERFLOW") {
		t.Error("prompt includes body beyond the reply limit")
	}
	if !strings.Contains(prompt, "EXTRA_CONTEXT") {
		t.Error("prompt is missing the additional context")
	}
}

func TestGenerate_EmptyResponse(t *testing.T) {
	t.Parallel()

	g := NewGenerator(&mockProvider{responses: []*LLMResponse{{Text: "   "}}}, DefaultInstructionTable(), PipelineHooks{})
	if _, err := g.Generate(context.Background(), testMessage(), ToneProfessional, LengthMedium, ""); err == nil {
		t.Fatal("expected error for empty reply")
	}
}

func TestGenerate_UnknownStyle(t *testing.T) {
	t.Parallel()

	p := &mockProvider{}
	g := NewGenerator(p, DefaultInstructionTable(), PipelineHooks{})
	_, err := g.Generate(context.Background(), testMessage(), Tone("sarcastic"), LengthMedium, "")
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if len(p.calls()) != 0 {
		t.Error("provider called for an unknown tone")
	}
}

func TestGenerateOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		n    int
		want []Tone
	}{
		{"capped at three", 5, []Tone{ToneProfessional, ToneCasual, ToneConcise}},
		{"two", 2, []Tone{ToneProfessional, ToneCasual}},
		{"zero means one", 0, []Tone{ToneProfessional}},
		{"negative means one", -2, []Tone{ToneProfessional}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := NewGenerator(&mockProvider{}, DefaultInstructionTable(), PipelineHooks{})

			drafts, err := g.GenerateOptions(context.Background(), testMessage(), tt.n, LengthMedium, "")
			if err != nil {
				t.Fatalf("GenerateOptions: %v", err)
			}
			if len(drafts) != len(tt.want) {
				t.Fatalf("drafts = %d, want %d", len(drafts), len(tt.want))
			}
			for i, d := range drafts {
				if d.Tone != tt.want[i] {
					t.Errorf("drafts[%d].tone = %q, want %q", i, d.Tone, tt.want[i])
				}
				if d.Length != LengthMedium {
					t.Errorf("drafts[%d].length = %q, want medium", i, d.Length)
				}
			}
		})
	}
}

func TestGenerateOptions_FailsAsAUnit(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	p := &mockProvider{respond: func(*LLMRequest) (*LLMResponse, error) {
		if n.Add(1) == 2 {
			return nil, errors.New("boom")
		}
		return &LLMResponse{Text: "ok"}, nil
	}}
	g := NewGenerator(p, DefaultInstructionTable(), PipelineHooks{})

	drafts, err := g.GenerateOptions(context.Background(), testMessage(), 3, LengthShort, "")
	if err == nil {
		t.Fatal("expected error")
	}
	if drafts != nil {
		t.Errorf("drafts = %v, want nil", drafts)
	}
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	p := &mockProvider{responses: []*LLMResponse{{
		Text: `{"relevance":9,"professionalism":8,"clarity":7,"completeness":6,"grammar":10,"feedback":"Solid."}`,
	}}}
	var stage string
	g := NewGenerator(p, DefaultInstructionTable(), PipelineHooks{OnLLMCall: func(s string, _, _ int, _ float64) { stage = s }})

	q, err := g.Evaluate(context.Background(), testMessage(), &Draft{Text: "Sure, Tuesday works."})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !approx(q.Overall, 8) {
		t.Errorf("overall = %v, want 8", q.Overall)
	}
	if q.ShouldRegenerate {
		t.Error("should_regenerate = true, want false")
	}
	if q.Feedback != "Solid." {
		t.Errorf("feedback = %q, want %q", q.Feedback, "Solid.")
	}
	if stage != StageEvaluate {
		t.Errorf("stage = %q, want %q", stage, StageEvaluate)
	}
	if !p.calls()[0].JSON {
		t.Error("expected JSON response mode")
	}
}

func TestParseQualityReport(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		text      string
		wantErr   bool
		overall   float64
		regen     bool
		relevance float64
	}{
		{"below threshold", `{"relevance":5,"professionalism":5,"clarity":6,"completeness":5,"grammar":6}`, false, 5.4, true, 5},
		{"exactly threshold", `{"relevance":6,"professionalism":6,"clarity":6,"completeness":6,"grammar":6}`, false, 6, false, 6},
		{"clamped scores", `{"relevance":14,"professionalism":-2,"clarity":10,"completeness":10,"grammar":10}`, false, 8, false, 10},
		{"fenced", "```json\n{\"relevance\":7,\"professionalism\":7,\"clarity\":7,\"completeness\":7,\"grammar\":7}\n```", false, 7, false, 7},
		{"missing score", `{"relevance":7,"professionalism":7,"clarity":7,"completeness":7}`, true, 0, false, 0},
		{"not json", "Looks fine to me.", true, 0, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q, err := ParseQualityReport(tt.text)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformedEvaluation) {
					t.Fatalf("err = %v, want ErrMalformedEvaluation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseQualityReport: %v", err)
			}
			if !approx(q.Overall, tt.overall) {
				t.Errorf("overall = %v, want %v", q.Overall, tt.overall)
			}
			if q.ShouldRegenerate != tt.regen {
				t.Errorf("should_regenerate = %v, want %v", q.ShouldRegenerate, tt.regen)
			}
			if q.Relevance != tt.relevance {
				t.Errorf("relevance = %v, want %v", q.Relevance, tt.relevance)
			}
		})
	}
}

func TestFormatHistory(t *testing.T) {
	t.Parallel()

	if got := FormatHistory(nil); got != "" {
		t.Errorf("empty history = %q, want empty", got)
	}
	got := FormatHistory([]HistoryExample{
		{Subject: "Renewal", Reply: "Tuesday works."},
		{Subject: "Pricing", Reply: "Attached."},
	})
	for _, want := range []string{"Example 1", "Renewal", "Tuesday works.", "Example 2", "Attached."} {
		if !strings.Contains(got, want) {
			t.Errorf("history missing %q:\n%s", want, got)
		}
	}
}
