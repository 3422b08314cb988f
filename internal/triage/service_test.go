package triage_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/triage"
	"github.com/linnemanlabs/sift/internal/triage/memstore"
)

const dims = 4

// scriptedProvider answers classification calls with classify and everything
// else with reply. It records the prompts it saw.
type scriptedProvider struct {
	mu       sync.Mutex
	classify string
	reply    string
	evaluate string
	err      error
	prompts  []string
}

func (p *scriptedProvider) Send(_ context.Context, req *triage.LLMRequest) (*triage.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompts = append(p.prompts, req.Prompt)
	if p.err != nil {
		return nil, p.err
	}
	switch {
	case strings.HasPrefix(req.Prompt, "Grade the reply"):
		return &triage.LLMResponse{Text: p.evaluate, Model: "test"}, nil
	case req.JSON:
		return &triage.LLMResponse{Text: p.classify, Model: "test"}, nil
	default:
		return &triage.LLMResponse{Text: p.reply, Model: "test"}, nil
	}
}

func (p *scriptedProvider) lastPrompt() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts[len(p.prompts)-1]
}

// vecEmbedder maps text containing a key to a fixed vector.
type vecEmbedder struct {
	byKeyword map[string][]float32
	err       error
}

func (e *vecEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	for k, v := range e.byKeyword {
		if strings.Contains(text, k) {
			return v, nil
		}
	}
	return []float32{0, 0, 0, 1}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, msg *triage.Message, _ *triage.ClassificationResult) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg.ID)
	return nil
}

type fixture struct {
	store    *memstore.Store
	provider *scriptedProvider
	embedder *vecEmbedder
	notifier *recordingNotifier
	svc      *triage.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		provider: &scriptedProvider{
			classify: `{"category":"work","priority":"medium","urgency_score":0.5,"sentiment":"neutral","requires_action":true,"reasoning":"r"}`,
			reply:    "Thanks, I will take a look.",
			evaluate: `{"relevance":8,"professionalism":8,"clarity":8,"completeness":8,"grammar":8}`,
		},
		embedder: &vecEmbedder{byKeyword: map[string][]float32{
			"invoice": {1, 0, 0, 0},
			"billing": {0.9, 0.1, 0, 0},
		}},
		notifier: &recordingNotifier{},
	}
	engine := triage.NewEngine(
		triage.NewClassifier(f.provider, triage.PipelineHooks{}),
		triage.NewEmbeddingIndex(f.embedder, f.store, dims, 5),
		triage.NewRuleEngine(triage.DefaultKeywordTable()),
		nil,
		log.Nop(),
		triage.PipelineHooks{},
	)
	gen := triage.NewGenerator(f.provider, triage.DefaultInstructionTable(), triage.PipelineHooks{})
	f.svc = triage.NewService(f.store, engine, gen, log.Nop(), triage.PipelineHooks{}, f.notifier)
	return f
}

func (f *fixture) ingest(t *testing.T, owner, subject, sender string) *triage.Message {
	t.Helper()
	m, err := f.svc.IngestMessage(context.Background(), &triage.Message{OwnerID: owner, Subject: subject, Sender: sender, Body: "body"})
	if err != nil {
		t.Fatalf("IngestMessage: %v", err)
	}
	return m
}

func (f *fixture) prefs(t *testing.T, p *triage.Preferences) {
	t.Helper()
	if err := f.svc.PutPreferences(context.Background(), p); err != nil {
		t.Fatalf("PutPreferences: %v", err)
	}
}

func TestIngestMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.ingest(t, "owner-1", "Hello", "a@example.com")
	if m.ID == "" || m.CreatedAt.IsZero() || m.ReceivedAt.IsZero() {
		t.Errorf("ingested message missing id or timestamps: %+v", m)
	}

	_, err := f.svc.IngestMessage(context.Background(), &triage.Message{OwnerID: "owner-1"})
	if !errors.Is(err, triage.ErrValidation) {
		t.Errorf("missing sender: err = %v, want ErrValidation", err)
	}
	_, err = f.svc.IngestMessage(context.Background(), &triage.Message{Sender: "a@example.com"})
	if !errors.Is(err, triage.ErrValidation) {
		t.Errorf("missing owner: err = %v, want ErrValidation", err)
	}
}

func TestProcessMessage_Commits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	m := f.ingest(t, "owner-1", "URGENT: Server Down", "ops@example.com")

	res, err := f.svc.ProcessMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Classification.Priority != triage.PriorityUrgent {
		t.Errorf("priority = %q, want urgent", res.Classification.Priority)
	}

	got, _, _ := f.store.GetMessage(context.Background(), m.ID)
	if !got.Classified() {
		t.Fatal("classification not committed")
	}
	if len(got.Embedding) != dims {
		t.Errorf("embedding dims = %d, want %d", len(got.Embedding), dims)
	}
	if got.ProcessedAt.IsZero() {
		t.Error("processed_at not set")
	}
	if h := f.store.History(m.ID); len(h) != 1 {
		t.Errorf("history entries = %d, want 1", len(h))
	}
	if len(f.notifier.sent) != 0 {
		t.Errorf("notified %v for a confident classification", f.notifier.sent)
	}
}

func TestProcessMessage_AllowListRaisesLow(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provider.classify = `{"category":"personal","priority":"low","urgency_score":0.1,"sentiment":"positive","requires_action":false}`
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1", AllowSenders: []string{"mom@example.com"}})
	m := f.ingest(t, "owner-1", "Dinner Sunday", "mom@example.com")

	res, err := f.svc.ProcessMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Classification.Priority != triage.PriorityHigh {
		t.Errorf("priority = %q, want high", res.Classification.Priority)
	}
	if !res.Classification.RulesApplied {
		t.Error("rules_applied = false, want true")
	}
}

func TestProcessMessage_Reprocess(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	m := f.ingest(t, "owner-1", "Status", "a@example.com")

	for range 2 {
		if _, err := f.svc.ProcessMessage(context.Background(), m.ID); err != nil {
			t.Fatalf("ProcessMessage: %v", err)
		}
	}
	if h := f.store.History(m.ID); len(h) != 2 {
		t.Errorf("history entries = %d, want 2", len(h))
	}
}

func TestProcessMessage_NotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	if _, err := f.svc.ProcessMessage(context.Background(), "missing"); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("missing message: err = %v, want ErrNotFound", err)
	}
}

func TestProcessMessage_OwnerWithoutPreferences(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.ingest(t, "fresh-owner", "URGENT: Server Down", "ops@example.com")

	res, err := f.svc.ProcessMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if res.Classification.Priority != triage.PriorityUrgent {
		t.Errorf("priority = %q, want urgent", res.Classification.Priority)
	}
	if res.Classification.RulesApplied {
		t.Error("rules_applied = true with no saved preferences, want false")
	}

	got, _, _ := f.store.GetMessage(context.Background(), m.ID)
	if !got.Classified() {
		t.Error("classification not committed")
	}
	if _, ok, _ := f.store.GetPreferences(context.Background(), "fresh-owner"); ok {
		t.Error("pass stored preferences for the owner, want none")
	}
}

func TestProcessMessage_FailureWritesNothing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setup     func(f *fixture)
		transient bool
		validate  bool
	}{
		{
			name:      "provider transient",
			setup:     func(f *fixture) { f.provider.err = triage.Transient(errors.New("503")) },
			transient: true,
		},
		{
			name:     "embedding dimension mismatch",
			setup:    func(f *fixture) { f.embedder.byKeyword = map[string][]float32{"Hi": {1, 2}} },
			validate: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
			m := f.ingest(t, "owner-1", "Hi", "a@example.com")
			tt.setup(f)

			_, err := f.svc.ProcessMessage(context.Background(), m.ID)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.transient && !triage.IsTransient(err) {
				t.Errorf("err = %v, want transient", err)
			}
			if tt.validate && !errors.Is(err, triage.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}

			got, _, _ := f.store.GetMessage(context.Background(), m.ID)
			if got.Classified() || len(got.Embedding) != 0 {
				t.Error("failed pass left a partial write")
			}
			if h := f.store.History(m.ID); len(h) != 0 {
				t.Errorf("history entries = %d, want 0", len(h))
			}
		})
	}
}

func TestProcessMessage_CancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.svc.ProcessMessage(ctx, m.ID); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	got, _, _ := f.store.GetMessage(context.Background(), m.ID)
	if got.Classified() {
		t.Error("cancelled pass committed a classification")
	}
}

func TestProcessMessage_LowConfidenceNotifies(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provider.classify = "I cannot tell."
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")

	res, err := f.svc.ProcessMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if !res.Classification.RequiresReview {
		t.Error("requires_review = false, want true")
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0] != m.ID {
		t.Errorf("notified = %v, want [%s]", f.notifier.sent, m.ID)
	}
}

func TestProcessMessage_NeighborsScopedToOwner(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	f.prefs(t, &triage.Preferences{OwnerID: "owner-2"})

	other := f.ingest(t, "owner-2", "invoice 1", "a@example.com")
	if _, err := f.svc.ProcessMessage(context.Background(), other.ID); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	mine := f.ingest(t, "owner-1", "invoice 2", "a@example.com")
	res, err := f.svc.ProcessMessage(context.Background(), mine.ID)
	if err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if len(res.Neighbors) != 0 {
		t.Errorf("neighbors = %v, want none from another owner", res.Neighbors)
	}
}

func TestGenerateDraft_RequiresClassification(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")
	_, err := f.svc.GenerateDraft(context.Background(), m.ID, triage.DraftRequest{})
	if !errors.Is(err, triage.ErrNotClassified) {
		t.Errorf("err = %v, want ErrNotClassified", err)
	}
	if _, err := f.svc.GenerateDraft(context.Background(), "missing", triage.DraftRequest{}); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGenerateDraft_StyleResolution(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1", DefaultTone: triage.ToneFormal})
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")
	if _, err := f.svc.ProcessMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	d, err := f.svc.GenerateDraft(context.Background(), m.ID, triage.DraftRequest{Evaluate: true})
	if err != nil {
		t.Fatalf("GenerateDraft: %v", err)
	}
	if d.Tone != triage.ToneFormal || d.Length != triage.LengthMedium {
		t.Errorf("style = %s/%s, want formal/medium", d.Tone, d.Length)
	}
	if d.Quality == nil || d.Quality.Overall != 8 {
		t.Errorf("quality = %+v, want overall 8", d.Quality)
	}

	_, err = f.svc.GenerateDraft(context.Background(), m.ID, triage.DraftRequest{Tone: "pirate"})
	if !errors.Is(err, triage.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
}

func TestGenerateDraft_MalformedEvaluationKeepsDraft(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.provider.evaluate = "looks good"
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")
	if _, err := f.svc.ProcessMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	d, err := f.svc.GenerateDraft(context.Background(), m.ID, triage.DraftRequest{Evaluate: true})
	if err != nil {
		t.Fatalf("GenerateDraft: %v", err)
	}
	if d.Quality != nil {
		t.Errorf("quality = %+v, want nil", d.Quality)
	}
	drafts, _ := f.svc.ListDrafts(context.Background(), m.ID)
	if len(drafts) != 1 {
		t.Errorf("drafts = %d, want 1", len(drafts))
	}
}

func TestGenerateOptions_Stored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")
	if _, err := f.svc.ProcessMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	drafts, err := f.svc.GenerateOptions(context.Background(), m.ID, 10, triage.DraftRequest{Length: triage.LengthShort})
	if err != nil {
		t.Fatalf("GenerateOptions: %v", err)
	}
	if len(drafts) != 3 {
		t.Fatalf("drafts = %d, want 3", len(drafts))
	}
	stored, _ := f.svc.ListDrafts(context.Background(), m.ID)
	for i, d := range stored {
		if d.Tone != triage.OptionTones[i] {
			t.Errorf("stored[%d].tone = %q, want %q", i, d.Tone, triage.OptionTones[i])
		}
	}
}

func TestUpdateDraft(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")
	if _, err := f.svc.ProcessMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	d, err := f.svc.GenerateDraft(context.Background(), m.ID, triage.DraftRequest{})
	if err != nil {
		t.Fatalf("GenerateDraft: %v", err)
	}

	got, err := f.svc.UpdateDraft(context.Background(), d.ID, triage.DraftApproved, "")
	if err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	if got.Status != triage.DraftApproved {
		t.Errorf("status = %q, want approved", got.Status)
	}

	got, err = f.svc.UpdateDraft(context.Background(), d.ID, triage.DraftApproved, "Rewritten by hand.")
	if err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	if got.Status != triage.DraftEdited || got.Text != "Rewritten by hand." {
		t.Errorf("got %q/%q, want edited with new text", got.Status, got.Text)
	}

	if _, err := f.svc.UpdateDraft(context.Background(), d.ID, "sent", ""); !errors.Is(err, triage.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if _, err := f.svc.UpdateDraft(context.Background(), "missing", triage.DraftRejected, ""); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGenerateDraft_HistoryUsesApprovedOnly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	ctx := context.Background()

	approved := f.ingest(t, "owner-1", "invoice March", "billing@example.com")
	pending := f.ingest(t, "owner-1", "billing question", "billing@example.com")
	for _, m := range []*triage.Message{approved, pending} {
		if _, err := f.svc.ProcessMessage(ctx, m.ID); err != nil {
			t.Fatalf("ProcessMessage: %v", err)
		}
	}

	f.provider.reply = "APPROVED_REPLY"
	d, err := f.svc.GenerateDraft(ctx, approved.ID, triage.DraftRequest{})
	if err != nil {
		t.Fatalf("GenerateDraft: %v", err)
	}
	if _, err := f.svc.UpdateDraft(ctx, d.ID, triage.DraftApproved, ""); err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}

	f.provider.reply = "PENDING_REPLY"
	if _, err := f.svc.GenerateDraft(ctx, pending.ID, triage.DraftRequest{}); err != nil {
		t.Fatalf("GenerateDraft: %v", err)
	}

	target := f.ingest(t, "owner-1", "invoice April", "billing@example.com")
	if _, err := f.svc.ProcessMessage(ctx, target.ID); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	f.provider.reply = "new reply"
	if _, err := f.svc.GenerateDraft(ctx, target.ID, triage.DraftRequest{UseHistory: true}); err != nil {
		t.Fatalf("GenerateDraft: %v", err)
	}

	prompt := f.provider.lastPrompt()
	if !strings.Contains(prompt, "APPROVED_REPLY") {
		t.Error("history context is missing the approved reply")
	}
	if strings.Contains(prompt, "PENDING_REPLY") {
		t.Error("history context includes an unapproved draft")
	}
}

func TestRecordFeedback_PropagatesCorrection(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.prefs(t, &triage.Preferences{OwnerID: "owner-1"})
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")
	if _, err := f.svc.ProcessMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	rec, err := f.svc.RecordFeedback(context.Background(), m.ID, &triage.Feedback{CorrectedCategory: triage.CategoryFinance})
	if err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	if rec.ID == "" || rec.MessageID != m.ID {
		t.Errorf("record = %+v, want id and message id set", rec)
	}

	got, _, _ := f.store.GetMessage(context.Background(), m.ID)
	if got.Classification.Category != triage.CategoryFinance {
		t.Errorf("category = %q, want finance", got.Classification.Category)
	}
	if got.Classification.Priority != triage.PriorityMedium {
		t.Errorf("priority = %q, want unchanged medium", got.Classification.Priority)
	}
	if !got.Classification.Corrected {
		t.Error("corrected = false, want true")
	}

	list, _ := f.svc.ListFeedback(context.Background(), m.ID)
	if len(list) != 1 {
		t.Errorf("feedback = %d, want 1", len(list))
	}
}

func TestProcessMessage_ReprocessKeepsCorrections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")
	if _, err := f.svc.ProcessMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	for _, fb := range []*triage.Feedback{
		{CorrectedCategory: triage.CategoryFinance},
		{CorrectedPriority: triage.PriorityUrgent},
	} {
		if _, err := f.svc.RecordFeedback(context.Background(), m.ID, fb); err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
	}

	res, err := f.svc.ProcessMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if res.Classification.Category != triage.CategoryFinance || res.Classification.Priority != triage.PriorityUrgent {
		t.Errorf("result = %s/%s, want finance/urgent", res.Classification.Category, res.Classification.Priority)
	}

	got, _, _ := f.store.GetMessage(context.Background(), m.ID)
	if got.Classification.Category != triage.CategoryFinance {
		t.Errorf("category = %q, want finance", got.Classification.Category)
	}
	if got.Classification.Priority != triage.PriorityUrgent {
		t.Errorf("priority = %q, want urgent", got.Classification.Priority)
	}
	if !got.Classification.Corrected {
		t.Error("corrected = false after reprocess, want true")
	}
}

func TestProcessMessage_UncorrectedReprocessTakesNewJudgment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")
	if _, err := f.svc.ProcessMessage(context.Background(), m.ID); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if _, err := f.svc.RecordFeedback(context.Background(), m.ID, &triage.Feedback{Rating: 2}); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	f.provider.mu.Lock()
	f.provider.classify = `{"category":"support","priority":"high","urgency_score":0.7,"sentiment":"negative","requires_action":true}`
	f.provider.mu.Unlock()

	res, err := f.svc.ProcessMessage(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	if res.Classification.Category != triage.CategorySupport || res.Classification.Corrected {
		t.Errorf("result = %s corrected=%v, want support uncorrected", res.Classification.Category, res.Classification.Corrected)
	}
}

func TestRecordFeedback_Rejects(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	m := f.ingest(t, "owner-1", "Hi", "a@example.com")

	if _, err := f.svc.RecordFeedback(context.Background(), m.ID, &triage.Feedback{Rating: 9}); !errors.Is(err, triage.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if _, err := f.svc.RecordFeedback(context.Background(), "missing", &triage.Feedback{Rating: 3}); !errors.Is(err, triage.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	list, _ := f.svc.ListFeedback(context.Background(), m.ID)
	if len(list) != 0 {
		t.Errorf("feedback = %d, want 0", len(list))
	}

	// A correction on an unclassified message is recorded but not applied.
	if _, err := f.svc.RecordFeedback(context.Background(), m.ID, &triage.Feedback{CorrectedPriority: triage.PriorityHigh}); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	got, _, _ := f.store.GetMessage(context.Background(), m.ID)
	if got.Classified() {
		t.Error("correction created a classification")
	}
}

func TestPutPreferences_Validates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	err := f.svc.PutPreferences(context.Background(), &triage.Preferences{OwnerID: "o", DefaultTone: "pirate"})
	if !errors.Is(err, triage.ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}
	if _, ok, _ := f.svc.GetPreferences(context.Background(), "o"); ok {
		t.Error("invalid preferences were stored")
	}
}
