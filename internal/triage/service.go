package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"
)

// Notifier is told about passes that ended below the review threshold.
type Notifier interface {
	Send(ctx context.Context, msg *Message, result *ClassificationResult) error
}

// DraftRequest are the knobs for GenerateDraft. Empty tone or length fall
// back to the owner's preferences, then to professional and medium.
type DraftRequest struct {
	Tone       Tone
	Length     Length
	UseHistory bool
	Evaluate   bool
}

// Service is the business boundary: it loads state, runs the engine,
// commits results and drives drafting and feedback.
type Service struct {
	store     Store
	engine    *Engine
	generator *Generator
	recorder  *Recorder
	logger    log.Logger
	hooks     PipelineHooks
	notifier  Notifier
	now       func() time.Time
}

// NewService creates a new triage service. notifier may be nil.
func NewService(store Store, engine *Engine, generator *Generator, logger log.Logger, hooks PipelineHooks, notifier Notifier) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	return &Service{
		store:     store,
		engine:    engine,
		generator: generator,
		recorder:  NewRecorder(store, store),
		logger:    logger,
		hooks:     hooks,
		notifier:  notifier,
		now:       time.Now,
	}
}

// IngestMessage stores a new message. ID and CreatedAt are assigned here.
func (s *Service) IngestMessage(ctx context.Context, msg *Message) (*Message, error) {
	if strings.TrimSpace(msg.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	if strings.TrimSpace(msg.Sender) == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrValidation)
	}

	m := *msg
	m.ID = ulid.Make().String()
	m.CreatedAt = s.now()
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = m.CreatedAt
	}
	m.Classification = nil
	m.Embedding = nil
	m.ProcessedAt = time.Time{}

	if err := s.store.PutMessage(ctx, &m); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	s.logger.Info(ctx, "message ingested", "message_id", m.ID, "owner_id", m.OwnerID)
	return &m, nil
}

// GetMessage returns a stored message.
func (s *Service) GetMessage(ctx context.Context, id string) (*Message, bool, error) {
	return s.store.GetMessage(ctx, id)
}

// ProcessMessage runs a full triage pass and commits its classification.
// Nothing is written unless every stage, including scoring, succeeds.
func (s *Service) ProcessMessage(ctx context.Context, id string) (*ClassificationResult, error) {
	start := time.Now()
	L := s.logger.With("message_id", id)

	msg, err := s.loadMessage(ctx, id)
	if err != nil {
		return nil, err
	}

	prefs, ok, err := s.store.GetPreferences(ctx, msg.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load preferences: %w", err)
	}
	if !ok {
		// no saved preferences: no allow/deny lists or rules apply
		prefs = &Preferences{OwnerID: msg.OwnerID}
	}

	rr, err := s.engine.Run(ctx, msg, prefs)
	if err != nil {
		s.complete(&CompleteEvent{MessageID: id, Status: "failed", Duration: time.Since(start).Seconds()})
		L.Error(ctx, err, "triage pass failed")
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s stage: %w", StageCommit, err)
	}

	cls := rr.Classification
	if err := s.reapplyCorrections(WithStage(ctx, StageCommit), msg, &cls); err != nil {
		s.complete(&CompleteEvent{MessageID: id, Status: "failed", Duration: time.Since(start).Seconds()})
		return nil, fmt.Errorf("%s stage: %w", StageCommit, err)
	}
	commitStart := time.Now()
	err = s.store.SaveClassification(WithStage(ctx, StageCommit), id, &cls, rr.Embedding, s.now())
	if s.hooks.OnStage != nil {
		s.hooks.OnStage(StageCommit, time.Since(commitStart).Seconds(), err)
	}
	if err != nil {
		s.complete(&CompleteEvent{MessageID: id, Status: "failed", Duration: time.Since(start).Seconds()})
		return nil, fmt.Errorf("%s stage: %w", StageCommit, err)
	}

	result := &ClassificationResult{
		MessageID:      id,
		Classification: &cls,
		Neighbors:      rr.Neighbors,
		Duration:       time.Since(start).Seconds(),
	}

	if cls.RequiresReview && s.notifier != nil {
		if err := s.notifier.Send(ctx, msg, result); err != nil {
			L.Error(ctx, err, "failed to send review notification")
		}
	}

	s.complete(&CompleteEvent{
		MessageID:      id,
		Status:         "complete",
		Category:       cls.Category,
		Priority:       cls.Priority,
		Confidence:     cls.Confidence,
		RequiresReview: cls.RequiresReview,
		RulesApplied:   cls.RulesApplied,
		Defaulted:      len(cls.Defaulted),
		Neighbors:      len(rr.Neighbors),
		Duration:       result.Duration,
	})

	L.Info(ctx, "triage complete",
		"category", cls.Category,
		"priority", cls.Priority,
		"confidence", cls.Confidence,
		"requires_review", cls.RequiresReview,
		"rules_applied", cls.RulesApplied,
		"neighbors", len(rr.Neighbors),
		"duration", result.Duration,
	)
	return result, nil
}

// GenerateDraft drafts one reply for a classified message and stores it.
func (s *Service) GenerateDraft(ctx context.Context, id string, req DraftRequest) (*Draft, error) {
	msg, err := s.loadClassified(ctx, id)
	if err != nil {
		return nil, err
	}
	tone, length, err := s.resolveStyle(ctx, msg.OwnerID, req.Tone, req.Length)
	if err != nil {
		return nil, err
	}

	var extra string
	if req.UseHistory {
		extra = s.historyContext(ctx, msg)
	}

	d, err := s.generator.Generate(ctx, msg, tone, length, extra)
	if err != nil {
		return nil, err
	}
	if req.Evaluate {
		s.evaluate(ctx, msg, d)
	}
	if err := s.store.AppendDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("store draft: %w", err)
	}
	if s.hooks.OnDraft != nil {
		s.hooks.OnDraft(d.Tone, d.Length, d.Quality)
	}
	s.logger.Info(ctx, "draft generated", "message_id", id, "draft_id", d.ID, "tone", d.Tone, "length", d.Length)
	return d, nil
}

// GenerateOptions drafts up to len(OptionTones) alternatives and stores them
// in tone order.
func (s *Service) GenerateOptions(ctx context.Context, id string, n int, req DraftRequest) ([]*Draft, error) {
	msg, err := s.loadClassified(ctx, id)
	if err != nil {
		return nil, err
	}
	_, length, err := s.resolveStyle(ctx, msg.OwnerID, ToneProfessional, req.Length)
	if err != nil {
		return nil, err
	}

	var extra string
	if req.UseHistory {
		extra = s.historyContext(ctx, msg)
	}

	drafts, err := s.generator.GenerateOptions(ctx, msg, n, length, extra)
	if err != nil {
		return nil, err
	}
	for _, d := range drafts {
		if req.Evaluate {
			s.evaluate(ctx, msg, d)
		}
		if err := s.store.AppendDraft(ctx, d); err != nil {
			return nil, fmt.Errorf("store draft: %w", err)
		}
		if s.hooks.OnDraft != nil {
			s.hooks.OnDraft(d.Tone, d.Length, d.Quality)
		}
	}
	s.logger.Info(ctx, "draft options generated", "message_id", id, "count", len(drafts))
	return drafts, nil
}

// UpdateDraft changes a draft's status and optionally its text. Supplying
// new text for an approval records the draft as edited.
func (s *Service) UpdateDraft(ctx context.Context, draftID string, status DraftStatus, text string) (*Draft, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: draft status %q", ErrValidation, status)
	}
	d, ok, err := s.store.GetDraft(ctx, draftID)
	if err != nil {
		return nil, fmt.Errorf("load draft: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("draft %s: %w", draftID, ErrNotFound)
	}

	text = strings.TrimSpace(text)
	if text != "" && text != d.Text {
		d.Text = text
		if status == DraftApproved {
			status = DraftEdited
		}
	}
	d.Status = status
	d.UpdatedAt = s.now()

	if err := s.store.UpdateDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("update draft: %w", err)
	}
	return d, nil
}

// GetDraft returns a stored draft.
func (s *Service) GetDraft(ctx context.Context, id string) (*Draft, bool, error) {
	return s.store.GetDraft(ctx, id)
}

// ListDrafts returns every draft of a message, oldest first.
func (s *Service) ListDrafts(ctx context.Context, messageID string) ([]*Draft, error) {
	if _, err := s.loadMessage(ctx, messageID); err != nil {
		return nil, err
	}
	return s.store.ListDrafts(ctx, messageID)
}

// RecordFeedback appends a correction for a message.
func (s *Service) RecordFeedback(ctx context.Context, messageID string, f *Feedback) (*Feedback, error) {
	in := *f
	in.MessageID = messageID
	rec, err := s.recorder.Record(ctx, &in)
	if err != nil {
		return nil, err
	}
	if s.hooks.OnFeedback != nil {
		s.hooks.OnFeedback(rec)
	}
	s.logger.Info(ctx, "feedback recorded",
		"message_id", messageID,
		"feedback_id", rec.ID,
		"corrected_category", rec.CorrectedCategory,
		"corrected_priority", rec.CorrectedPriority,
		"rating", rec.Rating,
	)
	return rec, nil
}

// ListFeedback returns the feedback recorded for a message.
func (s *Service) ListFeedback(ctx context.Context, messageID string) ([]*Feedback, error) {
	return s.recorder.List(ctx, messageID)
}

// GetPreferences returns the owner's preference set.
func (s *Service) GetPreferences(ctx context.Context, ownerID string) (*Preferences, bool, error) {
	return s.store.GetPreferences(ctx, ownerID)
}

// PutPreferences validates and replaces the owner's preference set.
func (s *Service) PutPreferences(ctx context.Context, prefs *Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}
	return s.store.PutPreferences(ctx, prefs)
}

func (s *Service) loadMessage(ctx context.Context, id string) (*Message, error) {
	msg, ok, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg, nil
}

func (s *Service) loadClassified(ctx context.Context, id string) (*Message, error) {
	msg, err := s.loadMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if !msg.Classified() {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotClassified)
	}
	return msg, nil
}

func (s *Service) resolveStyle(ctx context.Context, ownerID string, tone Tone, length Length) (Tone, Length, error) {
	if tone == "" || length == "" {
		prefs, ok, err := s.store.GetPreferences(ctx, ownerID)
		if err != nil {
			return "", "", fmt.Errorf("load preferences: %w", err)
		}
		if ok {
			if tone == "" {
				tone = prefs.DefaultTone
			}
			if length == "" {
				length = prefs.DefaultLength
			}
		}
	}
	if tone == "" {
		tone = ToneProfessional
	}
	if length == "" {
		length = LengthMedium
	}
	if !tone.Valid() {
		return "", "", fmt.Errorf("%w: tone %q", ErrValidation, tone)
	}
	if !length.Valid() {
		return "", "", fmt.Errorf("%w: length %q", ErrValidation, length)
	}
	return tone, length, nil
}

// reapplyCorrections carries human corrections from feedback over a fresh
// judgment so re-running a pass never reverts them. The latest non-empty
// corrected category and priority win independently.
func (s *Service) reapplyCorrections(ctx context.Context, msg *Message, cls *Classification) error {
	if msg.Classification == nil || !msg.Classification.Corrected {
		return nil
	}
	fs, err := s.store.ListFeedback(ctx, msg.ID)
	if err != nil {
		return fmt.Errorf("load feedback: %w", err)
	}
	for _, f := range fs {
		if f.CorrectedCategory != "" {
			cls.Category = f.CorrectedCategory
			cls.Corrected = true
		}
		if f.CorrectedPriority != "" {
			cls.Priority = f.CorrectedPriority
			cls.Corrected = true
		}
	}
	return nil
}

// historyContext collects up to MaxHistoryExamples similar messages whose
// current draft a human approved. Failures only cost the context.
func (s *Service) historyContext(ctx context.Context, msg *Message) string {
	if len(msg.Embedding) == 0 {
		return ""
	}
	neighbors, err := s.engine.Index().NeighborsK(ctx, msg, msg.Embedding, MaxHistoryExamples*3)
	if err != nil {
		s.logger.Warn(ctx, "history lookup failed", "message_id", msg.ID, "error", err)
		return ""
	}

	var examples []HistoryExample
	for _, n := range neighbors {
		d, ok, err := s.store.LatestDraft(ctx, n.MessageID)
		if err != nil {
			s.logger.Warn(ctx, "history draft lookup failed", "message_id", n.MessageID, "error", err)
			continue
		}
		if !ok || !d.Usable() {
			continue
		}
		examples = append(examples, HistoryExample{Subject: n.Subject, Reply: d.Text})
		if len(examples) == MaxHistoryExamples {
			break
		}
	}
	return FormatHistory(examples)
}

func (s *Service) evaluate(ctx context.Context, msg *Message, d *Draft) {
	q, err := s.generator.Evaluate(ctx, msg, d)
	if err != nil {
		s.logger.Warn(ctx, "draft evaluation failed", "draft_id", d.ID, "error", err)
		return
	}
	d.Quality = q
}

func (s *Service) complete(e *CompleteEvent) {
	if s.hooks.OnComplete != nil {
		s.hooks.OnComplete(e)
	}
}
