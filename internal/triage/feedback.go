package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Recorder appends human feedback and folds corrections back into the stored
// classification so later neighbor agreement sees the corrected label.
type Recorder struct {
	feedback FeedbackStore
	messages MessageStore
	now      func() time.Time
}

// NewRecorder creates a feedback recorder.
func NewRecorder(feedback FeedbackStore, messages MessageStore) *Recorder {
	return &Recorder{feedback: feedback, messages: messages, now: time.Now}
}

// Record validates and appends f, then propagates any correction. Invalid
// feedback is rejected before anything is written.
func (r *Recorder) Record(ctx context.Context, f *Feedback) (*Feedback, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}

	msg, ok, err := r.messages.GetMessage(ctx, f.MessageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("message %s: %w", f.MessageID, ErrNotFound)
	}

	rec := *f
	rec.ID = ulid.Make().String()
	rec.CreatedAt = r.now()
	if err := r.feedback.AppendFeedback(ctx, &rec); err != nil {
		return nil, fmt.Errorf("append feedback: %w", err)
	}

	if msg.Classified() && (rec.CorrectedCategory != "" || rec.CorrectedPriority != "") {
		if err := r.messages.ApplyCorrection(ctx, msg.ID, rec.CorrectedCategory, rec.CorrectedPriority); err != nil {
			return nil, fmt.Errorf("apply correction: %w", err)
		}
	}
	return &rec, nil
}

// List returns feedback for a message in creation order.
func (r *Recorder) List(ctx context.Context, messageID string) ([]*Feedback, error) {
	return r.feedback.ListFeedback(ctx, messageID)
}
