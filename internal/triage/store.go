package triage

import (
	"context"
	"time"
)

// MessageStore persists messages and their classification block.
type MessageStore interface {
	NeighborSearcher

	GetMessage(ctx context.Context, id string) (*Message, bool, error)
	PutMessage(ctx context.Context, msg *Message) error

	// SaveClassification commits the classification and embedding of a
	// message in one write and records it in classification history.
	SaveClassification(ctx context.Context, id string, cls *Classification, embedding []float32, processedAt time.Time) error

	// ApplyCorrection overwrites the category and/or priority of a committed
	// classification. Empty values leave the field untouched.
	ApplyCorrection(ctx context.Context, id string, category Category, priority Priority) error
}

// PreferenceStore holds one preference set per owner.
type PreferenceStore interface {
	GetPreferences(ctx context.Context, ownerID string) (*Preferences, bool, error)
	PutPreferences(ctx context.Context, prefs *Preferences) error
}

// DraftStore keeps every generated draft. The latest draft of a message is
// its current one.
type DraftStore interface {
	AppendDraft(ctx context.Context, d *Draft) error
	GetDraft(ctx context.Context, id string) (*Draft, bool, error)
	UpdateDraft(ctx context.Context, d *Draft) error
	ListDrafts(ctx context.Context, messageID string) ([]*Draft, error)
	LatestDraft(ctx context.Context, messageID string) (*Draft, bool, error)
}

// FeedbackStore is the append-only feedback log.
type FeedbackStore interface {
	AppendFeedback(ctx context.Context, f *Feedback) error
	ListFeedback(ctx context.Context, messageID string) ([]*Feedback, error)
}

// Store bundles every persistence concern the pipeline needs.
type Store interface {
	MessageStore
	PreferenceStore
	DraftStore
	FeedbackStore
}
