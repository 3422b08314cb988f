// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sift/internal/triage"
)

// HistoryEntry is one committed classification kept for audit.
type HistoryEntry struct {
	MessageID      string
	Classification triage.Classification
	CreatedAt      time.Time
}

// Store holds messages, drafts and feedback in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	messages map[string]*triage.Message     // message ID -> message
	prefs    map[string]*triage.Preferences // owner ID -> preferences
	drafts   map[string]*triage.Draft       // draft ID -> draft
	byMsg    map[string][]string            // message ID -> draft IDs in creation order
	feedback map[string][]*triage.Feedback  // message ID -> feedback
	history  []HistoryEntry
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		messages: make(map[string]*triage.Message),
		prefs:    make(map[string]*triage.Preferences),
		drafts:   make(map[string]*triage.Draft),
		byMsg:    make(map[string][]string),
		feedback: make(map[string][]*triage.Feedback),
	}
}

// GetMessage retrieves a message by ID. Returns a copy.
func (s *Store) GetMessage(_ context.Context, id string) (*triage.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false, nil
	}
	return copyMessage(m), true, nil
}

// PutMessage stores a copy of the message.
func (s *Store) PutMessage(_ context.Context, m *triage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = copyMessage(m)
	return nil
}

// SaveClassification attaches the classification and embedding to a message.
func (s *Store) SaveClassification(_ context.Context, id string, cls *triage.Classification, embedding []float32, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, triage.ErrNotFound)
	}
	c := copyClassification(cls)
	m.Classification = c
	m.Embedding = slices.Clone(embedding)
	m.ProcessedAt = processedAt
	s.history = append(s.history, HistoryEntry{MessageID: id, Classification: *copyClassification(cls), CreatedAt: processedAt})
	return nil
}

// ApplyCorrection overwrites category and/or priority of a committed classification.
func (s *Store) ApplyCorrection(_ context.Context, id string, category triage.Category, priority triage.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, triage.ErrNotFound)
	}
	if m.Classification == nil {
		return fmt.Errorf("message %s: %w", id, triage.ErrNotClassified)
	}
	if category != "" {
		m.Classification.Category = category
	}
	if priority != "" {
		m.Classification.Priority = priority
	}
	m.Classification.Corrected = true
	return nil
}

// Nearest does a brute-force cosine search over the owner's embedded messages.
func (s *Store) Nearest(_ context.Context, ownerID, excludeID string, vec []float32, k int) ([]triage.Neighbor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []triage.Neighbor
	for _, m := range s.messages {
		if m.ID == excludeID || m.OwnerID != ownerID || len(m.Embedding) == 0 {
			continue
		}
		n := triage.Neighbor{
			MessageID: m.ID,
			Subject:   m.Subject,
			Distance:  triage.CosineDistance(vec, m.Embedding),
		}
		if m.Classification != nil {
			n.Category = m.Classification.Category
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].MessageID < out[j].MessageID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// History returns the classification history of a message, oldest first.
func (s *Store) History(id string) []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []HistoryEntry
	for _, h := range s.history {
		if h.MessageID == id {
			out = append(out, h)
		}
	}
	return out
}

// GetPreferences returns a copy of the owner's preferences.
func (s *Store) GetPreferences(_ context.Context, ownerID string) (*triage.Preferences, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[ownerID]
	if !ok {
		return nil, false, nil
	}
	return copyPreferences(p), true, nil
}

// PutPreferences replaces the owner's preferences.
func (s *Store) PutPreferences(_ context.Context, p *triage.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.OwnerID] = copyPreferences(p)
	return nil
}

// AppendDraft stores a new draft as the latest for its message.
func (s *Store) AppendDraft(_ context.Context, d *triage.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.drafts[d.ID]; exists {
		return fmt.Errorf("draft %s already exists", d.ID)
	}
	s.drafts[d.ID] = copyDraft(d)
	s.byMsg[d.MessageID] = append(s.byMsg[d.MessageID], d.ID)
	return nil
}

// GetDraft retrieves a draft by ID. Returns a copy.
func (s *Store) GetDraft(_ context.Context, id string) (*triage.Draft, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drafts[id]
	if !ok {
		return nil, false, nil
	}
	return copyDraft(d), true, nil
}

// UpdateDraft replaces an existing draft.
func (s *Store) UpdateDraft(_ context.Context, d *triage.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.drafts[d.ID]; !ok {
		return fmt.Errorf("draft %s: %w", d.ID, triage.ErrNotFound)
	}
	s.drafts[d.ID] = copyDraft(d)
	return nil
}

// ListDrafts returns all drafts of a message in creation order.
func (s *Store) ListDrafts(_ context.Context, messageID string) ([]*triage.Draft, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byMsg[messageID]
	out := make([]*triage.Draft, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyDraft(s.drafts[id]))
	}
	return out, nil
}

// LatestDraft returns the most recently created draft of a message.
func (s *Store) LatestDraft(_ context.Context, messageID string) (*triage.Draft, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byMsg[messageID]
	if len(ids) == 0 {
		return nil, false, nil
	}
	return copyDraft(s.drafts[ids[len(ids)-1]]), true, nil
}

// AppendFeedback appends a feedback record.
func (s *Store) AppendFeedback(_ context.Context, f *triage.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.feedback[f.MessageID] = append(s.feedback[f.MessageID], &cp)
	return nil
}

// ListFeedback returns a message's feedback in creation order.
func (s *Store) ListFeedback(_ context.Context, messageID string) ([]*triage.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs := s.feedback[messageID]
	out := make([]*triage.Feedback, len(fs))
	for i, f := range fs {
		cp := *f
		out[i] = &cp
	}
	return out, nil
}

func copyMessage(m *triage.Message) *triage.Message {
	cp := *m
	cp.Embedding = slices.Clone(m.Embedding)
	if m.Classification != nil {
		cp.Classification = copyClassification(m.Classification)
	}
	return &cp
}

func copyClassification(c *triage.Classification) *triage.Classification {
	cp := *c
	cp.Defaulted = slices.Clone(c.Defaulted)
	return &cp
}

func copyPreferences(p *triage.Preferences) *triage.Preferences {
	cp := *p
	cp.Rules = slices.Clone(p.Rules)
	cp.AllowSenders = slices.Clone(p.AllowSenders)
	cp.DenySenders = slices.Clone(p.DenySenders)
	return &cp
}

func copyDraft(d *triage.Draft) *triage.Draft {
	cp := *d
	if d.Quality != nil {
		q := *d.Quality
		cp.Quality = &q
	}
	return &cp
}
