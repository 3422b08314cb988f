package triage

import (
	"fmt"
	"strings"
	"time"
)

// Category is the coarse bucket a message is filed under.
type Category string

const (
	CategoryWork      Category = "work"
	CategoryPersonal  Category = "personal"
	CategoryMarketing Category = "marketing"
	CategorySupport   Category = "support"
	CategoryFinance   Category = "finance"
	CategoryOther     Category = "other"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryWork, CategoryPersonal, CategoryMarketing,
	CategorySupport, CategoryFinance, CategoryOther,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, v := range Categories {
		if c == v {
			return true
		}
	}
	return false
}

// Priority is an ordered urgency level: low < medium < high < urgent.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Level maps a priority to its rank (1..4). Unknown priorities rank 0.
func (p Priority) Level() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	default:
		return 0
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool { return p.Level() > 0 }

// Sentiment is the emotional register of a message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNeutral  Sentiment = "neutral"
	SentimentNegative Sentiment = "negative"
)

// Valid reports whether s is a known sentiment.
func (s Sentiment) Valid() bool {
	switch s {
	case SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// Tone is the register a reply draft is written in.
type Tone string

const (
	ToneProfessional Tone = "professional"
	ToneCasual       Tone = "casual"
	ToneFormal       Tone = "formal"
	ToneConcise      Tone = "concise"
)

// Valid reports whether t is a known tone.
func (t Tone) Valid() bool {
	switch t {
	case ToneProfessional, ToneCasual, ToneFormal, ToneConcise:
		return true
	}
	return false
}

// Length is the target size of a reply draft.
type Length string

const (
	LengthShort  Length = "short"
	LengthMedium Length = "medium"
	LengthLong   Length = "long"
)

// Valid reports whether l is a known length.
func (l Length) Valid() bool {
	switch l {
	case LengthShort, LengthMedium, LengthLong:
		return true
	}
	return false
}

// DraftStatus tracks the approval lifecycle of a reply draft.
type DraftStatus string

const (
	DraftPending  DraftStatus = "draft"
	DraftApproved DraftStatus = "approved"
	DraftEdited   DraftStatus = "edited"
	DraftRejected DraftStatus = "rejected"
)

// Valid reports whether s is a known draft status.
func (s DraftStatus) Valid() bool {
	switch s {
	case DraftPending, DraftApproved, DraftEdited, DraftRejected:
		return true
	}
	return false
}

// ReviewThreshold is the confidence below which a classification needs a human.
const ReviewThreshold = 0.6

// Message is an ingested message. Everything above Classification is
// immutable once stored.
type Message struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	ExternalID string    `json:"external_id,omitempty"`
	Subject    string    `json:"subject"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`

	Classification *Classification `json:"classification,omitempty"`
	Embedding      []float32       `json:"-"`
	ProcessedAt    time.Time       `json:"processed_at,omitempty"`
}

// Classified reports whether the message has a committed classification.
func (m *Message) Classified() bool { return m.Classification != nil }

// Classification is the judgment attached to a message after a pipeline pass.
type Classification struct {
	Category       Category  `json:"category"`
	Priority       Priority  `json:"priority"`
	UrgencyScore   float64   `json:"urgency_score"`
	Sentiment      Sentiment `json:"sentiment"`
	RequiresAction bool      `json:"requires_action"`
	Reasoning      string    `json:"reasoning,omitempty"`
	Confidence     float64   `json:"confidence"`
	RequiresReview bool      `json:"requires_review"`
	RulesApplied   bool      `json:"rules_applied"`
	Defaulted      []string  `json:"defaulted,omitempty"`
	Corrected      bool      `json:"corrected,omitempty"`
	Model          string    `json:"model,omitempty"`
}

// SetConfidence clamps c to [0,1] and derives RequiresReview from it.
func (c *Classification) SetConfidence(v float64) {
	c.Confidence = clamp01(v)
	c.RequiresReview = c.Confidence < ReviewThreshold
}

// Validate rejects any enumerated field outside its allowed values.
func (c *Classification) Validate() error {
	if !c.Category.Valid() {
		return fmt.Errorf("%w: category %q", ErrValidation, c.Category)
	}
	if !c.Priority.Valid() {
		return fmt.Errorf("%w: priority %q", ErrValidation, c.Priority)
	}
	if !c.Sentiment.Valid() {
		return fmt.Errorf("%w: sentiment %q", ErrValidation, c.Sentiment)
	}
	if c.UrgencyScore < 0 || c.UrgencyScore > 1 {
		return fmt.Errorf("%w: urgency score %v out of range", ErrValidation, c.UrgencyScore)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrValidation, c.Confidence)
	}
	return nil
}

// Rule is a user-defined override evaluated by the RuleEngine.
type Rule struct {
	SenderPattern   string   `json:"sender_pattern,omitempty" yaml:"sender_pattern,omitempty"`
	SubjectContains string   `json:"subject_contains,omitempty" yaml:"subject_contains,omitempty"`
	Priority        Priority `json:"priority" yaml:"priority"`
	Category        Category `json:"category,omitempty" yaml:"category,omitempty"`
}

// Preferences is the per-owner configuration read during a pass.
type Preferences struct {
	OwnerID       string   `json:"owner_id"`
	Rules         []Rule   `json:"rules,omitempty"`
	AllowSenders  []string `json:"allow_senders,omitempty"`
	DenySenders   []string `json:"deny_senders,omitempty"`
	DefaultTone   Tone     `json:"default_tone,omitempty"`
	DefaultLength Length   `json:"default_length,omitempty"`
}

// Validate checks enumerated fields of the preference set.
func (p *Preferences) Validate() error {
	if p.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrValidation)
	}
	for i, r := range p.Rules {
		if !r.Priority.Valid() {
			return fmt.Errorf("%w: rule %d priority %q", ErrValidation, i, r.Priority)
		}
		if r.Category != "" && !r.Category.Valid() {
			return fmt.Errorf("%w: rule %d category %q", ErrValidation, i, r.Category)
		}
		if r.SenderPattern == "" && r.SubjectContains == "" {
			return fmt.Errorf("%w: rule %d has no predicate", ErrValidation, i)
		}
	}
	if p.DefaultTone != "" && !p.DefaultTone.Valid() {
		return fmt.Errorf("%w: default tone %q", ErrValidation, p.DefaultTone)
	}
	if p.DefaultLength != "" && !p.DefaultLength.Valid() {
		return fmt.Errorf("%w: default length %q", ErrValidation, p.DefaultLength)
	}
	return nil
}

// Neighbor is a previously classified message close to the one being scored.
type Neighbor struct {
	MessageID string   `json:"message_id"`
	Subject   string   `json:"subject,omitempty"`
	Category  Category `json:"category,omitempty"`
	Distance  float64  `json:"distance"`
}

// ClassificationResult is what ProcessMessage returns.
type ClassificationResult struct {
	MessageID      string          `json:"message_id"`
	Classification *Classification `json:"classification"`
	Neighbors      []Neighbor      `json:"neighbors,omitempty"`
	Duration       float64         `json:"duration_seconds"`
}

// QualityReport is the outcome of evaluating a draft.
type QualityReport struct {
	Relevance        float64 `json:"relevance"`
	Professionalism  float64 `json:"professionalism"`
	Clarity          float64 `json:"clarity"`
	Completeness     float64 `json:"completeness"`
	Grammar          float64 `json:"grammar"`
	Overall          float64 `json:"overall"`
	ShouldRegenerate bool    `json:"should_regenerate"`
	Feedback         string  `json:"feedback,omitempty"`
}

// Draft is a generated reply candidate.
type Draft struct {
	ID        string         `json:"id"`
	MessageID string         `json:"message_id"`
	Text      string         `json:"text"`
	Tone      Tone           `json:"tone"`
	Length    Length         `json:"length"`
	Status    DraftStatus    `json:"status"`
	Quality   *QualityReport `json:"quality,omitempty"`
	Model     string         `json:"model,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
}

// Usable reports whether a draft has been accepted by a human and can serve
// as history context for later drafts.
func (d *Draft) Usable() bool {
	return d.Status == DraftApproved || d.Status == DraftEdited
}

// Feedback is a human correction or rating. Records are append-only.
type Feedback struct {
	ID                string    `json:"id"`
	MessageID         string    `json:"message_id"`
	DraftID           string    `json:"draft_id,omitempty"`
	CorrectedCategory Category  `json:"corrected_category,omitempty"`
	CorrectedPriority Priority  `json:"corrected_priority,omitempty"`
	Rating            int       `json:"rating,omitempty"`
	Comment           string    `json:"comment,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate checks enumeration membership and the rating range.
func (f *Feedback) Validate() error {
	if f.MessageID == "" {
		return fmt.Errorf("%w: message id is required", ErrValidation)
	}
	if f.CorrectedCategory != "" && !f.CorrectedCategory.Valid() {
		return fmt.Errorf("%w: corrected category %q", ErrValidation, f.CorrectedCategory)
	}
	if f.CorrectedPriority != "" && !f.CorrectedPriority.Valid() {
		return fmt.Errorf("%w: corrected priority %q", ErrValidation, f.CorrectedPriority)
	}
	if f.Rating < 0 || f.Rating > 5 {
		return fmt.Errorf("%w: rating %d (must be 1..5)", ErrValidation, f.Rating)
	}
	if f.CorrectedCategory == "" && f.CorrectedPriority == "" && f.Rating == 0 && strings.TrimSpace(f.Comment) == "" {
		return fmt.Errorf("%w: feedback carries no correction", ErrValidation)
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// truncateRunes cuts s to at most n characters without splitting a rune.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
