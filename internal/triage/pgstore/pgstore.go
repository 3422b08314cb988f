// Package pgstore provides a PostgreSQL implementation of triage.Store.
// Embeddings live in a pgvector column and neighbor search uses the cosine
// distance operator.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists messages, drafts and feedback in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The pool stays
// owned by the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const messageColumns = `id, owner_id, external_id, subject, sender, sender_name, body, received_at, created_at,
	category, priority, urgency_score, sentiment, requires_action, reasoning, confidence,
	requires_review, rules_applied, defaulted, corrected, model, embedding::text, processed_at`

// GetMessage retrieves a message with its classification block.
func (s *Store) GetMessage(ctx context.Context, id string) (*triage.Message, bool, error) {
	ctx, span := startSpan(ctx, "GetMessage", "SELECT")
	defer span.End()

	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if m == nil {
		return nil, false, nil
	}
	return m, true, nil
}

// PutMessage inserts or updates the immutable fields of a message.
func (s *Store) PutMessage(ctx context.Context, m *triage.Message) error {
	ctx, span := startSpan(ctx, "PutMessage", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO messages (
		id, owner_id, external_id, subject, sender, sender_name, body, received_at, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (id) DO UPDATE SET
		owner_id    = EXCLUDED.owner_id,
		external_id = EXCLUDED.external_id,
		subject     = EXCLUDED.subject,
		sender      = EXCLUDED.sender,
		sender_name = EXCLUDED.sender_name,
		body        = EXCLUDED.body,
		received_at = EXCLUDED.received_at`,
		m.ID, m.OwnerID, m.ExternalID, m.Subject, m.Sender, m.SenderName, m.Body, m.ReceivedAt, m.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert message: %w", err))
	}
	return nil
}

// SaveClassification writes the classification block and embedding and
// appends a classification_history row in one transaction.
func (s *Store) SaveClassification(ctx context.Context, id string, cls *triage.Classification, embedding []float32, processedAt time.Time) error {
	ctx, span := startSpan(ctx, "SaveClassification", "UPDATE")
	defer span.End()

	defaulted, err := json.Marshal(nonNil(cls.Defaulted))
	if err != nil {
		return fail(span, fmt.Errorf("marshal defaulted: %w", err))
	}

	var vec *string
	if len(embedding) > 0 {
		v := encodeVector(embedding)
		vec = &v
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `UPDATE messages SET
		category = $2, priority = $3, urgency_score = $4, sentiment = $5, requires_action = $6,
		reasoning = $7, confidence = $8, requires_review = $9, rules_applied = $10, defaulted = $11,
		corrected = $15, model = $12, embedding = $13::vector, processed_at = $14
	WHERE id = $1`,
		id, string(cls.Category), string(cls.Priority), cls.UrgencyScore, string(cls.Sentiment), cls.RequiresAction,
		cls.Reasoning, cls.Confidence, cls.RequiresReview, cls.RulesApplied, defaulted,
		cls.Model, vec, processedAt, cls.Corrected,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update classification: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("message %s: %w", id, triage.ErrNotFound))
	}

	_, err = tx.Exec(ctx, `INSERT INTO classification_history (
		message_id, category, priority, urgency_score, sentiment, requires_action,
		reasoning, confidence, rules_applied, defaulted, model, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		id, string(cls.Category), string(cls.Priority), cls.UrgencyScore, string(cls.Sentiment), cls.RequiresAction,
		cls.Reasoning, cls.Confidence, cls.RulesApplied, defaulted, cls.Model, processedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert classification history: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// ApplyCorrection overwrites category and/or priority of a committed classification.
func (s *Store) ApplyCorrection(ctx context.Context, id string, category triage.Category, priority triage.Priority) error {
	ctx, span := startSpan(ctx, "ApplyCorrection", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx, `UPDATE messages SET
		category  = COALESCE(NULLIF($2, ''), category),
		priority  = COALESCE(NULLIF($3, ''), priority),
		corrected = TRUE
	WHERE id = $1 AND category IS NOT NULL`,
		id, string(category), string(priority),
	)
	if err != nil {
		return fail(span, fmt.Errorf("apply correction: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("message %s: %w", id, triage.ErrNotClassified))
	}
	return nil
}

// Nearest returns the k embedded messages of ownerID closest to vec by
// cosine distance, excluding excludeID.
func (s *Store) Nearest(ctx context.Context, ownerID, excludeID string, vec []float32, k int) ([]triage.Neighbor, error) {
	ctx, span := startSpan(ctx, "Nearest", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, subject, COALESCE(category, ''), embedding <=> $3::vector AS distance
		FROM messages
		WHERE owner_id = $1 AND id <> $2 AND embedding IS NOT NULL
		ORDER BY embedding <=> $3::vector, id
		LIMIT $4`,
		ownerID, excludeID, encodeVector(vec), k,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query neighbors: %w", err))
	}
	defer rows.Close()

	var out []triage.Neighbor
	for rows.Next() {
		var (
			n        triage.Neighbor
			category string
		)
		if err := rows.Scan(&n.MessageID, &n.Subject, &category, &n.Distance); err != nil {
			return nil, fail(span, fmt.Errorf("scan neighbor: %w", err))
		}
		n.Category = triage.Category(category)
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate neighbors: %w", err))
	}
	span.SetAttributes(attribute.Int("sift.neighbors", len(out)))
	return out, nil
}

// GetPreferences returns the owner's preference set.
func (s *Store) GetPreferences(ctx context.Context, ownerID string) (*triage.Preferences, bool, error) {
	ctx, span := startSpan(ctx, "GetPreferences", "SELECT")
	defer span.End()

	var (
		p                     triage.Preferences
		rules, allow, deny    []byte
		defaultTone, defaultL string
	)
	err := s.pool.QueryRow(ctx, `SELECT owner_id, rules, allow_senders, deny_senders, default_tone, default_length
		FROM preferences WHERE owner_id = $1`, ownerID,
	).Scan(&p.OwnerID, &rules, &allow, &deny, &defaultTone, &defaultL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("scan preferences: %w", err))
	}
	if err := json.Unmarshal(rules, &p.Rules); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal rules: %w", err))
	}
	if err := json.Unmarshal(allow, &p.AllowSenders); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal allow list: %w", err))
	}
	if err := json.Unmarshal(deny, &p.DenySenders); err != nil {
		return nil, false, fail(span, fmt.Errorf("unmarshal deny list: %w", err))
	}
	p.DefaultTone = triage.Tone(defaultTone)
	p.DefaultLength = triage.Length(defaultL)
	return &p, true, nil
}

// PutPreferences replaces the owner's preference set.
func (s *Store) PutPreferences(ctx context.Context, p *triage.Preferences) error {
	ctx, span := startSpan(ctx, "PutPreferences", "UPSERT")
	defer span.End()

	rules, err := json.Marshal(nonNil(p.Rules))
	if err != nil {
		return fail(span, fmt.Errorf("marshal rules: %w", err))
	}
	allow, err := json.Marshal(nonNil(p.AllowSenders))
	if err != nil {
		return fail(span, fmt.Errorf("marshal allow list: %w", err))
	}
	deny, err := json.Marshal(nonNil(p.DenySenders))
	if err != nil {
		return fail(span, fmt.Errorf("marshal deny list: %w", err))
	}

	_, err = s.pool.Exec(ctx, `INSERT INTO preferences (
		owner_id, rules, allow_senders, deny_senders, default_tone, default_length, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,now())
	ON CONFLICT (owner_id) DO UPDATE SET
		rules          = EXCLUDED.rules,
		allow_senders  = EXCLUDED.allow_senders,
		deny_senders   = EXCLUDED.deny_senders,
		default_tone   = EXCLUDED.default_tone,
		default_length = EXCLUDED.default_length,
		updated_at     = now()`,
		p.OwnerID, rules, allow, deny, string(p.DefaultTone), string(p.DefaultLength),
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert preferences: %w", err))
	}
	return nil
}

const draftColumns = `id, message_id, text, tone, length, status, quality, model, created_at, updated_at`

// AppendDraft inserts a new draft.
func (s *Store) AppendDraft(ctx context.Context, d *triage.Draft) error {
	ctx, span := startSpan(ctx, "AppendDraft", "INSERT")
	defer span.End()

	quality, err := marshalQuality(d.Quality)
	if err != nil {
		return fail(span, err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO drafts (`+draftColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.ID, d.MessageID, d.Text, string(d.Tone), string(d.Length), string(d.Status), quality, d.Model, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert draft: %w", err))
	}
	return nil
}

// GetDraft retrieves a draft by ID.
func (s *Store) GetDraft(ctx context.Context, id string) (*triage.Draft, bool, error) {
	ctx, span := startSpan(ctx, "GetDraft", "SELECT")
	defer span.End()

	d, err := scanDraft(s.pool.QueryRow(ctx, `SELECT `+draftColumns+` FROM drafts WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if d == nil {
		return nil, false, nil
	}
	return d, true, nil
}

// UpdateDraft rewrites the mutable fields of a draft.
func (s *Store) UpdateDraft(ctx context.Context, d *triage.Draft) error {
	ctx, span := startSpan(ctx, "UpdateDraft", "UPDATE")
	defer span.End()

	quality, err := marshalQuality(d.Quality)
	if err != nil {
		return fail(span, err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE drafts SET text = $2, status = $3, quality = $4, updated_at = $5 WHERE id = $1`,
		d.ID, d.Text, string(d.Status), quality, d.UpdatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("update draft: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("draft %s: %w", d.ID, triage.ErrNotFound))
	}
	return nil
}

// ListDrafts returns every draft of a message, oldest first.
func (s *Store) ListDrafts(ctx context.Context, messageID string) ([]*triage.Draft, error) {
	ctx, span := startSpan(ctx, "ListDrafts", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT `+draftColumns+` FROM drafts WHERE message_id = $1 ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query drafts: %w", err))
	}
	defer rows.Close()

	var out []*triage.Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate drafts: %w", err))
	}
	return out, nil
}

// LatestDraft returns the most recently created draft of a message.
func (s *Store) LatestDraft(ctx context.Context, messageID string) (*triage.Draft, bool, error) {
	ctx, span := startSpan(ctx, "LatestDraft", "SELECT")
	defer span.End()

	d, err := scanDraft(s.pool.QueryRow(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE message_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, messageID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if d == nil {
		return nil, false, nil
	}
	return d, true, nil
}

// AppendFeedback inserts a feedback record.
func (s *Store) AppendFeedback(ctx context.Context, f *triage.Feedback) error {
	ctx, span := startSpan(ctx, "AppendFeedback", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx, `INSERT INTO feedback (
		id, message_id, draft_id, corrected_category, corrected_priority, rating, comment, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		f.ID, f.MessageID, f.DraftID, string(f.CorrectedCategory), string(f.CorrectedPriority), f.Rating, f.Comment, f.CreatedAt,
	)
	if err != nil {
		return fail(span, fmt.Errorf("insert feedback: %w", err))
	}
	return nil
}

// ListFeedback returns a message's feedback in creation order.
func (s *Store) ListFeedback(ctx context.Context, messageID string) ([]*triage.Feedback, error) {
	ctx, span := startSpan(ctx, "ListFeedback", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `SELECT id, message_id, draft_id, corrected_category, corrected_priority, rating, comment, created_at
		FROM feedback WHERE message_id = $1 ORDER BY created_at, id`, messageID)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query feedback: %w", err))
	}
	defer rows.Close()

	var out []*triage.Feedback
	for rows.Next() {
		var (
			f        triage.Feedback
			category string
			priority string
		)
		if err := rows.Scan(&f.ID, &f.MessageID, &f.DraftID, &category, &priority, &f.Rating, &f.Comment, &f.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan feedback: %w", err))
		}
		f.CorrectedCategory = triage.Category(category)
		f.CorrectedPriority = triage.Priority(priority)
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate feedback: %w", err))
	}
	return out, nil
}

// scanMessage scans a single message row. Returns (nil, nil) when no row is found.
func scanMessage(row pgx.Row) (*triage.Message, error) {
	var (
		m              triage.Message
		category       *string
		priority       *string
		urgency        *float64
		sentiment      *string
		requiresAction *bool
		reasoning      *string
		confidence     *float64
		requiresReview *bool
		rulesApplied   *bool
		defaulted      []byte
		corrected      bool
		model          *string
		embedding      *string
		processedAt    *time.Time
	)

	err := row.Scan(
		&m.ID, &m.OwnerID, &m.ExternalID, &m.Subject, &m.Sender, &m.SenderName, &m.Body, &m.ReceivedAt, &m.CreatedAt,
		&category, &priority, &urgency, &sentiment, &requiresAction, &reasoning, &confidence,
		&requiresReview, &rulesApplied, &defaulted, &corrected, &model, &embedding, &processedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}

	if category != nil {
		cls := &triage.Classification{
			Category:       triage.Category(*category),
			Priority:       triage.Priority(deref(priority)),
			UrgencyScore:   deref(urgency),
			Sentiment:      triage.Sentiment(deref(sentiment)),
			RequiresAction: deref(requiresAction),
			Reasoning:      deref(reasoning),
			Confidence:     deref(confidence),
			RequiresReview: deref(requiresReview),
			RulesApplied:   deref(rulesApplied),
			Corrected:      corrected,
			Model:          deref(model),
		}
		if len(defaulted) > 0 {
			if err := json.Unmarshal(defaulted, &cls.Defaulted); err != nil {
				return nil, fmt.Errorf("unmarshal defaulted: %w", err)
			}
		}
		m.Classification = cls
	}
	if embedding != nil {
		vec, err := decodeVector(*embedding)
		if err != nil {
			return nil, err
		}
		m.Embedding = vec
	}
	if processedAt != nil {
		m.ProcessedAt = *processedAt
	}
	return &m, nil
}

// scanDraft scans a single draft row. Returns (nil, nil) when no row is found.
func scanDraft(row pgx.Row) (*triage.Draft, error) {
	var (
		d                    triage.Draft
		tone, length, status string
		quality              []byte
	)
	err := row.Scan(&d.ID, &d.MessageID, &d.Text, &tone, &length, &status, &quality, &d.Model, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan draft: %w", err)
	}
	d.Tone = triage.Tone(tone)
	d.Length = triage.Length(length)
	d.Status = triage.DraftStatus(status)
	if len(quality) > 0 {
		var q triage.QualityReport
		if err := json.Unmarshal(quality, &q); err != nil {
			return nil, fmt.Errorf("unmarshal quality: %w", err)
		}
		d.Quality = &q
	}
	return &d, nil
}

func marshalQuality(q *triage.QualityReport) ([]byte, error) {
	if q == nil {
		return nil, nil
	}
	b, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal quality: %w", err)
	}
	return b, nil
}

// encodeVector renders v in pgvector's text input format.
func encodeVector(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// decodeVector parses pgvector's text output format.
func decodeVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("decode vector: malformed %q", truncate(s, 32))
	}
	inner := s[1 : len(s)-1]
	if inner == "" {
		return []float32{}, nil
	}
	parts := strings.Split(inner, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("decode vector element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
