// Package slack posts low-confidence classifications to a Slack incoming
// webhook so a human can review them.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/triage"
)

const (
	maxReasoningLen = 3000
	maxSubjectLen   = 140
	httpTimeout     = 10 * time.Second
)

// Notifier sends review requests to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a new Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
	}
}

// Send posts a review request for msg and its classification.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, msg *triage.Message, result *triage.ClassificationResult) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(msg, result))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "review notification sent", "message_id", msg.ID)
	return nil
}

func buildMessage(m *triage.Message, r *triage.ClassificationResult) map[string]any {
	c := r.Classification
	if c == nil {
		c = &triage.Classification{}
	}
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(m, c),
			{"type": "divider"},
			fieldsBlock(m, c),
			{"type": "divider"},
			reasoningBlock(c),
			{"type": "divider"},
			contextBlock(m, r),
		},
	}
}

func headerBlock(m *triage.Message, c *triage.Classification) map[string]any {
	subject := m.Subject
	if strings.TrimSpace(subject) == "" {
		subject = "(no subject)"
	}
	text := fmt.Sprintf("%s Review needed: %s", priorityEmoji(c.Priority), truncate(subject, maxSubjectLen))

	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(m *triage.Message, c *triage.Classification) map[string]any {
	sender := m.Sender
	if m.SenderName != "" {
		sender = fmt.Sprintf("%s <%s>", m.SenderName, m.Sender)
	}
	fields := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*From:* %s", escape(sender)),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Category:* %s", c.Category),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Priority:* %s", c.Priority),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Confidence:* %.2f", c.Confidence),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Sentiment:* %s", c.Sentiment),
		},
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Model:* %s", shortModel(c.Model)),
		},
	}

	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func reasoningBlock(c *triage.Classification) map[string]any {
	text := escape(truncate(c.Reasoning, maxReasoningLen))
	if text == "" {
		text = "_No reasoning available._"
	}
	if len(c.Defaulted) > 0 {
		text += fmt.Sprintf("\n\n_Defaulted fields: %s_", strings.Join(c.Defaulted, ", "))
	}

	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Reasoning*\n\n%s", text),
		},
	}
}

func contextBlock(m *triage.Message, r *triage.ClassificationResult) map[string]any {
	ts := m.ProcessedAt
	if ts.IsZero() {
		ts = m.ReceivedAt
	}

	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("sift • message %s • %d neighbors • %s", m.ID, len(r.Neighbors), ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}

	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func priorityEmoji(p triage.Priority) string {
	switch p {
	case triage.PriorityUrgent:
		return "\U0001f534" // red circle
	case triage.PriorityHigh:
		return "\U0001f7e0" // orange circle
	case triage.PriorityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	return dateModelRe.ReplaceAllString(model, "")
}

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// escape neutralizes the control characters Slack interprets in mrkdwn text.
func escape(s string) string {
	return mrkdwnEscaper.Replace(s)
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}
