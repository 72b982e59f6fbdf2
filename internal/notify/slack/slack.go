// Package slack posts alert notifications to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/warden/internal/alert"
)

const (
	maxMessageLen = 3000
	httpTimeout   = 10 * time.Second
)

// Sink sends notifications to a Slack webhook.
type Sink struct {
	webhookURL string
	client     *http.Client
}

// New creates a Slack sink. If webhookURL is empty, Send is a no-op.
func New(webhookURL string) *Sink {
	return &Sink{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Name implements notify.Sink.
func (s *Sink) Name() string { return "slack" }

// Send posts n to the configured webhook. Non-2xx responses are errors and
// include the start of the response body.
func (s *Sink) Send(ctx context.Context, n *alert.Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	payload, err := json.Marshal(buildMessage(n))
	if err != nil {
		return fmt.Errorf("slack: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("slack: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // webhook URL comes from operator config
	if err != nil {
		return fmt.Errorf("slack: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

// message is the subset of Slack's Block Kit payload the sink uses.
type message struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	Fields   []text `json:"fields,omitempty"`
	Elements []text `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(format string, args ...any) text {
	return text{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
}

// buildMessage renders n as a header, a field grid, the body and a footer.
func buildMessage(n *alert.Notification) message {
	fields := []text{
		mrkdwn("*Priority:* %s", n.Priority),
		mrkdwn("*Recipient:* %s", n.Recipient),
	}
	if id := n.AlertID(); id != "" {
		fields = append(fields, mrkdwn("*Alert:* `%s`", id))
	}
	if typ, ok := n.Payload["alert_type"].(string); ok {
		fields = append(fields, mrkdwn("*Type:* %s", typ))
	}

	return message{
		Text: n.Title,
		Blocks: []block{
			{Type: "header", Text: &text{Type: "plain_text", Text: priorityEmoji(n.Priority) + " " + n.Title}},
			{Type: "section", Fields: fields},
			{Type: "section", Text: &text{Type: "mrkdwn", Text: truncate(n.Message, maxMessageLen)}},
			{Type: "context", Elements: []text{
				mrkdwn("warden • %s • %s", n.Type, n.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
			}},
		},
	}
}

func priorityEmoji(p alert.Priority) string {
	switch p {
	case alert.PriorityCritical:
		return "\U0001f534"
	case alert.PriorityHigh:
		return "\U0001f7e0"
	case alert.PriorityMedium:
		return "\U0001f7e1"
	default:
		return "\U0001f7e2"
	}
}

// truncate cuts s to at most limit bytes, ending on a rune boundary.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - len("...")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
