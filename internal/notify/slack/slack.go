// Package slack delivers compliance alerts to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alerting"
)

const (
	// ChannelName is the dispatcher channel this sender serves.
	ChannelName = "slack"

	maxDescriptionLen = 3000
	httpTimeout       = 10 * time.Second

	channelCritical   = "#security-critical"
	channelCompliance = "#compliance-alerts"
)

// Notifier posts alerts to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Send is a no-op.
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

// Send posts one alert. A 429 response is reported as *alerting.RateLimitError
// carrying the Retry-After hint.
func (n *Notifier) Send(ctx context.Context, a *alerting.AlertRecord) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(a))
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

	if resp.StatusCode == http.StatusTooManyRequests {
		retry := parseRetryAfter(resp.Header.Get("Retry-After"))
		n.logger.Warn(ctx, "slack rate limited", "alert_id", a.ID, "retry_after", retry)
		return &alerting.RateLimitError{Channel: ChannelName, RetryAfter: retry}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// ChannelFor picks the Slack channel for a severity.
func ChannelFor(sev alerting.Severity) string {
	if sev >= alerting.SeverityHigh {
		return channelCritical
	}
	return channelCompliance
}

func buildMessage(a *alerting.AlertRecord) map[string]any {
	return map[string]any{
		"channel": ChannelFor(a.Severity),
		"text":    fallbackText(a),
		"blocks": []map[string]any{
			headerBlock(a),
			{"type": "divider"},
			fieldsBlock(a),
			{"type": "divider"},
			descriptionBlock(a),
			recommendationsBlock(a),
			{"type": "divider"},
			contextBlock(a),
		},
	}
}

func fallbackText(a *alerting.AlertRecord) string {
	return fmt.Sprintf("[%s] %s", a.Severity, a.Title)
}

func headerBlock(a *alerting.AlertRecord) map[string]any {
	text := fmt.Sprintf("%s %s", severityEmoji(a.Severity), a.Title)
	if a.EscalationOf != "" {
		text += " (escalation)"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": truncate(text, 150),
		},
	}
}

func fieldsBlock(a *alerting.AlertRecord) map[string]any {
	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Application:* %s", a.AppID)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", a.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Risk score:* %.0f", a.RiskScore)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Rules:* %s", strings.Join(a.RuleIDs, ", "))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Persona:* %s", a.Persona)},
	}
	return map[string]any{
		"type":   "section",
		"fields": fields,
	}
}

func descriptionBlock(a *alerting.AlertRecord) map[string]any {
	text := truncate(a.Description, maxDescriptionLen)
	if text == "" {
		text = "_No description available._"
	}
	if a.Remediation != "" {
		text += "\n\n*Remediation:* " + a.Remediation
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(text, maxDescriptionLen),
		},
	}
}

func recommendationsBlock(a *alerting.AlertRecord) map[string]any {
	var b strings.Builder
	b.WriteString("*Recommended actions*")
	if len(a.Recommendations) == 0 {
		b.WriteString("\n_None._")
	}
	for _, r := range a.Recommendations {
		b.WriteString("\n• ")
		b.WriteString(r)
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": truncate(b.String(), maxDescriptionLen),
		},
	}
}

func contextBlock(a *alerting.AlertRecord) map[string]any {
	elements := []map[string]any{
		{
			"type": "mrkdwn",
			"text": fmt.Sprintf("warden • alert %s • %s", a.ID, a.CreatedAt.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
	return map[string]any{
		"type":     "context",
		"elements": elements,
	}
}

func severityEmoji(sev alerting.Severity) string {
	switch sev {
	case alerting.SeverityCritical:
		return "\U0001f534" // red circle
	case alerting.SeverityHigh:
		return "\U0001f7e0" // orange circle
	case alerting.SeverityMedium:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
