// Package webhook delivers compliance alerts as JSON to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// ChannelName is the dispatcher channel this sender serves.
const ChannelName = "webhook"

const httpTimeout = 10 * time.Second

// Payload is the request body.
type Payload struct {
	Event           string   `json:"event"`
	AlertID         string   `json:"alert_id"`
	AppID           string   `json:"app_id"`
	Severity        string   `json:"severity"`
	Persona         string   `json:"persona"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Remediation     string   `json:"remediation,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	RuleIDs         []string `json:"rule_ids"`
	ViolationIDs    []string `json:"violation_ids"`
	RiskScore       float64  `json:"risk_score"`
	EscalationOf    string   `json:"escalation_of,omitempty"`
	Timestamp       string   `json:"timestamp"`
}

// Sender posts alerts to a URL with optional static headers.
type Sender struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  log.Logger
}

// New creates a webhook sender. If url is empty, Send is a no-op.
func New(url string, headers map[string]string, logger log.Logger) *Sender {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sender{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: httpTimeout},
		logger:  logger,
	}
}

// Send posts the alert. 429 responses become *alerting.RateLimitError.
func (s *Sender) Send(ctx context.Context, a *alerting.AlertRecord) error {
	if s.url == "" {
		return nil
	}

	body, err := json.Marshal(payloadFor(a))
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req) //nolint:gosec // G704: url is from trusted config
	if err != nil {
		return fmt.Errorf("webhook: post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		secs, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		s.logger.Warn(ctx, "webhook rate limited", "alert_id", a.ID, "retry_after_seconds", secs)
		return &alerting.RateLimitError{Channel: ChannelName, RetryAfter: time.Duration(max(secs, 0)) * time.Second}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook: endpoint returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func payloadFor(a *alerting.AlertRecord) Payload {
	event := "alert"
	if a.EscalationOf != "" {
		event = "escalation"
	}
	return Payload{
		Event:           event,
		AlertID:         a.ID,
		AppID:           a.AppID,
		Severity:        a.Severity.String(),
		Persona:         a.Persona,
		Title:           a.Title,
		Description:     a.Description,
		Remediation:     a.Remediation,
		Recommendations: a.Recommendations,
		RuleIDs:         a.RuleIDs,
		ViolationIDs:    a.ViolationIDs,
		RiskScore:       a.RiskScore,
		EscalationOf:    a.EscalationOf,
		Timestamp:       a.CreatedAt.UTC().Format(time.RFC3339),
	}
}
