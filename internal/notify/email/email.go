// Package email delivers compliance alerts over SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// ChannelName is the dispatcher channel this sender serves.
const ChannelName = "email"

// ErrNoRecipients is returned when neither the alert nor the config names a recipient.
var ErrNoRecipients = errors.New("email: no recipients")

// Config holds the SMTP settings.
type Config struct {
	Addr     string // host:port
	From     string
	Username string
	Password string
	// DefaultTo receives alerts whose persona has no recipients of its own.
	DefaultTo []string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Sender sends one message per alert to the persona's recipients.
type Sender struct {
	cfg      Config
	logger   log.Logger
	sendMail sendFunc
}

// New creates an email sender. If cfg.Addr is empty, Send is a no-op.
func New(cfg Config, logger log.Logger) *Sender {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sender{cfg: cfg, logger: logger, sendMail: smtp.SendMail}
}

// Send renders and submits the alert. net/smtp has no context support, so a
// cancelled ctx abandons the submission rather than interrupting it.
func (s *Sender) Send(ctx context.Context, a *alerting.AlertRecord) error {
	if s.cfg.Addr == "" {
		return nil
	}
	to := a.Recipients
	if len(to) == 0 {
		to = s.cfg.DefaultTo
	}
	if len(to) == 0 {
		return ErrNoRecipients
	}

	msg, err := render(s.cfg.From, to, a)
	if err != nil {
		return err
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		host, _, err := net.SplitHostPort(s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("email: smtp addr: %w", err)
		}
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, host)
	}

	done := make(chan error, 1)
	go func() { done <- s.sendMail(s.cfg.Addr, auth, s.cfg.From, to, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("email: send: %w", err)
		}
		s.logger.Info(ctx, "email sent", "alert_id", a.ID, "recipients", len(to))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var bodyTmpl = template.Must(template.New("body").Funcs(template.FuncMap{"join": strings.Join}).Parse(`{{.Title}}

Application: {{.AppID}}
Severity:    {{.Severity}}
Risk score:  {{printf "%.0f" .RiskScore}}
Rules:       {{join .RuleIDs ", "}}
{{- if .EscalationOf}}
Escalation of alert {{.EscalationOf}}
{{- end}}

{{.Description}}
{{- if .Remediation}}

Remediation: {{.Remediation}}
{{- end}}
{{- if .Recommendations}}

Recommended actions:
{{- range .Recommendations}}
  - {{.}}
{{- end}}
{{- end}}

Alert {{.ID}} raised {{.CreatedAt.UTC.Format "2006-01-02 15:04 UTC"}}
`))

func subject(a *alerting.AlertRecord) string {
	return fmt.Sprintf("[Warden %s] %s", a.Severity, a.Title)
}

func render(from string, to []string, a *alerting.AlertRecord) ([]byte, error) {
	var body bytes.Buffer
	if err := bodyTmpl.Execute(&body, a); err != nil {
		return nil, fmt.Errorf("email: render body: %w", err)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", headerValue(from))
	fmt.Fprintf(&msg, "To: %s\r\n", headerValue(strings.Join(to, ", ")))
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerValue(subject(a))))
	fmt.Fprintf(&msg, "Date: %s\r\n", a.CreatedAt.UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return msg.Bytes(), nil
}

// headerValue strips line breaks so values cannot inject headers.
func headerValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
