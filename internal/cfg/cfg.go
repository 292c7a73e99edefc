package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/seal"
)

// Config holds the warden-specific settings. The go-core sub-configs
// (httpserver, httpmw, log, opshttp, prof, otelx) register their own flags.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APITokens             string

	DatabaseURL     string
	DBMaxConns      int
	SlowQueryMillis int
	StorageKey      string

	PolicyFile          string
	Workers             int
	RuleTimeoutSeconds  int
	MaintenanceSchedule string

	SlackWebhookURL string
	SMTPAddr        string
	SMTPFrom        string
	SMTPUsername    string
	SMTPPassword    string
	EmailDefaultTo  string
	WebhookURL      string
	WebhookToken    string

	AuditBufferSize int
	NATSURL         string
	NATSSubject     string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APITokens, "api-tokens", "", "comma-separated name:token pairs accepted as API bearer tokens (empty = unauthenticated)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.DBMaxConns, "db-max-conns", 10, "maximum PostgreSQL pool connections (1..1000)")
	fs.IntVar(&c.SlowQueryMillis, "db-slow-query-ms", 250, "log queries slower than this many milliseconds (1..60000)")
	fs.StringVar(&c.StorageKey, "storage-key", "", "base64 32-byte key encrypting stored evidence and alert records (empty = plaintext)")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML alerting policy, watched for changes (empty = built-in defaults)")
	fs.IntVar(&c.Workers, "workers", 0, "applications evaluated concurrently per run (0 = GOMAXPROCS, max 1024)")
	fs.IntVar(&c.RuleTimeoutSeconds, "rule-timeout-seconds", 10, "wall-clock budget of one rule evaluation (1..300)")
	fs.StringVar(&c.MaintenanceSchedule, "maintenance-schedule", "@every 5m", "cron schedule for pruning and unacknowledged escalation (empty = disabled)")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.SMTPAddr, "smtp-addr", "", "SMTP server host:port (empty = email disabled)")
	fs.StringVar(&c.SMTPFrom, "smtp-from", "", "envelope and header sender for alert email")
	fs.StringVar(&c.SMTPUsername, "smtp-username", "", "SMTP PLAIN auth username")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP PLAIN auth password")
	fs.StringVar(&c.EmailDefaultTo, "email-default-to", "", "comma-separated recipients for personas without their own")
	fs.StringVar(&c.WebhookURL, "webhook-url", "", "generic JSON webhook URL for notifications")
	fs.StringVar(&c.WebhookToken, "webhook-token", "", "bearer token sent to the generic webhook")

	fs.IntVar(&c.AuditBufferSize, "audit-buffer-size", 10000, "audit events kept in memory for the query API (1..1000000)")
	fs.StringVar(&c.NATSURL, "nats-url", "", "NATS server URL for audit fan-out (empty = disabled)")
	fs.StringVar(&c.NATSSubject, "nats-subject", "warden.audit", "subject prefix for published audit events")
}

// EmailRecipients splits EmailDefaultTo.
func (c *Config) EmailRecipients() []string {
	var out []string
	for _, r := range strings.Split(c.EmailDefaultTo, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.APITokens != "" {
		if _, err := authmw.ParseTokens(c.APITokens); err != nil {
			errs = append(errs, fmt.Errorf("invalid API_TOKENS: %w", err))
		}
	}

	if c.DBMaxConns < 1 || c.DBMaxConns > 1000 {
		errs = append(errs, fmt.Errorf("invalid DB_MAX_CONNS %d (must be 1..1000)", c.DBMaxConns))
	}
	if c.SlowQueryMillis < 1 || c.SlowQueryMillis > 60000 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be 1..60000)", c.SlowQueryMillis))
	}

	if c.StorageKey != "" {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("STORAGE_KEY requires DATABASE_URL"))
		}
		if _, err := seal.ParseKey(c.StorageKey); err != nil {
			errs = append(errs, fmt.Errorf("invalid STORAGE_KEY: %w", err))
		}
	}

	if c.Workers < 0 || c.Workers > 1024 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 0..1024)", c.Workers))
	}
	if c.RuleTimeoutSeconds < 1 || c.RuleTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid RULE_TIMEOUT_SECONDS %d (must be 1..300)", c.RuleTimeoutSeconds))
	}
	if c.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.MaintenanceSchedule); err != nil {
			errs = append(errs, fmt.Errorf("invalid MAINTENANCE_SCHEDULE %q: %w", c.MaintenanceSchedule, err))
		}
	}

	if err := checkURL("SLACK_WEBHOOK_URL", c.SlackWebhookURL); err != nil {
		errs = append(errs, err)
	}
	if err := checkURL("WEBHOOK_URL", c.WebhookURL); err != nil {
		errs = append(errs, err)
	}
	if c.WebhookToken != "" && c.WebhookURL == "" {
		errs = append(errs, errors.New("WEBHOOK_TOKEN is set but WEBHOOK_URL is empty"))
	}

	// Email needs a sender once a server is configured
	if c.SMTPAddr != "" {
		if _, _, err := net.SplitHostPort(c.SMTPAddr); err != nil {
			errs = append(errs, fmt.Errorf("invalid SMTP_ADDR %q (must be host:port)", c.SMTPAddr))
		}
		if c.SMTPFrom == "" {
			errs = append(errs, errors.New("SMTP_FROM is required when SMTP_ADDR is set"))
		}
	}
	if c.SMTPPassword != "" && c.SMTPUsername == "" {
		errs = append(errs, errors.New("SMTP_PASSWORD is set but SMTP_USERNAME is empty"))
	}

	if c.AuditBufferSize < 1 || c.AuditBufferSize > 1_000_000 {
		errs = append(errs, fmt.Errorf("invalid AUDIT_BUFFER_SIZE %d (must be 1..1000000)", c.AuditBufferSize))
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, errors.New("NATS_SUBJECT is required when NATS_URL is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid %s (must be an http or https URL)", name)
	}
	return nil
}
