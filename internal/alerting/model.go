package alerting

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Severity is the ordered alert severity. The zero value means no breach.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// Severities lists the breach levels from lowest to highest.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	case SeverityNone:
		return "NONE"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// Valid reports whether s is one of the four breach levels.
func (s Severity) Valid() bool {
	return s >= SeverityLow && s <= SeverityCritical
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	case "", "NONE":
		return SeverityNone, nil
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MaxSeverity returns the highest of the given severities.
func MaxSeverity(sevs ...Severity) Severity {
	out := SeverityNone
	for _, s := range sevs {
		if s > out {
			out = s
		}
	}
	return out
}

// ViolationState is the lifecycle state of a violation occurrence.
type ViolationState string

const (
	StateNew       ViolationState = "NEW"
	StateRecurring ViolationState = "RECURRING"
	StateResolved  ViolationState = "RESOLVED"
)

// Open reports whether the state is NEW or RECURRING.
func (s ViolationState) Open() bool {
	return s == StateNew || s == StateRecurring
}

// AlertStatus is the delivery outcome of an alert.
type AlertStatus string

const (
	AlertPending        AlertStatus = "PENDING"
	AlertDelivered      AlertStatus = "DELIVERED"
	AlertFailedDelivery AlertStatus = "FAILED_DELIVERY"
)

// AttemptState is the state of delivery on one channel.
type AttemptState string

const (
	AttemptPending   AttemptState = "PENDING"
	AttemptDelivered AttemptState = "DELIVERED"
	AttemptFailed    AttemptState = "FAILED"
	AttemptCancelled AttemptState = "CANCELLED"
)

// ThresholdRulePrefix prefixes the rule ID of KPI threshold violations.
const ThresholdRulePrefix = "threshold_"

// ThresholdRuleID returns the rule ID used for a KPI threshold breach.
func ThresholdRuleID(kpi string) string {
	return ThresholdRulePrefix + kpi
}

// ViolationKey identifies a violation across runs.
type ViolationKey struct {
	AppID  string `json:"app_id"`
	RuleID string `json:"rule_id"`
}

func (k ViolationKey) String() string {
	return k.AppID + "/" + k.RuleID
}

// Evidence captures what caused a breach.
type Evidence struct {
	KPIValues  map[string]float64 `json:"kpi_values,omitempty"`
	Thresholds map[string]float64 `json:"thresholds_breached,omitempty"`
	Details    map[string]string  `json:"details,omitempty"`
}

// Clone returns a deep copy.
func (e Evidence) Clone() Evidence {
	return Evidence{
		KPIValues:  maps.Clone(e.KPIValues),
		Thresholds: maps.Clone(e.Thresholds),
		Details:    maps.Clone(e.Details),
	}
}

// ViolationRecord is one tracked occurrence of a breach.
type ViolationRecord struct {
	ID          string         `json:"id"`
	AppID       string         `json:"app_id"`
	RuleID      string         `json:"rule_id"`
	Severity    Severity       `json:"severity"`
	State       ViolationState `json:"state"`
	DetectedAt  time.Time      `json:"detected_at"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
	Evidence    Evidence       `json:"evidence"`
	Description string         `json:"description,omitempty"`
	Remediation string         `json:"remediation,omitempty"`
}

// Key returns the identity key of the record.
func (v *ViolationRecord) Key() ViolationKey {
	return ViolationKey{AppID: v.AppID, RuleID: v.RuleID}
}

// Clone returns a deep copy.
func (v *ViolationRecord) Clone() *ViolationRecord {
	cp := *v
	cp.Evidence = v.Evidence.Clone()
	if v.ResolvedAt != nil {
		t := *v.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// ChannelAttempt tracks delivery of one alert on one channel.
type ChannelAttempt struct {
	Channel     string       `json:"channel"`
	State       AttemptState `json:"state"`
	Attempts    int          `json:"attempts"`
	RateLimited int          `json:"rate_limited,omitempty"`
	Mandatory   bool         `json:"mandatory,omitempty"`
	Fallback    bool         `json:"fallback,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// DeliveryResult is the per-channel outcome in the shape senders report it.
type DeliveryResult struct {
	Success     bool      `json:"success"`
	Retries     int       `json:"retries"`
	DeliveredAt time.Time `json:"delivered_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// DeliveryResult summarizes the attempt.
func (a ChannelAttempt) DeliveryResult() DeliveryResult {
	r := DeliveryResult{
		Success: a.State == AttemptDelivered,
		Retries: a.Attempts,
		Error:   a.LastError,
	}
	if r.Success {
		r.DeliveredAt = a.FinishedAt
	}
	return r
}

// AlertRecord is a dispatch-ready alert for one persona.
type AlertRecord struct {
	ID                string           `json:"id"`
	AppID             string           `json:"app_id"`
	ViolationIDs      []string         `json:"violation_ids"`
	RuleIDs           []string         `json:"rule_ids"`
	Severity          Severity         `json:"severity"`
	Persona           string           `json:"persona"`
	Recipients        []string         `json:"recipients,omitempty"`
	Channels          []string         `json:"channels"`
	Title             string           `json:"title"`
	Description       string           `json:"description"`
	Remediation       string           `json:"remediation,omitempty"`
	Recommendations   []string         `json:"recommendations,omitempty"`
	RiskScore         float64          `json:"risk_score"`
	RiskConfidence    float64          `json:"risk_confidence,omitempty"`
	Status            AlertStatus      `json:"status"`
	Attempts          []ChannelAttempt `json:"attempts,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	DeliveredAt       *time.Time       `json:"delivered_at,omitempty"`
	AcknowledgedAt    *time.Time       `json:"acknowledged_at,omitempty"`
	AcknowledgedBy    string           `json:"acknowledged_by,omitempty"`
	EscalatedAt       *time.Time       `json:"escalated_at,omitempty"`
	EscalationOf      string           `json:"escalation_of,omitempty"`
	RedeliveryPending bool             `json:"redelivery_pending,omitempty"`
	Redelivered       bool             `json:"redelivered,omitempty"`
	Internal          bool             `json:"internal,omitempty"`
	Notes             []string         `json:"notes,omitempty"`
}

// Clone returns a deep copy.
func (a *AlertRecord) Clone() *AlertRecord {
	cp := *a
	cp.ViolationIDs = slices.Clone(a.ViolationIDs)
	cp.RuleIDs = slices.Clone(a.RuleIDs)
	cp.Recipients = slices.Clone(a.Recipients)
	cp.Channels = slices.Clone(a.Channels)
	cp.Recommendations = slices.Clone(a.Recommendations)
	cp.Attempts = slices.Clone(a.Attempts)
	cp.Notes = slices.Clone(a.Notes)
	cp.DeliveredAt = cloneTime(a.DeliveredAt)
	cp.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	cp.EscalatedAt = cloneTime(a.EscalatedAt)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AppMetadata is descriptive data about an application supplied with its KPIs.
type AppMetadata struct {
	Criticality string `json:"criticality,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// RiskScore is an externally computed risk estimate for an application.
type RiskScore struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// AppSnapshot is the input for one application in one run.
type AppSnapshot struct {
	AppID               string              `json:"app_id"`
	KPIs                map[string]float64  `json:"kpis"`
	Metadata            AppMetadata         `json:"metadata"`
	Risk                *RiskScore          `json:"risk,omitempty"`
	Permissions         map[string][]string `json:"permissions,omitempty"`
	CrossAppPermissions map[string][]string `json:"cross_app_permissions,omitempty"`
}

// fallbackRiskScore is used when no external risk score is available.
func fallbackRiskScore(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 90
	case SeverityHigh:
		return 70
	case SeverityMedium:
		return 50
	case SeverityLow:
		return 30
	default:
		return 50
	}
}
