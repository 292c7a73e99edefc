package alerting

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// AuditType names an audit event.
type AuditType string

const (
	AuditViolationNew        AuditType = "violation.new"
	AuditViolationRecurring  AuditType = "violation.recurring"
	AuditViolationResolved   AuditType = "violation.resolved"
	AuditRuleError           AuditType = "rule.error"
	AuditAlertDispatched     AuditType = "alert.dispatched"
	AuditAlertSuppressed     AuditType = "alert.suppressed"
	AuditAlertEscalated      AuditType = "alert.escalated"
	AuditAlertUnacknowledged AuditType = "alert.escalated_unacknowledged"
	AuditAlertAcknowledged   AuditType = "alert.acknowledged"
	AuditAlertFailedDelivery AuditType = "alert.failed_delivery"
	AuditAlertRedelivery     AuditType = "alert.redelivery"
	AuditOperatorEscalation  AuditType = "operator.escalation"
	AuditDeliveryAttempt     AuditType = "delivery.attempt"
	AuditDeliveryRateLimited AuditType = "delivery.rate_limited"
	AuditDeliveryDelivered   AuditType = "delivery.delivered"
	AuditDeliveryFailed      AuditType = "delivery.failed"
	AuditDeliveryCancelled   AuditType = "delivery.cancelled"
	AuditDeliveryFallback    AuditType = "delivery.fallback"
	AuditRouteNoOwner        AuditType = "route.no_owner"
	AuditRouteNoRecipients   AuditType = "route.no_recipients"
	AuditRouteElevated       AuditType = "route.risk_elevated"
	AuditStorageUnresolved   AuditType = "storage.unresolved"
	AuditConfigReloaded      AuditType = "config.reloaded"
	AuditConfigRejected      AuditType = "config.rejected"
)

// AuditEvent is one structured audit record.
type AuditEvent struct {
	ID          string            `json:"id"`
	Type        AuditType         `json:"type"`
	At          time.Time         `json:"at"`
	AppID       string            `json:"app_id,omitempty"`
	RuleID      string            `json:"rule_id,omitempty"`
	ViolationID string            `json:"violation_id,omitempty"`
	AlertID     string            `json:"alert_id,omitempty"`
	Severity    Severity          `json:"severity,omitempty"`
	Channel     string            `json:"channel,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// Auditor receives audit events. Implementations must be safe for concurrent
// use and must not block on slow sinks for long.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent)
}

// AuditorFunc adapts a function to Auditor.
type AuditorFunc func(ctx context.Context, ev AuditEvent)

// Record implements Auditor.
func (f AuditorFunc) Record(ctx context.Context, ev AuditEvent) { f(ctx, ev) }

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEvent) {}

// emit stamps the event ID and time when missing and forwards it.
func emit(ctx context.Context, a Auditor, clk Clock, ev AuditEvent) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.At.IsZero() {
		ev.At = clk.Now()
	}
	a.Record(ctx, ev)
}
