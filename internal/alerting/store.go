package alerting

import (
	"context"
	"slices"
	"time"
)

// ViolationQuery filters violations. Zero fields do not filter.
type ViolationQuery struct {
	AppID  string
	States []ViolationState
	Since  time.Time // DetectedAt >= Since
	Until  time.Time // DetectedAt < Until
	Limit  int
}

// Match reports whether v passes the filter (Limit excluded).
func (q ViolationQuery) Match(v *ViolationRecord) bool {
	if q.AppID != "" && v.AppID != q.AppID {
		return false
	}
	if len(q.States) > 0 && !slices.Contains(q.States, v.State) {
		return false
	}
	if !q.Since.IsZero() && v.DetectedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !v.DetectedAt.Before(q.Until) {
		return false
	}
	return true
}

// AlertQuery filters alerts. Zero fields do not filter.
type AlertQuery struct {
	AppID             string
	Statuses          []AlertStatus
	MinSeverity       Severity
	Unacknowledged    bool
	PendingRedelivery bool
	Since             time.Time // CreatedAt >= Since
	Until             time.Time // CreatedAt < Until
	Limit             int
}

// Match reports whether a passes the filter (Limit excluded).
func (q AlertQuery) Match(a *AlertRecord) bool {
	if q.AppID != "" && a.AppID != q.AppID {
		return false
	}
	if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, a.Status) {
		return false
	}
	if a.Severity < q.MinSeverity {
		return false
	}
	if q.Unacknowledged && a.AcknowledgedAt != nil {
		return false
	}
	if q.PendingRedelivery && !a.RedeliveryPending {
		return false
	}
	if !q.Since.IsZero() && a.CreatedAt.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !a.CreatedAt.Before(q.Until) {
		return false
	}
	return true
}

// Store is the persistence port for violations and alerts. Query results are
// ordered newest first. Implementations return copies the caller may mutate.
type Store interface {
	PutViolation(ctx context.Context, v *ViolationRecord) error
	GetViolation(ctx context.Context, id string) (*ViolationRecord, bool, error)
	// OpenViolations returns the NEW and RECURRING records of an application.
	OpenViolations(ctx context.Context, appID string) ([]*ViolationRecord, error)
	QueryViolations(ctx context.Context, q ViolationQuery) ([]*ViolationRecord, error)
	// PruneResolved deletes RESOLVED records resolved before the cutoff.
	PruneResolved(ctx context.Context, before time.Time) (int, error)

	PutAlert(ctx context.Context, a *AlertRecord) error
	// UpdateAlert applies fn to the stored alert and saves the result, with no
	// other write to that alert in between. It returns ErrNotFound when id is
	// unknown. When fn returns an error nothing is written and that error is
	// returned.
	UpdateAlert(ctx context.Context, id string, fn func(a *AlertRecord) error) (*AlertRecord, error)
	GetAlert(ctx context.Context, id string) (*AlertRecord, bool, error)
	QueryAlerts(ctx context.Context, q AlertQuery) ([]*AlertRecord, error)
}
