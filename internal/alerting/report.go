package alerting

import (
	"context"
	"sort"
	"time"
)

const topAppsLimit = 5

// AppCount is a per-application violation tally.
type AppCount struct {
	AppID string `json:"app_id"`
	Count int    `json:"count"`
}

// ComplianceReport aggregates violations and alerts over a period.
type ComplianceReport struct {
	GeneratedAt          time.Time           `json:"generated_at"`
	Since                time.Time           `json:"since"`
	Violations           int                 `json:"violations"`
	ViolationsBySeverity map[string]int      `json:"violations_by_severity"`
	OpenBySeverity       map[string]int      `json:"open_by_severity"`
	AlertsByStatus       map[AlertStatus]int `json:"alerts_by_status"`
	Unacknowledged       int                 `json:"unacknowledged_critical"`
	TopApps              []AppCount          `json:"top_apps"`
}

// Report summarizes violations detected and alerts created since the given
// time. A zero since covers everything retained.
func (s *Service) Report(ctx context.Context, since time.Time) (*ComplianceReport, error) {
	vs, err := s.store.QueryViolations(ctx, ViolationQuery{Since: since})
	if err != nil {
		return nil, &StorageError{Op: "query_violations", Err: err}
	}
	as, err := s.store.QueryAlerts(ctx, AlertQuery{Since: since})
	if err != nil {
		return nil, &StorageError{Op: "query_alerts", Err: err}
	}

	r := &ComplianceReport{
		GeneratedAt:          s.clock.Now(),
		Since:                since,
		Violations:           len(vs),
		ViolationsBySeverity: make(map[string]int),
		OpenBySeverity:       make(map[string]int),
		AlertsByStatus:       make(map[AlertStatus]int),
	}
	perApp := make(map[string]int)
	for _, v := range vs {
		r.ViolationsBySeverity[v.Severity.String()]++
		if v.State.Open() {
			r.OpenBySeverity[v.Severity.String()]++
		}
		perApp[v.AppID]++
	}
	for _, a := range as {
		if a.Internal {
			continue
		}
		r.AlertsByStatus[a.Status]++
		if a.Severity == SeverityCritical && a.AcknowledgedAt == nil && a.EscalationOf == "" {
			r.Unacknowledged++
		}
	}

	for app, n := range perApp {
		r.TopApps = append(r.TopApps, AppCount{AppID: app, Count: n})
	}
	sort.Slice(r.TopApps, func(i, j int) bool {
		if r.TopApps[i].Count != r.TopApps[j].Count {
			return r.TopApps[i].Count > r.TopApps[j].Count
		}
		return r.TopApps[i].AppID < r.TopApps[j].AppID
	})
	if len(r.TopApps) > topAppsLimit {
		r.TopApps = r.TopApps[:topAppsLimit]
	}
	return r, nil
}
