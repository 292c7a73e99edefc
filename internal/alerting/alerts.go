package alerting

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	minRecommendations = 3
	maxRecommendations = 5
)

// newAlerts builds one alert per route for a violation that passed dedup.
func newAlerts(rec *ViolationRecord, obs *Observation, snap *AppSnapshot, routes []Route, notes []RouteNote, dec Decision, now time.Time) []*AlertRecord {
	sev := MaxSeverity(rec.Severity)
	score, conf := fallbackRiskScore(sev), 0.0
	if snap.Risk != nil {
		score, conf = snap.Risk.Score, snap.Risk.Confidence
	}

	var recs []string
	if obs != nil {
		recs = obs.Recommendations
	}
	recommendations := buildRecommendations(rec, recs)

	var annotations []string
	for _, n := range notes {
		annotations = append(annotations, n.Message)
	}
	if dec.Action == ActionEscalate {
		annotations = append(annotations, "escalation: "+dec.Reason)
	}

	out := make([]*AlertRecord, 0, len(routes))
	for _, r := range routes {
		out = append(out, &AlertRecord{
			ID:              ulid.Make().String(),
			AppID:           rec.AppID,
			ViolationIDs:    []string{rec.ID},
			RuleIDs:         []string{rec.RuleID},
			Severity:        sev,
			Persona:         r.Persona.Name,
			Recipients:      slices.Clone(r.Persona.Recipients),
			Channels:        slices.Clone(r.Channels),
			Title:           fmt.Sprintf("%s violation in %s", sev, rec.AppID),
			Description:     describeViolation(rec),
			Remediation:     rec.Remediation,
			Recommendations: slices.Clone(recommendations),
			RiskScore:       score,
			RiskConfidence:  conf,
			Status:          AlertPending,
			CreatedAt:       now,
			Notes:           slices.Clone(annotations),
		})
	}
	return out
}

// escalationAlert re-targets an unacknowledged alert at another persona.
func escalationAlert(orig *AlertRecord, ps Persona, p *Policy, now time.Time) *AlertRecord {
	a := orig.Clone()
	a.ID = ulid.Make().String()
	a.Persona = ps.Name
	a.Recipients = slices.Clone(ps.Recipients)
	a.Channels = channelsFor(ps, a.Severity, p)
	a.Title = "Unacknowledged: " + orig.Title
	a.Status = AlertPending
	a.Attempts = nil
	a.CreatedAt = now
	a.DeliveredAt = nil
	a.AcknowledgedAt = nil
	a.AcknowledgedBy = ""
	a.EscalatedAt = nil
	a.EscalationOf = orig.ID
	a.RedeliveryPending = false
	a.Redelivered = false
	a.Notes = []string{fmt.Sprintf("%s alert %s unacknowledged for %s", orig.Severity, orig.ID, now.Sub(orig.CreatedAt).Round(time.Minute))}
	return a
}

// operatorAlert is the internal escalation raised when an alert could not be
// delivered on any channel.
func operatorAlert(failed *AlertRecord, p *Policy, now time.Time) *AlertRecord {
	channels := slices.Clone(p.OperatorChannels)
	if len(channels) == 0 {
		channels = slices.Clone(p.Tier(SeverityCritical).Channels)
	}
	var recipients []string
	for _, ps := range p.Personas {
		if ps.Role == RoleOperator {
			recipients = append(recipients, ps.Recipients...)
		}
	}
	var failures []string
	for _, att := range failed.Attempts {
		failures = append(failures, fmt.Sprintf("%s: %s after %d attempt(s)", att.Channel, att.LastError, att.Attempts))
	}
	return &AlertRecord{
		ID:           ulid.Make().String(),
		AppID:        failed.AppID,
		ViolationIDs: slices.Clone(failed.ViolationIDs),
		RuleIDs:      slices.Clone(failed.RuleIDs),
		Severity:     SeverityCritical,
		Persona:      string(RoleOperator),
		Recipients:   recipients,
		Channels:     channels,
		Title:        fmt.Sprintf("Alert delivery failed for %s", failed.AppID),
		Description: fmt.Sprintf("%s alert %s for %s could not be delivered on any channel. %s",
			failed.Severity, failed.ID, failed.Persona, strings.Join(failures, "; ")),
		Recommendations: []string{
			"Check channel credentials and endpoints",
			"Confirm the alert reached its recipients by other means",
			"The alert is queued for one redelivery on the next run",
		},
		RiskScore:    fallbackRiskScore(SeverityCritical),
		Status:       AlertPending,
		CreatedAt:    now,
		EscalationOf: failed.ID,
		Internal:     true,
	}
}

func describeViolation(v *ViolationRecord) string {
	var b strings.Builder
	if v.Description != "" {
		b.WriteString(v.Description)
	} else {
		fmt.Fprintf(&b, "Rule %s triggered", v.RuleID)
	}
	if len(v.Evidence.KPIValues) > 0 {
		kpis := make([]string, 0, len(v.Evidence.KPIValues))
		for k := range v.Evidence.KPIValues {
			kpis = append(kpis, k)
		}
		sort.Strings(kpis)
		parts := make([]string, 0, len(kpis))
		for _, k := range kpis {
			parts = append(parts, fmt.Sprintf("%s=%g", k, v.Evidence.KPIValues[k]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	if v.State == StateRecurring {
		fmt.Fprintf(&b, ". First detected %s", v.DetectedAt.UTC().Format(time.RFC3339))
	}
	return b.String()
}

// buildRecommendations returns between three and five actions, the rule's own
// first.
func buildRecommendations(v *ViolationRecord, ruleRecs []string) []string {
	out := make([]string, 0, maxRecommendations)
	add := func(s string) {
		if s != "" && len(out) < maxRecommendations && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	for _, r := range ruleRecs {
		add(r)
	}
	if len(v.Evidence.Details) > 0 && v.Evidence.Details["conflicting_users"] != "" {
		add("Remove one entitlement from each conflicting pair")
	}
	if v.Severity == SeverityCritical {
		add("Escalate to the application security lead immediately")
	}
	add(fmt.Sprintf("Review %s access policies", v.AppID))
	add(fmt.Sprintf("Investigate the root cause of %s", v.RuleID))
	add("Take remediation action and record it in the access review")
	if len(out) < minRecommendations {
		add("Confirm the finding with the application owner")
	}
	return out
}
