package alerting

import (
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

// Observation is a breach seen in the current run.
type Observation struct {
	Key             ViolationKey
	Severity        Severity
	Evidence        Evidence
	Description     string
	Remediation     string
	Recommendations []string
}

// Transition is one lifecycle step taken by Track.
type Transition struct {
	Record *ViolationRecord
	// From is empty when the record was created by this transition.
	From             ViolationState
	To               ViolationState
	PreviousSeverity Severity
	// Eligible is set for NEW records and severity changes on open records.
	Eligible bool
	// Observation that drove the transition, nil for RESOLVED.
	Observation *Observation
}

// Track advances the lifecycle of one application's violations. open holds
// the current NEW and RECURRING records, obs the breaches seen in this run and
// indeterminate the rule IDs that could not be evaluated this run; records for
// those keys are left untouched. Records in open are not modified; the
// returned transitions carry updated copies.
func Track(open []*ViolationRecord, obs []Observation, indeterminate map[string]bool, now time.Time) []Transition {
	byKey := make(map[ViolationKey]*ViolationRecord, len(open))
	for _, v := range open {
		if !v.State.Open() {
			continue
		}
		if prev, ok := byKey[v.Key()]; ok && prev.DetectedAt.After(v.DetectedAt) {
			continue
		}
		byKey[v.Key()] = v
	}

	var out []Transition
	seen := make(map[ViolationKey]bool, len(obs))
	for i := range obs {
		o := &obs[i]
		if seen[o.Key] {
			continue
		}
		seen[o.Key] = true

		prev, ok := byKey[o.Key]
		if !ok {
			rec := &ViolationRecord{
				ID:          ulid.Make().String(),
				AppID:       o.Key.AppID,
				RuleID:      o.Key.RuleID,
				Severity:    o.Severity,
				State:       StateNew,
				DetectedAt:  now,
				LastSeenAt:  now,
				Evidence:    o.Evidence.Clone(),
				Description: o.Description,
				Remediation: o.Remediation,
			}
			out = append(out, Transition{Record: rec, To: StateNew, Eligible: true, Observation: o})
			continue
		}

		rec := prev.Clone()
		rec.State = StateRecurring
		rec.Severity = o.Severity
		rec.LastSeenAt = now
		rec.Evidence = o.Evidence.Clone()
		if o.Description != "" {
			rec.Description = o.Description
		}
		rec.Remediation = o.Remediation
		out = append(out, Transition{
			Record:           rec,
			From:             prev.State,
			To:               StateRecurring,
			PreviousSeverity: prev.Severity,
			Eligible:         prev.Severity != o.Severity,
			Observation:      o,
		})
	}

	keys := make([]ViolationKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].RuleID < keys[j].RuleID })
	for _, k := range keys {
		if seen[k] || indeterminate[k.RuleID] {
			continue
		}
		prev := byKey[k]
		rec := prev.Clone()
		rec.State = StateResolved
		t := now
		rec.ResolvedAt = &t
		out = append(out, Transition{
			Record:           rec,
			From:             prev.State,
			To:               StateResolved,
			PreviousSeverity: prev.Severity,
		})
	}
	return out
}
