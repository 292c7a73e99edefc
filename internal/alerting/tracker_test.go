package alerting

import (
	"testing"
	"time"
)

func obsFor(rule string, sev Severity) Observation {
	return Observation{
		Key:      ViolationKey{AppID: "APP-1", RuleID: rule},
		Severity: sev,
		Evidence: Evidence{KPIValues: map[string]float64{"orphan_accounts": 7}},
	}
}

func TestTrack_Lifecycle(t *testing.T) {
	t.Parallel()

	// run 1: new
	trs := Track(nil, []Observation{obsFor("threshold_orphan_accounts", SeverityHigh)}, nil, t0)
	if len(trs) != 1 || trs[0].To != StateNew || !trs[0].Eligible {
		t.Fatalf("run 1 transitions = %+v", trs)
	}
	rec := trs[0].Record
	if rec.ID == "" || !rec.DetectedAt.Equal(t0) || !rec.LastSeenAt.Equal(t0) {
		t.Fatalf("new record = %+v", rec)
	}

	// run 2: recurring at the same severity
	t1 := t0.Add(time.Hour)
	trs = Track([]*ViolationRecord{rec}, []Observation{obsFor("threshold_orphan_accounts", SeverityHigh)}, nil, t1)
	if len(trs) != 1 || trs[0].To != StateRecurring || trs[0].From != StateNew {
		t.Fatalf("run 2 transitions = %+v", trs)
	}
	if trs[0].Eligible {
		t.Error("recurring at the same severity must not be eligible")
	}
	rec2 := trs[0].Record
	if rec2.ID != rec.ID || !rec2.DetectedAt.Equal(t0) || !rec2.LastSeenAt.Equal(t1) {
		t.Errorf("recurring record = %+v", rec2)
	}
	if rec.State != StateNew || !rec.LastSeenAt.Equal(t0) {
		t.Error("Track modified the input record")
	}

	// run 3: severity change makes it eligible
	trs = Track([]*ViolationRecord{rec2}, []Observation{obsFor("threshold_orphan_accounts", SeverityCritical)}, nil, t1.Add(time.Hour))
	if !trs[0].Eligible || trs[0].PreviousSeverity != SeverityHigh || trs[0].Record.Severity != SeverityCritical {
		t.Errorf("escalated transition = %+v", trs[0])
	}

	// run 4: no longer observed
	t4 := t1.Add(2 * time.Hour)
	trs = Track([]*ViolationRecord{trs[0].Record}, nil, nil, t4)
	if len(trs) != 1 || trs[0].To != StateResolved {
		t.Fatalf("run 4 transitions = %+v", trs)
	}
	if trs[0].Record.ResolvedAt == nil || !trs[0].Record.ResolvedAt.Equal(t4) {
		t.Errorf("ResolvedAt = %v, want %v", trs[0].Record.ResolvedAt, t4)
	}
}

func TestTrack_NeverReopensResolved(t *testing.T) {
	t.Parallel()

	resolvedAt := t0
	resolved := &ViolationRecord{
		ID: "old", AppID: "APP-1", RuleID: "threshold_orphan_accounts",
		Severity: SeverityHigh, State: StateResolved, DetectedAt: t0.Add(-time.Hour), ResolvedAt: &resolvedAt,
	}
	trs := Track([]*ViolationRecord{resolved}, []Observation{obsFor("threshold_orphan_accounts", SeverityHigh)}, nil, t0.Add(time.Hour))
	if len(trs) != 1 {
		t.Fatalf("transitions = %d, want 1", len(trs))
	}
	if trs[0].To != StateNew || trs[0].Record.ID == "old" {
		t.Errorf("re-breach must start a new occurrence, got %s %s", trs[0].To, trs[0].Record.ID)
	}
	if resolved.State != StateResolved {
		t.Error("resolved record was modified")
	}
}

func TestTrack_IndeterminateIsNotResolved(t *testing.T) {
	t.Parallel()

	open := &ViolationRecord{ID: "v", AppID: "APP-1", RuleID: "custom", Severity: SeverityMedium, State: StateRecurring, DetectedAt: t0}
	trs := Track([]*ViolationRecord{open}, nil, map[string]bool{"custom": true}, t0.Add(time.Hour))
	if len(trs) != 0 {
		t.Fatalf("transitions = %+v, want none for an indeterminate rule", trs)
	}
}

func TestTrack_DistinctKeysIndependent(t *testing.T) {
	t.Parallel()

	a := &ViolationRecord{ID: "a", AppID: "APP-1", RuleID: "r1", Severity: SeverityLow, State: StateNew, DetectedAt: t0}
	b := &ViolationRecord{ID: "b", AppID: "APP-1", RuleID: "r2", Severity: SeverityLow, State: StateNew, DetectedAt: t0}
	trs := Track([]*ViolationRecord{a, b}, []Observation{obsFor("r1", SeverityLow)}, nil, t0.Add(time.Hour))

	got := map[string]ViolationState{}
	for _, tr := range trs {
		got[tr.Record.ID] = tr.To
	}
	if got["a"] != StateRecurring || got["b"] != StateResolved {
		t.Errorf("transitions = %v", got)
	}
}
