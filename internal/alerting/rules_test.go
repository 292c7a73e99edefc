package alerting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func snapshot(kpis map[string]float64) *AppSnapshot {
	return &AppSnapshot{AppID: "payroll", KPIs: kpis}
}

func thresholdRule(id, kpi, op string, v float64, sev Severity) Rule {
	return Rule{ID: id, Severity: sev, Predicate: Predicate{Kind: KindThreshold, KPI: kpi, Op: op, Value: v}}
}

func TestRuleEngine_Threshold(t *testing.T) {
	t.Parallel()

	e := NewRuleEngine(log.Nop())
	res := e.Evaluate(context.Background(), snapshot(map[string]float64{"mfa_coverage": 0.6}), []Rule{
		thresholdRule("low_mfa", "mfa_coverage", "<", 0.9, SeverityHigh),
		thresholdRule("high_mfa", "mfa_coverage", ">", 0.9, SeverityLow),
	})

	if len(res.Failures) != 0 {
		t.Fatalf("failures = %v", res.Failures)
	}
	if len(res.Breaches) != 1 {
		t.Fatalf("breaches = %d, want 1", len(res.Breaches))
	}
	b := res.Breaches[0]
	if b.RuleID != "low_mfa" || b.Severity != SeverityHigh {
		t.Errorf("breach = %s %s", b.RuleID, b.Severity)
	}
	if b.Evidence.KPIValues["mfa_coverage"] != 0.6 || b.Evidence.Thresholds["mfa_coverage"] != 0.9 {
		t.Errorf("evidence = %+v", b.Evidence)
	}
}

func TestRuleEngine_Composite(t *testing.T) {
	t.Parallel()

	all := Rule{ID: "stale_privileged", Severity: SeverityMedium, Predicate: Predicate{Kind: KindAll, Of: []Predicate{
		{Kind: KindThreshold, KPI: "privileged_accounts", Op: ">=", Value: 5},
		{Kind: KindThreshold, KPI: "days_since_review", Op: ">", Value: 90},
	}}}
	anyRule := Rule{ID: "either", Severity: SeverityLow, Predicate: Predicate{Kind: KindAny, Of: []Predicate{
		{Kind: KindThreshold, KPI: "privileged_accounts", Op: ">", Value: 100},
		{Kind: KindThreshold, KPI: "days_since_review", Op: ">", Value: 90},
	}}}

	e := NewRuleEngine(log.Nop())
	res := e.Evaluate(context.Background(), snapshot(map[string]float64{"privileged_accounts": 6, "days_since_review": 120}), []Rule{all, anyRule})
	if len(res.Breaches) != 2 {
		t.Fatalf("breaches = %d, want 2", len(res.Breaches))
	}

	res = e.Evaluate(context.Background(), snapshot(map[string]float64{"privileged_accounts": 6, "days_since_review": 30}), []Rule{all, anyRule})
	if len(res.Breaches) != 0 {
		t.Fatalf("breaches = %d, want 0", len(res.Breaches))
	}
}

func TestRuleEngine_SoDConflictIsCritical(t *testing.T) {
	t.Parallel()

	r := Rule{
		ID:          "sod_payments",
		Severity:    SeverityLow,
		Remediation: "Remove a conflicting entitlement in {{.AppID}} ({{.Severity}})",
		Predicate: Predicate{
			Kind:           KindPermissionConflict,
			ForbiddenPairs: [][2]string{{"create_vendor", "approve_payment"}},
		},
	}
	snap := &AppSnapshot{
		AppID: "payroll",
		Permissions: map[string][]string{
			"alice": {"create_vendor", "approve_payment"},
			"bob":   {"create_vendor"},
		},
	}

	res := NewRuleEngine(log.Nop()).Evaluate(context.Background(), snap, []Rule{r})
	if len(res.Breaches) != 1 {
		t.Fatalf("breaches = %d, want 1", len(res.Breaches))
	}
	b := res.Breaches[0]
	if b.Severity != SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", b.Severity)
	}
	if b.Evidence.Details["conflict.alice"] != "create_vendor+approve_payment" {
		t.Errorf("details = %v", b.Evidence.Details)
	}
	if _, ok := b.Evidence.Details["conflict.bob"]; ok {
		t.Error("bob holds only one side and must not conflict")
	}
	if b.Remediation != "Remove a conflicting entitlement in payroll (CRITICAL)" {
		t.Errorf("remediation = %q", b.Remediation)
	}
}

func TestRuleEngine_SoDCrossApp(t *testing.T) {
	t.Parallel()

	pred := Predicate{Kind: KindPermissionConflict, ForbiddenPairs: [][2]string{{"create_vendor", "approve_payment"}}}
	snap := &AppSnapshot{
		AppID:       "payroll",
		Permissions: map[string][]string{"alice": {"create_vendor"}},
		CrossAppPermissions: map[string][]string{
			"alice": {"approve_payment"},
			"carol": {"create_vendor", "approve_payment"},
		},
	}
	e := NewRuleEngine(log.Nop())

	local := e.Evaluate(context.Background(), snap, []Rule{{ID: "sod", Predicate: pred}})
	if len(local.Breaches) != 0 {
		t.Fatal("app-scoped SoD must ignore permissions held elsewhere")
	}

	pred.CrossApp = true
	cross := e.Evaluate(context.Background(), snap, []Rule{{ID: "sod", Predicate: pred}})
	if len(cross.Breaches) != 1 {
		t.Fatalf("cross-app breaches = %d, want 1", len(cross.Breaches))
	}
	d := cross.Breaches[0].Evidence.Details
	if d["conflict.alice"] == "" || d["scope"] != "cross_app" {
		t.Errorf("details = %v", d)
	}
	if _, ok := d["conflict.carol"]; ok {
		t.Error("carol holds nothing in this application and must not be attributed to it")
	}
}

func TestRuleEngine_FailuresAreFailSafe(t *testing.T) {
	t.Parallel()

	e := NewRuleEngine(log.Nop(), WithRuleTimeout(50*time.Millisecond))
	e.eval = func(ctx context.Context, r *Rule, snap *AppSnapshot) (bool, Evidence, error) {
		switch r.ID {
		case "panics":
			panic("boom")
		case "errors":
			return true, Evidence{}, errors.New("datasource unavailable")
		case "hangs":
			<-ctx.Done()
			return true, Evidence{}, ctx.Err()
		case "ignores_deadline":
			time.Sleep(time.Second)
			return true, Evidence{}, nil
		}
		return evalPredicate(ctx, r.Predicate, snap, 1)
	}

	rules := []Rule{
		{ID: "panics"},
		{ID: "errors"},
		{ID: "hangs"},
		{ID: "ignores_deadline"},
		thresholdRule("healthy", "orphan_accounts", ">=", 1, SeverityLow),
	}
	res := e.Evaluate(context.Background(), snapshot(map[string]float64{"orphan_accounts": 3}), rules)

	if len(res.Breaches) != 1 || res.Breaches[0].RuleID != "healthy" {
		t.Fatalf("breaches = %+v, want only the healthy rule", res.Breaches)
	}
	reasons := map[string]string{}
	for _, f := range res.Failures {
		reasons[f.RuleID] = f.Reason
	}
	want := map[string]string{
		"panics":           ReasonPanic,
		"errors":           ReasonError,
		"hangs":            ReasonTimeout,
		"ignores_deadline": ReasonTimeout,
	}
	for id, reason := range want {
		if reasons[id] != reason {
			t.Errorf("%s reason = %q, want %q", id, reasons[id], reason)
		}
	}
}

func TestRuleEngine_MissingKPIIsAnError(t *testing.T) {
	t.Parallel()

	res := NewRuleEngine(log.Nop()).Evaluate(context.Background(), snapshot(map[string]float64{}), []Rule{
		thresholdRule("needs_kpi", "dormant_accounts", ">", 0, SeverityHigh),
	})
	if len(res.Breaches) != 0 || len(res.Failures) != 1 {
		t.Fatalf("breaches %d failures %d, want 0 and 1", len(res.Breaches), len(res.Failures))
	}
	if !strings.Contains(res.Failures[0].Error(), "dormant_accounts") {
		t.Errorf("failure %q does not name the KPI", res.Failures[0])
	}
}

func TestValidatePredicate_Depth(t *testing.T) {
	t.Parallel()

	p := Predicate{Kind: KindThreshold, KPI: "x", Op: ">", Value: 1}
	for range maxPredicateDepth {
		p = Predicate{Kind: KindAll, Of: []Predicate{p}}
	}
	if err := validatePredicate(p, 1); err == nil {
		t.Error("expected nesting error")
	}
}
