package alerting

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func TestCompile_Defaults(t *testing.T) {
	t.Parallel()

	p := mustCompile(t, DefaultPolicy())

	if p.DedupWindow != 24*time.Hour {
		t.Errorf("DedupWindow = %v, want 24h", p.DedupWindow)
	}
	if p.AckTimeout != time.Hour {
		t.Errorf("AckTimeout = %v, want 1h", p.AckTimeout)
	}
	if got := p.RetryFor("slack").MaxAttempts; got != 3 {
		t.Errorf("slack attempts = %d, want 3", got)
	}
	if got := p.RetryFor("email").MaxAttempts; got != 5 {
		t.Errorf("email attempts = %d, want 5", got)
	}
	crit := p.Tier(SeverityCritical)
	if len(crit.Mandatory) != 1 || crit.Mandatory[0] != "email" {
		t.Errorf("critical tier mandatory = %v, want [email]", crit.Mandatory)
	}
	if len(p.Officers()) != 1 {
		t.Errorf("officers = %d, want 1", len(p.Officers()))
	}
	if _, ok := p.Persona("security_lead"); !ok {
		t.Error("security_lead persona not indexed")
	}
}

func TestCompile_DoesNotAliasInput(t *testing.T) {
	t.Parallel()

	in := DefaultPolicy()
	in.AppThresholds = map[string]map[string]Bands{
		"payroll": {"orphan_accounts": {SeverityLow: 2, SeverityHigh: 4}},
	}
	c := mustCompile(t, in)
	in.Thresholds["orphan_accounts"] = Bands{SeverityLow: 100}
	in.Thresholds["dormant_accounts"][SeverityLow] = 100
	in.AppThresholds["payroll"]["orphan_accounts"][SeverityLow] = 100
	in.AppThresholds["payroll"]["privileged_accounts"] = Bands{SeverityLow: 1}

	if c.Thresholds["orphan_accounts"][SeverityLow] != 1 {
		t.Error("compiled snapshot changed when the input map was mutated")
	}
	if c.Thresholds["dormant_accounts"][SeverityLow] != 5 {
		t.Error("compiled bands changed when the input bands were mutated")
	}
	if got := c.AppThresholds["payroll"]["orphan_accounts"][SeverityLow]; got != 2 {
		t.Errorf("per-app bound = %v after input mutation, want 2", got)
	}
	if _, ok := c.AppThresholds["payroll"]["privileged_accounts"]; ok {
		t.Error("per-app override added to the input leaked into the snapshot")
	}
}

func TestCompile_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(p *Policy)
		field  string
	}{
		{"bad bands", func(p *Policy) {
			p.Thresholds["orphan_accounts"] = Bands{SeverityLow: 5, SeverityHigh: 1}
		}, "thresholds.orphan_accounts"},
		{"no officer", func(p *Policy) {
			p.Personas = []Persona{{Name: "x", Role: RoleAppOwner}}
			p.SecondaryPersonas = nil
		}, "personas"},
		{"unknown owner persona", func(p *Policy) {
			p.Owners = map[string]string{"payroll": "ghost"}
		}, "owners.payroll"},
		{"mandatory not in channels", func(p *Policy) {
			p.Tiers = map[Severity]DeliveryTier{SeverityHigh: {Channels: []string{"slack"}, Mandatory: []string{"email"}}}
		}, "tiers.HIGH"},
		{"zero attempts", func(p *Policy) {
			p.Retry = map[string]RetryPolicy{"slack": {MaxAttempts: 0}}
		}, "retry.slack"},
		{"delta out of range", func(p *Policy) { p.EscalationDelta = 4 }, "escalation_delta"},
		{"reserved rule id", func(p *Policy) {
			p.Rules = []Rule{{ID: "threshold_x", Severity: SeverityLow, Predicate: Predicate{Kind: KindThreshold, KPI: "x", Op: ">", Value: 1}}}
		}, "rules.threshold_x"},
		{"duplicate rule", func(p *Policy) {
			r := Rule{ID: "r", Severity: SeverityLow, Predicate: Predicate{Kind: KindThreshold, KPI: "x", Op: ">", Value: 1}}
			p.Rules = []Rule{r, r}
		}, "rules.r"},
		{"bad template", func(p *Policy) {
			p.Rules = []Rule{{ID: "r", Severity: SeverityLow, Remediation: "{{.AppID", Predicate: Predicate{Kind: KindThreshold, KPI: "x", Op: ">", Value: 1}}}
		}, "rules.r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := DefaultPolicy()
			tt.mutate(&p)
			_, err := Compile(p)
			if err == nil {
				t.Fatal("expected error")
			}
			var ce *ConfigurationError
			if !errors.As(err, &ce) {
				t.Fatalf("error %T is not a *ConfigurationError: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name field %q", err, tt.field)
			}
		})
	}
}

func TestPolicyHolder_ReloadKeepsPreviousOnError(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	var reloads []bool
	h, err := NewPolicyHolder(DefaultPolicy(), log.Nop(), rec, newFakeClock(), Hooks{
		OnReload: func(ok bool) { reloads = append(reloads, ok) },
	})
	if err != nil {
		t.Fatalf("NewPolicyHolder: %v", err)
	}
	before := h.Load()

	bad := DefaultPolicy()
	bad.Thresholds["orphan_accounts"] = Bands{SeverityLow: 10, SeverityMedium: 2}
	err = h.Reload(bad)
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("Reload error = %v, want *ConfigurationError", err)
	}
	if ce.Field != "policy" || !strings.Contains(err.Error(), "thresholds.orphan_accounts") {
		t.Errorf("Reload error = %q (field %q), want policy field naming the bad thresholds", err, ce.Field)
	}
	if h.Load() != before {
		t.Fatal("invalid reload replaced the policy")
	}
	if len(rec.ofType(AuditConfigRejected)) != 1 {
		t.Error("rejected reload was not audited")
	}

	good := DefaultPolicy()
	good.DedupWindow = time.Hour
	if err := h.Reload(good); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if h.Load().DedupWindow != time.Hour {
		t.Error("valid reload was not applied")
	}
	if before.DedupWindow != 24*time.Hour {
		t.Error("previous snapshot was mutated by reload")
	}
	if len(rec.ofType(AuditConfigReloaded)) != 1 {
		t.Error("reload was not audited")
	}
	if len(reloads) != 2 || reloads[0] || !reloads[1] {
		t.Errorf("reload hooks = %v, want [false true]", reloads)
	}
}
