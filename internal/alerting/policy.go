package alerting

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// PersonaRole is the kind of recipient a persona represents.
type PersonaRole string

const (
	RoleComplianceOfficer PersonaRole = "compliance_officer"
	RoleAppOwner          PersonaRole = "app_owner"
	RoleSecondary         PersonaRole = "secondary"
	RoleOperator          PersonaRole = "operator"
)

// Persona is a recipient role with its own routing preferences.
type Persona struct {
	Name        string      `json:"name"`
	Role        PersonaRole `json:"role"`
	MinSeverity Severity    `json:"min_severity,omitempty"`
	Channels    []string    `json:"channels,omitempty"`
	Recipients  []string    `json:"recipients,omitempty"`
}

// DeliveryTier is the channel plan for one severity.
type DeliveryTier struct {
	// Channels are attempted concurrently.
	Channels []string
	// Mandatory channels keep retrying after another channel delivers.
	Mandatory []string
	// Primary is the channel whose exhaustion triggers Fallback.
	Primary  string
	Fallback string
}

// RetryPolicy bounds retries on one channel.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
}

// RateLimit is a steady per-channel send rate.
type RateLimit struct {
	PerMinute float64
	Burst     int
}

// Policy is an immutable configuration snapshot. Build one with Compile and
// never mutate it afterwards; hand it to components as an explicit argument.
type Policy struct {
	Thresholds        map[string]Bands
	AppThresholds     map[string]map[string]Bands
	Rules             []Rule
	Personas          []Persona
	Owners            map[string]string // app ID -> persona name
	SecondaryPersonas []string
	OperatorChannels  []string
	Tiers             map[Severity]DeliveryTier
	Retry             map[string]RetryPolicy
	RateLimits        map[string]RateLimit
	RateLimitBackoff  time.Duration
	DedupWindow       time.Duration
	EscalationDelta   int
	AckTimeout        time.Duration
	Retention         time.Duration
	StageBudget       time.Duration
	RiskElevation     float64

	personas map[string]Persona
}

const (
	defaultDedupWindow      = 24 * time.Hour
	defaultAckTimeout       = time.Hour
	defaultRetention        = 30 * 24 * time.Hour
	defaultStageBudget      = 2 * time.Minute
	defaultRiskElevation    = 80
	defaultRateLimitBackoff = 30 * time.Second
)

// DefaultRetry returns the built-in retry policy for a channel.
func DefaultRetry(channel string) RetryPolicy {
	rp := RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
	if channel == "email" {
		rp.MaxAttempts = 5
		rp.InitialInterval = 2 * time.Second
		rp.MaxInterval = time.Minute
	}
	return rp
}

// DefaultTiers returns the built-in channel plan: chat first with email as
// the fallback, and email mandatory for CRITICAL.
func DefaultTiers() map[Severity]DeliveryTier {
	return map[Severity]DeliveryTier{
		SeverityCritical: {Channels: []string{"slack", "email"}, Mandatory: []string{"email"}, Primary: "slack", Fallback: "email"},
		SeverityHigh:     {Channels: []string{"slack"}, Primary: "slack", Fallback: "email"},
		SeverityMedium:   {Channels: []string{"slack"}, Primary: "slack", Fallback: "email"},
		SeverityLow:      {Channels: []string{"slack"}, Primary: "slack", Fallback: "email"},
	}
}

// DefaultPolicy returns a usable policy for the common UAM KPIs.
func DefaultPolicy() Policy {
	return Policy{
		Thresholds: map[string]Bands{
			"orphan_accounts":        {SeverityLow: 1, SeverityMedium: 3, SeverityHigh: 5, SeverityCritical: 10},
			"dormant_accounts":       {SeverityLow: 5, SeverityMedium: 10, SeverityHigh: 25, SeverityCritical: 50},
			"privileged_accounts":    {SeverityMedium: 10, SeverityHigh: 20, SeverityCritical: 40},
			"failed_access_attempts": {SeverityLow: 10, SeverityMedium: 50, SeverityHigh: 100, SeverityCritical: 500},
		},
		Personas: []Persona{
			{Name: "compliance_officer", Role: RoleComplianceOfficer},
			{Name: "security_lead", Role: RoleSecondary, Channels: []string{"slack", "email"}},
		},
		SecondaryPersonas: []string{"security_lead"},
		OperatorChannels:  []string{"slack"},
	}
}

// Compile fills defaults, validates and indexes p, returning the snapshot to
// use. p is not modified.
func Compile(p Policy) (*Policy, error) {
	out := p
	out.Thresholds = cloneBands(p.Thresholds)
	if p.AppThresholds != nil {
		out.AppThresholds = make(map[string]map[string]Bands, len(p.AppThresholds))
		for app, th := range p.AppThresholds {
			out.AppThresholds[app] = cloneBands(th)
		}
	}
	out.Rules = slices.Clone(p.Rules)
	out.Personas = slices.Clone(p.Personas)
	out.Owners = maps.Clone(p.Owners)
	out.Tiers = maps.Clone(p.Tiers)
	out.Retry = maps.Clone(p.Retry)
	out.RateLimits = maps.Clone(p.RateLimits)

	if out.Tiers == nil {
		out.Tiers = make(map[Severity]DeliveryTier)
	}
	for sev, t := range DefaultTiers() {
		if _, ok := out.Tiers[sev]; !ok {
			out.Tiers[sev] = t
		}
	}
	if out.Retry == nil {
		out.Retry = make(map[string]RetryPolicy)
	}
	for name, rp := range out.Retry {
		def := DefaultRetry(name)
		if rp.InitialInterval == 0 {
			rp.InitialInterval = def.InitialInterval
		}
		if rp.MaxInterval == 0 {
			rp.MaxInterval = def.MaxInterval
		}
		if rp.Multiplier == 0 {
			rp.Multiplier = def.Multiplier
		}
		out.Retry[name] = rp
	}
	if out.DedupWindow == 0 {
		out.DedupWindow = defaultDedupWindow
	}
	if out.AckTimeout == 0 {
		out.AckTimeout = defaultAckTimeout
	}
	if out.Retention == 0 {
		out.Retention = defaultRetention
	}
	if out.StageBudget == 0 {
		out.StageBudget = defaultStageBudget
	}
	if out.RiskElevation == 0 {
		out.RiskElevation = defaultRiskElevation
	}
	if out.RateLimitBackoff == 0 {
		out.RateLimitBackoff = defaultRateLimitBackoff
	}

	if err := out.validate(); err != nil {
		return nil, err
	}

	out.personas = make(map[string]Persona, len(out.Personas))
	for _, ps := range out.Personas {
		out.personas[ps.Name] = ps
	}
	for i := range out.Rules {
		// templates parsed successfully in validate
		out.Rules[i].tmpl, _ = parseRemediation(out.Rules[i].ID, out.Rules[i].Remediation)
	}
	return &out, nil
}

func (p *Policy) validate() error {
	var errs []error

	for kpi, b := range p.Thresholds {
		if err := b.Validate(); err != nil {
			errs = append(errs, withField(err, "thresholds."+kpi))
		}
	}
	for app, kpis := range p.AppThresholds {
		for kpi, b := range kpis {
			if err := b.Validate(); err != nil {
				errs = append(errs, withField(err, "app_thresholds."+app+"."+kpi))
			}
		}
	}

	if err := validateRules(p.Rules); err != nil {
		errs = append(errs, err)
	}

	names := make(map[string]bool, len(p.Personas))
	officers := 0
	for i, ps := range p.Personas {
		field := fmt.Sprintf("personas[%d]", i)
		switch {
		case ps.Name == "":
			errs = append(errs, configErr(field, "name is required"))
		case names[ps.Name]:
			errs = append(errs, configErr(field, "duplicate persona %q", ps.Name))
		}
		names[ps.Name] = true
		switch ps.Role {
		case RoleComplianceOfficer:
			officers++
		case RoleAppOwner, RoleSecondary, RoleOperator:
		default:
			errs = append(errs, configErr(field, "unknown role %q", ps.Role))
		}
		if ps.MinSeverity != SeverityNone && !ps.MinSeverity.Valid() {
			errs = append(errs, configErr(field, "invalid min severity"))
		}
	}
	if officers == 0 {
		errs = append(errs, configErr("personas", "at least one %s persona is required", RoleComplianceOfficer))
	}
	for app, name := range p.Owners {
		if !names[name] {
			errs = append(errs, configErr("owners."+app, "unknown persona %q", name))
		}
	}
	for _, name := range p.SecondaryPersonas {
		if !names[name] {
			errs = append(errs, configErr("secondary_personas", "unknown persona %q", name))
		}
	}

	for sev, t := range p.Tiers {
		field := "tiers." + sev.String()
		if !sev.Valid() {
			errs = append(errs, configErr(field, "unknown severity"))
			continue
		}
		if len(t.Channels) == 0 {
			errs = append(errs, configErr(field, "at least one channel is required"))
		}
		for _, m := range t.Mandatory {
			if !slices.Contains(t.Channels, m) {
				errs = append(errs, configErr(field, "mandatory channel %q is not in channels", m))
			}
		}
		if t.Primary != "" && !slices.Contains(t.Channels, t.Primary) {
			errs = append(errs, configErr(field, "primary channel %q is not in channels", t.Primary))
		}
	}
	for name, rp := range p.Retry {
		if rp.MaxAttempts < 1 {
			errs = append(errs, configErr("retry."+name, "max attempts must be at least 1"))
		}
		if rp.Jitter < 0 || rp.Jitter >= 1 {
			errs = append(errs, configErr("retry."+name, "jitter must be in [0,1)"))
		}
	}
	for name, rl := range p.RateLimits {
		if rl.PerMinute <= 0 || rl.Burst < 1 {
			errs = append(errs, configErr("rate_limits."+name, "per_minute and burst must be positive"))
		}
	}

	if p.DedupWindow < 0 {
		errs = append(errs, configErr("dedup_window", "must be positive"))
	}
	if p.EscalationDelta < 0 || p.EscalationDelta > 3 {
		errs = append(errs, configErr("escalation_delta", "must be in 0..3"))
	}
	if p.AckTimeout < 0 {
		errs = append(errs, configErr("ack_timeout", "must be positive"))
	}
	if p.Retention < 0 {
		errs = append(errs, configErr("retention", "must be positive"))
	}
	if p.RiskElevation < 0 || p.RiskElevation > 100 {
		errs = append(errs, configErr("risk_elevation", "must be in 0..100"))
	}

	return errors.Join(errs...)
}

func withField(err error, field string) error {
	var ce *ConfigurationError
	if errors.As(err, &ce) && ce.Field == "" {
		return &ConfigurationError{Field: field, Msg: ce.Msg}
	}
	return err
}

// Persona looks up a persona by name.
func (p *Policy) Persona(name string) (Persona, bool) {
	ps, ok := p.personas[name]
	return ps, ok
}

// Officers returns the compliance officer personas.
func (p *Policy) Officers() []Persona {
	var out []Persona
	for _, ps := range p.Personas {
		if ps.Role == RoleComplianceOfficer {
			out = append(out, ps)
		}
	}
	return out
}

// Tier returns the delivery tier for a severity.
func (p *Policy) Tier(sev Severity) DeliveryTier {
	if t, ok := p.Tiers[sev]; ok {
		return t
	}
	return DefaultTiers()[SeverityLow]
}

// RetryFor returns the retry policy of a channel.
func (p *Policy) RetryFor(channel string) RetryPolicy {
	if rp, ok := p.Retry[channel]; ok {
		return rp
	}
	return DefaultRetry(channel)
}

// PolicyHolder publishes the current Policy and swaps it atomically on reload.
type PolicyHolder struct {
	cur     atomic.Pointer[Policy]
	logger  log.Logger
	auditor Auditor
	clock   Clock
	hooks   Hooks
}

// NewPolicyHolder compiles p and returns a holder serving it. A nil auditor
// or clock falls back to a no-op auditor and the system clock.
func NewPolicyHolder(p Policy, logger log.Logger, auditor Auditor, clock Clock, hooks Hooks) (*PolicyHolder, error) {
	compiled, err := Compile(p)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Nop()
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	if clock == nil {
		clock = SystemClock{}
	}
	h := &PolicyHolder{logger: logger, auditor: auditor, clock: clock, hooks: hooks}
	h.cur.Store(compiled)
	return h, nil
}

func cloneBands(in map[string]Bands) map[string]Bands {
	if in == nil {
		return nil
	}
	out := make(map[string]Bands, len(in))
	for kpi, b := range in {
		out[kpi] = maps.Clone(b)
	}
	return out
}

// Load returns the current snapshot.
func (h *PolicyHolder) Load() *Policy {
	return h.cur.Load()
}

// Reload validates p and swaps it in. On error the previous snapshot stays in
// force.
func (h *PolicyHolder) Reload(p Policy) error {
	ctx := context.Background()
	compiled, err := Compile(p)
	if err != nil {
		err = &ConfigurationError{Field: "policy", Msg: "reload rejected", Err: err}
		h.logger.Error(ctx, err, "policy reload rejected, keeping previous policy")
		emit(ctx, h.auditor, h.clock, AuditEvent{Type: AuditConfigRejected, Reason: err.Error()})
		h.hooks.reload(false)
		return err
	}
	h.cur.Store(compiled)
	h.logger.Info(ctx, "policy reloaded",
		"thresholds", len(compiled.Thresholds),
		"rules", len(compiled.Rules),
		"personas", len(compiled.Personas),
	)
	emit(ctx, h.auditor, h.clock, AuditEvent{Type: AuditConfigReloaded, Details: map[string]string{
		"rules":      fmt.Sprint(len(compiled.Rules)),
		"thresholds": fmt.Sprint(len(compiled.Thresholds)),
	}})
	h.hooks.reload(true)
	return nil
}
