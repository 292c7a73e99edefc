// Package policyfile reads the alerting policy from YAML.
//
// Each top-level section present in the document replaces the matching
// section of alerting.DefaultPolicy wholesale; absent sections keep the
// defaults.
package policyfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// Document is the on-disk policy format.
type Document struct {
	Thresholds        map[string]map[string]float64            `yaml:"thresholds"`
	AppThresholds     map[string]map[string]map[string]float64 `yaml:"app_thresholds"`
	Rules             []RuleDoc                                `yaml:"rules"`
	Personas          []PersonaDoc                             `yaml:"personas"`
	Owners            map[string]string                        `yaml:"owners"`
	SecondaryPersonas []string                                 `yaml:"secondary_personas"`
	OperatorChannels  []string                                 `yaml:"operator_channels"`
	Tiers             map[string]TierDoc                       `yaml:"tiers"`
	Retry             map[string]RetryDoc                      `yaml:"retry"`
	RateLimits        map[string]RateLimitDoc                  `yaml:"rate_limits"`
	RateLimitBackoff  time.Duration                            `yaml:"rate_limit_backoff"`
	DedupWindow       time.Duration                            `yaml:"dedup_window"`
	EscalationDelta   int                                      `yaml:"escalation_delta"`
	AckTimeout        time.Duration                            `yaml:"ack_timeout"`
	Retention         time.Duration                            `yaml:"retention"`
	StageBudget       time.Duration                            `yaml:"stage_budget"`
	RiskElevation     float64                                  `yaml:"risk_elevation"`
}

// RuleDoc is one custom rule.
type RuleDoc struct {
	ID              string       `yaml:"id"`
	Description     string       `yaml:"description"`
	Severity        string       `yaml:"severity"`
	Predicate       PredicateDoc `yaml:"predicate"`
	Remediation     string       `yaml:"remediation"`
	Recommendations []string     `yaml:"recommendations"`
}

// PredicateDoc mirrors alerting.Predicate.
type PredicateDoc struct {
	Kind           string         `yaml:"kind"`
	KPI            string         `yaml:"kpi"`
	Op             string         `yaml:"op"`
	Value          float64        `yaml:"value"`
	ForbiddenPairs [][]string     `yaml:"forbidden_pairs"`
	CrossApp       bool           `yaml:"cross_app"`
	Of             []PredicateDoc `yaml:"of"`
}

// PersonaDoc is one recipient persona.
type PersonaDoc struct {
	Name        string   `yaml:"name"`
	Role        string   `yaml:"role"`
	MinSeverity string   `yaml:"min_severity"`
	Channels    []string `yaml:"channels"`
	Recipients  []string `yaml:"recipients"`
}

// TierDoc is the channel plan for one severity.
type TierDoc struct {
	Channels  []string `yaml:"channels"`
	Mandatory []string `yaml:"mandatory"`
	Primary   string   `yaml:"primary"`
	Fallback  string   `yaml:"fallback"`
}

// RetryDoc bounds retries on one channel.
type RetryDoc struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	Jitter          float64       `yaml:"jitter"`
}

// RateLimitDoc is a steady send rate.
type RateLimitDoc struct {
	PerMinute float64 `yaml:"per_minute"`
	Burst     int     `yaml:"burst"`
}

// Load reads and converts the policy at path. The result still needs
// alerting.Compile (or PolicyHolder.Reload) to be validated.
func Load(path string) (alerting.Policy, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator config
	if err != nil {
		return alerting.Policy{}, fmt.Errorf("policyfile: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document. Unknown keys are rejected.
func Parse(data []byte) (alerting.Policy, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return alerting.Policy{}, fmt.Errorf("policyfile: decode: %w", err)
	}
	return doc.Policy()
}

// Policy converts the document, overlaying it on alerting.DefaultPolicy.
func (d *Document) Policy() (alerting.Policy, error) {
	p := alerting.DefaultPolicy()
	var errs []error

	if d.Thresholds != nil {
		p.Thresholds = make(map[string]alerting.Bands, len(d.Thresholds))
		for kpi, raw := range d.Thresholds {
			b, err := bands(raw)
			if err != nil {
				errs = append(errs, fieldErr("thresholds."+kpi, err))
				continue
			}
			p.Thresholds[kpi] = b
		}
	}
	if d.AppThresholds != nil {
		p.AppThresholds = make(map[string]map[string]alerting.Bands, len(d.AppThresholds))
		for app, kpis := range d.AppThresholds {
			m := make(map[string]alerting.Bands, len(kpis))
			for kpi, raw := range kpis {
				b, err := bands(raw)
				if err != nil {
					errs = append(errs, fieldErr("app_thresholds."+app+"."+kpi, err))
					continue
				}
				m[kpi] = b
			}
			p.AppThresholds[app] = m
		}
	}
	if d.Rules != nil {
		p.Rules = make([]alerting.Rule, 0, len(d.Rules))
		for i, rd := range d.Rules {
			r, err := rd.rule()
			if err != nil {
				errs = append(errs, fieldErr(fmt.Sprintf("rules[%d]", i), err))
				continue
			}
			p.Rules = append(p.Rules, r)
		}
	}
	if d.Personas != nil {
		p.Personas = make([]alerting.Persona, 0, len(d.Personas))
		for i, pd := range d.Personas {
			sev, err := alerting.ParseSeverity(pd.MinSeverity)
			if err != nil {
				errs = append(errs, fieldErr(fmt.Sprintf("personas[%d].min_severity", i), err))
			}
			p.Personas = append(p.Personas, alerting.Persona{
				Name:        pd.Name,
				Role:        alerting.PersonaRole(pd.Role),
				MinSeverity: sev,
				Channels:    pd.Channels,
				Recipients:  pd.Recipients,
			})
		}
	}
	if d.Owners != nil {
		p.Owners = d.Owners
	}
	if d.SecondaryPersonas != nil {
		p.SecondaryPersonas = d.SecondaryPersonas
	}
	if d.OperatorChannels != nil {
		p.OperatorChannels = d.OperatorChannels
	}
	if d.Tiers != nil {
		p.Tiers = make(map[alerting.Severity]alerting.DeliveryTier, len(d.Tiers))
		for name, td := range d.Tiers {
			sev, err := alerting.ParseSeverity(name)
			if err != nil || !sev.Valid() {
				errs = append(errs, fieldErr("tiers."+name, fmt.Errorf("unknown severity %q", name)))
				continue
			}
			p.Tiers[sev] = alerting.DeliveryTier(td)
		}
	}
	if d.Retry != nil {
		p.Retry = make(map[string]alerting.RetryPolicy, len(d.Retry))
		for ch, rd := range d.Retry {
			p.Retry[ch] = alerting.RetryPolicy(rd)
		}
	}
	if d.RateLimits != nil {
		p.RateLimits = make(map[string]alerting.RateLimit, len(d.RateLimits))
		for ch, rl := range d.RateLimits {
			p.RateLimits[ch] = alerting.RateLimit(rl)
		}
	}

	p.RateLimitBackoff = d.RateLimitBackoff
	p.DedupWindow = d.DedupWindow
	p.EscalationDelta = d.EscalationDelta
	p.AckTimeout = d.AckTimeout
	p.Retention = d.Retention
	p.StageBudget = d.StageBudget
	p.RiskElevation = d.RiskElevation

	if err := errors.Join(errs...); err != nil {
		return alerting.Policy{}, err
	}
	return p, nil
}

func bands(raw map[string]float64) (alerting.Bands, error) {
	b := make(alerting.Bands, len(raw))
	for name, v := range raw {
		sev, err := alerting.ParseSeverity(name)
		if err != nil {
			return nil, err
		}
		if !sev.Valid() {
			return nil, fmt.Errorf("unknown severity %q", name)
		}
		b[sev] = v
	}
	return b, nil
}

func (rd RuleDoc) rule() (alerting.Rule, error) {
	sev, err := alerting.ParseSeverity(rd.Severity)
	if err != nil {
		return alerting.Rule{}, err
	}
	pred, err := rd.Predicate.predicate()
	if err != nil {
		return alerting.Rule{}, err
	}
	return alerting.Rule{
		ID:              rd.ID,
		Description:     rd.Description,
		Severity:        sev,
		Predicate:       pred,
		Remediation:     rd.Remediation,
		Recommendations: rd.Recommendations,
	}, nil
}

func (pd PredicateDoc) predicate() (alerting.Predicate, error) {
	p := alerting.Predicate{
		Kind:     alerting.PredicateKind(pd.Kind),
		KPI:      pd.KPI,
		Op:       pd.Op,
		Value:    pd.Value,
		CrossApp: pd.CrossApp,
	}
	for _, pair := range pd.ForbiddenPairs {
		if len(pair) != 2 {
			return alerting.Predicate{}, fmt.Errorf("forbidden pair %v must have exactly two permissions", pair)
		}
		p.ForbiddenPairs = append(p.ForbiddenPairs, [2]string{pair[0], pair[1]})
	}
	for _, sub := range pd.Of {
		sp, err := sub.predicate()
		if err != nil {
			return alerting.Predicate{}, err
		}
		p.Of = append(p.Of, sp)
	}
	return p, nil
}

func fieldErr(field string, err error) error {
	return &alerting.ConfigurationError{Field: field, Msg: err.Error()}
}
