package alerting

import (
	"fmt"
	"maps"
	"math"
)

// Bands maps a severity level to the KPI value at which it is breached.
// Levels may be omitted. Configured values strictly increase with severity.
type Bands map[Severity]float64

// Validate checks that the configured levels are known and strictly increasing.
func (b Bands) Validate() error {
	if len(b) == 0 {
		return &ConfigurationError{Msg: "no severity levels configured"}
	}
	for sev, v := range b {
		if !sev.Valid() {
			return &ConfigurationError{Msg: fmt.Sprintf("unknown severity level %d", int(sev))}
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &ConfigurationError{Msg: fmt.Sprintf("%s bound is not a finite number", sev)}
		}
	}
	prevSev, prevVal, have := SeverityNone, 0.0, false
	for _, sev := range Severities {
		v, ok := b[sev]
		if !ok {
			continue
		}
		if have && v <= prevVal {
			return &ConfigurationError{Msg: fmt.Sprintf("%s bound %g must be greater than %s bound %g", sev, v, prevSev, prevVal)}
		}
		prevSev, prevVal, have = sev, v, true
	}
	return nil
}

// Evaluate returns the highest configured severity whose bound v reaches, or
// SeverityNone. Bands must have been validated.
func (b Bands) Evaluate(v float64) Severity {
	for i := len(Severities) - 1; i >= 0; i-- {
		sev := Severities[i]
		bound, ok := b[sev]
		if ok && v >= bound {
			return sev
		}
	}
	return SeverityNone
}

// BandsFor returns the bands in force for an application. A per-application
// override replaces the global bands of that KPI entirely.
func (p *Policy) BandsFor(appID string) map[string]Bands {
	out := maps.Clone(p.Thresholds)
	if out == nil {
		out = make(map[string]Bands)
	}
	for kpi, b := range p.AppThresholds[appID] {
		out[kpi] = b
	}
	return out
}
