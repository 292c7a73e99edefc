package alerting

import (
	"fmt"
	"slices"
)

// RouteInput is what the router needs to know about an alert.
type RouteInput struct {
	AppID    string
	Severity Severity
	Risk     *RiskScore
	// MetadataOwner is the owner from the app snapshot, used when the policy
	// has no ownership entry for the application.
	MetadataOwner string
}

// Route is one persona and the channels to reach it on.
type Route struct {
	Persona  Persona
	Channels []string
}

// RouteNote is a routing fallback worth recording in the audit trail.
type RouteNote struct {
	Type    AuditType
	Message string
}

// RoutePersonas maps an alert to its recipients. CRITICAL and HIGH always
// reach compliance officers, every severity reaches the owning persona, and
// persona minimum severities filter both.
func RoutePersonas(in RouteInput, p *Policy) (routes []Route, notes []RouteNote) {
	effective := in.Severity
	if in.Risk != nil && in.Risk.Score >= p.RiskElevation && effective < SeverityHigh {
		effective = SeverityHigh
		notes = append(notes, RouteNote{
			Type:    AuditRouteElevated,
			Message: fmt.Sprintf("risk score %.0f elevated routing to %s", in.Risk.Score, SeverityHigh),
		})
	}

	owner, hasOwner := ownerFor(in, p)
	if !hasOwner {
		notes = append(notes, RouteNote{
			Type:    AuditRouteNoOwner,
			Message: fmt.Sprintf("no owner configured for %s, routed to compliance officers only", in.AppID),
		})
	}

	seen := make(map[string]bool)
	add := func(ps Persona) {
		if seen[ps.Name] {
			return
		}
		if ps.MinSeverity.Valid() && effective < ps.MinSeverity {
			return
		}
		seen[ps.Name] = true
		routes = append(routes, Route{Persona: ps, Channels: channelsFor(ps, in.Severity, p)})
	}

	if effective >= SeverityHigh || !hasOwner {
		for _, ps := range p.Officers() {
			add(ps)
		}
	}
	if hasOwner {
		add(owner)
	}
	return routes, notes
}

func ownerFor(in RouteInput, p *Policy) (Persona, bool) {
	if name, ok := p.Owners[in.AppID]; ok {
		if ps, ok := p.Persona(name); ok {
			return ps, true
		}
	}
	if in.MetadataOwner != "" {
		return Persona{
			Name:       "owner:" + in.AppID,
			Role:       RoleAppOwner,
			Recipients: []string{in.MetadataOwner},
		}, true
	}
	return Persona{}, false
}

func channelsFor(ps Persona, sev Severity, p *Policy) []string {
	if len(ps.Channels) > 0 {
		return slices.Clone(ps.Channels)
	}
	return slices.Clone(p.Tier(sev).Channels)
}
