// Package alerting is the policy evaluation and alert dispatch core of Warden.
// It evaluates KPI snapshots against threshold bands and rules, tracks the
// lifecycle of violations, deduplicates and escalates alert candidates, routes
// them to personas, and delivers them over concurrent channels with retry and
// fallback. Persistence, audit, delivery and time are consumed through ports
// (Store, Auditor, Sender, Clock) so the pipeline stays deterministic in tests.
package alerting
