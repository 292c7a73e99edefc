package alerting

import (
	"fmt"
	"sync"
	"time"
)

// DedupAction is the outcome of a dedup check.
type DedupAction string

const (
	ActionDispatch DedupAction = "dispatch"
	ActionSuppress DedupAction = "suppress"
	ActionEscalate DedupAction = "escalate"
)

// Candidate is a violation offered for alerting.
type Candidate struct {
	AppID    string
	RuleID   string
	Severity Severity
	State    ViolationState
	Eligible bool
}

// Decision is the dedup verdict for a candidate.
type Decision struct {
	Action DedupAction
	Reason string
	// LastDispatched is the severity of the previous dispatch for the
	// (app, rule) pair, SeverityNone if there was none.
	LastDispatched Severity
}

// Dispatches reports whether an alert should be sent.
func (d Decision) Dispatches() bool {
	return d.Action == ActionDispatch || d.Action == ActionEscalate
}

type dedupKey struct {
	app, rule string
	sev       Severity
}

type pairKey struct {
	app, rule string
}

type lastDispatch struct {
	sev Severity
	at  time.Time
}

// Deduplicator suppresses repeat dispatches within a window. Its state is
// advisory and in-memory only. Check-and-refresh is serialized per
// (app, rule) so concurrent severities of one rule cannot both dispatch.
type Deduplicator struct {
	mu      sync.Mutex
	locks   map[pairKey]*sync.Mutex
	entries map[dedupKey]time.Time
	last    map[pairKey]lastDispatch
}

// NewDeduplicator returns an empty Deduplicator.
func NewDeduplicator() *Deduplicator {
	return &Deduplicator{
		locks:   make(map[pairKey]*sync.Mutex),
		entries: make(map[dedupKey]time.Time),
		last:    make(map[pairKey]lastDispatch),
	}
}

func (d *Deduplicator) lockFor(k pairKey) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[k]
	if !ok {
		l = &sync.Mutex{}
		d.locks[k] = l
	}
	return l
}

// Check decides whether c dispatches, and records the dispatch when it does.
// delta is the number of severity steps an increase must exceed to escalate
// through a fresh entry; 0 escalates on any strict increase.
func (d *Deduplicator) Check(c Candidate, window time.Duration, delta int, now time.Time) Decision {
	pk := pairKey{c.AppID, c.RuleID}
	l := d.lockFor(pk)
	l.Lock()
	defer l.Unlock()

	d.mu.Lock()
	at, hasEntry := d.entries[dedupKey{c.AppID, c.RuleID, c.Severity}]
	prev, hasPrev := d.last[pk]
	d.mu.Unlock()

	fresh := hasEntry && now.Sub(at) < window
	prevFresh := hasPrev && now.Sub(prev.at) < window

	var dec Decision
	if hasPrev {
		dec.LastDispatched = prev.sev
	}
	switch {
	case !fresh && prevFresh && int(c.Severity-prev.sev) > delta:
		dec.Action = ActionEscalate
		dec.Reason = fmt.Sprintf("severity increased from %s to %s", prev.sev, c.Severity)
	case !fresh && hasEntry:
		dec.Action = ActionDispatch
		dec.Reason = "dedup window expired"
	case !fresh:
		dec.Action = ActionDispatch
		dec.Reason = "no prior dispatch at this severity"
	case prevFresh && int(c.Severity-prev.sev) > delta:
		dec.Action = ActionEscalate
		dec.Reason = fmt.Sprintf("severity increased from %s to %s", prev.sev, c.Severity)
	default:
		dec.Action = ActionSuppress
		dec.Reason = fmt.Sprintf("%s already dispatched %s ago, within %s window", c.Severity, now.Sub(at).Round(time.Second), window)
		return dec
	}

	d.mu.Lock()
	d.entries[dedupKey{c.AppID, c.RuleID, c.Severity}] = now
	d.last[pk] = lastDispatch{sev: c.Severity, at: now}
	d.mu.Unlock()
	return dec
}

// Prune evicts entries older than window and returns how many were removed.
func (d *Deduplicator) Prune(now time.Time, window time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for k, at := range d.entries {
		if now.Sub(at) >= window {
			delete(d.entries, k)
			n++
		}
	}
	for k, ld := range d.last {
		if now.Sub(ld.at) >= window {
			delete(d.last, k)
		}
	}
	return n
}

// Len returns the number of live entries.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
