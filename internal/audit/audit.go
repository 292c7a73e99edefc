// Package audit keeps the compliance audit trail: an in-memory ring buffer
// for the query API plus sinks that forward events elsewhere.
package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// DefaultCapacity bounds the ring buffer when NewLog is given zero.
const DefaultCapacity = 10000

// Log is a bounded, append-only audit log. The oldest events are dropped
// once capacity is reached.
type Log struct {
	mu     sync.RWMutex
	events []alerting.AuditEvent
	next   int
	full   bool
}

// NewLog creates a ring buffer holding up to capacity events.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{events: make([]alerting.AuditEvent, capacity)}
}

// Record implements alerting.Auditor.
func (l *Log) Record(_ context.Context, ev alerting.AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = ev
	l.next++
	if l.next == len(l.events) {
		l.next = 0
		l.full = true
	}
}

// Filter selects events. Zero fields match everything; Limit 0 means all.
type Filter struct {
	Types   []alerting.AuditType
	AppID   string
	AlertID string
	Since   time.Time
	Until   time.Time
	Limit   int
}

func (f Filter) match(ev *alerting.AuditEvent) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if ev.Type == t {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.AppID != "" && ev.AppID != f.AppID {
		return false
	}
	if f.AlertID != "" && ev.AlertID != f.AlertID {
		return false
	}
	if !f.Since.IsZero() && ev.At.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.At.After(f.Until) {
		return false
	}
	return true
}

// Query returns matching events, newest first.
func (l *Log) Query(f Filter) []alerting.AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.lenLocked()
	var out []alerting.AuditEvent
	for i := 1; i <= n; i++ {
		ev := &l.events[(l.next-i+len(l.events))%len(l.events)]
		if !f.match(ev) {
			continue
		}
		out = append(out, *ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Count returns the number of retained events.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lenLocked()
}

// CountByType tallies retained events per type.
func (l *Log) CountByType() map[alerting.AuditType]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[alerting.AuditType]int)
	for i := range l.lenLocked() {
		out[l.events[i].Type]++
	}
	return out
}

func (l *Log) lenLocked() int {
	if l.full {
		return len(l.events)
	}
	return l.next
}

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger log.Logger
}

// NewLogSink creates a sink over logger.
func NewLogSink(logger log.Logger) *LogSink {
	if logger == nil {
		logger = log.Nop()
	}
	return &LogSink{logger: logger}
}

// Record implements alerting.Auditor.
func (s *LogSink) Record(ctx context.Context, ev alerting.AuditEvent) {
	kv := []any{"audit_id", ev.ID, "type", string(ev.Type)}
	if ev.AppID != "" {
		kv = append(kv, "app_id", ev.AppID)
	}
	if ev.RuleID != "" {
		kv = append(kv, "rule_id", ev.RuleID)
	}
	if ev.ViolationID != "" {
		kv = append(kv, "violation_id", ev.ViolationID)
	}
	if ev.AlertID != "" {
		kv = append(kv, "alert_id", ev.AlertID)
	}
	if ev.Severity != alerting.SeverityNone {
		kv = append(kv, "severity", ev.Severity.String())
	}
	if ev.Channel != "" {
		kv = append(kv, "channel", ev.Channel)
	}
	if ev.Reason != "" {
		kv = append(kv, "reason", ev.Reason)
	}
	keys := make([]string, 0, len(ev.Details))
	for k := range ev.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		kv = append(kv, k, ev.Details[k])
	}
	s.logger.Info(ctx, "audit", kv...)
}

// Multi fans an event out to every auditor in order.
type Multi []alerting.Auditor

// Record implements alerting.Auditor.
func (m Multi) Record(ctx context.Context, ev alerting.AuditEvent) {
	for _, a := range m {
		a.Record(ctx, ev)
	}
}
