// Package memstore provides an in-memory implementation of alerting.Store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/warden/internal/alerting"
)

// Store holds violations and alerts in memory. Suitable for dev/testing.
type Store struct {
	mu         sync.RWMutex
	violations map[string]*alerting.ViolationRecord // violation ID -> record
	alerts     map[string]*alerting.AlertRecord     // alert ID -> record
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		violations: make(map[string]*alerting.ViolationRecord),
		alerts:     make(map[string]*alerting.AlertRecord),
	}
}

// PutViolation stores a copy of the violation, replacing any with the same ID.
func (s *Store) PutViolation(_ context.Context, v *alerting.ViolationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations[v.ID] = v.Clone()
	return nil
}

// GetViolation retrieves a violation by ID. Returns a copy.
func (s *Store) GetViolation(_ context.Context, id string) (*alerting.ViolationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.violations[id]
	if !ok {
		return nil, false, nil
	}
	return v.Clone(), true, nil
}

// OpenViolations returns copies of the application's open violations.
func (s *Store) OpenViolations(ctx context.Context, appID string) ([]*alerting.ViolationRecord, error) {
	return s.QueryViolations(ctx, alerting.ViolationQuery{
		AppID:  appID,
		States: []alerting.ViolationState{alerting.StateNew, alerting.StateRecurring},
	})
}

// QueryViolations returns copies of matching violations, newest first.
func (s *Store) QueryViolations(_ context.Context, q alerting.ViolationQuery) ([]*alerting.ViolationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alerting.ViolationRecord
	for _, v := range s.violations {
		if q.Match(v) {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// PruneResolved deletes violations resolved before the cutoff.
func (s *Store) PruneResolved(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, v := range s.violations {
		if v.State == alerting.StateResolved && v.ResolvedAt != nil && v.ResolvedAt.Before(before) {
			delete(s.violations, id)
			n++
		}
	}
	return n, nil
}

// PutAlert stores a copy of the alert, replacing any with the same ID.
func (s *Store) PutAlert(_ context.Context, a *alerting.AlertRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a.Clone()
	return nil
}

// UpdateAlert applies fn to a copy of the stored alert under the write lock
// and stores the result.
func (s *Store) UpdateAlert(_ context.Context, id string, fn func(a *alerting.AlertRecord) error) (*alerting.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[id]
	if !ok {
		return nil, alerting.ErrNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.alerts[id] = next
	return next.Clone(), nil
}

// GetAlert retrieves an alert by ID. Returns a copy.
func (s *Store) GetAlert(_ context.Context, id string) (*alerting.AlertRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, false, nil
	}
	return a.Clone(), true, nil
}

// QueryAlerts returns copies of matching alerts, newest first.
func (s *Store) QueryAlerts(_ context.Context, q alerting.AlertQuery) ([]*alerting.AlertRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*alerting.AlertRecord
	for _, a := range s.alerts {
		if q.Match(a) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
