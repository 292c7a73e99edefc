package alerting

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const defaultStorageAttempts = 3

// RunReport summarizes one pipeline run.
type RunReport struct {
	RunID            string    `json:"run_id"`
	Status           string    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	Apps             int       `json:"apps"`
	New              int       `json:"new"`
	Recurring        int       `json:"recurring"`
	Resolved         int       `json:"resolved"`
	RuleFailures     int       `json:"rule_failures"`
	Dispatched       int       `json:"dispatched"`
	Escalated        int       `json:"escalated"`
	Suppressed       int       `json:"suppressed"`
	AlertsCreated    int       `json:"alerts_created"`
	Delivered        int       `json:"delivered"`
	FailedDelivery   int       `json:"failed_delivery"`
	Redelivered      int       `json:"redelivered"`
	UnackEscalations int       `json:"unack_escalations"`
	Unresolved       int       `json:"unresolved"`
	AlertIDs         []string  `json:"alert_ids,omitempty"`
	Errors           []string  `json:"errors,omitempty"`

	mu sync.Mutex
}

func (r *RunReport) update(fn func(r *RunReport)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

// MaintenanceReport summarizes one Maintain call.
type MaintenanceReport struct {
	PrunedViolations int `json:"pruned_violations"`
	PrunedDedup      int `json:"pruned_dedup"`
	Escalated        int `json:"escalated"`
}

// ServiceConfig wires a Service. Store, Policy and Dispatcher are required.
type ServiceConfig struct {
	Store      Store
	Policy     *PolicyHolder
	Dispatcher *Dispatcher
	Rules      *RuleEngine
	Dedup      *Deduplicator
	Auditor    Auditor
	Clock      Clock
	Logger     log.Logger
	Hooks      Hooks
	// Workers bounds concurrent application passes. Zero means GOMAXPROCS.
	Workers int
	// StorageAttempts bounds retries of each storage write. Zero means 3.
	StorageAttempts int
}

// Service is the business boundary of the alerting core. It composes the
// evaluation, tracking, dedup, routing and dispatch stages into runs.
type Service struct {
	store           Store
	policy          *PolicyHolder
	dispatcher      *Dispatcher
	rules           *RuleEngine
	dedup           *Deduplicator
	auditor         Auditor
	clock           Clock
	logger          log.Logger
	hooks           Hooks
	workers         int
	storageAttempts int

	appMu    sync.Mutex
	appLocks map[string]*sync.Mutex

	// escMu serializes redelivery and unacknowledged escalation sweeps.
	escMu sync.Mutex
}

// NewService creates a Service. It panics if a required dependency is missing.
func NewService(c ServiceConfig) *Service {
	if c.Store == nil || c.Policy == nil || c.Dispatcher == nil {
		panic(xerrors.New("alerting: store, policy and dispatcher are required"))
	}
	s := &Service{
		store:           c.Store,
		policy:          c.Policy,
		dispatcher:      c.Dispatcher,
		rules:           c.Rules,
		dedup:           c.Dedup,
		auditor:         c.Auditor,
		clock:           c.Clock,
		logger:          c.Logger,
		hooks:           c.Hooks,
		workers:         c.Workers,
		storageAttempts: c.StorageAttempts,
		appLocks:        make(map[string]*sync.Mutex),
	}
	if s.logger == nil {
		s.logger = log.Nop()
	}
	if s.rules == nil {
		s.rules = NewRuleEngine(s.logger)
	}
	if s.dedup == nil {
		s.dedup = NewDeduplicator()
	}
	if s.auditor == nil {
		s.auditor = nopAuditor{}
	}
	if s.clock == nil {
		s.clock = SystemClock{}
	}
	if s.workers <= 0 {
		s.workers = runtime.GOMAXPROCS(0)
	}
	if s.storageAttempts <= 0 {
		s.storageAttempts = defaultStorageAttempts
	}
	return s
}

// Policy returns the policy in force.
func (s *Service) Policy() *Policy {
	return s.policy.Load()
}

func (s *Service) appLock(appID string) *sync.Mutex {
	s.appMu.Lock()
	defer s.appMu.Unlock()
	l, ok := s.appLocks[appID]
	if !ok {
		l = &sync.Mutex{}
		s.appLocks[appID] = l
	}
	return l
}

// Run evaluates every application snapshot and dispatches the resulting
// alerts. Before evaluating it redelivers alerts queued by a previous failed
// delivery and escalates unacknowledged criticals; afterwards it prunes
// resolved violations and stale dedup entries.
func (s *Service) Run(ctx context.Context, apps []AppSnapshot) (*RunReport, error) {
	for i := range apps {
		if apps[i].AppID == "" {
			return nil, fmt.Errorf("apps[%d]: app_id is required", i)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pol := s.policy.Load()
	start := s.clock.Now()
	rep := &RunReport{RunID: ulid.Make().String(), StartedAt: start, Apps: len(apps)}

	ctx, span := tracer.Start(ctx, "alerting.run", trace.WithAttributes(
		attribute.String("warden.run.id", rep.RunID),
		attribute.Int("warden.run.apps", len(apps)),
	))
	defer span.End()

	L := s.logger.With("run_id", rep.RunID)
	L.Info(ctx, "run started", "apps", len(apps), "workers", s.workers)

	s.redeliver(ctx, pol, rep)
	if n, err := s.escalateUnacknowledged(ctx, pol, rep); err != nil {
		rep.update(func(r *RunReport) { r.Errors = append(r.Errors, err.Error()) })
	} else {
		rep.update(func(r *RunReport) { r.UnackEscalations += n })
	}

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range apps {
		snap := &apps[i]
		g.Go(func() error {
			s.processApp(ctx, pol, snap, rep)
			return nil
		})
	}
	_ = g.Wait()

	if _, err := s.maintain(ctx, pol, false); err != nil {
		rep.update(func(r *RunReport) { r.Errors = append(r.Errors, err.Error()) })
	}

	rep.FinishedAt = s.clock.Now()
	status := "ok"
	if rep.FailedDelivery > 0 || rep.Unresolved > 0 || len(rep.Errors) > 0 {
		status = "degraded"
		span.SetStatus(codes.Error, "run degraded")
	}
	rep.Status = status
	s.hooks.run(status, rep.FinishedAt.Sub(start))
	span.SetAttributes(
		attribute.Int("warden.run.dispatched", rep.Dispatched+rep.Escalated),
		attribute.Int("warden.run.suppressed", rep.Suppressed),
	)
	L.Info(ctx, "run complete",
		"status", status,
		"new", rep.New,
		"recurring", rep.Recurring,
		"resolved", rep.Resolved,
		"dispatched", rep.Dispatched,
		"escalated", rep.Escalated,
		"suppressed", rep.Suppressed,
		"delivered", rep.Delivered,
		"failed_delivery", rep.FailedDelivery,
		"rule_failures", rep.RuleFailures,
		"unresolved", rep.Unresolved,
	)
	return rep, nil
}

// processApp runs one application's pass. The per-app lock covers
// evaluation, tracking and dedup, and is released before any channel I/O.
func (s *Service) processApp(ctx context.Context, pol *Policy, snap *AppSnapshot, rep *RunReport) {
	ctx, span := tracer.Start(ctx, "alerting.app", trace.WithAttributes(
		attribute.String("warden.app.id", snap.AppID),
	))
	defer span.End()

	alerts := s.decide(ctx, pol, snap, rep)
	for _, a := range alerts {
		s.deliver(ctx, pol, a, rep)
	}
	span.SetAttributes(attribute.Int("warden.app.alerts", len(alerts)))
}

func (s *Service) decide(ctx context.Context, pol *Policy, snap *AppSnapshot, rep *RunReport) []*AlertRecord {
	lock := s.appLock(snap.AppID)
	lock.Lock()
	defer lock.Unlock()

	L := s.logger.With("app_id", snap.AppID)
	now := s.clock.Now()

	obs, indeterminate := s.evaluate(ctx, pol, snap, rep)

	var open []*ViolationRecord
	err := s.withRetry(ctx, "open_violations", func(ctx context.Context) error {
		var err error
		open, err = s.store.OpenViolations(ctx, snap.AppID)
		return err
	})
	if err != nil {
		serr := &StorageError{Op: "open_violations", Err: err}
		L.Error(ctx, serr, "cannot load open violations, skipping application")
		emit(ctx, s.auditor, s.clock, AuditEvent{Type: AuditStorageUnresolved, AppID: snap.AppID, Reason: serr.Error()})
		rep.update(func(r *RunReport) {
			r.Unresolved++
			r.Errors = append(r.Errors, serr.Error())
		})
		return nil
	}

	var out []*AlertRecord
	for _, tr := range Track(open, obs, indeterminate, now) {
		rec := tr.Record
		s.persist(ctx, rep, "put_violation", AuditEvent{AppID: rec.AppID, RuleID: rec.RuleID, ViolationID: rec.ID},
			func(ctx context.Context) error { return s.store.PutViolation(ctx, rec) })
		s.recordTransition(ctx, tr, rep)
		if tr.To == StateResolved {
			continue
		}

		dec := s.dedup.Check(Candidate{
			AppID:    rec.AppID,
			RuleID:   rec.RuleID,
			Severity: rec.Severity,
			State:    rec.State,
			Eligible: tr.Eligible,
		}, pol.DedupWindow, pol.EscalationDelta, now)
		s.hooks.dedup(dec.Action)

		base := AuditEvent{AppID: rec.AppID, RuleID: rec.RuleID, ViolationID: rec.ID, Severity: rec.Severity, Reason: dec.Reason}
		switch dec.Action {
		case ActionSuppress:
			base.Type = AuditAlertSuppressed
			emit(ctx, s.auditor, s.clock, base)
			rep.update(func(r *RunReport) { r.Suppressed++ })
			continue
		case ActionEscalate:
			base.Type = AuditAlertEscalated
			base.Details = map[string]string{"previous_severity": dec.LastDispatched.String()}
			emit(ctx, s.auditor, s.clock, base)
			rep.update(func(r *RunReport) { r.Escalated++ })
		default:
			base.Type = AuditAlertDispatched
			emit(ctx, s.auditor, s.clock, base)
			rep.update(func(r *RunReport) { r.Dispatched++ })
		}

		routes, notes := RoutePersonas(RouteInput{
			AppID:         snap.AppID,
			Severity:      rec.Severity,
			Risk:          snap.Risk,
			MetadataOwner: snap.Metadata.Owner,
		}, pol)
		for _, n := range notes {
			emit(ctx, s.auditor, s.clock, AuditEvent{Type: n.Type, AppID: rec.AppID, RuleID: rec.RuleID, ViolationID: rec.ID, Severity: rec.Severity, Reason: n.Message})
		}
		if len(routes) == 0 {
			L.Warn(ctx, "no recipients after routing", "rule_id", rec.RuleID, "severity", rec.Severity.String())
			emit(ctx, s.auditor, s.clock, AuditEvent{Type: AuditRouteNoRecipients, AppID: rec.AppID, RuleID: rec.RuleID, ViolationID: rec.ID, Severity: rec.Severity})
			continue
		}

		for _, a := range newAlerts(rec, tr.Observation, snap, routes, notes, dec, now) {
			s.persist(ctx, rep, "put_alert", AuditEvent{AppID: a.AppID, AlertID: a.ID},
				func(ctx context.Context) error { return s.store.PutAlert(ctx, a) })
			rep.update(func(r *RunReport) {
				r.AlertsCreated++
				r.AlertIDs = append(r.AlertIDs, a.ID)
			})
			out = append(out, a)
		}
	}
	return out
}

// evaluate runs the threshold bands and rules for one application. KPIs with
// bands but no value, and rules that failed, are returned as indeterminate so
// their violations are neither resolved nor raised.
func (s *Service) evaluate(ctx context.Context, pol *Policy, snap *AppSnapshot, rep *RunReport) ([]Observation, map[string]bool) {
	indeterminate := make(map[string]bool)
	var obs []Observation

	bands := pol.BandsFor(snap.AppID)
	kpis := make([]string, 0, len(bands))
	for kpi := range bands {
		kpis = append(kpis, kpi)
	}
	sort.Strings(kpis)
	for _, kpi := range kpis {
		ruleID := ThresholdRuleID(kpi)
		v, ok := snap.KPIs[kpi]
		if !ok {
			indeterminate[ruleID] = true
			continue
		}
		b := bands[kpi]
		sev := b.Evaluate(v)
		if sev == SeverityNone {
			continue
		}
		obs = append(obs, Observation{
			Key:      ViolationKey{AppID: snap.AppID, RuleID: ruleID},
			Severity: sev,
			Evidence: Evidence{
				KPIValues:  map[string]float64{kpi: v},
				Thresholds: map[string]float64{kpi: b[sev]},
			},
			Description: fmt.Sprintf("%s is %g, at or above the %s bound %g", kpi, v, sev, b[sev]),
		})
	}

	res := s.rules.Evaluate(ctx, snap, pol.Rules)
	for _, f := range res.Failures {
		indeterminate[f.RuleID] = true
		s.hooks.ruleFailure(f.Reason)
		emit(ctx, s.auditor, s.clock, AuditEvent{
			Type: AuditRuleError, AppID: snap.AppID, RuleID: f.RuleID, Reason: f.Error(),
			Details: map[string]string{"failure": f.Reason},
		})
		rep.update(func(r *RunReport) { r.RuleFailures++ })
	}
	for _, b := range res.Breaches {
		obs = append(obs, Observation{
			Key:             ViolationKey{AppID: snap.AppID, RuleID: b.RuleID},
			Severity:        b.Severity,
			Evidence:        b.Evidence,
			Description:     b.Description,
			Remediation:     b.Remediation,
			Recommendations: b.Recommendations,
		})
	}
	return obs, indeterminate
}

func (s *Service) recordTransition(ctx context.Context, tr Transition, rep *RunReport) {
	rec := tr.Record
	ev := AuditEvent{AppID: rec.AppID, RuleID: rec.RuleID, ViolationID: rec.ID, Severity: rec.Severity}
	if tr.From != "" {
		ev.Details = map[string]string{"from": string(tr.From)}
		if tr.PreviousSeverity != rec.Severity {
			ev.Details["previous_severity"] = tr.PreviousSeverity.String()
		}
	}
	switch tr.To {
	case StateNew:
		ev.Type = AuditViolationNew
		rep.update(func(r *RunReport) { r.New++ })
	case StateRecurring:
		ev.Type = AuditViolationRecurring
		rep.update(func(r *RunReport) { r.Recurring++ })
	case StateResolved:
		ev.Type = AuditViolationResolved
		rep.update(func(r *RunReport) { r.Resolved++ })
	}
	s.hooks.transition(tr.To)
	emit(ctx, s.auditor, s.clock, ev)
}

// deliver dispatches a freshly created alert and handles total failure.
func (s *Service) deliver(ctx context.Context, pol *Policy, a *AlertRecord, rep *RunReport) {
	out := s.dispatcher.Dispatch(ctx, a, pol)
	if out.Delivered {
		rep.update(func(r *RunReport) { r.Delivered++ })
	} else {
		s.failDelivery(ctx, pol, a, rep)
	}
	s.saveDelivery(ctx, rep, a)
}

// saveDelivery writes the delivery outcome of a onto the stored alert. Fields
// owned by other writers, such as the acknowledgement, keep their stored
// values and are copied back into a.
func (s *Service) saveDelivery(ctx context.Context, rep *RunReport, a *AlertRecord) {
	s.persist(ctx, rep, "update_alert", AuditEvent{AppID: a.AppID, AlertID: a.ID},
		func(ctx context.Context) error {
			cur, err := s.store.UpdateAlert(ctx, a.ID, func(cur *AlertRecord) error {
				cur.Status = a.Status
				cur.Attempts = slices.Clone(a.Attempts)
				cur.DeliveredAt = cloneTime(a.DeliveredAt)
				cur.RedeliveryPending = a.RedeliveryPending
				cur.Redelivered = a.Redelivered
				return nil
			})
			if errors.Is(err, ErrNotFound) {
				// the pre-dispatch write never landed
				return s.store.PutAlert(ctx, a)
			}
			if err != nil {
				return err
			}
			a.AcknowledgedAt = cloneTime(cur.AcknowledgedAt)
			a.AcknowledgedBy = cur.AcknowledgedBy
			a.EscalatedAt = cloneTime(cur.EscalatedAt)
			a.Notes = slices.Clone(cur.Notes)
			return nil
		})
}

// failDelivery queues a for one redelivery and raises the single operator
// escalation for it. Internal alerts are never escalated further.
func (s *Service) failDelivery(ctx context.Context, pol *Policy, a *AlertRecord, rep *RunReport) {
	if a.Internal {
		s.logger.Error(ctx, errors.New("operator alert undeliverable"), "operator escalation could not be delivered",
			"alert_id", a.ID, "escalation_of", a.EscalationOf)
		return
	}
	a.RedeliveryPending = true
	s.hooks.failedDelivery()
	rep.update(func(r *RunReport) { r.FailedDelivery++ })
	emit(ctx, s.auditor, s.clock, AuditEvent{
		Type: AuditAlertFailedDelivery, AppID: a.AppID, AlertID: a.ID, Severity: a.Severity,
		Reason: "all channels exhausted retries, queued for redelivery",
	})

	op := operatorAlert(a, pol, s.clock.Now())
	s.logger.Error(ctx, &DeliveryError{Channel: "all", Attempts: totalAttempts(a), Err: errors.New("every channel failed")},
		"alert delivery failed, escalating to operators", "alert_id", a.ID, "operator_alert_id", op.ID)
	emit(ctx, s.auditor, s.clock, AuditEvent{
		Type: AuditOperatorEscalation, AppID: a.AppID, AlertID: a.ID, Severity: SeverityCritical,
		Reason:  "alert could not be delivered on any channel",
		Details: map[string]string{"operator_alert_id": op.ID},
	})
	s.persist(ctx, rep, "put_alert", AuditEvent{AppID: op.AppID, AlertID: op.ID},
		func(ctx context.Context) error { return s.store.PutAlert(ctx, op) })
	s.dispatcher.Dispatch(ctx, op, pol)
	if op.Status != AlertDelivered {
		s.logger.Error(ctx, errors.New("operator alert undeliverable"), "operator escalation could not be delivered", "alert_id", op.ID)
	}
	s.saveDelivery(ctx, rep, op)
}

func totalAttempts(a *AlertRecord) int {
	n := 0
	for _, att := range a.Attempts {
		n += att.Attempts
	}
	return n
}

// redeliver retries alerts queued by a failed delivery, once each.
func (s *Service) redeliver(ctx context.Context, pol *Policy, rep *RunReport) {
	s.escMu.Lock()
	defer s.escMu.Unlock()

	queued, err := s.store.QueryAlerts(ctx, AlertQuery{Statuses: []AlertStatus{AlertFailedDelivery}, PendingRedelivery: true})
	if err != nil {
		serr := &StorageError{Op: "query_alerts", Err: err}
		s.logger.Error(ctx, serr, "cannot load alerts queued for redelivery")
		rep.update(func(r *RunReport) { r.Errors = append(r.Errors, serr.Error()) })
		return
	}
	for _, a := range queued {
		if a.Internal || a.Redelivered {
			continue
		}
		a.RedeliveryPending = false
		a.Redelivered = true
		prev := a.Attempts
		out := s.dispatcher.Dispatch(ctx, a, pol)
		a.Attempts = append(prev, a.Attempts...)

		ev := AuditEvent{Type: AuditAlertRedelivery, AppID: a.AppID, AlertID: a.ID, Severity: a.Severity}
		if out.Delivered {
			ev.Reason = "redelivered"
			rep.update(func(r *RunReport) { r.Redelivered++ })
		} else {
			ev.Reason = "redelivery failed, operators already notified"
			s.logger.Warn(ctx, "redelivery failed", "alert_id", a.ID)
		}
		emit(ctx, s.auditor, s.clock, ev)
		s.saveDelivery(ctx, rep, a)
	}
}

// EscalateUnacknowledged re-sends CRITICAL alerts unacknowledged past the
// policy's AckTimeout to the secondary personas, once per alert, bypassing
// dedup. Alerts whose violations have all resolved are skipped.
func (s *Service) EscalateUnacknowledged(ctx context.Context) (int, error) {
	rep := &RunReport{}
	return s.escalateUnacknowledged(ctx, s.policy.Load(), rep)
}

func (s *Service) escalateUnacknowledged(ctx context.Context, pol *Policy, rep *RunReport) (int, error) {
	s.escMu.Lock()
	defer s.escMu.Unlock()

	now := s.clock.Now()
	// Alerts older than the retention window point at violations that may
	// already be pruned, so they are not swept again.
	cands, err := s.store.QueryAlerts(ctx, AlertQuery{
		MinSeverity:    SeverityCritical,
		Unacknowledged: true,
		Since:          now.Add(-pol.Retention),
	})
	if err != nil {
		return 0, &StorageError{Op: "query_alerts", Err: err}
	}

	secondary := make([]Persona, 0, len(pol.SecondaryPersonas))
	for _, name := range pol.SecondaryPersonas {
		if ps, ok := pol.Persona(name); ok {
			secondary = append(secondary, ps)
		}
	}
	if len(secondary) == 0 {
		secondary = pol.Officers()
	}

	escalated := 0
	for _, a := range cands {
		if a.Internal || a.EscalatedAt != nil || a.EscalationOf != "" || a.Status == AlertPending {
			continue
		}
		if now.Sub(a.CreatedAt) < pol.AckTimeout {
			continue
		}
		open, err := s.anyOpen(ctx, a.ViolationIDs)
		if err != nil {
			return escalated, &StorageError{Op: "get_violation", Err: err}
		}
		if !open {
			continue
		}

		// An acknowledgement or a concurrent sweep since the query wins.
		t := now
		note := fmt.Sprintf("escalated to secondary recipients at %s", now.UTC().Format(time.RFC3339))
		skip := false
		s.persist(ctx, rep, "update_alert", AuditEvent{AppID: a.AppID, AlertID: a.ID},
			func(ctx context.Context) error {
				_, err := s.store.UpdateAlert(ctx, a.ID, func(cur *AlertRecord) error {
					if cur.AcknowledgedAt != nil || cur.EscalatedAt != nil {
						return errAlreadyHandled
					}
					cur.EscalatedAt = &t
					cur.Notes = append(cur.Notes, note)
					return nil
				})
				if errors.Is(err, errAlreadyHandled) || errors.Is(err, ErrNotFound) {
					skip = true
					return nil
				}
				return err
			})
		if skip {
			continue
		}
		a.EscalatedAt = &t
		a.Notes = append(a.Notes, note)

		for _, ps := range secondary {
			esc := escalationAlert(a, ps, pol, now)
			emit(ctx, s.auditor, s.clock, AuditEvent{
				Type: AuditAlertUnacknowledged, AppID: a.AppID, AlertID: a.ID, Severity: a.Severity,
				Reason:  fmt.Sprintf("unacknowledged for %s", now.Sub(a.CreatedAt).Round(time.Second)),
				Details: map[string]string{"escalation_alert_id": esc.ID, "persona": ps.Name},
			})
			s.persist(ctx, rep, "put_alert", AuditEvent{AppID: esc.AppID, AlertID: esc.ID},
				func(ctx context.Context) error { return s.store.PutAlert(ctx, esc) })
			s.deliver(ctx, pol, esc, rep)
		}
		escalated++
	}
	return escalated, nil
}

func (s *Service) anyOpen(ctx context.Context, ids []string) (bool, error) {
	for _, id := range ids {
		v, ok, err := s.store.GetViolation(ctx, id)
		if err != nil {
			return false, err
		}
		if ok && v.State.Open() {
			return true, nil
		}
	}
	return false, nil
}

// Maintain prunes resolved violations past retention and stale dedup entries,
// and escalates unacknowledged criticals.
func (s *Service) Maintain(ctx context.Context) (*MaintenanceReport, error) {
	return s.maintain(ctx, s.policy.Load(), true)
}

func (s *Service) maintain(ctx context.Context, pol *Policy, escalate bool) (*MaintenanceReport, error) {
	now := s.clock.Now()
	mr := &MaintenanceReport{}
	var errs []error

	n, err := s.store.PruneResolved(ctx, now.Add(-pol.Retention))
	if err != nil {
		errs = append(errs, &StorageError{Op: "prune_resolved", Err: err})
	}
	mr.PrunedViolations = n
	mr.PrunedDedup = s.dedup.Prune(now, pol.DedupWindow)

	if escalate {
		rep := &RunReport{}
		n, err := s.escalateUnacknowledged(ctx, pol, rep)
		if err != nil {
			errs = append(errs, err)
		}
		mr.Escalated = n
	}

	if mr.PrunedViolations > 0 || mr.PrunedDedup > 0 || mr.Escalated > 0 {
		s.logger.Info(ctx, "maintenance complete",
			"pruned_violations", mr.PrunedViolations,
			"pruned_dedup", mr.PrunedDedup,
			"escalated", mr.Escalated,
		)
	}
	return mr, errors.Join(errs...)
}

// withRetry runs fn up to storageAttempts times with exponential backoff.
func (s *Service) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	bo := newBackoff(RetryPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second, Multiplier: 2})
	var err error
	for attempt := 1; attempt <= s.storageAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		s.hooks.storageRetry(op)
		if attempt == s.storageAttempts {
			break
		}
		if serr := s.clock.Sleep(ctx, bo.NextBackOff()); serr != nil {
			return errors.Join(err, serr)
		}
	}
	return err
}

// persist writes with retry. When retries are exhausted the in-memory
// decision stands and the write is flagged unresolved in the audit trail.
func (s *Service) persist(ctx context.Context, rep *RunReport, op string, ref AuditEvent, fn func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	err := s.withRetry(ctx, op, fn)
	if err == nil {
		return
	}
	serr := &StorageError{Op: op, Err: err}
	s.logger.Error(ctx, serr, "storage write failed after retries, decision stands",
		"app_id", ref.AppID, "violation_id", ref.ViolationID, "alert_id", ref.AlertID)
	ref.Type = AuditStorageUnresolved
	ref.Reason = serr.Error()
	emit(ctx, s.auditor, s.clock, ref)
	rep.update(func(r *RunReport) { r.Unresolved++ })
}

// Acknowledge marks an alert as seen, which stops unacknowledged escalation.
// Acknowledging twice keeps the first acknowledgement.
func (s *Service) Acknowledge(ctx context.Context, id, by string) (*AlertRecord, error) {
	acked := false
	a, err := s.store.UpdateAlert(ctx, id, func(a *AlertRecord) error {
		if a.AcknowledgedAt != nil {
			return errAlreadyHandled
		}
		now := s.clock.Now()
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = by
		acked = true
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, errAlreadyHandled):
		cur, ok, gerr := s.store.GetAlert(ctx, id)
		if gerr != nil {
			return nil, &StorageError{Op: "get_alert", Err: gerr}
		}
		if !ok {
			return nil, ErrNotFound
		}
		return cur, nil
	case err != nil:
		return nil, &StorageError{Op: "update_alert", Err: err}
	}
	if acked {
		emit(ctx, s.auditor, s.clock, AuditEvent{
			Type: AuditAlertAcknowledged, AppID: a.AppID, AlertID: a.ID, Severity: a.Severity,
			Details: map[string]string{"by": by},
		})
	}
	return a, nil
}

// GetAlert retrieves an alert by ID.
func (s *Service) GetAlert(ctx context.Context, id string) (*AlertRecord, bool, error) {
	return s.store.GetAlert(ctx, id)
}

// QueryAlerts lists alerts matching q.
func (s *Service) QueryAlerts(ctx context.Context, q AlertQuery) ([]*AlertRecord, error) {
	return s.store.QueryAlerts(ctx, q)
}

// QueryViolations lists violations matching q.
func (s *Service) QueryViolations(ctx context.Context, q ViolationQuery) ([]*ViolationRecord, error) {
	return s.store.QueryViolations(ctx, q)
}
