package alerting_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/alerting/memstore"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type auditLog struct {
	mu     sync.Mutex
	events []alerting.AuditEvent
}

func (a *auditLog) Record(_ context.Context, ev alerting.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *auditLog) count(t alerting.AuditType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, ev := range a.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type sender struct {
	fail  atomic.Bool
	calls atomic.Int32
	// onSend, when set before a run, is called on every send
	onSend func(ctx context.Context, a *alerting.AlertRecord)
}

func (s *sender) Send(ctx context.Context, a *alerting.AlertRecord) error {
	s.calls.Add(1)
	if s.onSend != nil {
		s.onSend(ctx, a)
	}
	if s.fail.Load() {
		return errors.New("503 service unavailable")
	}
	return nil
}

type harness struct {
	svc   *alerting.Service
	store *memstore.Store
	clock *clock
	audit *auditLog
	slack *sender
	email *sender
}

func newHarness(t *testing.T, mutate func(p *alerting.Policy)) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		clock: &clock{now: start},
		audit: &auditLog{},
		slack: &sender{},
		email: &sender{},
	}
	p := alerting.DefaultPolicy()
	fast := alerting.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: 2 * time.Second, Multiplier: 2}
	p.Retry = map[string]alerting.RetryPolicy{"slack": fast, "email": fast}
	if mutate != nil {
		mutate(&p)
	}
	holder, err := alerting.NewPolicyHolder(p, log.Nop(), h.audit, h.clock, alerting.Hooks{})
	if err != nil {
		t.Fatalf("NewPolicyHolder: %v", err)
	}
	disp := alerting.NewDispatcher(map[string]alerting.Sender{"slack": h.slack, "email": h.email}, h.clock, h.audit, log.Nop())
	h.svc = alerting.NewService(alerting.ServiceConfig{
		Store:      h.store,
		Policy:     holder,
		Dispatcher: disp,
		Auditor:    h.audit,
		Clock:      h.clock,
		Logger:     log.Nop(),
		Workers:    4,
	})
	return h
}

func orphans(app string, n float64) alerting.AppSnapshot {
	return alerting.AppSnapshot{AppID: app, KPIs: map[string]float64{"orphan_accounts": n}}
}

func (h *harness) run(t *testing.T, apps ...alerting.AppSnapshot) *alerting.RunReport {
	t.Helper()
	rep, err := h.svc.Run(context.Background(), apps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return rep
}

func TestService_ThreeRunScenario(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	// run 1: HIGH breach creates a NEW violation and dispatches
	rep := h.run(t, orphans("APP-1", 7))
	if rep.New != 1 || rep.Dispatched != 1 || rep.AlertsCreated != 1 || rep.Delivered != 1 {
		t.Fatalf("run 1 = %+v", rep)
	}
	vs, _ := h.store.OpenViolations(ctx, "APP-1")
	if len(vs) != 1 || vs[0].State != alerting.StateNew || vs[0].Severity != alerting.SeverityHigh {
		t.Fatalf("run 1 violations = %+v", vs)
	}
	id := vs[0].ID

	// run 2: same severity inside the window is RECURRING and suppressed
	h.clock.Advance(time.Hour)
	rep = h.run(t, orphans("APP-1", 7))
	if rep.Recurring != 1 || rep.Suppressed != 1 || rep.AlertsCreated != 0 {
		t.Fatalf("run 2 = %+v", rep)
	}
	vs, _ = h.store.OpenViolations(ctx, "APP-1")
	if len(vs) != 1 || vs[0].ID != id || vs[0].State != alerting.StateRecurring {
		t.Fatalf("run 2 violations = %+v", vs)
	}
	if h.audit.count(alerting.AuditAlertSuppressed) != 1 {
		t.Error("suppression was not audited")
	}

	// run 3: escalation to CRITICAL dispatches despite the window
	h.clock.Advance(time.Hour)
	rep = h.run(t, orphans("APP-1", 12))
	if rep.Escalated != 1 || rep.AlertsCreated != 1 {
		t.Fatalf("run 3 = %+v", rep)
	}
	a, ok, err := h.svc.GetAlert(ctx, rep.AlertIDs[0])
	if err != nil || !ok {
		t.Fatalf("GetAlert: ok %v err %v", ok, err)
	}
	if a.Severity != alerting.SeverityCritical {
		t.Errorf("escalated alert severity = %s, want CRITICAL", a.Severity)
	}
	if a.Status != alerting.AlertDelivered {
		t.Errorf("escalated alert status = %s", a.Status)
	}
}

func TestService_ResolveAndReappear(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	h.run(t, orphans("APP-1", 7))
	h.clock.Advance(time.Hour)
	rep := h.run(t, orphans("APP-1", 0))
	if rep.Resolved != 1 {
		t.Fatalf("run 2 = %+v", rep)
	}
	resolved, _ := h.svc.QueryViolations(ctx, alerting.ViolationQuery{AppID: "APP-1", States: []alerting.ViolationState{alerting.StateResolved}})
	if len(resolved) != 1 || resolved[0].ResolvedAt == nil {
		t.Fatalf("resolved = %+v", resolved)
	}

	// a new occurrence within the dedup window is tracked but not re-alerted
	h.clock.Advance(time.Hour)
	rep = h.run(t, orphans("APP-1", 7))
	if rep.New != 1 || rep.Suppressed != 1 {
		t.Fatalf("run 3 = %+v", rep)
	}
	open, _ := h.store.OpenViolations(ctx, "APP-1")
	if len(open) != 1 || open[0].ID == resolved[0].ID {
		t.Error("reappearance must open a new violation record")
	}
}

func TestService_RuleFailureIsIndeterminate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(p *alerting.Policy) {
		p.Rules = []alerting.Rule{{
			ID:       "stale_reviews",
			Severity: alerting.SeverityMedium,
			Predicate: alerting.Predicate{
				Kind: alerting.KindThreshold, KPI: "days_since_review", Op: ">", Value: 90,
			},
		}}
	})
	ctx := context.Background()

	snap := orphans("APP-1", 0)
	snap.KPIs["days_since_review"] = 120
	rep := h.run(t, snap)
	if rep.New != 1 || rep.RuleFailures != 0 {
		t.Fatalf("run 1 = %+v", rep)
	}

	// the KPI disappears: the rule fails and its violation stays open
	h.clock.Advance(time.Hour)
	rep = h.run(t, orphans("APP-1", 0))
	if rep.RuleFailures != 1 || rep.Resolved != 0 {
		t.Fatalf("run 2 = %+v", rep)
	}
	if h.audit.count(alerting.AuditRuleError) != 1 {
		t.Error("rule failure was not audited")
	}
	open, _ := h.store.OpenViolations(ctx, "APP-1")
	if len(open) != 1 || open[0].RuleID != "stale_reviews" {
		t.Errorf("open = %+v", open)
	}
}

func TestService_MissingKPIDoesNotResolve(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	h.run(t, orphans("APP-1", 7))
	h.clock.Advance(time.Hour)
	rep := h.run(t, alerting.AppSnapshot{AppID: "APP-1", KPIs: map[string]float64{}})
	if rep.Resolved != 0 {
		t.Fatalf("missing KPI resolved a violation: %+v", rep)
	}
	open, _ := h.store.OpenViolations(ctx, "APP-1")
	if len(open) != 1 {
		t.Errorf("open = %d, want 1", len(open))
	}
}

func TestService_FailedDeliveryEscalatesExactlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.slack.fail.Store(true)
	h.email.fail.Store(true)
	ctx := context.Background()

	rep := h.run(t, orphans("APP-1", 7))
	if rep.FailedDelivery != 1 {
		t.Fatalf("run 1 = %+v", rep)
	}
	if n := h.audit.count(alerting.AuditAlertFailedDelivery); n != 1 {
		t.Errorf("failed_delivery events = %d, want 1", n)
	}
	if n := h.audit.count(alerting.AuditOperatorEscalation); n != 1 {
		t.Errorf("operator escalations = %d, want 1", n)
	}

	failed, _ := h.svc.QueryAlerts(ctx, alerting.AlertQuery{Statuses: []alerting.AlertStatus{alerting.AlertFailedDelivery}})
	var public, internal int
	for _, a := range failed {
		if a.Internal {
			internal++
		} else {
			public++
			if !a.RedeliveryPending {
				t.Error("failed alert must be queued for redelivery")
			}
		}
	}
	if public != 1 || internal != 1 {
		t.Fatalf("failed alerts = %d public, %d internal", public, internal)
	}

	// next run redelivers once; a second failure escalates nothing new
	h.clock.Advance(time.Hour)
	rep = h.run(t, orphans("APP-1", 7))
	if rep.FailedDelivery != 0 || rep.Redelivered != 0 {
		t.Fatalf("run 2 = %+v", rep)
	}
	if n := h.audit.count(alerting.AuditAlertFailedDelivery); n != 1 {
		t.Errorf("failed_delivery events after redelivery = %d, want 1", n)
	}
	if n := h.audit.count(alerting.AuditOperatorEscalation); n != 1 {
		t.Errorf("operator escalations after redelivery = %d, want 1", n)
	}
	if n := h.audit.count(alerting.AuditAlertRedelivery); n != 1 {
		t.Errorf("redelivery events = %d, want 1", n)
	}

	// and it is not retried again
	h.clock.Advance(time.Hour)
	h.run(t, orphans("APP-1", 7))
	if n := h.audit.count(alerting.AuditAlertRedelivery); n != 1 {
		t.Errorf("redelivery events after run 3 = %d, want 1", n)
	}
}

func TestService_RedeliverySucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.slack.fail.Store(true)
	h.email.fail.Store(true)
	ctx := context.Background()

	rep := h.run(t, orphans("APP-1", 7))
	alertID := rep.AlertIDs[0]

	h.slack.fail.Store(false)
	h.email.fail.Store(false)
	h.clock.Advance(time.Hour)
	rep = h.run(t, orphans("APP-1", 7))
	if rep.Redelivered != 1 {
		t.Fatalf("run 2 = %+v", rep)
	}
	a, _, _ := h.svc.GetAlert(ctx, alertID)
	if a.Status != alerting.AlertDelivered || a.RedeliveryPending || !a.Redelivered {
		t.Errorf("redelivered alert = %+v", a)
	}
	if len(a.Attempts) < 3 {
		t.Errorf("attempts = %d, want the original attempts kept", len(a.Attempts))
	}
}

// ackOnFirstSend acknowledges the first non-internal alert handed to the
// sender, while its delivery is still in flight.
func ackOnFirstSend(t *testing.T, h *harness, snd *sender, by string) {
	t.Helper()
	var once sync.Once
	snd.onSend = func(ctx context.Context, a *alerting.AlertRecord) {
		if a.Internal {
			return
		}
		once.Do(func() {
			if _, err := h.svc.Acknowledge(ctx, a.ID, by); err != nil {
				t.Errorf("Acknowledge during delivery: %v", err)
			}
		})
	}
}

func TestService_AcknowledgeDuringDeliveryIsKept(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	ackOnFirstSend(t, h, h.slack, "alice")

	rep := h.run(t, orphans("APP-1", 12))
	if len(rep.AlertIDs) != 1 {
		t.Fatalf("run = %+v", rep)
	}
	a, ok, err := h.svc.GetAlert(ctx, rep.AlertIDs[0])
	if err != nil || !ok {
		t.Fatalf("GetAlert = %v, %v", ok, err)
	}
	if a.Status != alerting.AlertDelivered {
		t.Errorf("status = %s, want DELIVERED", a.Status)
	}
	if a.AcknowledgedAt == nil || a.AcknowledgedBy != "alice" {
		t.Fatalf("acknowledgement made during delivery was lost: %+v", a)
	}
	if h.audit.count(alerting.AuditAlertAcknowledged) != 1 {
		t.Error("acknowledgement was not audited once")
	}

	h.clock.Advance(2 * time.Hour)
	if n, err := h.svc.EscalateUnacknowledged(ctx); err != nil || n != 0 {
		t.Errorf("escalated %d alerts acknowledged during delivery (err %v)", n, err)
	}
}

func TestService_AcknowledgeDuringRedeliveryIsKept(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.slack.fail.Store(true)
	h.email.fail.Store(true)
	ctx := context.Background()

	rep := h.run(t, orphans("APP-1", 12))
	alertID := rep.AlertIDs[0]

	h.slack.fail.Store(false)
	h.email.fail.Store(false)
	ackOnFirstSend(t, h, h.email, "bob")
	h.clock.Advance(30 * time.Minute)
	if rep = h.run(t, orphans("APP-1", 12)); rep.Redelivered != 1 {
		t.Fatalf("run 2 = %+v", rep)
	}

	a, _, _ := h.svc.GetAlert(ctx, alertID)
	if !a.Redelivered || a.Status != alerting.AlertDelivered {
		t.Errorf("redelivered alert = %+v", a)
	}
	if a.AcknowledgedAt == nil || a.AcknowledgedBy != "bob" {
		t.Fatalf("acknowledgement made during redelivery was lost: %+v", a)
	}

	h.clock.Advance(2 * time.Hour)
	if n, _ := h.svc.EscalateUnacknowledged(ctx); n != 0 {
		t.Errorf("escalated %d acknowledged alerts", n)
	}
}

func TestService_AcknowledgeTwiceKeepsFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()
	rep := h.run(t, orphans("APP-1", 12))

	if _, err := h.svc.Acknowledge(ctx, rep.AlertIDs[0], "alice"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	h.clock.Advance(time.Minute)
	a, err := h.svc.Acknowledge(ctx, rep.AlertIDs[0], "bob")
	if err != nil {
		t.Fatalf("second Acknowledge: %v", err)
	}
	if a.AcknowledgedBy != "alice" || !a.AcknowledgedAt.Equal(start) {
		t.Errorf("second acknowledgement replaced the first: %+v", a)
	}
	if n := h.audit.count(alerting.AuditAlertAcknowledged); n != 1 {
		t.Errorf("acknowledged audited %d times, want 1", n)
	}
	if _, err := h.svc.Acknowledge(ctx, "nope", "alice"); !errors.Is(err, alerting.ErrNotFound) {
		t.Errorf("Acknowledge missing = %v, want ErrNotFound", err)
	}
}

func TestService_EscalationSkipsAlertsPastRetention(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(p *alerting.Policy) { p.Retention = 48 * time.Hour })
	ctx := context.Background()

	old := &alerting.AlertRecord{
		ID: "old", AppID: "APP-9", ViolationIDs: []string{"v-old"}, Severity: alerting.SeverityCritical,
		Status: alerting.AlertDelivered, CreatedAt: start.Add(-72 * time.Hour),
	}
	if err := h.store.PutAlert(ctx, old); err != nil {
		t.Fatalf("PutAlert: %v", err)
	}
	if err := h.store.PutViolation(ctx, &alerting.ViolationRecord{
		ID: "v-old", AppID: "APP-9", RuleID: "threshold_orphan_accounts", Severity: alerting.SeverityCritical,
		State: alerting.StateRecurring, DetectedAt: old.CreatedAt, LastSeenAt: start,
	}); err != nil {
		t.Fatalf("PutViolation: %v", err)
	}

	if n, err := h.svc.EscalateUnacknowledged(ctx); err != nil || n != 0 {
		t.Errorf("escalated %d alerts older than retention (err %v)", n, err)
	}
}

func TestService_UnacknowledgedCriticalEscalation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	rep := h.run(t, orphans("APP-1", 12))
	if rep.AlertsCreated != 1 {
		t.Fatalf("run 1 = %+v", rep)
	}

	// not yet past the ack timeout
	h.clock.Advance(30 * time.Minute)
	if n, err := h.svc.EscalateUnacknowledged(ctx); err != nil || n != 0 {
		t.Fatalf("early escalation = %d, %v", n, err)
	}

	h.clock.Advance(31 * time.Minute)
	n, err := h.svc.EscalateUnacknowledged(ctx)
	if err != nil || n != 1 {
		t.Fatalf("escalation = %d, %v; want 1", n, err)
	}
	if h.audit.count(alerting.AuditAlertUnacknowledged) != 1 {
		t.Error("unacknowledged escalation was not audited")
	}
	esc, _ := h.svc.QueryAlerts(ctx, alerting.AlertQuery{AppID: "APP-1"})
	var secondary *alerting.AlertRecord
	for _, a := range esc {
		if a.EscalationOf != "" && !a.Internal {
			secondary = a
		}
	}
	if secondary == nil || secondary.Persona != "security_lead" || secondary.Status != alerting.AlertDelivered {
		t.Fatalf("secondary alert = %+v", secondary)
	}

	// once per alert
	h.clock.Advance(2 * time.Hour)
	if n, _ := h.svc.EscalateUnacknowledged(ctx); n != 0 {
		t.Errorf("repeat escalation = %d, want 0", n)
	}
}

func TestService_AcknowledgedIsNotEscalated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	rep := h.run(t, orphans("APP-1", 12))
	a, err := h.svc.Acknowledge(ctx, rep.AlertIDs[0], "alice")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if a.AcknowledgedBy != "alice" || a.AcknowledgedAt == nil {
		t.Errorf("acknowledged alert = %+v", a)
	}

	h.clock.Advance(2 * time.Hour)
	if n, _ := h.svc.EscalateUnacknowledged(ctx); n != 0 {
		t.Errorf("escalated %d acknowledged alerts", n)
	}

	if _, err := h.svc.Acknowledge(ctx, "missing", "alice"); !errors.Is(err, alerting.ErrNotFound) {
		t.Errorf("Acknowledge(missing) = %v, want ErrNotFound", err)
	}
}

func TestService_ResolvedViolationIsNotEscalated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx := context.Background()

	h.run(t, orphans("APP-1", 12))
	h.clock.Advance(10 * time.Minute)
	h.run(t, orphans("APP-1", 0))

	h.clock.Advance(2 * time.Hour)
	if n, _ := h.svc.EscalateUnacknowledged(ctx); n != 0 {
		t.Errorf("escalated %d alerts for resolved violations", n)
	}
}

type flakyStore struct {
	*memstore.Store
	failViolations atomic.Bool
}

func (s *flakyStore) PutViolation(ctx context.Context, v *alerting.ViolationRecord) error {
	if s.failViolations.Load() {
		return errors.New("connection refused")
	}
	return s.Store.PutViolation(ctx, v)
}

func TestService_StorageFailureDecisionStands(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	fs := &flakyStore{Store: h.store}
	fs.failViolations.Store(true)

	holder, _ := alerting.NewPolicyHolder(alerting.DefaultPolicy(), log.Nop(), nil, h.clock, alerting.Hooks{})
	var retries atomic.Int32
	svc := alerting.NewService(alerting.ServiceConfig{
		Store:      fs,
		Policy:     holder,
		Dispatcher: alerting.NewDispatcher(map[string]alerting.Sender{"slack": h.slack}, h.clock, h.audit, log.Nop()),
		Auditor:    h.audit,
		Clock:      h.clock,
		Hooks:      alerting.Hooks{OnStorageRetry: func(string) { retries.Add(1) }},
	})

	rep, err := svc.Run(context.Background(), []alerting.AppSnapshot{orphans("APP-1", 7)})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Unresolved != 1 || rep.Delivered != 1 {
		t.Errorf("report = %+v, want alert delivered with one unresolved write", rep)
	}
	if h.audit.count(alerting.AuditStorageUnresolved) != 1 {
		t.Error("unresolved write was not audited")
	}
	if retries.Load() != 3 {
		t.Errorf("storage retries = %d, want 3", retries.Load())
	}
}

func TestService_RunValidatesInput(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	if _, err := h.svc.Run(context.Background(), []alerting.AppSnapshot{{AppID: ""}}); err == nil {
		t.Error("expected error for empty app id")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.svc.Run(ctx, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Run(cancelled) = %v, want context.Canceled", err)
	}
}

func TestService_ManyAppsInParallel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	apps := make([]alerting.AppSnapshot, 0, 20)
	for i := range 20 {
		apps = append(apps, orphans("APP-"+string(rune('A'+i)), float64(i%12)))
	}
	rep := h.run(t, apps...)

	// values 0 breach nothing, 1..11 breach at some severity
	want := 0
	for i := range 20 {
		if i%12 > 0 {
			want++
		}
	}
	if rep.New != want || rep.AlertsCreated < want {
		t.Errorf("report = %+v, want %d new violations", rep, want)
	}
}

func TestService_ReportAndMaintain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(p *alerting.Policy) { p.Retention = 24 * time.Hour })
	ctx := context.Background()

	h.run(t, orphans("APP-1", 12), orphans("APP-2", 2), orphans("APP-3", 0))
	r, err := h.svc.Report(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if r.Violations != 2 || r.OpenBySeverity["CRITICAL"] != 1 || r.OpenBySeverity["LOW"] != 1 {
		t.Errorf("report = %+v", r)
	}
	if len(r.TopApps) != 2 {
		t.Errorf("top apps = %+v", r.TopApps)
	}
	if r.AlertsByStatus[alerting.AlertDelivered] == 0 {
		t.Errorf("alerts by status = %v", r.AlertsByStatus)
	}

	h.clock.Advance(time.Hour)
	h.run(t, orphans("APP-1", 0), orphans("APP-2", 0))
	h.clock.Advance(48 * time.Hour)
	mr, err := h.svc.Maintain(ctx)
	if err != nil {
		t.Fatalf("Maintain: %v", err)
	}
	if mr.PrunedViolations != 2 {
		t.Errorf("pruned = %d, want 2", mr.PrunedViolations)
	}
}
