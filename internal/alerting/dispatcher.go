package alerting

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/go-core/log"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/alerting")

const defaultSendTimeout = 10 * time.Second

// Sender delivers an alert on one channel. Implementations must not modify
// the alert. A *RateLimitError return pauses the channel.
type Sender interface {
	Send(ctx context.Context, a *AlertRecord) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, a *AlertRecord) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, a *AlertRecord) error { return f(ctx, a) }

// DispatchOutcome summarizes one Dispatch call.
type DispatchOutcome struct {
	Delivered bool
	Duration  time.Duration
	Overran   bool
}

// Dispatcher delivers alerts on all of their channels concurrently with
// per-channel retry, rate limiting and fallback.
type Dispatcher struct {
	senders     map[string]Sender
	clock       Clock
	auditor     Auditor
	logger      log.Logger
	hooks       Hooks
	sendTimeout time.Duration

	mu    sync.Mutex
	gates map[string]*gate
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSendTimeout bounds a single Send call.
func WithSendTimeout(d time.Duration) DispatcherOption {
	return func(x *Dispatcher) {
		if d > 0 {
			x.sendTimeout = d
		}
	}
}

// WithDispatchHooks attaches metric hooks.
func WithDispatchHooks(h Hooks) DispatcherOption {
	return func(x *Dispatcher) { x.hooks = h }
}

// NewDispatcher returns a Dispatcher for the given channel senders, keyed by
// channel name.
func NewDispatcher(senders map[string]Sender, clock Clock, auditor Auditor, logger log.Logger, opts ...DispatcherOption) *Dispatcher {
	if clock == nil {
		clock = SystemClock{}
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	if logger == nil {
		logger = log.Nop()
	}
	d := &Dispatcher{
		senders:     senders,
		clock:       clock,
		auditor:     auditor,
		logger:      logger,
		sendTimeout: defaultSendTimeout,
		gates:       make(map[string]*gate),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Channels returns the names of the configured senders.
func (d *Dispatcher) Channels() []string {
	out := make([]string, 0, len(d.senders))
	for name := range d.senders {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

// gate serializes the pacing of one channel: a pause set by rate-limit
// responses plus an optional steady rate.
type gate struct {
	mu          sync.Mutex
	pausedUntil time.Time
	limit       RateLimit
	limiter     *rate.Limiter
}

func (g *gate) configure(rl RateLimit, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !ok {
		g.limiter, g.limit = nil, RateLimit{}
		return
	}
	if g.limiter != nil && g.limit == rl {
		return
	}
	g.limit = rl
	g.limiter = rate.NewLimiter(rate.Limit(rl.PerMinute/60), rl.Burst)
}

// delay returns how long a send must wait from now.
func (g *gate) delay(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	var d time.Duration
	if g.pausedUntil.After(now) {
		d = g.pausedUntil.Sub(now)
	}
	if g.limiter != nil {
		at := now.Add(d)
		if r := g.limiter.ReserveN(at, 1); r.OK() {
			d += r.DelayFrom(at)
		}
	}
	return d
}

func (g *gate) pause(until time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if until.After(g.pausedUntil) {
		g.pausedUntil = until
	}
}

func (d *Dispatcher) gateFor(channel string, p *Policy) *gate {
	d.mu.Lock()
	g, ok := d.gates[channel]
	if !ok {
		g = &gate{}
		d.gates[channel] = g
	}
	d.mu.Unlock()
	rl, has := p.RateLimits[channel]
	g.configure(rl, has)
	return g
}

// dispatchRun is shared by the channel goroutines of one alert.
type dispatchRun struct {
	once      sync.Once
	delivered chan struct{}
	// waitCtx is cancelled on first delivery to stop non-mandatory retries.
	waitCtx context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	extras []ChannelAttempt
}

func (r *dispatchRun) markDelivered() {
	r.once.Do(func() {
		close(r.delivered)
		r.cancel()
	})
}

func (r *dispatchRun) isDelivered() bool {
	select {
	case <-r.delivered:
		return true
	default:
		return false
	}
}

// Dispatch delivers a on its channels and records the per-channel attempts,
// status and delivery time on a. Cancellation of ctx is ignored: a dispatch
// in flight always completes, and an overrun of the stage budget is logged.
func (d *Dispatcher) Dispatch(ctx context.Context, a *AlertRecord, p *Policy) DispatchOutcome {
	parent := ctx
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "alerting.dispatch", trace.WithAttributes(
		attribute.String("warden.alert.id", a.ID),
		attribute.String("warden.app.id", a.AppID),
		attribute.String("warden.severity", a.Severity.String()),
		attribute.String("warden.persona", a.Persona),
	))
	defer span.End()

	start := d.clock.Now()
	tier := p.Tier(a.Severity)
	channels := uniqueChannels(a.Channels)
	if len(channels) == 0 {
		channels = uniqueChannels(tier.Channels)
	}
	primary := tier.Primary
	if !slices.Contains(channels, primary) && len(channels) > 0 {
		primary = channels[0]
	}

	run := &dispatchRun{delivered: make(chan struct{})}
	run.waitCtx, run.cancel = context.WithCancel(ctx)
	defer run.cancel()

	view := a.Clone()
	results := make([]ChannelAttempt, len(channels))
	var wg sync.WaitGroup
	for i, ch := range channels {
		wg.Add(1)
		go func(i int, ch string) {
			defer wg.Done()
			results[i] = d.deliver(ctx, view, ch, slices.Contains(tier.Mandatory, ch), false, p, run)
			if ch != primary || results[i].State != AttemptFailed {
				return
			}
			fb := tier.Fallback
			if fb == "" || slices.Contains(channels, fb) {
				return
			}
			emit(ctx, d.auditor, d.clock, AuditEvent{
				Type: AuditDeliveryFallback, AppID: a.AppID, AlertID: a.ID, Severity: a.Severity,
				Channel: fb, Reason: fmt.Sprintf("primary channel %s exhausted retries", ch),
			})
			att := d.deliver(ctx, view, fb, true, true, p, run)
			run.mu.Lock()
			run.extras = append(run.extras, att)
			run.mu.Unlock()
		}(i, ch)
	}
	wg.Wait()

	a.Attempts = append(results, run.extras...)
	a.Status = AlertFailedDelivery
	for _, att := range a.Attempts {
		if att.State != AttemptDelivered {
			continue
		}
		a.Status = AlertDelivered
		if a.DeliveredAt == nil || att.FinishedAt.Before(*a.DeliveredAt) {
			t := att.FinishedAt
			a.DeliveredAt = &t
		}
	}

	out := DispatchOutcome{Delivered: a.Status == AlertDelivered, Duration: d.clock.Now().Sub(start)}
	deadlinePassed := false
	if dl, ok := parent.Deadline(); ok && time.Now().After(dl) {
		deadlinePassed = true
	}
	if (p.StageBudget > 0 && out.Duration > p.StageBudget) || deadlinePassed {
		out.Overran = true
		d.logger.Warn(ctx, "dispatch overran stage budget",
			"alert_id", a.ID,
			"duration", out.Duration.String(),
			"stage_budget", p.StageBudget.String(),
			"deadline_passed", deadlinePassed,
		)
	}
	span.SetAttributes(attribute.String("warden.alert.status", string(a.Status)))
	if !out.Delivered {
		span.SetStatus(codes.Error, "all channels failed")
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, a *AlertRecord, ch string, mandatory, fallback bool, p *Policy, run *dispatchRun) ChannelAttempt {
	att := ChannelAttempt{
		Channel:   ch,
		State:     AttemptPending,
		Mandatory: mandatory,
		Fallback:  fallback,
		StartedAt: d.clock.Now(),
	}
	L := d.logger.With("alert_id", a.ID, "channel", ch)
	ev := func(t AuditType, reason string) {
		emit(ctx, d.auditor, d.clock, AuditEvent{
			Type: t, AppID: a.AppID, AlertID: a.ID, Severity: a.Severity, Channel: ch, Reason: reason,
			Details: map[string]string{"attempts": fmt.Sprint(att.Attempts)},
		})
	}
	finish := func(state AttemptState) ChannelAttempt {
		att.State = state
		att.FinishedAt = d.clock.Now()
		d.hooks.delivery(ch, state, att.Attempts, att.FinishedAt.Sub(att.StartedAt))
		return att
	}

	sender, ok := d.senders[ch]
	if !ok {
		att.LastError = "no sender configured for channel"
		L.Warn(ctx, "alert routed to unconfigured channel")
		ev(AuditDeliveryFailed, att.LastError)
		return finish(AttemptFailed)
	}

	waitCtx := ctx
	if !mandatory {
		waitCtx = run.waitCtx
	}
	rp := p.RetryFor(ch)
	bo := newBackoff(rp)
	g := d.gateFor(ch, p)

	for att.Attempts < rp.MaxAttempts {
		if !mandatory && run.isDelivered() {
			ev(AuditDeliveryCancelled, "delivered on another channel")
			return finish(AttemptCancelled)
		}
		if wait := g.delay(d.clock.Now()); wait > 0 {
			if err := d.clock.Sleep(waitCtx, wait); err != nil {
				ev(AuditDeliveryCancelled, "delivered on another channel")
				return finish(AttemptCancelled)
			}
		}

		att.Attempts++
		sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := sender.Send(sctx, a)
		cancel()
		if err == nil {
			att.LastError = ""
			run.markDelivered()
			ev(AuditDeliveryDelivered, "")
			return finish(AttemptDelivered)
		}

		att.LastError = err.Error()
		var rl *RateLimitError
		if errors.As(err, &rl) {
			att.RateLimited++
			pauseFor := rl.RetryAfter
			if pauseFor <= 0 {
				pauseFor = p.RateLimitBackoff
			}
			g.pause(d.clock.Now().Add(pauseFor))
			L.Warn(ctx, "channel rate limited", "retry_after", pauseFor.String(), "attempt", att.Attempts)
			ev(AuditDeliveryRateLimited, err.Error())
			continue
		}

		L.Warn(ctx, "delivery attempt failed", "attempt", att.Attempts, "max_attempts", rp.MaxAttempts, "error", err)
		ev(AuditDeliveryAttempt, err.Error())
		if att.Attempts >= rp.MaxAttempts {
			break
		}
		if err := d.clock.Sleep(waitCtx, bo.NextBackOff()); err != nil {
			ev(AuditDeliveryCancelled, "delivered on another channel")
			return finish(AttemptCancelled)
		}
	}

	derr := &DeliveryError{Channel: ch, Attempts: att.Attempts, Err: errors.New(att.LastError)}
	L.Error(ctx, derr, "channel exhausted retries")
	ev(AuditDeliveryFailed, derr.Error())
	return finish(AttemptFailed)
}

func newBackoff(rp RetryPolicy) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rp.InitialInterval
	b.MaxInterval = rp.MaxInterval
	b.Multiplier = rp.Multiplier
	b.RandomizationFactor = rp.Jitter
	b.Reset()
	return b
}

func uniqueChannels(in []string) []string {
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c != "" && !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
