package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultRuleTimeout is the wall-clock budget of a single rule evaluation.
const DefaultRuleTimeout = 10 * time.Second

const maxPredicateDepth = 8

// PredicateKind tags the variant held by a Predicate.
type PredicateKind string

const (
	KindThreshold          PredicateKind = "threshold"
	KindPermissionConflict PredicateKind = "permission_conflict"
	KindAll                PredicateKind = "all"
	KindAny                PredicateKind = "any"
)

// Predicate is a closed set of conditions evaluated by the rule interpreter.
// Only the fields of the tagged Kind are meaningful.
type Predicate struct {
	Kind PredicateKind

	// threshold
	KPI   string
	Op    string
	Value float64

	// permission_conflict
	ForbiddenPairs [][2]string
	CrossApp       bool

	// all, any
	Of []Predicate
}

// Rule is a custom policy rule.
type Rule struct {
	ID              string
	Description     string
	Severity        Severity
	Predicate       Predicate
	Remediation     string
	Recommendations []string

	tmpl *template.Template
}

// SoD reports whether the rule is a separation-of-duties rule.
func (r *Rule) SoD() bool {
	return r.Predicate.Kind == KindPermissionConflict
}

// BreachSeverity is the severity a breach of r carries. SoD conflicts are
// always CRITICAL.
func (r *Rule) BreachSeverity() Severity {
	if r.SoD() {
		return SeverityCritical
	}
	return r.Severity
}

var validOps = []string{">", ">=", "<", "<=", "==", "!="}

func validateRules(rules []Rule) error {
	var errs []error
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		r := &rules[i]
		field := fmt.Sprintf("rules[%d]", i)
		if r.ID != "" {
			field = "rules." + r.ID
		}
		switch {
		case r.ID == "":
			errs = append(errs, configErr(field, "id is required"))
		case seen[r.ID]:
			errs = append(errs, configErr(field, "duplicate rule id"))
		case strings.HasPrefix(r.ID, ThresholdRulePrefix):
			errs = append(errs, configErr(field, "ids starting with %q are reserved", ThresholdRulePrefix))
		}
		seen[r.ID] = true
		if !r.SoD() && !r.Severity.Valid() {
			errs = append(errs, configErr(field, "severity is required"))
		}
		if err := validatePredicate(r.Predicate, 1); err != nil {
			errs = append(errs, configErr(field, "%v", err))
		}
		if _, err := parseRemediation(r.ID, r.Remediation); err != nil {
			errs = append(errs, configErr(field, "remediation template: %v", err))
		}
	}
	return errors.Join(errs...)
}

func validatePredicate(p Predicate, depth int) error {
	if depth > maxPredicateDepth {
		return fmt.Errorf("predicate nesting exceeds %d levels", maxPredicateDepth)
	}
	switch p.Kind {
	case KindThreshold:
		if p.KPI == "" {
			return errors.New("threshold predicate needs a kpi")
		}
		if !slices.Contains(validOps, p.Op) {
			return fmt.Errorf("unknown operator %q", p.Op)
		}
	case KindPermissionConflict:
		if len(p.ForbiddenPairs) == 0 {
			return errors.New("permission_conflict predicate needs forbidden pairs")
		}
		for _, pair := range p.ForbiddenPairs {
			if pair[0] == "" || pair[1] == "" || pair[0] == pair[1] {
				return fmt.Errorf("invalid forbidden pair %v", pair)
			}
		}
	case KindAll, KindAny:
		if len(p.Of) == 0 {
			return fmt.Errorf("%s predicate needs at least one operand", p.Kind)
		}
		for _, sub := range p.Of {
			if err := validatePredicate(sub, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	return nil
}

func parseRemediation(id, text string) (*template.Template, error) {
	if text == "" {
		return nil, nil
	}
	return template.New(id).Option("missingkey=zero").Parse(text)
}

// Breach is a rule or threshold that fired for an application.
type Breach struct {
	RuleID          string
	Severity        Severity
	Evidence        Evidence
	Description     string
	Remediation     string
	Recommendations []string
}

// RuleResults is the outcome of evaluating a rule set for one application.
type RuleResults struct {
	Breaches []Breach
	Failures []*RuleExecutionError
}

// RuleEngine evaluates rules concurrently, each under its own deadline.
type RuleEngine struct {
	timeout time.Duration
	logger  log.Logger
	eval    func(ctx context.Context, r *Rule, snap *AppSnapshot) (bool, Evidence, error)
}

// RuleEngineOption configures a RuleEngine.
type RuleEngineOption func(*RuleEngine)

// WithRuleTimeout overrides DefaultRuleTimeout.
func WithRuleTimeout(d time.Duration) RuleEngineOption {
	return func(e *RuleEngine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewRuleEngine returns a RuleEngine using the predicate interpreter.
func NewRuleEngine(logger log.Logger, opts ...RuleEngineOption) *RuleEngine {
	if logger == nil {
		logger = log.Nop()
	}
	e := &RuleEngine{
		timeout: DefaultRuleTimeout,
		logger:  logger,
		eval: func(ctx context.Context, r *Rule, snap *AppSnapshot) (bool, Evidence, error) {
			return evalPredicate(ctx, r.Predicate, snap, 1)
		},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type ruleOutcome struct {
	breach  *Breach
	failure *RuleExecutionError
}

// Evaluate runs every rule against snap. A rule that errors, panics or
// overruns its deadline is reported in Failures and never produces a breach.
// The snapshot must not be mutated while Evaluate runs.
func (e *RuleEngine) Evaluate(ctx context.Context, snap *AppSnapshot, rules []Rule) RuleResults {
	outcomes := make([]ruleOutcome, len(rules))
	var wg sync.WaitGroup
	for i := range rules {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = e.runOne(ctx, &rules[i], snap)
		}(i)
	}
	wg.Wait()

	var res RuleResults
	for _, o := range outcomes {
		switch {
		case o.failure != nil:
			e.logger.Warn(ctx, "rule evaluation failed",
				"app_id", snap.AppID,
				"rule_id", o.failure.RuleID,
				"reason", o.failure.Reason,
				"error", o.failure.Err,
			)
			res.Failures = append(res.Failures, o.failure)
		case o.breach != nil:
			res.Breaches = append(res.Breaches, *o.breach)
		}
	}
	return res
}

func (e *RuleEngine) runOne(ctx context.Context, r *Rule, snap *AppSnapshot) ruleOutcome {
	rctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		matched bool
		ev      Evidence
		err     error
		panic   bool
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("panic: %v", p), panic: true}
			}
		}()
		matched, ev, err := e.eval(rctx, r, snap)
		done <- result{matched: matched, ev: ev, err: err}
	}()

	fail := func(reason string, err error) ruleOutcome {
		return ruleOutcome{failure: &RuleExecutionError{RuleID: r.ID, AppID: snap.AppID, Reason: reason, Err: err}}
	}

	select {
	case res := <-done:
		switch {
		case res.panic:
			return fail(ReasonPanic, res.err)
		case res.err != nil && errors.Is(res.err, context.DeadlineExceeded):
			return fail(ReasonTimeout, res.err)
		case res.err != nil:
			return fail(ReasonError, res.err)
		case !res.matched:
			return ruleOutcome{}
		}
		sev := r.BreachSeverity()
		return ruleOutcome{breach: &Breach{
			RuleID:          r.ID,
			Severity:        sev,
			Evidence:        res.ev,
			Description:     r.Description,
			Remediation:     renderRemediation(r, snap.AppID, sev, res.ev),
			Recommendations: slices.Clone(r.Recommendations),
		}}
	case <-rctx.Done():
		if errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return fail(ReasonTimeout, fmt.Errorf("exceeded %s budget: %w", e.timeout, rctx.Err()))
		}
		return fail(ReasonError, rctx.Err())
	}
}

func renderRemediation(r *Rule, appID string, sev Severity, ev Evidence) string {
	tmpl := r.tmpl
	if tmpl == nil {
		var err error
		tmpl, err = parseRemediation(r.ID, r.Remediation)
		if err != nil || tmpl == nil {
			return r.Remediation
		}
	}
	var buf bytes.Buffer
	data := map[string]any{
		"AppID":    appID,
		"RuleID":   r.ID,
		"Severity": sev.String(),
		"KPIs":     ev.KPIValues,
		"Details":  ev.Details,
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return r.Remediation
	}
	return buf.String()
}

func evalPredicate(ctx context.Context, p Predicate, snap *AppSnapshot, depth int) (bool, Evidence, error) {
	if err := ctx.Err(); err != nil {
		return false, Evidence{}, err
	}
	if depth > maxPredicateDepth {
		return false, Evidence{}, fmt.Errorf("predicate nesting exceeds %d levels", maxPredicateDepth)
	}
	switch p.Kind {
	case KindThreshold:
		return evalThreshold(p, snap)
	case KindPermissionConflict:
		return evalConflict(p, snap)
	case KindAll, KindAny:
		var merged Evidence
		matchedAny := false
		for _, sub := range p.Of {
			ok, ev, err := evalPredicate(ctx, sub, snap, depth+1)
			if err != nil {
				return false, Evidence{}, err
			}
			if ok {
				matchedAny = true
				mergeEvidence(&merged, ev)
			} else if p.Kind == KindAll {
				return false, Evidence{}, nil
			}
		}
		if p.Kind == KindAny && !matchedAny {
			return false, Evidence{}, nil
		}
		return true, merged, nil
	default:
		return false, Evidence{}, fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
}

func evalThreshold(p Predicate, snap *AppSnapshot) (bool, Evidence, error) {
	v, ok := snap.KPIs[p.KPI]
	if !ok {
		return false, Evidence{}, fmt.Errorf("kpi %q missing from snapshot", p.KPI)
	}
	var matched bool
	switch p.Op {
	case ">":
		matched = v > p.Value
	case ">=":
		matched = v >= p.Value
	case "<":
		matched = v < p.Value
	case "<=":
		matched = v <= p.Value
	case "==":
		matched = v == p.Value
	case "!=":
		matched = v != p.Value
	default:
		return false, Evidence{}, fmt.Errorf("unknown operator %q", p.Op)
	}
	if !matched {
		return false, Evidence{}, nil
	}
	return true, Evidence{
		KPIValues:  map[string]float64{p.KPI: v},
		Thresholds: map[string]float64{p.KPI: p.Value},
	}, nil
}

func evalConflict(p Predicate, snap *AppSnapshot) (bool, Evidence, error) {
	users := make([]string, 0, len(snap.Permissions))
	for u := range snap.Permissions {
		users = append(users, u)
	}
	if p.CrossApp {
		for u := range snap.CrossAppPermissions {
			if _, ok := snap.Permissions[u]; !ok {
				users = append(users, u)
			}
		}
	}
	sort.Strings(users)

	details := make(map[string]string)
	for _, u := range users {
		local := toSet(snap.Permissions[u])
		all := local
		if p.CrossApp {
			all = toSet(snap.Permissions[u], snap.CrossAppPermissions[u])
		}
		var hits []string
		for _, pair := range p.ForbiddenPairs {
			a, b := pair[0], pair[1]
			if !all[a] || !all[b] {
				continue
			}
			// scoped to this application: one side must be held here
			if !local[a] && !local[b] {
				continue
			}
			hits = append(hits, a+"+"+b)
		}
		if len(hits) > 0 {
			details["conflict."+u] = strings.Join(hits, ",")
		}
	}
	if len(details) == 0 {
		return false, Evidence{}, nil
	}
	details["conflicting_users"] = strconv.Itoa(len(details))
	if p.CrossApp {
		details["scope"] = "cross_app"
	}
	return true, Evidence{Details: details}, nil
}

func toSet(lists ...[]string) map[string]bool {
	out := make(map[string]bool)
	for _, l := range lists {
		for _, s := range l {
			out[s] = true
		}
	}
	return out
}

func mergeEvidence(dst *Evidence, src Evidence) {
	for k, v := range src.KPIValues {
		if dst.KPIValues == nil {
			dst.KPIValues = make(map[string]float64)
		}
		dst.KPIValues[k] = v
	}
	for k, v := range src.Thresholds {
		if dst.Thresholds == nil {
			dst.Thresholds = make(map[string]float64)
		}
		dst.Thresholds[k] = v
	}
	for k, v := range src.Details {
		if dst.Details == nil {
			dst.Details = make(map[string]string)
		}
		dst.Details[k] = v
	}
}
