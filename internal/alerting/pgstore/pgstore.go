// Package pgstore provides a PostgreSQL implementation of alerting.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/seal"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/alerting/pgstore")

//go:embed schema.sql
var schema string

// Store persists violations and alerts in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	box  *seal.Box
}

// Option configures a Store.
type Option func(*Store)

// WithSeal encrypts violation evidence and alert records at rest with box.
// Rows written without a box stay readable.
func WithSeal(box *seal.Box) Option {
	return func(s *Store) { s.box = box }
}

// New applies the schema on pool and returns a ready Store. The Store takes
// ownership of the pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &Store{pool: pool}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// envelope is the JSONB shape of a sealed payload.
type envelope struct {
	Sealed []byte `json:"sealed"`
}

// encode marshals v, sealing it bound to id when the store has a box.
func (s *Store) encode(v any, id string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if s.box == nil {
		return raw, nil
	}
	return json.Marshal(envelope{Sealed: s.box.Seal(raw, []byte(id))})
}

func (s *Store) decode(data []byte, id string, v any) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Sealed != nil {
		if s.box == nil {
			return errors.New("payload is sealed but no storage key is configured")
		}
		if data, err = s.box.Open(env.Sealed, []byte(id)); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pgstore."+name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const violationColumns = `id, app_id, rule_id, severity, state, detected_at, last_seen_at,
	resolved_at, evidence, description, remediation`

// PutViolation inserts or updates a violation.
func (s *Store) PutViolation(ctx context.Context, v *alerting.ViolationRecord) error {
	ctx, span := startSpan(ctx, "PutViolation", "UPSERT")
	defer span.End()

	evidence, err := s.encode(v.Evidence, v.ID)
	if err != nil {
		return fail(span, fmt.Errorf("marshal evidence: %w", err))
	}

	query := `INSERT INTO violations (` + violationColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	ON CONFLICT (id) DO UPDATE SET
		severity     = EXCLUDED.severity,
		state        = EXCLUDED.state,
		last_seen_at = EXCLUDED.last_seen_at,
		resolved_at  = EXCLUDED.resolved_at,
		evidence     = EXCLUDED.evidence,
		description  = EXCLUDED.description,
		remediation  = EXCLUDED.remediation`

	_, err = s.pool.Exec(ctx, query,
		v.ID, v.AppID, v.RuleID, int16(v.Severity), string(v.State), v.DetectedAt, v.LastSeenAt,
		v.ResolvedAt, evidence, v.Description, v.Remediation,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert violation: %w", err))
	}
	return nil
}

// GetViolation retrieves a violation by ID.
func (s *Store) GetViolation(ctx context.Context, id string) (*alerting.ViolationRecord, bool, error) {
	ctx, span := startSpan(ctx, "GetViolation", "SELECT")
	defer span.End()

	query := `SELECT ` + violationColumns + ` FROM violations WHERE id = $1`
	v, err := s.scanViolation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return v, true, nil
}

// OpenViolations returns the NEW and RECURRING violations of an application.
func (s *Store) OpenViolations(ctx context.Context, appID string) ([]*alerting.ViolationRecord, error) {
	return s.QueryViolations(ctx, alerting.ViolationQuery{
		AppID:  appID,
		States: []alerting.ViolationState{alerting.StateNew, alerting.StateRecurring},
	})
}

// QueryViolations returns matching violations, newest first.
func (s *Store) QueryViolations(ctx context.Context, q alerting.ViolationQuery) ([]*alerting.ViolationRecord, error) {
	ctx, span := startSpan(ctx, "QueryViolations", "SELECT")
	defer span.End()

	var w where
	if q.AppID != "" {
		w.add("app_id = $%d", q.AppID)
	}
	if len(q.States) > 0 {
		states := make([]string, len(q.States))
		for i, st := range q.States {
			states[i] = string(st)
		}
		w.add("state = ANY($%d)", states)
	}
	if !q.Since.IsZero() {
		w.add("detected_at >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		w.add("detected_at < $%d", q.Until)
	}

	query := `SELECT ` + violationColumns + ` FROM violations` + w.sql() + ` ORDER BY detected_at DESC, id DESC` + limit(q.Limit)
	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query violations: %w", err))
	}
	defer rows.Close()

	var out []*alerting.ViolationRecord
	for rows.Next() {
		v, err := s.scanViolation(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate violations: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// PruneResolved deletes violations resolved before the cutoff.
func (s *Store) PruneResolved(ctx context.Context, before time.Time) (int, error) {
	ctx, span := startSpan(ctx, "PruneResolved", "DELETE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM violations WHERE state = $1 AND resolved_at < $2`,
		string(alerting.StateResolved), before,
	)
	if err != nil {
		return 0, fail(span, fmt.Errorf("prune violations: %w", err))
	}
	return int(tag.RowsAffected()), nil
}

// PutAlert inserts or updates an alert. The full record is kept as JSONB with
// the filterable fields mirrored into columns.
func (s *Store) PutAlert(ctx context.Context, a *alerting.AlertRecord) error {
	ctx, span := startSpan(ctx, "PutAlert", "UPSERT")
	defer span.End()

	if err := s.putAlert(ctx, s.pool, a); err != nil {
		return fail(span, err)
	}
	return nil
}

func (s *Store) putAlert(ctx context.Context, db execer, a *alerting.AlertRecord) error {
	record, err := s.encode(a, a.ID)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	query := `INSERT INTO alerts (
		id, app_id, severity, status, created_at, acknowledged_at, redelivery_pending, internal, record
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	ON CONFLICT (id) DO UPDATE SET
		severity           = EXCLUDED.severity,
		status             = EXCLUDED.status,
		acknowledged_at    = EXCLUDED.acknowledged_at,
		redelivery_pending = EXCLUDED.redelivery_pending,
		record             = EXCLUDED.record`

	_, err = db.Exec(ctx, query,
		a.ID, a.AppID, int16(a.Severity), string(a.Status), a.CreatedAt, a.AcknowledgedAt,
		a.RedeliveryPending, a.Internal, record,
	)
	if err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// UpdateAlert locks the alert row for the length of a transaction, applies fn
// and writes the result back.
func (s *Store) UpdateAlert(ctx context.Context, id string, fn func(a *alerting.AlertRecord) error) (*alerting.AlertRecord, error) {
	ctx, span := startSpan(ctx, "UpdateAlert", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	a, err := s.scanAlert(tx.QueryRow(ctx, `SELECT id, record FROM alerts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, alerting.ErrNotFound
		}
		return nil, fail(span, err)
	}
	if err := fn(a); err != nil {
		return nil, err
	}
	if err := s.putAlert(ctx, tx, a); err != nil {
		return nil, fail(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return a, nil
}

// GetAlert retrieves an alert by ID.
func (s *Store) GetAlert(ctx context.Context, id string) (*alerting.AlertRecord, bool, error) {
	ctx, span := startSpan(ctx, "GetAlert", "SELECT")
	defer span.End()

	a, err := s.scanAlert(s.pool.QueryRow(ctx, `SELECT id, record FROM alerts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, err)
	}
	return a, true, nil
}

// QueryAlerts returns matching alerts, newest first.
func (s *Store) QueryAlerts(ctx context.Context, q alerting.AlertQuery) ([]*alerting.AlertRecord, error) {
	ctx, span := startSpan(ctx, "QueryAlerts", "SELECT")
	defer span.End()

	var w where
	if q.AppID != "" {
		w.add("app_id = $%d", q.AppID)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		w.add("status = ANY($%d)", statuses)
	}
	if q.MinSeverity > alerting.SeverityNone {
		w.add("severity >= $%d", int16(q.MinSeverity))
	}
	if q.Unacknowledged {
		w.clause("acknowledged_at IS NULL")
	}
	if q.PendingRedelivery {
		w.clause("redelivery_pending")
	}
	if !q.Since.IsZero() {
		w.add("created_at >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		w.add("created_at < $%d", q.Until)
	}

	query := `SELECT id, record FROM alerts` + w.sql() + ` ORDER BY created_at DESC, id DESC` + limit(q.Limit)
	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*alerting.AlertRecord
	for rows.Next() {
		a, err := s.scanAlert(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate alerts: %w", err))
	}
	span.SetAttributes(attribute.Int("db.rows", len(out)))
	return out, nil
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(format string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, fmt.Sprintf(format, len(w.args)))
}

func (w *where) clause(c string) {
	w.clauses = append(w.clauses, c)
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func limit(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

func (s *Store) scanViolation(row pgx.Row) (*alerting.ViolationRecord, error) {
	var (
		v        alerting.ViolationRecord
		severity int16
		state    string
		evidence []byte
	)
	err := row.Scan(
		&v.ID, &v.AppID, &v.RuleID, &severity, &state, &v.DetectedAt, &v.LastSeenAt,
		&v.ResolvedAt, &evidence, &v.Description, &v.Remediation,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan violation: %w", err)
	}
	v.Severity = alerting.Severity(severity)
	v.State = alerting.ViolationState(state)
	if err := s.decode(evidence, v.ID, &v.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	return &v, nil
}

func (s *Store) scanAlert(row pgx.Row) (*alerting.AlertRecord, error) {
	var (
		id     string
		record []byte
	)
	if err := row.Scan(&id, &record); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	var a alerting.AlertRecord
	if err := s.decode(record, id, &a); err != nil {
		return nil, fmt.Errorf("unmarshal alert: %w", err)
	}
	return &a, nil
}
