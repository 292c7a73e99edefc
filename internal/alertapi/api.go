// Package alertapi exposes the alerting service over HTTP.
package alertapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/audit"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	maxBodyBytes = 8 << 20
)

// Service defines the alerting operations the API needs.
type Service interface {
	Run(ctx context.Context, apps []alerting.AppSnapshot) (*alerting.RunReport, error)
	GetAlert(ctx context.Context, id string) (*alerting.AlertRecord, bool, error)
	QueryAlerts(ctx context.Context, q alerting.AlertQuery) ([]*alerting.AlertRecord, error)
	QueryViolations(ctx context.Context, q alerting.ViolationQuery) ([]*alerting.ViolationRecord, error)
	Acknowledge(ctx context.Context, id, by string) (*alerting.AlertRecord, error)
	Report(ctx context.Context, since time.Time) (*alerting.ComplianceReport, error)
}

// AuditLog is the queryable audit trail.
type AuditLog interface {
	Query(f audit.Filter) []alerting.AuditEvent
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Service
	audit  AuditLog
}

// New creates a new API handler. auditLog may be nil, in which case the
// audit endpoint returns an empty list.
func New(logger log.Logger, svc Service, auditLog AuditLog) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("alerting service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		audit:  auditLog,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", a.handleRun)
		r.Get("/violations", a.handleListViolations)
		r.Get("/alerts", a.handleListAlerts)
		r.Get("/alerts/{id}", a.handleGetAlert)
		r.Post("/alerts/{id}/ack", a.handleAcknowledge)
		r.Get("/report", a.handleReport)
		r.Get("/audit", a.handleAudit)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	a.logger.Error(r.Context(), err, msg, kv...)
	writeError(w, http.StatusInternalServerError, "internal error")
}
