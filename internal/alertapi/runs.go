package alertapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/audit"
	"github.com/linnemanlabs/warden/internal/postgres"
)

type runRequest struct {
	Apps []alerting.AppSnapshot `json:"apps"`
}

func (a *API) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if len(req.Apps) == 0 {
		writeError(w, http.StatusBadRequest, "apps must not be empty")
		return
	}
	for i := range req.Apps {
		if req.Apps[i].AppID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("apps[%d]: app_id is required", i))
			return
		}
	}

	ctx, stats := postgres.WithStats(r.Context())
	rep, err := a.svc.Run(ctx, req.Apps)
	if err != nil {
		a.internalError(w, r, err, "run failed", "apps", len(req.Apps))
		return
	}

	queries, dbTime, dbErrs := stats.Snapshot()
	a.logger.Info(ctx, "run complete",
		"run_id", rep.RunID,
		"status", rep.Status,
		"db_queries", queries,
		"db_time", dbTime,
		"db_errors", dbErrs,
	)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("warden.run.id", rep.RunID),
		attribute.String("warden.run.status", rep.Status),
		attribute.Int("warden.run.db_queries", queries),
		attribute.Int("warden.run.db_errors", dbErrs),
	)
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleListViolations(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	limit, err := parseLimit(qv.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := alerting.ViolationQuery{AppID: qv.Get("app"), Limit: limit}
	for _, s := range splitList(qv.Get("state")) {
		st := alerting.ViolationState(strings.ToUpper(s))
		switch st {
		case alerting.StateNew, alerting.StateRecurring, alerting.StateResolved:
			q.States = append(q.States, st)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown state %q", s))
			return
		}
	}
	if q.Since, err = parseTime(qv.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.svc.QueryViolations(r.Context(), q)
	if err != nil {
		a.internalError(w, r, err, "failed to query violations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"violations": nonNil(out)})
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := a.svc.Report(r.Context(), since)
	if err != nil {
		a.internalError(w, r, err, "failed to build report")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	limit, err := parseLimit(qv.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := audit.Filter{AppID: qv.Get("app"), AlertID: qv.Get("alert"), Limit: limit}
	for _, t := range splitList(qv.Get("type")) {
		f.Types = append(f.Types, alerting.AuditType(t))
	}
	if f.Since, err = parseTime(qv.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var events []alerting.AuditEvent
	if a.audit != nil {
		events = a.audit.Query(f)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return min(n, maxLimit), nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339", s)
	}
	return t, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
