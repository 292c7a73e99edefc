package alertapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/warden/internal/alerting"
	"github.com/linnemanlabs/warden/internal/authmw"
)

func (a *API) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	limit, err := parseLimit(qv.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := alerting.AlertQuery{AppID: qv.Get("app"), Limit: limit}
	for _, s := range splitList(qv.Get("status")) {
		st := alerting.AlertStatus(strings.ToUpper(s))
		switch st {
		case alerting.AlertPending, alerting.AlertDelivered, alerting.AlertFailedDelivery:
			q.Statuses = append(q.Statuses, st)
		default:
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", s))
			return
		}
	}
	if v := qv.Get("min_severity"); v != "" {
		if q.MinSeverity, err = alerting.ParseSeverity(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := qv.Get("unacked"); v != "" {
		if q.Unacknowledged, err = strconv.ParseBool(v); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid unacked %q", v))
			return
		}
	}
	if q.Since, err = parseTime(qv.Get("since")); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := a.svc.QueryAlerts(r.Context(), q)
	if err != nil {
		a.internalError(w, r, err, "failed to query alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": nonNil(out)})
}

func (a *API) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("warden.alert.id", id))

	rec, ok, err := a.svc.GetAlert(r.Context(), id)
	if err != nil {
		a.internalError(w, r, err, "failed to get alert", "id", id)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("warden.alert.status", string(rec.Status)))
	writeJSON(w, http.StatusOK, rec)
}

type ackRequest struct {
	By string `json:"by"`
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("warden.alert.id", id))

	var req ackRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	// Authenticated callers default to their token name.
	if strings.TrimSpace(req.By) == "" {
		req.By = authmw.Principal(r.Context())
	}
	if strings.TrimSpace(req.By) == "" {
		writeError(w, http.StatusBadRequest, "by is required")
		return
	}

	rec, err := a.svc.Acknowledge(r.Context(), id, req.By)
	switch {
	case errors.Is(err, alerting.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case err != nil:
		a.internalError(w, r, err, "failed to acknowledge alert", "id", id)
		return
	}
	a.logger.Info(r.Context(), "alert acknowledged", "id", id, "by", req.By)
	writeJSON(w, http.StatusOK, rec)
}
