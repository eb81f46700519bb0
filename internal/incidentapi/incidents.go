package incidentapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

type listResponse struct {
	Incidents []*incident.Incident `json:"incidents"`
	Count     int                  `json:"count"`
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	incs, err := a.svc.List(r.Context(), f)
	if err != nil {
		a.writeIncidentError(w, r, err, "failed to list incidents")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(attribute.Int("incidentd.incidents.count", len(incs)))
	writeJSON(w, http.StatusOK, listResponse{Incidents: incs, Count: len(incs)})
}

func parseListFilter(r *http.Request) (incident.ListFilter, error) {
	q := r.URL.Query()
	f := incident.ListFilter{
		Service:     q.Get("service"),
		Environment: q.Get("environment"),
		Fingerprint: q.Get("fingerprint"),
	}

	if s := q.Get("status"); s != "" {
		st, err := incident.ParseStatus(s)
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	if s := q.Get("severity"); s != "" {
		sev := alert.Severity(strings.ToLower(strings.TrimSpace(s)))
		if !sev.Valid() {
			return f, &incident.ValidationError{Field: "severity", Reason: strconv.Quote(s) + " is not one of critical, warning, info, low"}
		}
		f.Severity = sev
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return f, &incident.ValidationError{Field: "limit", Reason: "must be a positive integer"}
		}
		f.Limit = n
	}
	return f, nil
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("incidentd.incident.id", id))

	inc, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.writeIncidentError(w, r, err, "failed to get incident", "id", id)
		return
	}

	span.SetAttributes(attribute.String("incidentd.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handlePatchIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("incidentd.incident.id", id))

	var ch incident.Change
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ch); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	inc, err := a.svc.Apply(r.Context(), id, ch)
	if err != nil {
		a.writeIncidentError(w, r, err, "failed to update incident", "id", id)
		return
	}

	span.SetAttributes(attribute.String("incidentd.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}
