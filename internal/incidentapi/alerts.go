package incidentapi

import (
	"errors"
	"io"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

// handleIngestAlerts accepts an Alertmanager-style webhook or a single alert
// object. A storage failure returns 503 so the sender redelivers; ingestion is
// idempotent so replaying the alerts that already landed is harmless.
func (a *API) handleIngestAlerts(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("incidentd.payload.bytes", len(body)))

	report, err := a.svc.IngestPayload(r.Context(), body)
	if err != nil {
		switch {
		case errors.Is(err, alert.ErrMalformed):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, incident.ErrUnavailable), errors.Is(err, incident.ErrConflict):
			a.logger.Warn(r.Context(), "alert ingestion deferred", "error", err.Error())
			writeError(w, http.StatusServiceUnavailable, "store unavailable, retry later")
		default:
			a.logger.Error(r.Context(), err, "alert ingestion failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	span.SetAttributes(
		attribute.Int("incidentd.payload.received", report.Received),
		attribute.Int("incidentd.payload.rejected", report.Rejected),
	)

	if report.Received > 0 && report.Rejected == report.Received {
		writeJSON(w, http.StatusUnprocessableEntity, report)
		return
	}
	writeJSON(w, http.StatusAccepted, report)
}
