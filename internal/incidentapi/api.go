// Package incidentapi exposes alert ingestion and incident queries over HTTP.
package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	IngestPayload(ctx context.Context, raw []byte) (*incident.IngestReport, error)
	List(ctx context.Context, f incident.ListFilter) ([]*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, error)
	Apply(ctx context.Context, id string, ch incident.Change) (*incident.Incident, error)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", a.handleIngestAlerts)
		r.Get("/incidents", a.handleListIncidents)
		r.Get("/incidents/{id}", a.handleGetIncident)
		r.Patch("/incidents/{id}", a.handlePatchIncident)
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with a write error once headers are out
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeIncidentError maps a read or lifecycle failure onto a status code.
// Server-side failures are logged; client errors are not.
func (a *API) writeIncidentError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case incident.IsValidation(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, incident.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, incident.ErrUnavailable):
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
