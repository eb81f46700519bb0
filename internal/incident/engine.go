package incident

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/incidentd/internal/alert"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/incident")

// maxIngestAttempts bounds how often one alert re-reads state after losing a race.
const maxIngestAttempts = 3

// errStale signals that state changed between lookup and lock; re-read and retry.
var errStale = errors.New("incident state changed")

// Action is what ingesting an alert did.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionNoop    Action = "noop"
)

// Outcome is the result of ingesting one alert. Incident is nil for ActionNoop.
type Outcome struct {
	Action   Action
	Incident *Incident
}

// Engine correlates normalized alerts with incidents. Replaying the same
// sequence of firing/resolved alerts for a fingerprint always converges to the
// same incident state, so at-least-once delivery never duplicates incidents.
type Engine struct {
	store  Store
	logger log.Logger
}

// NewEngine creates a correlation engine backed by store.
func NewEngine(store Store, logger log.Logger) *Engine {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{store: store, logger: logger}
}

// Ingest applies one alert: a firing alert updates the active incident for its
// fingerprint or opens a new one; a resolved alert resolves the active incident
// or does nothing.
func (e *Engine) Ingest(ctx context.Context, al *alert.Normalized) (*Outcome, error) {
	if al == nil || al.Fingerprint == "" {
		return nil, &ValidationError{Field: "fingerprint", Reason: "required"}
	}

	ctx, span := tracer.Start(ctx, "incident.ingest", trace.WithAttributes(
		attribute.String("incidentd.alert.fingerprint", al.Fingerprint),
		attribute.String("incidentd.alert.status", string(al.Status)),
	))
	defer span.End()

	out, err := e.ingest(ctx, al)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("incidentd.ingest.action", string(out.Action)))
	if out.Incident != nil {
		span.SetAttributes(attribute.String("incidentd.incident.id", out.Incident.ID))
	}
	return out, nil
}

func (e *Engine) ingest(ctx context.Context, al *alert.Normalized) (*Outcome, error) {
	for attempt := 1; attempt <= maxIngestAttempts; attempt++ {
		var (
			out *Outcome
			err error
		)
		switch al.Status {
		case alert.StatusFiring:
			out, err = e.fire(ctx, al)
		case alert.StatusResolved:
			out, err = e.resolve(ctx, al)
		default:
			return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown alert status %q", al.Status)}
		}
		if errors.Is(err, errStale) {
			e.logger.Warn(ctx, "lost race on incident, retrying", "fingerprint", al.Fingerprint, "attempt", attempt)
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("ingest fingerprint %s after %d attempts: %w", al.Fingerprint, maxIngestAttempts, ErrConflict)
}

func (e *Engine) fire(ctx context.Context, al *alert.Normalized) (*Outcome, error) {
	cur, ok, err := e.store.FindActiveByFingerprint(ctx, al.Fingerprint)
	if err != nil {
		return nil, err
	}

	if ok {
		// repeat firing: status is left alone so an acknowledgement sticks
		inc, err := e.store.Update(ctx, cur.ID, func(inc *Incident) error {
			if !inc.Status.Active() {
				return errStale
			}
			inc.SourceAlert = mergeSource(inc.SourceAlert, al.Raw)
			inc.AlertCount++
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, errStale
			}
			return nil, err
		}
		return &Outcome{Action: ActionUpdated, Incident: inc}, nil
	}

	inc, err := e.store.Create(ctx, newIncident(al))
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, errStale
		}
		return nil, err
	}

	e.logger.Info(ctx, "incident opened",
		"incident_id", inc.ID,
		"fingerprint", inc.Fingerprint,
		"service", inc.Service,
		"environment", inc.Environment,
		"severity", inc.Severity,
	)
	return &Outcome{Action: ActionCreated, Incident: inc}, nil
}

func (e *Engine) resolve(ctx context.Context, al *alert.Normalized) (*Outcome, error) {
	cur, ok, err := e.store.FindActiveByFingerprint(ctx, al.Fingerprint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &Outcome{Action: ActionNoop}, nil
	}

	inc, err := e.store.Update(ctx, cur.ID, func(inc *Incident) error {
		if !inc.Status.Active() {
			return errStale
		}
		inc.Status = StatusResolved
		inc.SourceAlert = mergeSource(inc.SourceAlert, al.Raw)
		inc.AlertCount++
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, errStale
		}
		return nil, err
	}

	e.logger.Info(ctx, "incident auto-resolved", "incident_id", inc.ID, "fingerprint", inc.Fingerprint)
	return &Outcome{Action: ActionUpdated, Incident: inc}, nil
}

func newIncident(al *alert.Normalized) *Incident {
	severity := al.Severity
	if severity == "" {
		severity = alert.SeverityInfo
	}
	title := al.Title
	if title == "" {
		title = al.Service + " alert"
	}
	return &Incident{
		Title:       title,
		Service:     al.Service,
		Environment: al.Environment,
		Severity:    severity,
		Status:      StatusOpen,
		SourceAlert: mergeSource(nil, al.Raw),
		Fingerprint: al.Fingerprint,
		RunbookURL:  al.RunbookURL,
		AlertCount:  1,
	}
}

// mergeSource overlays the latest alert payload onto the stored one, top-level
// keys of next winning.
func mergeSource(prev, next map[string]any) map[string]any {
	if prev == nil && next == nil {
		return nil
	}
	out := make(map[string]any, len(prev)+len(next))
	for k, v := range prev {
		out[k] = v
	}
	for k, v := range next {
		out[k] = cloneValue(v)
	}
	return out
}
