package incident

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

const maxAssigneeLen = 256

// Change is a manual update request. Nil fields are left untouched.
type Change struct {
	Status   *string `json:"status,omitempty"`
	Assignee *string `json:"assignee,omitempty"`
}

// Lifecycle applies manual status and assignee changes.
//
// Any of the three statuses is accepted from any current status, including
// moving backwards, so operators can correct mistakes. Only the value is
// validated.
type Lifecycle struct {
	store  Store
	logger log.Logger
}

// NewLifecycle creates a lifecycle controller backed by store.
func NewLifecycle(store Store, logger log.Logger) *Lifecycle {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Lifecycle{store: store, logger: logger}
}

// SetStatus moves incident id to status.
func (l *Lifecycle) SetStatus(ctx context.Context, id, status string) (*Incident, error) {
	return l.Apply(ctx, id, Change{Status: &status})
}

// Assign sets the assignee of incident id. An empty assignee clears it.
func (l *Lifecycle) Assign(ctx context.Context, id, assignee string) (*Incident, error) {
	return l.Apply(ctx, id, Change{Assignee: &assignee})
}

// Apply validates ch and applies it in a single atomic update.
func (l *Lifecycle) Apply(ctx context.Context, id string, ch Change) (*Incident, error) {
	if ch.Status == nil && ch.Assignee == nil {
		return nil, &ValidationError{Field: "body", Reason: "status or assignee is required"}
	}

	var status Status
	if ch.Status != nil {
		s, err := ParseStatus(*ch.Status)
		if err != nil {
			return nil, err
		}
		status = s
	}

	var assignee string
	if ch.Assignee != nil {
		assignee = strings.TrimSpace(*ch.Assignee)
		if len(assignee) > maxAssigneeLen {
			return nil, &ValidationError{Field: "assignee", Reason: "too long"}
		}
	}

	ctx, span := tracer.Start(ctx, "incident.apply_change", trace.WithAttributes(
		attribute.String("incidentd.incident.id", id),
	))
	defer span.End()

	var prev Status
	inc, err := l.store.Update(ctx, id, func(inc *Incident) error {
		prev = inc.Status
		if ch.Status != nil {
			inc.Status = status
		}
		if ch.Assignee != nil {
			inc.Assignee = assignee
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("incidentd.incident.status", string(inc.Status)))
	l.logger.Info(ctx, "incident changed",
		"incident_id", inc.ID,
		"from_status", prev,
		"status", inc.Status,
		"assignee", inc.Assignee,
	)
	return inc, nil
}
