package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/incidentd/internal/alert"
)

// IngestResult is the outcome for one alert of a payload.
type IngestResult struct {
	Index       int    `json:"index"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Action      Action `json:"action,omitempty"`
	IncidentID  string `json:"incident_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// IngestReport summarizes a webhook payload.
type IngestReport struct {
	Received int            `json:"received"`
	Rejected int            `json:"rejected"`
	Results  []IngestResult `json:"results"`
}

// ServiceOptions tunes ingestion failure handling.
type ServiceOptions struct {
	// IngestTimeout bounds the store work for a single alert. Zero disables it.
	IngestTimeout time.Duration

	// BreakerFailures is the number of consecutive store failures that opens
	// the ingestion breaker. Zero disables the breaker.
	BreakerFailures uint32

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration
}

// Service is the business boundary for incident operations.
type Service struct {
	store      Store
	normalizer *alert.Normalizer
	engine     *Engine
	lifecycle  *Lifecycle
	breaker    *gobreaker.CircuitBreaker
	logger     log.Logger
	metrics    *Metrics
	opts       ServiceOptions
}

// NewService wires the normalizer, correlation engine and lifecycle controller
// over a shared store.
func NewService(store Store, normalizer *alert.Normalizer, logger log.Logger, metrics *Metrics, opts ServiceOptions) *Service {
	if store == nil {
		panic(xerrors.New("incident store is required"))
	}
	if normalizer == nil {
		normalizer = alert.NewNormalizer("")
	}
	if logger == nil {
		logger = log.Nop()
	}

	s := &Service{
		store:      store,
		normalizer: normalizer,
		engine:     NewEngine(store, logger),
		lifecycle:  NewLifecycle(store, logger),
		logger:     logger,
		metrics:    metrics,
		opts:       opts,
	}

	if opts.BreakerFailures > 0 {
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "incident-store",
			MaxRequests: 1,
			Timeout:     opts.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= opts.BreakerFailures
			},
			// only storage failures count against the store; a caller hanging up
			// says nothing about its health, an ingest timeout does
			IsSuccessful: func(err error) bool {
				return err == nil || !IsPersistence(err) || errors.Is(err, context.Canceled)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn(context.Background(), "circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
				metrics.breakerState(to)
			},
		})
	}

	return s
}

// IngestPayload normalizes a webhook payload and correlates each alert in
// payload order. Malformed JSON returns alert.ErrMalformed. Alerts failing
// validation are reported in the result and skipped. A storage failure aborts
// the remaining alerts and is returned; the sender may redeliver the whole
// payload since ingestion is idempotent.
func (s *Service) IngestPayload(ctx context.Context, raw []byte) (*IngestReport, error) {
	start := time.Now()
	defer func() { s.metrics.ingestDuration(time.Since(start).Seconds()) }()

	items, err := s.normalizer.NormalizeBatch(raw)
	if err != nil {
		s.metrics.reject("malformed")
		return nil, err
	}

	report := &IngestReport{
		Received: len(items),
		Results:  make([]IngestResult, 0, len(items)),
	}

	for _, it := range items {
		res := IngestResult{Index: it.Index}

		if it.Err != nil {
			s.metrics.reject("invalid")
			s.logger.Warn(ctx, "rejected alert", "index", it.Index, "error", it.Err.Error())
			res.Error = it.Err.Error()
			report.Rejected++
			report.Results = append(report.Results, res)
			continue
		}

		res.Fingerprint = it.Alert.Fingerprint
		out, err := s.Ingest(ctx, it.Alert)
		if err != nil {
			if IsValidation(err) {
				s.metrics.reject("invalid")
				res.Error = err.Error()
				report.Rejected++
				report.Results = append(report.Results, res)
				continue
			}
			return report, fmt.Errorf("ingest alert %d (fingerprint %s): %w", it.Index, it.Alert.Fingerprint, err)
		}

		res.Action = out.Action
		if out.Incident != nil {
			res.IncidentID = out.Incident.ID
		}
		report.Results = append(report.Results, res)
	}

	return report, nil
}

// Ingest correlates one normalized alert, guarded by the ingestion timeout and
// circuit breaker.
func (s *Service) Ingest(ctx context.Context, al *alert.Normalized) (*Outcome, error) {
	if s.opts.IngestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.IngestTimeout)
		defer cancel()
	}

	var (
		out *Outcome
		err error
	)
	if s.breaker == nil {
		out, err = s.engine.Ingest(ctx, al)
	} else {
		var v any
		v, err = s.breaker.Execute(func() (any, error) {
			return s.engine.Ingest(ctx, al)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &PersistenceError{Op: "ingest", Err: fmt.Errorf("%w: %w", ErrUnavailable, err)}
		}
		out, _ = v.(*Outcome)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.alert(out.Action)
	return out, nil
}

// List returns incidents matching f.
func (s *Service) List(ctx context.Context, f ListFilter) ([]*Incident, error) {
	return s.store.List(ctx, f)
}

// Get returns incident id or ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*Incident, error) {
	return s.store.Get(ctx, id)
}

// SetStatus moves incident id to status.
func (s *Service) SetStatus(ctx context.Context, id, status string) (*Incident, error) {
	return s.Apply(ctx, id, Change{Status: &status})
}

// Assign sets or clears the assignee of incident id.
func (s *Service) Assign(ctx context.Context, id, assignee string) (*Incident, error) {
	return s.Apply(ctx, id, Change{Assignee: &assignee})
}

// Apply applies a manual change to incident id.
func (s *Service) Apply(ctx context.Context, id string, ch Change) (*Incident, error) {
	inc, err := s.lifecycle.Apply(ctx, id, ch)
	if err != nil {
		return nil, err
	}
	if ch.Status != nil {
		s.metrics.statusChange(inc.Status)
	}
	return inc, nil
}
