// Package pgstore provides a PostgreSQL implementation of incident.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/incidentd/internal/incident/pgstore")

//go:embed schema.sql
var schema string

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store persists incidents in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool and closes it.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, now: time.Now}, nil
}

const incidentColumns = `id, title, service, environment, severity, status, assignee,
	source_alert, fingerprint, runbook_url, alert_count, created_at, updated_at`

// Create inserts inc under a new ID. The partial unique index on active
// fingerprints turns a racing duplicate into incident.ErrConflict.
func (s *Store) Create(ctx context.Context, inc *incident.Incident) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.Create", "INSERT")
	defer span.End()

	cp := inc.Clone()
	if cp.Status == "" {
		cp.Status = incident.StatusOpen
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	cp.ID = ulid.Make().String()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := incident.CheckInvariants(cp); err != nil {
		return nil, err
	}

	src, err := marshalSource(cp.SourceAlert)
	if err != nil {
		return nil, fail(span, &incident.PersistenceError{Op: "create", Err: err})
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO incidents (`+incidentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		cp.ID, cp.Title, cp.Service, cp.Environment, string(cp.Severity), string(cp.Status), nullable(cp.Assignee),
		src, cp.Fingerprint, nullable(cp.RunbookURL), cp.AlertCount, cp.CreatedAt, cp.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fail(span, fmt.Errorf("fingerprint %s already active: %w", cp.Fingerprint, incident.ErrConflict))
		}
		return nil, fail(span, &incident.PersistenceError{Op: "create", Err: err})
	}

	span.SetAttributes(attribute.String("incidentd.incident.id", cp.ID))
	return cp, nil
}

// Get retrieves an incident by ID.
func (s *Store) Get(ctx context.Context, id string) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", id, incident.ErrNotFound)
		}
		return nil, fail(span, &incident.PersistenceError{Op: "get", Err: err})
	}
	return inc, nil
}

// FindActiveByFingerprint returns the open or acknowledged incident for fp.
func (s *Store) FindActiveByFingerprint(ctx context.Context, fp string) (*incident.Incident, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.FindActiveByFingerprint", "SELECT")
	defer span.End()

	inc, err := scanIncident(s.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE fingerprint = $1 AND status IN ('open', 'acknowledged')
		 LIMIT 1`, fp))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, &incident.PersistenceError{Op: "find_active", Err: err})
	}
	return inc, true, nil
}

// List returns matching incidents, newest first.
func (s *Store) List(ctx context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.List", "SELECT")
	defer span.End()

	var (
		clauses []string
		args    []any
	)
	add := func(column string, v string) {
		args = append(args, v)
		clauses = append(clauses, column+" = $"+strconv.Itoa(len(args)))
	}
	if f.Service != "" {
		add("service", f.Service)
	}
	if f.Environment != "" {
		add("environment", f.Environment)
	}
	if f.Status != "" {
		add("status", string(f.Status))
	}
	if f.Severity != "" {
		add("severity", string(f.Severity))
	}
	if f.Fingerprint != "" {
		add("fingerprint", f.Fingerprint)
	}

	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	args = append(args, f.EffectiveLimit())
	query += ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fail(span, &incident.PersistenceError{Op: "list", Err: err})
	}
	defer rows.Close()

	out := make([]*incident.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fail(span, &incident.PersistenceError{Op: "list", Err: err})
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, &incident.PersistenceError{Op: "list", Err: err})
	}
	return out, nil
}

// Update locks the row with SELECT ... FOR UPDATE, applies mutate, and writes
// the result in the same transaction. A cancelled context rolls everything back.
func (s *Store) Update(ctx context.Context, id string, mutate incident.Mutation) (*incident.Incident, error) {
	ctx, span := startSpan(ctx, "pgstore.Update", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, &incident.PersistenceError{Op: "update", Err: fmt.Errorf("begin tx: %w", err)})
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	cur, err := scanIncident(tx.QueryRow(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("update %s: %w", id, incident.ErrNotFound)
		}
		return nil, fail(span, &incident.PersistenceError{Op: "update", Err: err})
	}

	work := cur.Clone()
	if err := mutate(work); err != nil {
		return nil, err
	}
	work.ID = cur.ID
	work.Fingerprint = cur.Fingerprint
	work.CreatedAt = cur.CreatedAt
	work.UpdatedAt = incident.NextStamp(cur.UpdatedAt, s.now())
	if err := incident.CheckInvariants(work); err != nil {
		return nil, err
	}

	src, err := marshalSource(work.SourceAlert)
	if err != nil {
		return nil, fail(span, &incident.PersistenceError{Op: "update", Err: err})
	}

	_, err = tx.Exec(ctx,
		`UPDATE incidents SET
			title        = $2,
			service      = $3,
			environment  = $4,
			severity     = $5,
			status       = $6,
			assignee     = $7,
			source_alert = $8,
			runbook_url  = $9,
			alert_count  = $10,
			updated_at   = $11
		 WHERE id = $1`,
		work.ID, work.Title, work.Service, work.Environment, string(work.Severity), string(work.Status),
		nullable(work.Assignee), src, nullable(work.RunbookURL), work.AlertCount, work.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fail(span, fmt.Errorf("fingerprint %s already active: %w", work.Fingerprint, incident.ErrConflict))
		}
		return nil, fail(span, &incident.PersistenceError{Op: "update", Err: err})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, &incident.PersistenceError{Op: "update", Err: fmt.Errorf("commit: %w", err)})
	}

	span.SetAttributes(attribute.String("incidentd.incident.status", string(work.Status)))
	return work, nil
}

func scanIncident(row pgx.Row) (*incident.Incident, error) {
	var (
		inc       incident.Incident
		severity  string
		status    string
		assignee  *string
		source    []byte
		runbook   *string
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(
		&inc.ID, &inc.Title, &inc.Service, &inc.Environment, &severity, &status, &assignee,
		&source, &inc.Fingerprint, &runbook, &inc.AlertCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	inc.Severity = alert.Severity(severity)
	inc.Status = incident.Status(status)
	inc.CreatedAt = createdAt.UTC()
	inc.UpdatedAt = updatedAt.UTC()
	if assignee != nil {
		inc.Assignee = *assignee
	}
	if runbook != nil {
		inc.RunbookURL = *runbook
	}
	if len(source) > 0 {
		if err := json.Unmarshal(source, &inc.SourceAlert); err != nil {
			return nil, fmt.Errorf("unmarshal source_alert: %w", err)
		}
	}
	return &inc, nil
}

func marshalSource(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal source_alert: %w", err)
	}
	return b, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
