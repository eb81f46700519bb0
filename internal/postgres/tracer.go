package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// storePkg is the package whose helpers are never reported as the handler
// of a query; the handler is the first frame above the store.
const storePkg = "github.com/linnemanlabs/incidentd/internal/incident/pgstore."

var queryObserver atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

type queryStateKey struct{}

// QueryInfo describes one finished query.
type QueryInfo struct {
	Route     string // chi route pattern of the request, or "background"
	Operation string // SELECT, INSERT, UPDATE, ...
	Outcome   string // ok or error
	Duration  time.Duration
}

// QueryObserver receives every finished query (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, q QueryInfo)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, q QueryInfo)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, q QueryInfo) { f(ctx, q) }

// SetQueryObserver installs the process-wide query observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

type queryState struct {
	sql     string
	nargs   int
	start   time.Time
	caller  string
	handler string
}

// queryTracer wraps otelpgx and adds a structured log line and an observer
// callback per query. Argument values are never logged since they carry raw
// alert payloads.
type queryTracer struct {
	inner pgx.QueryTracer
	slow  time.Duration
}

func newQueryTracer(inner pgx.QueryTracer, slow time.Duration) *queryTracer {
	return &queryTracer{inner: inner, slow: slow}
}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{
		sql:   data.SQL,
		nargs: len(data.Args),
		start: time.Now(),
	}
	st.caller, st.handler = findDBCallerAndHandler()

	// otelpgx opens the span, we annotate it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
	}

	return context.WithValue(ctx, queryStateKey{}, st)
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, ok := ctx.Value(queryStateKey{}).(*queryState)
	if !ok {
		return
	}
	dur := time.Since(st.start)
	op := operationName(data.CommandTag.String(), st.sql)

	if obs := getQueryObserver(); obs != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		obs.ObserveQuery(ctx, QueryInfo{
			Route:     routePattern(ctx),
			Operation: op,
			Outcome:   outcome,
			Duration:  dur,
		})
	}

	if data.Err == nil && dur < t.slow {
		return
	}

	fields := []any{
		"db.statement", compactSQL(st.sql),
		"db.args", st.nargs,
		"db.duration", dur.Seconds(),
		"db.operation.name", op,
	}
	if data.Err == nil {
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func routePattern(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "background"
}

// operationName prefers the command tag and falls back to the first SQL
// keyword (failed queries have no tag).
func operationName(tag, sql string) string {
	for _, s := range []string{tag, sql} {
		if f := strings.Fields(s); len(f) > 0 {
			return strings.ToUpper(f[0])
		}
	}
	return "UNKNOWN"
}

// compactSQL collapses whitespace so multi-line statements log on one line.
func compactSQL(sql string) string {
	return strings.Join(strings.Fields(sql), " ")
}

// findDBCallerAndHandler walks the stack to find:
//   - caller: the store method issuing the query
//   - handler: the first frame above the store (engine, lifecycle, ...)
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function

		switch {
		case fn == "",
			strings.HasPrefix(fn, "runtime."),
			strings.Contains(fn, "github.com/jackc/"),
			strings.Contains(fn, "github.com/exaring/otelpgx"),
			strings.Contains(fn, "internal/postgres."):
		case caller == "":
			caller = shortenFuncName(fn)
		case !strings.HasPrefix(fn, storePkg):
			return caller, shortenFuncName(fn)
		}

		if !more {
			return caller, handler
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
