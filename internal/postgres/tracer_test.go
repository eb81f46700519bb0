package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/incidentd/internal/incident/pgstore.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestOperationName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		tag  string
		sql  string
		want string
	}{
		{"from tag", "UPDATE 1", "update incidents set x = 1", "UPDATE"},
		{"from sql", "", "\n\t  select id from incidents", "SELECT"},
		{"nothing", "", "   ", "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := operationName(tt.tag, tt.sql); got != tt.want {
				t.Errorf("operationName(%q, %q) = %q, want %q", tt.tag, tt.sql, got, tt.want)
			}
		})
	}
}

func TestCompactSQL(t *testing.T) {
	t.Parallel()

	got := compactSQL("SELECT id,\n\t\ttitle\n  FROM incidents ")
	if want := "SELECT id, title FROM incidents"; got != want {
		t.Errorf("compactSQL = %q, want %q", got, want)
	}
}

func TestRoutePattern_Background(t *testing.T) {
	t.Parallel()

	if got := routePattern(context.Background()); got != "background" {
		t.Errorf("routePattern = %q, want background", got)
	}
}

// Not parallel: the observer is process-global.
func TestQueryTracer_ObservesQueries(t *testing.T) {
	defer SetQueryObserver(nil)

	var got []QueryInfo
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, q QueryInfo) {
		got = append(got, q)
	}))

	tr := newQueryTracer(nil, time.Hour)

	ctx := tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	ctx = tr.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "insert into incidents values ($1)", Args: []any{"x"}})
	tr.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	if len(got) != 2 {
		t.Fatalf("observed %d queries, want 2", len(got))
	}
	if got[0].Operation != "SELECT" || got[0].Outcome != "ok" || got[0].Route != "background" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Operation != "INSERT" || got[1].Outcome != "error" {
		t.Errorf("second = %+v", got[1])
	}
}

// Not parallel: the observer is process-global.
func TestQueryTracer_EndWithoutStart(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(context.Context, QueryInfo) { called = true }))

	newQueryTracer(nil, 0).TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
	if called {
		t.Error("observer called for a query that never started")
	}
}

func TestFindDBCallerAndHandler(t *testing.T) {
	t.Parallel()

	caller, _ := findDBCallerAndHandler()
	if caller == "" {
		t.Fatal("caller is empty")
	}
	if strings.Contains(caller, "runtime.") {
		t.Errorf("caller %q should skip runtime frames", caller)
	}
}

// Not parallel: the observer is process-global.
func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(context.Context, QueryInfo) { called = true }))
	obs := getQueryObserver()
	if obs == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	obs.ObserveQuery(context.Background(), QueryInfo{})
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if getQueryObserver() != nil {
		t.Error("expected nil observer after Set(nil)")
	}
}
