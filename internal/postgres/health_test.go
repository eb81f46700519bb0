package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func TestReadinessProbe_Unreachable(t *testing.T) {
	t.Parallel()

	// pgxpool connects lazily, nothing listens on port 1
	pool, err := pgxpool.New(context.Background(), "postgres://incidentd@127.0.0.1:1/incidentd?connect_timeout=1")
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	defer pool.Close()

	err = ReadinessProbe(pool, time.Second).Check(context.Background())
	if err == nil {
		t.Fatal("expected error for unreachable database")
	}
	if !strings.Contains(err.Error(), "database unreachable") {
		t.Errorf("error = %q, want substring %q", err, "database unreachable")
	}
}

func TestReadinessProbe_Reachable(t *testing.T) {
	dsn := os.Getenv("INCIDENTD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("INCIDENTD_TEST_DATABASE_URL not set, skipping integration test")
	}

	pool, err := NewPool(context.Background(), dsn, PoolOptions{MaxConns: 2})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	if err := ReadinessProbe(pool, 5*time.Second).Check(context.Background()); err != nil {
		t.Errorf("Check: %v", err)
	}
}
