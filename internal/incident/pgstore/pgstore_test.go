package pgstore_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/incident"
	"github.com/linnemanlabs/incidentd/internal/incident/pgstore"
	"github.com/linnemanlabs/incidentd/internal/incident/storetest"
)

var (
	poolOnce sync.Once
	pool     *pgxpool.Pool
	poolErr  error
)

func openStore(t *testing.T) incident.Store {
	t.Helper()
	dsn := os.Getenv("INCIDENTD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("INCIDENTD_TEST_DATABASE_URL not set, skipping integration test")
	}

	poolOnce.Do(func() {
		pool, poolErr = pgxpool.New(context.Background(), dsn)
	})
	if poolErr != nil {
		t.Fatalf("pgxpool.New: %v", poolErr)
	}

	s, err := pgstore.New(context.Background(), pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

func TestStore_Conformance(t *testing.T) {
	storetest.Run(t, openStore)
}

func TestNew_SchemaIsIdempotent(t *testing.T) {
	openStore(t)
	openStore(t)
}

func TestStore_SourceAlertRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, &incident.Incident{
		Title:       "disk full",
		Service:     "pg-roundtrip",
		Environment: "prod",
		Severity:    "warning",
		Fingerprint: "pg-roundtrip-" + ulid.Make().String(),
		SourceAlert: map[string]any{
			"labels": map[string]any{"service": "pg-roundtrip"},
			"value":  float64(97),
		},
		AlertCount: 1,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	labels, ok := got.SourceAlert["labels"].(map[string]any)
	if !ok || labels["service"] != "pg-roundtrip" {
		t.Errorf("SourceAlert labels = %v", got.SourceAlert["labels"])
	}
	if got.SourceAlert["value"] != float64(97) {
		t.Errorf("SourceAlert value = %v, want 97", got.SourceAlert["value"])
	}
	if got.Assignee != "" || got.RunbookURL != "" {
		t.Errorf("nullable columns = %q/%q, want empty", got.Assignee, got.RunbookURL)
	}
}

func TestStore_NormalizedPayloadRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	fp := "pg-text-" + ulid.Make().String()
	body := `{"alerts":[
		{"fingerprint":"` + fp + `-nul","labels":{"service":"web\u0000api","severity":"critical","environment":"prod"}},
		{"fingerprint":"` + fp + `","labels":{"service":"wéb-äpi ✓","severity":"critical","environment":"prod"},
		 "annotations":{"summary":"Fehlerrate über 5% \u2013 日本"}}
	]}`
	items, err := alert.NewNormalizer("").NormalizeBatch([]byte(body))
	if err != nil {
		t.Fatalf("NormalizeBatch: %v", err)
	}
	if items[0].Err == nil {
		t.Fatal("NUL alert reached the store")
	}

	e := incident.NewEngine(s, log.Nop())
	out, err := e.Ingest(ctx, items[1].Alert)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	// repeat firing goes through the UPDATE path
	if _, err := e.Ingest(ctx, items[1].Alert); err != nil {
		t.Fatalf("Ingest repeat: %v", err)
	}

	got, err := s.Get(ctx, out.Incident.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Service != "wéb-äpi ✓" || got.Title != "Fehlerrate über 5% – 日本" {
		t.Errorf("text columns = %q / %q", got.Service, got.Title)
	}
	if got.AlertCount != 2 {
		t.Errorf("AlertCount = %d, want 2", got.AlertCount)
	}
	ann, _ := got.SourceAlert["annotations"].(map[string]any)
	if ann["summary"] != "Fehlerrate über 5% – 日本" {
		t.Errorf("SourceAlert annotations = %v", got.SourceAlert["annotations"])
	}
}
