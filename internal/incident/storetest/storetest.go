// Package storetest holds the behavioural test suite every incident.Store
// implementation must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/incidentd/internal/alert"
	"github.com/linnemanlabs/incidentd/internal/incident"
)

// Run executes the suite. newStore is called once per subtest; stores may be
// shared between subtests (e.g. one database), so every subtest uses unique
// fingerprints and services.
func Run(t *testing.T, newStore func(t *testing.T) incident.Store) {
	t.Helper()

	t.Run("Create assigns identity and timestamps", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		in := sample(uniq("fp"))
		got, err := s.Create(ctx, in)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if got.ID == "" {
			t.Fatal("Create left ID empty")
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Fatal("Create left timestamps zero")
		}
		if got.UpdatedAt.Before(got.CreatedAt) {
			t.Errorf("UpdatedAt %v before CreatedAt %v", got.UpdatedAt, got.CreatedAt)
		}
		if in.ID != "" {
			t.Error("Create mutated its input")
		}

		fetched, err := s.Get(ctx, got.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if fetched.Title != in.Title || fetched.Service != in.Service || fetched.Environment != in.Environment {
			t.Errorf("Get = %+v, want fields of %+v", fetched, in)
		}
		if fetched.Severity != alert.SeverityCritical {
			t.Errorf("Severity = %q, want critical", fetched.Severity)
		}
		if fetched.Status != incident.StatusOpen {
			t.Errorf("Status = %q, want open", fetched.Status)
		}
		if fetched.AlertCount != 1 {
			t.Errorf("AlertCount = %d, want 1", fetched.AlertCount)
		}
		if fetched.SourceAlert["fingerprint"] != in.Fingerprint {
			t.Errorf("SourceAlert = %v, want fingerprint %s", fetched.SourceAlert, in.Fingerprint)
		}
		if !fetched.CreatedAt.Equal(got.CreatedAt) {
			t.Errorf("CreatedAt round trip = %v, want %v", fetched.CreatedAt, got.CreatedAt)
		}
	})

	t.Run("Create assigns distinct IDs", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		a, err := s.Create(ctx, sample(uniq("fp")))
		if err != nil {
			t.Fatalf("Create a: %v", err)
		}
		b, err := s.Create(ctx, sample(uniq("fp")))
		if err != nil {
			t.Fatalf("Create b: %v", err)
		}
		if a.ID == b.ID {
			t.Errorf("both incidents got ID %s", a.ID)
		}
	})

	t.Run("Get missing returns ErrNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(context.Background(), "nonexistent-id")
		if !errors.Is(err, incident.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Create rejects second active incident for fingerprint", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		fp := uniq("fp")

		if _, err := s.Create(ctx, sample(fp)); err != nil {
			t.Fatalf("Create first: %v", err)
		}
		_, err := s.Create(ctx, sample(fp))
		if !errors.Is(err, incident.ErrConflict) {
			t.Fatalf("second Create err = %v, want ErrConflict", err)
		}

		list, err := s.List(ctx, incident.ListFilter{Fingerprint: fp})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 1 {
			t.Errorf("incidents for fingerprint = %d, want 1", len(list))
		}
	})

	t.Run("Resolved incident does not block recreation", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		fp := uniq("fp")

		first, err := s.Create(ctx, sample(fp))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := s.Update(ctx, first.ID, setStatus(incident.StatusResolved)); err != nil {
			t.Fatalf("Update: %v", err)
		}

		if _, ok, err := s.FindActiveByFingerprint(ctx, fp); err != nil || ok {
			t.Fatalf("FindActiveByFingerprint after resolve = ok %v err %v, want none", ok, err)
		}

		second, err := s.Create(ctx, sample(fp))
		if err != nil {
			t.Fatalf("Create after resolve: %v", err)
		}
		if second.ID == first.ID {
			t.Error("recreation reused the resolved incident's ID")
		}

		got, ok, err := s.FindActiveByFingerprint(ctx, fp)
		if err != nil || !ok {
			t.Fatalf("FindActiveByFingerprint = ok %v err %v", ok, err)
		}
		if got.ID != second.ID {
			t.Errorf("active ID = %s, want %s", got.ID, second.ID)
		}
	})

	t.Run("Update stamps strictly increasing UpdatedAt", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, err := s.Create(ctx, sample(uniq("fp")))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		prev := inc.UpdatedAt
		for _, st := range []incident.Status{incident.StatusAcknowledged, incident.StatusOpen, incident.StatusAcknowledged} {
			got, err := s.Update(ctx, inc.ID, setStatus(st))
			if err != nil {
				t.Fatalf("Update %s: %v", st, err)
			}
			if got.Status != st {
				t.Errorf("Status = %q, want %q", got.Status, st)
			}
			if !got.UpdatedAt.After(prev) {
				t.Errorf("UpdatedAt %v not after %v", got.UpdatedAt, prev)
			}
			if !got.CreatedAt.Equal(inc.CreatedAt) {
				t.Errorf("CreatedAt changed from %v to %v", inc.CreatedAt, got.CreatedAt)
			}
			prev = got.UpdatedAt
		}
	})

	t.Run("Update keeps immutable fields", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, err := s.Create(ctx, sample(uniq("fp")))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := s.Update(ctx, inc.ID, func(i *incident.Incident) error {
			i.ID = "hijacked"
			i.Fingerprint = "other"
			i.Title = "renamed"
			return nil
		})
		if err != nil {
			t.Fatalf("Update: %v", err)
		}
		if got.ID != inc.ID || got.Fingerprint != inc.Fingerprint {
			t.Errorf("immutable fields changed: %s/%s", got.ID, got.Fingerprint)
		}
		if got.Title != "renamed" {
			t.Errorf("Title = %q, want renamed", got.Title)
		}
	})

	t.Run("Update mutation error writes nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, err := s.Create(ctx, sample(uniq("fp")))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		boom := errors.New("boom")
		_, err = s.Update(ctx, inc.ID, func(i *incident.Incident) error {
			i.Status = incident.StatusResolved
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("err = %v, want mutation error passed through", err)
		}

		got, err := s.Get(ctx, inc.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != incident.StatusOpen || !got.UpdatedAt.Equal(inc.UpdatedAt) {
			t.Errorf("incident changed after aborted update: %+v", got)
		}
	})

	t.Run("Update rejects invalid status", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, err := s.Create(ctx, sample(uniq("fp")))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		_, err = s.Update(ctx, inc.ID, setStatus("bogus"))
		if !incident.IsValidation(err) {
			t.Errorf("err = %v, want validation error", err)
		}
	})

	t.Run("Update missing returns ErrNotFound", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Update(context.Background(), "nonexistent-id", setStatus(incident.StatusResolved))
		if !errors.Is(err, incident.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("Reopen conflicts with newer active incident", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		fp := uniq("fp")

		old, err := s.Create(ctx, sample(fp))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := s.Update(ctx, old.ID, setStatus(incident.StatusResolved)); err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if _, err := s.Create(ctx, sample(fp)); err != nil {
			t.Fatalf("Create newer: %v", err)
		}

		_, err = s.Update(ctx, old.ID, setStatus(incident.StatusOpen))
		if !errors.Is(err, incident.ErrConflict) {
			t.Errorf("reopen err = %v, want ErrConflict", err)
		}
	})

	t.Run("Concurrent updates do not lose writes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, err := s.Create(ctx, sample(uniq("fp")))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}

		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Update(ctx, inc.ID, func(i *incident.Incident) error {
					i.AlertCount++
					return nil
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Update: %v", err)
			}
		}

		got, err := s.Get(ctx, inc.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.AlertCount != 1+n {
			t.Errorf("AlertCount = %d, want %d", got.AlertCount, 1+n)
		}
	})

	t.Run("List filters and orders newest first", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		service := uniq("svc")

		var ids []string
		for i := range 3 {
			in := sample(uniq("fp"))
			in.Service = service
			if i == 1 {
				in.Environment = "staging"
			}
			inc, err := s.Create(ctx, in)
			if err != nil {
				t.Fatalf("Create %d: %v", i, err)
			}
			ids = append(ids, inc.ID)
		}
		if _, err := s.Update(ctx, ids[2], setStatus(incident.StatusAcknowledged)); err != nil {
			t.Fatalf("Update: %v", err)
		}

		all, err := s.List(ctx, incident.ListFilter{Service: service})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("List by service = %d, want 3", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].CreatedAt.After(all[i-1].CreatedAt) {
				t.Errorf("List not newest first at %d", i)
			}
		}

		staging, err := s.List(ctx, incident.ListFilter{Service: service, Environment: "staging"})
		if err != nil {
			t.Fatalf("List staging: %v", err)
		}
		if len(staging) != 1 || staging[0].ID != ids[1] {
			t.Errorf("List staging = %v, want [%s]", idsOf(staging), ids[1])
		}

		acked, err := s.List(ctx, incident.ListFilter{Service: service, Status: incident.StatusAcknowledged})
		if err != nil {
			t.Fatalf("List acknowledged: %v", err)
		}
		if len(acked) != 1 || acked[0].ID != ids[2] {
			t.Errorf("List acknowledged = %v, want [%s]", idsOf(acked), ids[2])
		}

		limited, err := s.List(ctx, incident.ListFilter{Service: service, Limit: 2})
		if err != nil {
			t.Fatalf("List limit: %v", err)
		}
		if len(limited) != 2 {
			t.Errorf("List limit 2 = %d results", len(limited))
		}

		none, err := s.List(ctx, incident.ListFilter{Service: service, Severity: alert.SeverityLow})
		if err != nil {
			t.Fatalf("List severity: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("List severity low = %d, want 0", len(none))
		}
	})

	t.Run("Returned incidents are copies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		inc, err := s.Create(ctx, sample(uniq("fp")))
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		inc.Title = "mutated by caller"
		inc.SourceAlert["fingerprint"] = "tampered"

		got, err := s.Get(ctx, inc.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Title == "mutated by caller" || got.SourceAlert["fingerprint"] == "tampered" {
			t.Error("caller mutation leaked into the store")
		}
	})
}

func sample(fp string) *incident.Incident {
	return &incident.Incident{
		Title:       "High CPU usage on web server",
		Service:     "web-api",
		Environment: "production",
		Severity:    alert.SeverityCritical,
		Status:      incident.StatusOpen,
		Fingerprint: fp,
		RunbookURL:  "https://wiki.example.com/runbooks/high-cpu",
		AlertCount:  1,
		SourceAlert: map[string]any{
			"fingerprint": fp,
			"labels":      map[string]any{"instance": "web-01"},
		},
	}
}

func setStatus(st incident.Status) incident.Mutation {
	return func(i *incident.Incident) error {
		i.Status = st
		return nil
	}
}

func uniq(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, strings.ToLower(ulid.Make().String()))
}

func idsOf(incs []*incident.Incident) []string {
	out := make([]string, 0, len(incs))
	for _, i := range incs {
		out = append(out, i.ID)
	}
	return out
}
