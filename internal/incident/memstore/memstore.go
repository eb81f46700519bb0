// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/incidentd/internal/incident"
)

// Store holds incidents in memory. Suitable for dev/testing.
// A single mutex guards everything, so each Update is atomic.
type Store struct {
	mu        sync.RWMutex
	incidents map[string]*incident.Incident // incident ID -> incident
	active    map[string]string             // fingerprint -> ID of the open/acknowledged incident
	now       func() time.Time
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		incidents: make(map[string]*incident.Incident),
		active:    make(map[string]string),
		now:       time.Now,
	}
}

// Create stores a copy of inc under a new ID.
func (s *Store) Create(_ context.Context, inc *incident.Incident) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := inc.Clone()
	if cp.Status == "" {
		cp.Status = incident.StatusOpen
	}
	if cp.Status.Active() && cp.Fingerprint != "" {
		if id, ok := s.active[cp.Fingerprint]; ok {
			return nil, fmt.Errorf("fingerprint %s already active as %s: %w", cp.Fingerprint, id, incident.ErrConflict)
		}
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	cp.ID = ulid.Make().String()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if err := incident.CheckInvariants(cp); err != nil {
		return nil, err
	}

	s.incidents[cp.ID] = cp
	if cp.Status.Active() && cp.Fingerprint != "" {
		s.active[cp.Fingerprint] = cp.ID
	}
	return cp.Clone(), nil
}

// Get retrieves an incident by ID. Returns a copy.
func (s *Store) Get(_ context.Context, id string) (*incident.Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, incident.ErrNotFound)
	}
	return inc.Clone(), nil
}

// List returns copies of matching incidents, newest first.
func (s *Store) List(_ context.Context, f incident.ListFilter) ([]*incident.Incident, error) {
	s.mu.RLock()
	out := make([]*incident.Incident, 0)
	for _, inc := range s.incidents {
		if f.Matches(inc) {
			out = append(out, inc.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *incident.Incident) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit := f.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Update applies mutate to a working copy under the write lock and commits it
// only if mutate succeeds.
func (s *Store) Update(_ context.Context, id string, mutate incident.Mutation) (*incident.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("update %s: %w", id, incident.ErrNotFound)
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

	if work.Fingerprint != "" {
		owner, taken := s.active[work.Fingerprint]
		switch {
		case work.Status.Active() && taken && owner != work.ID:
			return nil, fmt.Errorf("fingerprint %s already active as %s: %w", work.Fingerprint, owner, incident.ErrConflict)
		case work.Status.Active():
			s.active[work.Fingerprint] = work.ID
		case taken && owner == work.ID:
			delete(s.active, work.Fingerprint)
		}
	}

	s.incidents[id] = work
	return work.Clone(), nil
}

// FindActiveByFingerprint returns a copy of the active incident for fp.
func (s *Store) FindActiveByFingerprint(_ context.Context, fp string) (*incident.Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[fp]
	if !ok {
		return nil, false, nil
	}
	return s.incidents[id].Clone(), true, nil
}
