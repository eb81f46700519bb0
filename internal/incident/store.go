package incident

import "context"

// Store is the persistence interface for incidents. It is the single source
// of truth; no incident state is cached across requests.
type Store interface {
	// Create assigns a new ID, CreatedAt and UpdatedAt and persists inc.
	// It fails with ErrConflict if an active incident already exists for
	// inc.Fingerprint.
	Create(ctx context.Context, inc *Incident) (*Incident, error)

	// Get returns ErrNotFound when id does not exist.
	Get(ctx context.Context, id string) (*Incident, error)

	// List returns matching incidents, newest first.
	List(ctx context.Context, f ListFilter) ([]*Incident, error)

	// Update applies mutate to the current row under a per-incident lock or
	// transaction and stamps UpdatedAt. ID, Fingerprint and CreatedAt are
	// immutable. Errors returned by mutate are passed through unchanged.
	// Reactivating an incident whose fingerprint already has another active
	// incident fails with ErrConflict.
	Update(ctx context.Context, id string, mutate Mutation) (*Incident, error)

	// FindActiveByFingerprint returns the open or acknowledged incident for fp.
	FindActiveByFingerprint(ctx context.Context, fp string) (*Incident, bool, error)
}
