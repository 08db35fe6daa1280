package auth

import "context"

// MetadataStore is the slice of the storage layer the gate needs.
type MetadataStore interface {
	EnsureExperiment(ctx context.Context, expID string) error
	ExperimentIsPublic(ctx context.Context, expID string) (bool, error)
}

// Gate decides whether a caller may read an experiment's data. It owns
// no data, only the decision: access is granted if the experiment is
// public or the caller presents an authenticated identity. Mutating
// operations require authentication outright and are enforced at the
// handler layer.
type Gate struct {
	meta MetadataStore
}

// NewGate creates a gate over the metadata store.
func NewGate(meta MetadataStore) *Gate {
	return &Gate{meta: meta}
}

// CanAccess reports whether a read of expID is allowed. Missing
// metadata is created on the way (private by default), so an orphaned
// device table regains its record on first access.
func (g *Gate) CanAccess(ctx context.Context, expID string, authenticated bool) (bool, error) {
	if err := g.meta.EnsureExperiment(ctx, expID); err != nil {
		return false, err
	}

	isPublic, err := g.meta.ExperimentIsPublic(ctx, expID)
	if err != nil {
		return false, err
	}

	return isPublic || authenticated, nil
}
