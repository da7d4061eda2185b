package workflow

import (
	"context"

	"github.com/3rs4lg4d0/runbox/rbx"
	"github.com/google/uuid"
)

// Store persists runs. Implementations join the transaction carried by ctx
// when there is one.
type Store interface {

	// Insert stores a new run and sets its version to 1.
	Insert(ctx context.Context, r *Run) error

	// Update writes the mutable fields of r if its version still matches the
	// stored one, then increments the version. It returns ErrConflict otherwise.
	Update(ctx context.Context, r *Run) error

	// Get returns the run or rbx.ErrNotFound.
	Get(ctx context.Context, id uuid.UUID) (*Run, error)
}

// Repository saves runs together with the events they raised.
type Repository struct {
	store   Store
	capture *rbx.Capture
}

func NewRepository(s Store, c *rbx.Capture) *Repository {
	if s == nil || c == nil {
		panic("you must provide a store and a capture")
	}
	return &Repository{store: s, capture: c}
}

// Save commits the run mutation and flushes its pending events atomically.
func (r *Repository) Save(ctx context.Context, run *Run) error {
	return r.capture.Save(ctx, run, func(ctx context.Context) error {
		if run.Version == 0 {
			return r.store.Insert(ctx, run)
		}
		return r.store.Update(ctx, run)
	})
}

func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	return r.store.Get(ctx, id)
}
