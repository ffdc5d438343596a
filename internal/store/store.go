// Package store persists module records: the durable mapping from
// function identity to wasm bytes and metadata. Records are written
// only by the deploy API; the execution path reads them.
package store

import (
	"context"

	"github.com/fourlexboehm/faasta/internal/domain"
)

// ModuleStore is the durable function registry. Get must be atomic
// relative to Put: a reader never observes a half-written record.
// Missing records surface as domain.ErrFunctionNotFound; backend I/O
// failures wrap domain.ErrStoreUnavailable.
type ModuleStore interface {
	// Get returns the full record, wasm bytes included.
	Get(ctx context.Context, name string) (*domain.ModuleRecord, error)

	// Put creates or replaces the record for rec.Name, bumping the
	// version monotonically. Returns the new version.
	Put(ctx context.Context, rec *domain.ModuleRecord) (int64, error)

	// Delete removes the record. Deleting a missing record returns
	// domain.ErrFunctionNotFound.
	Delete(ctx context.Context, name string) error

	// List returns metadata (no wasm bytes) for the owner's functions,
	// or for all functions when owner is empty.
	List(ctx context.Context, owner string) ([]*domain.ModuleRecord, error)

	Close() error
}
