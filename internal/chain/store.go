package chain

import "context"

// Store is the append-only persistence contract for tenant chains.
//
// Implementations must make Append atomic and must reject, with ErrConflict,
// an entry whose PrevHash is already used by another entry of the same tenant
// or is not the tenant's current tip. Seq and CreatedAt are assigned by the
// store; Seq starts at 1 and has no gaps.
type Store interface {
	// Latest returns the tenant's most recent entry by seq, or nil when the
	// chain is empty.
	Latest(ctx context.Context, tenantID string) (*Entry, error)

	// Append persists entry and returns the stored row.
	Append(ctx context.Context, entry *Entry) (*Entry, error)

	// Get returns the entry with the given hash, or nil when none exists.
	Get(ctx context.Context, hash string) (*Entry, error)

	// List returns a page of entries, newest first.
	List(ctx context.Context, opts ListOptions) ([]*Entry, error)

	// Walk calls fn for every entry of the tenant with seq > afterSeq in
	// ascending seq order, reading batch rows at a time. A non-nil error from
	// fn stops the walk and is returned.
	Walk(ctx context.Context, tenantID string, afterSeq int64, batch int, fn func(*Entry) error) error

	// Tenants returns the IDs of all tenants with at least one entry.
	Tenants(ctx context.Context) ([]string, error)
}

// DefaultWalkBatch is the page size used when walking a chain.
const DefaultWalkBatch = 500
