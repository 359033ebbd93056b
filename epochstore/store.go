// Package epochstore remembers the epoch the backend reported for each
// document and checks later handshakes against it.
//
// Two stores are provided: MemoryStore for a single process, and RedisStore
// when several processes must agree on the epoch of a document.
package epochstore

import (
	"context"
	"time"
)

// FetchFunc looks up the current epoch of a document from its source of
// truth when the store has none.
type FetchFunc func(ctx context.Context) (string, error)

// Store is a keyed record of document epochs. Implementations must be safe
// for concurrent use and must fetch at most once per key when several
// callers miss at the same time.
type Store interface {
	// GetOrFetch returns the recorded epoch for documentID, or fetches and
	// records it with the given TTL.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - documentID: The document
	//   - ttl: How long a fetched epoch stays recorded
	//   - fetchFn: Looks the epoch up on a miss
	//
	// Returns:
	//   - The recorded or fetched epoch
	//   - An error if the store or the fetch fails
	GetOrFetch(ctx context.Context, documentID string, ttl time.Duration, fetchFn FetchFunc) (string, error)

	// Remember records epoch for documentID unless an epoch is already
	// recorded, and returns whichever epoch is recorded afterwards.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - documentID: The document
	//   - epoch: The epoch to record
	//   - ttl: How long the record lives
	//
	// Returns:
	//   - The recorded epoch; it differs from epoch on a mismatch
	//   - An error if the store fails
	Remember(ctx context.Context, documentID, epoch string, ttl time.Duration) (string, error)

	// Get returns the recorded epoch, if any.
	Get(ctx context.Context, documentID string) (string, bool, error)

	// Forget drops the record for documentID.
	Forget(ctx context.Context, documentID string) error

	// ForgetPrefix drops every record whose document id starts with prefix.
	//
	// Returns:
	//   - The number of records dropped
	//   - An error if the operation fails
	ForgetPrefix(ctx context.Context, prefix string) (int, error)

	// Len returns the number of recorded epochs.
	Len(ctx context.Context) (int, error)
}
