package epochstore

import (
	"context"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryStore keeps epochs in process memory. It uses go-cache for storage
// and singleflight so that concurrent misses for one document run a single
// fetch.
type MemoryStore struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryStore creates an in-memory store.
//
// Parameters:
//   - defaultTTL: TTL used when a call passes zero (cache.NoExpiration to keep forever)
//   - cleanupInterval: Interval at which expired records are purged
//
// Returns:
//   - A new MemoryStore
func NewMemoryStore(defaultTTL, cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		cache: cache.New(defaultTTL, cleanupInterval),
	}
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.DefaultExpiration
	}

	return ttl
}

// GetOrFetch implements Store.
func (m *MemoryStore) GetOrFetch(ctx context.Context, documentID string, ttl time.Duration, fetchFn FetchFunc) (string, error) {
	if epoch, found := m.lookup(documentID); found {
		return epoch, nil
	}

	val, err, _ := m.group.Do(documentID, func() (any, error) {
		// Another caller may have filled it while we waited for the group.
		if epoch, found := m.lookup(documentID); found {
			return epoch, nil
		}

		epoch, err := fetchFn(ctx)
		if err != nil {
			return "", err
		}

		return m.remember(documentID, epoch, ttl), nil
	})
	if err != nil {
		return "", err
	}

	return val.(string), nil
}

// Remember implements Store.
func (m *MemoryStore) Remember(ctx context.Context, documentID, epoch string, ttl time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	return m.remember(documentID, epoch, ttl), nil
}

func (m *MemoryStore) remember(documentID, epoch string, ttl time.Duration) string {
	for {
		if err := m.cache.Add(documentID, epoch, ttlOrDefault(ttl)); err == nil {
			return epoch
		}
		// Add fails only when a live record exists; it may expire between
		// the two calls, in which case Add is tried again.
		if existing, found := m.lookup(documentID); found {
			return existing
		}
	}
}

func (m *MemoryStore) lookup(documentID string) (string, bool) {
	val, found := m.cache.Get(documentID)
	if !found {
		return "", false
	}

	epoch, ok := val.(string)
	return epoch, ok
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, documentID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	epoch, found := m.lookup(documentID)
	return epoch, found, nil
}

// Forget implements Store.
func (m *MemoryStore) Forget(ctx context.Context, documentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.cache.Delete(documentID)
	return nil
}

// ForgetPrefix implements Store.
func (m *MemoryStore) ForgetPrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	deleted := 0
	for key := range m.cache.Items() {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		if strings.HasPrefix(key, prefix) {
			m.cache.Delete(key)
			deleted++
		}
	}

	return deleted, nil
}

// Len implements Store.
func (m *MemoryStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return m.cache.ItemCount(), nil
}
