package datasource

import (
	"context"
	"sync"
	"time"
)

// TTLCache holds one value with its refresh timestamp. GetOrRefresh
// re-fetches only when the held value is older than the ttl, serialising
// concurrent refreshes so the fetch runs at most once per expiry.
type TTLCache[T any] struct {
	mu        sync.Mutex
	value     T
	fetchedAt time.Time
}

// NewTTLCache returns an empty cache; the first GetOrRefresh always fetches.
func NewTTLCache[T any]() *TTLCache[T] {
	return &TTLCache[T]{}
}

// GetOrRefresh returns the cached value when it is younger than ttl,
// otherwise invokes fetch and stores the result. A failed fetch keeps any
// previously cached value untouched and surfaces the error.
func (c *TTLCache[T]) GetOrRefresh(ctx context.Context, ttl time.Duration, fetch func(ctx context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetchedAt.IsZero() && time.Since(c.fetchedAt) < ttl {
		return c.value, nil
	}

	value, err := fetch(ctx)
	if err != nil {
		return c.value, err
	}
	c.value = value
	c.fetchedAt = time.Now()
	return c.value, nil
}

// Invalidate clears the refresh timestamp so the next read fetches.
func (c *TTLCache[T]) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
