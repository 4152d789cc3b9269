package mimo

import (
	"slices"
	"strings"
)

// ============================================================================
// Ordered Entity Cache
// ============================================================================

// OrderedCache keeps entities in a slice sorted by identifier, so lookups
// are binary searches and iteration is in identifier order. It is not safe
// for concurrent use; owners guard it with their own lock.
type OrderedCache[T any] struct {
	items []T
	key   func(T) string
	cmp   func(T, string) int
}

// NewOrderedCache creates a cache ordered by the string key of each entity.
func NewOrderedCache[T any](key func(T) string) *OrderedCache[T] {
	return NewOrderedCacheFunc(key, func(v T, id string) int {
		return strings.Compare(key(v), id)
	})
}

// NewOrderedCacheFunc creates a cache with a caller-supplied three-way
// comparator between an entity and an identifier. cmp must agree with the
// lexical order of key.
func NewOrderedCacheFunc[T any](key func(T) string, cmp func(T, string) int) *OrderedCache[T] {
	return &OrderedCache[T]{key: key, cmp: cmp}
}

func (c *OrderedCache[T]) search(id string) (int, bool) {
	return slices.BinarySearchFunc(c.items, id, c.cmp)
}

// Get returns the entity with the given identifier.
func (c *OrderedCache[T]) Get(id string) (T, bool) {
	i, found := c.search(id)
	if !found {
		var zero T
		return zero, false
	}
	return c.items[i], true
}

// Has reports whether id is cached.
func (c *OrderedCache[T]) Has(id string) bool {
	_, found := c.search(id)
	return found
}

// Upsert inserts v at its sorted position or replaces the entity with the
// same identifier. It reports whether v was inserted.
func (c *OrderedCache[T]) Upsert(v T) bool {
	i, found := c.search(c.key(v))
	if found {
		c.items[i] = v
		return false
	}
	c.items = slices.Insert(c.items, i, v)
	return true
}

// Remove deletes the entity with the given identifier and reports whether
// it was present.
func (c *OrderedCache[T]) Remove(id string) bool {
	i, found := c.search(id)
	if !found {
		return false
	}
	c.items = slices.Delete(c.items, i, i+1)
	return true
}

// Len returns the number of cached entities.
func (c *OrderedCache[T]) Len() int { return len(c.items) }

// Items returns the entities in identifier order. The slice is a copy; the
// entities are not.
func (c *OrderedCache[T]) Items() []T {
	return slices.Clone(c.items)
}

// Clear drops every entity.
func (c *OrderedCache[T]) Clear() {
	clear(c.items)
	c.items = c.items[:0]
}
