package bitrix

import (
	"context"
	"sync"
)

// FieldMeta describes one deal user field as reported by Bitrix24.
type FieldMeta struct {
	// ID is the internal numeric UF id (needed for userfield.get).
	ID int64
	// Type is the declared USER_TYPE_ID: date, datetime, boolean, integer,
	// double, enumeration, or anything else (treated as untyped text).
	Type string
	// Multiple reports whether the field accepts several values at once.
	Multiple bool
	// Choices maps lowercased choice labels and XML ids to their numeric
	// choice ids. Only populated for enumeration fields.
	Choices map[string]int64
}

// MetaCache holds the deal user-field metadata for the process lifetime.
//
// The map is populated on first use and is read-only afterwards, with one
// escape hatch: if a lookup misses, the cache invalidates and refetches once
// per process, which covers fields created after startup. The fetch function
// is injected so tests can run without a live API.
type MetaCache struct {
	mu        sync.Mutex
	fetch     func(ctx context.Context) (map[string]FieldMeta, error)
	fields    map[string]FieldMeta
	loaded    bool
	refreshed bool
}

// NewMetaCache creates a cache backed by the given fetch function.
func NewMetaCache(fetch func(ctx context.Context) (map[string]FieldMeta, error)) *MetaCache {
	return &MetaCache{fetch: fetch}
}

// Get returns the metadata for a UF code. The boolean reports whether the
// code is known to Bitrix. A miss triggers the one-shot refetch.
func (c *MetaCache) Get(ctx context.Context, code string) (FieldMeta, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.loaded {
		if err := c.loadLocked(ctx); err != nil {
			return FieldMeta{}, false, err
		}
	}

	if meta, ok := c.fields[code]; ok {
		return meta, true, nil
	}

	if !c.refreshed {
		c.refreshed = true
		if err := c.loadLocked(ctx); err != nil {
			return FieldMeta{}, false, err
		}
		if meta, ok := c.fields[code]; ok {
			return meta, true, nil
		}
	}

	return FieldMeta{}, false, nil
}

// Update replaces the cached entry for one code, e.g. after lazily loading
// an enumeration's choice list.
func (c *MetaCache) Update(code string, meta FieldMeta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fields == nil {
		c.fields = map[string]FieldMeta{}
	}
	c.fields[code] = meta
}

func (c *MetaCache) loadLocked(ctx context.Context) error {
	fields, err := c.fetch(ctx)
	if err != nil {
		return err
	}
	c.fields = fields
	c.loaded = true
	return nil
}
