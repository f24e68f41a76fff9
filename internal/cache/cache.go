// Package cache keeps query results warm on the client and applies
// optimistic mutations against them. Each cache key names one store query;
// reads are deduplicated, mutations on the same key run one at a time so
// rollbacks never interleave.
package cache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/gridforge/tabletop/internal/store"
	"github.com/gridforge/tabletop/internal/wire"
)

// Key identifies one cached query: a table plus an optional
// "column=eq.value" filter.
type Key struct {
	Table  string
	Filter string
}

func (k Key) String() string {
	return k.Table + "|" + k.Filter
}

type entry struct {
	// mutateMu serializes mutations against this key so optimistic state and
	// its rollback snapshot stay consistent. It is never held while reading,
	// so reads stay responsive during a slow commit.
	mutateMu sync.Mutex

	// mu guards the fields below and is only held for short sections.
	// version is bumped on every Invalidate; in-flight fetches and mutation
	// reconciles re-check it before writing, so an invalidation that lands
	// mid-flight is never overwritten by stale rows.
	mu      sync.Mutex
	rows    []map[string]any
	valid   bool
	version uint64
}

// Cache is the client-side read/write layer over the persisted store.
type Cache struct {
	store store.Client

	mu      sync.Mutex
	entries map[Key]*entry
	fetches singleflight.Group

	watchMu   sync.Mutex
	nextWatch int
	watchers  map[Key]map[int]func([]map[string]any)
}

func New(storeClient store.Client) *Cache {
	return &Cache{
		store:    storeClient,
		entries:  make(map[Key]*entry),
		watchers: make(map[Key]map[int]func([]map[string]any)),
	}
}

func (c *Cache) entryFor(key Key) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// Read returns the cached rows for key, fetching from the store on a miss.
// Concurrent reads of a cold key collapse into one store query.
func (c *Cache) Read(ctx context.Context, key Key) ([]map[string]any, error) {
	e := c.entryFor(key)

	e.mu.Lock()
	if e.valid {
		rows := cloneRows(e.rows)
		e.mu.Unlock()
		return rows, nil
	}
	version := e.version
	e.mu.Unlock()

	v, err, _ := c.fetches.Do(key.String(), func() (any, error) {
		rows, err := c.store.Query(ctx, store.Query{Table: key.Table, Filter: key.Filter})
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		if e.version == version {
			e.rows = rows
			e.valid = true
		}
		e.mu.Unlock()
		return cloneRows(rows), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]map[string]any), nil
}

// Mutate applies m optimistically to the cached rows for key, commits it to
// the store, then reconciles against the authoritative result. A store
// failure rolls the cache back to its pre-mutation snapshot. Mutations on
// the same key are serialized.
func (c *Cache) Mutate(ctx context.Context, key Key, m store.Mutation) (store.MutationResult, error) {
	e := c.entryFor(key)
	e.mutateMu.Lock()
	defer e.mutateMu.Unlock()

	e.mu.Lock()
	version := e.version
	applied := e.valid
	var snapshot, optimistic []map[string]any
	if applied {
		snapshot = cloneRows(e.rows)
		e.rows = applyLocal(e.rows, m.Op, m.Row, mutationTargetID(m))
		optimistic = cloneRows(e.rows)
	}
	e.mu.Unlock()
	if applied {
		c.notify(key, optimistic)
	}

	result, err := c.store.Mutate(ctx, m)
	if err != nil {
		rolled := c.updateEntry(e, version, applied, func() {
			e.rows = snapshot
		})
		if rolled != nil {
			c.notify(key, rolled)
		}
		return store.MutationResult{}, err
	}

	reconciled := c.updateEntry(e, version, applied, func() {
		switch {
		case m.Op == store.OpDelete:
			e.rows = applyLocal(e.rows, store.OpDelete, nil, mutationTargetID(m))
		case result.Row != nil:
			e.rows = applyLocal(e.rows, m.Op, result.Row, rowID(result.Row))
		}
	})
	if reconciled != nil {
		c.notify(key, reconciled)
	}
	return result, nil
}

// updateEntry applies fn to the entry's rows unless the optimistic overlay
// never happened or an Invalidate superseded it mid-commit. It returns the
// resulting rows to notify with, or nil when nothing changed.
func (c *Cache) updateEntry(e *entry, version uint64, applied bool, fn func()) []map[string]any {
	if !applied {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.valid || e.version != version {
		return nil
	}
	fn()
	return cloneRows(e.rows)
}

// Invalidate drops the cached rows for key. The next Read hits the store;
// a fetch already in flight cannot resurrect the entry.
func (c *Cache) Invalidate(key Key) {
	e := c.entryFor(key)
	e.mu.Lock()
	e.rows = nil
	e.valid = false
	e.version++
	e.mu.Unlock()
	c.fetches.Forget(key.String())
}

// Merge folds one change-feed notification into the cached rows for key.
// Cold keys are left alone; they will fetch fresh state on the next Read.
func (c *Cache) Merge(key Key, change wire.Change) {
	e := c.entryFor(key)
	e.mu.Lock()
	if !e.valid {
		e.mu.Unlock()
		return
	}
	row := change.Row()
	e.rows = applyLocal(e.rows, change.Op, row, rowID(row))
	merged := cloneRows(e.rows)
	e.mu.Unlock()
	c.notify(key, merged)
}

// Watch registers fn for row updates on key and returns a remove func. fn
// runs synchronously with cache updates; keep it fast.
func (c *Cache) Watch(key Key, fn func([]map[string]any)) func() {
	c.watchMu.Lock()
	c.nextWatch++
	watchID := c.nextWatch
	if c.watchers[key] == nil {
		c.watchers[key] = make(map[int]func([]map[string]any))
	}
	c.watchers[key][watchID] = fn
	c.watchMu.Unlock()

	return func() {
		c.watchMu.Lock()
		delete(c.watchers[key], watchID)
		c.watchMu.Unlock()
	}
}

func (c *Cache) notify(key Key, rows []map[string]any) {
	c.watchMu.Lock()
	fns := make([]func([]map[string]any), 0, len(c.watchers[key]))
	for _, fn := range c.watchers[key] {
		fns = append(fns, fn)
	}
	c.watchMu.Unlock()

	for _, fn := range fns {
		fn(cloneRows(rows))
	}
}

// applyLocal applies one row operation to rows, keyed by the row id.
func applyLocal(rows []map[string]any, op string, row map[string]any, targetID string) []map[string]any {
	switch op {
	case wire.OpInsert:
		if targetID != "" {
			for i, existing := range rows {
				if rowID(existing) == targetID {
					rows[i] = cloneRow(row)
					return rows
				}
			}
		}
		return append(rows, cloneRow(row))
	case wire.OpUpdate:
		for i, existing := range rows {
			if targetID != "" && rowID(existing) == targetID {
				merged := cloneRow(existing)
				for k, v := range row {
					merged[k] = v
				}
				rows[i] = merged
				return rows
			}
		}
		return rows
	case wire.OpDelete:
		if targetID == "" {
			return rows
		}
		kept := rows[:0]
		for _, existing := range rows {
			if rowID(existing) != targetID {
				kept = append(kept, existing)
			}
		}
		return kept
	}
	return rows
}

func mutationTargetID(m store.Mutation) string {
	if filter, err := wire.ParseFilter(m.Filter); err == nil && filter.Column == "id" {
		return filter.Value
	}
	return rowID(m.Row)
}

func rowID(row map[string]any) string {
	if row == nil {
		return ""
	}
	id, _ := row["id"].(string)
	return id
}

func cloneRows(rows []map[string]any) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = cloneRow(row)
	}
	return out
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}
