// Package storage defines the persisted-store contract behind the sync hub's
// generic query/mutation endpoint. Rows are schemaless JSON documents keyed
// by id, grouped into a fixed set of tables.
package storage

import (
	"context"

	"github.com/gridforge/tabletop/internal/wire"
)

// Tables lists every table the store accepts. Anything else is rejected
// before touching the database.
var Tables = []string{"campaigns", "maps", "tokens", "memberships", "plugin_installs"}

// KnownTable reports whether table is part of the store schema.
func KnownTable(table string) bool {
	for _, known := range Tables {
		if known == table {
			return true
		}
	}
	return false
}

// Query selects rows from one table, optionally narrowed by a
// "column=eq.value" filter.
type Query struct {
	Table  string
	Filter string
	Limit  int
}

// Mutation writes one row: insert, update (patch by id), or delete (by id
// filter). Deleting an absent row is not an error so concurrent deletes stay
// idempotent.
type Mutation struct {
	Table  string
	Op     string
	Row    map[string]any
	Filter string
}

// MutationResult reports the settled server-side state of a mutation.
type MutationResult struct {
	// Row is the committed row for inserts and updates, the removed row for
	// deletes that found one.
	Row map[string]any
	// Deleted reports whether a delete removed a row.
	Deleted bool
	// Change is the row-change notification to publish, nil when the
	// mutation was a no-op.
	Change *wire.Change
}

// Store is the persisted store behind the hub.
type Store interface {
	Query(ctx context.Context, q Query) ([]map[string]any, error)
	Mutate(ctx context.Context, m Mutation) (MutationResult, error)
	Close() error
}
