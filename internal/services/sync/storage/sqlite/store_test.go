package sqlite

import (
	"context"
	"testing"

	"github.com/gridforge/tabletop/internal/services/sync/storage"
	"github.com/gridforge/tabletop/internal/wire"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestInsertAssignsIDAndReturnsChange(t *testing.T) {
	store := openTestStore(t)

	result, err := store.Mutate(context.Background(), storage.Mutation{
		Table: "maps",
		Op:    wire.OpInsert,
		Row:   map[string]any{"name": "Cavern"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if result.Row["id"] == "" || result.Row["id"] == nil {
		t.Fatal("expected generated row id")
	}
	if result.Change == nil || result.Change.Op != wire.OpInsert {
		t.Fatalf("change = %+v, want insert", result.Change)
	}
	if result.Change.NewRow["name"] != "Cavern" {
		t.Fatalf("change new row = %+v", result.Change.NewRow)
	}
}

func TestQueryByJSONFieldFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	for _, token := range []map[string]any{
		{"id": "t1", "map_id": "m1", "x": 1},
		{"id": "t2", "map_id": "m1", "x": 2},
		{"id": "t3", "map_id": "m2", "x": 3},
	} {
		if _, err := store.Mutate(ctx, storage.Mutation{Table: "tokens", Op: wire.OpInsert, Row: token}); err != nil {
			t.Fatalf("insert token: %v", err)
		}
	}

	rows, err := store.Query(ctx, storage.Query{Table: "tokens", Filter: "map_id=eq.m1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 tokens on m1, got %d", len(rows))
	}
	if rows[0]["id"] != "t1" || rows[1]["id"] != "t2" {
		t.Fatalf("rows out of insertion order: %+v", rows)
	}
}

func TestQueryByIDFilter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Mutate(ctx, storage.Mutation{
		Table: "maps", Op: wire.OpInsert, Row: map[string]any{"id": "m1", "name": "Keep"},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := store.Query(ctx, storage.Query{Table: "maps", Filter: "id=eq.m1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0]["name"] != "Keep" {
		t.Fatalf("rows = %+v, want single Keep row", rows)
	}
}

func TestUpdatePatchesExistingRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Mutate(ctx, storage.Mutation{
		Table: "maps", Op: wire.OpInsert,
		Row: map[string]any{"id": "m1", "name": "Keep", "grid": 50},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	result, err := store.Mutate(ctx, storage.Mutation{
		Table: "maps", Op: wire.OpUpdate,
		Row: map[string]any{"id": "m1", "name": "Ruined Keep"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if result.Row["name"] != "Ruined Keep" {
		t.Fatalf("updated name = %v", result.Row["name"])
	}
	if result.Row["grid"] != float64(50) {
		t.Fatalf("expected untouched field to survive patch, got %v", result.Row["grid"])
	}
	if result.Change == nil || result.Change.OldRow["name"] != "Keep" {
		t.Fatalf("change old row = %+v", result.Change)
	}
}

func TestUpdateMissingRowFails(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Mutate(context.Background(), storage.Mutation{
		Table: "maps", Op: wire.OpUpdate, Row: map[string]any{"id": "nope"},
	})
	if err == nil {
		t.Fatal("expected update of missing row to fail")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.Mutate(ctx, storage.Mutation{
		Table: "campaigns", Op: wire.OpInsert, Row: map[string]any{"id": "c5"},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := store.Mutate(ctx, storage.Mutation{Table: "campaigns", Op: wire.OpDelete, Filter: "id=eq.c5"})
	if err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if !first.Deleted || first.Change == nil || first.Change.Op != wire.OpDelete {
		t.Fatalf("first delete result = %+v", first)
	}

	second, err := store.Mutate(ctx, storage.Mutation{Table: "campaigns", Op: wire.OpDelete, Filter: "id=eq.c5"})
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if second.Deleted || second.Change != nil {
		t.Fatalf("second delete should be a no-op, got %+v", second)
	}
}

func TestMutateRejectsUnknownTable(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Mutate(context.Background(), storage.Mutation{
		Table: "users; DROP TABLE maps", Op: wire.OpInsert, Row: map[string]any{},
	})
	if err == nil {
		t.Fatal("expected unknown table to be rejected")
	}
}
