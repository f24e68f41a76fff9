package wire

import "testing"

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Filter
		wantErr bool
	}{
		{name: "empty matches all", raw: "", want: Filter{}},
		{name: "id equality", raw: "id=eq.map-1", want: Filter{Column: "id", Value: "map-1"}},
		{name: "numeric value", raw: "x=eq.10", want: Filter{Column: "x", Value: "10"}},
		{name: "missing operator", raw: "id", wantErr: true},
		{name: "unsupported operator", raw: "id=gt.5", wantErr: true},
		{name: "empty column", raw: "=eq.5", wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseFilter(tc.raw)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse %q: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("filter = %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestFilterMatches(t *testing.T) {
	filter := Filter{Column: "map_id", Value: "m1"}

	if !filter.Matches(map[string]any{"map_id": "m1"}) {
		t.Fatal("expected string match")
	}
	if filter.Matches(map[string]any{"map_id": "m2"}) {
		t.Fatal("expected mismatch to fail")
	}
	if filter.Matches(map[string]any{"other": "m1"}) {
		t.Fatal("expected missing column to fail")
	}
	if filter.Matches(nil) {
		t.Fatal("expected nil row to fail")
	}

	numeric := Filter{Column: "x", Value: "10"}
	if !numeric.Matches(map[string]any{"x": float64(10)}) {
		t.Fatal("expected numeric JSON value to match textual filter")
	}

	zero := Filter{}
	if !zero.Matches(nil) {
		t.Fatal("expected zero filter to match everything")
	}
}

func TestChangeRow(t *testing.T) {
	deleted := Change{Op: OpDelete, OldRow: map[string]any{"id": "a"}}
	if deleted.Row()["id"] != "a" {
		t.Fatal("expected delete change to expose old row")
	}
	updated := Change{Op: OpUpdate, NewRow: map[string]any{"id": "b"}}
	if updated.Row()["id"] != "b" {
		t.Fatal("expected update change to expose new row")
	}
}
