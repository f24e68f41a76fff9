// Package sqlite provides SQLite-backed persistence for the sync hub's
// query/mutation endpoint.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gridforge/tabletop/internal/platform/id"
	sqlitemigrate "github.com/gridforge/tabletop/internal/platform/storage/sqlitemigrate"
	"github.com/gridforge/tabletop/internal/services/sync/storage"
	"github.com/gridforge/tabletop/internal/services/sync/storage/sqlite/migrations"
	"github.com/gridforge/tabletop/internal/wire"
	_ "modernc.org/sqlite"
)

const defaultQueryLimit = 100

var columnPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Store is a SQLite-backed storage.Store.
type Store struct {
	sqlDB *sql.DB
}

// Open opens a sync store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Query returns rows matching q in insertion order.
func (s *Store) Query(ctx context.Context, q storage.Query) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if !storage.KnownTable(q.Table) {
		return nil, fmt.Errorf("unknown table %q", q.Table)
	}
	filter, err := wire.ParseFilter(q.Filter)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := "SELECT data FROM " + q.Table
	args := []any{}
	if !filter.IsZero() {
		clause, clauseArgs, err := filterClause(filter)
		if err != nil {
			return nil, err
		}
		query += " WHERE " + clause
		args = append(args, clauseArgs...)
	}
	query += " ORDER BY rowid LIMIT ?"
	args = append(args, limit)

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Table, err)
	}
	defer rows.Close()

	results := []map[string]any{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", q.Table, err)
		}
		row, err := decodeRow(data)
		if err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", q.Table, err)
	}
	return results, nil
}

// Mutate applies m and returns the settled result with the change to publish.
func (s *Store) Mutate(ctx context.Context, m storage.Mutation) (storage.MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.MutationResult{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MutationResult{}, fmt.Errorf("storage is not configured")
	}
	if !storage.KnownTable(m.Table) {
		return storage.MutationResult{}, fmt.Errorf("unknown table %q", m.Table)
	}

	switch m.Op {
	case wire.OpInsert:
		return s.insert(ctx, m)
	case wire.OpUpdate:
		return s.update(ctx, m)
	case wire.OpDelete:
		return s.delete(ctx, m)
	default:
		return storage.MutationResult{}, fmt.Errorf("unknown mutation op %q", m.Op)
	}
}

func (s *Store) insert(ctx context.Context, m storage.Mutation) (storage.MutationResult, error) {
	row := cloneRow(m.Row)
	if row == nil {
		return storage.MutationResult{}, fmt.Errorf("insert requires a row")
	}
	rowID := rowIDOf(row)
	if rowID == "" {
		rowID = id.New()
		row["id"] = rowID
	}

	data, err := json.Marshal(row)
	if err != nil {
		return storage.MutationResult{}, fmt.Errorf("encode %s row: %w", m.Table, err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		"INSERT INTO "+m.Table+" (id, data, updated_at) VALUES (?, ?, ?)",
		rowID, string(data), time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return storage.MutationResult{}, fmt.Errorf("insert %s row: %w", m.Table, err)
	}

	return storage.MutationResult{
		Row:    row,
		Change: &wire.Change{Table: m.Table, Op: wire.OpInsert, NewRow: row},
	}, nil
}

func (s *Store) update(ctx context.Context, m storage.Mutation) (storage.MutationResult, error) {
	rowID, err := targetID(m)
	if err != nil {
		return storage.MutationResult{}, err
	}

	old, err := s.getByID(ctx, m.Table, rowID)
	if err != nil {
		return storage.MutationResult{}, err
	}
	if old == nil {
		return storage.MutationResult{}, fmt.Errorf("%s row %q not found", m.Table, rowID)
	}

	next := cloneRow(old)
	for key, value := range m.Row {
		next[key] = value
	}
	next["id"] = rowID

	data, err := json.Marshal(next)
	if err != nil {
		return storage.MutationResult{}, fmt.Errorf("encode %s row: %w", m.Table, err)
	}
	_, err = s.sqlDB.ExecContext(ctx,
		"UPDATE "+m.Table+" SET data = ?, updated_at = ? WHERE id = ?",
		string(data), time.Now().UTC().UnixMilli(), rowID,
	)
	if err != nil {
		return storage.MutationResult{}, fmt.Errorf("update %s row: %w", m.Table, err)
	}

	return storage.MutationResult{
		Row:    next,
		Change: &wire.Change{Table: m.Table, Op: wire.OpUpdate, OldRow: old, NewRow: next},
	}, nil
}

func (s *Store) delete(ctx context.Context, m storage.Mutation) (storage.MutationResult, error) {
	rowID, err := targetID(m)
	if err != nil {
		return storage.MutationResult{}, err
	}

	old, err := s.getByID(ctx, m.Table, rowID)
	if err != nil {
		return storage.MutationResult{}, err
	}
	if old == nil {
		// Already gone: concurrent deletes converge without an error.
		return storage.MutationResult{Deleted: false}, nil
	}

	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM "+m.Table+" WHERE id = ?", rowID); err != nil {
		return storage.MutationResult{}, fmt.Errorf("delete %s row: %w", m.Table, err)
	}

	return storage.MutationResult{
		Row:     old,
		Deleted: true,
		Change:  &wire.Change{Table: m.Table, Op: wire.OpDelete, OldRow: old},
	}, nil
}

func (s *Store) getByID(ctx context.Context, table string, rowID string) (map[string]any, error) {
	var data string
	err := s.sqlDB.QueryRowContext(ctx, "SELECT data FROM "+table+" WHERE id = ?", rowID).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get %s row: %w", table, err)
	}
	return decodeRow(data)
}

func filterClause(filter wire.Filter) (string, []any, error) {
	if !columnPattern.MatchString(filter.Column) {
		return "", nil, fmt.Errorf("invalid filter column %q", filter.Column)
	}
	if filter.Column == "id" {
		return "id = ?", []any{filter.Value}, nil
	}
	// The column name is validated above, so interpolating the JSON path is safe.
	return fmt.Sprintf("CAST(json_extract(data, '$.%s') AS TEXT) = ?", filter.Column), []any{filter.Value}, nil
}

func targetID(m storage.Mutation) (string, error) {
	filter, err := wire.ParseFilter(m.Filter)
	if err != nil {
		return "", err
	}
	if filter.Column == "id" && filter.Value != "" {
		return filter.Value, nil
	}
	if rowID := rowIDOf(m.Row); rowID != "" {
		return rowID, nil
	}
	return "", fmt.Errorf("%s mutation requires an id filter or row id", m.Op)
}

func rowIDOf(row map[string]any) string {
	if row == nil {
		return ""
	}
	value, _ := row["id"].(string)
	return strings.TrimSpace(value)
}

func cloneRow(row map[string]any) map[string]any {
	if row == nil {
		return nil
	}
	out := make(map[string]any, len(row))
	for key, value := range row {
		out[key] = value
	}
	return out
}

func decodeRow(data string) (map[string]any, error) {
	var row map[string]any
	if err := json.Unmarshal([]byte(data), &row); err != nil {
		return nil, fmt.Errorf("decode stored row: %w", err)
	}
	return row, nil
}
