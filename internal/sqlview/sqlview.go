// Package sqlview materializes a namespace's entities into a SQLite table
// via database/sql + modernc.org/sqlite, fed by internal/refresh batches.
// Grounded on the teacher's internal/projection/projector.go, which
// replays a sorted event stream into a fixed chat schema via db.Exec/Begin
// transactions; this generalizes that into one generic `$id`-keyed table
// with a JSON blob column per namespace, instead of one handwritten table
// per domain event type.
package sqlview

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/leonletto/ledgerdb/internal/refresh"
	"github.com/leonletto/ledgerdb/internal/types"
)

// View projects one namespace's entities into a SQLite table named after
// the namespace, with columns (id TEXT PRIMARY KEY, version INTEGER,
// updated_at INTEGER, deleted_at INTEGER, fields TEXT).
type View struct {
	db        *sql.DB
	namespace string
}

// Open creates (if absent) the backing table for namespace on db.
func Open(db *sql.DB, namespace string) (*View, error) {
	v := &View{db: db, namespace: namespace}
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			deleted_at INTEGER,
			fields TEXT NOT NULL
		)
	`, quoteIdent(namespace))
	if _, err := db.Exec(stmt); err != nil {
		return nil, fmt.Errorf("sqlview: create table %s: %w", namespace, err)
	}
	return v, nil
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// Handler returns an MVHandler that applies a batch of events for this
// namespace to the view's table inside one transaction per batch.
func (v *View) Handler() refresh.MVHandler {
	return refresh.MVHandler{
		Name:             "sqlview:" + v.namespace,
		SourceNamespaces: []string{v.namespace},
		Process:          v.apply,
	}
}

func (v *View) apply(ctx context.Context, batch []types.Event) error {
	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlview: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range batch {
		if err := v.applyOne(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlview: commit: %w", err)
	}
	return nil
}

func (v *View) applyOne(ctx context.Context, tx *sql.Tx, e types.Event) error {
	table := quoteIdent(v.namespace)
	switch e.Op {
	case types.OpCreate:
		fields, err := json.Marshal(e.After)
		if err != nil {
			return fmt.Errorf("sqlview: marshal fields: %w", err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, version, updated_at, deleted_at, fields)
			VALUES (?, 1, ?, NULL, ?)
			ON CONFLICT(id) DO UPDATE SET version=1, updated_at=excluded.updated_at, deleted_at=NULL, fields=excluded.fields
		`, table), e.Target, e.Timestamp, string(fields))
		return err

	case types.OpUpdate:
		var existing string
		err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT fields FROM %s WHERE id = ?`, table), e.Target).Scan(&existing)
		current := map[string]any{}
		if err == nil {
			_ = json.Unmarshal([]byte(existing), &current)
		} else if err != sql.ErrNoRows {
			return fmt.Errorf("sqlview: query existing: %w", err)
		}
		merged, err := json.Marshal(types.MergeFields(current, e.After))
		if err != nil {
			return fmt.Errorf("sqlview: marshal merged fields: %w", err)
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (id, version, updated_at, deleted_at, fields)
			VALUES (?, 1, ?, NULL, ?)
			ON CONFLICT(id) DO UPDATE SET version=version+1, updated_at=excluded.updated_at, fields=excluded.fields
		`, table), e.Target, e.Timestamp, string(merged))
		return err

	case types.OpDelete:
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET deleted_at = ? WHERE id = ?`, table), e.Timestamp, e.Target)
		return err
	}
	return nil
}

// Row is one materialized row read back from the view.
type Row struct {
	ID        string
	Version   int
	UpdatedAt int64
	DeletedAt *int64
	Fields    map[string]any
}

// Get reads a single row by id.
func (v *View) Get(ctx context.Context, id string) (Row, bool, error) {
	table := quoteIdent(v.namespace)
	var row Row
	var fields string
	err := v.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, version, updated_at, deleted_at, fields FROM %s WHERE id = ?`, table), id).
		Scan(&row.ID, &row.Version, &row.UpdatedAt, &row.DeletedAt, &fields)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("sqlview: get %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(fields), &row.Fields); err != nil {
		return Row{}, false, fmt.Errorf("sqlview: unmarshal fields: %w", err)
	}
	return row, true, nil
}

// ListActive returns every non-deleted row in the view.
func (v *View) ListActive(ctx context.Context) ([]Row, error) {
	table := quoteIdent(v.namespace)
	rows, err := v.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, version, updated_at, deleted_at, fields FROM %s WHERE deleted_at IS NULL`, table))
	if err != nil {
		return nil, fmt.Errorf("sqlview: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var row Row
		var fields string
		if err := rows.Scan(&row.ID, &row.Version, &row.UpdatedAt, &row.DeletedAt, &fields); err != nil {
			return nil, fmt.Errorf("sqlview: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &row.Fields); err != nil {
			return nil, fmt.Errorf("sqlview: unmarshal fields: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
