package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
)

// CreateTable materializes one schema definition. Column DDL is derived from
// the declared field types; the fingerprint field, when declared, gets a
// unique index to back idempotent upsert.
func (s *DB) CreateTable(ctx context.Context, def *schema.Definition) error {
	cols := make([]string, 0, len(def.Fields))
	for _, f := range def.Fields {
		col := quoteIdent(f.Name) + " " + sqlType(f.Type)
		if f.PrimaryKey {
			col += " PRIMARY KEY"
		} else if !f.IsNullable() && !f.Generated {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(def.TableName), strings.Join(cols, ", "))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("storage: create table %s: %w", def.TableName, err)
	}

	if fp := def.FingerprintField; fp != "" {
		idx := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s)",
			quoteIdent("idx_"+def.TableName+"_fingerprint"), quoteIdent(def.TableName), quoteIdent(fp))
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("storage: fingerprint index for %s: %w", def.TableName, err)
		}
	}
	return nil
}

// AddColumn extends a materialized table with one new column.
func (s *DB) AddColumn(ctx context.Context, def *schema.Definition, field schema.Field) error {
	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		quoteIdent(def.TableName), quoteIdent(field.Name), sqlType(field.Type))
	if field.Default != nil {
		encoded, err := encodeValue(field.Type, field.Default)
		if err != nil {
			return fmt.Errorf("storage: encode default for %s.%s: %w", def.TableName, field.Name, err)
		}
		ddl += fmt.Sprintf(" DEFAULT %s", sqlLiteral(encoded))
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("storage: add column %s.%s: %w", def.TableName, field.Name, err)
	}
	return nil
}

// InsertRow writes a prepared row. When upsertFingerprint is non-empty the
// write is find-by-fingerprint then update-or-insert, inside a transaction,
// so a repeated fingerprint keeps its original primary key and created_at.
func (s *DB) InsertRow(ctx context.Context, def *schema.Definition, row model.Row, upsertFingerprint string) (model.Row, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: begin insert tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	pk := def.PrimaryKey()

	if upsertFingerprint != "" {
		var existingID string
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
			quoteIdent(pk.Name), quoteIdent(def.TableName), quoteIdent(def.FingerprintField))
		err := tx.QueryRowContext(ctx, query, upsertFingerprint).Scan(&existingID)
		switch {
		case err == nil:
			// Update in place, preserving identity and creation time.
			patch := row.Clone()
			delete(patch, pk.Name)
			delete(patch, model.ColumnCreatedAt)
			if err := updateRowTx(ctx, tx, def, existingID, patch); err != nil {
				return nil, err
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("storage: commit upsert: %w", err)
			}
			return s.getRow(ctx, def, existingID)
		case err != sql.ErrNoRows:
			return nil, fmt.Errorf("storage: fingerprint probe %s: %w", def.TableName, err)
		}
	}

	names := make([]string, 0, len(def.Fields))
	placeholders := make([]string, 0, len(def.Fields))
	args := make([]any, 0, len(def.Fields))
	for _, f := range def.Fields {
		val, ok := row[f.Name]
		if !ok {
			continue
		}
		encoded, err := encodeValue(f.Type, val)
		if err != nil {
			return nil, fmt.Errorf("storage: encode %s.%s: %w", def.TableName, f.Name, err)
		}
		names = append(names, quoteIdent(f.Name))
		placeholders = append(placeholders, "?")
		args = append(args, encoded)
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(def.TableName), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("storage: insert into %s: %w", def.TableName, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storage: commit insert: %w", err)
	}

	id, _ := row[pk.Name].(string)
	return s.getRow(ctx, def, id)
}

// QueryRows runs an equality-filtered read. Unfiltered reads come back in
// rowid order, which is insertion order for these tables.
func (s *DB) QueryRows(ctx context.Context, def *schema.Definition, q schema.Query) ([]model.Row, error) {
	var (
		where []string
		args  []any
	)
	// Deterministic filter order keeps query plans and tests stable.
	keys := make([]string, 0, len(q.Filters))
	for k := range q.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		f, ok := def.FieldByName(k)
		if !ok {
			continue // lenient on read
		}
		encoded, err := encodeValue(f.Type, q.Filters[k])
		if err != nil {
			return nil, fmt.Errorf("storage: encode filter %s.%s: %w", def.TableName, k, err)
		}
		where = append(where, quoteIdent(k)+" = ?")
		args = append(args, encoded)
	}

	stmt := "SELECT * FROM " + quoteIdent(def.TableName)
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	order := "rowid"
	if q.OrderBy != "" {
		if _, ok := def.FieldByName(q.OrderBy); ok {
			order = quoteIdent(q.OrderBy)
		}
	}
	stmt += " ORDER BY " + order
	if q.Desc {
		stmt += " DESC"
	}
	if q.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", q.Limit)
	}
	if q.Offset > 0 {
		if q.Limit <= 0 {
			stmt += " LIMIT -1"
		}
		stmt += fmt.Sprintf(" OFFSET %d", q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query %s: %w", def.TableName, err)
	}
	defer rows.Close()
	return scanRows(rows, def)
}

// UpdateRow applies a prepared patch to the row with the given primary key.
// Returns false when no row matches.
func (s *DB) UpdateRow(ctx context.Context, def *schema.Definition, id string, patch model.Row) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("storage: begin update tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	pk := def.PrimaryKey()
	probe := fmt.Sprintf("SELECT 1 FROM %s WHERE %s = ?", quoteIdent(def.TableName), quoteIdent(pk.Name))
	if err := tx.QueryRowContext(ctx, probe, id).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("storage: probe %s/%s: %w", def.TableName, id, err)
	}

	if err := updateRowTx(ctx, tx, def, id, patch); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("storage: commit update: %w", err)
	}
	return true, nil
}

// CountRows returns the number of rows in the table.
func (s *DB) CountRows(ctx context.Context, def *schema.Definition) (int, error) {
	var n int
	stmt := "SELECT COUNT(*) FROM " + quoteIdent(def.TableName)
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count %s: %w", def.TableName, err)
	}
	return n, nil
}

func (s *DB) getRow(ctx context.Context, def *schema.Definition, id string) (model.Row, error) {
	pk := def.PrimaryKey()
	stmt := fmt.Sprintf("SELECT * FROM %s WHERE %s = ?", quoteIdent(def.TableName), quoteIdent(pk.Name))
	rows, err := s.db.QueryContext(ctx, stmt, id)
	if err != nil {
		return nil, fmt.Errorf("storage: get %s/%s: %w", def.TableName, id, err)
	}
	defer rows.Close()
	decoded, err := scanRows(rows, def)
	if err != nil {
		return nil, err
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("storage: get %s/%s: %w", def.TableName, id, ErrNotFound)
	}
	return decoded[0], nil
}

func updateRowTx(ctx context.Context, tx *sql.Tx, def *schema.Definition, id string, patch model.Row) error {
	if len(patch) == 0 {
		return nil
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sets := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys)+1)
	for _, k := range keys {
		f, ok := def.FieldByName(k)
		if !ok {
			continue
		}
		encoded, err := encodeValue(f.Type, patch[k])
		if err != nil {
			return fmt.Errorf("storage: encode %s.%s: %w", def.TableName, k, err)
		}
		sets = append(sets, quoteIdent(k)+" = ?")
		args = append(args, encoded)
	}
	if len(sets) == 0 {
		return nil
	}
	pk := def.PrimaryKey()
	args = append(args, id)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
		quoteIdent(def.TableName), strings.Join(sets, ", "), quoteIdent(pk.Name))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("storage: update %s/%s: %w", def.TableName, id, err)
	}
	return nil
}

// scanRows decodes a result set into rows, using the definition to recover
// typed values. Columns present in storage but absent from the definition
// are ignored for forward compatibility.
func scanRows(rows *sql.Rows, def *schema.Definition) ([]model.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("storage: columns: %w", err)
	}

	var out []model.Row
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		row := make(model.Row, len(cols))
		for i, col := range cols {
			f, ok := def.FieldByName(col)
			if !ok {
				continue
			}
			decoded, err := decodeValue(f.Type, raw[i])
			if err != nil {
				return nil, fmt.Errorf("storage: decode %s.%s: %w", def.TableName, col, err)
			}
			row[col] = decoded
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate: %w", err)
	}
	return out, nil
}

// sqlType maps a declared field type to its SQLite column type.
func sqlType(t schema.FieldType) string {
	switch t {
	case schema.TypeInteger, schema.TypeBoolean:
		return "INTEGER"
	case schema.TypeFloat:
		return "REAL"
	default:
		// uuid, string, text, datetime (RFC3339), json (encoded) all land in TEXT.
		return "TEXT"
	}
}

// encodeValue converts a canonical row value into its driver representation.
func encodeValue(t schema.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case schema.TypeBoolean:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		}
		return nil, fmt.Errorf("expected bool, got %T", v)
	case schema.TypeDatetime:
		if ts, ok := v.(time.Time); ok {
			return ts.UTC().Format(time.RFC3339Nano), nil
		}
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected time, got %T", v)
	case schema.TypeJSON:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return v, nil
	}
}

// decodeValue converts a driver value back into the canonical representation.
func decodeValue(t schema.FieldType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case schema.TypeUUID, schema.TypeString, schema.TypeText:
		return asString(v)
	case schema.TypeInteger:
		switch val := v.(type) {
		case int64:
			return val, nil
		case float64:
			return int64(val), nil
		}
		return nil, fmt.Errorf("expected integer, got %T", v)
	case schema.TypeFloat:
		switch val := v.(type) {
		case float64:
			return val, nil
		case int64:
			return float64(val), nil
		}
		return nil, fmt.Errorf("expected float, got %T", v)
	case schema.TypeBoolean:
		switch val := v.(type) {
		case int64:
			return val != 0, nil
		case bool:
			return val, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", v)
	case schema.TypeDatetime:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", s, err)
		}
		return ts, nil
	case schema.TypeJSON:
		s, err := asString(v)
		if err != nil {
			return nil, err
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("bad json: %w", err)
		}
		return decoded, nil
	}
	return v, nil
}

func asString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case []byte:
		return string(val), nil
	}
	return "", fmt.Errorf("expected string, got %T", v)
}

// quoteIdent wraps an identifier in double quotes. Identifiers are validated
// at definition-load time; quoting guards against SQL keywords.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

// sqlLiteral renders an already-encoded value as a SQL literal. ALTER TABLE
// defaults cannot be bound as parameters, so encoded values are inlined.
func sqlLiteral(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return "'" + strings.ReplaceAll(fmt.Sprint(val), "'", "''") + "'"
	}
}
