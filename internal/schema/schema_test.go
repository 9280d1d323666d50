package schema

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/seigyo/internal/model"
)

const goodYAML = `
table_name: memory_documents
description: Ingested documents.
category: document
fingerprint_field: source_path
training:
  row_threshold: 50
  min_rows: 10
  training_type: incremental
fields:
  - name: id
    type: uuid
    primary_key: true
    generated: true
  - name: source_path
    type: string
    required: true
  - name: title
    type: string
  - name: token_count
    type: integer
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(goodYAML))
	require.NoError(t, err)

	assert.Equal(t, "memory_documents", def.TableName)
	assert.Equal(t, "document", def.Category)
	assert.Equal(t, "source_path", def.FingerprintField)
	require.NotNil(t, def.Training)
	assert.Equal(t, 50, def.Training.RowThreshold)

	// Standard columns are appended at load time.
	for _, name := range []string{model.ColumnTrustScore, model.ColumnGovernanceStamp, model.ColumnCreatedAt} {
		_, ok := def.FieldByName(name)
		assert.True(t, ok, "missing standard column %s", name)
	}
	assert.Equal(t, "id", def.PrimaryKey().Name)
}

func TestParseDefinitionRejectsBadDeclarations(t *testing.T) {
	cases := map[string]string{
		"no table name":        "fields:\n  - name: id\n    type: uuid\n    primary_key: true\n",
		"uppercase table":      "table_name: Memory\nfields:\n  - name: id\n    type: uuid\n    primary_key: true\n",
		"no fields":            "table_name: empty_table\n",
		"no primary key":       "table_name: t1\nfields:\n  - name: a\n    type: string\n",
		"two primary keys":     "table_name: t1\nfields:\n  - name: a\n    type: uuid\n    primary_key: true\n  - name: b\n    type: uuid\n    primary_key: true\n",
		"non-uuid primary key": "table_name: t1\nfields:\n  - name: a\n    type: string\n    primary_key: true\n",
		"duplicate field":      "table_name: t1\nfields:\n  - name: a\n    type: uuid\n    primary_key: true\n  - name: b\n    type: string\n  - name: b\n    type: string\n",
		"unknown type":         "table_name: t1\nfields:\n  - name: a\n    type: uuid\n    primary_key: true\n  - name: b\n    type: varchar\n",
		"bad fingerprint":      "table_name: t1\nfingerprint_field: ghost\nfields:\n  - name: a\n    type: uuid\n    primary_key: true\n",
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(yaml))
			var pe *ParseError
			require.Error(t, err)
			assert.True(t, errors.As(err, &pe), "expected ParseError, got %T", err)
		})
	}
}

func TestPrepareInsert(t *testing.T) {
	def, err := ParseDefinition([]byte(goodYAML))
	require.NoError(t, err)

	row, err := def.PrepareInsert(model.Row{
		"source_path": "/notes/alpha.md",
		"title":       "Alpha",
		"token_count": float64(7), // JSON numbers arrive as float64
	})
	require.NoError(t, err)

	assert.NotEmpty(t, row.String("id"))
	assert.Equal(t, int64(7), row["token_count"])
	assert.InDelta(t, 0.5, row.TrustScore(), 0.001)
	_, ok := row[model.ColumnCreatedAt].(time.Time)
	assert.True(t, ok)
}

func TestPrepareInsertViolations(t *testing.T) {
	def, err := ParseDefinition([]byte(goodYAML))
	require.NoError(t, err)

	_, err = def.PrepareInsert(model.Row{"title": "no source"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "source_path")

	_, err = def.PrepareInsert(model.Row{"source_path": "/x", "color": "red"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "color")

	_, err = def.PrepareInsert(model.Row{"source_path": "/x", "token_count": "twelve"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "token_count")
}

func TestPrepareInsertClampsTrust(t *testing.T) {
	def, err := ParseDefinition([]byte(goodYAML))
	require.NoError(t, err)

	row, err := def.PrepareInsert(model.Row{"source_path": "/x", model.ColumnTrustScore: 1.7})
	require.NoError(t, err)
	assert.Equal(t, 1.0, row.TrustScore())
}

func TestPreparePatchRejectsProtectedColumns(t *testing.T) {
	def, err := ParseDefinition([]byte(goodYAML))
	require.NoError(t, err)

	var verr *ValidationError
	_, err = def.PreparePatch(model.Row{"id": "11111111-1111-4111-8111-111111111111"})
	require.ErrorAs(t, err, &verr)

	_, err = def.PreparePatch(model.Row{model.ColumnCreatedAt: time.Now()})
	require.ErrorAs(t, err, &verr)

	_, err = def.PreparePatch(model.Row{"source_path": nil})
	require.ErrorAs(t, err, &verr)

	patch, err := def.PreparePatch(model.Row{"title": "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "renamed", patch.String("title"))
}

func TestParseRowID(t *testing.T) {
	id, err := ParseRowID("11111111-1111-4111-8111-111111111111")
	require.NoError(t, err)
	assert.Equal(t, "11111111-1111-4111-8111-111111111111", id)

	for _, bad := range []string{"", "not-a-uuid", "00000000-0000-0000-0000-000000000000"} {
		_, err := ParseRowID(bad)
		assert.ErrorIs(t, err, ErrInvalidID, "input %q", bad)
	}
}

// memStore is an in-memory Store for registry tests.
type memStore struct {
	mu      sync.Mutex
	created map[string]int
	rows    map[string][]model.Row
	columns map[string][]Field
}

func newMemStore() *memStore {
	return &memStore{
		created: map[string]int{},
		rows:    map[string][]model.Row{},
		columns: map[string][]Field{},
	}
}

func (m *memStore) CreateTable(_ context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created[def.TableName]++
	return nil
}

func (m *memStore) InsertRow(_ context.Context, def *Definition, row model.Row, fingerprint string) (model.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fingerprint != "" {
		for i, existing := range m.rows[def.TableName] {
			if existing.String(def.FingerprintField) == fingerprint {
				merged := existing.Clone()
				for k, v := range row {
					if k == def.PrimaryKey().Name || k == model.ColumnCreatedAt {
						continue
					}
					merged[k] = v
				}
				m.rows[def.TableName][i] = merged
				return merged, nil
			}
		}
	}
	m.rows[def.TableName] = append(m.rows[def.TableName], row)
	return row, nil
}

func (m *memStore) QueryRows(_ context.Context, def *Definition, q Query) ([]model.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.Row(nil), m.rows[def.TableName]...)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memStore) UpdateRow(_ context.Context, def *Definition, id string, patch model.Row) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := def.PrimaryKey().Name
	for i, existing := range m.rows[def.TableName] {
		if existing.String(pk) == id {
			merged := existing.Clone()
			for k, v := range patch {
				merged[k] = v
			}
			m.rows[def.TableName][i] = merged
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CountRows(_ context.Context, def *Definition) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows[def.TableName]), nil
}

func (m *memStore) AddColumn(_ context.Context, def *Definition, field Field) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.columns[def.TableName] = append(m.columns[def.TableName], field)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoadAllSkipsBadFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "documents.yaml"), []byte(goodYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("table_name: [not a string\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not yaml"), 0o644))

	r := NewRegistry(newMemStore(), testLogger())
	loaded, err := r.LoadAll(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, []string{"memory_documents"}, r.List())

	// Reload replaces, never duplicates.
	loaded, err = r.LoadAll(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.Equal(t, []string{"memory_documents"}, r.List())
}

func TestRegistryInsertUnknownTable(t *testing.T) {
	r := NewRegistry(newMemStore(), testLogger())
	_, err := r.Insert(context.Background(), "ghost", model.Row{}, InsertOptions{})
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestRegistryInsertAndQuery(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, testLogger())
	def, err := ParseDefinition([]byte(goodYAML))
	require.NoError(t, err)
	r.Register(def)
	require.NoError(t, r.Materialize(context.Background()))

	inserted, err := r.Insert(context.Background(), "memory_documents",
		model.Row{"source_path": "/a.md", "title": "Alpha"}, InsertOptions{UpsertOnFingerprint: true})
	require.NoError(t, err)
	assert.NotEmpty(t, inserted.String("id"))

	// Same fingerprint upserts in place.
	again, err := r.Insert(context.Background(), "memory_documents",
		model.Row{"source_path": "/a.md", "title": "Alpha v2"}, InsertOptions{UpsertOnFingerprint: true})
	require.NoError(t, err)
	assert.Equal(t, inserted.String("id"), again.String("id"))

	n, err := r.Count(context.Background(), "memory_documents")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTableForCategory(t *testing.T) {
	r := NewRegistry(newMemStore(), testLogger())
	def, err := ParseDefinition([]byte(goodYAML))
	require.NoError(t, err)
	r.Register(def)

	assert.Equal(t, "memory_documents", r.TableForCategory(model.CategoryDocument))
	assert.Equal(t, "", r.TableForCategory(model.CategoryMedia))
}

func TestExtendTable(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, testLogger())
	def, err := ParseDefinition([]byte(goodYAML))
	require.NoError(t, err)
	r.Register(def)

	require.NoError(t, r.ExtendTable(context.Background(), "memory_documents",
		Field{Name: "reading_minutes", Type: TypeInteger}))

	extended, ok := r.Schema("memory_documents")
	require.True(t, ok)
	_, ok = extended.FieldByName("reading_minutes")
	assert.True(t, ok)
	assert.Len(t, store.columns["memory_documents"], 1)

	// The definition handed out before the extension is unaffected.
	_, ok = def.FieldByName("reading_minutes")
	assert.False(t, ok)
}

func TestExtendTableRejections(t *testing.T) {
	r := NewRegistry(newMemStore(), testLogger())
	def, err := ParseDefinition([]byte(goodYAML))
	require.NoError(t, err)
	r.Register(def)
	ctx := context.Background()

	var pe *ParseError
	err = r.ExtendTable(ctx, "memory_documents", Field{Name: "title", Type: TypeString})
	require.ErrorAs(t, err, &pe) // duplicate

	err = r.ExtendTable(ctx, "memory_documents", Field{Name: "extra_id", Type: TypeUUID, PrimaryKey: true})
	require.ErrorAs(t, err, &pe) // second primary key

	err = r.ExtendTable(ctx, "memory_documents", Field{Name: "strict", Type: TypeString, Required: true})
	require.ErrorAs(t, err, &pe) // required without default

	err = r.ExtendTable(ctx, "memory_documents", Field{Name: "odd", Type: "varchar"})
	require.ErrorAs(t, err, &pe) // unknown type

	err = r.ExtendTable(ctx, "ghost", Field{Name: "a", Type: TypeString})
	assert.ErrorIs(t, err, ErrUnknownTable)
}
