package schema

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ashita-ai/seigyo/internal/model"
)

// Store is the storage backend the registry materializes into. Implemented
// by internal/storage; kept as an interface so the registry stays free of
// SQL and the pipeline can be tested against fakes.
type Store interface {
	CreateTable(ctx context.Context, def *Definition) error
	InsertRow(ctx context.Context, def *Definition, row model.Row, upsertFingerprint string) (model.Row, error)
	QueryRows(ctx context.Context, def *Definition, q Query) ([]model.Row, error)
	UpdateRow(ctx context.Context, def *Definition, id string, patch model.Row) (bool, error)
	CountRows(ctx context.Context, def *Definition) (int, error)
	AddColumn(ctx context.Context, def *Definition, field Field) error
}

// Query bounds a read against one table. Filters are equality-only.
type Query struct {
	Filters map[string]any
	Limit   int
	Offset  int
	OrderBy string // empty = stable insertion order
	Desc    bool
}

// InsertOptions controls Insert behavior.
type InsertOptions struct {
	// UpsertOnFingerprint updates the existing row (same primary key) when a
	// row with the same logical fingerprint already exists.
	UpsertOnFingerprint bool
}

// Registry caches table definitions, ordered by table name, and mediates all
// typed CRUD against the store. The cache is read-mostly; ExtendTable swaps a
// cloned definition under the write lock so readers never observe a
// half-extended schema.
type Registry struct {
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	tables map[string]*Definition
	order  []string
}

// NewRegistry creates an empty registry over the given store.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		tables: make(map[string]*Definition),
	}
}

// LoadAll reads every YAML definition in dir, caching the good ones and
// logging the bad ones. Idempotent: reloading an already-known table replaces
// its cached definition. Returns the number of successful loads.
func (r *Registry) LoadAll(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("schema: read dir %s: %w", dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("schema: read definition failed", "path", path, "error", err)
			continue
		}
		def, err := ParseDefinition(data)
		if err != nil {
			if pe, ok := err.(*ParseError); ok {
				pe.Path = path
			}
			r.logger.Warn("schema: bad definition skipped", "path", path, "error", err)
			continue
		}
		r.put(def)
		loaded++
	}
	r.logger.Info("schema: definitions loaded", "dir", dir, "count", loaded)
	return loaded, nil
}

// Register adds or replaces a single definition. Used by tests and by
// governed create_table proposals.
func (r *Registry) Register(def *Definition) {
	r.put(def.Clone())
}

func (r *Registry) put(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tables[def.TableName]; !exists {
		r.order = append(r.order, def.TableName)
		sort.Strings(r.order)
	}
	r.tables[def.TableName] = def
}

// Materialize creates the underlying storage for every cached definition.
// Safe to call repeatedly; creation is "if not exists".
func (r *Registry) Materialize(ctx context.Context) error {
	for _, def := range r.definitions() {
		if err := r.store.CreateTable(ctx, def); err != nil {
			return fmt.Errorf("schema: materialize %s: %w", def.TableName, err)
		}
	}
	return nil
}

// Insert validates row against the table's schema, fills defaults and
// generated fields, and writes it. With UpsertOnFingerprint set and the table
// declaring a fingerprint field, an existing row with the same fingerprint is
// updated in place and keeps its primary key.
func (r *Registry) Insert(ctx context.Context, table string, row model.Row, opts InsertOptions) (model.Row, error) {
	def, ok := r.definition(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	prepared, err := def.PrepareInsert(row)
	if err != nil {
		return nil, err
	}
	fingerprint := ""
	if opts.UpsertOnFingerprint {
		fingerprint = def.Fingerprint(prepared)
	}
	inserted, err := r.store.InsertRow(ctx, def, prepared, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("schema: insert into %s: %w", table, err)
	}
	return inserted, nil
}

// Query runs an equality-filtered read. With OrderBy unset, rows come back
// in stable insertion order.
func (r *Registry) Query(ctx context.Context, table string, q Query) ([]model.Row, error) {
	def, ok := r.definition(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	rows, err := r.store.QueryRows(ctx, def, q)
	if err != nil {
		return nil, fmt.Errorf("schema: query %s: %w", table, err)
	}
	return rows, nil
}

// Update applies a partial update to the row with the given primary key.
// Returns false with a nil error when no row matches.
func (r *Registry) Update(ctx context.Context, table, id string, patch model.Row) (bool, error) {
	def, ok := r.definition(table)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	parsedID, err := ParseRowID(id)
	if err != nil {
		return false, err
	}
	prepared, err := def.PreparePatch(patch)
	if err != nil {
		return false, err
	}
	ok, err = r.store.UpdateRow(ctx, def, parsedID, prepared)
	if err != nil {
		return false, fmt.Errorf("schema: update %s/%s: %w", table, parsedID, err)
	}
	return ok, nil
}

// Count returns the number of rows in the table.
func (r *Registry) Count(ctx context.Context, table string) (int, error) {
	def, ok := r.definition(table)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	return r.store.CountRows(ctx, def)
}

// Has reports whether the table is registered.
func (r *Registry) Has(table string) bool {
	_, ok := r.definition(table)
	return ok
}

// List returns the registered table names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schema returns the definition for a table.
func (r *Registry) Schema(table string) (*Definition, bool) {
	return r.definition(table)
}

// TableForCategory returns the table whose definition claims the analyzer
// category, or "" when none does.
func (r *Registry) TableForCategory(category model.FileCategory) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if r.tables[name].Category == string(category) {
			return name
		}
	}
	return ""
}

// ExtendTable adds a column to a live table. The storage ALTER runs first;
// only on success is the cached definition swapped, inside the write lock,
// so concurrent readers see either the old or the new shape, never a mix.
// Callers are responsible for routing the extension through governance.
func (r *Registry) ExtendTable(ctx context.Context, table string, field Field) error {
	def, ok := r.definition(table)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if !field.Type.Valid() {
		return &ParseError{Table: table, Reason: fmt.Sprintf("field %q has unknown type %q", field.Name, field.Type)}
	}
	if !validColumnName(field.Name) {
		return &ParseError{Table: table, Reason: fmt.Sprintf("field %q has an invalid name", field.Name)}
	}
	if _, exists := def.FieldByName(field.Name); exists {
		return &ParseError{Table: table, Reason: fmt.Sprintf("field %q already exists", field.Name)}
	}
	if field.PrimaryKey {
		return &ParseError{Table: table, Reason: "cannot add a second primary key"}
	}
	if field.Required && field.Default == nil {
		return &ParseError{Table: table, Reason: "new required columns need a default"}
	}

	next := def.Clone()
	next.Fields = append(next.Fields, field)

	if err := r.store.AddColumn(ctx, def, field); err != nil {
		return fmt.Errorf("schema: extend %s: %w", table, err)
	}

	r.mu.Lock()
	r.tables[table] = next
	r.mu.Unlock()

	r.logger.Info("schema: table extended", "table", table, "field", field.Name, "type", field.Type)
	return nil
}

func (r *Registry) definition(table string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tables[table]
	return def, ok
}

func (r *Registry) definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tables[name])
	}
	return out
}
