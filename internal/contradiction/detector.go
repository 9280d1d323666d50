package contradiction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
)

// recordNamespace seeds deterministic record IDs so re-detecting the same
// contradiction yields the same ID.
var recordNamespace = uuid.MustParse("a2aa84f5-0d8d-4d3e-9c6a-30b1f1f7a9f3")

// Rows is the registry view the detector reads. Satisfied by
// *schema.Registry.
type Rows interface {
	Has(table string) bool
	Schema(table string) (*schema.Definition, bool)
	Query(ctx context.Context, table string, q schema.Query) ([]model.Row, error)
}

// Detector holds loaded rules and the latest detection snapshot.
type Detector struct {
	rows   Rows
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	rules    map[string][]Rule
	snapshot map[string][]model.ContradictionRecord
}

// New creates an empty detector; load rules before detecting.
func New(rows Rows, logger *slog.Logger) *Detector {
	return &Detector{
		rows:     rows,
		logger:   logger,
		now:      time.Now,
		rules:    make(map[string][]Rule),
		snapshot: make(map[string][]model.ContradictionRecord),
	}
}

// Detect evaluates the table's rules over up to limit rows and replaces the
// table's slice of the snapshot. Similarity is O(n²) pairwise; callers bound
// cost with limit.
func (d *Detector) Detect(ctx context.Context, table string, limit int) ([]model.ContradictionRecord, error) {
	d.mu.RLock()
	rules := d.rules[table]
	d.mu.RUnlock()
	if len(rules) == 0 {
		d.setSnapshot(table, nil)
		return nil, nil
	}

	def, ok := d.rows.Schema(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownTable, table)
	}
	rows, err := d.rows.Query(ctx, table, schema.Query{Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("contradiction: detect %s: %w", table, err)
	}

	pk := def.PrimaryKey().Name
	var records []model.ContradictionRecord
	for _, rule := range rules {
		switch rule.Method {
		case model.MethodSimilarity:
			records = append(records, d.detectSimilarity(table, pk, rule, rows)...)
		case model.MethodTemporalConsistency:
			records = append(records, d.detectTemporal(table, pk, rule, rows)...)
		case model.MethodActionConflict:
			records = append(records, d.detectActionConflict(table, pk, rule, rows)...)
		}
	}

	d.setSnapshot(table, records)
	if len(records) > 0 {
		d.logger.Info("contradiction: records detected", "table", table, "count", len(records))
	}
	return records, nil
}

// DetectAll runs Detect over every table that has rules.
func (d *Detector) DetectAll(ctx context.Context, limit int) ([]model.ContradictionRecord, error) {
	d.mu.RLock()
	tables := make([]string, 0, len(d.rules))
	for table := range d.rules {
		tables = append(tables, table)
	}
	d.mu.RUnlock()
	sort.Strings(tables)

	var all []model.ContradictionRecord
	for _, table := range tables {
		if !d.rows.Has(table) {
			continue
		}
		records, err := d.Detect(ctx, table, limit)
		if err != nil {
			return all, err
		}
		all = append(all, records...)
	}
	return all, nil
}

// Snapshot returns the latest detection results across all tables. The
// trust engine scores against this; it never triggers detection.
func (d *Detector) Snapshot() []model.ContradictionRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.ContradictionRecord
	for _, records := range d.snapshot {
		out = append(out, records...)
	}
	return out
}

// Summary aggregates the snapshot.
func (d *Detector) Summary() model.ContradictionSummary {
	s := model.ContradictionSummary{
		ByTable:    make(map[string]int),
		BySeverity: make(map[string]int),
	}
	for _, rec := range d.Snapshot() {
		s.ByTable[rec.Table]++
		s.BySeverity[string(rec.Severity)]++
		if rec.Severity == model.SeverityCritical {
			s.CriticalCount++
		}
		s.Total++
	}
	return s
}

func (d *Detector) setSnapshot(table string, records []model.ContradictionRecord) {
	d.mu.Lock()
	if records == nil {
		delete(d.snapshot, table)
	} else {
		d.snapshot[table] = records
	}
	d.mu.Unlock()
}

// detectSimilarity compares every row pair: mean Jaccard over the rule's
// fields, record when the mean reaches the threshold.
func (d *Detector) detectSimilarity(table, pk string, rule Rule, rows []model.Row) []model.ContradictionRecord {
	var out []model.ContradictionRecord
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			a, b := rows[i], rows[j]
			var sum float64
			for _, field := range rule.Fields {
				sum += jaccard(tokenize(a.String(field)), tokenize(b.String(field)))
			}
			mean := sum / float64(len(rule.Fields))
			if mean < rule.Threshold {
				continue
			}
			ids := []string{a.String(pk), b.String(pk)}
			out = append(out, d.record(table, rule, ids,
				fmt.Sprintf("rows are %.0f%% similar on %s", mean*100, strings.Join(rule.Fields, ", "))))
		}
	}
	return out
}

// detectTemporal groups rows by the identifier field and flags rows whose
// timestamp fields are impossibly ordered (each listed field must not
// precede its predecessor).
func (d *Detector) detectTemporal(table, pk string, rule Rule, rows []model.Row) []model.ContradictionRecord {
	var out []model.ContradictionRecord
	for _, row := range rows {
		if row.String(rule.IdentifierField) == "" {
			continue
		}
		prevField := rule.TimestampFields[0]
		prev, ok := row.Time(prevField)
		if !ok {
			continue
		}
		for _, field := range rule.TimestampFields[1:] {
			ts, ok := row.Time(field)
			if !ok {
				continue
			}
			if ts.Before(prev) {
				out = append(out, d.record(table, rule, []string{row.String(pk)},
					fmt.Sprintf("%s %s precedes %s %s for %s=%s",
						field, ts.Format(time.RFC3339), prevField, prev.Format(time.RFC3339),
						rule.IdentifierField, row.String(rule.IdentifierField))))
				break
			}
			prevField, prev = field, ts
		}
	}
	return out
}

// detectActionConflict groups rows by a canonical trigger key and flags
// pairs within a group whose action values differ.
func (d *Detector) detectActionConflict(table, pk string, rule Rule, rows []model.Row) []model.ContradictionRecord {
	groups := make(map[string][]model.Row)
	for _, row := range rows {
		key := canonical(row[rule.TriggerField])
		if key == "" || key == "null" {
			continue
		}
		groups[key] = append(groups[key], row)
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []model.ContradictionRecord
	for _, key := range keys {
		group := groups[key]
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if canonical(group[i][rule.ActionField]) == canonical(group[j][rule.ActionField]) {
					continue
				}
				ids := []string{group[i].String(pk), group[j].String(pk)}
				out = append(out, d.record(table, rule, ids,
					fmt.Sprintf("same trigger, conflicting %s", rule.ActionField)))
			}
		}
	}
	return out
}

func (d *Detector) record(table string, rule Rule, rowIDs []string, details string) model.ContradictionRecord {
	sorted := make([]string, len(rowIDs))
	copy(sorted, rowIDs)
	sort.Strings(sorted)
	id := uuid.NewSHA1(recordNamespace, []byte(table+"\x00"+rule.Name+"\x00"+strings.Join(sorted, "\x00")))
	return model.ContradictionRecord{
		ID:         id.String(),
		RuleName:   rule.Name,
		Table:      table,
		Method:     rule.Method,
		Severity:   rule.Severity,
		RowIDs:     rowIDs,
		Details:    details,
		DetectedAt: d.now().UTC(),
	}
}

// tokenize lowercases and splits on whitespace.
func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tokens[tok] = true
	}
	return tokens
}

// jaccard computes |A∩B| / |A∪B|. Two empty sets count as identical only
// when both values were empty, which similarity rules should not reward, so
// empty-vs-empty scores 0.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// canonical renders a value as a stable comparison key.
func canonical(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}
