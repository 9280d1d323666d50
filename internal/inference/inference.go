// Package inference turns a file analysis into a target-table proposal:
// reuse a known table, extend one with missing columns, or create a new one.
// The verdict carries a confidence that downstream governance converts into
// a risk tier, so the heuristics here stay deliberately conservative.
package inference

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
)

// Tables is the registry view the inferrer needs. Satisfied by
// *schema.Registry.
type Tables interface {
	TableForCategory(category model.FileCategory) string
	Has(table string) bool
	Schema(table string) (*schema.Definition, bool)
}

// Inferrer proposes a destination table for analyzed content.
type Inferrer struct {
	tables Tables
	logger *slog.Logger
}

// New creates an inferrer over the registry view.
func New(tables Tables, logger *slog.Logger) *Inferrer {
	return &Inferrer{tables: tables, logger: logger}
}

// Propose decides where the analyzed file should land. Tie-breaks: a known
// category with a mapped table is use_existing; create_new only when the
// category is genuinely unmapped and confidence is at least 0.7; anything
// below 0.7 degrades to the category default.
func (inf *Inferrer) Propose(a model.FileAnalysis) model.InferenceProposal {
	fields := extractFields(a)
	conf := confidence(a)

	target := inf.tables.TableForCategory(a.Category)
	if target == "" && a.Category != model.CategoryUnknown {
		// Known category without a mapped table: treat like new content.
		target = proposedTableName(a)
	}

	if a.Category == model.CategoryUnknown || !inf.tables.Has(target) {
		if conf >= 0.7 {
			name := target
			if name == "" {
				name = proposedTableName(a)
			}
			return model.InferenceProposal{
				Action:          model.ActionCreateNew,
				TargetTable:     name,
				Confidence:      conf,
				Reasoning:       fmt.Sprintf("no registered table accepts category %q; proposing %s", a.Category, name),
				ExtractedFields: fields,
			}
		}
		fallback := inf.tables.TableForCategory(model.CategoryDocument)
		return model.InferenceProposal{
			Action:             model.ActionUseExisting,
			TargetTable:        fallback,
			Confidence:         conf,
			Reasoning:          fmt.Sprintf("category %q unmapped and confidence %.2f below create threshold; falling back to %s", a.Category, conf, fallback),
			ExtractedFields:    fields,
			DegradedConfidence: true,
		}
	}

	def, _ := inf.tables.Schema(target)
	missing := missingFields(def, fields)
	if len(missing) > 0 && conf >= 0.7 {
		return model.InferenceProposal{
			Action:          model.ActionExtendExisting,
			TargetTable:     target,
			Confidence:      conf - 0.05,
			Reasoning:       fmt.Sprintf("table %s lacks columns %s extracted from %s", target, strings.Join(missing, ", "), a.Name),
			ExtractedFields: fields,
		}
	}
	if len(missing) > 0 {
		// Low confidence: drop the unmapped fields rather than propose DDL.
		for _, name := range missing {
			delete(fields, name)
		}
	}

	p := model.InferenceProposal{
		Action:          model.ActionUseExisting,
		TargetTable:     target,
		Confidence:      conf,
		Reasoning:       fmt.Sprintf("category %q maps to registered table %s", a.Category, target),
		ExtractedFields: fields,
	}
	if conf < 0.7 {
		p.DegradedConfidence = true
		p.Reasoning += " (degraded confidence)"
	}
	return p
}

// confidence grades how certain the analysis is. Known categories start
// high; analysis errors and an empty feature bag pull the score down.
func confidence(a model.FileAnalysis) float64 {
	base := 0.9
	if a.Category == model.CategoryUnknown {
		base = 0.75
		if len(a.Errors) > 0 || a.Size == 0 {
			base = 0.5
		}
	}
	penalty := 0.1 * float64(len(a.Errors))
	if penalty > 0.3 {
		penalty = 0.3
	}
	if len(a.Features) == 0 && a.Category != model.CategoryUnknown {
		penalty += 0.1
	}
	return model.ClampScore(base - penalty)
}

// extractFields shapes the analyzer's feature bag into row values for the
// category's table.
func extractFields(a model.FileAnalysis) model.Row {
	row := model.Row{
		"source_path": a.Path,
		"source_type": "file",
	}
	switch a.Category {
	case model.CategoryDocument:
		row["title"] = featureString(a, "title", strings.TrimSuffix(a.Name, filepath.Ext(a.Name)))
		row["token_count"] = featureInt(a, "word_count")
		row["line_count"] = featureInt(a, "line_count")
		if headings, ok := a.Features["headings"]; ok {
			row["headings"] = headings
		}
	case model.CategoryCode:
		row["module_name"] = a.Name
		row["language"] = featureString(a, "language", "unknown")
		row["line_count"] = featureInt(a, "line_count")
		row["import_count"] = featureInt(a, "import_count")
		row["function_count"] = featureInt(a, "function_count")
	case model.CategoryDataset:
		row["format"] = featureString(a, "format", strings.TrimPrefix(filepath.Ext(a.Name), "."))
		row["row_count"] = featureInt(a, "row_count")
		row["column_count"] = featureInt(a, "column_count")
		if cols, ok := a.Features["columns"]; ok {
			row["columns"] = cols
		}
	case model.CategoryMedia:
		row["media_kind"] = featureString(a, "media_kind", "unknown")
		row["size_bytes"] = a.Size
	default:
		row["mime_type"] = a.MimeType
		row["size_bytes"] = a.Size
	}
	return row
}

func featureString(a model.FileAnalysis, key, fallback string) string {
	if v, ok := a.Features[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func featureInt(a model.FileAnalysis, key string) int64 {
	switch v := a.Features[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	}
	return 0
}

// missingFields lists extracted field names the definition does not declare,
// sorted for stable reasoning strings.
func missingFields(def *schema.Definition, fields model.Row) []string {
	if def == nil {
		return nil
	}
	var out []string
	for name := range fields {
		if _, ok := def.FieldByName(name); !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// proposedTableName derives a table name for genuinely new content from the
// file extension.
func proposedTableName(a model.FileAnalysis) string {
	if a.Category != model.CategoryUnknown {
		return "memory_" + string(a.Category) + "s"
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(a.Name), "."))
	ext = sanitizeName(ext)
	if ext == "" {
		return "memory_uncategorized"
	}
	return "memory_" + ext + "_files"
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// BuildDefinition constructs a table definition for an approved create_new
// proposal, inferring column types from the extracted values. The primary
// key and standard columns follow the registry's conventions; source_path is
// the fingerprint so re-ingesting the same file upserts.
func BuildDefinition(table string, category model.FileCategory, fields model.Row) (*schema.Definition, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	defFields := []schema.Field{
		{Name: "id", Type: schema.TypeUUID, PrimaryKey: true, Generated: true},
	}
	for _, name := range names {
		if name == "id" {
			continue
		}
		defFields = append(defFields, schema.Field{
			Name:     name,
			Type:     fieldTypeFor(fields[name]),
			Required: name == "source_path",
		})
	}

	raw := &schema.Definition{
		TableName:        table,
		Description:      fmt.Sprintf("Auto-created for %s content.", category),
		Category:         string(category),
		FingerprintField: "source_path",
		Fields:           defFields,
	}
	return schema.FromDefinition(raw)
}

// FieldFor shapes one extracted value into a column declaration, used when
// an approved extend_existing proposal adds columns to a live table.
func FieldFor(name string, value any) schema.Field {
	return schema.Field{Name: name, Type: fieldTypeFor(value)}
}

// fieldTypeFor maps a Go value onto a declarable column type.
func fieldTypeFor(v any) schema.FieldType {
	switch v.(type) {
	case string:
		return schema.TypeString
	case int, int32, int64:
		return schema.TypeInteger
	case float32, float64:
		return schema.TypeFloat
	case bool:
		return schema.TypeBoolean
	case time.Time:
		return schema.TypeDatetime
	default:
		return schema.TypeJSON
	}
}
