package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
)

// Analyzer extracts features from a file. Satisfied by *analysis.Analyzer.
type Analyzer interface {
	Analyze(path string) model.FileAnalysis
}

// Inferrer proposes a destination table. Satisfied by *inference.Inferrer.
type Inferrer interface {
	Propose(a model.FileAnalysis) model.InferenceProposal
}

// Registry is the typed CRUD surface agents write through. Satisfied by
// *schema.Registry.
type Registry interface {
	Insert(ctx context.Context, table string, row model.Row, opts schema.InsertOptions) (model.Row, error)
	Update(ctx context.Context, table, id string, patch model.Row) (bool, error)
	Query(ctx context.Context, table string, q schema.Query) ([]model.Row, error)
	List() []string
	Schema(table string) (*schema.Definition, bool)
}

// Scorer computes row trust. Satisfied by *trust.Engine.
type Scorer interface {
	Score(table string, row model.Row) float64
}

// SchemaInferenceAgent is a read-only specialist: analyze one file, propose
// where it should land.
type SchemaInferenceAgent struct {
	*BaseAgent
	analyzer Analyzer
	inferrer Inferrer
}

// NewSchemaInference creates a schema inference agent.
func NewSchemaInference(instanceID string, analyzer Analyzer, inferrer Inferrer, manifest ManifestRegistrar, logger *slog.Logger) *SchemaInferenceAgent {
	a := &SchemaInferenceAgent{analyzer: analyzer, inferrer: inferrer}
	a.BaseAgent = newBase(
		model.KindSchemaInference, instanceID,
		"schema-inference",
		"analyze files and propose destination tables",
		[]string{"analyze_file", "propose_schema"},
		model.Constraints{
			ReadOnly:       true,
			MaxFileSizeMB:  50,
			AllowedFormats: []string{"txt", "md", "csv", "tsv", "json", "jsonl", "go", "py", "js"},
		},
		manifest, logger, a.run,
	)
	return a
}

func (a *SchemaInferenceAgent) run(_ context.Context, job *model.Job) (any, error) {
	path := payloadString(job, "file_path")
	if path == "" {
		return nil, fmt.Errorf("agent: schema inference job %s has no file_path", job.ID)
	}
	if err := a.checkConstraints(path); err != nil {
		return nil, err
	}
	analysis := a.analyzer.Analyze(path)
	proposal := a.inferrer.Propose(analysis)
	return map[string]any{
		"analysis": analysis,
		"proposal": proposal,
	}, nil
}

func (a *SchemaInferenceAgent) checkConstraints(path string) error {
	c := a.constraints
	if len(c.AllowedFormats) > 0 {
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
		allowed := false
		for _, f := range c.AllowedFormats {
			if f == ext {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("agent: format %q not in allowed_formats", ext)
		}
	}
	if c.MaxFileSizeMB > 0 {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("agent: stat %s: %w", path, err)
		}
		if info.Size() > int64(c.MaxFileSizeMB)*1024*1024 {
			return fmt.Errorf("agent: %s exceeds max_file_size_mb %d", path, c.MaxFileSizeMB)
		}
	}
	return nil
}

// IngestionAgent is the writing worker: insert one row, then score it and
// persist the trust score.
type IngestionAgent struct {
	*BaseAgent
	registry Registry
	scorer   Scorer
}

// NewIngestion creates an ingestion agent.
func NewIngestion(instanceID string, registry Registry, scorer Scorer, manifest ManifestRegistrar, logger *slog.Logger) *IngestionAgent {
	a := &IngestionAgent{registry: registry, scorer: scorer}
	a.BaseAgent = newBase(
		model.KindIngestion, instanceID,
		"ingestion",
		"insert approved rows and persist their trust scores",
		[]string{"insert_row", "score_row"},
		model.Constraints{
			RequiresApproval: true,
			MaxFileSizeMB:    100,
		},
		manifest, logger, a.run,
	)
	return a
}

func (a *IngestionAgent) run(ctx context.Context, job *model.Job) (any, error) {
	table := payloadString(job, "table")
	if table == "" {
		return nil, fmt.Errorf("agent: ingestion job %s has no table", job.ID)
	}
	raw, ok := job.Payload["row"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("agent: ingestion job %s has no row payload", job.ID)
	}
	upsert, _ := job.Payload["upsert"].(bool)

	inserted, err := a.registry.Insert(ctx, table, model.Row(raw), schema.InsertOptions{UpsertOnFingerprint: upsert})
	if err != nil {
		return nil, err
	}

	score := a.scorer.Score(table, inserted)
	def, ok := a.registry.Schema(table)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schema.ErrUnknownTable, table)
	}
	id := inserted.String(def.PrimaryKey().Name)
	if _, err := a.registry.Update(ctx, table, id, model.Row{model.ColumnTrustScore: score}); err != nil {
		return nil, fmt.Errorf("agent: persist trust for %s/%s: %w", table, id, err)
	}
	inserted[model.ColumnTrustScore] = score

	return map[string]any{
		"row":         inserted,
		"row_id":      id,
		"table":       table,
		"trust_score": score,
	}, nil
}

// CrossDomainLearningAgent is a read-only specialist that runs a multi-table
// query spec and summarizes per-table volume and trust.
type CrossDomainLearningAgent struct {
	*BaseAgent
	registry Registry
}

// NewCrossDomainLearning creates a cross-domain learning agent.
func NewCrossDomainLearning(instanceID string, registry Registry, manifest ManifestRegistrar, logger *slog.Logger) *CrossDomainLearningAgent {
	a := &CrossDomainLearningAgent{registry: registry}
	a.BaseAgent = newBase(
		model.KindCrossDomainLearning, instanceID,
		"cross-domain-learning",
		"survey tables and summarize cross-domain patterns",
		[]string{"query_tables", "summarize"},
		model.Constraints{ReadOnly: true},
		manifest, logger, a.run,
	)
	return a
}

func (a *CrossDomainLearningAgent) run(ctx context.Context, job *model.Job) (any, error) {
	tables := payloadStrings(job, "tables")
	if len(tables) == 0 {
		tables = a.registry.List()
	}
	limit := payloadInt(job, "limit")
	if limit <= 0 {
		limit = 200
	}

	summary := make(map[string]any, len(tables))
	for _, table := range tables {
		rows, err := a.registry.Query(ctx, table, schema.Query{Limit: limit})
		if err != nil {
			return nil, err
		}
		var sum float64
		lowCount := 0
		for _, row := range rows {
			s := row.TrustScore()
			sum += s
			if s < 0.5 {
				lowCount++
			}
		}
		entry := map[string]any{"rows": len(rows), "low_trust": lowCount}
		if len(rows) > 0 {
			entry["avg_trust"] = sum / float64(len(rows))
		}
		summary[table] = entry
	}
	return map[string]any{"tables": summary, "table_count": len(tables)}, nil
}

func payloadString(job *model.Job, key string) string {
	v, _ := job.Payload[key].(string)
	return v
}

func payloadInt(job *model.Job, key string) int {
	switch v := job.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func payloadStrings(job *model.Job, key string) []string {
	switch v := job.Payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
