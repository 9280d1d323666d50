package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/seigyo/internal/model"
	"github.com/ashita-ai/seigyo/internal/schema"
)

type fakeAnalyzer struct {
	result model.FileAnalysis
}

func (f *fakeAnalyzer) Analyze(path string) model.FileAnalysis {
	out := f.result
	out.Path = path
	return out
}

type fakeInferrer struct {
	proposal model.InferenceProposal
}

func (f *fakeInferrer) Propose(model.FileAnalysis) model.InferenceProposal { return f.proposal }

type fakeRegistry struct {
	defs    map[string]*schema.Definition
	rows    map[string][]model.Row
	updates map[string]model.Row
}

func newFakeRegistry(t *testing.T) *fakeRegistry {
	t.Helper()
	def, err := schema.FromDefinition(&schema.Definition{
		TableName:        "memory_documents",
		FingerprintField: "source_path",
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeUUID, PrimaryKey: true, Generated: true},
			{Name: "source_path", Type: schema.TypeString, Required: true},
			{Name: "title", Type: schema.TypeString},
		},
	})
	require.NoError(t, err)
	return &fakeRegistry{
		defs:    map[string]*schema.Definition{"memory_documents": def},
		rows:    map[string][]model.Row{},
		updates: map[string]model.Row{},
	}
}

func (f *fakeRegistry) Insert(_ context.Context, table string, row model.Row, _ schema.InsertOptions) (model.Row, error) {
	def, ok := f.defs[table]
	if !ok {
		return nil, schema.ErrUnknownTable
	}
	prepared, err := def.PrepareInsert(row)
	if err != nil {
		return nil, err
	}
	f.rows[table] = append(f.rows[table], prepared)
	return prepared, nil
}

func (f *fakeRegistry) Update(_ context.Context, table, id string, patch model.Row) (bool, error) {
	f.updates[table+"/"+id] = patch
	return true, nil
}

func (f *fakeRegistry) Query(_ context.Context, table string, q schema.Query) ([]model.Row, error) {
	rows := f.rows[table]
	if q.Limit > 0 && q.Limit < len(rows) {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (f *fakeRegistry) List() []string {
	var out []string
	for name := range f.defs {
		out = append(out, name)
	}
	return out
}

func (f *fakeRegistry) Schema(table string) (*schema.Definition, bool) {
	def, ok := f.defs[table]
	return def, ok
}

type fakeScorer struct {
	score float64
}

func (f *fakeScorer) Score(string, model.Row) float64 { return f.score }

func TestSchemaInferenceAgentRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("Alpha\n\nHello."), 0o644))

	a := NewSchemaInference("",
		&fakeAnalyzer{result: model.FileAnalysis{Category: model.CategoryDocument}},
		&fakeInferrer{proposal: model.InferenceProposal{Action: model.ActionUseExisting, TargetTable: "memory_documents", Confidence: 0.9}},
		nil, testLogger())
	require.NoError(t, a.Initialize(context.Background()))
	assert.True(t, a.constraints.ReadOnly)

	require.True(t, a.TryClaim())
	result := a.ExecuteJob(context.Background(), model.NewJob(model.KindSchemaInference, map[string]any{"file_path": path}))
	require.True(t, result.Success, result.Error)

	out, ok := result.Result.(map[string]any)
	require.True(t, ok)
	proposal, ok := out["proposal"].(model.InferenceProposal)
	require.True(t, ok)
	assert.Equal(t, "memory_documents", proposal.TargetTable)
}

func TestSchemaInferenceAgentRejectsDisallowedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "binary.exe")
	require.NoError(t, os.WriteFile(path, []byte{0x4d, 0x5a}, 0o644))

	a := NewSchemaInference("", &fakeAnalyzer{}, &fakeInferrer{}, nil, testLogger())
	require.NoError(t, a.Initialize(context.Background()))

	require.True(t, a.TryClaim())
	result := a.ExecuteJob(context.Background(), model.NewJob(model.KindSchemaInference, map[string]any{"file_path": path}))
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "allowed_formats")
	assert.Equal(t, 1, a.Status().JobsFailed)
}

func TestIngestionAgentInsertsAndScores(t *testing.T) {
	registry := newFakeRegistry(t)
	a := NewIngestion("", registry, &fakeScorer{score: 0.77}, nil, testLogger())
	require.NoError(t, a.Initialize(context.Background()))

	require.True(t, a.TryClaim())
	result := a.ExecuteJob(context.Background(), model.NewJob(model.KindIngestion, map[string]any{
		"table":  "memory_documents",
		"row":    map[string]any{"source_path": "/watched/doc.txt", "title": "Alpha"},
		"upsert": true,
	}))
	require.True(t, result.Success, result.Error)

	out := result.Result.(map[string]any)
	assert.Equal(t, 0.77, out["trust_score"])
	require.Len(t, registry.rows["memory_documents"], 1)
	require.Len(t, registry.updates, 1)
	for _, patch := range registry.updates {
		assert.Equal(t, 0.77, patch[model.ColumnTrustScore])
	}
}

func TestIngestionAgentUnknownTableFails(t *testing.T) {
	a := NewIngestion("", newFakeRegistry(t), &fakeScorer{}, nil, testLogger())
	require.NoError(t, a.Initialize(context.Background()))

	require.True(t, a.TryClaim())
	result := a.ExecuteJob(context.Background(), model.NewJob(model.KindIngestion, map[string]any{
		"table": "nope",
		"row":   map[string]any{"x": 1},
	}))
	assert.False(t, result.Success)
	assert.Equal(t, model.AgentIdle, a.Status().State)
}

func TestCrossDomainLearningAgentSummarizes(t *testing.T) {
	registry := newFakeRegistry(t)
	registry.rows["memory_documents"] = []model.Row{
		{"id": "r1", "trust_score": 0.9},
		{"id": "r2", "trust_score": 0.3},
	}
	a := NewCrossDomainLearning("cdl-1", registry, nil, testLogger())
	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, "cdl-1", a.ID())

	require.True(t, a.TryClaim())
	result := a.ExecuteJob(context.Background(), model.NewJob(model.KindCrossDomainLearning, map[string]any{
		"tables": []any{"memory_documents"},
	}))
	require.True(t, result.Success, result.Error)

	out := result.Result.(map[string]any)
	tables := out["tables"].(map[string]any)
	entry := tables["memory_documents"].(map[string]any)
	assert.Equal(t, 2, entry["rows"])
	assert.Equal(t, 1, entry["low_trust"])
	assert.InDelta(t, 0.6, entry["avg_trust"].(float64), 1e-9)
}

func TestFactoryKinds(t *testing.T) {
	f := NewFactory(&fakeAnalyzer{}, &fakeInferrer{}, newFakeRegistry(t), &fakeScorer{}, nil, testLogger())

	for _, kind := range []model.AgentKind{model.KindSchemaInference, model.KindIngestion, model.KindCrossDomainLearning} {
		a, err := f.New(kind, "")
		require.NoError(t, err)
		assert.Equal(t, kind, a.Kind())
		assert.NotEmpty(t, a.ID())
	}

	_, err := f.New(model.AgentKind("nonsense"), "")
	assert.ErrorIs(t, err, ErrUnknownAgentKind)

	_, err = f.New(model.KindOrchestrator, "")
	assert.ErrorIs(t, err, ErrUnknownAgentKind, "orchestrator is not spawnable")
}
